// Package gate evaluates whether a sensitive agent operation may proceed.
// It resolves the owning session from the tool-use routing table, applies
// the session's permission mode, and otherwise blocks on a human decision
// via the approval broker. Gate failures never propagate as crashes; they
// convert to denials.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/tether/internal/approval"
	"github.com/haasonsaas/tether/pkg/models"
)

// Behavior values in a PermissionResult.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// PermissionResult is the gate's verdict in the shape the agent runtime
// expects back from the permission prompt tool.
type PermissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// OwnerResolver maps a tool invocation back to its owning session.
type OwnerResolver interface {
	ResolveOwner(invocationID, toolName string, input json.RawMessage) (string, bool)
}

// SessionSource looks up session records.
type SessionSource interface {
	Get(ctx context.Context, owner string) (*models.Session, error)
}

// Approver blocks on a human decision for one operation.
type Approver interface {
	RequestApproval(ctx context.Context, owner, toolName string, input json.RawMessage) approval.Decision
}

// editTools are the operations auto-approved under AcceptEdits mode.
var editTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// Gate is the sensitive-operation checkpoint.
type Gate struct {
	router   OwnerResolver
	sessions SessionSource
	approver Approver
	logger   *slog.Logger
}

// NewGate wires the gate to its collaborators.
func NewGate(router OwnerResolver, sessions SessionSource, approver Approver, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		router:   router,
		sessions: sessions,
		approver: approver,
		logger:   logger.With("component", "gate"),
	}
}

// CanPerform decides whether the named operation may execute. It never
// returns an error: every failure mode, including a panic in evaluation,
// resolves to a deny verdict.
func (g *Gate) CanPerform(ctx context.Context, toolUseID, toolName string, input json.RawMessage) (result PermissionResult) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gate evaluation panicked", "tool", toolName, "panic", r)
			result = deny("internal error evaluating permission")
		}
	}()

	owner, ok := g.router.ResolveOwner(toolUseID, toolName, input)
	if !ok {
		g.logger.Warn("unroutable permission request", "tool", toolName, "tool_use_id", toolUseID)
		return deny(fmt.Sprintf("no session found for invocation %s", toolUseID))
	}

	session, err := g.sessions.Get(ctx, owner)
	if err != nil {
		g.logger.Warn("session lookup failed", "owner", owner, "error", err)
		return deny("session expired or missing")
	}

	switch session.PermissionMode {
	case models.PermissionBypass:
		return allow(input)
	case models.PermissionAcceptEdits:
		if editTools[toolName] {
			return allow(input)
		}
	}

	decision := g.approver.RequestApproval(ctx, owner, toolName, input)
	if !decision.Approved {
		msg := decision.Message
		if msg == "" {
			msg = "Permission denied"
		}
		return deny(msg)
	}
	updated := decision.UpdatedInput
	if updated == nil {
		updated = input
	}
	return allow(updated)
}

func allow(input json.RawMessage) PermissionResult {
	return PermissionResult{Behavior: BehaviorAllow, UpdatedInput: input}
}

func deny(message string) PermissionResult {
	return PermissionResult{Behavior: BehaviorDeny, Message: message}
}
