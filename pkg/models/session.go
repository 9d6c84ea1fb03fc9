// Package models provides domain types for the tether gateway.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PermissionMode governs whether the approval broker is consulted before a
// sensitive operation runs.
type PermissionMode string

const (
	// PermissionDefault gates every sensitive operation on human approval.
	PermissionDefault PermissionMode = "default"

	// PermissionAcceptEdits auto-approves file-editing operations; everything
	// else still requires approval.
	PermissionAcceptEdits PermissionMode = "acceptEdits"

	// PermissionPlan keeps the agent in read-only planning; gating behaves
	// like PermissionDefault for anything the agent still attempts.
	PermissionPlan PermissionMode = "plan"

	// PermissionBypass skips the approval broker entirely.
	PermissionBypass PermissionMode = "bypassPermissions"
)

// ParsePermissionMode maps a user-supplied string to a PermissionMode.
// Matching is case-insensitive and accepts short aliases ("edits", "bypass").
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return PermissionDefault, nil
	case "acceptedits", "accept-edits", "edits":
		return PermissionAcceptEdits, nil
	case "plan":
		return PermissionPlan, nil
	case "bypasspermissions", "bypass":
		return PermissionBypass, nil
	default:
		return "", fmt.Errorf("unknown permission mode %q", s)
	}
}

// Valid reports whether the mode is one of the defined values.
func (m PermissionMode) Valid() bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypass:
		return true
	}
	return false
}

// Session is the persisted per-user conversation state. The owner is an
// opaque stable identifier (for Telegram it is the chat id rendered as a
// string). The conversation token is assigned by the agent runtime on first
// contact and allows later queries to resume prior context.
type Session struct {
	// ID is a stable internal identifier, minted at creation. It survives
	// conversation resets and appears in logs instead of chat ids.
	ID string `json:"id"`

	Owner             string         `json:"owner"`
	ConversationToken string         `json:"conversation_token,omitempty"`
	PermissionMode    PermissionMode `json:"permission_mode"`
	WorkDir           string         `json:"work_dir,omitempty"`
	Model             string         `json:"model,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	LastActive        time.Time      `json:"last_active"`
}

// NewSession creates a session for owner with defaults applied.
func NewSession(owner string) *Session {
	now := time.Now()
	return &Session{
		ID:             uuid.NewString(),
		Owner:          owner,
		PermissionMode: PermissionDefault,
		CreatedAt:      now,
		LastActive:     now,
	}
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActive = time.Now()
}
