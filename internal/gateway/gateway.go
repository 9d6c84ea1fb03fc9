// Package gateway is the coordination core: it owns the flow from an
// inbound user message through the query runner, the tool-use routing
// table, and the approval broker, and back out to the conversational
// front-end.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/tether/internal/approval"
	"github.com/haasonsaas/tether/internal/mux"
	"github.com/haasonsaas/tether/internal/routing"
	"github.com/haasonsaas/tether/internal/sessions"
	"github.com/haasonsaas/tether/pkg/models"
)

// QueryService drives agent turns. Implemented by the query runner.
type QueryService interface {
	Start(ctx context.Context, owner, initialInput string) error
	Inject(owner, message string) error
	Cancel(owner string) bool
	IsRunning(owner string) bool
}

// Outbound delivers text back to the owner's chat.
type Outbound interface {
	Send(ctx context.Context, owner, text string) error
}

// Coordinator implements the front-end service surface and consumes the
// agent event stream. One instance serves all sessions.
type Coordinator struct {
	queries  QueryService
	sessions *sessions.Registry
	router   *routing.Router
	broker   *approval.Broker
	logger   *slog.Logger

	// workDir is the working directory stamped onto sessions created on
	// first contact.
	workDir string

	mu       sync.RWMutex
	outbound Outbound
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkDir sets the working directory new sessions start in.
func WithWorkDir(dir string) Option {
	return func(c *Coordinator) {
		c.workDir = dir
	}
}

// NewCoordinator wires the coordination core together. The outbound
// transport is attached later via SetOutbound; the front-end needs the
// coordinator to exist first.
func NewCoordinator(queries QueryService, registry *sessions.Registry, router *routing.Router, broker *approval.Broker, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		queries:  queries,
		sessions: registry,
		router:   router,
		broker:   broker,
		logger:   logger.With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetOutbound attaches the transport used for agent output and errors.
func (c *Coordinator) SetOutbound(o Outbound) {
	c.mu.Lock()
	c.outbound = o
	c.mu.Unlock()
}

// HandleMessage routes one user utterance. If a query is running for the
// owner, the text is injected into it mid-turn; otherwise a new query
// starts in the background. A session record is created on first contact.
func (c *Coordinator) HandleMessage(ctx context.Context, owner, text string) error {
	if _, err := c.ensureSession(ctx, owner); err != nil {
		return err
	}

	if c.queries.IsRunning(owner) {
		err := c.queries.Inject(owner, text)
		if err == nil {
			c.logger.Debug("message injected into running query", "owner", owner)
			return nil
		}
		if !errors.Is(err, mux.ErrNoActiveChannel) {
			return fmt.Errorf("inject into query for %q: %w", owner, err)
		}
		// The query finished between the check and the inject; fall
		// through and start a new one.
	}

	// The handler context ends with the Telegram update; the query must
	// outlive it.
	qctx := context.WithoutCancel(ctx)
	go func() {
		if err := c.queries.Start(qctx, owner, text); err != nil {
			c.logger.Error("query start failed", "owner", owner, "error", err)
			c.send(qctx, owner, fmt.Sprintf("Error: %v", err))
		}
	}()
	return nil
}

// SubmitDecision settles a pending approval. Unknown or already-settled
// tokens return false without error.
func (c *Coordinator) SubmitDecision(token string, approved bool) bool {
	return c.broker.Settle(token, approved)
}

// NewConversation clears the stored conversation token so the next message
// starts a fresh agent conversation. A running query is cancelled.
func (c *Coordinator) NewConversation(ctx context.Context, owner string) error {
	session, err := c.ensureSession(ctx, owner)
	if err != nil {
		return err
	}
	c.queries.Cancel(owner)
	session.ConversationToken = ""
	return c.sessions.Put(ctx, session)
}

// StopQuery cancels the owner's in-flight query, if any.
func (c *Coordinator) StopQuery(owner string) bool {
	return c.queries.Cancel(owner)
}

// SetPermissionMode updates the session's permission mode.
func (c *Coordinator) SetPermissionMode(ctx context.Context, owner string, mode models.PermissionMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid permission mode %q", mode)
	}
	session, err := c.ensureSession(ctx, owner)
	if err != nil {
		return err
	}
	session.PermissionMode = mode
	return c.sessions.Put(ctx, session)
}

// Status describes the owner's session.
func (c *Coordinator) Status(ctx context.Context, owner string) (string, error) {
	session, err := c.sessions.Get(ctx, owner)
	if errors.Is(err, sessions.ErrNotFound) {
		return "No session yet. Send a message to start one.", nil
	}
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Permission mode: %s\n", session.PermissionMode)
	if c.queries.IsRunning(owner) {
		sb.WriteString("Query: running\n")
	} else {
		sb.WriteString("Query: idle\n")
	}
	if session.ConversationToken != "" {
		sb.WriteString("Conversation: resumable\n")
	} else {
		sb.WriteString("Conversation: fresh\n")
	}
	if session.WorkDir != "" {
		fmt.Fprintf(&sb, "Workdir: %s\n", session.WorkDir)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// Emit consumes one agent event. Implements the runner's event sink.
//
// Routing registration is the first thing done for a tool-use event: the
// record must exist before the agent's permission prompt can possibly
// reach the gate for that invocation.
func (c *Coordinator) Emit(ctx context.Context, e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventToolUse:
		if e.ToolUse != nil {
			c.router.Record(e.ToolUse.ID, e.Owner, e.ToolUse.Name, e.ToolUse.Input)
			c.logger.Debug("tool invocation recorded",
				"owner", e.Owner, "tool", e.ToolUse.Name, "tool_use_id", e.ToolUse.ID)
		}

	case models.AgentEventAssistantText:
		if e.Text != nil && strings.TrimSpace(e.Text.Text) != "" {
			c.send(ctx, e.Owner, e.Text.Text)
		}

	case models.AgentEventToolResult:
		// The gate has already run for this invocation; the routing entry
		// is no longer needed.
		if e.ToolResult != nil {
			c.router.Forget(e.ToolResult.ToolUseID)
		}

	case models.AgentEventResult:
		if e.Result != nil && e.Result.IsError {
			c.send(ctx, e.Owner, "⚠️ The agent reported an error for this turn.")
		}

	case models.AgentEventTurnCompleted:
		c.logger.Debug("turn completed", "owner", e.Owner)
	}
}

// ReportError delivers a stream failure to the owner. Implements the
// runner's error sink.
func (c *Coordinator) ReportError(ctx context.Context, owner string, err error) {
	c.send(ctx, owner, fmt.Sprintf("Query failed: %v", err))
}

// Shutdown denies all pending approvals and cancels in-flight queries.
// Approvals drain first so no gate call is left waiting on a human while
// its query is being torn down.
func (c *Coordinator) Shutdown() {
	c.broker.Drain()
	c.sessions.CancelAll()
}

// ensureSession returns the owner's session, creating one on first contact.
func (c *Coordinator) ensureSession(ctx context.Context, owner string) (*models.Session, error) {
	session, err := c.sessions.Get(ctx, owner)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sessions.ErrNotFound) {
		return nil, err
	}
	session = models.NewSession(owner)
	session.WorkDir = c.workDir
	if err := c.sessions.Put(ctx, session); err != nil {
		return nil, err
	}
	c.logger.Info("session created", "owner", owner)
	return session, nil
}

func (c *Coordinator) send(ctx context.Context, owner, text string) {
	c.mu.RLock()
	out := c.outbound
	c.mu.RUnlock()
	if out == nil {
		return
	}
	if err := out.Send(ctx, owner, text); err != nil {
		c.logger.Warn("outbound delivery failed", "owner", owner, "error", err)
	}
}
