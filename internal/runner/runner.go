// Package runner drives one streaming agent invocation per session: it wires
// cancellation, persists the conversation token as soon as it appears, and
// forwards every stream event to a caller-supplied sink, ending each turn
// with a guaranteed single terminal sentinel.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/tether/internal/mux"
	"github.com/haasonsaas/tether/internal/observability"
	"github.com/haasonsaas/tether/internal/sessions"
	"github.com/haasonsaas/tether/pkg/models"
)

// EventSink receives agent events during a turn. Implementations must be
// safe to call from multiple goroutines.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, e models.AgentEvent)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, e models.AgentEvent) {
	f(ctx, e)
}

// ErrorSink receives stream-level failures for user-visible reporting.
type ErrorSink interface {
	ReportError(ctx context.Context, owner string, err error)
}

// ErrorSinkFunc adapts a function to ErrorSink.
type ErrorSinkFunc func(ctx context.Context, owner string, err error)

// ReportError calls f.
func (f ErrorSinkFunc) ReportError(ctx context.Context, owner string, err error) {
	f(ctx, owner, err)
}

// QueryRequest describes one streaming agent invocation.
type QueryRequest struct {
	Owner             string
	ConversationToken string
	PermissionMode    models.PermissionMode
	WorkDir           string
	Model             string

	// Input yields the initial message immediately and stays open for
	// injected follow-ups; it closes when the turn tears down.
	Input <-chan string
}

// Runtime is the streaming agent collaborator. Query blocks until the stream
// ends, emitting every received event to sink. A ctx cancellation must make
// Query return promptly with ctx's error.
type Runtime interface {
	Query(ctx context.Context, req QueryRequest, sink EventSink) error
}

// Runner runs at most one query per owner at a time.
type Runner struct {
	runtime  Runtime
	sessions *sessions.Registry
	mux      *mux.Mux
	events   EventSink
	errors   ErrorSink
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// NewRunner creates a runner. events receives every stream event plus the
// terminal sentinel; errors receives non-cancellation stream failures.
func NewRunner(runtime Runtime, registry *sessions.Registry, inputs *mux.Mux, events EventSink, errs ErrorSink, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		runtime:  runtime,
		sessions: registry,
		mux:      inputs,
		events:   events,
		errors:   errs,
		logger:   logger.With("component", "runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs one agent turn for owner, blocking until the stream ends.
// Returns sessions.ErrNotFound (wrapped) when no session exists. A prior
// in-flight query for the owner is cancelled first. Cancellation-induced
// termination is swallowed; any other stream error goes to the error sink
// and is returned.
func (r *Runner) Start(ctx context.Context, owner, initialInput string) error {
	session, err := r.sessions.Get(ctx, owner)
	if err != nil {
		return fmt.Errorf("start query for %q: %w", owner, err)
	}

	// Replace any prior query. Its teardown may lag the cancel signal, so
	// force its input channel shut before opening ours.
	r.sessions.Cancel(owner)
	r.mux.Close(owner)

	channel, err := r.mux.Open(owner, initialInput)
	if err != nil {
		return fmt.Errorf("open input channel for %q: %w", owner, err)
	}

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle := sessions.NewCancelHandle(cancel)
	r.sessions.SetCancel(owner, handle)
	r.metrics.QueryStarted()

	outcome := "completed"
	defer func() {
		r.sessions.ClearCancel(owner, handle)
		channel.Close()
		r.metrics.QueryFinished(outcome)
		// Terminal sentinel: exactly once, on every exit path. Uses a
		// context that survives cancellation of the query itself.
		r.events.Emit(context.WithoutCancel(ctx), models.TurnCompleted(owner))
	}()

	r.logger.Info("query started", "owner", owner, "resume", session.ConversationToken != "")

	sink := &persistingSink{runner: r, session: session}
	err = r.runtime.Query(qctx, QueryRequest{
		Owner:             owner,
		ConversationToken: session.ConversationToken,
		PermissionMode:    session.PermissionMode,
		WorkDir:           session.WorkDir,
		Model:             session.Model,
		Input:             channel.Messages(),
	}, sink)

	if err != nil {
		if qctx.Err() != nil || errors.Is(err, context.Canceled) {
			outcome = "cancelled"
			r.logger.Info("query cancelled", "owner", owner)
			return nil
		}
		outcome = "error"
		r.logger.Error("query failed", "owner", owner, "error", err)
		if r.errors != nil {
			r.errors.ReportError(ctx, owner, err)
		}
		return err
	}

	if touchErr := r.sessions.Touch(ctx, session); touchErr != nil {
		r.logger.Warn("session activity update failed", "owner", owner, "error", touchErr)
	}
	r.logger.Info("query completed", "owner", owner)
	return nil
}

// Inject forwards a follow-up message into owner's open input channel.
func (r *Runner) Inject(owner, message string) error {
	if err := r.mux.Inject(owner, message); err != nil {
		return err
	}
	r.metrics.MessageInjected()
	return nil
}

// Cancel signals owner's in-flight query. The cancellation handle is removed
// immediately, so IsRunning reflects the cancellation before stream teardown
// completes.
func (r *Runner) Cancel(owner string) bool {
	return r.sessions.Cancel(owner)
}

// IsRunning reports whether a query is in flight for owner.
func (r *Runner) IsRunning(owner string) bool {
	return r.sessions.IsRunning(owner)
}

// persistingSink persists a newly observed conversation token before the
// event that carried it is delivered downstream, so a crash mid-stream still
// allows resumption.
type persistingSink struct {
	runner  *Runner
	session *models.Session
}

func (s *persistingSink) Emit(ctx context.Context, e models.AgentEvent) {
	if e.ConversationToken != "" && e.ConversationToken != s.session.ConversationToken {
		s.session.ConversationToken = e.ConversationToken
		if err := s.runner.sessions.Put(ctx, s.session); err != nil {
			s.runner.logger.Error("conversation token persistence failed",
				"owner", s.session.Owner, "error", err)
		}
	}
	e.Owner = s.session.Owner
	s.runner.events.Emit(ctx, e)
}
