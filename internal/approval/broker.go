// Package approval implements the correlation core between sensitive
// operations the agent wants to perform and human decisions arriving through
// an out-of-band channel. Each request is identified by a correlation token
// and settles exactly once, from whichever of {human decision, deadline,
// shutdown drain} gets there first.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/tether/internal/observability"
)

// DefaultTimeout is how long a request waits for a human decision.
const DefaultTimeout = 5 * time.Minute

// DenialReason distinguishes why a request resolved to a denial, so the
// agent (and transitively the human) can tell "you said no" from "nobody
// answered in time".
type DenialReason string

const (
	// DenialUser means the human explicitly denied the operation.
	DenialUser DenialReason = "user"

	// DenialTimeout means the deadline fired before a decision arrived.
	DenialTimeout DenialReason = "timeout"

	// DenialShutdown means the process drained pending requests at exit.
	DenialShutdown DenialReason = "shutdown"

	// DenialError means gate evaluation itself failed.
	DenialError DenialReason = "error"
)

// Decision is the settled outcome of an approval request.
type Decision struct {
	Approved bool

	// UpdatedInput echoes the original operation input on approval.
	UpdatedInput json.RawMessage

	// Message is the human-readable denial reason. Empty on approval.
	Message string

	// Reason categorizes the denial. Empty on approval.
	Reason DenialReason
}

// Notification is the payload handed to the out-of-band notifier. The
// notifier renders it however it chooses and must give the human a way to
// eventually call Settle with the same token.
type Notification struct {
	CorrelationToken string
	Owner            string
	ToolName         string
	InputSummary     string
	Deadline         time.Time
}

// Notifier presents an approval request to the owner out of band.
type Notifier interface {
	NotifyApproval(ctx context.Context, n Notification) error
}

// pendingApproval is one request awaiting a decision. Settlement is
// write-once: removal from the broker's live map is the right to send on
// done, so only one of the racing paths ever resolves the caller.
type pendingApproval struct {
	token     string
	owner     string
	toolName  string
	input     json.RawMessage
	createdAt time.Time
	expiresAt time.Time
	timer     *time.Timer
	done      chan Decision // buffered, capacity 1
}

// Broker issues correlation tokens, blocks callers up to the deadline, and
// resolves each request exactly once.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval

	notifier Notifier
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures a Broker.
type Option func(*Broker)

// WithTimeout overrides the decision deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// WithNow overrides the clock used for token generation and deadlines, for
// tests.
func WithNow(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// NewBroker creates a broker. The notifier may be nil (or set later with
// SetNotifier); requests without a notifier still run to their deadline.
func NewBroker(notifier Notifier, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		pending:  make(map[string]*pendingApproval),
		notifier: notifier,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   logger.With("component", "approval"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetNotifier installs the out-of-band notifier. Intended for wiring at
// startup, before any request is created.
func (b *Broker) SetNotifier(n Notifier) {
	b.mu.Lock()
	b.notifier = n
	b.mu.Unlock()
}

// RequestApproval registers a pending request, notifies the owner out of
// band, and blocks until a decision, the deadline, shutdown drain, or ctx
// cancellation settles it. The caller is unblocked exactly once.
//
// A notifier delivery failure is logged and otherwise ignored: the request
// still runs to its deadline, which resolves to a denial (fail-open on the
// delivery attempt, fail-closed on the outcome).
func (b *Broker) RequestApproval(ctx context.Context, owner, toolName string, input json.RawMessage) Decision {
	now := b.now()
	p := &pendingApproval{
		token:     newToken(now),
		owner:     owner,
		toolName:  toolName,
		input:     input,
		createdAt: now,
		expiresAt: now.Add(b.timeout),
		done:      make(chan Decision, 1),
	}

	// The timer is assigned before the entry is published so every path
	// that takes the entry observes a non-nil timer.
	b.mu.Lock()
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(p.token) })
	b.pending[p.token] = p
	notifier := b.notifier
	b.mu.Unlock()
	b.metrics.ApprovalCreated()

	b.logger.Info("approval requested",
		"token", p.token, "owner", owner, "tool", toolName, "deadline", p.expiresAt)

	if notifier != nil {
		n := Notification{
			CorrelationToken: p.token,
			Owner:            owner,
			ToolName:         toolName,
			InputSummary:     summarizeInput(input),
			Deadline:         p.expiresAt,
		}
		if err := notifier.NotifyApproval(ctx, n); err != nil {
			b.logger.Warn("approval prompt delivery failed; request will time out",
				"token", p.token, "owner", owner, "error", err)
		}
	}

	select {
	case d := <-p.done:
		return d
	case <-ctx.Done():
		if taken := b.take(p.token); taken != nil {
			taken.timer.Stop()
			b.metrics.ApprovalSettled(observability.OutcomeShutdown)
			return Decision{
				Approved: false,
				Message:  "Approval request cancelled",
				Reason:   DenialShutdown,
			}
		}
		// Lost the race: a settlement is already in flight, take it.
		return <-p.done
	}
}

// Settle resolves the pending request for token. Returns false if the token
// is unknown or already settled; duplicate and late decisions are expected
// under races with the deadline and are a safe no-op.
func (b *Broker) Settle(token string, approved bool) bool {
	p := b.take(token)
	if p == nil {
		return false
	}
	p.timer.Stop()

	var d Decision
	if approved {
		d = Decision{Approved: true, UpdatedInput: p.input}
		b.metrics.ApprovalSettled(observability.OutcomeApproved)
	} else {
		d = Decision{
			Approved: false,
			Message:  "Permission denied by user",
			Reason:   DenialUser,
		}
		b.metrics.ApprovalSettled(observability.OutcomeDenied)
	}

	b.logger.Info("approval settled", "token", token, "owner", p.owner, "approved", approved)
	p.done <- d
	return true
}

// Drain settles every still-pending request with a shutdown denial so no
// caller of RequestApproval blocks past process lifetime.
func (b *Broker) Drain() {
	b.mu.Lock()
	drained := make([]*pendingApproval, 0, len(b.pending))
	for token, p := range b.pending {
		drained = append(drained, p)
		delete(b.pending, token)
	}
	b.mu.Unlock()

	for _, p := range drained {
		p.timer.Stop()
		b.metrics.ApprovalSettled(observability.OutcomeShutdown)
		p.done <- Decision{
			Approved: false,
			Message:  "Approval request cancelled: gateway shutting down",
			Reason:   DenialShutdown,
		}
	}
	if len(drained) > 0 {
		b.logger.Info("drained pending approvals", "count", len(drained))
	}
}

// Pending returns the number of live requests.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// take atomically removes the pending request for token. Removal is the
// exclusion mechanism: only the caller that successfully removes the entry
// may resolve the suspended requester.
func (b *Broker) take(token string) *pendingApproval {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[token]
	if !ok {
		return nil
	}
	delete(b.pending, token)
	return p
}

func (b *Broker) expire(token string) {
	p := b.take(token)
	if p == nil {
		return
	}
	b.metrics.ApprovalSettled(observability.OutcomeTimeout)
	b.logger.Info("approval timed out", "token", token, "owner", p.owner, "tool", p.toolName)
	p.done <- Decision{
		Approved: false,
		Message:  fmt.Sprintf("Permission request timed out after %s", b.timeout),
		Reason:   DenialTimeout,
	}
}

// newToken builds a correlation token: base36 timestamp prefix plus a random
// suffix. Uniqueness, not unpredictability, is the requirement; the token is
// exposed to the human-facing channel as a literal string.
func newToken(now time.Time) string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	suffix := binary.BigEndian.Uint64(buf[:])
	return strconv.FormatInt(now.UnixMilli(), 36) + strconv.FormatUint(suffix, 36)
}

// summarizeInput renders a compact single-line preview of the operation
// input for the notification payload. Truncation backs off to a rune
// boundary so the preview stays valid UTF-8.
func summarizeInput(input json.RawMessage) string {
	const maxLen = 200
	s := string(input)
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
