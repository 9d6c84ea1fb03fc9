// Package sessions tracks one mutable session record per owner. Persisted
// fields live in the durable store; the live cancellation handle is
// process-local (a cancel func cannot survive a restart) and kept in a
// side table keyed by owner.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/tether/internal/storage"
	"github.com/haasonsaas/tether/pkg/models"
)

// DefaultTTL is how long idle sessions persist in the store.
const DefaultTTL = 3 * time.Hour

const keyPrefix = "session:"

// ErrNotFound is returned when no session record exists for an owner.
var ErrNotFound = errors.New("session not found")

// CancelHandle is the opaque cancellation object for one in-flight query.
// Its presence in the registry is the sole source of truth for "a query is
// running for this owner".
type CancelHandle struct {
	cancel context.CancelFunc
}

// NewCancelHandle wraps a context cancel func.
func NewCancelHandle(cancel context.CancelFunc) *CancelHandle {
	return &CancelHandle{cancel: cancel}
}

// Registry provides session persistence plus the in-memory cancellation
// table. All persisted mutations go through the durable store.
type Registry struct {
	store  storage.Store
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]*CancelHandle
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the session TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store storage.Store, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:   store,
		ttl:     DefaultTTL,
		logger:  logger.With("component", "sessions"),
		cancels: make(map[string]*CancelHandle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the session for owner, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, owner string) (*models.Session, error) {
	data, err := r.store.Get(ctx, keyPrefix+owner)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", owner, err)
	}
	session := &models.Session{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", owner, err)
	}
	return session, nil
}

// Put persists the session, refreshing its TTL.
func (r *Registry) Put(ctx context.Context, session *models.Session) error {
	if session == nil || session.Owner == "" {
		return errors.New("session owner is required")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", session.Owner, err)
	}
	if err := r.store.Put(ctx, keyPrefix+session.Owner, data, r.ttl); err != nil {
		return fmt.Errorf("store session %q: %w", session.Owner, err)
	}
	return nil
}

// Touch refreshes the session's activity timestamp and TTL.
func (r *Registry) Touch(ctx context.Context, session *models.Session) error {
	session.Touch()
	return r.Put(ctx, session)
}

// Delete removes the persisted session. Any live cancellation handle is left
// alone; the owning query tears it down on completion.
func (r *Registry) Delete(ctx context.Context, owner string) error {
	if err := r.store.Delete(ctx, keyPrefix+owner); err != nil {
		return fmt.Errorf("delete session %q: %w", owner, err)
	}
	return nil
}

// SetCancel registers the cancellation handle for owner's in-flight query.
// A prior handle, if any, is cancelled first: at most one live query per
// owner at any time.
func (r *Registry) SetCancel(owner string, handle *CancelHandle) {
	r.mu.Lock()
	prior := r.cancels[owner]
	r.cancels[owner] = handle
	r.mu.Unlock()

	if prior != nil {
		r.logger.Debug("replacing in-flight query", "owner", owner)
		prior.cancel()
	}
}

// ClearCancel removes owner's handle only if it is still the given one, so a
// finishing query never clobbers the handle of a replacement query.
func (r *Registry) ClearCancel(owner string, handle *CancelHandle) {
	r.mu.Lock()
	if r.cancels[owner] == handle {
		delete(r.cancels, owner)
	}
	r.mu.Unlock()
}

// Cancel signals owner's in-flight query and removes the handle immediately,
// without waiting for the stream to observe the signal. Returns false if no
// query was running.
func (r *Registry) Cancel(owner string) bool {
	r.mu.Lock()
	handle := r.cancels[owner]
	delete(r.cancels, owner)
	r.mu.Unlock()

	if handle == nil {
		return false
	}
	handle.cancel()
	return true
}

// IsRunning reports whether a query is in flight for owner.
func (r *Registry) IsRunning(owner string) bool {
	r.mu.Lock()
	_, ok := r.cancels[owner]
	r.mu.Unlock()
	return ok
}

// CancelAll signals every in-flight query. Used at shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	handles := make([]*CancelHandle, 0, len(r.cancels))
	for owner, handle := range r.cancels {
		handles = append(handles, handle)
		delete(r.cancels, owner)
	}
	r.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
	}
}
