// Package routing bridges the gap between a tool invocation id seen on the
// agent event stream and an approval request arriving later through the
// permission gate. Entries are ephemeral and TTL-bound.
package routing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// DefaultTTL is how long routing entries remain resolvable.
const DefaultTTL = 30 * time.Minute

type entry struct {
	id         string
	owner      string
	toolName   string
	input      json.RawMessage
	recordedAt time.Time
}

// Router is an ephemeral map from tool invocation id to owning session.
// Agent-issued invocation ids are only guaranteed locally unique, so lookups
// fall back to a composite key of tool name plus a stable hash of the input.
type Router struct {
	mu          sync.Mutex
	byID        map[string]*entry
	byComposite map[string]*entry
	ttl         time.Duration
	now         func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithTTL overrides the routing-entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Router) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// NewRouter creates an empty router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		byID:        make(map[string]*entry),
		byComposite: make(map[string]*entry),
		ttl:         DefaultTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stores the routing entry for an invocation id, overwriting any
// existing entry for the same id. Must complete before the permission gate
// can be invoked for that invocation.
func (r *Router) Record(invocationID, owner, toolName string, input json.RawMessage) {
	e := &entry{
		id:         invocationID,
		owner:      owner,
		toolName:   toolName,
		input:      input,
		recordedAt: r.now(),
	}

	r.mu.Lock()
	r.pruneLocked()
	if old, ok := r.byID[invocationID]; ok {
		// Drop the replaced entry's composite key so it cannot outlive
		// the entry it pointed at.
		key := compositeKey(old.toolName, old.input)
		if r.byComposite[key] == old {
			delete(r.byComposite, key)
		}
	}
	r.byID[invocationID] = e
	r.byComposite[compositeKey(toolName, input)] = e
	r.mu.Unlock()
}

// ResolveOwner returns the owning session for an invocation. The primary
// lookup is by invocation id; when that misses, the composite key of tool
// name and input hash is tried against entries still inside the TTL window.
func (r *Router) ResolveOwner(invocationID, toolName string, input json.RawMessage) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	if e, ok := r.byID[invocationID]; ok {
		return e.owner, true
	}
	if e, ok := r.byComposite[compositeKey(toolName, input)]; ok {
		return e.owner, true
	}
	return "", false
}

// Forget removes the entry for an invocation id once its lifecycle is known
// to be finished. Forgetting an absent id is a no-op.
func (r *Router) Forget(invocationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[invocationID]
	if !ok {
		return
	}
	delete(r.byID, invocationID)
	key := compositeKey(e.toolName, e.input)
	if r.byComposite[key] == e {
		delete(r.byComposite, key)
	}
}

// Len returns the number of live entries.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.byID)
}

func (r *Router) pruneLocked() {
	cutoff := r.now().Add(-r.ttl)
	for id, e := range r.byID {
		if e.recordedAt.Before(cutoff) {
			delete(r.byID, id)
			key := compositeKey(e.toolName, e.input)
			if r.byComposite[key] == e {
				delete(r.byComposite, key)
			}
		}
	}
}

// compositeKey builds the fallback lookup key: tool name plus a stable hash
// of the canonicalized input. json.Marshal sorts map keys, so semantically
// equal inputs hash identically regardless of field order on the wire.
func compositeKey(toolName string, input json.RawMessage) string {
	canonical := input
	var v any
	if err := json.Unmarshal(input, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return toolName + ":" + hex.EncodeToString(sum[:])
}
