package routing

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestRecordAndResolve(t *testing.T) {
	r := NewRouter()
	input := json.RawMessage(`{"cmd":"ls"}`)
	r.Record("tool-1", "U1", "Bash", input)

	owner, ok := r.ResolveOwner("tool-1", "Bash", input)
	if !ok || owner != "U1" {
		t.Errorf("ResolveOwner = %q, %v", owner, ok)
	}
}

func TestResolveFallsBackToCompositeKey(t *testing.T) {
	r := NewRouter()
	r.Record("tool-1", "U1", "Bash", json.RawMessage(`{"cmd":"ls","cwd":"/tmp"}`))

	// Unknown invocation id, same tool and semantically equal input with
	// different field order.
	owner, ok := r.ResolveOwner("other-id", "Bash", json.RawMessage(`{"cwd":"/tmp","cmd":"ls"}`))
	if !ok || owner != "U1" {
		t.Errorf("composite fallback = %q, %v", owner, ok)
	}

	// Different input must not resolve.
	if _, ok := r.ResolveOwner("other-id", "Bash", json.RawMessage(`{"cmd":"rm"}`)); ok {
		t.Error("different input should not resolve")
	}
	// Different tool must not resolve.
	if _, ok := r.ResolveOwner("other-id", "Write", json.RawMessage(`{"cmd":"ls","cwd":"/tmp"}`)); ok {
		t.Error("different tool should not resolve")
	}
}

func TestRecordOverwritesSameID(t *testing.T) {
	r := NewRouter()
	r.Record("tool-1", "U1", "Bash", json.RawMessage(`{"cmd":"ls"}`))
	r.Record("tool-1", "U2", "Bash", json.RawMessage(`{"cmd":"ls"}`))

	owner, ok := r.ResolveOwner("tool-1", "Bash", json.RawMessage(`{"cmd":"ls"}`))
	if !ok || owner != "U2" {
		t.Errorf("owner = %q, want U2 after overwrite", owner)
	}
}

func TestRecordOverwriteDropsStaleCompositeKey(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	r := NewRouter(WithTTL(30*time.Minute), WithNow(clock))

	inputA := json.RawMessage(`{"cmd":"ls"}`)
	inputB := json.RawMessage(`{"cmd":"pwd"}`)
	r.Record("tool-1", "U1", "Bash", inputA)
	r.Record("tool-1", "U1", "Bash", inputB)

	// The replaced entry's composite key must be gone immediately.
	if _, ok := r.ResolveOwner("unknown-id", "Bash", inputA); ok {
		t.Error("replaced input should not resolve via composite key")
	}
	owner, ok := r.ResolveOwner("unknown-id", "Bash", inputB)
	if !ok || owner != "U1" {
		t.Errorf("current input = %q, %v; want U1", owner, ok)
	}

	// And it must never outlive the TTL either.
	mu.Lock()
	now = now.Add(24 * time.Hour)
	mu.Unlock()
	if _, ok := r.ResolveOwner("unknown-id", "Bash", inputA); ok {
		t.Error("replaced input resolved long after the TTL")
	}
	if _, ok := r.ResolveOwner("unknown-id", "Bash", inputB); ok {
		t.Error("expired input resolved long after the TTL")
	}
}

func TestEntriesExpire(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	r := NewRouter(WithTTL(30*time.Minute), WithNow(clock))

	input := json.RawMessage(`{"cmd":"ls"}`)
	r.Record("tool-1", "U1", "Bash", input)

	mu.Lock()
	now = now.Add(31 * time.Minute)
	mu.Unlock()

	if _, ok := r.ResolveOwner("tool-1", "Bash", input); ok {
		t.Error("expired entry should not resolve by id")
	}
	if _, ok := r.ResolveOwner("other", "Bash", input); ok {
		t.Error("expired entry should not resolve by composite key")
	}
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0 after expiry", r.Len())
	}
}

func TestForget(t *testing.T) {
	r := NewRouter()
	input := json.RawMessage(`{"path":"a.txt"}`)
	r.Record("tool-1", "U1", "Edit", input)

	r.Forget("tool-1")
	if _, ok := r.ResolveOwner("tool-1", "Edit", input); ok {
		t.Error("forgotten entry should not resolve")
	}
	if _, ok := r.ResolveOwner("other", "Edit", input); ok {
		t.Error("forgotten entry should not resolve via composite key")
	}

	// Forgetting an unknown id is a no-op.
	r.Forget("never-recorded")
}

func TestForgetKeepsNewerCompositeEntry(t *testing.T) {
	r := NewRouter()
	input := json.RawMessage(`{"cmd":"ls"}`)
	r.Record("tool-1", "U1", "Bash", input)
	r.Record("tool-2", "U2", "Bash", input)

	// tool-2 owns the composite slot now; forgetting tool-1 must not evict it.
	r.Forget("tool-1")
	owner, ok := r.ResolveOwner("unknown", "Bash", input)
	if !ok || owner != "U2" {
		t.Errorf("composite entry = %q, %v; want U2", owner, ok)
	}
}
