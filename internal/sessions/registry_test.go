package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/tether/internal/storage"
	"github.com/haasonsaas/tether/pkg/models"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	return NewRegistry(storage.NewMemoryStore(), nil, opts...)
}

func TestRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	session := models.NewSession("u1")
	session.ConversationToken = "conv-123"
	session.PermissionMode = models.PermissionAcceptEdits
	if err := r.Put(ctx, session); err != nil {
		t.Fatal(err)
	}

	got, err := r.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ConversationToken != "conv-123" {
		t.Errorf("token = %q", got.ConversationToken)
	}
	if got.PermissionMode != models.PermissionAcceptEdits {
		t.Errorf("mode = %q", got.PermissionMode)
	}

	if err := r.Delete(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRegistryGetMissing(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistrySessionTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := storage.NewMemoryStore(storage.WithNow(func() time.Time { return now }))
	r := NewRegistry(store, nil, WithTTL(time.Hour))

	if err := r.Put(ctx, models.NewSession("u1")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(ctx, "u1"); err != nil {
		t.Fatalf("session should be live: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := r.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired session to read as absent, got %v", err)
	}
}

func TestCancelLifecycle(t *testing.T) {
	r := newTestRegistry(t)

	if r.Cancel("u1") {
		t.Error("cancel with no running query should return false")
	}
	if r.IsRunning("u1") {
		t.Error("no query should be running")
	}

	cancelled := false
	r.SetCancel("u1", NewCancelHandle(func() { cancelled = true }))
	if !r.IsRunning("u1") {
		t.Error("query should be running after SetCancel")
	}

	if !r.Cancel("u1") {
		t.Error("cancel of running query should return true")
	}
	if !cancelled {
		t.Error("cancel func should have been invoked")
	}
	// isRunning flips immediately, before any stream teardown.
	if r.IsRunning("u1") {
		t.Error("query should not be running after Cancel")
	}
	if r.Cancel("u1") {
		t.Error("second cancel should return false")
	}
}

func TestSetCancelReplacesPrior(t *testing.T) {
	r := newTestRegistry(t)

	priorCancelled := false
	prior := NewCancelHandle(func() { priorCancelled = true })
	r.SetCancel("u1", prior)

	replacement := NewCancelHandle(func() {})
	r.SetCancel("u1", replacement)

	if !priorCancelled {
		t.Error("starting a new query must cancel the prior one")
	}
	if !r.IsRunning("u1") {
		t.Error("replacement query should be running")
	}
}

func TestClearCancelOnlyRemovesOwnHandle(t *testing.T) {
	r := newTestRegistry(t)

	old := NewCancelHandle(func() {})
	r.SetCancel("u1", old)

	replacement := NewCancelHandle(func() {})
	r.SetCancel("u1", replacement)

	// The finishing old query clears its own handle; the replacement's
	// handle must survive.
	r.ClearCancel("u1", old)
	if !r.IsRunning("u1") {
		t.Error("replacement handle should survive old query teardown")
	}

	r.ClearCancel("u1", replacement)
	if r.IsRunning("u1") {
		t.Error("handle should be removed")
	}
}

func TestCancelAll(t *testing.T) {
	r := newTestRegistry(t)

	count := 0
	r.SetCancel("u1", NewCancelHandle(func() { count++ }))
	r.SetCancel("u2", NewCancelHandle(func() { count++ }))

	r.CancelAll()
	if count != 2 {
		t.Errorf("cancelled %d queries, want 2", count)
	}
	if r.IsRunning("u1") || r.IsRunning("u2") {
		t.Error("no query should be running after CancelAll")
	}
}
