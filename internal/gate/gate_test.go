package gate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/tether/internal/approval"
	"github.com/haasonsaas/tether/pkg/models"
)

type fakeResolver struct {
	owner string
	ok    bool
}

func (f *fakeResolver) ResolveOwner(invocationID, toolName string, input json.RawMessage) (string, bool) {
	return f.owner, f.ok
}

type fakeSessions struct {
	session *models.Session
	err     error
}

func (f *fakeSessions) Get(ctx context.Context, owner string) (*models.Session, error) {
	return f.session, f.err
}

type fakeApprover struct {
	decision approval.Decision
	calls    int
	panics   bool
}

func (f *fakeApprover) RequestApproval(ctx context.Context, owner, toolName string, input json.RawMessage) approval.Decision {
	f.calls++
	if f.panics {
		panic("approver blew up")
	}
	return f.decision
}

func newGateUnderTest(mode models.PermissionMode, approver *fakeApprover) *Gate {
	session := models.NewSession("U1")
	session.PermissionMode = mode
	return NewGate(
		&fakeResolver{owner: "U1", ok: true},
		&fakeSessions{session: session},
		approver,
		nil,
	)
}

func TestCanPerformApproved(t *testing.T) {
	input := json.RawMessage(`{"command":"ls"}`)
	approver := &fakeApprover{decision: approval.Decision{Approved: true, UpdatedInput: input}}
	g := newGateUnderTest(models.PermissionDefault, approver)

	result := g.CanPerform(context.Background(), "toolu_01", "Bash", input)
	if result.Behavior != BehaviorAllow {
		t.Fatalf("behavior = %q: %+v", result.Behavior, result)
	}
	if string(result.UpdatedInput) != string(input) {
		t.Errorf("updated input = %s", result.UpdatedInput)
	}
	if approver.calls != 1 {
		t.Errorf("approver calls = %d", approver.calls)
	}
}

func TestCanPerformDenied(t *testing.T) {
	approver := &fakeApprover{decision: approval.Decision{
		Approved: false,
		Message:  "Permission denied by user",
		Reason:   approval.DenialUser,
	}}
	g := newGateUnderTest(models.PermissionDefault, approver)

	result := g.CanPerform(context.Background(), "toolu_01", "Bash", json.RawMessage(`{}`))
	if result.Behavior != BehaviorDeny {
		t.Fatalf("behavior = %q", result.Behavior)
	}
	if result.Message != "Permission denied by user" {
		t.Errorf("message = %q", result.Message)
	}
	if result.UpdatedInput != nil {
		t.Errorf("denial must not carry input, got %s", result.UpdatedInput)
	}
}

func TestCanPerformDeniedDefaultMessage(t *testing.T) {
	approver := &fakeApprover{decision: approval.Decision{Approved: false}}
	g := newGateUnderTest(models.PermissionDefault, approver)

	result := g.CanPerform(context.Background(), "toolu_01", "Bash", json.RawMessage(`{}`))
	if result.Message == "" {
		t.Error("denial must carry a message")
	}
}

func TestCanPerformBypassMode(t *testing.T) {
	approver := &fakeApprover{}
	g := newGateUnderTest(models.PermissionBypass, approver)

	result := g.CanPerform(context.Background(), "toolu_01", "Bash", json.RawMessage(`{"command":"rm -rf /tmp/x"}`))
	if result.Behavior != BehaviorAllow {
		t.Fatalf("behavior = %q", result.Behavior)
	}
	if approver.calls != 0 {
		t.Errorf("bypass must not consult the approver, calls = %d", approver.calls)
	}
}

func TestCanPerformAcceptEditsMode(t *testing.T) {
	approver := &fakeApprover{decision: approval.Decision{Approved: false, Message: "no"}}
	g := newGateUnderTest(models.PermissionAcceptEdits, approver)
	ctx := context.Background()

	if result := g.CanPerform(ctx, "toolu_01", "Edit", json.RawMessage(`{}`)); result.Behavior != BehaviorAllow {
		t.Errorf("Edit under acceptEdits = %q, want allow", result.Behavior)
	}
	if approver.calls != 0 {
		t.Errorf("edit tools must skip the approver, calls = %d", approver.calls)
	}

	if result := g.CanPerform(ctx, "toolu_02", "Bash", json.RawMessage(`{}`)); result.Behavior != BehaviorDeny {
		t.Errorf("Bash under acceptEdits = %q, want deny (approver said no)", result.Behavior)
	}
	if approver.calls != 1 {
		t.Errorf("non-edit tools must consult the approver, calls = %d", approver.calls)
	}
}

func TestCanPerformUnroutableInvocation(t *testing.T) {
	g := NewGate(
		&fakeResolver{ok: false},
		&fakeSessions{session: models.NewSession("U1")},
		&fakeApprover{},
		nil,
	)
	result := g.CanPerform(context.Background(), "toolu_gone", "Bash", json.RawMessage(`{}`))
	if result.Behavior != BehaviorDeny {
		t.Errorf("behavior = %q, want deny for unroutable invocation", result.Behavior)
	}
}

func TestCanPerformMissingSession(t *testing.T) {
	g := NewGate(
		&fakeResolver{owner: "U1", ok: true},
		&fakeSessions{err: context.DeadlineExceeded},
		&fakeApprover{},
		nil,
	)
	result := g.CanPerform(context.Background(), "toolu_01", "Bash", json.RawMessage(`{}`))
	if result.Behavior != BehaviorDeny {
		t.Errorf("behavior = %q, want deny when session lookup fails", result.Behavior)
	}
}

func TestCanPerformPanicConvertsToDenial(t *testing.T) {
	approver := &fakeApprover{panics: true}
	g := newGateUnderTest(models.PermissionDefault, approver)

	result := g.CanPerform(context.Background(), "toolu_01", "Bash", json.RawMessage(`{}`))
	if result.Behavior != BehaviorDeny {
		t.Errorf("behavior = %q, want deny on panic", result.Behavior)
	}
	if result.Message == "" {
		t.Error("panic denial must carry a message")
	}
}
