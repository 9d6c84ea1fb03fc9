package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/tether/internal/approval"
	"github.com/haasonsaas/tether/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
)

type fakeSettler struct {
	token    string
	approved bool
	result   bool
}

func (f *fakeSettler) Settle(token string, approved bool) bool {
	f.token = token
	f.approved = approved
	return f.result
}

func newServerUnderTest(settler *fakeSettler) *Server {
	input := json.RawMessage(`{"command":"ls"}`)
	approver := &fakeApprover{decision: approval.Decision{Approved: true, UpdatedInput: input}}
	g := newGateUnderTest(models.PermissionDefault, approver)
	return NewServer("127.0.0.1:0", g, settler, nil)
}

func TestHandleApprove(t *testing.T) {
	s := newServerUnderTest(&fakeSettler{})

	req := mcp.CallToolRequest{}
	req.Params.Name = "approve"
	req.Params.Arguments = map[string]any{
		"tool_name":   "Bash",
		"tool_use_id": "toolu_01",
		"input":       map[string]any{"command": "ls"},
	}

	result, err := s.handleApprove(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("content blocks = %d", len(result.Content))
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("content = %#v, want text", result.Content[0])
	}
	var verdict PermissionResult
	if err := json.Unmarshal([]byte(text.Text), &verdict); err != nil {
		t.Fatal(err)
	}
	if verdict.Behavior != BehaviorAllow {
		t.Errorf("behavior = %q: %s", verdict.Behavior, text.Text)
	}
}

func TestHandleApproveMissingArguments(t *testing.T) {
	s := newServerUnderTest(&fakeSettler{})

	req := mcp.CallToolRequest{}
	req.Params.Name = "approve"
	req.Params.Arguments = map[string]any{"input": map[string]any{}}

	if _, err := s.handleApprove(context.Background(), req); err == nil {
		t.Error("missing tool_name must be a transport-level error")
	}
}

func TestApproveCallback(t *testing.T) {
	settler := &fakeSettler{result: true}
	s := newServerUnderTest(settler)

	req := httptest.NewRequest(http.MethodPost, "/api/approve-callback",
		strings.NewReader(`{"correlation_token":"tk-abc","approved":true}`))
	rec := httptest.NewRecorder()
	s.handleApproveCallback(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if settler.token != "tk-abc" || !settler.approved {
		t.Errorf("settle called with (%q, %v)", settler.token, settler.approved)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body["ok"] {
		t.Errorf("body = %v", body)
	}
}

func TestApproveCallbackUnknownToken(t *testing.T) {
	s := newServerUnderTest(&fakeSettler{result: false})

	req := httptest.NewRequest(http.MethodPost, "/api/approve-callback",
		strings.NewReader(`{"correlation_token":"tk-stale","approved":false}`))
	rec := httptest.NewRecorder()
	s.handleApproveCallback(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unknown token must not be an HTTP error, status = %d", rec.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["ok"] {
		t.Error("unknown token must report ok=false")
	}
}

func TestApproveCallbackBadRequests(t *testing.T) {
	s := newServerUnderTest(&fakeSettler{})

	for name, payload := range map[string]string{
		"malformed JSON": `{not json`,
		"missing token":  `{"approved":true}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/approve-callback", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		s.handleApproveCallback(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}
