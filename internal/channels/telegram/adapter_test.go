package telegram

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/tether/internal/approval"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "valid",
			config:  Config{Token: "123:abc", AllowedChatIDs: []int64{42}},
			wantErr: false,
		},
		{
			name:    "missing token",
			config:  Config{AllowedChatIDs: []int64{42}},
			wantErr: true,
		},
		{
			name:    "no allowed chats",
			config:  Config{Token: "123:abc"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		data         string
		wantToken    string
		wantApproved bool
		wantOK       bool
	}{
		{"approve:tk-abc", "tk-abc", true, true},
		{"deny:tk-abc", "tk-abc", false, true},
		{"approve:", "", false, false},
		{"deny:", "", false, false},
		{"something-else", "", false, false},
		{"", "", false, false},
	}
	for _, tt := range tests {
		token, approved, ok := parseDecision(tt.data)
		if token != tt.wantToken || approved != tt.wantApproved || ok != tt.wantOK {
			t.Errorf("parseDecision(%q) = (%q, %v, %v), want (%q, %v, %v)",
				tt.data, token, approved, ok, tt.wantToken, tt.wantApproved, tt.wantOK)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		text        string
		wantCommand string
		wantArg     string
	}{
		{"/new", "/new", ""},
		{"/mode acceptEdits", "/mode", "acceptEdits"},
		{"/mode@tether_bot plan", "/mode", "plan"},
		{"hello agent", "", "hello agent"},
		{"", "", ""},
	}
	for _, tt := range tests {
		command, arg := splitCommand(tt.text)
		if command != tt.wantCommand || arg != tt.wantArg {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)",
				tt.text, command, arg, tt.wantCommand, tt.wantArg)
		}
	}
}

func TestOwnerChatIDRoundTrip(t *testing.T) {
	owner := ownerFromChatID(-1001234567890)
	chatID, err := chatIDFromOwner(owner)
	if err != nil {
		t.Fatal(err)
	}
	if chatID != -1001234567890 {
		t.Errorf("chat id = %d", chatID)
	}

	if _, err := chatIDFromOwner("not-a-number"); err == nil {
		t.Error("non-numeric owner must fail")
	}
}

func TestApprovalMessage(t *testing.T) {
	deadline := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	msg := approvalMessage(approval.Notification{
		CorrelationToken: "tk-abc",
		Owner:            "42",
		ToolName:         "Bash",
		InputSummary:     `{"command":"ls"}`,
		Deadline:         deadline,
	})
	for _, want := range []string{"Bash", `{"command":"ls"}`, "2:30PM", "allow"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "tk-abc") {
		t.Error("correlation token belongs in callback data, not the message body")
	}
}

func TestApprovalMessageWithoutOptionalFields(t *testing.T) {
	msg := approvalMessage(approval.Notification{Owner: "42", ToolName: "Write"})
	if strings.Contains(msg, "Input:") {
		t.Error("empty input summary should be omitted")
	}
	if strings.Contains(msg, "Times out") {
		t.Error("zero deadline should be omitted")
	}
}
