package models

import (
	"encoding/json"
	"time"
)

// AgentEvent is the unified event model for one streaming agent turn.
// A single Type discriminator selects which payload pointer is set; new
// payloads may be added but existing fields are never renamed.
type AgentEvent struct {
	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event was observed.
	Time time.Time `json:"time"`

	// Owner is the session this event belongs to. Filled in by the query
	// runner before the event reaches downstream sinks.
	Owner string `json:"owner,omitempty"`

	// ConversationToken is the agent-issued resumption token carried on the
	// event, if any. The runner persists it before forwarding the event.
	ConversationToken string `json:"conversation_token,omitempty"`

	// ParentToolUseID links sub-agent events to the tool invocation that
	// spawned them.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Text       *TextPayload       `json:"text,omitempty"`
	ToolUse    *ToolUsePayload    `json:"tool_use,omitempty"`
	ToolResult *ToolResultPayload `json:"tool_result,omitempty"`
	Result     *ResultPayload     `json:"result,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// AgentEventSystem is emitted once at stream start and carries the
	// conversation token for the turn.
	AgentEventSystem AgentEventType = "system"

	// AgentEventAssistantText is a chunk of assistant-authored text.
	AgentEventAssistantText AgentEventType = "assistant.text"

	// AgentEventToolUse signals the agent started a tool invocation.
	AgentEventToolUse AgentEventType = "tool.use"

	// AgentEventToolResult signals a tool invocation finished.
	AgentEventToolResult AgentEventType = "tool.result"

	// AgentEventResult is the agent's own end-of-turn summary record.
	AgentEventResult AgentEventType = "result"

	// AgentEventTurnCompleted is the terminal sentinel appended by the query
	// runner after the stream ends, exactly once per turn, regardless of
	// success, failure, or cancellation.
	AgentEventTurnCompleted AgentEventType = "turn.completed"
)

// TextPayload carries assistant text.
type TextPayload struct {
	Text string `json:"text"`
}

// ToolUsePayload describes a tool invocation the agent wants to run.
type ToolUsePayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload describes the completion of a tool invocation.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ResultPayload is the agent's end-of-turn record.
type ResultPayload struct {
	IsError      bool    `json:"is_error,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// TurnCompleted builds the terminal sentinel event for owner.
func TurnCompleted(owner string) AgentEvent {
	return AgentEvent{
		Type:  AgentEventTurnCompleted,
		Time:  time.Now(),
		Owner: owner,
	}
}
