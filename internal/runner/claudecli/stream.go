package claudecli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/tether/pkg/models"
)

// wireMessage is one NDJSON record from the CLI's stream-json output.
type wireMessage struct {
	Type            string      `json:"type"`
	Subtype         string      `json:"subtype,omitempty"`
	SessionID       string      `json:"session_id,omitempty"`
	ParentToolUseID string      `json:"parent_tool_use_id,omitempty"`
	Message         wirePayload `json:"message,omitempty"`

	IsError      bool    `json:"is_error,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

type wirePayload struct {
	Content []wireBlock `json:"content,omitempty"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// decodeLine maps one stream-json record to zero or more agent events. An
// assistant record carries a content array and may yield several events;
// record types this gateway has no use for yield none.
func decodeLine(line []byte) ([]models.AgentEvent, error) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode stream record: %w", err)
	}

	base := models.AgentEvent{
		Time:              time.Now(),
		ConversationToken: msg.SessionID,
		ParentToolUseID:   msg.ParentToolUseID,
	}

	switch msg.Type {
	case "system":
		// Carries the conversation token at stream start.
		e := base
		e.Type = models.AgentEventSystem
		return []models.AgentEvent{e}, nil

	case "assistant":
		var events []models.AgentEvent
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				e := base
				e.Type = models.AgentEventAssistantText
				e.Text = &models.TextPayload{Text: block.Text}
				events = append(events, e)
			case "tool_use":
				e := base
				e.Type = models.AgentEventToolUse
				e.ToolUse = &models.ToolUsePayload{
					ID:    block.ID,
					Name:  block.Name,
					Input: block.Input,
				}
				events = append(events, e)
			}
		}
		return events, nil

	case "user":
		var events []models.AgentEvent
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" || block.ToolUseID == "" {
				continue
			}
			e := base
			e.Type = models.AgentEventToolResult
			e.ToolResult = &models.ToolResultPayload{
				ToolUseID: block.ToolUseID,
				IsError:   block.IsError,
			}
			events = append(events, e)
		}
		return events, nil

	case "result":
		e := base
		e.Type = models.AgentEventResult
		e.Result = &models.ResultPayload{
			IsError:      msg.IsError,
			DurationMS:   msg.DurationMS,
			NumTurns:     msg.NumTurns,
			TotalCostUSD: msg.TotalCostUSD,
		}
		return []models.AgentEvent{e}, nil
	}

	// Unknown record types are not an error; the CLI adds new ones.
	return nil, nil
}
