package serve

import (
	"encoding/json"

	"github.com/samsaffron/forumchat/internal/forumtools"
	"github.com/samsaffron/forumchat/internal/llm"
	"github.com/samsaffron/forumchat/internal/progress"
	"github.com/samsaffron/forumchat/internal/usage"
)

// UI event types streamed to clients.
const (
	TypeStart               = "start"
	TypeReasoningDelta      = "reasoning-delta"
	TypeTextDelta           = "text-delta"
	TypeToolInputStart      = "tool-input-start"
	TypeToolInputAvailable  = "tool-input-available"
	TypeToolExecuting       = "tool-executing"
	TypeToolOutputAvailable = "tool-output-available"
	TypeToolOutputError     = "tool-output-error"
	TypeProgress            = "progress"
	TypeRetry               = "retry"
	TypeError               = "error"
	TypeFinish              = "finish"
)

// UIEvent is one streamed event. Fields irrelevant to Type are omitted.
type UIEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	Delta          string          `json:"delta,omitempty"`
	ToolCallID     string          `json:"toolCallId,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	DisplayName    string          `json:"displayName,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         string          `json:"output,omitempty"`
	ErrorText      string          `json:"errorText,omitempty"`
	// Skipped marks a tool call rejected before it ran.
	Skipped     bool                    `json:"skipped,omitempty"`
	Progress    *progress.Snapshot      `json:"progress,omitempty"`
	Attempt     int                     `json:"attempt,omitempty"`
	MaxAttempts int                     `json:"maxAttempts,omitempty"`
	WaitSeconds float64                 `json:"waitSeconds,omitempty"`
	Record      *usage.CompletionRecord `json:"record,omitempty"`
}

// toUIEvents maps an engine event onto the client protocol. Engine-only
// events map to nothing.
func toUIEvents(e llm.Event) []UIEvent {
	tool := func(t string) UIEvent {
		return UIEvent{Type: t, ToolCallID: e.ToolCallID, ToolName: e.ToolName, DisplayName: forumtools.DisplayName(e.ToolName)}
	}
	switch e.Type {
	case llm.EventTextDelta:
		return []UIEvent{{Type: TypeTextDelta, Delta: e.Text}}
	case llm.EventReasoningDelta:
		if e.Text == "" {
			return nil
		}
		return []UIEvent{{Type: TypeReasoningDelta, Delta: e.Text}}
	case llm.EventToolInputStart:
		return []UIEvent{tool(TypeToolInputStart)}
	case llm.EventToolCall:
		ev := tool(TypeToolInputAvailable)
		if e.Tool != nil {
			ev.Input = e.Tool.Arguments
		}
		return []UIEvent{ev}
	case llm.EventToolExecStart:
		return []UIEvent{tool(TypeToolExecuting)}
	case llm.EventToolExecEnd:
		if e.ToolSuccess {
			ev := tool(TypeToolOutputAvailable)
			ev.Output = e.ToolOutput
			return []UIEvent{ev}
		}
		ev := tool(TypeToolOutputError)
		ev.ErrorText = e.ToolOutput
		ev.Skipped = e.ToolSkipped
		return []UIEvent{ev}
	case llm.EventRetry:
		ev := UIEvent{Type: TypeRetry, Attempt: e.RetryAttempt, MaxAttempts: e.RetryMaxAttempts, WaitSeconds: e.RetryWaitSecs}
		if e.Err != nil {
			ev.ErrorText = e.Err.Error()
		}
		return []UIEvent{ev}
	}
	return nil
}
