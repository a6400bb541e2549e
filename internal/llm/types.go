package llm

import (
	"context"
	"encoding/json"
)

// Provider streams model output events for a request.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents a single model turn.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolSpec
	// ThinkingBudget enables provider extended thinking when positive.
	ThinkingBudget  int
	MaxOutputTokens int
	// MaxSteps bounds tool-dispatch cycles per run (0 = use default).
	MaxSteps int
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds a role with structured parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Part represents a single content part.
type Part struct {
	Type PartType
	Text string
	// Signature is the provider's opaque reasoning signature. Anthropic
	// requires it when thinking blocks are replayed within a tool loop.
	Signature  string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	// ThoughtSig is Gemini's thought signature, echoed back with the call.
	ThoughtSig []byte
}

// ToolResult is the output from executing a tool call.
type ToolResult struct {
	ID      string
	Name    string
	Content string
	IsError bool
}

// EventType describes streaming events.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventToolInputStart EventType = "tool_input_start" // Model started emitting a tool call's input
	EventToolCall       EventType = "tool_call"        // Tool call input is complete
	EventToolExecStart  EventType = "tool_exec_start"  // Emitted when tool execution begins
	EventToolExecEnd    EventType = "tool_exec_end"    // Emitted when tool execution completes
	EventUsage          EventType = "usage"
	EventStep           EventType = "step"  // A tool-dispatch cycle finished
	EventState          EventType = "state" // Loop state transition
	EventDone           EventType = "done"
	EventError          EventType = "error"
	EventRetry          EventType = "retry" // Emitted before a retry attempt
)

// Event represents a streamed output update.
type Event struct {
	Type EventType
	Text string
	// Signature accompanies reasoning deltas.
	Signature   string
	Tool        *ToolCall
	ToolCallID  string // For tool events: unique ID of this tool invocation
	ToolName    string
	ToolInfo    string // Short preview of the tool input
	ToolSuccess bool   // For EventToolExecEnd
	ToolOutput  string // For EventToolExecEnd: result content or error text
	// ToolSkipped marks an EventToolExecEnd for a call rejected before execution.
	ToolSkipped  bool
	Use          *Usage
	Step         int
	State        LoopState
	FinishReason string
	Err          error
	// Retry fields (for EventRetry)
	RetryAttempt     int
	RetryMaxAttempts int
	RetryWaitSecs    float64
	// Result is set on the engine's EventDone.
	Result *RunResult
}

// Usage captures token usage if available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates another usage report.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

func SystemText(text string) Message {
	return Message{
		Role:  RoleSystem,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func UserText(text string) Message {
	return Message{
		Role:  RoleUser,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func AssistantText(text string) Message {
	return Message{
		Role:  RoleAssistant,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func ToolResultMessage(id, name, content string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type: PartToolResult,
			ToolResult: &ToolResult{
				ID:      id,
				Name:    name,
				Content: content,
			},
		}},
	}
}

// ToolErrorMessage creates a tool result message that indicates an error.
// The error is passed to the LLM so it can respond gracefully instead of failing the stream.
func ToolErrorMessage(id, name, errorText string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type: PartToolResult,
			ToolResult: &ToolResult{
				ID:      id,
				Name:    name,
				Content: errorText,
				IsError: true,
			},
		}},
	}
}
