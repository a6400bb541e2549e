// Package session holds the conversation model: ordered turns of typed
// parts, the tool invocation lifecycle, and conversion to model messages.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind tags the variant a Part holds.
type PartKind string

const (
	PartText      PartKind = "text"
	PartReasoning PartKind = "reasoning"
	PartFile      PartKind = "file"
	PartTool      PartKind = "tool-invocation"
)

// StreamState marks whether a text or reasoning part is still growing.
type StreamState string

const (
	Streaming StreamState = "streaming"
	Done      StreamState = "done"
)

// ToolState is the lifecycle of one tool invocation. It only moves
// forward.
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolExecuting       ToolState = "executing"
	ToolOutputAvailable ToolState = "output-available"
	ToolError           ToolState = "error"
)

func (s ToolState) rank() int {
	switch s {
	case ToolInputStreaming:
		return 0
	case ToolInputAvailable:
		return 1
	case ToolExecuting:
		return 2
	case ToolOutputAvailable, ToolError:
		return 3
	}
	return -1
}

// Terminal reports whether the invocation has settled.
func (s ToolState) Terminal() bool {
	return s == ToolOutputAvailable || s == ToolError
}

// ToolInvocation is exactly one tool call and its outcome.
type ToolInvocation struct {
	CallID   string          `json:"toolCallId"`
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input,omitempty"`
	State    ToolState       `json:"state"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"errorText,omitempty"`
}

// Advance moves the invocation to next. Regressions and moves out of a
// terminal state are rejected; skipping forward is allowed, so a call
// rejected before it runs goes from input-available straight to error.
func (t *ToolInvocation) Advance(next ToolState) error {
	if next.rank() < 0 {
		return fmt.Errorf("tool %s: unknown state %q", t.CallID, next)
	}
	if t.State.Terminal() || next.rank() <= t.State.rank() {
		return fmt.Errorf("tool %s: cannot move from %s to %s", t.CallID, t.State, next)
	}
	t.State = next
	return nil
}

// FileRef is an attachment reference carried by a user turn.
type FileRef struct {
	Name      string `json:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

// Part is a tagged fragment of a turn. Exactly one of the variant fields
// is meaningful for a given Kind.
type Part struct {
	Kind  PartKind    `json:"type"`
	Text  string      `json:"text,omitempty"`
	State StreamState `json:"state,omitempty"`
	// Signature is the provider's reasoning signature, kept for display
	// parity only; reasoning is never replayed across turns.
	Signature string          `json:"-"`
	File      *FileRef        `json:"file,omitempty"`
	Tool      *ToolInvocation `json:"tool,omitempty"`
}

// TextPart returns a finished text part.
func TextPart(s string) Part {
	return Part{Kind: PartText, Text: s, State: Done}
}

// ReasoningPart returns a finished reasoning part.
func ReasoningPart(s string) Part {
	return Part{Kind: PartReasoning, Text: s, State: Done}
}

// Turn is one message-level unit authored by the user or the assistant.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Text concatenates the turn's text parts.
func (t Turn) Text() string {
	var out string
	for _, p := range t.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

func (t Turn) clone() Turn {
	parts := make([]Part, len(t.Parts))
	for i, p := range t.Parts {
		if p.Tool != nil {
			tool := *p.Tool
			p.Tool = &tool
		}
		if p.File != nil {
			file := *p.File
			p.File = &file
		}
		parts[i] = p
	}
	t.Parts = parts
	return t
}
