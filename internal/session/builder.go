package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samsaffron/forumchat/internal/llm"
)

// Builder reconstructs the assistant turn of a run from its event stream.
// It is safe for concurrent use; Snapshot may be called while events are
// still being applied.
type Builder struct {
	mu    sync.Mutex
	turn  Turn
	tools map[string]int
}

// NewBuilder starts an empty assistant turn.
func NewBuilder() *Builder {
	b := &Builder{}
	b.Reset()
	return b
}

// Reset discards everything and starts a fresh turn, as a retried run
// does.
func (b *Builder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turn = Turn{ID: uuid.NewString(), Role: RoleAssistant, CreatedAt: time.Now()}
	b.tools = make(map[string]int)
}

// Apply folds one event into the turn. Lifecycle events that would move a
// tool invocation backwards are ignored.
func (b *Builder) Apply(e llm.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch e.Type {
	case llm.EventTextDelta:
		b.appendStreaming(PartText, e.Text, "")
	case llm.EventReasoningDelta:
		b.appendStreaming(PartReasoning, e.Text, e.Signature)
	case llm.EventToolInputStart:
		b.tool(e.ToolCallID, e.ToolName)
	case llm.EventToolCall:
		id, name := e.ToolCallID, e.ToolName
		if e.Tool != nil {
			id, name = e.Tool.ID, e.Tool.Name
		}
		inv := b.tool(id, name)
		if e.Tool != nil {
			inv.Input = e.Tool.Arguments
		}
		_ = inv.Advance(ToolInputAvailable)
	case llm.EventToolExecStart:
		_ = b.tool(e.ToolCallID, e.ToolName).Advance(ToolExecuting)
	case llm.EventToolExecEnd:
		inv := b.tool(e.ToolCallID, e.ToolName)
		if e.ToolSuccess {
			if inv.Advance(ToolOutputAvailable) == nil {
				inv.Output = e.ToolOutput
			}
		} else if inv.Advance(ToolError) == nil {
			inv.Error = e.ToolOutput
		}
	case llm.EventStep, llm.EventDone:
		b.finishStreaming()
	}
}

// Snapshot returns a copy of the turn as built so far.
func (b *Builder) Snapshot() Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turn.clone()
}

// Finish marks streaming parts done and returns the turn.
func (b *Builder) Finish() Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishStreaming()
	return b.turn.clone()
}

func (b *Builder) appendStreaming(kind PartKind, text, signature string) {
	if text == "" && signature == "" {
		return
	}
	if n := len(b.turn.Parts); n > 0 {
		last := &b.turn.Parts[n-1]
		if last.Kind == kind && last.State == Streaming {
			last.Text += text
			if signature != "" {
				last.Signature = signature
			}
			return
		}
	}
	b.finishStreaming()
	b.turn.Parts = append(b.turn.Parts, Part{Kind: kind, Text: text, Signature: signature, State: Streaming})
}

func (b *Builder) finishStreaming() {
	for i := range b.turn.Parts {
		if b.turn.Parts[i].State == Streaming {
			b.turn.Parts[i].State = Done
		}
	}
}

// tool returns the invocation for id, creating it in input-streaming.
func (b *Builder) tool(id, name string) *ToolInvocation {
	if idx, ok := b.tools[id]; ok {
		return b.turn.Parts[idx].Tool
	}
	b.finishStreaming()
	b.turn.Parts = append(b.turn.Parts, Part{
		Kind: PartTool,
		Tool: &ToolInvocation{CallID: id, ToolName: name, State: ToolInputStreaming},
	})
	b.tools[id] = len(b.turn.Parts) - 1
	return b.turn.Parts[len(b.turn.Parts)-1].Tool
}
