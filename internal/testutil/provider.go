package testutil

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/samsaffron/forumchat/internal/llm"
)

// ScriptFunc returns the events of one model turn. call counts every
// Stream call on the provider, starting at 0.
type ScriptFunc func(call int, req llm.Request) ([]llm.Event, error)

// ScriptedProvider replays scripted model turns.
type ScriptedProvider struct {
	Script ScriptFunc

	mu       sync.Mutex
	requests []llm.Request
}

// NewScriptedProvider returns a provider that plays turns in order and
// answers "done" once they run out.
func NewScriptedProvider(turns ...[]llm.Event) *ScriptedProvider {
	return &ScriptedProvider{Script: func(call int, _ llm.Request) ([]llm.Event, error) {
		if call < len(turns) {
			return turns[call], nil
		}
		return TextTurn("done", 1, 1), nil
	}}
}

func (p *ScriptedProvider) Name() string { return "scripted" }

// Stream implements llm.Provider.
func (p *ScriptedProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	call := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	events, err := p.Script(call, req)
	if err != nil {
		return nil, err
	}
	return &sliceStream{ctx: ctx, events: events}, nil
}

// Requests returns every request seen so far.
func (p *ScriptedProvider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

type sliceStream struct {
	ctx    context.Context
	events []llm.Event
	i      int
}

func (s *sliceStream) Recv() (llm.Event, error) {
	if err := s.ctx.Err(); err != nil {
		return llm.Event{}, err
	}
	if s.i >= len(s.events) {
		return llm.Event{}, io.EOF
	}
	e := s.events[s.i]
	s.i++
	if e.Type == llm.EventError {
		return llm.Event{}, e.Err
	}
	return e, nil
}

func (s *sliceStream) Close() error { return nil }

// ToolTurn is a model turn that requests one tool call per entry of
// calls, keyed by call id.
func ToolTurn(in, out int, calls ...llm.ToolCall) []llm.Event {
	var events []llm.Event
	for _, c := range calls {
		call := c
		events = append(events,
			llm.Event{Type: llm.EventToolInputStart, ToolCallID: call.ID, ToolName: call.Name},
			llm.Event{Type: llm.EventToolCall, ToolCallID: call.ID, ToolName: call.Name, Tool: &call},
		)
	}
	return append(events,
		llm.Event{Type: llm.EventUsage, Use: &llm.Usage{InputTokens: in, OutputTokens: out}},
		llm.Event{Type: llm.EventDone, FinishReason: "tool-calls"},
	)
}

// TextTurn is a final model turn answering text.
func TextTurn(text string, in, out int) []llm.Event {
	return []llm.Event{
		{Type: llm.EventTextDelta, Text: text},
		{Type: llm.EventUsage, Use: &llm.Usage{InputTokens: in, OutputTokens: out}},
		{Type: llm.EventDone, FinishReason: "stop"},
	}
}

// Call builds a tool call with JSON-encoded arguments.
func Call(id, name string, args any) llm.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return llm.ToolCall{ID: id, Name: name, Arguments: raw}
}
