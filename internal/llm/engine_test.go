package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

type sliceStream struct {
	events []Event
	index  int
}

func (s *sliceStream) Recv() (Event, error) {
	if s.index >= len(s.events) {
		return Event{}, io.EOF
	}
	event := s.events[s.index]
	s.index++
	if event.Type == EventError {
		return Event{}, event.Err
	}
	return event, nil
}

func (s *sliceStream) Close() error {
	return nil
}

type fakeProvider struct {
	mu     sync.Mutex
	script func(call int, req Request) []Event
	calls  []Request
	err    error
}

func (p *fakeProvider) Name() string {
	return "fake"
}

func (p *fakeProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.calls = append(p.calls, req)
	call := len(p.calls) - 1
	return &sliceStream{events: p.script(call, req)}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type funcTool struct {
	name string
	fn   func(ctx context.Context, args json.RawMessage) (ToolOutput, error)
}

func (t *funcTool) Spec() ToolSpec {
	return ToolSpec{Name: t.name, Description: "test tool", Schema: map[string]any{"type": "object"}}
}

func (t *funcTool) Execute(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
	return t.fn(ctx, args)
}

func (t *funcTool) Preview(args json.RawMessage) string {
	return string(args)
}

func toolCallEvent(id, name, args string) Event {
	return Event{Type: EventToolCall, Tool: &ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}}
}

func textEvents(text string) []Event {
	return []Event{
		{Type: EventTextDelta, Text: text},
		{Type: EventUsage, Use: &Usage{InputTokens: 10, OutputTokens: 5}},
		{Type: EventDone, FinishReason: "stop"},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) states() []LoopState {
	var out []LoopState
	for _, e := range l.ofType(EventState) {
		out = append(out, e.State)
	}
	return out
}

func TestEngineSingleSearchThenAnswer(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&funcTool{name: "searchForum", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		return TextOutput("5 ranked excerpts"), nil
	}})

	provider := &fakeProvider{script: func(call int, req Request) []Event {
		if call == 0 {
			return []Event{
				{Type: EventReasoningDelta, Text: "need to search", Signature: "sig"},
				toolCallEvent("call-1", "searchForum", `{"query":"What are the most requested features for Cursor?"}`),
				{Type: EventUsage, Use: &Usage{InputTokens: 100, OutputTokens: 20}},
			}
		}
		return textEvents("Users most often ask for ... [1]")
	}}

	var log eventLog
	engine := NewEngine(provider, registry)
	result, err := engine.Run(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{SystemText("sys"), UserText("What are the most requested features for Cursor?")},
	}, log.add)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.StepCount != 1 {
		t.Errorf("step count = %d, want 1", result.StepCount)
	}
	if result.Reason != ReasonStop {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonStop)
	}
	if result.Usage != (Usage{InputTokens: 110, OutputTokens: 25}) {
		t.Errorf("usage = %+v", result.Usage)
	}
	if result.Text != "Users most often ask for ... [1]" {
		t.Errorf("text = %q", result.Text)
	}
	if diff := cmp.Diff([]string{"searchForum"}, result.ToolsUsed); diff != "" {
		t.Errorf("tools used (-want +got):\n%s", diff)
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish reason = %q", result.FinishReason)
	}

	if provider.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.callCount())
	}
	second := provider.calls[1]
	if len(second.Messages) != 4 {
		t.Fatalf("second request messages = %d, want 4", len(second.Messages))
	}
	assistant := second.Messages[2]
	if assistant.Role != RoleAssistant || len(assistant.Parts) != 2 {
		t.Fatalf("assistant message = %+v", assistant)
	}
	if assistant.Parts[0].Type != PartReasoning || assistant.Parts[0].Signature != "sig" {
		t.Errorf("reasoning part = %+v", assistant.Parts[0])
	}
	toolMsg := second.Messages[3]
	if toolMsg.Role != RoleTool || toolMsg.Parts[0].ToolResult.ID != "call-1" || toolMsg.Parts[0].ToolResult.Content != "5 ranked excerpts" {
		t.Errorf("tool message = %+v", toolMsg.Parts[0].ToolResult)
	}
	if len(second.Tools) != 1 || second.Tools[0].Name != "searchForum" {
		t.Errorf("tools = %+v", second.Tools)
	}

	want := []LoopState{
		StateRequesting, StateStreaming, StateToolDispatch,
		StateRequesting, StateStreaming, StateSettling, StateCompleted,
	}
	if diff := cmp.Diff(want, log.states()); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if done := log.ofType(EventDone); len(done) != 1 || done[0].Result != result {
		t.Errorf("expected one done event carrying the result, got %d", len(done))
	}
}

func TestEngineToolLifecycleIsMonotonic(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&funcTool{name: "browseForum", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		return TextOutput("tree"), nil
	}})
	provider := &fakeProvider{script: func(call int, req Request) []Event {
		if call == 0 {
			return []Event{
				{Type: EventToolInputStart, ToolCallID: "b1", ToolName: "browseForum"},
				toolCallEvent("b1", "browseForum", `{}`),
			}
		}
		return textEvents("done")
	}}

	var log eventLog
	if _, err := NewEngine(provider, registry).Run(context.Background(), Request{Messages: []Message{UserText("hi")}}, log.add); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got []EventType
	for _, e := range log.events {
		switch e.Type {
		case EventToolInputStart, EventToolCall, EventToolExecStart, EventToolExecEnd:
			if e.ToolCallID != "b1" {
				t.Fatalf("event %s for call %q", e.Type, e.ToolCallID)
			}
			got = append(got, e.Type)
		}
	}
	want := []EventType{EventToolInputStart, EventToolCall, EventToolExecStart, EventToolExecEnd}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("lifecycle (-want +got):\n%s", diff)
	}
}

func TestEngineSynthesizesInputStartAndIDs(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&funcTool{name: "t", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		return TextOutput("ok"), nil
	}})
	provider := &fakeProvider{script: func(call int, req Request) []Event {
		if call == 0 {
			return []Event{toolCallEvent("", "t", ``)}
		}
		return textEvents("done")
	}}

	var log eventLog
	if _, err := NewEngine(provider, registry).Run(context.Background(), Request{Messages: []Message{UserText("hi")}}, log.add); err != nil {
		t.Fatalf("Run: %v", err)
	}
	starts := log.ofType(EventToolInputStart)
	if len(starts) != 1 || starts[0].ToolCallID == "" {
		t.Fatalf("input start events = %+v", starts)
	}
	call := provider.calls[1].Messages[1].Parts[0].ToolCall
	if call.ID != starts[0].ToolCallID {
		t.Errorf("tool call id %q does not match event id %q", call.ID, starts[0].ToolCallID)
	}
	if string(call.Arguments) != "{}" {
		t.Errorf("arguments = %q, want {}", call.Arguments)
	}
}

func TestEngineStepLimit(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&funcTool{name: "grepForum", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		return TextOutput("match"), nil
	}})
	provider := &fakeProvider{script: func(call int, req Request) []Event {
		return []Event{toolCallEvent("", "grepForum", `{"pattern":"x"}`)}
	}}

	result, err := NewEngine(provider, registry).Run(context.Background(), Request{
		Messages: []Message{UserText("loop forever")},
		MaxSteps: 3,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StepCount != 3 {
		t.Errorf("step count = %d, want 3", result.StepCount)
	}
	if result.Reason != ReasonStepLimit {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonStepLimit)
	}
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", provider.callCount())
	}
}

func TestEngineDefaultStepCeilingIsTwenty(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&funcTool{name: "t", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		return TextOutput("ok"), nil
	}})
	provider := &fakeProvider{script: func(call int, req Request) []Event {
		return []Event{toolCallEvent("", "t", `{}`)}
	}}
	result, err := NewEngine(provider, registry).Run(context.Background(), Request{Messages: []Message{UserText("x")}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StepCount != 20 || result.Reason != ReasonStepLimit {
		t.Fatalf("got steps=%d reason=%q, want 20 %q", result.StepCount, result.Reason, ReasonStepLimit)
	}
}

func TestEngineConcurrentToolsAppendInCompletionOrder(t *testing.T) {
	slowRelease := make(chan struct{})
	fastDone := make(chan struct{})

	registry := NewToolRegistry()
	registry.Register(&funcTool{name: "slow", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		<-fastDone
		<-slowRelease
		return TextOutput("slow result"), nil
	}})
	registry.Register(&funcTool{name: "fast", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		defer close(fastDone)
		return TextOutput("fast result"), nil
	}})

	provider := &fakeProvider{script: func(call int, req Request) []Event {
		if call == 0 {
			return []Event{
				toolCallEvent("s", "slow", `{}`),
				toolCallEvent("f", "fast", `{}`),
			}
		}
		return textEvents("combined")
	}}

	var log eventLog
	emit := func(e Event) {
		log.add(e)
		if e.Type == EventToolExecEnd && e.ToolCallID == "f" {
			close(slowRelease)
		}
	}
	result, err := NewEngine(provider, registry).Run(context.Background(), Request{Messages: []Message{UserText("both")}}, emit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Tool calls stay in emission order in the assistant message.
	assistant := result.Messages[0]
	if assistant.Parts[0].ToolCall.ID != "s" || assistant.Parts[1].ToolCall.ID != "f" {
		t.Fatalf("assistant tool call order = %s, %s", assistant.Parts[0].ToolCall.ID, assistant.Parts[1].ToolCall.ID)
	}
	// Results follow completion order and keep their call ids.
	first, second := result.Messages[1].Parts[0].ToolResult, result.Messages[2].Parts[0].ToolResult
	if first.ID != "f" || first.Content != "fast result" {
		t.Errorf("first result = %+v", first)
	}
	if second.ID != "s" || second.Content != "slow result" {
		t.Errorf("second result = %+v", second)
	}
	if result.StepCount != 1 {
		t.Errorf("step count = %d, want 1", result.StepCount)
	}
}

type rejectingExecutor struct {
	*ToolRegistry
	reject error
}

func (r rejectingExecutor) Prepare(call ToolCall) (PreparedCall, error) {
	if call.Name == "bad" {
		return nil, r.reject
	}
	return r.ToolRegistry.Prepare(call)
}

type validationErr struct{}

func (validationErr) Error() string      { return "query: must not be empty" }
func (validationErr) ErrorKind() string { return string(KindValidation) }

func TestEngineRejectedCallNeverExecutes(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&funcTool{name: "good", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		return TextOutput("fine"), nil
	}})
	exec := rejectingExecutor{ToolRegistry: registry, reject: validationErr{}}

	provider := &fakeProvider{script: func(call int, req Request) []Event {
		if call == 0 {
			return []Event{toolCallEvent("b", "bad", `{}`), toolCallEvent("g", "good", `{}`)}
		}
		return textEvents("adapted")
	}}

	var log eventLog
	result, err := NewEngine(provider, exec).Run(context.Background(), Request{Messages: []Message{UserText("q")}}, log.add)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, e := range log.ofType(EventToolExecStart) {
		if e.ToolCallID == "b" {
			t.Fatal("rejected call reached executing")
		}
	}
	var sawBadEnd bool
	for _, e := range log.ofType(EventToolExecEnd) {
		if e.ToolCallID == "b" {
			sawBadEnd = true
			if e.ToolSuccess || !e.ToolSkipped {
				t.Errorf("bad end event = %+v", e)
			}
		}
	}
	if !sawBadEnd {
		t.Fatal("missing end event for rejected call")
	}
	if result.Reason != ReasonStop {
		t.Errorf("reason = %q, want loop to continue to %q", result.Reason, ReasonStop)
	}
	var errResult *ToolResult
	for _, m := range provider.calls[1].Messages {
		for _, p := range m.Parts {
			if p.ToolResult != nil && p.ToolResult.ID == "b" {
				errResult = p.ToolResult
			}
		}
	}
	if errResult == nil || !errResult.IsError {
		t.Fatalf("model did not receive an error result: %+v", errResult)
	}
}

func TestEngineRetryableToolErrorAbortsRun(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&funcTool{name: "searchForum", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		return ToolOutput{}, errors.New("search: upstream status 429: slow down")
	}})
	provider := &fakeProvider{script: func(call int, req Request) []Event {
		return []Event{toolCallEvent("1", "searchForum", `{"query":"x"}`)}
	}}

	result, err := NewEngine(provider, registry).Run(context.Background(), Request{Messages: []Message{UserText("q")}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Errorf("expected retryable error, got %v", err)
	}
	if result.Reason != ReasonError {
		t.Errorf("reason = %q", result.Reason)
	}
	if result.StepCount != 0 {
		t.Errorf("step count = %d, want 0", result.StepCount)
	}
}

func TestEngineTerminalToolErrorGoesBackToModel(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&funcTool{name: "readForumPost", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		return ToolOutput{}, errors.New("read: not found")
	}})
	provider := &fakeProvider{script: func(call int, req Request) []Event {
		if call == 0 {
			return []Event{toolCallEvent("1", "readForumPost", `{"path":"/nope"}`)}
		}
		return textEvents("could not read it")
	}}

	result, err := NewEngine(provider, registry).Run(context.Background(), Request{Messages: []Message{UserText("q")}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != ReasonStop || result.StepCount != 1 {
		t.Fatalf("got reason=%q steps=%d", result.Reason, result.StepCount)
	}
	tr := result.Messages[1].Parts[0].ToolResult
	if !tr.IsError || tr.Content != "Error: read: not found" {
		t.Errorf("tool result = %+v", tr)
	}
}

func TestEngineProviderErrorIsLoopError(t *testing.T) {
	provider := &fakeProvider{script: func(call int, req Request) []Event {
		return []Event{
			{Type: EventTextDelta, Text: "partial"},
			{Type: EventUsage, Use: &Usage{InputTokens: 7}},
			{Type: EventError, Err: errors.New("connection dropped: 503 service unavailable")},
		}
	}}

	var log eventLog
	result, err := NewEngine(provider, nil).Run(context.Background(), Request{Messages: []Message{UserText("q")}}, log.add)
	var loopErr *LoopError
	if !errors.As(err, &loopErr) {
		t.Fatalf("expected LoopError, got %v", err)
	}
	if ClassifyError(err) != KindUnavailable {
		t.Errorf("kind = %q", ClassifyError(err))
	}
	if result.Usage.InputTokens != 7 {
		t.Errorf("partial usage lost: %+v", result.Usage)
	}
	states := log.states()
	if states[len(states)-1] != StateFailed {
		t.Errorf("final state = %s", states[len(states)-1])
	}
}

func TestEngineStreamOpenError(t *testing.T) {
	provider := &fakeProvider{err: errors.New("dial tcp: lookup failed: network is unreachable")}
	result, err := NewEngine(provider, nil).Run(context.Background(), Request{Messages: []Message{UserText("q")}}, nil)
	if err == nil || result.Reason != ReasonError {
		t.Fatalf("got err=%v reason=%q", err, result.Reason)
	}
	if ClassifyError(err) != KindNetwork {
		t.Errorf("kind = %q, want network", ClassifyError(err))
	}
}

func TestEngineCancelDuringDispatchDropsLateResult(t *testing.T) {
	defer goleak.VerifyNone(t)

	thirdStarted := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0

	registry := NewToolRegistry()
	registry.Register(&funcTool{name: "readForumPost", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 3 {
			close(thirdStarted)
			<-release
			if ctx.Err() != nil {
				t.Error("tool context was cancelled by the stop request")
			}
			return TextOutput("late"), nil
		}
		return TextOutput("post"), nil
	}})

	provider := &fakeProvider{script: func(call int, req Request) []Event {
		return []Event{toolCallEvent("", "readForumPost", `{"path":"/p"}`), {Type: EventUsage, Use: &Usage{InputTokens: 1, OutputTokens: 1}}}
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var log eventLog
	type outcome struct {
		result *RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := NewEngine(provider, registry).Run(ctx, Request{Messages: []Message{UserText("q")}}, log.add)
		done <- outcome{r, err}
	}()

	<-thirdStarted
	cancel()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation")
	}
	close(release)

	if !errors.Is(got.err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", got.err)
	}
	if got.result.Reason != ReasonCancelled {
		t.Errorf("reason = %q", got.result.Reason)
	}
	if got.result.StepCount != 2 {
		t.Errorf("step count = %d, want 2", got.result.StepCount)
	}
	if got.result.Usage.InputTokens != 3 {
		t.Errorf("partial usage = %+v, want 3 input tokens", got.result.Usage)
	}
	for _, m := range got.result.Messages {
		for _, p := range m.Parts {
			if p.ToolResult != nil && p.ToolResult.Content == "late" {
				t.Fatal("late result was appended")
			}
		}
	}
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", provider.callCount())
	}
	if ClassifyError(got.err).Retryable() {
		t.Error("cancellation must not be retryable")
	}
}

func TestEngineCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	provider := &fakeProvider{script: func(int, Request) []Event { return textEvents("x") }}
	result, err := NewEngine(provider, nil).Run(ctx, Request{Messages: []Message{UserText("q")}}, nil)
	if !errors.Is(err, ErrCancelled) || result.Reason != ReasonCancelled {
		t.Fatalf("got err=%v reason=%q", err, result.Reason)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider called %d times after stop", provider.callCount())
	}
}

func TestEngineDuplicateCallIDsDispatchOnce(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	registry := NewToolRegistry()
	registry.Register(&funcTool{name: "t", fn: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return TextOutput("ok"), nil
	}})
	provider := &fakeProvider{script: func(call int, req Request) []Event {
		if call == 0 {
			return []Event{toolCallEvent("dup", "t", `{}`), toolCallEvent("dup", "t", `{}`)}
		}
		return textEvents("done")
	}}
	result, err := NewEngine(provider, registry).Run(context.Background(), Request{Messages: []Message{UserText("q")}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runs != 1 || len(result.ToolsUsed) != 1 {
		t.Fatalf("runs=%d tools used=%v", runs, result.ToolsUsed)
	}
}

func TestDistinctToolNames(t *testing.T) {
	got := DistinctToolNames([]string{"searchForum", "readForumPost", "searchForum", "", "searchForum"})
	want := []string{"searchForum", "readForumPost"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to LoopState
		want     bool
	}{
		{StateIdle, StateRequesting, true},
		{StateRequesting, StateStreaming, true},
		{StateStreaming, StateToolDispatch, true},
		{StateToolDispatch, StateRequesting, true},
		{StateStreaming, StateSettling, true},
		{StateSettling, StateCompleted, true},
		{StateStreaming, StateCancelled, true},
		{StateCompleted, StateRequesting, false},
		{StateSettling, StateStreaming, false},
		{StateIdle, StateToolDispatch, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
