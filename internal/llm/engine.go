package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const defaultMaxSteps = 20

// getMaxSteps returns the step ceiling from the request, with fallback to default
func getMaxSteps(req Request) int {
	if req.MaxSteps > 0 {
		return req.MaxSteps
	}
	return defaultMaxSteps
}

// Engine drives the model/tool loop for one user turn at a time. An Engine
// holds no per-run state and may serve concurrent runs.
type Engine struct {
	provider  Provider
	tools     ToolExecutor
	logger    *slog.Logger
	tracer    trace.Tracer
	telemetry Telemetry
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTelemetry sets the span attributes recorded for each run.
func WithTelemetry(t Telemetry) EngineOption {
	return func(e *Engine) { e.telemetry = t }
}

// WithTracer overrides the otel tracer.
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// NewEngine returns an engine streaming from provider and dispatching tool
// calls to tools. A nil tools runs with no tools declared.
func NewEngine(provider Provider, tools ToolExecutor, opts ...EngineOption) *Engine {
	if tools == nil {
		tools = NewToolRegistry()
	}
	e := &Engine{
		provider: provider,
		tools:    tools,
		logger:   slog.Default(),
		tracer:   defaultTracer(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tools returns the engine's tool executor.
func (e *Engine) Tools() ToolExecutor {
	return e.tools
}

// loopRun is the mutable state of one Run call.
type loopRun struct {
	e      *Engine
	emit   func(Event)
	state  LoopState
	result *RunResult
}

func (r *loopRun) transition(to LoopState) {
	if !CanTransition(r.state, to) {
		r.e.logger.Error("illegal loop transition", "run_id", r.result.RunID, "from", r.state, "to", to)
	}
	r.state = to
	r.emit(Event{Type: EventState, State: to})
}

// Run executes the loop for req until the model stops calling tools, the
// step ceiling is reached, the provider fails or ctx is cancelled. The
// returned result is never nil; on failure it carries partial usage.
// Cancelling ctx is the stop signal: no further tool dispatch or
// resubmission happens, and tool results that arrive later are dropped.
func (e *Engine) Run(ctx context.Context, req Request, emit func(Event)) (*RunResult, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	run := &loopRun{
		e:     e,
		emit:  emit,
		state: StateIdle,
		result: &RunResult{
			RunID:     uuid.NewString(),
			Model:     req.Model,
			StartedAt: e.now(),
		},
	}

	ctx, span := e.startRunSpan(ctx, run.result.RunID, req)
	err := e.runLoop(ctx, run, req)
	run.result.EndedAt = e.now()
	e.endRunSpan(span, run.result, err)

	e.logger.Info("loop terminal",
		"run_id", run.result.RunID,
		"reason", run.result.Reason,
		"steps", run.result.StepCount,
		"input_tokens", run.result.Usage.InputTokens,
		"output_tokens", run.result.Usage.OutputTokens,
	)
	return run.result, err
}

func (e *Engine) runLoop(ctx context.Context, run *loopRun, req Request) error {
	maxSteps := getMaxSteps(req)
	messages := append([]Message(nil), req.Messages...)
	specs := e.tools.Specs()

	for {
		if ctx.Err() != nil {
			return e.cancel(ctx, run)
		}
		run.transition(StateRequesting)

		turnReq := req
		turnReq.Messages = messages
		turnReq.Tools = specs
		stream, err := e.provider.Stream(ctx, turnReq)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancel(ctx, run)
			}
			return e.fail(run, &LoopError{Err: err})
		}
		run.transition(StateStreaming)

		turn := newTurnBuilder()
		dispatch := newDispatcher(ctx, e, run)
		streamErr := e.consume(ctx, stream, run, turn, dispatch)
		stream.Close()

		if ctx.Err() != nil {
			return e.cancel(ctx, run)
		}
		if streamErr != nil {
			return e.fail(run, &LoopError{Err: streamErr})
		}

		assistant := turn.message()
		run.result.Text = turn.text()

		if dispatch.started() == 0 {
			run.transition(StateSettling)
			if len(assistant.Parts) > 0 {
				run.result.Messages = append(run.result.Messages, assistant)
			}
			run.result.Reason = ReasonStop
			run.transition(StateCompleted)
			run.emit(Event{Type: EventDone, FinishReason: run.result.FinishReason, Result: run.result})
			return nil
		}

		run.transition(StateToolDispatch)
		results, err := dispatch.wait(ctx)
		if err != nil {
			if errors.Is(err, errDispatchCancelled) {
				return e.cancel(ctx, run)
			}
			return e.fail(run, err)
		}

		messages = append(messages, assistant)
		messages = append(messages, results...)
		run.result.Messages = append(run.result.Messages, assistant)
		run.result.Messages = append(run.result.Messages, results...)

		run.result.StepCount++
		e.logger.Debug("loop step", "run_id", run.result.RunID, "step", run.result.StepCount, "tools", dispatch.started())
		run.emit(Event{Type: EventStep, Step: run.result.StepCount})

		if run.result.StepCount >= maxSteps {
			run.transition(StateSettling)
			run.result.Reason = ReasonStepLimit
			run.transition(StateCompleted)
			run.emit(Event{Type: EventDone, FinishReason: run.result.FinishReason, Result: run.result})
			return nil
		}
	}
}

func (e *Engine) cancel(ctx context.Context, run *loopRun) error {
	run.result.Reason = ReasonCancelled
	run.transition(StateCancelled)
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

func (e *Engine) fail(run *loopRun, err error) error {
	run.result.Reason = ReasonError
	run.transition(StateFailed)
	return err
}

// consume reads the provider stream in order, forwarding events and
// dispatching each completed tool call as soon as it arrives.
func (e *Engine) consume(ctx context.Context, stream Stream, run *loopRun, turn *turnBuilder, dispatch *dispatcher) error {
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch event.Type {
		case EventError:
			if event.Err != nil {
				return event.Err
			}
		case EventTextDelta:
			turn.addText(event.Text)
			run.emit(event)
		case EventReasoningDelta:
			turn.addReasoning(event.Text, event.Signature)
			run.emit(event)
		case EventUsage:
			if event.Use != nil {
				run.result.Usage.Add(*event.Use)
			}
			run.emit(event)
		case EventToolInputStart:
			dispatch.inputStarted(event.ToolCallID, event.ToolName)
		case EventToolCall:
			if event.Tool == nil {
				continue
			}
			if call, ok := dispatch.start(*event.Tool); ok {
				turn.addToolCall(call)
			}
		case EventDone:
			if event.FinishReason != "" {
				run.result.FinishReason = event.FinishReason
			}
		default:
			run.emit(event)
		}
	}
}

// turnBuilder assembles the assistant message of one model turn, keeping
// reasoning, text and tool calls in emission order.
type turnBuilder struct {
	parts []Part
}

func newTurnBuilder() *turnBuilder {
	return &turnBuilder{}
}

func (b *turnBuilder) last(t PartType) *Part {
	if n := len(b.parts); n > 0 && b.parts[n-1].Type == t {
		return &b.parts[n-1]
	}
	return nil
}

func (b *turnBuilder) addText(s string) {
	if s == "" {
		return
	}
	if p := b.last(PartText); p != nil {
		p.Text += s
		return
	}
	b.parts = append(b.parts, Part{Type: PartText, Text: s})
}

func (b *turnBuilder) addReasoning(s, signature string) {
	if s == "" && signature == "" {
		return
	}
	if p := b.last(PartReasoning); p != nil {
		p.Text += s
		if signature != "" {
			p.Signature = signature
		}
		return
	}
	b.parts = append(b.parts, Part{Type: PartReasoning, Text: s, Signature: signature})
}

func (b *turnBuilder) addToolCall(call ToolCall) {
	b.parts = append(b.parts, Part{Type: PartToolCall, ToolCall: &call})
}

func (b *turnBuilder) message() Message {
	return Message{Role: RoleAssistant, Parts: append([]Part(nil), b.parts...)}
}

func (b *turnBuilder) text() string {
	return collectTextParts(b.parts)
}

var errDispatchCancelled = errors.New("dispatch cancelled")

// toolOutcome is one finished (or rejected) tool call.
type toolOutcome struct {
	call    ToolCall
	info    string
	output  ToolOutput
	err     error
	skipped bool
}

// dispatcher runs the tool calls of one model turn concurrently and hands
// results back in completion order.
type dispatcher struct {
	e       *Engine
	run     *loopRun
	toolCtx context.Context
	group   errgroup.Group

	inputSeen map[string]bool
	callSeen  map[string]bool
	pending   int

	mu    sync.Mutex
	done  []toolOutcome
	ready chan struct{}
}

func newDispatcher(ctx context.Context, e *Engine, run *loopRun) *dispatcher {
	return &dispatcher{
		e:   e,
		run: run,
		// An in-flight retrieval call is not aborted by a stop request; its
		// result is dropped instead.
		toolCtx:   context.WithoutCancel(ctx),
		inputSeen: make(map[string]bool),
		callSeen:  make(map[string]bool),
		ready:     make(chan struct{}, 1),
	}
}

func (d *dispatcher) started() int {
	return d.pending
}

func (d *dispatcher) inputStarted(id, name string) {
	if id == "" || d.inputSeen[id] {
		return
	}
	d.inputSeen[id] = true
	d.run.emit(Event{Type: EventToolInputStart, ToolCallID: id, ToolName: name})
}

// start validates call and, if valid, launches it. It returns false for a
// duplicate call id.
func (d *dispatcher) start(call ToolCall) (ToolCall, bool) {
	if strings.TrimSpace(call.ID) == "" {
		call.ID = "call_" + uuid.NewString()
	}
	if d.callSeen[call.ID] {
		return call, false
	}
	d.callSeen[call.ID] = true
	if len(call.Arguments) == 0 {
		call.Arguments = json.RawMessage("{}")
	}

	d.inputStarted(call.ID, call.Name)
	tool := call
	d.run.emit(Event{Type: EventToolCall, Tool: &tool, ToolCallID: call.ID, ToolName: call.Name})
	d.run.result.ToolsUsed = append(d.run.result.ToolsUsed, call.Name)
	d.pending++

	prepared, err := d.e.tools.Prepare(call)
	if err != nil {
		d.finish(toolOutcome{call: call, err: err, skipped: true})
		return call, true
	}

	info := prepared.Preview()
	d.run.emit(Event{Type: EventToolExecStart, ToolCallID: call.ID, ToolName: call.Name, ToolInfo: info})
	d.group.Go(func() error {
		ctx, span := d.e.startToolSpan(d.toolCtx, call)
		output, err := prepared.Execute(ctx)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		d.finish(toolOutcome{call: call, info: info, output: output, err: err})
		return nil
	})
	return call, true
}

func (d *dispatcher) finish(o toolOutcome) {
	d.mu.Lock()
	d.done = append(d.done, o)
	d.mu.Unlock()
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

func (d *dispatcher) take() []toolOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.done
	d.done = nil
	return out
}

// wait collects every started call. Results are appended in completion
// order; each result message carries its originating call id. A stop
// request returns errDispatchCancelled at once, leaving running tools to
// finish unobserved. A tool failure in the retryable set aborts the run so
// the caller can retry it as a whole.
func (d *dispatcher) wait(ctx context.Context) ([]Message, error) {
	results := make([]Message, 0, d.pending)
	collected := 0
	for {
		for _, o := range d.take() {
			collected++
			msg, err := d.settle(o)
			if err != nil {
				return nil, err
			}
			results = append(results, msg)
		}
		if collected >= d.pending {
			_ = d.group.Wait()
			return results, nil
		}
		select {
		case <-ctx.Done():
			return nil, errDispatchCancelled
		case <-d.ready:
		}
	}
}

func (d *dispatcher) settle(o toolOutcome) (Message, error) {
	call := o.call
	end := Event{
		Type:        EventToolExecEnd,
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		ToolInfo:    o.info,
		ToolSkipped: o.skipped,
	}
	if o.err != nil {
		end.ToolOutput = o.err.Error()
		end.Err = o.err
		d.run.emit(end)
		if !o.skipped && IsRetryable(o.err) {
			return Message{}, fmt.Errorf("tool %s: %w", call.Name, o.err)
		}
		return ToolErrorMessage(call.ID, call.Name, fmt.Sprintf("Error: %v", o.err)), nil
	}
	end.ToolSuccess = true
	end.ToolOutput = o.output.Content
	d.run.emit(end)
	return ToolResultMessage(call.ID, call.Name, o.output.Content), nil
}

// DistinctToolNames returns names in first-use order without duplicates.
func DistinctToolNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
