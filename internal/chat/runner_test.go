package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/samsaffron/forumchat/internal/config"
	"github.com/samsaffron/forumchat/internal/forumtools"
	"github.com/samsaffron/forumchat/internal/llm"
	"github.com/samsaffron/forumchat/internal/nia"
	"github.com/samsaffron/forumchat/internal/progress"
	"github.com/samsaffron/forumchat/internal/session"
	"github.com/samsaffron/forumchat/internal/testutil"
	"github.com/samsaffron/forumchat/internal/usage"
	"go.uber.org/goleak"
)

func testConfig() *config.Config {
	return &config.Config{
		DefaultModel: config.DefaultModelID,
		Models:       config.DefaultModels(),
		Loop:         config.LoopConfig{MaxSteps: 20, MaxRetries: 3, RetryBaseDelay: time.Second},
	}
}

// sleepRecorder replaces the backoff timer.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) got() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type harness struct {
	runner   *Runner
	provider llm.Provider
	sink     *usage.MemorySink
	sleeps   *sleepRecorder
}

func newHarness(t *testing.T, provider llm.Provider, tools llm.ToolExecutor) *harness {
	t.Helper()
	h := &harness{provider: provider, sink: &usage.MemorySink{}, sleeps: &sleepRecorder{}}
	r, err := NewRunner(Options{
		Config:     testConfig(),
		Providers:  func(config.ModelEntry) (llm.Provider, error) { return provider, nil },
		Tools:      tools,
		Accountant: usage.NewAccountant(nil, h.sink),
		Sleep:      h.sleeps.sleep,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.runner = r
	return h
}

func question(t *testing.T, text string) *session.Conversation {
	t.Helper()
	conv := session.New()
	if _, err := conv.AppendUserText(text); err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestSubmitRetriesRateLimitedSearchOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limited"}`))
			return
		}
		_, _ = w.Write([]byte(`{"sources":[{"title":"Vim mode","path":"/t/vim/1","score":0.9}]}`))
	}))
	defer srv.Close()

	client := nia.NewClient(config.NiaConfig{APIKey: "k", BaseURL: srv.URL, Timeout: 5 * time.Second})
	adapter := forumtools.NewAdapter(client, []string{"forum-src"}, nil)

	// Every attempt asks for the same search, then answers.
	provider := &testutil.ScriptedProvider{Script: func(call int, req llm.Request) ([]llm.Event, error) {
		if len(req.Messages) > 0 && req.Messages[len(req.Messages)-1].Role == llm.RoleTool {
			return testutil.TextTurn("Vim mode is the top request [1].", 200, 40), nil
		}
		return testutil.ToolTurn(100, 10, testutil.Call("s1", "searchForum", map[string]string{"query": "most requested features"})), nil
	}}
	h := newHarness(t, provider, adapter)
	conv := question(t, "What are the most requested features for Cursor?")

	var retries []llm.Event
	out, err := h.runner.Submit(context.Background(), conv, SubmitOptions{}, func(e llm.Event) {
		if e.Type == llm.EventRetry {
			retries = append(retries, e)
		}
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if diff := cmp.Diff([]time.Duration{time.Second}, h.sleeps.got()); diff != "" {
		t.Errorf("backoff (-want +got):\n%s", diff)
	}
	if len(retries) != 1 || retries[0].RetryAttempt != 1 || retries[0].RetryMaxAttempts != 3 {
		t.Errorf("retry events = %+v", retries)
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", out.Attempts)
	}

	recs := h.sink.Records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want exactly 1", len(recs))
	}
	rec := recs[0]
	if rec.TerminalReason != string(llm.ReasonStop) || rec.StepCount != 1 || rec.Error != "" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Model != config.DefaultModelID || rec.ConversationID != conv.ID {
		t.Errorf("record identity = %q %q", rec.Model, rec.ConversationID)
	}
	if diff := cmp.Diff([]string{"searchForum"}, rec.ToolsUsed); diff != "" {
		t.Errorf("tools (-want +got):\n%s", diff)
	}
	if got := h.runner.RetryState(conv.ID); got != (RetryState{}) {
		t.Errorf("retry state after success = %+v", got)
	}

	if conv.Len() != 2 || conv.AwaitingAnswer() {
		t.Fatalf("conversation len = %d", conv.Len())
	}
	answer := conv.Turns()[1]
	if answer.Text() != "Vim mode is the top request [1]." {
		t.Errorf("answer = %q", answer.Text())
	}
	// The failed attempt left nothing behind in the turn.
	var tools int
	for _, p := range answer.Parts {
		if p.Kind == session.PartTool {
			tools++
			if p.Tool.State != session.ToolOutputAvailable {
				t.Errorf("tool state = %s", p.Tool.State)
			}
		}
	}
	if tools != 1 {
		t.Errorf("tool parts = %d, want 1", tools)
	}
	if hits.Load() != 2 {
		t.Errorf("backend hits = %d, want 2", hits.Load())
	}
}

func TestSubmitGivesUpAfterThreeRetries(t *testing.T) {
	provider := &testutil.ScriptedProvider{Script: func(int, llm.Request) ([]llm.Event, error) {
		return nil, errors.New("upstream returned 503 service unavailable")
	}}
	h := newHarness(t, provider, nil)
	conv := question(t, "hello")

	out, err := h.runner.Submit(context.Background(), conv, SubmitOptions{}, nil)

	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want RetriesExhaustedError", err)
	}
	if exhausted.Attempts != 4 || out.Attempts != 4 {
		t.Errorf("attempts = %d/%d, want 4", exhausted.Attempts, out.Attempts)
	}
	if llm.ClassifyError(err) != llm.KindUnavailable {
		t.Errorf("kind = %s", llm.ClassifyError(err))
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if diff := cmp.Diff(want, h.sleeps.got()); diff != "" {
		t.Errorf("backoff (-want +got):\n%s", diff)
	}
	if len(h.sink.Records()) != 1 || h.sink.Records()[0].Error == "" {
		t.Errorf("records = %+v", h.sink.Records())
	}
	if st := h.runner.RetryState(conv.ID); st.Attempt != 3 || !strings.Contains(st.LastError, "503") {
		t.Errorf("retry state = %+v", st)
	}
	if conv.Len() != 1 || !conv.AwaitingAnswer() {
		t.Error("failed run modified the conversation")
	}
}

func TestSubmitDoesNotRetryTerminalErrors(t *testing.T) {
	provider := &testutil.ScriptedProvider{Script: func(int, llm.Request) ([]llm.Event, error) {
		return nil, errors.New("invalid api key")
	}}
	h := newHarness(t, provider, nil)

	out, err := h.runner.Submit(context.Background(), question(t, "hi"), SubmitOptions{}, nil)
	if err == nil || errors.As(err, new(*RetriesExhaustedError)) {
		t.Fatalf("err = %v", err)
	}
	if out.Attempts != 1 || len(h.sleeps.got()) != 0 {
		t.Errorf("attempts = %d sleeps = %v", out.Attempts, h.sleeps.got())
	}
	if len(h.sink.Records()) != 1 {
		t.Errorf("records = %d", len(h.sink.Records()))
	}
}

func TestSubmitUsesModelCapabilities(t *testing.T) {
	provider := testutil.NewScriptedProvider(testutil.TextTurn("ok", 1, 1))
	h := newHarness(t, provider, nil)

	out, err := h.runner.Submit(context.Background(), question(t, "hi"), SubmitOptions{Model: "not/allowed"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Model.ID != config.DefaultModelID {
		t.Errorf("model = %s, want default", out.Model.ID)
	}
	req := provider.Requests()[0]
	if req.ThinkingBudget != 10000 || req.MaxOutputTokens != 16000 || req.MaxSteps != 20 {
		t.Errorf("request options = %+v", req)
	}
	if req.Messages[0].Role != llm.RoleSystem || !strings.Contains(req.Messages[0].Parts[0].Text, "searchForum") {
		t.Errorf("first message = %+v", req.Messages[0])
	}

	_, err = h.runner.Submit(context.Background(), question(t, "hi"), SubmitOptions{Model: "xai/grok-4-fast-reasoning"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := provider.Requests()[1]; got.Model != "xai/grok-4-fast-reasoning" || got.ThinkingBudget != 0 {
		t.Errorf("grok request = %+v", got)
	}
}

func TestSubmitStripsHistoricalReasoning(t *testing.T) {
	provider := testutil.NewScriptedProvider(testutil.TextTurn("second", 1, 1))
	h := newHarness(t, provider, nil)
	conv, err := session.FromTurns("", []session.Turn{
		{Role: session.RoleUser, Parts: []session.Part{session.TextPart("first?")}},
		{Role: session.RoleAssistant, Parts: []session.Part{session.ReasoningPart("secret thoughts"), session.TextPart("first")}},
		{Role: session.RoleUser, Parts: []session.Part{session.TextPart("second?")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.runner.Submit(context.Background(), conv, SubmitOptions{}, nil); err != nil {
		t.Fatal(err)
	}
	for _, m := range provider.Requests()[0].Messages {
		for _, p := range m.Parts {
			if p.Type == llm.PartReasoning || strings.Contains(p.Text, "secret") {
				t.Fatalf("reasoning resubmitted: %+v", m)
			}
		}
	}
}

func TestSubmitRejectsBusyAndAnsweredConversations(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	tool := testutil.NewMockTool("slow", "")
	tool.ExecuteFn = func(ctx context.Context, _ json.RawMessage) (llm.ToolOutput, error) {
		close(started)
		<-release
		return llm.TextOutput("ok"), nil
	}
	reg := llm.NewToolRegistry()
	reg.Register(tool)
	provider := testutil.NewScriptedProvider(testutil.ToolTurn(1, 1, testutil.Call("a", "slow", map[string]string{})))
	h := newHarness(t, provider, reg)
	conv := question(t, "q")

	done := make(chan error, 1)
	go func() {
		_, err := h.runner.Submit(context.Background(), conv, SubmitOptions{}, nil)
		done <- err
	}()
	<-started
	if _, err := h.runner.Submit(context.Background(), conv, SubmitOptions{}, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("second submit err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if _, err := h.runner.Submit(context.Background(), conv, SubmitOptions{}, nil); !errors.Is(err, ErrNothingToAnswer) {
		t.Errorf("answered conversation err = %v", err)
	}
}

func TestStopDuringToolDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	fast := testutil.NewMockTool("fast", "fast result")
	slow := testutil.NewMockTool("slow", "")
	slow.ExecuteFn = func(ctx context.Context, _ json.RawMessage) (llm.ToolOutput, error) {
		<-release
		return llm.TextOutput("late"), nil
	}
	reg := llm.NewToolRegistry()
	reg.Register(fast)
	reg.Register(slow)

	provider := testutil.NewScriptedProvider(
		testutil.ToolTurn(5, 1, testutil.Call("a", "fast", map[string]string{})),
		testutil.ToolTurn(5, 1, testutil.Call("b", "fast", map[string]string{})),
		testutil.ToolTurn(5, 1, testutil.Call("c", "slow", map[string]string{})),
	)
	h := newHarness(t, provider, reg)
	conv := question(t, "q")
	tracker := progress.New(20)

	var lateResult atomic.Bool
	out, err := h.runner.Submit(context.Background(), conv, SubmitOptions{ID: "sub-1", Progress: tracker}, func(e llm.Event) {
		if e.Type == llm.EventToolExecStart && e.ToolCallID == "c" {
			if !h.runner.Stop("sub-1") {
				t.Error("Stop found no run")
			}
		}
		if e.Type == llm.EventToolExecEnd && e.ToolCallID == "c" {
			lateResult.Store(true)
		}
	})
	close(release)

	if !errors.Is(err, llm.ErrCancelled) || !strings.Contains(err.Error(), "stopped by user") {
		t.Fatalf("err = %v", err)
	}
	if out.Result.StepCount != 2 || out.Result.Reason != llm.ReasonCancelled {
		t.Errorf("result = %+v", out.Result)
	}
	if lateResult.Load() {
		t.Error("late tool result was delivered")
	}
	if n := len(fast.Calls()); n != 2 {
		t.Errorf("fast tool calls = %d, want 2", n)
	}
	recs := h.sink.Records()
	if len(recs) != 1 || recs[0].StepCount != 2 || recs[0].TerminalReason != string(llm.ReasonCancelled) {
		t.Errorf("records = %+v", recs)
	}
	if s := tracker.Snapshot(); s.State != "cancelled" || s.StepCount != 3 {
		t.Errorf("progress = %+v", s)
	}
	if h.runner.Stop("sub-1") {
		t.Error("finished submission still stoppable")
	}
	// The partial answer is kept; the unsettled call is not sent back.
	if conv.Len() != 2 {
		t.Fatalf("conversation len = %d", conv.Len())
	}
	msgs := session.ToMessages(conv.Turns())
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.ToolCall != nil && p.ToolCall.ID == "c" {
				t.Error("unsettled call replayed")
			}
		}
	}
}

func TestStopDuringBackoff(t *testing.T) {
	provider := &testutil.ScriptedProvider{Script: func(int, llm.Request) ([]llm.Event, error) {
		return nil, errors.New("fetch failed")
	}}
	h := newHarness(t, provider, nil)
	const wait = 60 * time.Millisecond
	h.runner.sleep = func(ctx context.Context, d time.Duration) error {
		time.Sleep(wait)
		h.runner.Stop("sub")
		<-ctx.Done()
		return context.Cause(ctx)
	}
	conv := question(t, "q")

	out, err := h.runner.Submit(context.Background(), conv, SubmitOptions{ID: "sub"}, nil)
	if !errors.Is(err, llm.ErrCancelled) {
		t.Fatalf("err = %v", err)
	}
	if out.Attempts != 1 || len(provider.Requests()) != 1 {
		t.Errorf("attempts = %d requests = %d", out.Attempts, len(provider.Requests()))
	}
	recs := h.sink.Records()
	if len(recs) != 1 || recs[0].TerminalReason != string(llm.ReasonCancelled) {
		t.Fatalf("records = %+v", recs)
	}
	// The record runs to the stop, so the backoff wait is included.
	if recs[0].DurationMs < wait.Milliseconds() {
		t.Errorf("DurationMs = %d, want at least %d", recs[0].DurationMs, wait.Milliseconds())
	}
	if h.runner.RetryState(conv.ID) != (RetryState{}) {
		t.Error("retry state kept after stop")
	}
}
