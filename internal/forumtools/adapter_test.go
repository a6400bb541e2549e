package forumtools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/samsaffron/forumchat/internal/config"
	"github.com/samsaffron/forumchat/internal/llm"
	"github.com/samsaffron/forumchat/internal/nia"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type backendServer struct {
	*httptest.Server
	hits   atomic.Int32
	mu     sync.Mutex
	bodies map[string]map[string]any
}

func newBackend(t *testing.T, responses map[string]string) *backendServer {
	t.Helper()
	b := &backendServer{bodies: make(map[string]map[string]any)}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			var body map[string]any
			_ = json.Unmarshal(data, &body)
			b.mu.Lock()
			b.bodies[r.URL.Path] = body
			b.mu.Unlock()
		}
		resp, ok := responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backendServer) body(path string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bodies[path]
}

func newTestAdapter(b *backendServer, sources []string) *Adapter {
	client := nia.NewClient(config.NiaConfig{APIKey: "k", BaseURL: b.URL, Timeout: 5 * time.Second})
	return NewAdapter(client, sources, quiet)
}

func TestPatternSearchSendsOnlySetOptions(t *testing.T) {
	b := newBackend(t, map[string]string{"/data-sources/forum/grep": `{"total_matches":12,"files_with_matches":3}`})
	a := newTestAdapter(b, []string{"forum"})

	out, err := a.Invoke(context.Background(), "grepForum", json.RawMessage(`{"pattern":"keybinding","outputMode":"count","exhaustive":false}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	want := map[string]any{
		"pattern":       "keybinding",
		"context_lines": float64(3),
		"output_mode":   "count",
		"exhaustive":    false,
	}
	if diff := cmp.Diff(want, b.body("/data-sources/forum/grep")); diff != "" {
		t.Errorf("request body (-want +got):\n%s", diff)
	}
	var result nia.GrepResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if result.TotalMatches != 12 || result.SourceID != "forum" {
		t.Errorf("result = %+v", result)
	}
}

func TestPatternSearchSendsExplicitPath(t *testing.T) {
	b := newBackend(t, map[string]string{"/data-sources/forum/grep": `{"total_matches":1}`})
	a := newTestAdapter(b, []string{"forum"})

	if _, err := a.Invoke(context.Background(), "grepForum", json.RawMessage(`{"pattern":"rules","path":"/t/feature-requests"}`)); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := b.body("/data-sources/forum/grep")["path"]; got != "/t/feature-requests" {
		t.Errorf("path = %v", got)
	}
}

func TestSearchWithoutSourcesIsConfigurationError(t *testing.T) {
	b := newBackend(t, nil)
	a := newTestAdapter(b, nil)

	_, err := a.Invoke(context.Background(), "searchForum", json.RawMessage(`{"query":"x"}`))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %v, want ConfigurationError", err)
	}
	if cfgErr.Resource != "NIA_CURSOR_FORUM_SOURCES" {
		t.Errorf("resource = %q", cfgErr.Resource)
	}
	if llm.ClassifyError(err) != llm.KindConfiguration || llm.IsRetryable(err) {
		t.Errorf("kind = %q", llm.ClassifyError(err))
	}
	if b.hits.Load() != 0 {
		t.Errorf("backend hit %d times", b.hits.Load())
	}
}

func TestWebSearchNeedsNoSource(t *testing.T) {
	b := newBackend(t, map[string]string{"/search/web": `{"github_repos":[],"documentation":[{"url":"d"}],"other_content":[]}`})
	a := newTestAdapter(b, nil)
	if _, err := a.Invoke(context.Background(), "webSearch", json.RawMessage(`{"query":"cursor"}`)); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := b.body("/search/web")["num_results"]; got != float64(5) {
		t.Errorf("num_results = %v, want default 5", got)
	}
}

func TestMissingAPIKeyIsConfigurationError(t *testing.T) {
	a := NewAdapter(nia.NewClient(config.NiaConfig{}), []string{"forum"}, quiet)
	_, err := a.Prepare(llm.ToolCall{Name: "browseForum", Arguments: json.RawMessage(`{}`)})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Resource != "NIA_API_KEY" {
		t.Fatalf("got %v", err)
	}
}

func TestValidation(t *testing.T) {
	b := newBackend(t, nil)
	a := newTestAdapter(b, []string{"forum"})

	tests := []struct {
		tool  string
		args  string
		field string
	}{
		{"searchForum", `{"query":"  "}`, "query"},
		{"searchForum", `{}`, "query"},
		{"readForumPost", `{"path":""}`, "path"},
		{"getSourceContent", `{}`, "path"},
		{"grepForum", `{"pattern":""}`, "pattern"},
		{"grepForum", `{"pattern":"x","contextLines":11}`, "contextLines"},
		{"grepForum", `{"pattern":"x","contextLines":-1}`, "contextLines"},
		{"grepForum", `{"pattern":"x","linesAfter":21}`, "linesAfter"},
		{"grepForum", `{"pattern":"x","linesBefore":-1}`, "linesBefore"},
		{"grepForum", `{"pattern":"x","maxMatchesPerFile":0}`, "maxMatchesPerFile"},
		{"grepForum", `{"pattern":"x","maxTotalMatches":1001}`, "maxTotalMatches"},
		{"grepForum", `{"pattern":"x","outputMode":"lines"}`, "outputMode"},
		{"webSearch", `{"query":"x","numResults":11}`, "numResults"},
		{"webSearch", `{"query":"x","category":"video"}`, "category"},
		{"webSearch", `{"query":"x","daysBack":0}`, "daysBack"},
		{"grepForum", `{"pattern":5}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.tool+" "+tt.args, func(t *testing.T) {
			_, err := a.Prepare(llm.ToolCall{Name: tt.tool, Arguments: json.RawMessage(tt.args)})
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("got %v, want ValidationError", err)
			}
			if vErr.Field != tt.field || vErr.Tool != tt.tool {
				t.Errorf("got tool=%q field=%q, want %q %q", vErr.Tool, vErr.Field, tt.tool, tt.field)
			}
		})
	}
	if b.hits.Load() != 0 {
		t.Errorf("backend hit %d times during validation", b.hits.Load())
	}
}

func TestBoundaryValuesAreAccepted(t *testing.T) {
	b := newBackend(t, nil)
	a := newTestAdapter(b, []string{"forum"})
	args := `{"pattern":"x","contextLines":10,"linesAfter":20,"linesBefore":0,"maxMatchesPerFile":100,"maxTotalMatches":1,"outputMode":"files_with_matches"}`
	if _, err := a.Prepare(llm.ToolCall{Name: "grepForum", Arguments: json.RawMessage(args)}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
}

func TestUnknownTool(t *testing.T) {
	a := newTestAdapter(newBackend(t, nil), []string{"forum"})
	if _, err := a.Prepare(llm.ToolCall{Name: "deleteForum"}); err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Fatalf("got %v", err)
	}
}

func TestBrowseAndReadDefaultToFirstSource(t *testing.T) {
	b := newBackend(t, map[string]string{
		"/data-sources/first/tree": `{"tree_string":"t","page_count":3,"base_url":"u"}`,
		"/data-sources/other/read": `{"success":true,"path":"/p","content":"body"}`,
	})
	a := newTestAdapter(b, []string{"first", "second"})

	out, err := a.Invoke(context.Background(), "browseForum", nil)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if !strings.Contains(out, `"sourceId":"first"`) || !strings.Contains(out, `"pageCount":3`) {
		t.Errorf("browse output = %s", out)
	}

	out, err = a.Invoke(context.Background(), "readForumPost", json.RawMessage(`{"path":"/p","sourceId":"other"}`))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(out, `"content":"body"`) {
		t.Errorf("read output = %s", out)
	}
}

func TestReadMissingPathIsNotFound(t *testing.T) {
	a := newTestAdapter(newBackend(t, nil), []string{"forum"})
	_, err := a.Invoke(context.Background(), "getSourceContent", json.RawMessage(`{"path":"/gone"}`))
	var nf *nia.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
	if llm.IsRetryable(err) {
		t.Error("not found must not be retryable")
	}
}

func TestUnknownParamsAreReported(t *testing.T) {
	b := newBackend(t, map[string]string{"/search/query": `{"sources":[]}`})
	a := newTestAdapter(b, []string{"forum"})
	out, err := a.Invoke(context.Background(), "searchForum", json.RawMessage(`{"query":"x","limit":3}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.HasPrefix(out, "Unknown parameter 'limit' was ignored\n") {
		t.Errorf("output = %q", out)
	}
}

func TestSpecsCoverEveryKind(t *testing.T) {
	a := NewAdapter(nil, nil, quiet)
	var names []string
	for _, s := range a.Specs() {
		names = append(names, s.Name)
		if s.Schema["type"] != "object" {
			t.Errorf("%s schema type = %v", s.Name, s.Schema["type"])
		}
	}
	want := []string{"searchForum", "browseForum", "readForumPost", "grepForum", "getSourceContent", "webSearch"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	for _, name := range want {
		if DisplayName(name) == name {
			t.Errorf("%s has no display name", name)
		}
	}
}

// scriptedProvider asks for one search and then answers.
type scriptedProvider struct {
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.calls++
	if p.calls == 1 {
		return &eventList{events: []llm.Event{
			{Type: llm.EventToolCall, Tool: &llm.ToolCall{ID: "s1", Name: "searchForum", Arguments: json.RawMessage(`{"query":"features"}`)}},
		}}, nil
	}
	return &eventList{events: []llm.Event{{Type: llm.EventTextDelta, Text: "not configured"}}}, nil
}

type eventList struct {
	events []llm.Event
}

func (s *eventList) Recv() (llm.Event, error) {
	if len(s.events) == 0 {
		return llm.Event{}, io.EOF
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, nil
}

func (s *eventList) Close() error { return nil }

func TestUnconfiguredSearchNeverExecutesInLoop(t *testing.T) {
	b := newBackend(t, nil)
	a := newTestAdapter(b, nil)

	var started, ended []llm.Event
	engine := llm.NewEngine(&scriptedProvider{}, a, llm.WithLogger(quiet))
	result, err := engine.Run(context.Background(), llm.Request{Messages: []llm.Message{llm.UserText("features?")}}, func(e llm.Event) {
		switch e.Type {
		case llm.EventToolExecStart:
			started = append(started, e)
		case llm.EventToolExecEnd:
			ended = append(ended, e)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(started) != 0 {
		t.Errorf("tool reached executing %d times", len(started))
	}
	if len(ended) != 1 || ended[0].ToolSuccess || !ended[0].ToolSkipped {
		t.Fatalf("end events = %+v", ended)
	}
	var cfgErr *ConfigurationError
	if !errors.As(ended[0].Err, &cfgErr) {
		t.Errorf("end error = %v", ended[0].Err)
	}
	if b.hits.Load() != 0 {
		t.Errorf("backend hit %d times", b.hits.Load())
	}
	if result.Reason != llm.ReasonStop {
		t.Errorf("reason = %q", result.Reason)
	}
}
