package forumtools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/samsaffron/forumchat/internal/llm"
	"github.com/samsaffron/forumchat/internal/nia"
)

// Backend is the subset of the retrieval client the tools call.
type Backend interface {
	HasAPIKey() bool
	Search(ctx context.Context, query string, sources []string) (*nia.SearchResult, error)
	Tree(ctx context.Context, sourceID string) (*nia.TreeResult, error)
	Read(ctx context.Context, sourceID, path string) (*nia.Document, error)
	Grep(ctx context.Context, sourceID string, req nia.GrepRequest) (*nia.GrepResult, error)
	WebSearch(ctx context.Context, req nia.WebSearchRequest) (*nia.WebSearchResult, error)
}

// Adapter implements llm.ToolExecutor over the closed set of retrieval
// tools. Sources are fixed at construction.
type Adapter struct {
	backend Backend
	sources []string
	logger  *slog.Logger
}

// NewAdapter creates an adapter reading from sources.
func NewAdapter(backend Backend, sources []string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		backend: backend,
		sources: append([]string(nil), sources...),
		logger:  logger,
	}
}

// Specs returns the declared schemas of every tool.
func (a *Adapter) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(Kinds()))
	for _, k := range Kinds() {
		specs = append(specs, llm.ToolSpec{
			Name:        k.Name(),
			Description: k.description(),
			Schema:      k.schema(),
		})
	}
	return specs
}

// Prepare decodes and validates a call and checks the resources it needs.
// Nothing is sent to the backend.
func (a *Adapter) Prepare(call llm.ToolCall) (llm.PreparedCall, error) {
	kind, ok := ParseKind(call.Name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", call.Name)
	}
	in, err := Decode(kind, call.Arguments)
	if err != nil {
		a.logger.Warn("tool error", "tool", kind.Name(), "kind", llm.ClassifyError(err), "error", err)
		return nil, err
	}
	if err := a.checkConfigured(kind); err != nil {
		a.logger.Warn("tool error", "tool", kind.Name(), "kind", llm.ClassifyError(err), "error", err)
		return nil, err
	}
	return &preparedCall{
		adapter: a,
		input:   in,
		warning: warnUnknownParams(call.Arguments, kind),
	}, nil
}

func (a *Adapter) checkConfigured(kind Kind) error {
	if !a.backend.HasAPIKey() {
		return &ConfigurationError{Resource: "NIA_API_KEY"}
	}
	if kind.needsSource() && len(a.sources) == 0 {
		return &ConfigurationError{Resource: "NIA_CURSOR_FORUM_SOURCES"}
	}
	return nil
}

// Invoke prepares and runs one tool call by name, returning its output
// text.
func (a *Adapter) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	prepared, err := a.Prepare(llm.ToolCall{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}
	out, err := prepared.Execute(ctx)
	return out.Content, err
}

type preparedCall struct {
	adapter *Adapter
	input   Input
	warning string
}

func (c *preparedCall) Preview() string {
	return preview(c.input)
}

func (c *preparedCall) Execute(ctx context.Context) (llm.ToolOutput, error) {
	a := c.adapter
	name := c.input.Kind().Name()
	a.logger.Info("tool invocation", "tool", name, "input", inputJSON(c.input))

	start := time.Now()
	result, summary, err := a.dispatch(ctx, c.input)
	if err != nil {
		a.logger.Warn("tool error", "tool", name, "kind", llm.ClassifyError(err), "duration", time.Since(start), "error", err)
		return llm.ToolOutput{}, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return llm.ToolOutput{}, fmt.Errorf("%s: failed to encode result: %w", name, err)
	}
	a.logger.Info("tool result", "tool", name, "duration", time.Since(start), "bytes", len(data), "summary", summary)
	return llm.TextOutput(c.warning + string(data)), nil
}

func (a *Adapter) sourceOr(id string) string {
	if id != "" {
		return id
	}
	return a.sources[0]
}

// dispatch runs the backend call for in. The switch covers every Input
// type; the default branch is unreachable for inputs built by Decode.
func (a *Adapter) dispatch(ctx context.Context, in Input) (any, string, error) {
	switch v := in.(type) {
	case SearchInput:
		res, err := a.backend.Search(ctx, v.Query, a.sources)
		if err != nil {
			return nil, "", err
		}
		return res.Raw, fmt.Sprintf("found %d sources", len(res.Excerpts)), nil

	case BrowseInput:
		res, err := a.backend.Tree(ctx, a.sourceOr(v.SourceID))
		if err != nil {
			return nil, "", err
		}
		return res, fmt.Sprintf("found %d pages", res.PageCount), nil

	case ReadInput:
		doc, err := a.backend.Read(ctx, a.sourceOr(v.SourceID), v.Path)
		if err != nil {
			return nil, "", err
		}
		return doc, fmt.Sprintf("read %d chars from %s", len(doc.Content), v.Path), nil

	case GrepInput:
		sourceID := a.sourceOr(v.SourceID)
		res, err := a.backend.Grep(ctx, sourceID, grepRequest(v))
		if err != nil {
			return nil, "", err
		}
		files := res.FilesWithMatches
		if files == 0 {
			files = res.FilesSearched
		}
		return res, fmt.Sprintf("found %d matches in %d files", res.TotalMatches, files), nil

	case WebSearchInput:
		res, err := a.backend.WebSearch(ctx, webSearchRequest(v))
		if err != nil {
			return nil, "", err
		}
		return res, fmt.Sprintf("found %d web results", res.Count()), nil
	}
	return nil, "", fmt.Errorf("unsupported input %T", in)
}

// grepRequest maps the tool input onto the wire body. Only context_lines
// and path get client-side defaults; everything else is sent only when set.
func grepRequest(in GrepInput) nia.GrepRequest {
	req := nia.GrepRequest{
		Pattern:           in.Pattern,
		Path:              in.Path,
		ContextLines:      defaultContextLines,
		LinesAfter:        in.LinesAfter,
		LinesBefore:       in.LinesBefore,
		CaseSensitive:     in.CaseSensitive,
		WholeWord:         in.WholeWord,
		FixedString:       in.FixedString,
		MaxMatchesPerFile: in.MaxMatchesPerFile,
		MaxTotalMatches:   in.MaxTotalMatches,
		OutputMode:        in.OutputMode,
		Highlight:         in.Highlight,
		Exhaustive:        in.Exhaustive,
	}
	if in.ContextLines != nil {
		req.ContextLines = *in.ContextLines
	}
	return req
}

func webSearchRequest(in WebSearchInput) nia.WebSearchRequest {
	req := nia.WebSearchRequest{
		Query:         in.Query,
		NumResults:    defaultWebResults,
		Category:      in.Category,
		DaysBack:      in.DaysBack,
		FindSimilarTo: in.FindSimilarTo,
	}
	if in.NumResults != nil {
		req.NumResults = *in.NumResults
	}
	return req
}

func inputJSON(in Input) string {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Sprintf("%+v", in)
	}
	return string(data)
}
