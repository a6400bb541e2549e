package forumtools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

const (
	minContextLines        = 0
	maxContextLines        = 10
	defaultContextLines    = 3
	maxAsymmetricLines     = 20
	maxMatchesPerFileLimit = 100
	maxTotalMatchesLimit   = 1000
	maxWebResults          = 10
	defaultWebResults      = 5
)

var outputModes = []string{"content", "files_with_matches", "count"}

var webCategories = []string{"github", "company", "research", "news", "tweet", "pdf", "blog"}

// Input is a decoded, validated tool input. The concrete type identifies
// the tool.
type Input interface {
	Kind() Kind
	validate() error
}

// SearchInput is the input of searchForum.
type SearchInput struct {
	Query string `json:"query"`
}

// BrowseInput is the input of browseForum.
type BrowseInput struct {
	SourceID string `json:"sourceId,omitempty"`
}

// ReadInput is the input of readForumPost and getSourceContent.
type ReadInput struct {
	Path     string `json:"path"`
	SourceID string `json:"sourceId,omitempty"`
	// Full marks the getSourceContent variant.
	Full bool `json:"-"`
}

// GrepInput is the input of grepForum. Unset optional fields stay nil and
// are not sent to the backend.
type GrepInput struct {
	Pattern           string `json:"pattern"`
	Path              string `json:"path,omitempty"`
	SourceID          string `json:"sourceId,omitempty"`
	ContextLines      *int   `json:"contextLines,omitempty"`
	LinesAfter        *int   `json:"linesAfter,omitempty"`
	LinesBefore       *int   `json:"linesBefore,omitempty"`
	CaseSensitive     *bool  `json:"caseSensitive,omitempty"`
	WholeWord         *bool  `json:"wholeWord,omitempty"`
	FixedString       *bool  `json:"fixedString,omitempty"`
	MaxMatchesPerFile *int   `json:"maxMatchesPerFile,omitempty"`
	MaxTotalMatches   *int   `json:"maxTotalMatches,omitempty"`
	OutputMode        string `json:"outputMode,omitempty"`
	Highlight         *bool  `json:"highlight,omitempty"`
	Exhaustive        *bool  `json:"exhaustive,omitempty"`
}

// WebSearchInput is the input of webSearch.
type WebSearchInput struct {
	Query         string `json:"query"`
	NumResults    *int   `json:"numResults,omitempty"`
	Category      string `json:"category,omitempty"`
	DaysBack      *int   `json:"daysBack,omitempty"`
	FindSimilarTo string `json:"findSimilarTo,omitempty"`
}

func (SearchInput) Kind() Kind    { return KindSearch }
func (BrowseInput) Kind() Kind    { return KindBrowse }
func (GrepInput) Kind() Kind      { return KindGrep }
func (WebSearchInput) Kind() Kind { return KindWebSearch }

func (in ReadInput) Kind() Kind {
	if in.Full {
		return KindSourceContent
	}
	return KindRead
}

// Decode parses and validates raw tool arguments for kind.
func Decode(kind Kind, args json.RawMessage) (Input, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	var in Input
	var err error
	switch kind {
	case KindSearch:
		var v SearchInput
		err = json.Unmarshal(args, &v)
		in = v
	case KindBrowse:
		var v BrowseInput
		err = json.Unmarshal(args, &v)
		in = v
	case KindRead, KindSourceContent:
		var v ReadInput
		err = json.Unmarshal(args, &v)
		v.Full = kind == KindSourceContent
		in = v
	case KindGrep:
		var v GrepInput
		err = json.Unmarshal(args, &v)
		in = v
	case KindWebSearch:
		var v WebSearchInput
		err = json.Unmarshal(args, &v)
		in = v
	default:
		return nil, fmt.Errorf("unknown tool kind %d", int(kind))
	}
	if err != nil {
		return nil, &ValidationError{Tool: kind.Name(), Reason: fmt.Sprintf("malformed arguments: %v", err)}
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	return in, nil
}

func required(kind Kind, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Tool: kind.Name(), Field: field, Reason: "must not be empty"}
	}
	return nil
}

func inRange(kind Kind, field string, v *int, min, max int) error {
	if v == nil {
		return nil
	}
	if *v < min || *v > max {
		return &ValidationError{Tool: kind.Name(), Field: field, Reason: fmt.Sprintf("must be between %d and %d, got %d", min, max, *v)}
	}
	return nil
}

func oneOf(kind Kind, field, value string, allowed []string) error {
	if value == "" || slices.Contains(allowed, value) {
		return nil
	}
	return &ValidationError{Tool: kind.Name(), Field: field, Reason: fmt.Sprintf("must be one of %s, got %q", strings.Join(allowed, ", "), value)}
}

func (in SearchInput) validate() error {
	return required(KindSearch, "query", in.Query)
}

func (in BrowseInput) validate() error {
	return nil
}

func (in ReadInput) validate() error {
	return required(in.Kind(), "path", in.Path)
}

func (in GrepInput) validate() error {
	checks := []error{
		required(KindGrep, "pattern", in.Pattern),
		inRange(KindGrep, "contextLines", in.ContextLines, minContextLines, maxContextLines),
		inRange(KindGrep, "linesAfter", in.LinesAfter, 0, maxAsymmetricLines),
		inRange(KindGrep, "linesBefore", in.LinesBefore, 0, maxAsymmetricLines),
		inRange(KindGrep, "maxMatchesPerFile", in.MaxMatchesPerFile, 1, maxMatchesPerFileLimit),
		inRange(KindGrep, "maxTotalMatches", in.MaxTotalMatches, 1, maxTotalMatchesLimit),
		oneOf(KindGrep, "outputMode", in.OutputMode, outputModes),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

func (in WebSearchInput) validate() error {
	checks := []error{
		required(KindWebSearch, "query", in.Query),
		inRange(KindWebSearch, "numResults", in.NumResults, 1, maxWebResults),
		oneOf(KindWebSearch, "category", in.Category, webCategories),
	}
	if in.DaysBack != nil && *in.DaysBack < 1 {
		checks = append(checks, &ValidationError{Tool: KindWebSearch.Name(), Field: "daysBack", Reason: "must be positive"})
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

// preview is a short human-readable summary of an input.
func preview(in Input) string {
	switch v := in.(type) {
	case SearchInput:
		return fmt.Sprintf("%q", clip(v.Query, 60))
	case BrowseInput:
		if v.SourceID != "" {
			return v.SourceID
		}
		return ""
	case ReadInput:
		return v.Path
	case GrepInput:
		result := fmt.Sprintf("/%s/", clip(v.Pattern, 30))
		if v.Path != "" && v.Path != "/" {
			result += " in " + v.Path
		}
		return result
	case WebSearchInput:
		return fmt.Sprintf("%q", clip(v.Query, 60))
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
