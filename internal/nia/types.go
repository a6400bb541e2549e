package nia

import "encoding/json"

// ChatMessage is one entry of a search query conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type searchRequest struct {
	Messages       []ChatMessage `json:"messages"`
	SearchMode     string        `json:"search_mode"`
	IncludeSources bool          `json:"include_sources"`
	DataSources    []string      `json:"data_sources"`
}

// Excerpt is one ranked source returned by a semantic search.
type Excerpt struct {
	Title   string  `json:"title,omitempty"`
	Path    string  `json:"path,omitempty"`
	URL     string  `json:"url,omitempty"`
	Score   float64 `json:"score,omitempty"`
	Content string  `json:"content,omitempty"`
}

// SearchResult is the outcome of a semantic search. Raw holds the full
// backend response, which is what the model sees.
type SearchResult struct {
	Excerpts []Excerpt
	Raw      json.RawMessage
}

// TreeResult is the hierarchical listing of one source.
type TreeResult struct {
	Tree      string `json:"tree"`
	PageCount int    `json:"pageCount"`
	BaseURL   string `json:"baseUrl"`
	SourceID  string `json:"sourceId"`
}

type treeResponse struct {
	TreeString string `json:"tree_string"`
	PageCount  int    `json:"page_count"`
	BaseURL    string `json:"base_url"`
}

// Document is the full content of one addressed unit.
type Document struct {
	Success  bool           `json:"success"`
	Path     string         `json:"path"`
	URL      string         `json:"url,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	SourceID string         `json:"sourceId,omitempty"`
}

// GrepRequest is the pattern search body. Optional fields are pointers so
// that only explicitly set values are sent and backend defaults apply to
// the rest.
type GrepRequest struct {
	Pattern           string `json:"pattern"`
	Path              string `json:"path,omitempty"`
	ContextLines      int    `json:"context_lines"`
	LinesAfter        *int   `json:"A,omitempty"`
	LinesBefore       *int   `json:"B,omitempty"`
	CaseSensitive     *bool  `json:"case_sensitive,omitempty"`
	WholeWord         *bool  `json:"whole_word,omitempty"`
	FixedString       *bool  `json:"fixed_string,omitempty"`
	MaxMatchesPerFile *int   `json:"max_matches_per_file,omitempty"`
	MaxTotalMatches   *int   `json:"max_total_matches,omitempty"`
	OutputMode        string `json:"output_mode,omitempty"`
	Highlight         *bool  `json:"highlight,omitempty"`
	Exhaustive        *bool  `json:"exhaustive,omitempty"`
}

// GrepResult holds matches plus per-file and total counts.
type GrepResult struct {
	Matches          json.RawMessage `json:"matches,omitempty"`
	Files            json.RawMessage `json:"files,omitempty"`
	Counts           json.RawMessage `json:"counts,omitempty"`
	Pattern          string          `json:"pattern"`
	PathFilter       string          `json:"pathFilter,omitempty"`
	TotalMatches     int             `json:"totalMatches"`
	FilesSearched    int             `json:"filesSearched"`
	FilesWithMatches int             `json:"filesWithMatches"`
	Truncated        bool            `json:"truncated"`
	Options          json.RawMessage `json:"options,omitempty"`
	SourceID         string          `json:"sourceId"`
}

type grepResponse struct {
	Matches          json.RawMessage `json:"matches"`
	Files            json.RawMessage `json:"files"`
	Counts           json.RawMessage `json:"counts"`
	Pattern          string          `json:"pattern"`
	PathFilter       string          `json:"path_filter"`
	TotalMatches     int             `json:"total_matches"`
	FilesSearched    int             `json:"files_searched"`
	FilesWithMatches int             `json:"files_with_matches"`
	Truncated        bool            `json:"truncated"`
	Options          json.RawMessage `json:"options"`
}

// WebSearchRequest is the body of an external web search.
type WebSearchRequest struct {
	Query         string `json:"query"`
	NumResults    int    `json:"num_results"`
	Category      string `json:"category,omitempty"`
	DaysBack      *int   `json:"days_back,omitempty"`
	FindSimilarTo string `json:"find_similar_to,omitempty"`
}

// WebSearchResult aggregates external results by kind.
type WebSearchResult struct {
	GithubRepos   []json.RawMessage `json:"github_repos"`
	Documentation []json.RawMessage `json:"documentation"`
	OtherContent  []json.RawMessage `json:"other_content"`
}

// Count is the total number of results across kinds.
func (r *WebSearchResult) Count() int {
	return len(r.GithubRepos) + len(r.Documentation) + len(r.OtherContent)
}
