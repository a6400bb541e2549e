// Package forumtools exposes the retrieval backend's verbs as model-callable
// tools with typed, validated inputs.
package forumtools

import "fmt"

// Kind is the closed set of retrieval tools.
type Kind int

const (
	KindSearch Kind = iota
	KindBrowse
	KindRead
	KindGrep
	KindSourceContent
	KindWebSearch
)

// Kinds lists every tool in declaration order.
func Kinds() []Kind {
	return []Kind{KindSearch, KindBrowse, KindRead, KindGrep, KindSourceContent, KindWebSearch}
}

// Name is the model-facing tool name.
func (k Kind) Name() string {
	switch k {
	case KindSearch:
		return "searchForum"
	case KindBrowse:
		return "browseForum"
	case KindRead:
		return "readForumPost"
	case KindGrep:
		return "grepForum"
	case KindSourceContent:
		return "getSourceContent"
	case KindWebSearch:
		return "webSearch"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) String() string { return k.Name() }

// DisplayName is the human label shown while the tool runs.
func (k Kind) DisplayName() string {
	switch k {
	case KindSearch:
		return "Searching forum"
	case KindBrowse:
		return "Browsing forum"
	case KindRead:
		return "Reading post"
	case KindGrep:
		return "Pattern search"
	case KindSourceContent:
		return "Loading content"
	case KindWebSearch:
		return "Web search"
	}
	return k.Name()
}

// needsSource reports whether the tool reads an indexed forum source.
func (k Kind) needsSource() bool {
	return k != KindWebSearch
}

// ParseKind resolves a model-facing tool name.
func ParseKind(name string) (Kind, bool) {
	for _, k := range Kinds() {
		if k.Name() == name {
			return k, true
		}
	}
	return 0, false
}

// DisplayName returns the label for a tool name, or the name itself.
func DisplayName(name string) string {
	if k, ok := ParseKind(name); ok {
		return k.DisplayName()
	}
	return name
}

func (k Kind) description() string {
	switch k {
	case KindSearch:
		return `Search the Cursor community forum using semantic search.

Searches across indexed forum content including feature requests and discussions, bug reports and troubleshooting, tips and workflows, questions about Cursor features, and community announcements.

Use this to find discussions about specific topics, features, or problems.`
	case KindBrowse:
		return "Get the structure of the indexed Cursor forum content. Use this to explore available topics and categories."
	case KindRead:
		return "Read the full content of a specific forum post or thread. Use after searchForum or browseForum to get complete context."
	case KindGrep:
		return "Search the Cursor forum using pattern matching. Use for exact terms, error messages, usernames, or specific text patterns."
	case KindSourceContent:
		return "Retrieve the full content of a specific page from the forum. Use this when you have a path from searchForum results."
	case KindWebSearch:
		return "Search the web for additional context not available in the indexed forum. Use sparingly - prefer searchForum first."
	}
	return ""
}

func str(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func integer(desc string, min, max int) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc, "minimum": min, "maximum": max}
}

func boolean(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": desc}
}

const sourceIDDesc = "Optional: specific source ID (defaults to first configured source)"

func (k Kind) schema() map[string]interface{} {
	var props map[string]interface{}
	var required []string
	switch k {
	case KindSearch:
		props = map[string]interface{}{
			"query": str("The search query - a question, topic, feature, or problem to search for"),
		}
		required = []string{"query"}
	case KindBrowse:
		props = map[string]interface{}{
			"sourceId": str(sourceIDDesc),
		}
	case KindRead:
		props = map[string]interface{}{
			"path":     str("Virtual path to read. Get paths from browseForum or search results."),
			"sourceId": str(sourceIDDesc),
		}
		required = []string{"path"}
	case KindSourceContent:
		props = map[string]interface{}{
			"path":     str("The virtual path (from search results or browseForum)"),
			"sourceId": str(sourceIDDesc),
		}
		required = []string{"path"}
	case KindGrep:
		props = map[string]interface{}{
			"pattern":           str("Regex pattern to search for (e.g., 'keybinding', 'error message', '@username')"),
			"path":              str("Limit search to this virtual path prefix. Omit to search the whole source."),
			"sourceId":          str(sourceIDDesc),
			"contextLines":      integer("Lines before AND after each match (default: 3)", minContextLines, maxContextLines),
			"linesAfter":        integer("Lines after each match (like grep -A). Overrides contextLines for after.", 0, maxAsymmetricLines),
			"linesBefore":       integer("Lines before each match (like grep -B). Overrides contextLines for before.", 0, maxAsymmetricLines),
			"caseSensitive":     boolean("Case-sensitive matching (default is case-insensitive)"),
			"wholeWord":         boolean("Match whole words only"),
			"fixedString":       boolean("Treat pattern as literal string, not regex"),
			"maxMatchesPerFile": integer("Maximum matches to return per file (default: 10)", 1, maxMatchesPerFileLimit),
			"maxTotalMatches":   integer("Maximum total matches to return (default: 100)", 1, maxTotalMatchesLimit),
			"outputMode": map[string]interface{}{
				"type":        "string",
				"enum":        outputModes,
				"description": "Output format: content (matched lines), files_with_matches (file paths only), count (match counts)",
			},
			"highlight":  boolean("Add >>markers<< around matched text in results"),
			"exhaustive": boolean("Search ALL chunks for complete results (true = like real grep, false = faster BM25 pre-filter)"),
		}
		required = []string{"pattern"}
	case KindWebSearch:
		props = map[string]interface{}{
			"query":      str("Search query"),
			"numResults": integer("Number of results to return (default: 5)", 1, maxWebResults),
			"category": map[string]interface{}{
				"type":        "string",
				"enum":        webCategories,
				"description": "Filter by content category",
			},
			"daysBack":      map[string]interface{}{"type": "integer", "description": "Limit results to the last N days (recency filter)"},
			"findSimilarTo": str("URL to find similar content to"),
		}
		required = []string{"query"}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
