// Package prompt builds the system prompt for forum question answering.
package prompt

import (
	"fmt"
	"strings"
	"time"
)

const base = `You are a support assistant for the Cursor community forum. You answer questions about Cursor using the forum's own content, which you reach through tools:

- searchForum: semantic search over forum threads. Start here for most questions.
- browseForum: show the forum's structure as a tree of paths.
- readForumPost: read one thread by its path, usually a path from search or browse results.
- getSourceContent: load the full content of a source path when a post is long or split.
- grepForum: regex search across forum content. Use it for exact error messages, settings names or keybindings.
- webSearch: search the wider web. Use it only when the forum has nothing relevant, and say so.

Rules:
1. Ground every answer in tool output. Do not answer from memory when the forum can be checked.
2. Cite sources inline with numbered references like [1] and list them at the end with their titles and URLs.
3. If the tools return nothing useful, say that plainly instead of guessing.
4. Prefer recent threads when posts disagree, and mention the disagreement.
5. Keep answers concise. Use short paragraphs and lists.`

// SystemPrompt returns the forum system prompt. A non-empty override
// replaces the built-in instructions; the date line is always appended.
func SystemPrompt(override string, now time.Time) string {
	text := base
	if o := strings.TrimSpace(override); o != "" {
		text = o
	}
	return fmt.Sprintf("%s\n\nToday's date is %s.", text, now.Format("2006-01-02"))
}

// UserPrompt formats a question with optional attachment links, one per
// line after the question.
func UserPrompt(question string, attachments []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(question))
	for _, a := range attachments {
		if a = strings.TrimSpace(a); a != "" {
			fmt.Fprintf(&b, "\n%s", a)
		}
	}
	return b.String()
}
