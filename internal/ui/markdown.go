package ui

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
)

// DefaultWidth is used when the terminal width is unknown.
const DefaultWidth = 100

var renderers sync.Map // wrap width -> *glamour.TermRenderer

func rendererFor(width int) (*glamour.TermRenderer, error) {
	if r, ok := renderers.Load(width); ok {
		return r.(*glamour.TermRenderer), nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStyles(GlamourStyle()),
		glamour.WithWordWrap(width),
		glamour.WithInlineTableLinks(true),
	)
	if err != nil {
		return nil, err
	}
	actual, _ := renderers.LoadOrStore(width, r)
	return actual.(*glamour.TermRenderer), nil
}

// RenderMarkdown renders an answer wrapped at width. If glamour fails the
// raw markdown is returned so the answer is never lost.
func RenderMarkdown(content string, width int) string {
	if content == "" {
		return ""
	}
	if width <= 0 {
		width = DefaultWidth
	}
	r, err := rendererFor(width)
	if err != nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimSpace(out)
}
