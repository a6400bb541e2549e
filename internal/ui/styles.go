package ui

import (
	"github.com/charmbracelet/glamour/ansi"
	"github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/lipgloss"
)

// Theme is the terminal palette.
type Theme struct {
	Primary   lipgloss.Color // tool names, step counter
	Secondary lipgloss.Color // links, headers
	Error     lipgloss.Color
	Warning   lipgloss.Color // retry notices
	Muted     lipgloss.Color // stats, previews
	Text      lipgloss.Color
}

// DefaultTheme returns the gruvbox palette.
func DefaultTheme() *Theme {
	return &Theme{
		Primary:   lipgloss.Color("#b8bb26"),
		Secondary: lipgloss.Color("#83a598"),
		Error:     lipgloss.Color("#fb4934"),
		Warning:   lipgloss.Color("#fabd2f"),
		Muted:     lipgloss.Color("#928374"),
		Text:      lipgloss.Color("#ebdbb2"),
	}
}

var currentTheme = DefaultTheme()

// Styles are the lipgloss styles derived from a theme.
type Styles struct {
	Step    lipgloss.Style
	Tool    lipgloss.Style
	Muted   lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

func newStyles(t *Theme) Styles {
	return Styles{
		Step:    lipgloss.NewStyle().Foreground(t.Primary).Bold(true),
		Tool:    lipgloss.NewStyle().Foreground(t.Secondary),
		Muted:   lipgloss.NewStyle().Foreground(t.Muted),
		Warning: lipgloss.NewStyle().Foreground(t.Warning),
		Error:   lipgloss.NewStyle().Foreground(t.Error).Bold(true),
	}
}

// CurrentStyles returns styles for the active theme.
func CurrentStyles() Styles {
	return newStyles(currentTheme)
}

// GlamourStyle starts from glamour's dark style and recolours the parts
// forum answers lean on: headings, links and inline code.
func GlamourStyle() ansi.StyleConfig {
	return glamourStyleFromTheme(currentTheme)
}

func glamourStyleFromTheme(t *Theme) ansi.StyleConfig {
	style := styles.DarkStyleConfig
	primary := string(t.Primary)
	secondary := string(t.Secondary)
	text := string(t.Text)
	muted := string(t.Muted)

	style.Document.Color = &text
	style.Heading.Color = &secondary
	style.H1.Color = &primary
	style.H1.BackgroundColor = nil
	style.Link.Color = &secondary
	style.LinkText.Color = &primary
	style.Code.Color = &primary
	style.Code.BackgroundColor = nil
	style.BlockQuote.Color = &muted
	style.HorizontalRule.Color = &muted

	// Answers are printed flush left under the status line.
	var zero uint
	style.Document.Margin = &zero
	style.Document.BlockPrefix = ""
	style.Document.BlockSuffix = ""
	style.CodeBlock.Margin = &zero
	return style
}
