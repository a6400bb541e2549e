package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/samsaffron/forumchat/internal/llm"
	"github.com/samsaffron/forumchat/internal/progress"
)

// StatusLine renders a progress snapshot as a single line, e.g.
// "Step 3/20 · Reading post". Empty when there is nothing to show.
func StatusLine(s progress.Snapshot) string {
	st := CurrentStyles()
	var parts []string
	if s.StepCount > 0 {
		parts = append(parts, st.Step.Render(fmt.Sprintf("Step %d/%d", s.StepCount, s.MaxSteps)))
	}
	switch {
	case s.CurrentToolDisplay != "":
		parts = append(parts, st.Tool.Render(s.CurrentToolDisplay))
	case s.ReasoningStreaming:
		parts = append(parts, st.Muted.Render("Thinking"))
	case s.TextStreaming:
		parts = append(parts, st.Muted.Render("Answering"))
	case s.State == llm.StateRequesting.String():
		parts = append(parts, st.Muted.Render("Waiting for model"))
	}
	if s.Attempt > 1 {
		parts = append(parts, st.Warning.Render(fmt.Sprintf("attempt %d", s.Attempt)))
	}
	return strings.Join(parts, st.Muted.Render(" · "))
}

// RetryLine describes a pending retry.
func RetryLine(ev llm.Event) string {
	msg := fmt.Sprintf("Retrying in %.0fs (attempt %d/%d)", ev.RetryWaitSecs, ev.RetryAttempt, ev.RetryMaxAttempts)
	if ev.Err != nil {
		msg += ": " + ev.Err.Error()
	}
	return CurrentStyles().Warning.Render(msg)
}

// ErrorLine renders a run failure.
func ErrorLine(err error) string {
	return CurrentStyles().Error.Render("Error: " + err.Error())
}

// ToolLine is the one-line record printed when a tool settles.
func ToolLine(ev llm.Event) string {
	st := CurrentStyles()
	mark := "✓"
	if !ev.ToolSuccess {
		mark = "✗"
	}
	line := st.Tool.Render(mark + " " + ev.ToolName)
	if ev.ToolInfo != "" {
		line += " " + st.Muted.Render(ev.ToolInfo)
	}
	return line
}

// FitWidth truncates a styled line to width cells so a redrawn status
// line never wraps.
func FitWidth(line string, width int) string {
	if width <= 0 || ansi.StringWidth(line) <= width {
		return line
	}
	return ansi.Truncate(line, width, "…")
}
