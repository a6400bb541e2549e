package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/samsaffron/forumchat/internal/llm"
	"github.com/samsaffron/forumchat/internal/usage"
)

// SessionStats accumulates figures across the turns of a terminal session.
type SessionStats struct {
	StartTime     time.Time
	InputTokens   int
	OutputTokens  int
	ToolCallCount int
	TurnCount     int

	LLMTime       time.Duration
	ToolTime      time.Duration
	lastEventTime time.Time
	running       int // tools currently executing
	now           func() time.Time
}

// NewSessionStats starts the clock.
func NewSessionStats() *SessionStats {
	return newSessionStats(time.Now)
}

func newSessionStats(now func() time.Time) *SessionStats {
	t := now()
	return &SessionStats{StartTime: t, lastEventTime: t, now: now}
}

// Observe folds one engine event into the stats. Time with at least one
// tool executing counts as tool time; the rest is model time.
func (s *SessionStats) Observe(ev llm.Event) {
	switch ev.Type {
	case llm.EventUsage:
		if ev.Use != nil {
			s.InputTokens += ev.Use.InputTokens
			s.OutputTokens += ev.Use.OutputTokens
		}
	case llm.EventToolExecStart:
		s.mark()
		s.running++
		s.ToolCallCount++
	case llm.EventToolExecEnd:
		if ev.ToolSkipped {
			return
		}
		s.mark()
		if s.running > 0 {
			s.running--
		}
	}
}

func (s *SessionStats) mark() {
	t := s.now()
	if s.running > 0 {
		s.ToolTime += t.Sub(s.lastEventTime)
	} else {
		s.LLMTime += t.Sub(s.lastEventTime)
	}
	s.lastEventTime = t
}

// Finalize attributes the time since the last event.
func (s *SessionStats) Finalize() {
	s.mark()
	s.running = 0
}

// AddTurn counts a finished turn.
func (s *SessionStats) AddTurn() {
	s.TurnCount++
}

// Render returns the stats as a compact single line.
func (s SessionStats) Render() string {
	total := s.now().Sub(s.StartTime)
	tokens := fmt.Sprintf("%s in / %s out", formatTokenCount(s.InputTokens), formatTokenCount(s.OutputTokens))

	timeStr := fmt.Sprintf("%.1fs", total.Seconds())
	if s.ToolCallCount > 0 {
		timeStr = fmt.Sprintf("%.1fs (llm %.1fs + tool %.1fs)", total.Seconds(), s.LLMTime.Seconds(), s.ToolTime.Seconds())
	}
	if s.TurnCount > 1 {
		return fmt.Sprintf("Stats: %s | %d turns | %s | %d tools", timeStr, s.TurnCount, tokens, s.ToolCallCount)
	}
	return fmt.Sprintf("Stats: %s | %s | %d tools", timeStr, tokens, s.ToolCallCount)
}

// RecordLine summarises one completion record.
func RecordLine(rec usage.CompletionRecord) string {
	line := fmt.Sprintf("%s | %.1fs | %s tokens | %d steps | %s",
		rec.Model,
		float64(rec.DurationMs)/1000,
		formatTokenCount(rec.TotalTokens),
		rec.StepCount,
		rec.TerminalReason)
	if len(rec.ToolsUsed) > 0 {
		line += " | " + strings.Join(rec.ToolsUsed, ", ")
	}
	if rec.Attempts > 1 {
		line += fmt.Sprintf(" | %d attempts", rec.Attempts)
	}
	return CurrentStyles().Muted.Render(line)
}

func formatTokenCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1000:
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
