package usage

import (
	"time"

	"github.com/samsaffron/forumchat/internal/llm"
)

// NewRecord builds the record for a finished run. startedAt is the start
// of the turn's first attempt, so retries do not reset the duration.
func NewRecord(result *llm.RunResult, startedAt time.Time, attempts int, runErr error) CompletionRecord {
	rec := CompletionRecord{
		Timestamp:    time.Now(),
		FinishReason: UnknownFinishReason,
		Attempts:     attempts,
		ToolsUsed:    []string{},
	}
	if result != nil {
		rec.RunID = result.RunID
		rec.Model = result.Model
		rec.InputTokens = result.Usage.InputTokens
		rec.OutputTokens = result.Usage.OutputTokens
		rec.TerminalReason = string(result.Reason)
		rec.StepCount = result.StepCount
		rec.ToolsUsed = llm.DistinctToolNames(result.ToolsUsed)
		if result.FinishReason != "" {
			rec.FinishReason = result.FinishReason
		}
		end := result.EndedAt
		if end.IsZero() {
			end = rec.Timestamp
		}
		if !startedAt.IsZero() {
			rec.DurationMs = end.Sub(startedAt).Milliseconds()
		}
		if !end.IsZero() {
			rec.Timestamp = end
		}
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	return rec.normalize()
}

// normalize restores the record invariants: non-negative counts, a total
// equal to input plus output, and no duplicate tool names.
func (r CompletionRecord) normalize() CompletionRecord {
	r.InputTokens = max(r.InputTokens, 0)
	r.OutputTokens = max(r.OutputTokens, 0)
	r.TotalTokens = r.InputTokens + r.OutputTokens
	r.DurationMs = max(r.DurationMs, 0)
	if r.FinishReason == "" {
		r.FinishReason = UnknownFinishReason
	}
	r.ToolsUsed = llm.DistinctToolNames(r.ToolsUsed)
	if r.ToolsUsed == nil {
		r.ToolsUsed = []string{}
	}
	return r
}
