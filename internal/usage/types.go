// Package usage turns finished runs into CompletionRecords and persists
// or reports them.
package usage

import "time"

// UnknownFinishReason is recorded when the provider never reported one.
const UnknownFinishReason = "unknown"

// CompletionRecord is the summary of one run. Token counts are always
// present, zero when the provider reported nothing.
type CompletionRecord struct {
	RunID          string    `json:"runId"`
	ConversationID string    `json:"conversationId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Model          string    `json:"model"`
	InputTokens    int       `json:"inputTokens"`
	OutputTokens   int       `json:"outputTokens"`
	TotalTokens    int       `json:"totalTokens"`
	DurationMs     int64     `json:"durationMs"`
	FinishReason   string    `json:"finishReason"`
	TerminalReason string    `json:"terminalReason"`
	// ToolsUsed holds each tool name once, in first-use order.
	ToolsUsed []string `json:"toolsUsed"`
	StepCount int      `json:"stepCount"`
	// Attempts is the number of runs made for the turn, retries included.
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// DailyUsage is the aggregate of one day's records.
type DailyUsage struct {
	Date         string // YYYY-MM-DD format
	Runs         int
	InputTokens  int
	OutputTokens int
	Steps        int
	Failed       int
	ModelsUsed   []string
	Records      []CompletionRecord
}

// TotalTokens returns input plus output tokens for the day.
func (d DailyUsage) TotalTokens() int {
	return d.InputTokens + d.OutputTokens
}

// ModelBreakdown is token usage for one model.
type ModelBreakdown struct {
	Model        string
	Runs         int
	InputTokens  int
	OutputTokens int
}

// ToolBreakdown counts the runs that used a tool.
type ToolBreakdown struct {
	Tool string
	Runs int
}

// FilterOptions narrows a record query.
type FilterOptions struct {
	Since time.Time // Include records on or after this time
	Until time.Time // Include records before this time
	Model string    // Filter to one model, or empty for all
	Limit int
}
