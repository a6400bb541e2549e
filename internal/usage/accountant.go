package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Sink receives completion records.
type Sink interface {
	Record(ctx context.Context, rec CompletionRecord) error
}

// Accountant emits exactly one record per run to every sink.
type Accountant struct {
	sinks  []Sink
	logger *slog.Logger

	mu      sync.Mutex
	emitted map[string]bool
	order   []string
}

// rememberedRuns bounds how many run ids are kept for deduplication.
const rememberedRuns = 4096

// NewAccountant returns an accountant writing to sinks. Nil sinks are
// skipped.
func NewAccountant(logger *slog.Logger, sinks ...Sink) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Accountant{logger: logger, emitted: make(map[string]bool)}
	for _, s := range sinks {
		if s != nil {
			a.sinks = append(a.sinks, s)
		}
	}
	return a
}

// Complete emits rec unless a record for the same run was already
// emitted, and reports whether it did. Sink failures are logged and joined
// into the returned error; every sink is still tried.
func (a *Accountant) Complete(ctx context.Context, rec CompletionRecord) (bool, error) {
	rec = rec.normalize()
	if rec.RunID != "" {
		a.mu.Lock()
		if a.emitted[rec.RunID] {
			a.mu.Unlock()
			return false, nil
		}
		a.emitted[rec.RunID] = true
		a.order = append(a.order, rec.RunID)
		if len(a.order) > rememberedRuns {
			delete(a.emitted, a.order[0])
			a.order = a.order[1:]
		}
		a.mu.Unlock()
	}

	var errs []error
	for _, s := range a.sinks {
		if err := s.Record(ctx, rec); err != nil {
			a.logger.Warn("usage sink failed", "run_id", rec.RunID, "error", err)
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

// LogSink writes each record as one info-level log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, rec CompletionRecord) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"run_id", rec.RunID,
		"model", rec.Model,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"total_tokens", rec.TotalTokens,
		"duration_ms", rec.DurationMs,
		"finish_reason", rec.FinishReason,
		"terminal_reason", rec.TerminalReason,
		"tools_used", rec.ToolsUsed,
		"step_count", rec.StepCount,
		"attempts", rec.Attempts,
	}
	if rec.Error != "" {
		attrs = append(attrs, "error", rec.Error)
	}
	logger.InfoContext(ctx, "completion", attrs...)
	return nil
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []CompletionRecord
}

func (s *MemorySink) Record(_ context.Context, rec CompletionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything recorded so far.
func (s *MemorySink) Records() []CompletionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CompletionRecord(nil), s.records...)
}
