package llm

import (
	"fmt"
	"time"
)

// LoopState is the engine's per-run state.
type LoopState int

const (
	StateIdle LoopState = iota
	StateRequesting
	StateStreaming
	StateToolDispatch
	StateSettling
	StateCompleted
	StateFailed
	StateCancelled
)

func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateToolDispatch:
		return "tool_dispatch"
	case StateSettling:
		return "settling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s LoopState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var loopTransitions = map[LoopState][]LoopState{
	StateIdle:         {StateRequesting, StateCancelled},
	StateRequesting:   {StateStreaming, StateFailed, StateCancelled},
	StateStreaming:    {StateToolDispatch, StateSettling, StateFailed, StateCancelled},
	StateToolDispatch: {StateRequesting, StateSettling, StateFailed, StateCancelled},
	StateSettling:     {StateCompleted},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to LoopState) bool {
	for _, next := range loopTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalReason says why a run ended.
type TerminalReason string

const (
	ReasonStop      TerminalReason = "stop-condition-met"
	ReasonStepLimit TerminalReason = "step-limit-reached"
	ReasonError     TerminalReason = "error"
	ReasonCancelled TerminalReason = "user-cancelled"
)

// RunResult summarises one execution of the loop for a single user turn.
type RunResult struct {
	RunID     string
	Model     string
	StepCount int
	Usage     Usage
	// ToolsUsed lists every dispatched tool name in dispatch order,
	// duplicates included.
	ToolsUsed    []string
	Reason       TerminalReason
	FinishReason string
	// Text is the assistant text of the final model turn.
	Text string
	// Messages holds the assistant and tool messages the run produced.
	Messages  []Message
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration is the wall-clock time the run took.
func (r *RunResult) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
