package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when the conversation already has a run in flight.
	ErrBusy = errors.New("conversation already has a run in progress")
	// ErrNothingToAnswer is returned when the last turn is not a user turn.
	ErrNothingToAnswer = errors.New("conversation has no unanswered user turn")
	// errStopRequested is the cancellation cause of Runner.Stop.
	errStopRequested = errors.New("stopped by user")
)

// RetriesExhaustedError carries the last failure after every allowed
// attempt failed.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}
