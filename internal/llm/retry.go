package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorKind classifies a loop failure for the retry policy.
type ErrorKind string

const (
	KindTimeout       ErrorKind = "timeout"
	KindNetwork       ErrorKind = "network"
	KindRateLimit     ErrorKind = "rate_limit"
	KindUnavailable   ErrorKind = "unavailable"
	KindFetchFailed   ErrorKind = "fetch_failed"
	KindCancelled     ErrorKind = "cancelled"
	KindConfiguration ErrorKind = "configuration"
	KindValidation    ErrorKind = "validation"
	KindOther         ErrorKind = "other"
)

// Retryable reports whether a failure of this kind is worth re-running.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimit, KindUnavailable, KindFetchFailed:
		return true
	}
	return false
}

// kindedError lets other packages label their errors without importing llm.
type kindedError interface {
	error
	ErrorKind() string
}

// ErrCancelled marks a run stopped by the user. It is never retried.
var ErrCancelled = errors.New("run cancelled")

// LoopError wraps a model-provider failure that aborted a run.
type LoopError struct {
	Err error
}

func (e *LoopError) Error() string {
	return "model stream: " + e.Err.Error()
}

func (e *LoopError) Unwrap() error {
	return e.Err
}

// ClassifyError maps an error onto the fixed retryable set. Typed errors
// win; everything else is matched on its message.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var kinded kindedError
	if errors.As(err, &kinded) {
		return ErrorKind(kinded.ErrorKind())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "503"):
		return KindUnavailable
	case strings.Contains(msg, "fetch failed"):
		return KindFetchFailed
	case strings.Contains(msg, "network"):
		return KindNetwork
	}
	return KindOther
}

// IsRetryable returns true if the error is a transient error worth retrying.
func IsRetryable(err error) bool {
	return ClassifyError(err).Retryable()
}

// RetryPolicy bounds how often a failed run is re-issued.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy returns 3 retries at 1s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
	}
}

// Delay returns the wait before retry attempt (1-indexed): base * 2^(attempt-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(1<<(attempt-1))
}

// ShouldRetry reports whether another attempt is allowed after err, given
// the number of retries already made.
func (p RetryPolicy) ShouldRetry(err error, retriesSoFar int) bool {
	return retriesSoFar < p.MaxRetries && IsRetryable(err)
}
