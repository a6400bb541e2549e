package nia

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrMissingAPIKey is returned when the client has no bearer credential.
var ErrMissingAPIKey = errors.New("NIA_API_KEY is not set")

// UpstreamError is a non-success response from the retrieval backend.
type UpstreamError struct {
	Op     string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("nia %s: upstream status %d: %s", e.Op, e.Status, e.Body)
}

// ErrorKind maps the status onto the retry classifier's vocabulary.
func (e *UpstreamError) ErrorKind() string {
	switch e.Status {
	case http.StatusTooManyRequests:
		return "rate_limit"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return "timeout"
	}
	return "other"
}

// NotFoundError is a read of a path the backend rejected with a 4xx.
type NotFoundError struct {
	Path   string
	Status int
	Body   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("nia read: %s not found (status %d)", e.Path, e.Status)
}

func (e *NotFoundError) ErrorKind() string { return "other" }

// TimeoutError is returned when a call exceeds the client's hard timeout.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("nia %s: timeout after %s", e.Op, e.After)
}

func (e *TimeoutError) ErrorKind() string { return "timeout" }
