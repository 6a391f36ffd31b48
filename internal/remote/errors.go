package remote

import (
	"fmt"
	"time"
)

// RateLimitError reports exhausted quota that the client will not wait out,
// either because the reset is too far away or because a pre-check failed.
type RateLimitError struct {
	Remaining int
	ResetAt   time.Time
	Reason    string
}

func (e *RateLimitError) Error() string {
	msg := "rate limit exceeded"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if !e.ResetAt.IsZero() {
		msg += fmt.Sprintf(" (remaining %d, resets at %s)", e.Remaining, e.ResetAt.UTC().Format(time.RFC3339))
	}
	return msg
}

// TransientError is a network failure that persisted through every retry.
type TransientError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("request %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ServerError is a 5xx response that persisted through every retry.
type ServerError struct {
	URL        string
	StatusCode int
	Attempts   int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("request %s failed after %d attempts: status %d", e.URL, e.Attempts, e.StatusCode)
}

// HTTPError is a non-retryable 4xx response.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("request %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}
