package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTimeout          = errors.New("job attempt timed out")
	ErrAlreadyRunning   = errors.New("already running")
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
	ErrUnknownJob       = errors.New("unknown job type")
	// ErrSuperseded means the run's record was finalized by someone else,
	// typically a stale reclaim on another instance.
	ErrSuperseded = errors.New("job record finalized elsewhere")
)

// PanicError is a panic recovered from a job function.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}

// errorStack renders the stack of a panic, or the wrapped error chain.
func errorStack(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %v\n", e, e)
	}
	return strings.TrimRight(b.String(), "\n")
}
