package reconcile

import "fmt"

// ValidationError marks a remote item that does not match the expected shape.
type ValidationError struct {
	Key string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid item: %v", e.Err)
	}
	return fmt.Sprintf("invalid item %s: %v", e.Key, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PersistenceError marks a write that failed for one item.
type PersistenceError struct {
	Key string
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
