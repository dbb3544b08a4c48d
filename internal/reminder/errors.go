package reminder

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable aborts a whole pass. The loop retries on its next cadence.
	ErrStoreUnavailable = errors.New("task store unavailable")
	// ErrMalformedTask marks a candidate that cannot be evaluated (skip, log, continue).
	ErrMalformedTask = errors.New("malformed task")
)

// MalformedTaskError carries the offending task id and raw value.
type MalformedTaskError struct {
	TaskID int64
	Field  string
	Value  string
	Err    error
}

func (e *MalformedTaskError) Error() string {
	return fmt.Sprintf("task %d: invalid %s %q: %v", e.TaskID, e.Field, e.Value, e.Err)
}

func (e *MalformedTaskError) Unwrap() []error { return []error{ErrMalformedTask, e.Err} }
