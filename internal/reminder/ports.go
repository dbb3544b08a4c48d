package reminder

import (
	"context"
	"time"
)

// TaskStore is the persistence port consumed by the engine.
type TaskStore interface {
	// QueryCandidates returns every incomplete task that has a due date.
	// Ordering is unspecified. Failures must wrap ErrStoreUnavailable.
	QueryCandidates(ctx context.Context, now time.Time) ([]Candidate, error)
	// MarkNotified stamps lastNotifiedAt if the task still exists, is still
	// incomplete and the stamp moves forward. It reports whether it applied.
	MarkNotified(ctx context.Context, taskID int64, at time.Time) (bool, error)
}

// OpenChecker is optionally implemented by stores that can cheaply re-read a
// task right before dispatch, so tasks completed mid-pass are not notified.
type OpenChecker interface {
	IsOpen(ctx context.Context, taskID int64) (bool, error)
}

// Outcome classifies a delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	// RecipientUnreachable is a recipient-side condition (blocked bot, deleted account).
	// The recipient is skipped for the rest of the pass but retried next pass.
	RecipientUnreachable
	// TransientFailure is an infrastructure error; the task stays eligible.
	TransientFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case RecipientUnreachable:
		return "unreachable"
	case TransientFailure:
		return "transient"
	default:
		return "unknown"
	}
}

// Result is the value returned by Notifier.Send. Err is informational only.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

// Notifier delivers a reminder to a recipient. Send never panics and never
// returns an error out-of-band: every outcome is a Result.
type Notifier interface {
	Send(ctx context.Context, recipientID int64, message string) Result
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, recipientID int64, message string) Result

func (f NotifierFunc) Send(ctx context.Context, recipientID int64, message string) Result {
	return f(ctx, recipientID, message)
}
