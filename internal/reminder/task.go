package reminder

import "time"

// Task is the engine's view of a persisted task.
//
// DueAt nil means the task never fires a reminder. LastNotifiedAt is written
// only by the engine (through TaskStore.MarkNotified) and never moves back.
type Task struct {
	ID             int64
	AssigneeID     int64
	Assignee       string
	Description    string
	DueAt          *time.Time
	Completed      bool
	LastNotifiedAt *time.Time
}

// Candidate is one row returned by TaskStore.QueryCandidates.
//
// Err is non-nil (wrapping ErrMalformedTask) when the row could not be turned
// into a usable Task, e.g. an unparseable due date. Such candidates are
// skipped by the engine.
type Candidate struct {
	Task
	Err error
}
