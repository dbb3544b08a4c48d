package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("task not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
	// DueLayout is the text layout of due_date; RFC3339 is always accepted too.
	DueLayout string
	// Location interprets due dates that carry no offset.
	Location *time.Location
}

// NewTask is the collaborator-facing input of CreateTask.
type NewTask struct {
	AssigneeID  int64
	Assignee    string
	Description string
	DueAt       *time.Time
}

// ReminderLogEntry is one durable record of a dispatch decision.
type ReminderLogEntry struct {
	ID         int64
	PassID     string
	Loop       string
	TaskID     int64
	AssigneeID int64
	Outcome    string
	Attempts   int
	Error      string
	At         time.Time
}
