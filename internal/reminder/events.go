package reminder

import "time"

// Event types published on the bus after each dispatch decision.
const (
	EventDelivered   = "reminder.delivered"
	EventUnreachable = "reminder.unreachable"
	EventTransient   = "reminder.transient"
	EventStale       = "reminder.stale"
)

// ReminderEvent is the Data payload of reminder.* bus events.
type ReminderEvent struct {
	PassID     string    `json:"pass_id"`
	Loop       string    `json:"loop"`
	TaskID     int64     `json:"task_id"`
	AssigneeID int64     `json:"assignee_id"`
	Outcome    string    `json:"outcome"`
	At         time.Time `json:"at"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
}
