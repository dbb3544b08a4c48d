package storage

import (
	"fmt"
	"strings"
	"time"

	"duebot/internal/reminder"
)

// parseDue turns a stored due_date into a time. Text without an offset is
// read in loc.
func parseDue(taskID int64, raw, layout string, loc *time.Location) (*time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	if t, err := time.ParseInLocation(layout, s, loc); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, &reminder.MalformedTaskError{
			TaskID: taskID,
			Field:  "due_date",
			Value:  raw,
			Err:    fmt.Errorf("want %q or RFC3339", layout),
		}
	}
	t = t.In(loc)
	return &t, nil
}

func formatDue(t *time.Time, layout string, loc *time.Location) any {
	if t == nil {
		return nil
	}
	return t.In(loc).Format(layout)
}
