package reminder

import "time"

// IsEligible reports whether a task should be notified at now.
//
//   - completed tasks and tasks without a due date are never eligible
//   - a task that is not yet due is not eligible
//   - a due task that was never notified is eligible immediately (no grace period)
//   - otherwise the task is eligible once now-lastNotifiedAt >= cooldown
//
// The cooldown boundary is inclusive so scheduler drift can't skip a window.
func IsEligible(dueAt *time.Time, completed bool, lastNotifiedAt *time.Time, now time.Time, cooldown time.Duration) bool {
	if completed || dueAt == nil {
		return false
	}
	if dueAt.After(now) {
		return false
	}
	if lastNotifiedAt == nil {
		return true
	}
	return now.Sub(*lastNotifiedAt) >= cooldown
}

// Eligible is IsEligible applied to a Task.
func (t Task) Eligible(now time.Time, cooldown time.Duration) bool {
	return IsEligible(t.DueAt, t.Completed, t.LastNotifiedAt, now, cooldown)
}
