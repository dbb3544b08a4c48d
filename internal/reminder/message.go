package reminder

import (
	"strconv"
	"strings"
)

// DefaultMessage mirrors the wording the bot has always used.
const DefaultMessage = "⏰ Reminder: Task '{task}' was due on {due}. Please complete it soon!"

// DueLayout is how due dates are rendered in messages.
const DueLayout = "2006-01-02 15:04"

// RenderMessage fills the {id}, {task}, {due} and {assignee} placeholders.
func RenderMessage(tmpl string, t Task) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultMessage
	}
	due := ""
	if t.DueAt != nil {
		due = t.DueAt.Format(DueLayout)
	}
	r := strings.NewReplacer(
		"{id}", strconv.FormatInt(t.ID, 10),
		"{task}", t.Description,
		"{due}", due,
		"{assignee}", t.Assignee,
	)
	return r.Replace(tmpl)
}
