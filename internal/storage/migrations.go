package storage

type migration struct {
	version int
	sql     string
}

// migrations must stay append-only with sequential versions starting at 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	assignee_id      INTEGER NOT NULL,
	assignee         TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL,
	due_date         TEXT NULL,
	completed        INTEGER NOT NULL DEFAULT 0,
	last_notified_at INTEGER NULL,
	created_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_open ON tasks(completed, due_date);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_id, completed);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS reminder_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	pass_id     TEXT NOT NULL,
	loop        TEXT NOT NULL,
	task_id     INTEGER NOT NULL,
	assignee_id INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reminder_log_at ON reminder_log(at);
CREATE INDEX IF NOT EXISTS idx_reminder_log_task ON reminder_log(task_id, at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
