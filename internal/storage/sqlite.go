package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"duebot/internal/reminder"
	logx "duebot/pkg/logx"
)

const (
	logRetention  = 30 * 24 * time.Hour
	logPruneEvery = 500
)

// Store is the SQLite-backed task store.
type Store struct {
	db     *sqlx.DB
	log    logx.Logger
	layout string
	loc    *time.Location

	logAppends atomic.Uint64
}

var (
	_ reminder.TaskStore   = (*Store)(nil)
	_ reminder.OpenChecker = (*Store)(nil)
)

type taskRow struct {
	ID             int64          `db:"id"`
	AssigneeID     int64          `db:"assignee_id"`
	Assignee       string         `db:"assignee"`
	Description    string         `db:"description"`
	DueDate        sql.NullString `db:"due_date"`
	Completed      bool           `db:"completed"`
	LastNotifiedAt sql.NullInt64  `db:"last_notified_at"`
	CreatedAt      int64          `db:"created_at"`
}

type logRow struct {
	ID         int64  `db:"id"`
	PassID     string `db:"pass_id"`
	Loop       string `db:"loop"`
	TaskID     int64  `db:"task_id"`
	AssigneeID int64  `db:"assignee_id"`
	Outcome    string `db:"outcome"`
	Attempts   int    `db:"attempts"`
	Error      string `db:"error"`
	At         int64  `db:"at"`
}

const taskColumns = `id, assignee_id, assignee, description, due_date, completed, last_notified_at, created_at`

// Open opens (or creates) the database at cfg.Path, enables WAL and applies
// pending migrations. Path ":memory:" gives a private in-memory store.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &Store{db: db, log: log, layout: cfg.DueLayout, loc: cfg.Location}
	if s.layout == "" {
		s.layout = reminder.DueLayout
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if err := s.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	return v, err
}

func (s *Store) runMigrations(ctx context.Context) error {
	current := 0
	var tables int
	if err := s.db.GetContext(ctx, &tables,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`,
	); err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		v, err := s.SchemaVersion(ctx)
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
		current = v
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
		s.log.Info("schema migrated", logx.Int("version", m.version))
	}
	return nil
}

// QueryCandidates returns every incomplete task with a due date. Rows whose
// due date cannot be parsed come back with Candidate.Err set.
func (s *Store) QueryCandidates(ctx context.Context, _ time.Time) ([]reminder.Candidate, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE completed = 0 AND due_date IS NOT NULL AND TRIM(due_date) != ''
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: query candidates: %w", reminder.ErrStoreUnavailable, err)
	}
	out := make([]reminder.Candidate, 0, len(rows))
	for _, r := range rows {
		t, err := s.toTask(r)
		out = append(out, reminder.Candidate{Task: t, Err: err})
	}
	return out, nil
}

// MarkNotified stamps last_notified_at with at. The update only applies to an
// incomplete task whose stamp is absent or strictly older, so it can neither
// stamp a completed task nor move a stamp backwards.
func (s *Store) MarkNotified(ctx context.Context, taskID int64, at time.Time) (bool, error) {
	ms := at.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_notified_at = ?
		 WHERE id = ? AND completed = 0
		   AND (last_notified_at IS NULL OR last_notified_at < ?)`,
		ms, taskID, ms,
	)
	if err != nil {
		return false, fmt.Errorf("%w: mark notified: %w", reminder.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) IsOpen(ctx context.Context, taskID int64) (bool, error) {
	var completed bool
	err := s.db.GetContext(ctx, &completed, `SELECT completed FROM tasks WHERE id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: is open: %w", reminder.ErrStoreUnavailable, err)
	}
	return !completed, nil
}

func (s *Store) CreateTask(ctx context.Context, nt NewTask) (reminder.Task, error) {
	if strings.TrimSpace(nt.Description) == "" {
		return reminder.Task{}, errors.New("task description required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (assignee_id, assignee, description, due_date, completed, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		nt.AssigneeID, nt.Assignee, nt.Description, formatDue(nt.DueAt, s.layout, s.loc), time.Now().UnixMilli(),
	)
	if err != nil {
		return reminder.Task{}, fmt.Errorf("inserting task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return reminder.Task{}, err
	}
	return s.Get(ctx, id)
}

// Complete marks a task done. A non-zero assigneeID restricts completion to
// that assignee's task. It reports whether the task changed state.
func (s *Store) Complete(ctx context.Context, taskID, assigneeID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed = 1
		 WHERE id = ? AND completed = 0 AND (? = 0 OR assignee_id = ?)`,
		taskID, assigneeID, assigneeID,
	)
	if err != nil {
		return false, fmt.Errorf("completing task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns a task. A malformed due date is returned with DueAt nil and
// the parse error alongside.
func (s *Store) Get(ctx context.Context, taskID int64) (reminder.Task, error) {
	var r taskRow
	err := s.db.GetContext(ctx, &r, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Task{}, ErrNotFound
	}
	if err != nil {
		return reminder.Task{}, fmt.Errorf("getting task %d: %w", taskID, err)
	}
	return s.toTask(r)
}

// ListByAssignee returns the assignee's incomplete tasks ordered by id.
func (s *Store) ListByAssignee(ctx context.Context, assigneeID int64) ([]reminder.Task, error) {
	return s.list(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE assignee_id = ? AND completed = 0 ORDER BY id`,
		assigneeID)
}

// ListAll returns every task ordered by id.
func (s *Store) ListAll(ctx context.Context) ([]reminder.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]reminder.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	out := make([]reminder.Task, 0, len(rows))
	for _, r := range rows {
		t, err := s.toTask(r)
		if err != nil {
			s.log.Warn("task has malformed due date", logx.Int64("task_id", r.ID), logx.Err(err))
		}
		out = append(out, t)
	}
	return out, nil
}

// AppendReminderLog records a dispatch decision. Old entries are pruned
// periodically.
func (s *Store) AppendReminderLog(ctx context.Context, e ReminderLogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_log (pass_id, loop, task_id, assignee_id, outcome, attempts, error, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.PassID, e.Loop, e.TaskID, e.AssigneeID, e.Outcome, e.Attempts, e.Error, e.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("appending reminder log: %w", err)
	}
	if s.logAppends.Add(1)%logPruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if _, err := s.PruneReminderLog(pctx, time.Now().Add(-logRetention)); err != nil {
			s.log.Warn("reminder log prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

// RecentReminderLog returns up to limit entries for a task, newest first.
// taskID 0 means any task.
func (s *Store) RecentReminderLog(ctx context.Context, taskID int64, limit int) ([]ReminderLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, pass_id, loop, task_id, assignee_id, outcome, attempts, error, at
		 FROM reminder_log WHERE (? = 0 OR task_id = ?) ORDER BY at DESC, id DESC LIMIT ?`,
		taskID, taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("reading reminder log: %w", err)
	}
	out := make([]ReminderLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, ReminderLogEntry{
			ID: r.ID, PassID: r.PassID, Loop: r.Loop, TaskID: r.TaskID, AssigneeID: r.AssigneeID,
			Outcome: r.Outcome, Attempts: r.Attempts, Error: r.Error, At: time.UnixMilli(r.At),
		})
	}
	return out, nil
}

// PruneReminderLog deletes entries older than before.
func (s *Store) PruneReminderLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminder_log WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) toTask(r taskRow) (reminder.Task, error) {
	t := reminder.Task{
		ID:          r.ID,
		AssigneeID:  r.AssigneeID,
		Assignee:    r.Assignee,
		Description: r.Description,
		Completed:   r.Completed,
	}
	if r.LastNotifiedAt.Valid {
		ln := time.UnixMilli(r.LastNotifiedAt.Int64).In(s.loc)
		t.LastNotifiedAt = &ln
	}
	if r.DueDate.Valid {
		due, err := parseDue(r.ID, r.DueDate.String, s.layout, s.loc)
		if err != nil {
			return t, err
		}
		t.DueAt = due
	}
	return t, nil
}
