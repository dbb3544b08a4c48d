package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"duebot/internal/eventbus"
	"duebot/internal/reminder"
	"duebot/internal/storage"
	kit "duebot/internal/transport"
	logx "duebot/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  map[int64][]string
	ch    chan struct{}
	delay time.Duration
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: map[int64][]string{}, ch: make(chan struct{}, 16)}
}

func (s *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.sent[to.ChatID] = append(s.sent[to.ChatID], text)
	n := len(s.sent[to.ChatID])
	s.mu.Unlock()
	select {
	case s.ch <- struct{}{}:
	default:
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: n}, nil
}

func (s *recordingSender) count(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent[chatID])
}

const singleLoop = `
reminders:
  loops:
    - name: overdue
      schedule: 1h
      cooldown: 20m
      message: "due: {task}"
`

func writeConfig(t *testing.T, dir, reminders string) string {
	t.Helper()
	body := fmt.Sprintf(`
telegram:
  token: "123:abc"
logging:
  level: error
storage:
  path: %q
  location: UTC
`, filepath.Join(dir, "tasks.db")) + reminders
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestAppStartupPassDeliversAndLogs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sender := newRecordingSender()
	a, err := NewApp(writeConfig(t, dir, singleLoop), WithSender(sender))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx := context.Background()
	due := time.Now().UTC().Add(-2 * time.Hour)
	overdue, err := a.Store().CreateTask(ctx, storage.NewTask{AssigneeID: 42, Assignee: "ana", Description: "file report", DueAt: &due})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	future := time.Now().UTC().Add(48 * time.Hour)
	if _, err := a.Store().CreateTask(ctx, storage.NewTask{AssigneeID: 43, Description: "later", DueAt: &future}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-sender.ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("startup pass sent nothing")
	}

	// the reminder log is written asynchronously from bus events
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := a.Store().RecentReminderLog(ctx, overdue.ID, 10)
		if err != nil {
			t.Fatalf("log: %v", err)
		}
		if len(entries) > 0 {
			if entries[0].Outcome != "delivered" || entries[0].Loop != "overdue" || entries[0].PassID == "" {
				t.Fatalf("entry=%+v", entries[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reminder log entry not written")
		}
		time.Sleep(20 * time.Millisecond)
	}

	got, err := a.Store().Get(ctx, overdue.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastNotifiedAt == nil {
		t.Fatalf("task not stamped")
	}
	if sender.count(43) != 0 {
		t.Fatalf("future task notified")
	}
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("app context not canceled after Stop")
	}
	if snaps := a.Loops(); len(snaps) != 1 || snaps[0].Passes == 0 {
		t.Fatalf("snapshots=%+v", snaps)
	}
	if sender.count(42) != 1 {
		t.Fatalf("sent %d reminders to 42, want 1", sender.count(42))
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(`{"telegram":{"token":"x"},"storage":{"path":""}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewApp(p, WithSender(newRecordingSender())); err == nil {
		t.Fatalf("expected error for missing storage.path")
	}
}

func TestDefaultLoopsNotifyOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sender := newRecordingSender()
	sender.delay = 50 * time.Millisecond
	a, err := NewApp(writeConfig(t, dir, ""), WithSender(sender))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if len(a.loops) != 2 {
		t.Fatalf("loops=%d, want the two defaults", len(a.loops))
	}

	ctx := context.Background()
	due := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := a.Store().CreateTask(ctx, storage.NewTask{AssigneeID: 42, Description: "file report", DueAt: &due}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// both startup passes finish well within this window
	deadline := time.Now().Add(5 * time.Second)
	for {
		done := 0
		for _, s := range a.Loops() {
			if s.Passes > 0 {
				done++
			}
		}
		if done == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("startup passes did not finish: %+v", a.Loops())
		}
		time.Sleep(20 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := sender.count(42); got != 1 {
		t.Fatalf("default loops sent %d reminders, want 1", got)
	}
}

func TestConsumeEventsFlushesBufferOnShutdown(t *testing.T) {
	t.Parallel()

	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "tasks.db"), Location: time.UTC}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	a := &App{store: store, log: logx.Nop()}

	events := make(chan eventbus.Event, 8)
	for i := int64(1); i <= 3; i++ {
		events <- eventbus.Event{Type: reminder.EventDelivered, Data: reminder.ReminderEvent{
			PassID: "p1", Loop: "overdue", TaskID: i, AssigneeID: 42, Outcome: "delivered", At: time.Now(),
		}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.consumeEvents(ctx, events)

	entries, err := store.RecentReminderLog(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("flushed %d entries, want 3", len(entries))
	}
}
