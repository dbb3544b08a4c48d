package reminder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"duebot/internal/eventbus"
)

type fakeStore struct {
	mu         sync.Mutex
	tasks      map[int64]*Task
	malformed  []Candidate
	queryErr   error
	markErr    error
	afterQuery func()
	marks      int
}

func newFakeStore(tasks ...Task) *fakeStore {
	s := &fakeStore{tasks: map[int64]*Task{}}
	for i := range tasks {
		t := tasks[i]
		s.tasks[t.ID] = &t
	}
	return s
}

func (s *fakeStore) QueryCandidates(_ context.Context, _ time.Time) ([]Candidate, error) {
	s.mu.Lock()
	if s.queryErr != nil {
		s.mu.Unlock()
		return nil, s.queryErr
	}
	out := make([]Candidate, 0, len(s.tasks)+len(s.malformed))
	for _, t := range s.tasks {
		if t.Completed || t.DueAt == nil {
			continue
		}
		out = append(out, Candidate{Task: *t})
	}
	out = append(out, s.malformed...)
	hook := s.afterQuery
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if hook != nil {
		hook()
	}
	return out, nil
}

func (s *fakeStore) MarkNotified(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return false, s.markErr
	}
	t, ok := s.tasks[id]
	if !ok || t.Completed {
		return false, nil
	}
	if t.LastNotifiedAt != nil && !t.LastNotifiedAt.Before(at) {
		return false, nil
	}
	at2 := at
	t.LastNotifiedAt = &at2
	s.marks++
	return true, nil
}

func (s *fakeStore) IsOpen(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return ok && !t.Completed, nil
}

func (s *fakeStore) complete(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id].Completed = true
}

func (s *fakeStore) lastNotified(id int64) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := s.tasks[id].LastNotifiedAt; v != nil {
		c := *v
		return &c
	}
	return nil
}

// plainStore hides IsOpen so the engine relies on MarkNotified alone.
type plainStore struct{ s *fakeStore }

func (p plainStore) QueryCandidates(ctx context.Context, now time.Time) ([]Candidate, error) {
	return p.s.QueryCandidates(ctx, now)
}

func (p plainStore) MarkNotified(ctx context.Context, id int64, at time.Time) (bool, error) {
	return p.s.MarkNotified(ctx, id, at)
}

type sentMsg struct {
	recipient int64
	message   string
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []sentMsg
	outcome func(recipient int64, message string) Result
	delay   time.Duration

	inflight    int32
	maxInflight int32
}

func (n *fakeNotifier) Send(_ context.Context, recipient int64, message string) Result {
	cur := atomic.AddInt32(&n.inflight, 1)
	defer atomic.AddInt32(&n.inflight, -1)
	for {
		prev := atomic.LoadInt32(&n.maxInflight)
		if cur <= prev || atomic.CompareAndSwapInt32(&n.maxInflight, prev, cur) {
			break
		}
	}
	if n.delay > 0 {
		time.Sleep(n.delay)
	}

	n.mu.Lock()
	n.sent = append(n.sent, sentMsg{recipient: recipient, message: message})
	out := n.outcome
	n.mu.Unlock()
	if out != nil {
		return out(recipient, message)
	}
	return Result{Outcome: Delivered, Attempts: 1}
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNotifier) countFor(recipient int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.recipient == recipient {
			c++
		}
	}
	return c
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dueTask(id, assignee int64, due time.Time) Task {
	return Task{ID: id, AssigneeID: assignee, Assignee: "user", Description: "task", DueAt: &due}
}

func newTestEngine(store TaskStore, n Notifier, cooldown time.Duration, opts ...Option) *Engine {
	return New(Config{Loop: "test", Cooldown: cooldown, Workers: 4}, store, n, opts...)
}

func mustTick(t *testing.T, e *Engine, now time.Time) Report {
	t.Helper()
	rep, err := e.Tick(context.Background(), now)
	if err != nil {
		t.Fatalf("Tick(%s): %v", now, err)
	}
	return rep
}

func TestTickCooldownScenarios(t *testing.T) {
	t.Parallel()

	cooldown := 20 * time.Minute
	store := newFakeStore(dueTask(1, 100, t0.Add(-time.Minute)))
	n := &fakeNotifier{}
	e := newTestEngine(store, n, cooldown)

	// Due in the past, never notified: one send, stamped at T.
	rep := mustTick(t, e, t0)
	if n.count() != 1 || rep.Delivered != 1 {
		t.Fatalf("T: sends=%d delivered=%d want 1/1", n.count(), rep.Delivered)
	}
	if got := store.lastNotified(1); got == nil || !got.Equal(t0) {
		t.Fatalf("T: lastNotifiedAt=%v want %v", got, t0)
	}

	// Inside the cooldown: nothing.
	mustTick(t, e, t0.Add(10*time.Minute))
	if n.count() != 1 {
		t.Fatalf("T+10: sends=%d want 1", n.count())
	}

	// Past the cooldown: one more, stamp moves to T+25.
	mustTick(t, e, t0.Add(25*time.Minute))
	if n.count() != 2 {
		t.Fatalf("T+25: sends=%d want 2", n.count())
	}
	if got := store.lastNotified(1); got == nil || !got.Equal(t0.Add(25*time.Minute)) {
		t.Fatalf("T+25: lastNotifiedAt=%v", got)
	}
}

func TestTickIsIdempotentAtSameInstant(t *testing.T) {
	t.Parallel()

	store := newFakeStore(
		dueTask(1, 100, t0.Add(-time.Hour)),
		dueTask(2, 100, t0.Add(-time.Minute)),
		dueTask(3, 200, t0),
	)
	n := &fakeNotifier{}
	e := newTestEngine(store, n, time.Hour)

	first := mustTick(t, e, t0)
	second := mustTick(t, e, t0)
	if n.count() != 3 {
		t.Fatalf("sends=%d want 3", n.count())
	}
	if first.Delivered != 3 || second.Eligible != 0 {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
}

func TestTickSkipsTasksNotYetDue(t *testing.T) {
	t.Parallel()

	store := newFakeStore(dueTask(1, 100, t0.Add(time.Minute)))
	n := &fakeNotifier{}
	rep := mustTick(t, newTestEngine(store, n, time.Hour), t0)
	if n.count() != 0 || rep.Candidates != 1 || rep.Eligible != 0 {
		t.Fatalf("sends=%d report=%+v", n.count(), rep)
	}
}

func TestTickTransientFailureLeavesTaskEligible(t *testing.T) {
	t.Parallel()

	store := newFakeStore(dueTask(1, 100, t0.Add(-time.Minute)))
	var fail atomic.Bool
	fail.Store(true)
	n := &fakeNotifier{outcome: func(int64, string) Result {
		if fail.Load() {
			return Result{Outcome: TransientFailure, Attempts: 3, Err: errors.New("timeout")}
		}
		return Result{Outcome: Delivered, Attempts: 1}
	}}
	e := newTestEngine(store, n, 20*time.Minute)

	rep := mustTick(t, e, t0)
	if rep.Transient != 1 || store.lastNotified(1) != nil {
		t.Fatalf("report=%+v last=%v", rep, store.lastNotified(1))
	}

	fail.Store(false)
	rep = mustTick(t, e, t0)
	if rep.Delivered != 1 {
		t.Fatalf("retry report=%+v", rep)
	}
	if got := store.lastNotified(1); got == nil || !got.Equal(t0) {
		t.Fatalf("lastNotifiedAt=%v want %v", got, t0)
	}
}

func TestTickTaskCompletedBeforeSendIsNotNotified(t *testing.T) {
	t.Parallel()

	store := newFakeStore(dueTask(1, 100, t0.Add(-time.Minute)), dueTask(2, 200, t0.Add(-time.Minute)))
	store.afterQuery = func() {
		store.complete(1)
		store.afterQuery = nil
	}
	n := &fakeNotifier{}
	e := newTestEngine(store, n, 20*time.Minute)

	rep := mustTick(t, e, t0)
	if n.countFor(100) != 0 || n.countFor(200) != 1 {
		t.Fatalf("sends: r100=%d r200=%d", n.countFor(100), n.countFor(200))
	}
	if rep.Stale != 1 || rep.Delivered != 1 {
		t.Fatalf("report=%+v", rep)
	}

	mustTick(t, e, t0.Add(time.Hour))
	if n.countFor(100) != 0 {
		t.Fatalf("completed task notified on a later pass")
	}
}

func TestTickTaskCompletedDuringSendIsNotStamped(t *testing.T) {
	t.Parallel()

	store := newFakeStore(dueTask(1, 100, t0.Add(-time.Minute)))
	n := &fakeNotifier{outcome: func(int64, string) Result {
		store.complete(1)
		return Result{Outcome: Delivered, Attempts: 1}
	}}
	e := newTestEngine(plainStore{store}, n, 20*time.Minute)

	rep := mustTick(t, e, t0)
	if rep.Delivered != 1 || rep.Stale != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if store.lastNotified(1) != nil {
		t.Fatalf("completed task was stamped")
	}

	mustTick(t, e, t0.Add(time.Hour))
	if n.count() != 1 {
		t.Fatalf("sends=%d want 1", n.count())
	}
}

func TestTickSkipsUnreachableRecipientForRestOfPass(t *testing.T) {
	t.Parallel()

	store := newFakeStore(
		dueTask(1, 100, t0.Add(-time.Hour)),
		dueTask(2, 100, t0.Add(-time.Hour)),
		dueTask(3, 100, t0.Add(-time.Hour)),
		dueTask(4, 200, t0.Add(-time.Hour)),
	)
	n := &fakeNotifier{outcome: func(r int64, _ string) Result {
		if r == 100 {
			return Result{Outcome: RecipientUnreachable, Attempts: 1, Err: errors.New("blocked")}
		}
		return Result{Outcome: Delivered, Attempts: 1}
	}}
	e := newTestEngine(store, n, 20*time.Minute)

	rep := mustTick(t, e, t0)
	if n.countFor(100) != 1 {
		t.Fatalf("unreachable recipient got %d attempts, want 1", n.countFor(100))
	}
	if rep.Unreachable != 1 || rep.Skipped != 2 || rep.Delivered != 1 {
		t.Fatalf("report=%+v", rep)
	}
	for _, id := range []int64{1, 2, 3} {
		if store.lastNotified(id) != nil {
			t.Fatalf("task %d stamped for unreachable recipient", id)
		}
	}

	// Unreachability is not remembered across passes.
	mustTick(t, e, t0.Add(time.Minute))
	if n.countFor(100) != 2 {
		t.Fatalf("recipient should be retried next pass, attempts=%d", n.countFor(100))
	}
}

func TestTickSkipsMalformedCandidates(t *testing.T) {
	t.Parallel()

	store := newFakeStore(dueTask(1, 100, t0.Add(-time.Minute)))
	store.malformed = []Candidate{{
		Task: Task{ID: 9, AssigneeID: 100},
		Err:  &MalformedTaskError{TaskID: 9, Field: "due_date", Value: "someday", Err: errors.New("parse")},
	}}
	n := &fakeNotifier{}
	rep := mustTick(t, newTestEngine(store, n, time.Hour), t0)
	if rep.Malformed != 1 || rep.Delivered != 1 || n.count() != 1 {
		t.Fatalf("report=%+v sends=%d", rep, n.count())
	}
}

func TestTickStoreUnavailableAbortsPass(t *testing.T) {
	t.Parallel()

	store := newFakeStore(dueTask(1, 100, t0.Add(-time.Minute)))
	store.queryErr = errors.New("database is locked")
	n := &fakeNotifier{}
	_, err := newTestEngine(store, n, time.Hour).Tick(context.Background(), t0)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err=%v want ErrStoreUnavailable", err)
	}
	if n.count() != 0 {
		t.Fatalf("sends=%d want 0", n.count())
	}
}

func TestTickIsolatesPanics(t *testing.T) {
	t.Parallel()

	store := newFakeStore(dueTask(1, 100, t0.Add(-time.Minute)), dueTask(2, 200, t0.Add(-time.Minute)))
	n := &fakeNotifier{outcome: func(r int64, _ string) Result {
		if r == 100 {
			panic("adapter exploded")
		}
		return Result{Outcome: Delivered, Attempts: 1}
	}}
	rep := mustTick(t, newTestEngine(store, n, time.Hour), t0)
	if rep.Panicked != 1 || rep.Delivered != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if store.lastNotified(1) != nil || store.lastNotified(2) == nil {
		t.Fatalf("stamps: 1=%v 2=%v", store.lastNotified(1), store.lastNotified(2))
	}
}

func TestTickCommitErrorIsReported(t *testing.T) {
	t.Parallel()

	store := newFakeStore(dueTask(1, 100, t0.Add(-time.Minute)))
	store.markErr = errors.New("disk I/O error")
	n := &fakeNotifier{}
	rep := mustTick(t, newTestEngine(store, n, time.Hour), t0)
	if rep.Delivered != 1 || rep.CommitErrors != 1 {
		t.Fatalf("report=%+v", rep)
	}
}

func TestTickBoundsParallelismAcrossRecipients(t *testing.T) {
	t.Parallel()

	var tasks []Task
	for i := int64(1); i <= 8; i++ {
		tasks = append(tasks, dueTask(i, 100+i, t0.Add(-time.Minute)))
	}
	store := newFakeStore(tasks...)
	n := &fakeNotifier{delay: 20 * time.Millisecond}
	e := New(Config{Loop: "test", Cooldown: time.Hour, Workers: 2}, store, n)

	rep := mustTick(t, e, t0)
	if rep.Delivered != 8 {
		t.Fatalf("report=%+v", rep)
	}
	if peak := atomic.LoadInt32(&n.maxInflight); peak > 2 {
		t.Fatalf("max in-flight sends=%d want <= 2", peak)
	}
}

func TestTickPublishesEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe("reminder.", 8)
	defer unsub()

	store := newFakeStore(dueTask(1, 100, t0.Add(-time.Minute)))
	rep := mustTick(t, newTestEngine(store, &fakeNotifier{}, time.Hour, WithBus(bus)), t0)

	select {
	case ev := <-ch:
		if ev.Type != EventDelivered {
			t.Fatalf("event type=%q", ev.Type)
		}
		re, ok := ev.Data.(ReminderEvent)
		if !ok || re.TaskID != 1 || re.PassID != rep.PassID || re.Loop != "test" {
			t.Fatalf("event data=%#v", ev.Data)
		}
	default:
		t.Fatalf("no event published")
	}
}

func TestSetCooldownAppliesToNextPass(t *testing.T) {
	t.Parallel()

	store := newFakeStore(dueTask(1, 100, t0.Add(-time.Minute)))
	n := &fakeNotifier{}
	e := newTestEngine(store, n, time.Hour)

	mustTick(t, e, t0)
	mustTick(t, e, t0.Add(10*time.Minute))
	if n.count() != 1 {
		t.Fatalf("sends=%d want 1", n.count())
	}
	e.SetCooldown(5 * time.Minute)
	mustTick(t, e, t0.Add(10*time.Minute))
	if n.count() != 2 {
		t.Fatalf("sends=%d want 2 after shorter cooldown", n.count())
	}
}
