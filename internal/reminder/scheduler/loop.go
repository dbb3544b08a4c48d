package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"duebot/internal/reminder"
	logx "duebot/pkg/logx"
)

// ErrLoopStopped is returned by RunNow after Stop.
var ErrLoopStopped = errors.New("loop stopped")

// Engine is the pass implementation driven by a Loop.
type Engine interface {
	Tick(ctx context.Context, now time.Time) (reminder.Report, error)
	Config() reminder.Config
	SetCooldown(d time.Duration)
}

type Config struct {
	Name     string
	Schedule string
	// PassTimeout bounds a single pass; zero means no bound.
	PassTimeout time.Duration
	Location    *time.Location
	Clock       reminder.Clock
	// Gate is shared by every loop over the same store; nil runs passes
	// independently of other loops.
	Gate *PassGate
}

// Snapshot is a point-in-time view of a loop, for logs and diagnostics.
type Snapshot struct {
	Name      string
	Schedule  string
	Cooldown  time.Duration
	Running   bool
	Passes    uint64
	Failures  uint64
	Next      time.Time
	Prev      time.Time
	LastRunAt time.Time
	LastErr   string
	Last      reminder.Report
}

type Loop struct {
	name   string
	spec   ParsedSpec
	sched  cron.Schedule
	cfg    Config
	clock  reminder.Clock
	engine Engine
	log    logx.Logger

	// passMu serializes passes from cron and RunNow.
	passMu  sync.Mutex
	running atomic.Bool

	mu         sync.Mutex
	c          *cron.Cron
	entry      cron.EntryID
	passCtx    context.Context
	cancelPass context.CancelFunc
	stopped    bool
	passes     uint64
	failures   uint64
	lastRunAt  time.Time
	lastErr    error
	last       reminder.Report
}

func New(cfg Config, engine Engine, log logx.Logger) (*Loop, error) {
	if cfg.Name == "" {
		return nil, errors.New("loop name required")
	}
	if engine == nil {
		return nil, errors.New("engine required")
	}
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("loop %s: %w", cfg.Name, err)
	}
	sched, err := spec.Schedule()
	if err != nil {
		return nil, fmt.Errorf("loop %s: %w", cfg.Name, err)
	}
	if cfg.Clock == nil {
		cfg.Clock = reminder.SystemClock{}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		name:   cfg.Name,
		spec:   spec,
		sched:  sched,
		cfg:    cfg,
		clock:  cfg.Clock,
		engine: engine,
		log:    log.With(logx.String("comp", "loop"), logx.String("loop", cfg.Name)),
	}, nil
}

func (l *Loop) Name() string { return l.name }

// Start arms the cadence. It is idempotent; a stopped loop cannot be restarted.
//
// Passes run on a context detached from ctx's cancellation so that shutdown
// lets an in-flight pass finish; Stop bounds how long that may take.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrLoopStopped
	}
	if l.c != nil {
		return nil
	}

	l.passCtx, l.cancelPass = context.WithCancel(context.WithoutCancel(ctx))
	clog := cronLogger{log: l.log}
	l.c = cron.New(
		cron.WithLocation(l.cfg.Location),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.DelayIfStillRunning(clog)),
	)
	passCtx := l.passCtx
	l.entry = l.c.Schedule(l.sched, cron.FuncJob(func() { _, _ = l.runPass(passCtx) }))
	l.c.Start()

	l.log.Info("reminder loop started",
		logx.String("schedule", l.spec.String()),
		logx.Duration("cooldown", l.engine.Config().Cooldown),
		logx.Time("next", l.c.Entry(l.entry).Next),
	)
	return nil
}

// RunNow runs one pass immediately, waiting for any in-flight pass first.
func (l *Loop) RunNow(ctx context.Context) (reminder.Report, error) {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return reminder.Report{}, ErrLoopStopped
	}
	return l.runPass(ctx)
}

// Stop disarms the cadence and waits for the in-flight pass, if any, to
// finish. When ctx expires first the pass context is canceled and ctx's
// error is returned.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	c := l.c
	cancel := l.cancelPass
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		l.passMu.Lock()
		l.passMu.Unlock()
		close(done)
	}()

	defer func() {
		if cancel != nil {
			cancel()
		}
	}()
	select {
	case <-done:
		l.log.Info("reminder loop stopped")
		return nil
	case <-ctx.Done():
		l.log.Warn("reminder loop stop timed out; canceling in-flight pass")
		return ctx.Err()
	}
}

// SetCooldown applies to passes that start after the call.
func (l *Loop) SetCooldown(d time.Duration) {
	l.engine.SetCooldown(d)
	l.log.Info("reminder loop cooldown updated", logx.Duration("cooldown", d))
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		Name:      l.name,
		Schedule:  l.spec.String(),
		Cooldown:  l.engine.Config().Cooldown,
		Running:   l.running.Load(),
		Passes:    l.passes,
		Failures:  l.failures,
		LastRunAt: l.lastRunAt,
		Last:      l.last,
	}
	if l.lastErr != nil {
		s.LastErr = l.lastErr.Error()
	}
	if l.c != nil && !l.stopped {
		e := l.c.Entry(l.entry)
		s.Next, s.Prev = e.Next, e.Prev
	}
	return s
}

func (l *Loop) runPass(ctx context.Context) (rep reminder.Report, err error) {
	l.passMu.Lock()
	defer l.passMu.Unlock()
	l.running.Store(true)
	defer l.running.Store(false)

	if l.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.PassTimeout)
		defer cancel()
	}

	if err := l.cfg.Gate.acquire(ctx); err != nil {
		err = fmt.Errorf("waiting for another loop's pass: %w", err)
		l.log.Warn("reminder pass skipped", logx.Err(err))
		l.record(l.clock.Now(), reminder.Report{}, err)
		return reminder.Report{}, err
	}
	defer l.cfg.Gate.release()

	// Read after the gate so a later loop never evaluates at an earlier
	// instant than the stamps it waited for.
	now := l.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("reminder pass panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("pass panicked: %v", r)
		}
		l.record(now, rep, err)
	}()

	rep, err = l.engine.Tick(ctx, now)
	if err != nil {
		l.log.Error("reminder pass failed; will retry on next cadence", logx.Err(err))
	}
	return rep, err
}

func (l *Loop) record(at time.Time, rep reminder.Report, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.passes++
	if err != nil {
		l.failures++
	}
	l.lastRunAt = at
	l.lastErr = err
	l.last = rep
}
