package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"duebot/internal/eventbus"
	logx "duebot/pkg/logx"
)

const (
	defaultWorkers = 4
	stampTimeout   = 5 * time.Second
)

// Config parameterizes one Engine. One engine backs one scheduler loop.
type Config struct {
	Loop     string
	Cooldown time.Duration
	Message  string
	Workers  int
}

// Metrics receives per-pass and per-dispatch observations.
type Metrics interface {
	Pass(loop, result string, candidates int, took time.Duration)
	Dispatch(loop, outcome string)
	Malformed(loop string)
	Stale(loop string)
}

// Report summarizes one pass.
type Report struct {
	PassID       string
	Loop         string
	Now          time.Time
	Candidates   int
	Eligible     int
	Delivered    int
	Unreachable  int
	Transient    int
	Malformed    int
	Skipped      int
	Stale        int
	CommitErrors int
	Panicked     int
	Took         time.Duration
}

func (r *Report) add(o Report) {
	r.Delivered += o.Delivered
	r.Unreachable += o.Unreachable
	r.Transient += o.Transient
	r.Skipped += o.Skipped
	r.Stale += o.Stale
	r.CommitErrors += o.CommitErrors
	r.Panicked += o.Panicked
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

func WithBus(bus eventbus.Publisher) Option { return func(e *Engine) { e.bus = bus } }

func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }

// Engine decides which tasks need a reminder now, sends it, and records the
// delivery. It holds no per-task state between passes; the store is the
// source of truth.
type Engine struct {
	mu  sync.RWMutex
	cfg Config

	store    TaskStore
	notifier Notifier
	log      logx.Logger
	bus      eventbus.Publisher
	metrics  Metrics
}

func New(cfg Config, store TaskStore, notifier Notifier, opts ...Option) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	e := &Engine{cfg: cfg, store: store, notifier: notifier}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("loop", cfg.Loop))
	return e
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetCooldown applies to passes that start after the call.
func (e *Engine) SetCooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.cfg.Cooldown = d
	e.mu.Unlock()
}

// SetMessage replaces the message template for subsequent passes.
func (e *Engine) SetMessage(tmpl string) {
	e.mu.Lock()
	e.cfg.Message = tmpl
	e.mu.Unlock()
}

// Tick runs one scan-and-notify pass at logical time now.
//
// Each eligible task is sent at most once. A task is stamped only after its
// reminder was confirmed delivered. Only a store failure while loading
// candidates aborts the pass; it is returned wrapped in ErrStoreUnavailable.
func (e *Engine) Tick(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	cfg := e.Config()
	rep := Report{PassID: ulid.Make().String(), Loop: cfg.Loop, Now: now}
	log := e.log.With(logx.String("pass", rep.PassID))

	cands, err := e.store.QueryCandidates(ctx, now)
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		rep.Took = time.Since(start)
		e.observePass(cfg.Loop, "store_unavailable", 0, rep.Took)
		return rep, err
	}
	rep.Candidates = len(cands)

	var order []int64
	byRecipient := map[int64][]Task{}
	for _, c := range cands {
		if c.Err != nil {
			rep.Malformed++
			if e.metrics != nil {
				e.metrics.Malformed(cfg.Loop)
			}
			log.Warn("skipping malformed task", logx.Int64("task_id", c.ID), logx.Err(c.Err))
			continue
		}
		if !c.Eligible(now, cfg.Cooldown) {
			continue
		}
		rep.Eligible++
		if _, ok := byRecipient[c.AssigneeID]; !ok {
			order = append(order, c.AssigneeID)
		}
		byRecipient[c.AssigneeID] = append(byRecipient[c.AssigneeID], c.Task)
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(cfg.Workers)
	for _, rid := range order {
		tasks := byRecipient[rid]
		p.Go(func() {
			part := e.notifyRecipient(ctx, log, cfg, rep.PassID, now, tasks)
			mu.Lock()
			rep.add(part)
			mu.Unlock()
		})
	}
	p.Wait()

	rep.Took = time.Since(start)
	e.observePass(cfg.Loop, "ok", rep.Candidates, rep.Took)
	if rep.Eligible > 0 || rep.Malformed > 0 {
		log.Info("reminder pass finished",
			logx.Int("candidates", rep.Candidates),
			logx.Int("eligible", rep.Eligible),
			logx.Int("delivered", rep.Delivered),
			logx.Int("unreachable", rep.Unreachable),
			logx.Int("transient", rep.Transient),
			logx.Int("malformed", rep.Malformed),
			logx.Int("skipped", rep.Skipped),
			logx.Int("stale", rep.Stale),
			logx.Duration("took", rep.Took),
		)
	} else {
		log.Debug("reminder pass finished", logx.Int("candidates", rep.Candidates), logx.Duration("took", rep.Took))
	}
	return rep, nil
}

type taskResult int

const (
	resDelivered taskResult = iota
	resUnreachable
	resTransient
	resStale
	resDeliveredStale
	resSkipped
	resCommitError
	resPanicked
)

// notifyRecipient handles one recipient's tasks in order. Once the recipient
// is unreachable the remaining tasks are skipped until the next pass.
func (e *Engine) notifyRecipient(ctx context.Context, log logx.Logger, cfg Config, passID string, now time.Time, tasks []Task) Report {
	var part Report
	for i, t := range tasks {
		if ctx.Err() != nil {
			part.Skipped += len(tasks) - i
			return part
		}

		var res taskResult
		var catcher panics.Catcher
		catcher.Try(func() { res = e.notifyTask(ctx, log, cfg, passID, now, t) })
		if r := catcher.Recovered(); r != nil {
			log.Error("reminder task panicked", logx.Int64("task_id", t.ID), logx.Any("panic", r.Value), logx.String("stack", string(r.Stack)))
			res = resPanicked
		}

		switch res {
		case resDelivered:
			part.Delivered++
		case resUnreachable:
			part.Unreachable++
			part.Skipped += len(tasks) - i - 1
			return part
		case resTransient:
			part.Transient++
		case resStale:
			part.Stale++
		case resDeliveredStale:
			part.Delivered++
			part.Stale++
		case resSkipped:
			part.Skipped++
		case resCommitError:
			part.Delivered++
			part.CommitErrors++
		case resPanicked:
			part.Panicked++
		}
	}
	return part
}

func (e *Engine) notifyTask(ctx context.Context, log logx.Logger, cfg Config, passID string, now time.Time, t Task) taskResult {
	log = log.With(logx.Int64("task_id", t.ID), logx.Int64("assignee_id", t.AssigneeID))
	ev := ReminderEvent{PassID: passID, Loop: cfg.Loop, TaskID: t.ID, AssigneeID: t.AssigneeID, At: now}

	if oc, ok := e.store.(OpenChecker); ok {
		open, err := oc.IsOpen(ctx, t.ID)
		if err != nil {
			log.Warn("open re-check failed; skipping task this pass", logx.Err(err))
			return resSkipped
		}
		if !open {
			e.stale(cfg.Loop, ev, "closed before send")
			return resStale
		}
	}

	res := e.notifier.Send(ctx, t.AssigneeID, RenderMessage(cfg.Message, t))
	ev.Outcome = res.Outcome.String()
	ev.Attempts = res.Attempts
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	if e.metrics != nil {
		e.metrics.Dispatch(cfg.Loop, ev.Outcome)
	}

	switch res.Outcome {
	case Delivered:
	case RecipientUnreachable:
		log.Info("recipient unreachable; skipping for this pass", logx.Err(res.Err))
		e.publish(EventUnreachable, ev)
		return resUnreachable
	default:
		log.Warn("reminder send failed; will retry next pass", logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		e.publish(EventTransient, ev)
		return resTransient
	}

	// The message is out; record it even if the pass was canceled meanwhile.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stampTimeout)
	applied, err := e.store.MarkNotified(sctx, t.ID, now)
	cancel()
	if err != nil {
		log.Error("reminder delivered but stamp failed", logx.Err(err))
		ev.Error = err.Error()
		e.publish(EventDelivered, ev)
		return resCommitError
	}
	e.publish(EventDelivered, ev)
	if !applied {
		e.stale(cfg.Loop, ev, "stamp rejected")
		return resDeliveredStale
	}
	log.Debug("reminder delivered", logx.Int("attempts", res.Attempts))
	return resDelivered
}

func (e *Engine) stale(loop string, ev ReminderEvent, reason string) {
	ev.Outcome = "stale"
	ev.Error = reason
	if e.metrics != nil {
		e.metrics.Stale(loop)
	}
	e.publish(EventStale, ev)
}

func (e *Engine) publish(typ string, ev ReminderEvent) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (e *Engine) observePass(loop, result string, candidates int, took time.Duration) {
	if e.metrics != nil {
		e.metrics.Pass(loop, result, candidates, took)
	}
}
