package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"duebot/internal/config"
	"duebot/internal/eventbus"
	"duebot/internal/notifier"
	"duebot/internal/observability/metrics"
	"duebot/internal/reminder"
	"duebot/internal/reminder/scheduler"
	rtsup "duebot/internal/runtime/supervisor"
	"duebot/internal/storage"
	kit "duebot/internal/transport"
	"duebot/internal/transport/telegram"
	logx "duebot/pkg/logx"
)

type loopUnit struct {
	spec   loopSpec
	engine *reminder.Engine
	loop   *scheduler.Loop
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	notif   *notifier.Dispatcher
	reg     *prometheus.Registry
	metrics *metrics.Server
	loops   []*loopUnit
}

type Option func(*options)

type options struct {
	sender kit.Sender
}

// WithSender replaces the Telegram sender. Used by tests and alternative transports.
func WithSender(s kit.Sender) Option { return func(o *options) { o.sender = s } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logCfg, _ := mapLoggingConfig(cfg)
	logSvc, log := logx.New(logCfg)
	closeOnErr := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	sender := o.sender
	if sender == nil {
		tc, _ := mapTelegramConfig(cfg)
		ts, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return closeOnErr(fmt.Errorf("telegram: %w", err))
		}
		sender = ts
	}

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return closeOnErr(err)
	}

	nc, _ := mapNotifierConfig(cfg)
	notif := notifier.New(nc, sender, log.With(logx.String("comp", "notifier")))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rm := metrics.NewReminders(reg)

	bus := eventbus.New()

	specs, _ := mapLoops(cfg)
	units := make([]*loopUnit, 0, len(specs))
	// All loops read and stamp the same tasks.
	gate := scheduler.NewPassGate()
	for _, ls := range specs {
		eng := reminder.New(reminder.Config{
			Loop:     ls.Name,
			Cooldown: ls.Cooldown,
			Message:  ls.Message,
			Workers:  cfg.Reminders.Workers,
		}, store, notif,
			reminder.WithLogger(log.With(logx.String("comp", "engine"))),
			reminder.WithBus(bus),
			reminder.WithMetrics(rm),
		)
		lp, err := scheduler.New(scheduler.Config{
			Name:        ls.Name,
			Schedule:    ls.Schedule,
			PassTimeout: ls.Timeout,
			Location:    sc.Location,
			Gate:        gate,
		}, eng, log)
		if err != nil {
			_ = store.Close()
			return closeOnErr(err)
		}
		units = append(units, &loopUnit{spec: ls, engine: eng, loop: lp})
	}

	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		notif:   notif,
		reg:     reg,
		metrics: metrics.NewServer(mapMetricsConfig(cfg), reg, log.With(logx.String("comp", "metrics"))),
		loops:   units,
	}, nil
}

// Store exposes the task store to collaborators sharing the process.
func (a *App) Store() *storage.Store { return a.store }

// Loops returns a snapshot of every running loop.
func (a *App) Loops() []scheduler.Snapshot {
	out := make([]scheduler.Snapshot, 0, len(a.loops))
	for _, u := range a.loops {
		out = append(out, u.loop.Snapshot())
	}
	return out
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.metrics.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe("reminder.", 256)
	a.sup.Go0("reminder.log", func(c context.Context) {
		defer unsub()
		a.consumeEvents(c, events)
	})

	for _, u := range a.loops {
		if err := u.loop.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	// First pass right away instead of waiting a full cadence.
	for _, u := range a.loops {
		lp := u.loop
		a.sup.Go0("loop.initial."+lp.Name(), func(c context.Context) {
			if _, err := lp.RunNow(c); err != nil && !errors.Is(err, scheduler.ErrLoopStopped) {
				a.log.Warn("initial reminder pass failed", logx.String("loop", lp.Name()), logx.Err(err))
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(applied, newCfg)
				applied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("loops", len(a.loops)))
	return nil
}

// consumeEvents writes reminder events to the durable log until ctx is done,
// then flushes whatever is already buffered.
func (a *App) consumeEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			a.recordEvent(e)
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					a.recordEvent(e)
				default:
					return
				}
			}
		}
	}
}

func (a *App) recordEvent(e eventbus.Event) {
	ev, ok := e.Data.(reminder.ReminderEvent)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.store.AppendReminderLog(ctx, storage.ReminderLogEntry{
		PassID:     ev.PassID,
		Loop:       ev.Loop,
		TaskID:     ev.TaskID,
		AssigneeID: ev.AssigneeID,
		Outcome:    ev.Outcome,
		Attempts:   ev.Attempts,
		Error:      ev.Error,
		At:         ev.At,
	})
	if err != nil {
		a.log.Warn("reminder log append failed", logx.Int64("task_id", ev.TaskID), logx.Err(err))
	}
}

// applyConfig applies the live-reloadable parts of a validated config.
// Storage, transport, metrics and loop topology need a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	if lc, err := mapLoggingConfig(next); err == nil {
		a.logs.Apply(lc)
	}
	if nc, err := mapNotifierConfig(next); err == nil {
		a.notif.Apply(nc)
	}

	specs, err := mapLoops(next)
	if err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
		return
	}
	byName := make(map[string]loopSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	restart := false
	for _, u := range a.loops {
		s, ok := byName[u.spec.Name]
		if !ok {
			restart = true
			continue
		}
		delete(byName, s.Name)
		if s.Schedule != u.spec.Schedule || s.Timeout != u.spec.Timeout {
			restart = true
		}
		if s.Cooldown != u.spec.Cooldown {
			u.loop.SetCooldown(s.Cooldown)
		}
		if s.Message != u.spec.Message {
			u.engine.SetMessage(s.Message)
		}
		u.spec.Cooldown, u.spec.Message = s.Cooldown, s.Message
	}
	if len(byName) > 0 || (prev != nil && next.Reminders.Workers != prev.Reminders.Workers) {
		restart = true
	}
	if prev != nil && (prev.Storage != next.Storage || prev.Telegram != next.Telegram || prev.Metrics != next.Metrics) {
		restart = true
	}
	if restart {
		a.log.Warn("config changes need a restart to take full effect")
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sdNotify(a.log, daemon.SdNotifyStopping)

	// step runs one shutdown step bounded by max and by ctx's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Loops first: in-flight passes finish before their dependencies go away.
	step("loops", 10*time.Second, func(c context.Context) error {
		var errs []error
		for _, u := range a.loops {
			if err := u.loop.Stop(c); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", u.loop.Name(), err))
			}
		}
		return errors.Join(errs...)
	})

	a.sup.Cancel()

	step("metrics", 1*time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
