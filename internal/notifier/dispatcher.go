package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"duebot/internal/reminder"
	kit "duebot/internal/transport"
	logx "duebot/pkg/logx"
)

// Dispatcher implements reminder.Notifier over a transport.Sender.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  kit.Sender
	log     logx.Logger

	hmu     sync.Mutex
	history []HistoryItem
}

var _ reminder.Notifier = (*Dispatcher)(nil)

func New(cfg Config, sender kit.Sender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sender: sender, log: log}
	d.Apply(cfg)
	return d
}

// Apply swaps limits at runtime. Sends already waiting keep the old limiter.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	// Burst equals the per-second rate so short spikes don't block too hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

// Send delivers message to the recipient's private chat.
func (d *Dispatcher) Send(ctx context.Context, recipientID int64, message string) reminder.Result {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	res := d.send(ctx, cfg, lim, recipientID, message)
	item := HistoryItem{At: time.Now(), ChatID: recipientID, Text: message, Outcome: res.Outcome.String(), Attempts: res.Attempts}
	if res.Err != nil {
		item.Error = res.Err.Error()
	}
	d.appendHistory(item, cfg.HistorySize)
	return res
}

func (d *Dispatcher) send(ctx context.Context, cfg Config, lim *rate.Limiter, recipientID int64, message string) reminder.Result {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return transient(attempt-1, lastErrOr(lastErr, err))
		}

		err := d.sendOnce(ctx, cfg.SendTimeout, recipientID, message)
		if err == nil {
			return reminder.Result{Outcome: reminder.Delivered, Attempts: attempt}
		}
		lastErr = err

		var pe *panicError
		switch {
		case errors.Is(err, kit.ErrRecipientUnreachable):
			return reminder.Result{Outcome: reminder.RecipientUnreachable, Attempts: attempt, Err: err}
		case errors.As(err, &pe):
			d.log.Error("sender panicked", logx.Int64("chat_id", recipientID), logx.Any("panic", pe.value))
			return transient(attempt, err)
		}
		d.log.Debug("reminder send failed", logx.Int64("chat_id", recipientID), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if ra, ok := kit.RetryAfter(err); ok {
			if ra > cfg.RetryMaxDelay {
				// Hints longer than the retry budget are left to the next pass.
				return transient(attempt, err)
			}
			delay = ra
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return transient(attempt, err)
		}
	}
	return transient(maxAttempts, lastErr)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("sender panic: %v", e.value) }

func (d *Dispatcher) sendOnce(ctx context.Context, timeout time.Duration, recipientID int64, message string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err = d.sender.SendText(callCtx, kit.ChatTarget{ChatID: recipientID}, message, nil)
	return err
}

func transient(attempts int, err error) reminder.Result {
	return reminder.Result{Outcome: reminder.TransientFailure, Attempts: attempts, Err: err}
}

func lastErrOr(last, err error) error {
	if last != nil {
		return last
	}
	return err
}

// History returns recent sends, oldest first.
func (d *Dispatcher) History() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}

func (d *Dispatcher) appendHistory(item HistoryItem, limit int) {
	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > limit {
		d.history = d.history[len(d.history)-limit:]
	}
	d.hmu.Unlock()
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), jittered
// 0.7..1.3 and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	return min(d, cfg.RetryMaxDelay)
}
