package app

import (
	"fmt"
	"strings"
	"time"

	"duebot/internal/config"
	"duebot/internal/notifier"
	"duebot/internal/observability/metrics"
	"duebot/internal/reminder"
	"duebot/internal/reminder/scheduler"
	"duebot/internal/storage"
	"duebot/internal/transport/telegram"
	logx "duebot/pkg/logx"
)

// loopSpec is one enabled reminder loop after validation.
type loopSpec struct {
	Name     string
	Schedule string
	Cooldown time.Duration
	Timeout  time.Duration
	Message  string
}

func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	if !logx.ValidLevel(cfg.Logging.Level) {
		return logx.Config{}, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}, nil
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	name := strings.TrimSpace(cfg.Storage.Location)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("storage.location: invalid %q: %w", name, err)
	}
	return loc, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	loc, err := mapLocation(cfg)
	if err != nil {
		return storage.Config{}, err
	}
	layout := strings.TrimSpace(sc.DueLayout)
	if layout == "" {
		layout = reminder.DueLayout
	}
	return storage.Config{Path: path, BusyTimeout: busy, DueLayout: layout, Location: loc}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return telegram.Config{}, fmt.Errorf("telegram.token is required (or set DUEBOT_TELEGRAM_TOKEN)")
	}
	timeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		SendTimeout: timeout,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	retryMax := 3
	if nc.RetryMax != nil {
		retryMax = *nc.RetryMax
	}
	if retryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	if maxDelay < base {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max_delay must be >= notifier.retry_base")
	}
	sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:    nc.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapMetricsConfig(cfg *config.Config) metrics.ServerConfig {
	return metrics.ServerConfig{
		Enabled: cfg.Metrics.Enabled,
		Addr:    strings.TrimSpace(cfg.Metrics.Addr),
		Pprof:   cfg.Metrics.Pprof,
		Token:   cfg.Metrics.Token,
	}
}

// mapLoops validates every configured loop (disabled ones too) and returns
// the enabled ones.
func mapLoops(cfg *config.Config) ([]loopSpec, error) {
	if cfg.Reminders.Workers < 0 {
		return nil, fmt.Errorf("reminders.workers must be >= 0")
	}
	seen := map[string]bool{}
	var out []loopSpec
	for i, lc := range cfg.Reminders.EffectiveLoops() {
		key := fmt.Sprintf("reminders.loops[%d]", i)
		name := strings.TrimSpace(lc.Name)
		if name == "" {
			return nil, fmt.Errorf("%s.name is required", key)
		}
		if seen[name] {
			return nil, fmt.Errorf("%s.name: duplicate loop %q", key, name)
		}
		seen[name] = true
		if _, err := scheduler.ParseSchedule(lc.Schedule); err != nil {
			return nil, fmt.Errorf("%s.schedule: %w", key, err)
		}
		cooldown, err := config.ParsePositiveDuration(key+".cooldown", lc.Cooldown)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseDurationField(key+".timeout", lc.Timeout)
		if err != nil {
			return nil, err
		}
		if !lc.IsEnabled() {
			continue
		}
		out = append(out, loopSpec{
			Name:     name,
			Schedule: strings.TrimSpace(lc.Schedule),
			Cooldown: cooldown,
			Timeout:  timeout,
			Message:  lc.Message,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("reminders: no enabled loops")
	}
	return out, nil
}

// validateConfig checks everything NewApp would reject. It is also the
// hot-reload validator, so a bad edit never replaces the running config.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapLoggingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLoops(cfg); err != nil {
		return err
	}
	return nil
}
