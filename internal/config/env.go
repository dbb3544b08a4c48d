package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "DUEBOT"

// Env holds secrets and deploy-specific overrides read from DUEBOT_* variables.
// Non-empty values win over the file.
type Env struct {
	TelegramToken  string `envconfig:"TELEGRAM_TOKEN"`
	TelegramAPIURL string `envconfig:"TELEGRAM_API_URL"`
	StoragePath    string `envconfig:"STORAGE_PATH"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	MetricsAddr    string `envconfig:"METRICS_ADDR"`
	MetricsToken   string `envconfig:"METRICS_TOKEN"`
}

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *Env) apply(cfg *Config) {
	if e == nil || cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, e.TelegramToken)
	set(&cfg.Telegram.APIURL, e.TelegramAPIURL)
	set(&cfg.Storage.Path, e.StoragePath)
	set(&cfg.Logging.Level, e.LogLevel)
	set(&cfg.Metrics.Addr, e.MetricsAddr)
	set(&cfg.Metrics.Token, e.MetricsToken)
}
