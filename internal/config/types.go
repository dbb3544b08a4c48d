package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "20s", "1h").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Reminders RemindersConfig `json:"reminders"`
	Notifier  NotifierConfig  `json:"notifier"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	APIURL      string `json:"api_url,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig points at the shared SQLite task database.
//
// Example:
//
//	"storage": { "path": "./tasks.db", "location": "Europe/Berlin" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// DueLayout is the Go time layout of stored due dates (default "2006-01-02 15:04").
	DueLayout string `json:"due_layout,omitempty"`
	// Location is an IANA zone name used for due dates without an offset
	// (default: process local time).
	Location string `json:"location,omitempty"`
}

// RemindersConfig declares the scheduler loops. Omitting loops gives the two
// defaults: "reminder" (1h cadence, 1h cooldown) and "overdue" (20s cadence,
// 20m cooldown).
type RemindersConfig struct {
	Workers int          `json:"workers,omitempty"`
	Loops   []LoopConfig `json:"loops,omitempty"`
}

// LoopConfig is one scheduler loop.
//
// Enabled is a pointer so an omitted value defaults to true.
type LoopConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Cooldown string `json:"cooldown"`
	Message  string `json:"message,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// RetryMax is the number of in-call retries after the first attempt.
	// Omitted means 3; 0 disables retries.
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// MetricsConfig controls the optional /metrics HTTP server.
//
// Prefer a loopback addr; a non-loopback addr requires a token.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Pprof   bool   `json:"pprof,omitempty"`
	Token   string `json:"token,omitempty"` // do not log
}
