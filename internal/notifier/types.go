package notifier

import "time"

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout is the per-call context deadline. Senders that cannot
	// cancel a request in flight must enforce the same bound themselves.
	SendTimeout time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

type HistoryItem struct {
	At       time.Time
	ChatID   int64
	Text     string
	Outcome  string
	Attempts int
	Error    string
}
