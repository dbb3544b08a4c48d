package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 */20 * * * *", "@hourly", "@every 20s"
//   - Interval duration: "20s", "1h", "2h30m"
//   - Interval HH:MM: "00:20" (20 minutes), "01:00" (1 hour)
//
// Optional prefixes: "cron:" forces cron parsing, "interval:" or "every:"
// force interval parsing.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var defaultParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (p ParsedSpec) String() string {
	if p.Kind == SpecCron {
		return p.Cron
	}
	return "@every " + p.Every.String()
}

// Schedule compiles the spec. Intervals shorter than a second run every second.
func (p ParsedSpec) Schedule() (cron.Schedule, error) {
	if p.Kind == SpecInterval {
		return cron.Every(p.Every), nil
	}
	s, err := defaultParser.Parse(p.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", p.Cron, err)
	}
	return s, nil
}

// ParseSchedule parses a schedule string into a cron expression or interval.
// Cron expressions are validated here so bad configs fail at load time.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if ps, err := parseInterval(s); err == nil {
		return ps, nil
	}
	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use a duration like '20s', HH:MM like '01:00', or cron like '*/5 * * * *')",
		raw,
	)
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron expression required")
	}
	ps := ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}
	if _, err := ps.Schedule(); err != nil {
		return ParsedSpec{}, err
	}
	return ps, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if h, m, ok := strings.Cut(v, ":"); ok {
		d, err := parseHHMMDuration(h, m)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '20s')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

func parseHHMMDuration(hs, ms string) (time.Duration, error) {
	if len(hs) == 0 || len(hs) > 3 || len(ms) != 2 {
		return 0, fmt.Errorf("invalid HH:MM %q", hs+":"+ms)
	}
	hh, err := strconv.Atoi(hs)
	if err != nil || hh < 0 {
		return 0, fmt.Errorf("invalid hours in %q", hs+":"+ms)
	}
	mm, err := strconv.Atoi(ms)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", hs+":"+ms)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
