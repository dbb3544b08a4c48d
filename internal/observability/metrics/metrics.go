// Package metrics exposes reminder engine counters for Prometheus and serves
// them (plus optional pprof handlers) over HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reminders holds the engine's collectors. A nil *Reminders is a valid no-op.
type Reminders struct {
	passes       *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	malformed    *prometheus.CounterVec
	stale        *prometheus.CounterVec
	candidates   *prometheus.GaugeVec
	passDuration *prometheus.HistogramVec
}

// NewReminders registers the collectors on reg.
func NewReminders(reg prometheus.Registerer) *Reminders {
	f := promauto.With(reg)
	return &Reminders{
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duebot",
			Subsystem: "reminder",
			Name:      "passes_total",
			Help:      "Scan-and-notify passes, labelled by loop and result.",
		}, []string{"loop", "result"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duebot",
			Subsystem: "reminder",
			Name:      "dispatches_total",
			Help:      "Reminder send attempts, labelled by loop and delivery outcome.",
		}, []string{"loop", "outcome"}),
		malformed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duebot",
			Subsystem: "reminder",
			Name:      "malformed_tasks_total",
			Help:      "Candidates skipped because they could not be evaluated.",
		}, []string{"loop"}),
		stale: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duebot",
			Subsystem: "reminder",
			Name:      "stale_commits_total",
			Help:      "Deliveries whose stamp was rejected by the store (task completed or already stamped).",
		}, []string{"loop"}),
		candidates: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "duebot",
			Subsystem: "reminder",
			Name:      "candidates",
			Help:      "Candidates seen by the last pass.",
		}, []string{"loop"}),
		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "duebot",
			Subsystem: "reminder",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of one scan-and-notify pass.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"loop"}),
	}
}

func (m *Reminders) Pass(loop, result string, candidates int, took time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(loop, result).Inc()
	m.candidates.WithLabelValues(loop).Set(float64(candidates))
	m.passDuration.WithLabelValues(loop).Observe(took.Seconds())
}

func (m *Reminders) Dispatch(loop, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(loop, outcome).Inc()
}

func (m *Reminders) Malformed(loop string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(loop).Inc()
}

func (m *Reminders) Stale(loop string) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(loop).Inc()
}
