// Package scheduler drives reminder passes on a fixed cadence.
//
// Each Loop owns one robfig/cron instance with a single entry. Passes of the
// same loop never overlap: cron-triggered runs are delayed while a pass is in
// flight and RunNow shares the same guard.
package scheduler
