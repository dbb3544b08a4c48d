// Package reminder implements the overdue-task notification engine.
//
// The engine is deliberately small:
//   - IsEligible decides whether a task needs a reminder right now
//   - Engine.Tick runs one scan-and-notify pass over the store's candidates
//   - stamps are committed only after the notifier confirms delivery
//
// Periodic execution lives in the scheduler subpackage; persistence and the
// chat transport are injected through the TaskStore and Notifier interfaces.
package reminder
