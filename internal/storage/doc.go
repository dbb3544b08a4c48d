// Package storage is the SQLite task store.
//
// The engine reads incomplete tasks and writes only last_notified_at, through
// a single conditional UPDATE. Tasks themselves are written by collaborators
// (CreateTask, Complete) sharing the same database file.
//
// Schema changes are versioned migrations applied once at Open.
package storage
