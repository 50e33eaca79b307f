// Package store is the brokergate event journal.
//
// Every session status transition, gateway lifecycle event and facade
// action (connect, disconnect, token issue) is appended as an Event.
// GET /events reads it back, newest first.
//
// SQLiteStore implements Journal on modernc.org/sqlite (pure Go, no cgo).
// The default path ":memory:" keeps the journal for the life of the
// process only; set journal.path to a file to keep it across restarts, in
// which case WAL mode is enabled.
//
// Timestamps are stored as fixed-width UTC strings so they order lexically.
package store
