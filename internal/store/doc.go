// Package store keeps the gateway's ledger in SQLite.
//
// # Tables
//
//   - provider_events: every provider state transition, including fatal stops
//   - tool_calls: every finished tool call with its outcome and duration
//
// SQLiteStore implements Store on modernc.org/sqlite, a pure Go driver, so the
// gateway builds without cgo.
//
// # Writes
//
// The supervisor and router report from hot paths, so they write through a
// Recorder: a bounded queue drained by one goroutine. When the queue is full
// the record is dropped and a warning is logged. Run flushes the queue when
// its context ends.
package store
