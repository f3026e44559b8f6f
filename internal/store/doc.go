// Package store persists the invocation ledger using SQLite.
//
// # Architecture
//
// Store is the interface the gateway depends on. SQLiteStore implements it
// on top of modernc.org/sqlite (pure Go, no cgo); MockStore is an in-memory
// implementation for tests.
//
// # Data Model
//
// Invocation records one call of the bridge: the thread and run it touched,
// the final run status, whether it succeeded, the error text on failure and
// how long it took. Records are append-only.
//
// # Schema
//
// The schema is created on open. The database runs in WAL mode so ledger
// reads from the HTTP API do not block concurrent inserts.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/copilot-bridge/ledger.db")
//	if err != nil { ... }
//	defer s.Close()
//
//	err = s.RecordInvocation(ctx, &store.Invocation{ThreadID: "thread_1", Outcome: store.OutcomeCompleted})
//	history, err := s.ListInvocations(ctx, "thread_1", 50)
package store
