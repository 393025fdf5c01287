// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Model
//
// The store keeps an append-only history of agent events:
//
//   - connected: a session identified an agent
//   - status: the agent reported a new remote config status
//   - config_sent: the server attached the remote config to a response
//   - disconnected: a session ended while it still owned the registry entry
//
// The history is observational. The live agent registry is in memory and is
// never rebuilt from these rows.
//
// # Recording
//
// Sessions never write to the database directly. They hand events to a
// Recorder, which queues them in a bounded channel and writes them from a
// single goroutine. When the queue is full, events are dropped and counted.
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite (pure Go) with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Use NewSQLiteStore(":memory:") for tests with real SQLite, or
// NewMockStore() for an in-memory implementation with hooks for failures
// and waiting on writes.
package store
