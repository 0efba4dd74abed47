// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Session: one row per user identity, holding the conversation state
//     machine position and the pointer to the active trace
//   - Trace: one row per distinct agent interaction, with monotonically
//     growing activity counters
//   - AgentBinding: correlates a trace with the external agent service's
//     session handle; never reused across traces, never deleted
//   - AccessCode: read-only directory entries mapping access codes to
//     agent identities
//
// # Ownership
//
// Components never reach into each other's rows: the session layer owns
// sessions, the trace ledger owns traces, the agent session broker owns
// bindings, the directory reads access codes. SQLiteStore implements the
// whole Store interface in one struct; consumers depend on the narrow
// slice they need.
//
// # SQLite Configuration
//
// WAL mode for concurrent reads, foreign keys on. Use NewSQLiteStore(":memory:")
// for integration tests and NewMockStore() for unit tests with failure injection.
package store
