// Package store provides the SQLite-backed local store for offline-first sync.
//
// The store holds three kinds of state, all inside one SQLite database:
//   - Records: domain rows per table, soft-deleted via deleted_at
//   - Mutation log: one entry per local write, the source of push payloads
//   - Sync state: the persisted sync cursor (key "sync_cursor")
//
// # Critical Patterns
//
// Atomic local writes: Create, Update and Delete write the domain row and the
// mutation log entry in one transaction. If either fails, both fail, so the
// log never drifts from the rows it describes.
//
// Atomic remote apply: ApplyChanges applies every table of a pull response in
// one transaction, in lexicographic table order. A failure on any table rolls
// back all of them. Remote applies never write the mutation log.
//
// Remote wins: a remote create for an existing id overwrites the local row, a
// remote update merges fields over the local row. Pending local mutations for
// that id stay in the log and are re-derived from current state on the next
// collection.
//
// Deterministic reads: every query orders by id COLLATE BINARY (records) or
// seq (mutation log).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
//   - One open connection: SQLite allows a single writer
package store
