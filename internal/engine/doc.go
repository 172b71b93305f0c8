// Package engine implements the sync coordinator.
//
// A Coordinator runs one synchronization cycle at a time against a local
// store and a remote source:
//
//	IDLE -> PULLING -> APPLYING -> COLLECTING -> PUSHING -> ADVANCING -> IDLE
//
// Any failure moves the cycle to FAILED, which returns to IDLE when the cycle
// ends. A failed cycle never advances the cursor or resets the mutation log;
// the next trigger retries from the same persisted position.
//
// CRITICAL PATTERNS:
//
// Single in-flight cycle: RunCycleOnce claims the IDLE state with a
// compare-and-swap. A trigger that arrives while a cycle is running gets
// ErrCycleInFlight immediately. It is dropped, not queued; the connectivity
// monitor re-triggers on the next edge or resync tick.
//
// Deterministic order: tables are applied and collected in lexicographic
// order, so identical inputs produce identical store writes and push bodies.
//
// Ordered commit: after a push is acknowledged the log is reset per table
// (only through the collection marker), then the cursor advances. Both
// writes are idempotent, so a crash between them only causes a redundant
// re-push.
//
// Observability: each cycle gets a UUIDv7 id carried by every log line, the
// trace span and the Report. The last Report is available from Status.
package engine
