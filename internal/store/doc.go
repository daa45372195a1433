// Package store provides the shared coordination store the control plane
// runs on.
//
// # Architecture
//
// Every replica of the control plane coordinates exclusively through this
// package; there is no replica-to-replica channel. The Store interface is
// deliberately small: plain key/value reads and writes, conditional writes
// (Acquire, CompareAndSwap, CompareAndDelete, Touch) whose boolean result is
// how races are decided, per-key expiry, and one scored collection that backs
// task ordering.
//
// Two implementations ship:
//
//   - SQLiteStore: durable, shared between replica processes through a single
//     database file. Conditional writes are single SQL statements guarded by
//     WHERE clauses; the affected-row count is the outcome.
//   - MemoryStore: process-local maps with identical semantics, for tests and
//     the simulate harness.
//
// # Conditional writes
//
// Callers never issue unguarded read-modify-write cycles. The pattern is
// always: read the raw bytes, decide, then CompareAndSwap or CompareAndDelete
// against those exact bytes. A false return means another replica got there
// first, which callers treat as "try something else", not as an error.
//
// # Expiry
//
// A ttl of zero or less means no expiry. Expired keys read as absent, lose
// compare operations, and may be overwritten by Acquire. Both implementations
// run a janitor goroutine that purges expired entries in the background;
// correctness never depends on it.
//
// # Errors
//
//   - ErrNotFound: key absent or expired, or scored set empty on pop.
//
// All methods accept context.Context for cancellation support.
package store
