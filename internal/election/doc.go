// Package election provides lease-based leader election for control
// plane replicas sharing a coordination store.
//
// # The lease
//
// Leadership is a single store record holding the leader's replica ID, a
// term number, and an expiry time. The record carries no store-level TTL:
// expiry is judged from the embedded timestamp so that a lapsed lease
// still exists and still carries its term. A takeover swaps the exact
// observed bytes for a new lease at term+1, which makes terms
// monotonically non-decreasing for the life of the record and resolves
// concurrent takeover attempts to a single winner.
//
// # Renewal and demotion
//
// The leader extends its lease with a compare-and-swap against the bytes
// it last wrote. Any renewal failure, whether a lost swap or a store
// error, demotes the replica immediately. A demoted replica never
// re-asserts the term it lost; it campaigns fresh on the follower
// cadence, with jitter so candidates do not stampede.
//
// # Fatal states
//
// Losing leadership, losing a takeover race, and store unavailability are
// all expected and survivable. The one fatal condition is the store
// naming this replica as holder at a term it never held: local state has
// diverged from the store and continuing could produce two leaders, so
// the elector panics.
//
// # Operator notes
//
// Deleting the lease record by hand restarts the term sequence at 1.
// Nothing in the control plane compares terms across a deletion, but
// external observers of the lease should not assume terms survive one.
package election
