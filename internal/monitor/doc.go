// Package monitor detects agent failure by heartbeat absence and turns
// it into eviction plus claim recovery.
//
// Every replica runs its own monitor; there is no coordination between
// them and none is needed. A sweep lists the registry, skips agents with
// a live heartbeat, and asks the registry for a conditional eviction of
// the rest. The registry's compare-and-delete discipline ensures that
// when several replicas sweep the same stale agent, exactly one eviction
// takes effect, and a heartbeat arriving mid-sweep beats the eviction.
//
// The winning replica releases the agent's claimed tasks back to the
// queue and notifies the sink. A failed release is not retried within
// the sweep: the orphaned claims still expire on their own lease, so the
// queue's expire sweep recovers them regardless.
package monitor
