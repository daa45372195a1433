// Package registry tracks worker agents in the coordination store.
//
// Each agent has two documents: an identity record at agents/<id> and a
// liveness record at heartbeat/<id>. The liveness deadline is derived at
// read time (last heartbeat plus the configured TTL), never stored, so a
// replica can judge staleness without waiting for a background sweep.
//
// Eviction is a conditional operation. EvictStale re-reads both documents
// and deletes them with compare-and-delete guards; any concurrent heartbeat
// or re-registration changes the guarded bytes and the eviction aborts.
// Because the identity record can only be conditionally deleted once, at
// most one replica observes a given eviction even when every replica sweeps
// the same stale agent at the same moment.
//
// The registry owns all agent-record mutation. Other components read
// snapshots (List, Get, IsLive) or drive eviction through EvictStale;
// nothing else writes under the registry's key prefixes.
package registry
