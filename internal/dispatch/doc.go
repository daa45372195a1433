// Package dispatch is the boundary of the control plane. It validates
// requests, translates lower-layer errors into the boundary taxonomy, and
// composes the registry, task queue, heartbeat monitor, and leader
// election into one replica.
//
// # Composition
//
// A Dispatcher owns one instance of each subsystem, all over the shared
// coordination store. Run starts three loops: the elector, the heartbeat
// monitor (every replica sweeps), and the claim-expiry sweep (leader
// only, since redundant sweeps would just burn conditional writes).
//
// # Events
//
// Every state change a replica performs is published to its local event
// broadcaster: agent registrations, evictions, and task transitions.
// Subscriptions are per-replica, not global. Delivery is best-effort;
// slow subscribers lose events rather than block the control plane.
//
// # Errors
//
// Callers match errors with errors.Is against four values: queue and
// registry sentinels for unknown ids and rejected claims,
// ErrInvalidArgument for malformed requests, and ErrStoreUnavailable
// wrapping any store failure. Store failures are transient; nothing at
// this boundary is fatal.
package dispatch
