// Package queue implements the distributed priority task queue.
//
// # State machine
//
// Tasks move through:
//
//	queued -> claimed -> done        (Acknowledge)
//	                  -> queued      (Fail or claim expiry, attempts remaining)
//	                  -> dead        (Fail or claim expiry, attempts exhausted)
//	any non-terminal  -> cancelled   (Cancel)
//
// Attempt counts completed tries and starts at zero. A revert (fail, expiry,
// claimant eviction) spends one attempt; reaching MaxAttempts is terminal.
// Release is the one way back to queued that spends nothing: it undoes a
// claim whose delivery was refused before work started.
//
// # Ordering and starvation
//
// Claim order is strictly (priority desc, enqueuedAt asc): FIFO within a
// priority band, and a requeued task resumes its original rank. There is no
// aging boost, so sustained high-priority traffic can starve lower bands
// indefinitely. That is a deliberate trade-off: ordering stays exact and
// predictable, and callers needing fairness partition work across bands.
//
// # Concurrency
//
// Any replica serves any operation; nothing is leader-gated except the
// periodic ExpireSweep its owner chooses to run. Every transition is a
// compare-and-swap against the exact record bytes previously read, so two
// replicas can never both win the same transition: at most one live claim
// exists per task, and the two independent reversion paths (expire sweep,
// eviction release) can never double-spend an attempt.
//
// Delivery is at-least-once. A claim that expires after the work finished
// but before the acknowledge arrives will be redelivered; consumers are
// expected to make task effects idempotent.
package queue
