// ABOUTME: Distributed priority task queue with claim/ack/fail/cancel semantics.
// ABOUTME: Every transition is a conditional write; replicas race safely on the shared store.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/warren-control/internal/store"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown or already
	// terminal and aged out.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidClaim is returned when an acknowledge or fail does not match
	// a live claim: wrong owner, expired lease, or already-transitioned task.
	// The caller's work product is stale and must be discarded.
	ErrInvalidClaim = errors.New("invalid claim")
)

const (
	taskPrefix = "tasks/"
	readySet   = "tasks_ready"
)

// Config carries the queue's tunables.
type Config struct {
	// DefaultClaimLease bounds how long a claim may go unacknowledged
	// before the expire sweep reverts it.
	DefaultClaimLease time.Duration

	// DefaultMaxAttempts applies when Enqueue is called with maxAttempts <= 0.
	DefaultMaxAttempts int

	// Retention is how long terminal records stay readable before aging out.
	Retention time.Duration
}

// Queue is the distributed task queue. All replicas construct their own Queue
// over the same store; there is no designated owner for ordinary operations.
type Queue struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Queue over the shared coordination store.
func New(st store.Store, cfg Config) *Queue {
	return &Queue{
		store:  st,
		cfg:    cfg,
		logger: slog.Default().With("component", "queue"),
	}
}

// DefaultClaimLease returns the configured claim lease duration.
func (q *Queue) DefaultClaimLease() time.Duration {
	return q.cfg.DefaultClaimLease
}

// Enqueue stores a new task and ranks it for claiming. Higher priority wins;
// equal priorities are served in arrival order. Duplicate payloads are the
// caller's concern.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage, priority, maxAttempts int) (*Task, error) {
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}
	task := Task{
		ID:          uuid.NewString(),
		Payload:     payload,
		Priority:    priority,
		EnqueuedAt:  time.Now().UTC(),
		State:       StateQueued,
		MaxAttempts: maxAttempts,
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshaling task record: %w", err)
	}
	if err := q.store.Set(ctx, taskKey(task.ID), raw); err != nil {
		return nil, fmt.Errorf("writing task record: %w", err)
	}
	// Rank after the record exists; a crash in between is repaired by the
	// expire sweep's self-heal pass.
	if err := q.store.ScoredInsert(ctx, readySet, task.ID, task.Priority, task.seq()); err != nil {
		return nil, fmt.Errorf("ranking task: %w", err)
	}

	q.logger.Debug("task enqueued", "task_id", task.ID, "priority", priority)
	return &task, nil
}

// Claim atomically assigns the best-ranked queued task to agentID for the
// lease duration (or the configured default when lease <= 0). Returns
// ok=false when nothing is claimable; an empty queue is not an error.
// Exactly one concurrent caller can win a given task.
func (q *Queue) Claim(ctx context.Context, agentID string, lease time.Duration) (*Task, bool, error) {
	if lease <= 0 {
		lease = q.cfg.DefaultClaimLease
	}
	for {
		member, err := q.store.ScoredPopMax(ctx, readySet)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("popping ready task: %w", err)
		}

		task, raw, err := q.load(ctx, member)
		if errors.Is(err, store.ErrNotFound) {
			// Rank entry outlived its record; drop it and keep going.
			q.logger.Debug("dropping orphaned rank entry", "task_id", member)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if task.State != StateQueued {
			// Ranked but no longer claimable (e.g. cancelled after ranking).
			continue
		}

		next := *task
		next.State = StateClaimed
		next.ClaimedBy = agentID
		next.ClaimExpiresAt = time.Now().UTC().Add(lease)
		ok, err := q.swap(ctx, raw, &next, 0)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			// Lost the record to a concurrent transition; it is no longer
			// ours to claim.
			continue
		}

		q.logger.Debug("task claimed", "task_id", next.ID, "agent_id", agentID,
			"claim_expires_at", next.ClaimExpiresAt)
		return &next, true, nil
	}
}

// Acknowledge completes a claimed task. The transition only happens when
// agentID holds the live claim; otherwise ErrInvalidClaim tells the caller
// its result is stale. Acknowledging a cancelled task is a no-op, not an
// error: the claim was already in flight when the cancellation landed.
func (q *Queue) Acknowledge(ctx context.Context, taskID, agentID string, result json.RawMessage) (*Change, error) {
	task, raw, err := q.load(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if task.State == StateCancelled {
		return nil, nil
	}
	if err := task.claimGuard(agentID, time.Now()); err != nil {
		return nil, err
	}

	next := *task
	next.State = StateDone
	next.Result = result
	ok, err := q.swap(ctx, raw, &next, q.cfg.Retention)
	if err != nil {
		return nil, err
	}
	if !ok {
		return q.lostUpdate(ctx, taskID)
	}

	q.logger.Debug("task acknowledged", "task_id", taskID, "agent_id", agentID)
	return &Change{Task: next, From: StateClaimed, To: StateDone}, nil
}

// Fail records a failed attempt. With attempts remaining the task is
// requeued at its original rank; otherwise it moves to terminal dead.
// Ownership rules match Acknowledge; failing a cancelled task is a no-op.
func (q *Queue) Fail(ctx context.Context, taskID, agentID, reason string) (*Change, error) {
	task, raw, err := q.load(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if task.State == StateCancelled {
		return nil, nil
	}
	if err := task.claimGuard(agentID, time.Now()); err != nil {
		return nil, err
	}

	change, ok, err := q.revert(ctx, task, raw, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return q.lostUpdate(ctx, taskID)
	}
	return change, nil
}

// Release returns a claimed task to the queue without spending an attempt.
// Used when a push delivery is refused before any work starts.
func (q *Queue) Release(ctx context.Context, taskID, agentID string) (*Change, error) {
	task, raw, err := q.load(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if task.State == StateCancelled {
		return nil, nil
	}
	if err := task.claimGuard(agentID, time.Now()); err != nil {
		return nil, err
	}

	next := *task
	next.State = StateQueued
	next.ClaimedBy = ""
	next.ClaimExpiresAt = time.Time{}
	ok, err := q.swap(ctx, raw, &next, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return q.lostUpdate(ctx, taskID)
	}
	if err := q.store.ScoredInsert(ctx, readySet, next.ID, next.Priority, next.seq()); err != nil {
		return nil, fmt.Errorf("ranking released task: %w", err)
	}

	q.logger.Debug("task released", "task_id", taskID, "agent_id", agentID)
	return &Change{Task: next, From: StateClaimed, To: StateQueued}, nil
}

// Cancel moves any non-terminal task to cancelled. Cancelling an already
// cancelled task is a no-op; done and dead tasks report ErrTaskNotFound.
// A claim in flight may still be acknowledged once, as a no-op.
func (q *Queue) Cancel(ctx context.Context, taskID string) (*Change, error) {
	for {
		task, raw, err := q.load(ctx, taskID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		if err != nil {
			return nil, err
		}

		switch task.State {
		case StateCancelled:
			return nil, nil
		case StateDone, StateDead:
			return nil, ErrTaskNotFound
		}

		from := task.State
		next := *task
		next.State = StateCancelled
		ok, err := q.swap(ctx, raw, &next, q.cfg.Retention)
		if err != nil {
			return nil, err
		}
		if !ok {
			// The task transitioned under us (claimed, reverted, ...).
			// Re-read and try again from its new state.
			continue
		}

		if from == StateQueued {
			if err := q.store.ScoredRemove(ctx, readySet, taskID); err != nil {
				// Claim tolerates stale rank entries; just note it.
				q.logger.Warn("failed to unrank cancelled task", "task_id", taskID, "error", err)
			}
		}

		q.logger.Info("task cancelled", "task_id", taskID, "was", from)
		return &Change{Task: next, From: from, To: StateCancelled}, nil
	}
}

// Lookup returns the current record for a task, including terminal ones
// still inside the retention window.
func (q *Queue) Lookup(ctx context.Context, taskID string) (*Task, error) {
	task, _, err := q.load(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// revert is the single conditional transition shared by Fail, ExpireSweep,
// and ReleaseClaims: one more attempt is spent, and the task either requeues
// at its original rank or moves to terminal dead. Because the swap is guarded
// by the exact bytes the caller read, two racing paths (say, an eviction
// release and an expire sweep) can never both revert the same claim.
func (q *Queue) revert(ctx context.Context, task *Task, raw []byte, reason string) (*Change, bool, error) {
	next := *task
	next.Attempt++
	next.FailReason = reason
	next.ClaimedBy = ""
	next.ClaimExpiresAt = time.Time{}

	if next.Attempt >= next.MaxAttempts {
		next.State = StateDead
		ok, err := q.swap(ctx, raw, &next, q.cfg.Retention)
		if err != nil || !ok {
			return nil, ok, err
		}
		q.logger.Info("task dead", "task_id", next.ID, "attempts", next.Attempt, "reason", reason)
		return &Change{Task: next, From: StateClaimed, To: StateDead}, true, nil
	}

	next.State = StateQueued
	ok, err := q.swap(ctx, raw, &next, 0)
	if err != nil || !ok {
		return nil, ok, err
	}
	if err := q.store.ScoredInsert(ctx, readySet, next.ID, next.Priority, next.seq()); err != nil {
		return nil, false, fmt.Errorf("ranking requeued task: %w", err)
	}
	q.logger.Info("task requeued", "task_id", next.ID, "attempt", next.Attempt, "reason", reason)
	return &Change{Task: next, From: StateClaimed, To: StateQueued}, true, nil
}

// lostUpdate classifies a failed conditional transition after the guards
// passed: a concurrent cancellation is forgiven, anything else voids the
// caller's claim.
func (q *Queue) lostUpdate(ctx context.Context, taskID string) (*Change, error) {
	task, _, err := q.load(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if task.State == StateCancelled {
		return nil, nil
	}
	return nil, ErrInvalidClaim
}

func (q *Queue) load(ctx context.Context, taskID string) (*Task, []byte, error) {
	raw, err := q.store.Get(ctx, taskKey(taskID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, fmt.Errorf("reading task record: %w", err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling task record: %w", err)
	}
	return &task, raw, nil
}

func (q *Queue) swap(ctx context.Context, oldRaw []byte, next *Task, ttl time.Duration) (bool, error) {
	newRaw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("marshaling task record: %w", err)
	}
	ok, err := q.store.CompareAndSwap(ctx, taskKey(next.ID), oldRaw, newRaw, ttl)
	if err != nil {
		return false, fmt.Errorf("swapping task record: %w", err)
	}
	return ok, nil
}

func taskKey(id string) string {
	return taskPrefix + id
}
