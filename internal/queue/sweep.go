// ABOUTME: Scan-based queue maintenance: expired-claim reversion, per-agent claim release, counts.
// ABOUTME: Every reversion goes through the same conditional transition as Fail, so overlap is safe.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ExpireSweep reverts every claim whose lease has lapsed, as if the claimant
// had failed it, and re-ranks any queued record missing from the ready set
// (repairing a crash between record write and ranking). Per-task problems
// are logged and skipped so one bad record cannot stall redelivery.
func (q *Queue) ExpireSweep(ctx context.Context) ([]Change, error) {
	records, err := q.store.List(ctx, taskPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing task records: %w", err)
	}

	now := time.Now()
	var changes []Change
	for key, raw := range records {
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			q.logger.Warn("skipping unreadable task record", "key", key, "error", err)
			continue
		}

		switch task.State {
		case StateClaimed:
			if now.Before(task.ClaimExpiresAt) {
				continue
			}
			change, ok, err := q.revert(ctx, &task, raw, "claim expired")
			if err != nil {
				q.logger.Warn("failed to revert expired claim", "task_id", task.ID, "error", err)
				continue
			}
			if ok {
				changes = append(changes, *change)
			}

		case StateQueued:
			// Idempotent upsert; ensures the record is claimable.
			if err := q.store.ScoredInsert(ctx, readySet, task.ID, task.Priority, task.seq()); err != nil {
				q.logger.Warn("failed to re-rank queued task", "task_id", task.ID, "error", err)
			}
		}
	}

	if len(changes) > 0 {
		q.logger.Info("expire sweep reverted claims", "count", len(changes))
	}
	return changes, nil
}

// ReleaseClaims reverts every live claim held by agentID, spending an attempt
// on each, exactly as if the agent had failed them. Called when an agent is
// evicted or unregisters with work in flight. The conditional transition
// keeps this idempotent against a concurrently running expire sweep.
func (q *Queue) ReleaseClaims(ctx context.Context, agentID string) ([]Change, error) {
	records, err := q.store.List(ctx, taskPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing task records: %w", err)
	}

	var changes []Change
	for key, raw := range records {
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			q.logger.Warn("skipping unreadable task record", "key", key, "error", err)
			continue
		}
		if task.State != StateClaimed || task.ClaimedBy != agentID {
			continue
		}

		change, ok, err := q.revert(ctx, &task, raw, "claimant departed")
		if err != nil {
			q.logger.Warn("failed to release claim", "task_id", task.ID, "error", err)
			continue
		}
		if ok {
			changes = append(changes, *change)
		}
	}

	if len(changes) > 0 {
		q.logger.Info("released claims", "agent_id", agentID, "count", len(changes))
	}
	return changes, nil
}

// Stats is a point-in-time count of tasks by state, retention window included.
type Stats struct {
	Queued    int `json:"queued"`
	Claimed   int `json:"claimed"`
	Done      int `json:"done"`
	Dead      int `json:"dead"`
	Cancelled int `json:"cancelled"`
}

// Total is the number of task records currently readable.
func (s Stats) Total() int {
	return s.Queued + s.Claimed + s.Done + s.Dead + s.Cancelled
}

// Stats counts task records by state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	records, err := q.store.List(ctx, taskPrefix)
	if err != nil {
		return Stats{}, fmt.Errorf("listing task records: %w", err)
	}

	var stats Stats
	for key, raw := range records {
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			q.logger.Warn("skipping unreadable task record", "key", key, "error", err)
			continue
		}
		switch task.State {
		case StateQueued:
			stats.Queued++
		case StateClaimed:
			stats.Claimed++
		case StateDone:
			stats.Done++
		case StateDead:
			stats.Dead++
		case StateCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}
