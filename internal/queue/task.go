// ABOUTME: Task record, state machine definitions, and claim validity guard.
// ABOUTME: Tasks live at tasks/<id> in the coordination store as JSON documents.

package queue

import (
	"encoding/json"
	"time"
)

// State is a task's position in its lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateClaimed   State = "claimed"
	StateDone      State = "done"
	StateDead      State = "dead"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateDead || s == StateCancelled
}

// Task is the stored work record. Claim fields are retained after terminal
// transitions as an audit trail.
type Task struct {
	ID             string          `json:"id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       int             `json:"priority"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	State          State           `json:"state"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	ClaimExpiresAt time.Time       `json:"claim_expires_at,omitzero"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	Result         json.RawMessage `json:"result,omitempty"`
	FailReason     string          `json:"fail_reason,omitempty"`
}

// claimGuard validates that agentID holds a live claim on the task.
func (t *Task) claimGuard(agentID string, now time.Time) error {
	if t.State != StateClaimed || t.ClaimedBy != agentID || !now.Before(t.ClaimExpiresAt) {
		return ErrInvalidClaim
	}
	return nil
}

// seq is the tie-break rank within a priority band: earlier arrivals first.
func (t *Task) seq() int64 {
	return t.EnqueuedAt.UnixNano()
}

// Change describes one completed state transition, for event publication.
type Change struct {
	Task Task  `json:"task"`
	From State `json:"from"`
	To   State `json:"to"`
}
