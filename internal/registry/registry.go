// ABOUTME: Agent registry backed by the coordination store: identity, metadata, heartbeats.
// ABOUTME: Owns every agent-record mutation, including the conditional eviction primitive.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/warren-control/internal/store"
)

// ErrAgentNotFound is returned when an agent id was evicted or never registered.
var ErrAgentNotFound = errors.New("agent not found")

const (
	agentPrefix     = "agents/"
	heartbeatPrefix = "heartbeat/"

	// Heartbeat keys carry a store-level expiry well past the staleness
	// deadline, purely so orphaned keys clean themselves up. Liveness is
	// always computed from the recorded timestamp, never from key expiry.
	heartbeatKeySlack = 4
)

// Stats is the load report an agent attaches to each heartbeat.
type Stats struct {
	CPULoad   float64 `json:"cpu_load"`
	Processes int     `json:"processes"`
}

// agentRecord is the stored identity document at agents/<id>.
type agentRecord struct {
	ID           string            `json:"id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// heartbeatRecord is the stored liveness document at heartbeat/<id>.
type heartbeatRecord struct {
	At    time.Time `json:"at"`
	Stats Stats     `json:"stats"`
}

// Agent is a point-in-time snapshot joining the identity record with the
// latest heartbeat. Live is computed at read time from the heartbeat TTL.
type Agent struct {
	ID              string            `json:"id"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
	Stats           Stats             `json:"stats"`
	Live            bool              `json:"live"`
}

// Eviction describes a stale agent that was removed by EvictStale.
type Eviction struct {
	AgentID  string    `json:"agent_id"`
	LastSeen time.Time `json:"last_seen"`
}

// Registry tracks worker agents in the coordination store. All replicas share
// one Registry view; nothing is cached locally.
type Registry struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Registry whose liveness deadline is heartbeatTTL past the
// last recorded heartbeat.
func New(st store.Store, heartbeatTTL time.Duration) *Registry {
	return &Registry{
		store:  st,
		ttl:    heartbeatTTL,
		logger: slog.Default().With("component", "registry"),
	}
}

// HeartbeatTTL returns the configured staleness threshold.
func (r *Registry) HeartbeatTTL() time.Duration {
	return r.ttl
}

// Register upserts the agent and resets its heartbeat clock. Re-registering
// a live id is not an error; the metadata is simply replaced.
func (r *Registry) Register(ctx context.Context, id string, metadata map[string]string) (*Agent, error) {
	now := time.Now().UTC()
	rec := agentRecord{ID: id, Metadata: metadata, RegisteredAt: now}
	recRaw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling agent record: %w", err)
	}
	// Identity first, heartbeat second: a crash in between leaves a record
	// the monitor can evict, never an unreachable heartbeat key.
	if err := r.store.Set(ctx, agentKey(id), recRaw); err != nil {
		return nil, fmt.Errorf("writing agent record: %w", err)
	}
	if err := r.writeHeartbeat(ctx, id, heartbeatRecord{At: now}); err != nil {
		return nil, err
	}

	r.logger.Info("agent registered", "agent_id", id)
	return &Agent{
		ID:              id,
		Metadata:        metadata,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Live:            true,
	}, nil
}

// Heartbeat refreshes the agent's liveness timestamp and load stats.
// Returns ErrAgentNotFound if the id was evicted or never registered,
// telling the caller to re-register.
func (r *Registry) Heartbeat(ctx context.Context, id string, stats Stats) error {
	if _, err := r.store.Get(ctx, agentKey(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAgentNotFound
		}
		return fmt.Errorf("reading agent record: %w", err)
	}
	return r.writeHeartbeat(ctx, id, heartbeatRecord{At: time.Now().UTC(), Stats: stats})
}

// Unregister removes the agent's records. Unknown ids are a no-op; claim
// release is orchestrated by the dispatch layer.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, agentKey(id)); err != nil {
		return fmt.Errorf("deleting agent record: %w", err)
	}
	if err := r.store.Delete(ctx, heartbeatKey(id)); err != nil {
		return fmt.Errorf("deleting heartbeat record: %w", err)
	}
	r.logger.Info("agent unregistered", "agent_id", id)
	return nil
}

// Get returns a snapshot of one agent, or ErrAgentNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	recRaw, err := r.store.Get(ctx, agentKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("reading agent record: %w", err)
	}
	var rec agentRecord
	if err := json.Unmarshal(recRaw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling agent record: %w", err)
	}

	agent := r.snapshot(rec)
	if hb, ok, err := r.readHeartbeat(ctx, id); err != nil {
		return nil, err
	} else if ok {
		r.join(&agent, hb, time.Now())
	}
	return &agent, nil
}

// List returns a snapshot of all registered agents, sorted by id. The read
// is eventually consistent: concurrent registrations or evictions may or may
// not appear.
func (r *Registry) List(ctx context.Context) ([]Agent, error) {
	records, err := r.store.List(ctx, agentPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing agent records: %w", err)
	}
	heartbeats, err := r.store.List(ctx, heartbeatPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing heartbeat records: %w", err)
	}

	now := time.Now()
	agents := make([]Agent, 0, len(records))
	for key, recRaw := range records {
		var rec agentRecord
		if err := json.Unmarshal(recRaw, &rec); err != nil {
			r.logger.Warn("skipping unreadable agent record", "key", key, "error", err)
			continue
		}
		agent := r.snapshot(rec)
		if hbRaw, ok := heartbeats[heartbeatKey(rec.ID)]; ok {
			var hb heartbeatRecord
			if err := json.Unmarshal(hbRaw, &hb); err == nil {
				r.join(&agent, hb, now)
			}
		}
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// IsLive reports whether the agent is registered and inside its heartbeat
// deadline, computed at read time. It does not depend on a monitor sweep
// having run.
func (r *Registry) IsLive(ctx context.Context, id string) (bool, error) {
	if _, err := r.store.Get(ctx, agentKey(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("reading agent record: %w", err)
	}
	hb, ok, err := r.readHeartbeat(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return time.Now().Before(hb.At.Add(r.ttl)), nil
}

// EvictStale removes the agent only if it is still past its deadline at the
// moment of the conditional writes. A heartbeat or re-registration landing
// concurrently makes the condition fail and the agent survives; the next
// sweep re-examines it. Returns nil when no eviction happened. At most one
// caller across all replicas can receive a non-nil Eviction for a given
// staleness episode: the identity record's conditional delete is the gate.
func (r *Registry) EvictStale(ctx context.Context, id string) (*Eviction, error) {
	recRaw, err := r.store.Get(ctx, agentKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading agent record: %w", err)
	}
	var rec agentRecord
	if err := json.Unmarshal(recRaw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling agent record: %w", err)
	}

	now := time.Now()
	lastSeen := rec.RegisteredAt

	hbRaw, err := r.store.Get(ctx, heartbeatKey(id))
	switch {
	case err == nil:
		var hb heartbeatRecord
		if err := json.Unmarshal(hbRaw, &hb); err != nil {
			return nil, fmt.Errorf("unmarshaling heartbeat record: %w", err)
		}
		if now.Before(hb.At.Add(r.ttl)) {
			return nil, nil
		}
		ok, err := r.store.CompareAndDelete(ctx, heartbeatKey(id), hbRaw)
		if err != nil {
			return nil, fmt.Errorf("removing heartbeat record: %w", err)
		}
		if !ok {
			// Liveness evidence arrived between read and delete; it wins.
			return nil, nil
		}
		lastSeen = hb.At

	case errors.Is(err, store.ErrNotFound):
		// No heartbeat key at all: either it aged out at the store level or
		// registration crashed halfway. Plant a marker so a concurrently
		// reviving agent is still detected before the identity record goes.
		marker, err := json.Marshal(heartbeatRecord{})
		if err != nil {
			return nil, fmt.Errorf("marshaling eviction marker: %w", err)
		}
		ok, err := r.store.Acquire(ctx, heartbeatKey(id), marker, r.ttl)
		if err != nil {
			return nil, fmt.Errorf("placing eviction marker: %w", err)
		}
		if !ok {
			return nil, nil
		}
		ok, err = r.store.CompareAndDelete(ctx, heartbeatKey(id), marker)
		if err != nil {
			return nil, fmt.Errorf("removing eviction marker: %w", err)
		}
		if !ok {
			return nil, nil
		}

	default:
		return nil, fmt.Errorf("reading heartbeat record: %w", err)
	}

	ok, err := r.store.CompareAndDelete(ctx, agentKey(id), recRaw)
	if err != nil {
		return nil, fmt.Errorf("removing agent record: %w", err)
	}
	if !ok {
		// Re-registered while we were evicting; the fresh incarnation stays.
		return nil, nil
	}

	r.logger.Info("agent evicted", "agent_id", id, "last_seen", lastSeen)
	return &Eviction{AgentID: id, LastSeen: lastSeen}, nil
}

func (r *Registry) writeHeartbeat(ctx context.Context, id string, hb heartbeatRecord) error {
	raw, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat record: %w", err)
	}
	if err := r.store.SetWithTTL(ctx, heartbeatKey(id), raw, heartbeatKeySlack*r.ttl); err != nil {
		return fmt.Errorf("writing heartbeat record: %w", err)
	}
	return nil
}

func (r *Registry) readHeartbeat(ctx context.Context, id string) (heartbeatRecord, bool, error) {
	raw, err := r.store.Get(ctx, heartbeatKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return heartbeatRecord{}, false, nil
	}
	if err != nil {
		return heartbeatRecord{}, false, fmt.Errorf("reading heartbeat record: %w", err)
	}
	var hb heartbeatRecord
	if err := json.Unmarshal(raw, &hb); err != nil {
		return heartbeatRecord{}, false, fmt.Errorf("unmarshaling heartbeat record: %w", err)
	}
	return hb, true, nil
}

func (r *Registry) snapshot(rec agentRecord) Agent {
	return Agent{
		ID:           rec.ID,
		Metadata:     rec.Metadata,
		RegisteredAt: rec.RegisteredAt,
	}
}

func (r *Registry) join(agent *Agent, hb heartbeatRecord, now time.Time) {
	agent.LastHeartbeatAt = hb.At
	agent.Stats = hb.Stats
	agent.Live = now.Before(hb.At.Add(r.ttl))
}

func agentKey(id string) string {
	return agentPrefix + id
}

func heartbeatKey(id string) string {
	return heartbeatPrefix + id
}
