// ABOUTME: Heartbeat monitor that sweeps the registry and evicts agents past their deadline.
// ABOUTME: Runs on every replica; conditional eviction in the registry keeps sweeps race-free.

package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/warren-control/internal/queue"
	"github.com/2389/warren-control/internal/registry"
)

// AgentSource lists agents and performs conditional evictions. Satisfied
// by *registry.Registry.
type AgentSource interface {
	List(ctx context.Context) ([]registry.Agent, error)
	EvictStale(ctx context.Context, agentID string) (*registry.Eviction, error)
}

// ClaimReleaser returns a departed agent's claimed tasks to the queue.
// Satisfied by *queue.Queue.
type ClaimReleaser interface {
	ReleaseClaims(ctx context.Context, agentID string) ([]queue.Change, error)
}

// Sink receives the outcome of each successful eviction, exactly once per
// eviction across all replicas.
type Sink interface {
	AgentEvicted(ctx context.Context, ev registry.Eviction, released []queue.Change)
}

// Monitor periodically sweeps the registry for agents whose heartbeat
// deadline has passed. Every replica runs one; the registry's conditional
// writes guarantee each eviction lands on exactly one of them.
type Monitor struct {
	agents   AgentSource
	claims   ClaimReleaser
	sink     Sink
	interval time.Duration
	logger   *slog.Logger
}

// New returns a monitor sweeping at the given interval. sink may be nil.
func New(agents AgentSource, claims ClaimReleaser, sink Sink, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		agents:   agents,
		claims:   claims,
		sink:     sink,
		interval: interval,
		logger:   slog.Default().With("component", "monitor"),
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("heartbeat monitor started", "sweep_interval", m.interval)

	if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("sweep failed", "error", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass over the registry: every agent past its deadline
// gets a conditional eviction attempt, and each eviction this replica
// wins releases the agent's claims back to the queue. An agent that
// survives its attempt (late heartbeat, or another replica got there
// first) is simply skipped until the next sweep.
func (m *Monitor) Sweep(ctx context.Context) ([]registry.Eviction, error) {
	agents, err := m.agents.List(ctx)
	if err != nil {
		return nil, err
	}

	var evictions []registry.Eviction
	for _, agent := range agents {
		if agent.Live {
			continue
		}

		ev, err := m.agents.EvictStale(ctx, agent.ID)
		if err != nil {
			m.logger.Warn("eviction attempt failed", "agent_id", agent.ID, "error", err)
			continue
		}
		if ev == nil {
			continue
		}

		released, err := m.claims.ReleaseClaims(ctx, ev.AgentID)
		if err != nil {
			// The claims still carry lease expiries; the queue's expire
			// sweep recovers whatever this pass could not.
			m.logger.Warn("releasing claims after eviction", "agent_id", ev.AgentID, "error", err)
		}

		if m.sink != nil {
			m.sink.AgentEvicted(ctx, *ev, released)
		}
		evictions = append(evictions, *ev)
	}

	return evictions, nil
}
