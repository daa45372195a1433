// ABOUTME: Dispatch façade: the single entrypoint agents and operators call.
// ABOUTME: Validates input, composes registry/queue/election/monitor, emits events.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/warren-control/internal/election"
	"github.com/2389/warren-control/internal/monitor"
	"github.com/2389/warren-control/internal/queue"
	"github.com/2389/warren-control/internal/registry"
	"github.com/2389/warren-control/internal/store"
)

// TaskDeliverer pushes a claimed task to an agent. Implementations report
// whether the agent accepted the work; a declined or failed delivery gets
// the task released back to the queue without spending an attempt.
type TaskDeliverer interface {
	DeliverTask(ctx context.Context, agentID string, task queue.Task) (accepted bool, err error)
}

// EvictionNotifier is an optional hook invoked after each eviction this
// replica performed, alongside the event stream.
type EvictionNotifier interface {
	NotifyEviction(ctx context.Context, ev registry.Eviction)
}

// TaskSpec describes one task in a batch submission.
type TaskSpec struct {
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// Options configures a Dispatcher. Zero durations and counts take the
// documented defaults.
type Options struct {
	// ReplicaID identifies this control plane replica in election and logs.
	ReplicaID string

	// HeartbeatTTL is how long an agent stays live past its last heartbeat.
	HeartbeatTTL time.Duration
	// HeartbeatSweepInterval is the monitor's sweep cadence.
	HeartbeatSweepInterval time.Duration

	// DefaultClaimLease bounds task execution when claimers pass no lease.
	DefaultClaimLease time.Duration
	// DefaultMaxAttempts applies to submissions that pass no limit.
	DefaultMaxAttempts int
	// ExpireSweepInterval is the leader's claim-expiry sweep cadence.
	ExpireSweepInterval time.Duration
	// Retention is how long finished tasks stay readable.
	Retention time.Duration

	// ElectionLeaseTTL and ElectionRenewInterval control the leader lease.
	ElectionLeaseTTL      time.Duration
	ElectionRenewInterval time.Duration

	// Deliverer enables push dispatch via DispatchNext. Optional.
	Deliverer TaskDeliverer
	// Notifier receives eviction callbacks. Optional.
	Notifier EvictionNotifier
}

// Dispatcher composes the control plane for one replica. Any number of
// dispatchers may run against the same store; all cross-replica agreement
// happens through it.
type Dispatcher struct {
	replicaID string
	registry  *registry.Registry
	queue     *queue.Queue
	elector   *election.Elector
	monitor   *monitor.Monitor
	events    *Broadcaster
	deliverer TaskDeliverer
	notifier  EvictionNotifier

	expireEvery time.Duration
	logger      *slog.Logger
}

// New builds a Dispatcher over the given store.
func New(st store.Store, opts Options) *Dispatcher {
	if opts.ReplicaID == "" {
		opts.ReplicaID = "replica-" + newID()[:8]
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 30 * time.Second
	}
	if opts.HeartbeatSweepInterval <= 0 {
		opts.HeartbeatSweepInterval = 5 * time.Second
	}
	if opts.ExpireSweepInterval <= 0 {
		opts.ExpireSweepInterval = 5 * time.Second
	}

	d := &Dispatcher{
		replicaID: opts.ReplicaID,
		registry:  registry.New(st, opts.HeartbeatTTL),
		queue: queue.New(st, queue.Config{
			DefaultClaimLease:  opts.DefaultClaimLease,
			DefaultMaxAttempts: opts.DefaultMaxAttempts,
			Retention:          opts.Retention,
		}),
		elector: election.New(st, opts.ReplicaID, election.Config{
			LeaseTTL:      opts.ElectionLeaseTTL,
			RenewInterval: opts.ElectionRenewInterval,
		}),
		events:      NewBroadcaster(),
		deliverer:   opts.Deliverer,
		notifier:    opts.Notifier,
		expireEvery: opts.ExpireSweepInterval,
		logger:      slog.Default().With("component", "dispatch", "replica_id", opts.ReplicaID),
	}
	d.monitor = monitor.New(d.registry, d.queue, d, opts.HeartbeatSweepInterval)
	return d
}

// ReplicaID returns this replica's identifier.
func (d *Dispatcher) ReplicaID() string {
	return d.replicaID
}

// Run drives the background loops until ctx is cancelled: leader election,
// the heartbeat monitor, and the leader-gated claim-expiry sweep. It blocks
// and always returns nil after a clean shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("control plane replica started")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		d.elector.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.expireLoop(ctx)
	}()
	wg.Wait()

	d.events.Close()
	d.logger.Info("control plane replica stopped")
	return nil
}

// expireLoop reverts expired claims on a timer. Any replica could run it
// safely, every revert is conditional, but gating on leadership keeps the
// sweep from being duplicated N ways on every tick.
func (d *Dispatcher) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(d.expireEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.elector.IsLeader() {
				continue
			}
			changes, err := d.queue.ExpireSweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("expire sweep failed", "error", err)
				}
				continue
			}
			for _, change := range changes {
				d.publishTaskChange(change)
			}
		}
	}
}

// RegisterAgent adds or refreshes an agent and starts its heartbeat clock.
func (d *Dispatcher) RegisterAgent(ctx context.Context, agentID string, metadata map[string]string) (*registry.Agent, error) {
	if err := validateID("agent id", agentID); err != nil {
		return nil, err
	}
	agent, err := d.registry.Register(ctx, agentID, metadata)
	if err != nil {
		return nil, translate(err)
	}
	d.events.Publish(Event{Kind: EventAgentRegistered, At: time.Now(), AgentID: agentID})
	return agent, nil
}

// Heartbeat records liveness and load for a registered agent. An evicted
// or unknown agent gets ErrAgentNotFound and must re-register.
func (d *Dispatcher) Heartbeat(ctx context.Context, agentID string, stats registry.Stats) error {
	if err := validateID("agent id", agentID); err != nil {
		return err
	}
	return translate(d.registry.Heartbeat(ctx, agentID, stats))
}

// UnregisterAgent releases the agent's claims back to the queue, then
// removes it. Unknown agents are a no-op.
func (d *Dispatcher) UnregisterAgent(ctx context.Context, agentID string) error {
	if err := validateID("agent id", agentID); err != nil {
		return err
	}
	released, err := d.queue.ReleaseClaims(ctx, agentID)
	if err != nil {
		return translate(err)
	}
	for _, change := range released {
		d.publishTaskChange(change)
	}
	if err := d.registry.Unregister(ctx, agentID); err != nil {
		return translate(err)
	}
	return nil
}

// Agents returns a snapshot of all registered agents.
func (d *Dispatcher) Agents(ctx context.Context) ([]registry.Agent, error) {
	agents, err := d.registry.List(ctx)
	return agents, translate(err)
}

// AgentStatus returns one agent's snapshot, or ErrAgentNotFound.
func (d *Dispatcher) AgentStatus(ctx context.Context, agentID string) (*registry.Agent, error) {
	if err := validateID("agent id", agentID); err != nil {
		return nil, err
	}
	agent, err := d.registry.Get(ctx, agentID)
	return agent, translate(err)
}

// Submit validates and enqueues one task.
func (d *Dispatcher) Submit(ctx context.Context, payload json.RawMessage, priority, maxAttempts int) (*queue.Task, error) {
	if err := validateTaskSpec(priority, maxAttempts); err != nil {
		return nil, err
	}
	task, err := d.queue.Enqueue(ctx, payload, priority, maxAttempts)
	if err != nil {
		return nil, translate(err)
	}
	d.events.Publish(Event{Kind: EventTaskStateChanged, At: time.Now(), Task: task, To: queue.StateQueued})
	return task, nil
}

// SubmitBatch validates every spec up front, then enqueues them in order.
// On a store failure the tasks enqueued so far are returned with the error.
func (d *Dispatcher) SubmitBatch(ctx context.Context, specs []TaskSpec) ([]*queue.Task, error) {
	for i, spec := range specs {
		if err := validateTaskSpec(spec.Priority, spec.MaxAttempts); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}
	tasks := make([]*queue.Task, 0, len(specs))
	for i, spec := range specs {
		task, err := d.Submit(ctx, spec.Payload, spec.Priority, spec.MaxAttempts)
		if err != nil {
			return tasks, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Claim hands the best queued task to a live agent. Agents that are
// unknown or past their heartbeat deadline get ErrAgentNotFound, and a
// stale one is evicted on the spot rather than waiting for the sweep.
func (d *Dispatcher) Claim(ctx context.Context, agentID string, lease time.Duration) (*queue.Task, bool, error) {
	if err := validateID("agent id", agentID); err != nil {
		return nil, false, err
	}

	live, err := d.registry.IsLive(ctx, agentID)
	if err != nil {
		return nil, false, translate(err)
	}
	if !live {
		d.evictStale(ctx, agentID)
		return nil, false, fmt.Errorf("agent %q must register before claiming: %w", agentID, registry.ErrAgentNotFound)
	}

	task, ok, err := d.queue.Claim(ctx, agentID, lease)
	if err != nil {
		return nil, false, translate(err)
	}
	if !ok {
		return nil, false, nil
	}
	d.events.Publish(Event{Kind: EventTaskStateChanged, At: time.Now(), Task: task, From: queue.StateQueued, To: queue.StateClaimed})
	return task, true, nil
}

// DispatchNext pushes the best queued task to the least loaded live agent.
// Returns false when there is nothing to dispatch or nobody to take it. A
// declined delivery releases the task without spending an attempt.
func (d *Dispatcher) DispatchNext(ctx context.Context) (bool, error) {
	if d.deliverer == nil {
		return false, fmt.Errorf("%w: no task deliverer configured", ErrInvalidArgument)
	}

	agents, err := d.registry.List(ctx)
	if err != nil {
		return false, translate(err)
	}
	agent := pickLeastLoaded(agents)
	if agent == nil {
		return false, nil
	}

	task, ok, err := d.queue.Claim(ctx, agent.ID, 0)
	if err != nil {
		return false, translate(err)
	}
	if !ok {
		return false, nil
	}
	d.events.Publish(Event{Kind: EventTaskStateChanged, At: time.Now(), Task: task, From: queue.StateQueued, To: queue.StateClaimed})

	accepted, err := d.deliverer.DeliverTask(ctx, agent.ID, *task)
	if err != nil || !accepted {
		if change, rerr := d.queue.Release(ctx, task.ID, agent.ID); rerr != nil {
			d.logger.Warn("releasing undelivered task", "task_id", task.ID, "error", rerr)
		} else if change != nil {
			d.publishTaskChange(*change)
		}
		if err != nil {
			return false, fmt.Errorf("delivering task %s to agent %s: %w", task.ID, agent.ID, err)
		}
		return false, nil
	}
	return true, nil
}

// Acknowledge marks a claimed task done. Only the claim holder may
// acknowledge, and only while the claim lease is unexpired.
func (d *Dispatcher) Acknowledge(ctx context.Context, taskID, agentID string, result json.RawMessage) error {
	if err := validateID("task id", taskID); err != nil {
		return err
	}
	if err := validateID("agent id", agentID); err != nil {
		return err
	}
	change, err := d.queue.Acknowledge(ctx, taskID, agentID, result)
	if err != nil {
		return translate(err)
	}
	if change != nil {
		d.publishTaskChange(*change)
	}
	return nil
}

// Fail reports a claimed task as failed, spending one attempt.
func (d *Dispatcher) Fail(ctx context.Context, taskID, agentID, reason string) error {
	if err := validateID("task id", taskID); err != nil {
		return err
	}
	if err := validateID("agent id", agentID); err != nil {
		return err
	}
	change, err := d.queue.Fail(ctx, taskID, agentID, reason)
	if err != nil {
		return translate(err)
	}
	if change != nil {
		d.publishTaskChange(*change)
	}
	return nil
}

// Cancel withdraws a task that has not finished. Finished tasks report
// ErrTaskNotFound; repeat cancellations are a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	if err := validateID("task id", taskID); err != nil {
		return err
	}
	change, err := d.queue.Cancel(ctx, taskID)
	if err != nil {
		return translate(err)
	}
	if change != nil {
		d.publishTaskChange(*change)
	}
	return nil
}

// TaskStatus returns one task's snapshot, or ErrTaskNotFound.
func (d *Dispatcher) TaskStatus(ctx context.Context, taskID string) (*queue.Task, error) {
	if err := validateID("task id", taskID); err != nil {
		return nil, err
	}
	task, err := d.queue.Lookup(ctx, taskID)
	return task, translate(err)
}

// QueueStats counts tasks by state.
func (d *Dispatcher) QueueStats(ctx context.Context) (queue.Stats, error) {
	stats, err := d.queue.Stats(ctx)
	return stats, translate(err)
}

// Leadership returns the current lease and whether this replica holds it.
func (d *Dispatcher) Leadership(ctx context.Context) (*election.Lease, bool, error) {
	lease, err := d.elector.Leader(ctx)
	if err != nil {
		return nil, false, translate(err)
	}
	return lease, d.elector.IsLeader(), nil
}

// Subscribe attaches to this replica's event stream.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, string) {
	return d.events.Subscribe(ctx)
}

// Unsubscribe detaches a subscription by id.
func (d *Dispatcher) Unsubscribe(subID string) {
	d.events.Unsubscribe(subID)
}

// AgentEvicted implements the monitor sink: it publishes the released
// task transitions and the eviction itself, then invokes the notifier.
func (d *Dispatcher) AgentEvicted(ctx context.Context, ev registry.Eviction, released []queue.Change) {
	for _, change := range released {
		d.publishTaskChange(change)
	}
	d.events.Publish(Event{
		Kind:          EventAgentEvicted,
		At:            time.Now(),
		AgentID:       ev.AgentID,
		LastSeen:      ev.LastSeen,
		ReleasedTasks: len(released),
	})
	if d.notifier != nil {
		d.notifier.NotifyEviction(ctx, ev)
	}
}

// evictStale removes an agent that was caught stale outside a sweep, going
// through the same conditional path the monitor uses.
func (d *Dispatcher) evictStale(ctx context.Context, agentID string) {
	ev, err := d.registry.EvictStale(ctx, agentID)
	if err != nil {
		d.logger.Warn("eviction attempt failed", "agent_id", agentID, "error", err)
		return
	}
	if ev == nil {
		return
	}
	released, err := d.queue.ReleaseClaims(ctx, ev.AgentID)
	if err != nil {
		d.logger.Warn("releasing claims after eviction", "agent_id", ev.AgentID, "error", err)
	}
	d.AgentEvicted(ctx, *ev, released)
}

func (d *Dispatcher) publishTaskChange(change queue.Change) {
	d.events.Publish(Event{
		Kind: EventTaskStateChanged,
		At:   time.Now(),
		Task: &change.Task,
		From: change.From,
		To:   change.To,
	})
}

// pickLeastLoaded chooses the live agent with the lowest reported load,
// breaking ties by process count and then id for determinism.
func pickLeastLoaded(agents []registry.Agent) *registry.Agent {
	var best *registry.Agent
	for i := range agents {
		a := &agents[i]
		if !a.Live {
			continue
		}
		if best == nil {
			best = a
			continue
		}
		if a.Stats.CPULoad != best.Stats.CPULoad {
			if a.Stats.CPULoad < best.Stats.CPULoad {
				best = a
			}
			continue
		}
		if a.Stats.Processes != best.Stats.Processes {
			if a.Stats.Processes < best.Stats.Processes {
				best = a
			}
			continue
		}
		if a.ID < best.ID {
			best = a
		}
	}
	return best
}

func validateID(what, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidArgument, what)
	}
	return nil
}

func validateTaskSpec(priority, maxAttempts int) error {
	if priority <= 0 {
		return fmt.Errorf("%w: priority must be positive, got %d", ErrInvalidArgument, priority)
	}
	if maxAttempts < 0 {
		return fmt.Errorf("%w: max attempts must not be negative, got %d", ErrInvalidArgument, maxAttempts)
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}
