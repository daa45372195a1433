// ABOUTME: In-memory fan-out broadcaster for control plane events.
// ABOUTME: Publishes agent and task lifecycle changes to all local subscribers.

package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/warren-control/internal/queue"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// EventKind discriminates control plane events.
type EventKind string

const (
	EventAgentRegistered  EventKind = "agent_registered"
	EventAgentEvicted     EventKind = "agent_evicted"
	EventTaskStateChanged EventKind = "task_state_changed"
)

// Event is one observable control plane occurrence. Agent events carry the
// agent fields; task events carry the task snapshot plus its transition. A
// task event with an empty From means the task was just created.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`

	AgentID       string    `json:"agent_id,omitempty"`
	LastSeen      time.Time `json:"last_seen,omitzero"`
	ReleasedTasks int       `json:"released_tasks,omitempty"`

	Task *queue.Task `json:"task,omitempty"`
	From queue.State `json:"from,omitempty"`
	To   queue.State `json:"to,omitempty"`
}

// Broadcaster provides in-memory pub/sub for Events. Subscriptions are
// local to one replica: each replica observes the changes it performed,
// not a global feed.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		logger:      slog.Default().With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber and returns its event channel plus a
// subscription id for Unsubscribe. The subscription is cleaned up
// automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers the event to every subscriber. Non-blocking: the event
// is dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "kind", event.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel. Unknown ids
// are a no-op.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
}
