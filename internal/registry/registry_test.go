// ABOUTME: Tests for the agent registry: registration, heartbeats, liveness, eviction.
// ABOUTME: Validates that liveness evidence always beats a racing eviction.

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/2389/warren-control/internal/store"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *Registry {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	return New(st, ttl)
}

func TestRegistryRegister(t *testing.T) {
	t.Run("registers and reports live", func(t *testing.T) {
		r := newTestRegistry(t, time.Minute)
		ctx := context.Background()

		agent, err := r.Register(ctx, "worker-1", map[string]string{"model": "large"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !agent.Live {
			t.Error("freshly registered agent should be live")
		}

		got, err := r.Get(ctx, "worker-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Metadata["model"] != "large" {
			t.Errorf("metadata not stored, got %v", got.Metadata)
		}
		if !got.Live {
			t.Error("agent should be live")
		}
	})

	t.Run("re-registration replaces metadata without error", func(t *testing.T) {
		r := newTestRegistry(t, time.Minute)
		ctx := context.Background()

		if _, err := r.Register(ctx, "worker-1", map[string]string{"model": "small"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := r.Register(ctx, "worker-1", map[string]string{"model": "large"}); err != nil {
			t.Fatalf("re-registration should succeed: %v", err)
		}

		got, err := r.Get(ctx, "worker-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Metadata["model"] != "large" {
			t.Errorf("expected replaced metadata, got %v", got.Metadata)
		}
	})
}

func TestRegistryHeartbeat(t *testing.T) {
	t.Run("updates timestamp and stats", func(t *testing.T) {
		r := newTestRegistry(t, time.Minute)
		ctx := context.Background()

		if _, err := r.Register(ctx, "worker-1", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		before, _ := r.Get(ctx, "worker-1")
		time.Sleep(10 * time.Millisecond)

		if err := r.Heartbeat(ctx, "worker-1", Stats{CPULoad: 0.7, Processes: 3}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		after, err := r.Get(ctx, "worker-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !after.LastHeartbeatAt.After(before.LastHeartbeatAt) {
			t.Error("heartbeat should advance the liveness timestamp")
		}
		if after.Stats.CPULoad != 0.7 || after.Stats.Processes != 3 {
			t.Errorf("stats not recorded: %+v", after.Stats)
		}
	})

	t.Run("unknown agent gets ErrAgentNotFound", func(t *testing.T) {
		r := newTestRegistry(t, time.Minute)

		err := r.Heartbeat(context.Background(), "ghost", Stats{})
		if !errors.Is(err, ErrAgentNotFound) {
			t.Errorf("expected ErrAgentNotFound, got %v", err)
		}
	})

	t.Run("heartbeat after unregister gets ErrAgentNotFound", func(t *testing.T) {
		r := newTestRegistry(t, time.Minute)
		ctx := context.Background()

		if _, err := r.Register(ctx, "worker-1", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := r.Unregister(ctx, "worker-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		err := r.Heartbeat(ctx, "worker-1", Stats{})
		if !errors.Is(err, ErrAgentNotFound) {
			t.Errorf("expected ErrAgentNotFound, got %v", err)
		}
	})
}

func TestRegistryIsLive(t *testing.T) {
	t.Run("live inside deadline, stale after", func(t *testing.T) {
		r := newTestRegistry(t, 50*time.Millisecond)
		ctx := context.Background()

		if _, err := r.Register(ctx, "worker-1", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		live, err := r.IsLive(ctx, "worker-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !live {
			t.Error("agent should be live inside its deadline")
		}

		time.Sleep(80 * time.Millisecond)

		live, err = r.IsLive(ctx, "worker-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if live {
			t.Error("agent past its deadline should not be live")
		}
	})

	t.Run("unknown agent is not live", func(t *testing.T) {
		r := newTestRegistry(t, time.Minute)

		live, err := r.IsLive(context.Background(), "ghost")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if live {
			t.Error("unknown agent must not be live")
		}
	})
}

func TestRegistryList(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	if _, err := r.Register(ctx, "worker-b", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(80 * time.Millisecond) // worker-b goes stale
	if _, err := r.Register(ctx, "worker-a", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	agents, err := r.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	if agents[0].ID != "worker-a" || agents[1].ID != "worker-b" {
		t.Errorf("expected sorted ids, got %s, %s", agents[0].ID, agents[1].ID)
	}
	if !agents[0].Live {
		t.Error("worker-a should be live")
	}
	if agents[1].Live {
		t.Error("worker-b should be stale")
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if _, err := r.Register(ctx, "worker-1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Unregister(ctx, "worker-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := r.Get(ctx, "worker-1"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}

	// Unregistering again is a no-op
	if err := r.Unregister(ctx, "worker-1"); err != nil {
		t.Errorf("repeat unregister should not error: %v", err)
	}
}

func TestRegistryEvictStale(t *testing.T) {
	t.Run("evicts an agent past its deadline", func(t *testing.T) {
		r := newTestRegistry(t, 40*time.Millisecond)
		ctx := context.Background()

		if _, err := r.Register(ctx, "worker-1", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		time.Sleep(70 * time.Millisecond)

		ev, err := r.EvictStale(ctx, "worker-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev == nil {
			t.Fatal("expected an eviction")
		}
		if ev.AgentID != "worker-1" {
			t.Errorf("wrong agent evicted: %s", ev.AgentID)
		}
		if ev.LastSeen.IsZero() {
			t.Error("eviction should carry the last-seen timestamp")
		}

		if _, err := r.Get(ctx, "worker-1"); !errors.Is(err, ErrAgentNotFound) {
			t.Errorf("evicted agent should be gone, got %v", err)
		}
		if err := r.Heartbeat(ctx, "worker-1", Stats{}); !errors.Is(err, ErrAgentNotFound) {
			t.Errorf("heartbeat after eviction should signal re-register, got %v", err)
		}
	})

	t.Run("leaves a live agent alone", func(t *testing.T) {
		r := newTestRegistry(t, time.Minute)
		ctx := context.Background()

		if _, err := r.Register(ctx, "worker-1", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ev, err := r.EvictStale(ctx, "worker-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev != nil {
			t.Fatal("live agent must not be evicted")
		}

		live, _ := r.IsLive(ctx, "worker-1")
		if !live {
			t.Error("agent should still be registered and live")
		}
	})

	t.Run("unknown agent is a no-op", func(t *testing.T) {
		r := newTestRegistry(t, time.Minute)

		ev, err := r.EvictStale(context.Background(), "ghost")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev != nil {
			t.Error("nothing to evict for an unknown agent")
		}
	})

	t.Run("exactly one eviction across concurrent sweeps", func(t *testing.T) {
		r := newTestRegistry(t, 30*time.Millisecond)
		ctx := context.Background()

		if _, err := r.Register(ctx, "worker-1", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		time.Sleep(60 * time.Millisecond)

		const sweepers = 3
		evictions := make(chan *Eviction, sweepers)
		var wg sync.WaitGroup
		for i := 0; i < sweepers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ev, err := r.EvictStale(ctx, "worker-1")
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if ev != nil {
					evictions <- ev
				}
			}()
		}
		wg.Wait()
		close(evictions)

		count := 0
		for range evictions {
			count++
		}
		if count != 1 {
			t.Errorf("expected exactly 1 eviction, got %d", count)
		}
	})

	t.Run("steady heartbeats keep the agent registered under sweep pressure", func(t *testing.T) {
		r := newTestRegistry(t, 60*time.Millisecond)
		ctx := context.Background()

		if _, err := r.Register(ctx, "worker-1", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		stop := make(chan struct{})
		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(5 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := r.Heartbeat(ctx, "worker-1", Stats{}); err != nil {
						t.Errorf("heartbeat failed mid-run: %v", err)
						return
					}
				case <-stop:
					return
				}
			}
		}()

		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				deadline := time.Now().Add(250 * time.Millisecond)
				for time.Now().Before(deadline) {
					ev, err := r.EvictStale(ctx, "worker-1")
					if err != nil {
						t.Errorf("unexpected error: %v", err)
						return
					}
					if ev != nil {
						t.Error("heartbeating agent was evicted")
						return
					}
				}
			}()
		}

		time.Sleep(260 * time.Millisecond)
		close(stop)
		wg.Wait()

		live, err := r.IsLive(ctx, "worker-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !live {
			t.Error("agent should have survived the sweeps")
		}
	})
}
