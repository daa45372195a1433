// ABOUTME: Tests for leader election: exclusivity, term monotonicity, renewal, demotion.
// ABOUTME: Drives Campaign/Renew directly for determinism; Run gets one end-to-end test.

package election

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warren-control/internal/store"
)

func newTestElector(t *testing.T, st store.Store, id string, ttl time.Duration) *Elector {
	t.Helper()
	return New(st, id, Config{LeaseTTL: ttl, RenewInterval: ttl / 3})
}

func TestElector_FirstCampaign(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	e := newTestElector(t, st, "replica-1", time.Minute)
	require.NoError(t, e.Campaign(ctx))

	assert.True(t, e.IsLeader())
	assert.Equal(t, int64(1), e.Term(), "the first lease starts the term sequence at 1")

	lease, err := e.Leader(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "replica-1", lease.HolderID)
	assert.Equal(t, int64(1), lease.Term)
	assert.False(t, lease.Expired(time.Now()))
}

func TestElector_NoLeaseYet(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	e := newTestElector(t, st, "replica-1", time.Minute)
	lease, err := e.Leader(context.Background())
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestElector_ExclusiveLeadership(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	electors := []*Elector{
		newTestElector(t, st, "replica-1", time.Minute),
		newTestElector(t, st, "replica-2", time.Minute),
		newTestElector(t, st, "replica-3", time.Minute),
	}

	var wg sync.WaitGroup
	for _, e := range electors {
		wg.Add(1)
		go func(e *Elector) {
			defer wg.Done()
			assert.NoError(t, e.Campaign(ctx))
		}(e)
	}
	wg.Wait()

	leaders := 0
	for _, e := range electors {
		if e.IsLeader() {
			leaders++
			assert.Equal(t, int64(1), e.Term())
		}
	}
	assert.Equal(t, 1, leaders, "exactly one replica may hold the lease")
}

func TestElector_LiveLeaseBlocksTakeover(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	holder := newTestElector(t, st, "replica-1", time.Minute)
	require.NoError(t, holder.Campaign(ctx))

	rival := newTestElector(t, st, "replica-2", time.Minute)
	require.NoError(t, rival.Campaign(ctx))
	assert.False(t, rival.IsLeader(), "a live lease must not be taken over")
	assert.True(t, holder.IsLeader())
}

func TestElector_TakeoverAfterExpiry(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	old := newTestElector(t, st, "replica-1", 30*time.Millisecond)
	require.NoError(t, old.Campaign(ctx))
	require.True(t, old.IsLeader())

	time.Sleep(50 * time.Millisecond)

	usurper := newTestElector(t, st, "replica-2", time.Minute)
	require.NoError(t, usurper.Campaign(ctx))
	assert.True(t, usurper.IsLeader())
	assert.Equal(t, int64(2), usurper.Term(), "takeover continues the term sequence")

	// The old leader notices on its next renewal and steps down.
	require.NoError(t, old.Renew(ctx))
	assert.False(t, old.IsLeader())
}

func TestElector_ConcurrentTakeover(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	old := newTestElector(t, st, "replica-0", 30*time.Millisecond)
	require.NoError(t, old.Campaign(ctx))
	time.Sleep(50 * time.Millisecond)

	candidates := []*Elector{
		newTestElector(t, st, "replica-1", time.Minute),
		newTestElector(t, st, "replica-2", time.Minute),
		newTestElector(t, st, "replica-3", time.Minute),
		newTestElector(t, st, "replica-4", time.Minute),
	}

	var wg sync.WaitGroup
	for _, e := range candidates {
		wg.Add(1)
		go func(e *Elector) {
			defer wg.Done()
			assert.NoError(t, e.Campaign(ctx))
		}(e)
	}
	wg.Wait()

	leaders := 0
	for _, e := range candidates {
		if e.IsLeader() {
			leaders++
			assert.Equal(t, int64(2), e.Term())
		}
	}
	assert.Equal(t, 1, leaders, "an expired lease is taken over by exactly one candidate")
}

func TestElector_RenewExtendsLease(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	holder := newTestElector(t, st, "replica-1", 60*time.Millisecond)
	require.NoError(t, holder.Campaign(ctx))

	// Renew halfway through; the original TTL would lapse without it.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, holder.Renew(ctx))
	time.Sleep(40 * time.Millisecond)

	rival := newTestElector(t, st, "replica-2", time.Minute)
	require.NoError(t, rival.Campaign(ctx))
	assert.False(t, rival.IsLeader(), "renewal should have extended the lease past the original TTL")
	assert.True(t, holder.IsLeader())
	assert.Equal(t, int64(1), holder.Term(), "renewal never changes the term")
}

func TestElector_DemoteWhenUsurped(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	holder := newTestElector(t, st, "replica-1", time.Minute)
	require.NoError(t, holder.Campaign(ctx))

	// Another replica's takeover lands between our renewals.
	usurped := Lease{HolderID: "replica-2", Term: 2, ExpiresAt: time.Now().Add(time.Minute)}
	raw, err := json.Marshal(usurped)
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, leaseKey, raw))

	require.NoError(t, holder.Renew(ctx))
	assert.False(t, holder.IsLeader(), "a failed renewal demotes immediately")
}

func TestElector_PanicOnForeignTerm(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	holder := newTestElector(t, st, "replica-1", time.Minute)
	require.NoError(t, holder.Campaign(ctx))

	// The store naming us holder at a term we never held is unrecoverable.
	forged := Lease{HolderID: "replica-1", Term: 7, ExpiresAt: time.Now().Add(time.Minute)}
	raw, err := json.Marshal(forged)
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, leaseKey, raw))

	assert.Panics(t, func() { _ = holder.Renew(ctx) })
}

func TestElector_RunResignsOnShutdown(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	first := New(st, "replica-1", Config{LeaseTTL: 200 * time.Millisecond, RenewInterval: 40 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		first.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !first.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("replica-1 never became leader")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// Resignation expires the lease in place, so a successor takes over
	// immediately and the term sequence continues.
	second := newTestElector(t, st, "replica-2", time.Minute)
	require.NoError(t, second.Campaign(context.Background()))
	assert.True(t, second.IsLeader())
	assert.Equal(t, int64(2), second.Term())
}

func TestElector_TermsNeverDecrease(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	var lastTerm int64
	for i, id := range []string{"replica-1", "replica-2", "replica-3"} {
		e := newTestElector(t, st, id, 20*time.Millisecond)
		require.NoError(t, e.Campaign(ctx))
		require.True(t, e.IsLeader(), "campaign %d should win an expired lease", i)

		lease, err := e.Leader(ctx)
		require.NoError(t, err)
		require.NotNil(t, lease)
		assert.Greater(t, lease.Term, lastTerm, "terms must grow across successions")
		lastTerm = lease.Term

		time.Sleep(35 * time.Millisecond)
	}
	assert.Equal(t, int64(3), lastTerm)
}
