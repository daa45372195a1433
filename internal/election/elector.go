// ABOUTME: Lease-based leader election over the coordination store.
// ABOUTME: One lease record, monotonic terms, conditional writes for every transition.

package election

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/2389/warren-control/internal/store"
)

// leaseKey is the single store key all replicas compete for.
const leaseKey = "election/leader"

// Lease is the persisted leadership record. It is written without a store
// TTL: expiry is judged from ExpiresAt so the term survives the lease
// lapsing and the next holder can continue the sequence.
type Lease struct {
	HolderID  string    `json:"holder_id"`
	Term      int64     `json:"term"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed as of now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Config holds election timing.
type Config struct {
	// LeaseTTL is how long a granted lease is valid without renewal.
	LeaseTTL time.Duration
	// RenewInterval is how often the current leader extends its lease.
	// Followers campaign on the same cadence plus jitter.
	RenewInterval time.Duration
}

// Elector campaigns for, renews, and relinquishes the leader lease on
// behalf of one replica. All store writes are conditional, so any number
// of electors can run against the same store.
type Elector struct {
	store  store.Store
	id     string
	ttl    time.Duration
	renew  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	leader  bool
	term    int64
	lastRaw []byte
}

// New returns an elector for the given replica. Zero config fields take
// defaults: a 15s lease renewed every third of its TTL.
func New(st store.Store, replicaID string, cfg Config) *Elector {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Second
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.LeaseTTL / 3
	}
	return &Elector{
		store:  st,
		id:     replicaID,
		ttl:    cfg.LeaseTTL,
		renew:  cfg.RenewInterval,
		logger: slog.Default().With("component", "election"),
	}
}

// IsLeader reports this replica's current belief about its own leadership.
// It can be stale by at most one renewal interval.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Term returns the last term this replica held. It is only meaningful
// alongside IsLeader.
func (e *Elector) Term() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// Leader reads the current lease from the store. It returns nil when no
// lease has ever been written.
func (e *Elector) Leader(ctx context.Context) (*Lease, error) {
	raw, err := e.store.Get(ctx, leaseKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading leader lease: %w", err)
	}
	var lease Lease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return nil, fmt.Errorf("decoding leader lease: %w", err)
	}
	return &lease, nil
}

// Campaign makes a single attempt to take leadership. Holding replicas
// are left alone; a lapsed lease is taken over at term+1 with a swap
// conditioned on the exact bytes observed, so concurrent candidates
// resolve to at most one winner. Losing is not an error: the caller
// backs off until the next cycle.
func (e *Elector) Campaign(ctx context.Context) error {
	if e.IsLeader() {
		return nil
	}

	raw, err := e.store.Get(ctx, leaseKey)
	if errors.Is(err, store.ErrNotFound) {
		return e.establish(ctx)
	}
	if err != nil {
		return fmt.Errorf("reading leader lease: %w", err)
	}

	var current Lease
	if err := json.Unmarshal(raw, &current); err != nil {
		return fmt.Errorf("decoding leader lease: %w", err)
	}

	now := time.Now()
	if !current.Expired(now) {
		return nil
	}

	next := Lease{HolderID: e.id, Term: current.Term + 1, ExpiresAt: now.Add(e.ttl)}
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding leader lease: %w", err)
	}

	ok, err := e.store.CompareAndSwap(ctx, leaseKey, raw, nextRaw, 0)
	if err != nil {
		return fmt.Errorf("taking over leader lease: %w", err)
	}
	if !ok {
		// Another candidate won the takeover race.
		return nil
	}

	e.promote(next, nextRaw)
	return nil
}

// establish writes the very first lease at term 1. Acquire only succeeds
// while the key is absent, so concurrent founders resolve to one winner.
func (e *Elector) establish(ctx context.Context) error {
	lease := Lease{HolderID: e.id, Term: 1, ExpiresAt: time.Now().Add(e.ttl)}
	raw, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("encoding leader lease: %w", err)
	}

	ok, err := e.store.Acquire(ctx, leaseKey, raw, 0)
	if err != nil {
		return fmt.Errorf("writing first leader lease: %w", err)
	}
	if !ok {
		return nil
	}

	e.promote(lease, raw)
	return nil
}

// Renew extends the lease this replica holds. Any failure, a swap lost
// to a usurper or a store error, demotes immediately: the replica never
// re-asserts a term it failed to renew, it campaigns fresh next cycle.
func (e *Elector) Renew(ctx context.Context) error {
	e.mu.Lock()
	if !e.leader {
		e.mu.Unlock()
		return nil
	}
	term := e.term
	lastRaw := e.lastRaw
	e.mu.Unlock()

	next := Lease{HolderID: e.id, Term: term, ExpiresAt: time.Now().Add(e.ttl)}
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding leader lease: %w", err)
	}

	ok, err := e.store.CompareAndSwap(ctx, leaseKey, lastRaw, nextRaw, 0)
	if err != nil {
		e.demote("store unreachable during renewal")
		return fmt.Errorf("renewing leader lease: %w", err)
	}
	if !ok {
		e.checkUsurper(ctx, term)
		e.demote("lease changed hands")
		return nil
	}

	e.mu.Lock()
	e.lastRaw = nextRaw
	e.mu.Unlock()
	return nil
}

// checkUsurper inspects the lease after a failed renewal. A lease naming
// this replica at a term it never held means local state and store state
// have diverged; continuing could yield two replicas acting as leader,
// so that state is fatal.
func (e *Elector) checkUsurper(ctx context.Context, term int64) {
	raw, err := e.store.Get(ctx, leaseKey)
	if err != nil {
		return
	}
	var lease Lease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return
	}
	if lease.HolderID == e.id && lease.Term != term {
		panic(fmt.Sprintf("election: store holds lease for %s at term %d, this replica is at term %d", e.id, lease.Term, term))
	}
}

// Run drives the elector until ctx is cancelled: campaign immediately,
// then renew while leading and campaign with jitter while following.
// On shutdown a leader expires its own lease in place so followers can
// take over without waiting out the TTL.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info("election loop started", "replica_id", e.id, "lease_ttl", e.ttl, "renew_interval", e.renew)

	if err := e.Campaign(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("campaign failed", "replica_id", e.id, "error", err)
	}

	for {
		timer := time.NewTimer(e.nextWait())
		select {
		case <-ctx.Done():
			timer.Stop()
			e.resign()
			return
		case <-timer.C:
		}

		if e.IsLeader() {
			if err := e.Renew(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("lease renewal failed", "replica_id", e.id, "error", err)
			}
		} else {
			if err := e.Campaign(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("campaign failed", "replica_id", e.id, "error", err)
			}
		}
	}
}

// nextWait picks the delay before the next election action. Followers
// spread their campaigns out so a leader failure does not produce a
// synchronized stampede of takeover attempts.
func (e *Elector) nextWait() time.Duration {
	if e.IsLeader() {
		return e.renew
	}
	return e.renew + rand.N(e.renew/2+1)
}

// resign expires the held lease in place rather than deleting it: the
// term must survive so the next holder still increments it.
func (e *Elector) resign() {
	e.mu.Lock()
	leader := e.leader
	term := e.term
	lastRaw := e.lastRaw
	e.mu.Unlock()
	if !leader {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lease := Lease{HolderID: e.id, Term: term, ExpiresAt: time.Now()}
	raw, err := json.Marshal(lease)
	if err == nil {
		if _, err := e.store.CompareAndSwap(ctx, leaseKey, lastRaw, raw, 0); err != nil {
			e.logger.Warn("resigning leadership", "replica_id", e.id, "error", err)
		}
	}
	e.demote("shutting down")
}

func (e *Elector) promote(lease Lease, raw []byte) {
	e.mu.Lock()
	e.leader = true
	e.term = lease.Term
	e.lastRaw = raw
	e.mu.Unlock()
	e.logger.Info("became leader", "replica_id", e.id, "term", lease.Term)
}

func (e *Elector) demote(reason string) {
	e.mu.Lock()
	wasLeader := e.leader
	term := e.term
	e.leader = false
	e.lastRaw = nil
	e.mu.Unlock()
	if wasLeader {
		e.logger.Info("lost leadership", "replica_id", e.id, "term", term, "reason", reason)
	}
}
