// ABOUTME: In-memory Store implementation backed by mutex-guarded maps.
// ABOUTME: Used by tests and the in-process simulation harness.

package store

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

type kvEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e kvEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type scoredEntry struct {
	score int
	seq   int64
}

// MemoryStore implements Store with process-local maps. It honors the same
// conditional-write semantics as the durable implementation, so replicas in a
// single process (tests, simulate) coordinate exactly as they would against
// shared SQLite.
type MemoryStore struct {
	mu     sync.RWMutex
	kv     map[string]kvEntry
	scored map[string]map[string]scoredEntry
	done   chan struct{}
	closed bool
}

// NewMemory creates an empty in-memory store. A background goroutine
// periodically drops expired keys; Close stops it.
func NewMemory() *MemoryStore {
	s := &MemoryStore{
		kv:     make(map[string]kvEntry),
		scored: make(map[string]map[string]scoredEntry),
		done:   make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.kv[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithTTL(ctx, key, value, 0)
}

func (s *MemoryStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv[key] = kvEntry{value: bytes.Clone(value), expiresAt: expiry(ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.kv, key)
	return nil
}

func (s *MemoryStore) Acquire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.kv[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	s.kv[key] = kvEntry{value: bytes.Clone(value), expiresAt: expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expect, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.kv[key]
	if !ok || e.expired(time.Now()) || !bytes.Equal(e.value, expect) {
		return false, nil
	}
	s.kv[key] = kvEntry{value: bytes.Clone(value), expiresAt: expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.kv[key]
	if !ok || e.expired(time.Now()) || !bytes.Equal(e.value, expect) {
		return false, nil
	}
	delete(s.kv, key)
	return true, nil
}

func (s *MemoryStore) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.kv[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	e.expiresAt = expiry(ttl)
	s.kv[key] = e
	return true, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make(map[string][]byte)
	for key, e := range s.kv {
		if strings.HasPrefix(key, prefix) && !e.expired(now) {
			out[key] = bytes.Clone(e.value)
		}
	}
	return out, nil
}

func (s *MemoryStore) ScoredInsert(ctx context.Context, set, member string, score int, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.scored[set]
	if !ok {
		members = make(map[string]scoredEntry)
		s.scored[set] = members
	}
	members[member] = scoredEntry{score: score, seq: seq}
	return nil
}

func (s *MemoryStore) ScoredPopMax(ctx context.Context, set string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.scored[set]
	if len(members) == 0 {
		return "", ErrNotFound
	}

	var best string
	var bestEntry scoredEntry
	first := true
	for member, e := range members {
		if first || ranksAbove(member, e, best, bestEntry) {
			best, bestEntry = member, e
			first = false
		}
	}
	delete(members, best)
	if len(members) == 0 {
		delete(s.scored, set)
	}
	return best, nil
}

func (s *MemoryStore) ScoredRemove(ctx context.Context, set, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.scored[set]
	delete(members, member)
	if len(members) == 0 {
		delete(s.scored, set)
	}
	return nil
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
	return nil
}

// ranksAbove reports whether (member, e) outranks (other, oe):
// score desc, then seq asc, then member asc for determinism.
func ranksAbove(member string, e scoredEntry, other string, oe scoredEntry) bool {
	if e.score != oe.score {
		return e.score > oe.score
	}
	if e.seq != oe.seq {
		return e.seq < oe.seq
	}
	return member < other
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dropExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) dropExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.kv {
		if e.expired(now) {
			delete(s.kv, key)
		}
	}
}
