// ABOUTME: Coordination store contract shared by every control-plane replica.
// ABOUTME: Defines atomic conditional KV operations plus a scored (priority-ordered) collection.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Store is the shared coordination primitive. Replicas hold no authoritative
// state of their own; everything they agree on lives behind this interface.
//
// Conditional operations (Acquire, CompareAndSwap, CompareAndDelete, Touch)
// return false rather than an error when the condition does not hold; losing
// a race is an expected outcome, not a failure. A ttl of zero or less means
// the key never expires. Expired keys behave as absent everywhere: reads miss,
// Acquire treats them as free, and compare operations fail against them.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key unconditionally, clearing any expiry.
	Set(ctx context.Context, key string, value []byte) error

	// SetWithTTL writes value at key with an expiry of now+ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Acquire writes value at key only if the key is absent or expired.
	// Reports whether the write happened.
	Acquire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value at key only if the current, unexpired
	// value equals expect. Reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, expect, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if the current, unexpired value
	// equals expect. Reports whether the delete happened.
	CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error)

	// Touch extends the expiry of an existing, unexpired key to now+ttl.
	// Reports whether the key was found.
	Touch(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// List returns all unexpired key/value pairs whose key starts with
	// prefix. Prefixes are literal path segments such as "agents/".
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// ScoredInsert adds member to the named scored set, or re-ranks it if
	// already present. Higher scores rank first; seq breaks ties ascending.
	ScoredInsert(ctx context.Context, set, member string, score int, seq int64) error

	// ScoredPopMax atomically removes and returns the best-ranked member
	// (score desc, seq asc). Returns ErrNotFound when the set is empty.
	ScoredPopMax(ctx context.Context, set string) (string, error)

	// ScoredRemove removes member from the named set. Removing an absent
	// member is not an error.
	ScoredRemove(ctx context.Context, set, member string) error

	// Close releases resources and stops background maintenance.
	Close() error
}
