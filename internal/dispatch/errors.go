// ABOUTME: Error taxonomy exposed at the dispatch boundary.
// ABOUTME: Domain sentinels pass through; everything else wraps as a store failure.

package dispatch

import (
	"errors"
	"fmt"

	"github.com/2389/warren-control/internal/queue"
	"github.com/2389/warren-control/internal/registry"
)

var (
	// ErrInvalidArgument rejects malformed requests before they reach the
	// store: empty ids, non-positive priorities, negative attempt limits.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStoreUnavailable wraps coordination store failures. Callers should
	// treat it as transient and retry with backoff.
	ErrStoreUnavailable = errors.New("coordination store unavailable")
)

// translate maps lower-layer errors onto the boundary taxonomy. The domain
// sentinels (unknown agent, unknown task, invalid claim) pass through so
// callers can match them with errors.Is; anything else is assumed to be the
// store misbehaving.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, queue.ErrTaskNotFound),
		errors.Is(err, queue.ErrInvalidClaim),
		errors.Is(err, ErrInvalidArgument):
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
