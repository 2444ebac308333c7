package session

import (
	"context"
	"errors"

	"github.com/mernickets/portal/internal/identity"
)

// ErrClosed is returned by a Synchronizer after Close.
var ErrClosed = errors.New("session: synchronizer closed")

// Store persists per-client session state. Generations make writes
// order-safe: Begin starts a new generation and Commit applies only if no
// newer generation has started since.
type Store interface {
	// Begin starts a new generation for key: it records principal (nil
	// clears it), clears token and role, and sets the loading flag.
	Begin(ctx context.Context, key string, principal *identity.Principal, loading bool) (uint64, error)
	// Commit writes token and role and clears loading if gen is still the
	// latest generation for key. It reports whether the write was applied.
	Commit(ctx context.Context, key string, gen uint64, token string, role Role) (bool, error)
	// Load returns the current state; unknown keys yield the anonymous state.
	Load(ctx context.Context, key string) (State, error)
}
