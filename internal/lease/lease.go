// Package lease provides short-TTL advisory locks backed by a shared store.
//
// A lease is {key, ownerToken, expiresAt}. It exists for one purpose:
// serializing challenge creation per challenger across server processes, so
// two concurrent challenge-creation calls cannot both pass a stale balance
// check before either commits. The TTL guarantees a crashed holder cannot
// deadlock future callers, and release requires a token match so a late,
// stale holder cannot release someone else's lease.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseBusy indicates the lease is held by another live owner. It is a
// soft, retryable condition: background jobs skip the cycle rather than
// erroring loudly.
var ErrLeaseBusy = errors.New("lease: busy")

// Store is the shared-store contract for leases.
type Store interface {
	// Acquire claims the key for ownerToken with the given TTL. It succeeds
	// iff the key is free or its current lease has expired.
	Acquire(ctx context.Context, key, ownerToken string, ttl time.Duration) error
	// Release frees the key iff ownerToken matches the current holder.
	// Releasing an expired or foreign lease is a no-op.
	Release(ctx context.Context, key, ownerToken string) error
}
