// Package store provides the per-event persistent view the relay core needs:
// registered pcids, pending SIDs with TTL, and a replay-protected nonce set.
// Each event is its own namespace; the relay never reads across events.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates an absent or expired entry.
	ErrNotFound = errors.New("store: not found")
	// ErrSIDExists indicates a pending SID already exists and has not expired.
	ErrSIDExists = errors.New("store: sid already pending")
)

// PendingSID is the stored view of a pre-registered session identifier.
type PendingSID struct {
	PCID      string
	Claimed   bool
	ExpiresAt time.Time
}

// Store is the TTL-capable key/value surface scoped per event. Implementations
// must make ClaimNonce and CreatePendingSID atomic (insert-if-absent); no
// stronger cross-event consistency is assumed.
type Store interface {
	// RegisterPC adds pcid to the event's registered set. Idempotent; the
	// set only grows for the lifetime of the event record.
	RegisterPC(ctx context.Context, eventID, pcid string) error

	// PCRegistered reports whether pcid has been registered for the event.
	PCRegistered(ctx context.Context, eventID, pcid string) (bool, error)

	// CreatePendingSID stores a pending SID bound to pcid with the given TTL.
	// Returns ErrSIDExists if a live entry for the SID already exists.
	CreatePendingSID(ctx context.Context, eventID, sid, pcid string, ttl time.Duration) error

	// GetPendingSID returns the live pending entry for sid, or ErrNotFound.
	GetPendingSID(ctx context.Context, eventID, sid string) (PendingSID, error)

	// ClaimSID marks a pending SID as claimed. The entry keeps its original
	// expiry; SIDs stay joinable until TTL so multiple mobiles can share one
	// QR code.
	ClaimSID(ctx context.Context, eventID, sid string) error

	// ClaimNonce atomically inserts the nonce if absent. Returns true when
	// the nonce is fresh, false when it was already seen within ttl.
	ClaimNonce(ctx context.Context, eventID, nonce string, ttl time.Duration) (bool, error)

	// Health reports backend connectivity.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
