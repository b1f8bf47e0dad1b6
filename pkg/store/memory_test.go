package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualClock is a settable time source for TTL tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*MemoryStore, *manualClock) {
	t.Helper()
	clock := newManualClock()
	s := NewMemoryStore().WithClock(clock.Now)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestRegisterPCIsIdempotentAndGrowOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.PCRegistered(ctx, "e1", "pc1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RegisterPC(ctx, "e1", "pc1"))
	require.NoError(t, s.RegisterPC(ctx, "e1", "pc1"))

	ok, err = s.PCRegistered(ctx, "e1", "pc1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Scoped per event.
	ok, err = s.PCRegistered(ctx, "e2", "pc1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPendingSIDLifecycle(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePendingSID(ctx, "e1", "ABCDEFGHIJ", "pc1", 60*time.Second))

	entry, err := s.GetPendingSID(ctx, "e1", "ABCDEFGHIJ")
	require.NoError(t, err)
	assert.Equal(t, "pc1", entry.PCID)
	assert.False(t, entry.Claimed)

	// Duplicate while live.
	err = s.CreatePendingSID(ctx, "e1", "ABCDEFGHIJ", "pc2", 60*time.Second)
	assert.ErrorIs(t, err, ErrSIDExists)

	require.NoError(t, s.ClaimSID(ctx, "e1", "ABCDEFGHIJ"))
	entry, err = s.GetPendingSID(ctx, "e1", "ABCDEFGHIJ")
	require.NoError(t, err)
	assert.True(t, entry.Claimed)

	// Expiry frees the SID for re-registration.
	clock.Advance(61 * time.Second)
	_, err = s.GetPendingSID(ctx, "e1", "ABCDEFGHIJ")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.ClaimSID(ctx, "e1", "ABCDEFGHIJ"), ErrNotFound)
	require.NoError(t, s.CreatePendingSID(ctx, "e1", "ABCDEFGHIJ", "pc2", 60*time.Second))
}

func TestClaimNonce(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	fresh, err := s.ClaimNonce(ctx, "e1", "n1", 120*time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.ClaimNonce(ctx, "e1", "n1", 120*time.Second)
	require.NoError(t, err)
	assert.False(t, fresh)

	// Per-event scoping.
	fresh, err = s.ClaimNonce(ctx, "e2", "n1", 120*time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Fresh again after TTL.
	clock.Advance(121 * time.Second)
	fresh, err = s.ClaimNonce(ctx, "e1", "n1", 120*time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePendingSID(ctx, "e1", "ABCDEFGHIJ", "pc1", 30*time.Second))
	_, err := s.ClaimNonce(ctx, "e1", "n1", 30*time.Second)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	s.sweep()

	s.mu.Lock()
	assert.Empty(t, s.sids)
	assert.Empty(t, s.nonces)
	s.mu.Unlock()
}
