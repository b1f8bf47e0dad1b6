package store

import (
	"context"
	"sync"
	"time"
)

// janitorInterval is how often expired entries are swept. Reads also check
// expiry, so the sweep only bounds memory, not correctness.
const janitorInterval = 30 * time.Second

type memKey struct {
	event string
	key   string
}

type pendingEntry struct {
	pcid      string
	claimed   bool
	expiresAt time.Time
}

// MemoryStore is the in-process Store used for single-replica deployments
// and tests. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	pcs     map[memKey]struct{}
	sids    map[memKey]*pendingEntry
	nonces  map[memKey]time.Time
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its expiry janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		pcs:    make(map[memKey]struct{}),
		sids:   make(map[memKey]*pendingEntry),
		nonces: make(map[memKey]time.Time),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	go s.janitor()
	return s
}

// WithClock overrides the time source. Tests only.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) RegisterPC(_ context.Context, eventID, pcid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pcs[memKey{eventID, pcid}] = struct{}{}
	return nil
}

func (s *MemoryStore) PCRegistered(_ context.Context, eventID, pcid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pcs[memKey{eventID, pcid}]
	return ok, nil
}

func (s *MemoryStore) CreatePendingSID(_ context.Context, eventID, sid, pcid string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{eventID, sid}
	if e, ok := s.sids[k]; ok && e.expiresAt.After(s.now()) {
		return ErrSIDExists
	}
	s.sids[k] = &pendingEntry{pcid: pcid, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetPendingSID(_ context.Context, eventID, sid string) (PendingSID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sids[memKey{eventID, sid}]
	if !ok || !e.expiresAt.After(s.now()) {
		return PendingSID{}, ErrNotFound
	}
	return PendingSID{PCID: e.pcid, Claimed: e.claimed, ExpiresAt: e.expiresAt}, nil
}

func (s *MemoryStore) ClaimSID(_ context.Context, eventID, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sids[memKey{eventID, sid}]
	if !ok || !e.expiresAt.After(s.now()) {
		return ErrNotFound
	}
	e.claimed = true
	return nil
}

func (s *MemoryStore) ClaimNonce(_ context.Context, eventID, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{eventID, nonce}
	if exp, ok := s.nonces[k]; ok && exp.After(s.now()) {
		return false, nil
	}
	s.nonces[k] = s.now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) Health(context.Context) error { return nil }

// Close stops the janitor. Idempotent.
func (s *MemoryStore) Close() error {
	s.stopped.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.sids {
		if !e.expiresAt.After(now) {
			delete(s.sids, k)
		}
	}
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
}
