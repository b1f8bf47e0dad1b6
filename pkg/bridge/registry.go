package bridge

import (
	"log/slog"
	"sync"

	"github.com/canvaslink/relay/pkg/signing"
	"github.com/canvaslink/relay/pkg/store"
)

// Registry maps event identifiers to their singleton Event instance within
// this coordination domain. Instances are created lazily on first reference
// and never evicted; only their TTL'd store entries expire.
type Registry struct {
	store    store.Store
	verifier *signing.Verifier
	opts     Options

	mu     sync.Mutex
	events map[string]*Event
}

// NewRegistry creates an empty registry.
func NewRegistry(st store.Store, verifier *signing.Verifier, opts Options) *Registry {
	return &Registry{
		store:    st,
		verifier: verifier,
		opts:     opts,
		events:   make(map[string]*Event),
	}
}

// Get returns the Event for eventID, creating it on first access. The caller
// must have validated the identifier grammar.
func (r *Registry) Get(eventID string) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[eventID]
	if !ok {
		e = newEvent(eventID, r.store, r.verifier, r.opts)
		r.events[eventID] = e
		slog.Info("Event instance created", "event_id", eventID)
	}
	return e
}

// Len returns the number of live event instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Shutdown force-closes all sockets of all events. Process shutdown only.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	events := make([]*Event, 0, len(r.events))
	for _, e := range r.events {
		events = append(events, e)
	}
	r.mu.Unlock()

	for _, e := range events {
		e.shutdown()
	}
}
