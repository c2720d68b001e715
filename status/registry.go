// Package status tracks the live state of sessions and tunnels.
//
// The registry keeps one snapshot per entity.  Writers (the session
// manager and tunnel engine) update fields last-writer-wins; readers
// poll with Get/List or receive pushed snapshots via Subscribe.
// Updates never block on slow subscribers.
package status

import (
	"sort"
	"sync"
	"time"
)

// Kind distinguishes the two entity families in the registry.
type Kind string

const (
	KindSession Kind = "session"
	KindTunnel  Kind = "tunnel"
)

// Snapshot is a point-in-time view of one entity.
type Snapshot struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	State         string    `json:"state"`
	BytesIn       int64     `json:"bytes_in"`
	BytesOut      int64     `json:"bytes_out"`
	ActiveStreams int64     `json:"active_streams"`
	TotalStreams  int64     `json:"total_streams"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// subBufSize is the per-subscriber channel depth.  When a subscriber
// falls behind, the oldest buffered snapshot is dropped so that the
// newest state is always deliverable and writers never block.
const subBufSize = 16

type entry struct {
	snap Snapshot
	subs []chan Snapshot
}

// Registry holds current state for every session and tunnel.  A nil
// *Registry is a valid no-op receiver, so components never need to
// nil-check before reporting.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register creates (or resets) the entry for id.
func (r *Registry) Register(id string, kind Kind, state string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	e, ok := r.entries[id]
	if !ok {
		e = &entry{}
		r.entries[id] = e
	}
	e.snap = Snapshot{ID: id, Kind: kind, State: state, UpdatedAt: time.Now()}
	r.publishLocked(e)
}

// SetState updates the state label for id.
func (r *Registry) SetState(id, state string) {
	r.update(id, func(s *Snapshot) { s.State = state })
}

// RecordError stores the last error text for id.
func (r *Registry) RecordError(id string, err error) {
	if err == nil {
		return
	}
	r.update(id, func(s *Snapshot) { s.LastError = err.Error() })
}

// AddBytes accumulates relayed byte counts for id.
func (r *Registry) AddBytes(id string, in, out int64) {
	r.update(id, func(s *Snapshot) {
		s.BytesIn += in
		s.BytesOut += out
	})
}

// StreamOpened increments the active and total stream counters.
func (r *Registry) StreamOpened(id string) {
	r.update(id, func(s *Snapshot) {
		s.ActiveStreams++
		s.TotalStreams++
	})
}

// StreamClosed decrements the active stream counter.
func (r *Registry) StreamClosed(id string) {
	r.update(id, func(s *Snapshot) { s.ActiveStreams-- })
}

// Get returns the current snapshot for id.
func (r *Registry) Get(id string) (Snapshot, bool) {
	if r == nil {
		return Snapshot{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snap, true
}

// List returns snapshots of every entity, ordered by id.
func (r *Registry) List() []Snapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snap)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe returns a channel that receives a snapshot after every
// change to id, plus a cancel function.  Delivery is ordered per
// entity; no ordering is implied across entities.  The channel is
// closed when the entity is removed, the subscription cancelled, or
// the registry closed.
func (r *Registry) Subscribe(id string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subBufSize)
	if r == nil {
		close(ch)
		return ch, func() {}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e, ok := r.entries[id]
	if !ok {
		e = &entry{snap: Snapshot{ID: id}}
		r.entries[id] = e
	}
	e.subs = append(e.subs, ch)
	// Seed the subscriber with the current state.
	ch <- e.snap
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, c := range e.subs {
			if c == ch {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Remove deletes the entity and closes its subscriptions.
func (r *Registry) Remove(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	delete(r.entries, id)
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}

// Close tears down the registry: all subscriptions are closed and
// further updates are ignored.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, e := range r.entries {
		for _, ch := range e.subs {
			close(ch)
		}
		e.subs = nil
		delete(r.entries, id)
	}
}

// ── internal ─────────────────────────────────────────────────────────

func (r *Registry) update(id string, fn func(*Snapshot)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	e, ok := r.entries[id]
	if !ok {
		return
	}
	fn(&e.snap)
	e.snap.UpdatedAt = time.Now()
	r.publishLocked(e)
}

// publishLocked fans the current snapshot out to every subscriber.
// If a subscriber's buffer is full the oldest snapshot is dropped:
// slow consumers lose intermediate states, never the newest one.
func (r *Registry) publishLocked(e *entry) {
	for _, ch := range e.subs {
		for {
			select {
			case ch <- e.snap:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
