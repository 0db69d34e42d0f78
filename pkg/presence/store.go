// Package presence is a time-boxed, last-writer-wins store for transient
// per-peer state: cursor anchors, selection focus and user metadata. Entries
// expire after a timeout window without refresh; losing one is always
// tolerable, removing a live one is not, so every ambiguous signal resolves
// towards keeping the entry.
package presence

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is the window after which an unrefreshed entry is treated as
// absent.
const DefaultTTL = 5 * time.Minute

// Origin classifies who caused a store change.
type Origin string

const (
	// OriginLocal covers changes made by this peer: Set, Delete, expiry.
	OriginLocal Origin = "local"
	// OriginRemoteImport marks a bulk merge of a remote batch, e.g. right
	// after (re)connecting. Import batches are frequently partial: a peer
	// being absent from one says nothing about that peer being gone.
	OriginRemoteImport Origin = "remote-import"
	// OriginRemoteMerge marks a steady-state remote merge.
	OriginRemoteMerge Origin = "remote-merge"
)

// Entry is one peer's transient state. Anchor and Focus hold encoded cursor
// references; Meta is opaque user data for the rendering layer.
type Entry struct {
	Anchor    []byte            `json:"anchor,omitempty"`
	Focus     []byte            `json:"focus,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Event describes one store change. Consumers that render cursors should
// treat it as a hint and re-read the live set via GetAll: in particular a
// remote-import event never justifies removing a peer that is still present.
type Event struct {
	Origin  Origin
	Added   []string
	Updated []string
	Removed []string
}

// Listener receives store events synchronously, outside the store lock.
type Listener func(Event)

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the expiry window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a last-writer-wins map keyed by peer id with per-entry expiry.
// Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	entries   map[string]Entry
	listeners map[int]Listener
	nextSub   int
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		ttl:       DefaultTTL,
		now:       time.Now,
		entries:   make(map[string]Entry),
		listeners: make(map[int]Listener),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) expired(e Entry, now time.Time) bool {
	return now.Sub(e.UpdatedAt) > s.ttl
}

// Set records this peer's entry, stamping it with the current time when the
// caller left UpdatedAt zero.
func (s *Store) Set(peerID string, e Entry) {
	s.mu.Lock()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.now()
	}
	_, existed := s.entries[peerID]
	s.entries[peerID] = e
	ev := Event{Origin: OriginLocal}
	if existed {
		ev.Updated = []string{peerID}
	} else {
		ev.Added = []string{peerID}
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	emit(listeners, ev)
}

// Get returns the raw entry, stale or not. Callers that care about liveness
// use GetAll, which applies the expiry window.
func (s *Store) Get(peerID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[peerID]
	return e, ok
}

// Delete removes a peer outright, e.g. on an explicit disconnect notice.
func (s *Store) Delete(peerID string) {
	s.mu.Lock()
	if _, ok := s.entries[peerID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.entries, peerID)
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	emit(listeners, Event{Origin: OriginLocal, Removed: []string{peerID}})
}

// GetAll returns the live set: entries unrefreshed past the timeout are
// excluded even before physical eviction.
func (s *Store) GetAll() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make(map[string]Entry, len(s.entries))
	for id, e := range s.entries {
		if s.expired(e, now) {
			continue
		}
		out[id] = e
	}
	return out
}

// Sweep physically evicts expired entries and reports which peers went away.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	now := s.now()
	var removed []string
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
			removed = append(removed, id)
		}
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	if len(removed) > 0 {
		emit(listeners, Event{Origin: OriginLocal, Removed: removed})
	}
	return removed
}

// Encode serializes the live entry set for broadcast.
func (s *Store) Encode() ([]byte, error) {
	b, err := json.Marshal(s.GetAll())
	if err != nil {
		return nil, fmt.Errorf("failed to encode presence: %w", err)
	}
	return b, nil
}

// Apply merges a remote-encoded batch, last-writer-wins per key, and emits
// exactly one event classifying the delta.
//
// Peers absent from the batch are never removed here, whatever the origin:
// batches are routinely partial, and a falsely removed cursor is far more
// visible than a briefly stale one. Removal happens only through Delete (an
// explicit disconnect) or Sweep (expiry against the full held set).
func (s *Store) Apply(b []byte, origin Origin) error {
	var batch map[string]Entry
	if err := json.Unmarshal(b, &batch); err != nil {
		return fmt.Errorf("failed to decode presence batch: %w", err)
	}
	s.mu.Lock()
	ev := Event{Origin: origin}
	for id, incoming := range batch {
		existing, ok := s.entries[id]
		if !ok {
			s.entries[id] = incoming
			ev.Added = append(ev.Added, id)
			continue
		}
		if incoming.UpdatedAt.After(existing.UpdatedAt) {
			s.entries[id] = incoming
			ev.Updated = append(ev.Updated, id)
		}
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	if len(ev.Added)+len(ev.Updated) > 0 || origin != OriginLocal {
		emit(listeners, ev)
	}
	return nil
}

// Subscribe registers a listener and returns its unsubscribe function.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func emit(listeners []Listener, ev Event) {
	for _, l := range listeners {
		l(ev)
	}
}
