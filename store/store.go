// Package store holds the last known state of every subscribed parameter.
//
// Both the snapshot poller and the event stream write here. Conflict policy:
// last writer wins. There is no ordering between the two sources; every write
// replaces the fields it carries, and a write repeating the stored value is a
// no-op diff, so both sources converge on the server's current state.
package store

import (
	"sort"
	"sync"

	"github.com/stepherg/fhemsync"
)

type Store struct {
	clock fhemsync.Clock

	mu     sync.RWMutex
	params map[fhemsync.Identity]*fhemsync.Parameter
}

func New(clock fhemsync.Clock) *Store {
	if clock == nil {
		clock = fhemsync.RealClock{}
	}
	return &Store{clock: clock, params: make(map[fhemsync.Identity]*fhemsync.Parameter)}
}

// Get returns a copy of the parameter for id.
func (s *Store) Get(id fhemsync.Identity) (fhemsync.Parameter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.params[id]
	if !ok {
		return fhemsync.Parameter{}, false
	}
	return *p, true
}

// ApplySnapshot records a value confirmed by a snapshot. The parameter is
// marked valid either way; changed reports whether value or timestamp differ
// from what was stored (or nothing was stored).
func (s *Store) ApplySnapshot(id fhemsync.Identity, value, ts string) (p fhemsync.Parameter, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.params[id]
	if !ok {
		cur = &fhemsync.Parameter{ID: id}
		s.params[id] = cur
	}
	changed = !ok || cur.Value != value || cur.SourceTimestamp != ts
	if changed {
		cur.Value = value
		cur.SourceTimestamp = ts
		cur.LocalUpdateTime = s.clock.Now()
	}
	cur.Valid = true
	return *cur, changed
}

// ApplyEvent merges one stream event and returns the resulting parameter.
// Value-carrying events also mark the parameter valid: the stream just
// confirmed that it exists.
func (s *Store) ApplyEvent(ev fhemsync.Event) fhemsync.Parameter {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.params[ev.ID]
	if !ok {
		cur = &fhemsync.Parameter{ID: ev.ID}
		s.params[ev.ID] = cur
	}
	cur.LocalUpdateTime = now
	switch ev.Kind {
	case fhemsync.UpdateTimestamp:
		cur.SourceTimestamp = ev.Value
		cur.Valid = true
	case fhemsync.UpdateState:
		cur.Value = ev.Value
		cur.SourceTimestamp = now.Format(fhemsync.TimeLayout)
		cur.Valid = true
	case fhemsync.UpdateValue:
		cur.Value = ev.Value
		cur.Valid = true
	case fhemsync.UpdateTrigger:
	}
	return *cur
}

// Invalidate clears the valid flag of every stored parameter in ids.
func (s *Store) Invalidate(ids []fhemsync.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if p, ok := s.params[id]; ok {
			p.Valid = false
		}
	}
}

// Invalid returns the identities in ids that are missing or not valid.
func (s *Store) Invalid(ids []fhemsync.Identity) []fhemsync.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fhemsync.Identity
	for _, id := range ids {
		if p, ok := s.params[id]; !ok || !p.Valid {
			out = append(out, id)
		}
	}
	return out
}

// All returns copies of every parameter sorted by identity.
func (s *Store) All() []fhemsync.Parameter {
	s.mu.RLock()
	out := make([]fhemsync.Parameter, 0, len(s.params))
	for _, p := range s.params {
		out = append(out, *p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of stored parameters.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.params)
}
