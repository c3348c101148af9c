package sensor

import "sync/atomic"

// Store keeps the most recent reading per kind. Each slot is an atomically
// swapped pointer to an immutable Reading: pollers publish, the control loop
// snapshots, and neither ever sees a partially written value.
type Store struct {
	slots map[Kind]*atomic.Pointer[Reading]
}

// NewStore creates a store with one empty slot per supported kind.
// The slot map is never modified after construction.
func NewStore() *Store {
	s := &Store{slots: make(map[Kind]*atomic.Pointer[Reading], len(Kinds))}
	for _, k := range Kinds {
		s.slots[k] = new(atomic.Pointer[Reading])
	}
	return s
}

// Publish replaces the slot for r.Kind. Readings of unknown kinds are dropped.
func (s *Store) Publish(r Reading) {
	slot, ok := s.slots[r.Kind]
	if !ok {
		return
	}
	slot.Store(&r)
}

// Latest returns the last published reading of k, if any.
func (s *Store) Latest(k Kind) (Reading, bool) {
	slot, ok := s.slots[k]
	if !ok {
		return Reading{}, false
	}
	p := slot.Load()
	if p == nil {
		return Reading{}, false
	}
	return *p, true
}

// Snapshot copies the current slot contents. It never blocks on a poller.
func (s *Store) Snapshot(staleness Staleness) Snapshot {
	var readings []Reading
	for _, k := range Kinds {
		if r, ok := s.Latest(k); ok {
			readings = append(readings, r)
		}
	}
	return NewSnapshot(staleness, readings...)
}
