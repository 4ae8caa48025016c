package peers

import "sync/atomic"

// Store is a shared handle to the current peer table. Readers always see a
// complete snapshot; a new registration publishes its table with Swap.
type Store struct {
	current    atomic.Pointer[Table]
	generation atomic.Uint64
}

// NewStore returns a store holding an empty table
func NewStore() *Store {
	s := &Store{}
	s.current.Store(Empty())
	return s
}

// Load returns the current snapshot. It never returns nil.
func (s *Store) Load() *Table {
	return s.current.Load()
}

// Swap replaces the snapshot and returns the previous one
func (s *Store) Swap(t *Table) *Table {
	if t == nil {
		t = Empty()
	}
	old := s.current.Swap(t)
	s.generation.Add(1)
	return old
}

// Generation counts how many times the table has been replaced
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}
