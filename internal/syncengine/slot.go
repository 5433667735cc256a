package syncengine

import (
	"sync"
	"weak"
)

// Slot offers a store to the sync manager without keeping it alive.
//
// The zero value is an empty slot ready for use. Register replaces the
// current registration; last writer wins. Get returns nil once the registered
// store has been collected, and the sync manager treats that as "engine
// unavailable", not as an error.
type Slot[T any] struct {
	mu  sync.Mutex
	ref weak.Pointer[T]
}

// Register stores a weak reference to v. Registering nil clears the slot.
func (s *Slot[T]) Register(v *T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v == nil {
		s.ref = weak.Pointer[T]{}
		return
	}
	s.ref = weak.Make(v)
}

// Get returns the registered value if it is still alive.
func (s *Slot[T]) Get() *T {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ref.Value()
}

// Resolve builds an engine from the registered value.
//
// Returns:
//   - Engine: Fresh engine bound to the live registration
//   - bool: false if nothing is registered or the registration was collected
func Resolve[T any](s *Slot[T], build func(*T) Engine) (Engine, bool) {
	v := s.Get()
	if v == nil {
		return nil, false
	}
	return build(v), true
}
