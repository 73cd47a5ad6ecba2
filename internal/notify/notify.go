// Package notify holds callback registries that hand out unsubscribe funcs.
package notify

import (
	"slices"
	"sync"
)

// Set is a registry of handlers for values of type T. The zero value is
// ready to use. Handlers run on the emitting goroutine in registration order
// and are called without the registry lock held.
type Set[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

// Add registers fn. The returned func removes it and is safe to call more
// than once.
func (s *Set[T]) Add(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(T))
	}
	s.next++
	id := s.next
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

// Emit calls every registered handler with v.
func (s *Set[T]) Emit(v T) {
	for _, fn := range s.snapshot() {
		fn(v)
	}
}

// EmitAll delivers vs in order to the handlers registered when it was called.
func (s *Set[T]) EmitAll(vs []T) {
	if len(vs) == 0 {
		return
	}
	fns := s.snapshot()
	for _, v := range vs {
		for _, fn := range fns {
			fn(v)
		}
	}
}

// Clear drops every handler.
func (s *Set[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = nil
}

// Len returns the number of registered handlers.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

func (s *Set[T]) snapshot() []func(T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = s.fns[id]
	}
	return fns
}
