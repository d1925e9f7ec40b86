// Package snapshot provides a double-buffered state cell for one writer and
// many readers. Readers get wait-free access to the last published copy
// while the writer mutates a staging copy in the background; commit swaps
// the two and brings the stale copy back up to date.
package snapshot

import (
	"runtime"
	"sync/atomic"
)

type cell[T any] struct {
	readers atomic.Int64
	value   T
}

// State holds two physical copies of T: the published readable copy and
// the staging copy the next writer mutates. The synchronize function is
// invoked after every commit to copy the freshly published state into the
// now-stale buffer, so each writer starts from current data.
type State[T any] struct {
	readable    atomic.Pointer[cell[T]]
	writable    *cell[T]
	writing     atomic.Bool
	synchronize func(dst, src *T)
}

// New builds a State whose copies both start as init's value, produced by
// the clone function. synchronize must overwrite dst with src's state.
func New[T any](init T, clone func(T) T, synchronize func(dst, src *T)) *State[T] {
	s := &State[T]{
		writable:    &cell[T]{value: clone(init)},
		synchronize: synchronize,
	}
	s.readable.Store(&cell[T]{value: init})
	return s
}

// View is a read borrow of the published copy. It must be released on every
// exit path and must not be held across blocking operations, or a committing
// writer will stall waiting for it.
type View[T any] struct {
	cell *cell[T]
}

// Acquire returns a read view of the currently published copy. Readers
// never block and never observe a half-written state.
func (s *State[T]) Acquire() View[T] {
	c := s.readable.Load()
	c.readers.Add(1)
	return View[T]{cell: c}
}

func (v View[T]) Value() *T {
	return &v.cell.value
}

func (v View[T]) Release() {
	v.cell.readers.Add(-1)
}

// MutView is an exclusive write borrow of the staging copy.
type MutView[T any] struct {
	state *State[T]
}

// AcquireMut grants exclusive access to the staging copy, spinning until
// any other writer finishes. Only one writer proceeds at a time.
func (s *State[T]) AcquireMut() MutView[T] {
	for !s.writing.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	return MutView[T]{state: s}
}

func (v MutView[T]) Value() *T {
	return &v.state.writable.value
}

// Commit publishes the staging copy. It swaps the readable pointer, waits
// for readers still on the previous copy to drain, then synchronizes the
// previous copy from the fresh one and releases the writer lock.
func (v MutView[T]) Commit() {
	s := v.state
	prev := s.readable.Swap(s.writable)
	s.writable = prev

	for prev.readers.Load() != 0 {
		runtime.Gosched()
	}
	s.synchronize(&prev.value, &s.readable.Load().value)

	s.writing.Store(false)
}
