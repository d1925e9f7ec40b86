// Package store provides the entity storage primitives the server is built
// on: a slot pool handing out stable integer handles, and a string-keyed
// hash map with chained collision buckets.
package store

import "fmt"

// Handle is an opaque index into a Pool. Validity is pool-relative: handles
// carry no generation counter, so a handle must never be retained across a
// Remove of the entry it refers to.
type Handle uint32

// None is the reserved invalid handle.
const None Handle = ^Handle(0)

type slot[T any] struct {
	value T
	live  bool
}

// Pool is a growable arena of slots with a free-index stack. Push reuses the
// most-recently-freed slot before growing, so handles stay dense and
// allocation is O(1) amortized.
//
// The zero value is an empty pool ready for use.
type Pool[T any] struct {
	slots []slot[T]
	free  []uint32
}

// Push stores value in a free slot and returns its handle.
func (p *Pool[T]) Push(value T) Handle {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		p.slots[idx] = slot[T]{value: value, live: true}
		return Handle(idx)
	}
	p.slots = append(p.slots, slot[T]{value: value, live: true})
	return Handle(len(p.slots) - 1)
}

// Remove vacates the slot under h and returns its value. Removing a vacant
// or out-of-range handle is a programming error, not a recoverable
// condition, and panics. Handles decoded off the wire must be checked with
// IsValid before they reach Remove.
func (p *Pool[T]) Remove(h Handle) T {
	if !p.IsValid(h) {
		panic(fmt.Sprintf("store: remove of invalid handle %d", h))
	}
	s := &p.slots[h]
	value := s.value
	var zero T
	s.value = zero
	s.live = false
	p.free = append(p.free, uint32(h))
	return value
}

// IsValid reports whether h refers to a live entry.
func (p *Pool[T]) IsValid(h Handle) bool {
	return h != None && int(h) < len(p.slots) && p.slots[h].live
}

// Get returns a pointer to the value under h. Panics on an invalid handle.
func (p *Pool[T]) Get(h Handle) *T {
	if !p.IsValid(h) {
		panic(fmt.Sprintf("store: access of invalid handle %d", h))
	}
	return &p.slots[h].value
}

// ForEach visits every live entry in handle order.
func (p *Pool[T]) ForEach(fn func(Handle, T)) {
	for i := range p.slots {
		if p.slots[i].live {
			fn(Handle(i), p.slots[i].value)
		}
	}
}

// Count returns the number of live entries in O(1).
func (p *Pool[T]) Count() int {
	return len(p.slots) - len(p.free)
}
