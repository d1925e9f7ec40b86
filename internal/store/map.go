package store

const noEntry = ^uint32(0)

// Identifier is the precomputed hash of a string key. Keys are compared by
// hash only, which is acceptable for the trusted, low-cardinality key sets
// this map serves.
type Identifier uint64

// NewIdentifier hashes name with the sdbm function.
func NewIdentifier(name string) Identifier {
	var h uint64
	for i := 0; i < len(name); i++ {
		h = uint64(name[i]) + (h << 6) + (h << 16) - h
	}
	return Identifier(h)
}

type entry[T any] struct {
	id    Identifier
	value T
	next  uint32
	live  bool
}

// Map is an open-addressing hash table with chained collision buckets. The
// lookup slice holds chain heads indexed by the low bits of the key hash;
// entries live in a single arena and link through intrusive next indices,
// with removed entries recycled through a free list. The table rehashes
// once entries outnumber buckets.
//
// The zero value is not usable; call NewMap.
type Map[T any] struct {
	lookup []uint32
	data   []entry[T]
	free   uint32
	count  int
}

func NewMap[T any]() *Map[T] {
	return NewMapWith[T](1)
}

// NewMapWith sizes the bucket slice for capacity entries up front.
func NewMapWith[T any](capacity int) *Map[T] {
	m := &Map[T]{
		lookup: make([]uint32, bestSize(capacity)),
		data:   make([]entry[T], 0, capacity),
		free:   noEntry,
	}
	for i := range m.lookup {
		m.lookup[i] = noEntry
	}
	return m
}

// bestSize rounds capacity up to a power of two so bucket selection can
// mask instead of mod.
func bestSize(capacity int) int {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return size
}

func (m *Map[T]) bucket(id Identifier) int {
	return int(uint64(id) & uint64(len(m.lookup)-1))
}

// Get returns the value stored under key.
func (m *Map[T]) Get(key string) (T, bool) {
	return m.GetByID(NewIdentifier(key))
}

func (m *Map[T]) GetByID(id Identifier) (T, bool) {
	for cur := m.lookup[m.bucket(id)]; cur != noEntry; cur = m.data[cur].next {
		if e := &m.data[cur]; e.id == id && e.live {
			return e.value, true
		}
	}
	var zero T
	return zero, false
}

// Insert stores value under key, returning the previous value if the key
// was already present.
func (m *Map[T]) Insert(key string, value T) (T, bool) {
	return m.InsertByID(NewIdentifier(key), value)
}

func (m *Map[T]) InsertByID(id Identifier, value T) (T, bool) {
	index := m.bucket(id)
	last := noEntry
	for cur := m.lookup[index]; cur != noEntry; cur = m.data[cur].next {
		if e := &m.data[cur]; e.id == id && e.live {
			prev := e.value
			e.value = value
			return prev, true
		}
		last = cur
	}

	var fresh uint32
	if m.free != noEntry {
		fresh = m.free
		m.free = m.data[fresh].next
		m.data[fresh] = entry[T]{id: id, value: value, next: noEntry, live: true}
	} else {
		m.data = append(m.data, entry[T]{id: id, value: value, next: noEntry, live: true})
		fresh = uint32(len(m.data) - 1)
	}

	if last == noEntry {
		m.lookup[index] = fresh
	} else {
		m.data[last].next = fresh
	}
	m.count++

	if len(m.data) > len(m.lookup) {
		m.expand()
	}
	var zero T
	return zero, false
}

// Remove deletes key and returns the removed value.
func (m *Map[T]) Remove(key string) (T, bool) {
	return m.RemoveByID(NewIdentifier(key))
}

func (m *Map[T]) RemoveByID(id Identifier) (T, bool) {
	index := m.bucket(id)
	last := noEntry
	for cur := m.lookup[index]; cur != noEntry; cur = m.data[cur].next {
		e := &m.data[cur]
		if e.id == id && e.live {
			// Unlink from the chain and thread into the free list.
			if last == noEntry {
				m.lookup[index] = e.next
			} else {
				m.data[last].next = e.next
			}
			value := e.value
			*e = entry[T]{next: m.free}
			m.free = cur
			m.count--
			return value, true
		}
		last = cur
	}
	var zero T
	return zero, false
}

// Len returns the number of live entries.
func (m *Map[T]) Len() int {
	return m.count
}

// Clear removes all entries but keeps the bucket allocation.
func (m *Map[T]) Clear() {
	for i := range m.lookup {
		m.lookup[i] = noEntry
	}
	m.data = m.data[:0]
	m.free = noEntry
	m.count = 0
}

// expand rebuilds the table with twice the buckets.
func (m *Map[T]) expand() {
	grown := NewMapWith[T](len(m.data) * 2)
	for i := range m.data {
		if e := &m.data[i]; e.live {
			grown.InsertByID(e.id, e.value)
		}
	}
	*m = *grown
}
