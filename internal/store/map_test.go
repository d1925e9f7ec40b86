package store

import (
	"fmt"
	"math/rand"
	"testing"
)

func TestMapInsertGetRemove(t *testing.T) {
	m := NewMap[int]()

	if _, ok := m.Get("missing"); ok {
		t.Error("Get on empty map reported a hit")
	}

	m.Insert("one", 1)
	m.Insert("two", 2)

	if got, ok := m.Get("one"); !ok || got != 1 {
		t.Errorf("Get(one) = %d, %v", got, ok)
	}
	if got, ok := m.Get("two"); !ok || got != 2 {
		t.Errorf("Get(two) = %d, %v", got, ok)
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}

	if got, ok := m.Remove("one"); !ok || got != 1 {
		t.Errorf("Remove(one) = %d, %v", got, ok)
	}
	if _, ok := m.Get("one"); ok {
		t.Error("Get after Remove reported a hit")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestMapInsertReturnsPreviousValue(t *testing.T) {
	m := NewMap[string]()

	if _, existed := m.Insert("key", "first"); existed {
		t.Error("Insert into empty map reported an existing value")
	}
	prev, existed := m.Insert("key", "second")
	if !existed || prev != "first" {
		t.Errorf("Insert over existing key = %q, %v", prev, existed)
	}
	if got, _ := m.Get("key"); got != "second" {
		t.Errorf("Get() = %q, want %q", got, "second")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

// Force every key into the same bucket to exercise chain linking,
// mid-chain removal, and free-list reuse.
func TestMapCollisionChains(t *testing.T) {
	m := NewMapWith[int](16)

	ids := make([]Identifier, 5)
	for i := range ids {
		// Same low bits, distinct hashes.
		ids[i] = Identifier(uint64(i)<<32 | 0x3)
		m.InsertByID(ids[i], i)
	}

	for i, id := range ids {
		if got, ok := m.GetByID(id); !ok || got != i {
			t.Fatalf("GetByID(%v) = %d, %v, want %d", id, got, ok, i)
		}
	}

	// Remove from the middle of the chain, then the head.
	if got, ok := m.RemoveByID(ids[2]); !ok || got != 2 {
		t.Fatalf("RemoveByID(middle) = %d, %v", got, ok)
	}
	if got, ok := m.RemoveByID(ids[0]); !ok || got != 0 {
		t.Fatalf("RemoveByID(head) = %d, %v", got, ok)
	}
	for _, i := range []int{1, 3, 4} {
		if got, ok := m.GetByID(ids[i]); !ok || got != i {
			t.Fatalf("survivor GetByID(%v) = %d, %v, want %d", ids[i], got, ok, i)
		}
	}

	// Freed entries must be recycled before the arena grows.
	arenaLen := len(m.data)
	m.InsertByID(Identifier(0x5003), 99)
	if len(m.data) != arenaLen {
		t.Errorf("arena grew to %d entries despite free slots", len(m.data))
	}
}

func TestMapGrowthKeepsEntries(t *testing.T) {
	m := NewMap[int]()
	const n = 1000

	for i := 0; i < n; i++ {
		m.Insert(fmt.Sprintf("key-%d", i), i)
	}
	if m.Len() != n {
		t.Fatalf("Len() = %d, want %d", m.Len(), n)
	}
	for i := 0; i < n; i++ {
		if got, ok := m.Get(fmt.Sprintf("key-%d", i)); !ok || got != i {
			t.Fatalf("Get(key-%d) = %d, %v", i, got, ok)
		}
	}
}

func TestMapAgainstBuiltin(t *testing.T) {
	m := NewMap[int]()
	reference := map[string]int{}
	rng := rand.New(rand.NewSource(2))

	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("k%03d", rng.Intn(500))
		switch rng.Intn(3) {
		case 0, 1:
			m.Insert(key, i)
			reference[key] = i
		case 2:
			_, got := m.Remove(key)
			_, want := reference[key]
			if got != want {
				t.Fatalf("Remove(%q) hit = %v, want %v", key, got, want)
			}
			delete(reference, key)
		}
	}

	if m.Len() != len(reference) {
		t.Fatalf("Len() = %d, want %d", m.Len(), len(reference))
	}
	for key, want := range reference {
		if got, ok := m.Get(key); !ok || got != want {
			t.Fatalf("Get(%q) = %d, %v, want %d", key, got, ok, want)
		}
	}
}

func TestMapClear(t *testing.T) {
	m := NewMap[int]()
	m.Insert("a", 1)
	m.Insert("b", 2)

	m.Clear()

	if m.Len() != 0 {
		t.Errorf("Len() after Clear = %d", m.Len())
	}
	if _, ok := m.Get("a"); ok {
		t.Error("Get after Clear reported a hit")
	}

	m.Insert("a", 3)
	if got, ok := m.Get("a"); !ok || got != 3 {
		t.Errorf("Get after reuse = %d, %v", got, ok)
	}
}
