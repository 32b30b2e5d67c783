package namespace

import (
	"math"
	"sync"

	"isokb/internal/faults"
)

type slot struct {
	gen   uint32
	inUse bool
}

// Allocator hands out namespace ids from a generational arena. Freed index
// slots are reused LIFO with a bumped generation.
type Allocator struct {
	mu       sync.Mutex
	registry *Registry
	slots    []slot // slots[0] is never used so the zero ID stays invalid
	free     []uint32
	inUse    int
}

// NewAllocator creates an allocator that consults registry before handing
// out or reclaiming ids.
func NewAllocator(registry *Registry) *Allocator {
	return &Allocator{
		registry: registry,
		slots:    make([]slot, 1, 64),
	}
}

// Allocate returns an id with no record in the registry.
func (a *Allocator) Allocate() (ID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for len(a.free) > 0 {
		idx := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]

		s := &a.slots[idx]
		if s.gen == math.MaxUint32 {
			// Retire exhausted slots rather than wrap the generation.
			continue
		}
		s.gen++
		id := ID{Index: idx, Gen: s.gen}
		if a.registry.Contains(id) {
			// Keep the slot free; the next Allocate moves past this generation.
			a.free = append(a.free, idx)
			return Zero, faults.Violation("allocator produced registered namespace %s", id)
		}
		s.inUse = true
		a.inUse++
		return id, nil
	}

	if len(a.slots) >= math.MaxUint32 {
		return Zero, faults.Violation("namespace arena exhausted")
	}
	idx := uint32(len(a.slots))
	id := ID{Index: idx, Gen: 1}
	if a.registry.Contains(id) {
		return Zero, faults.Violation("allocator produced registered namespace %s", id)
	}
	a.slots = append(a.slots, slot{gen: 1, inUse: true})
	a.inUse++
	return id, nil
}

// Release returns id's slot to the free list. The caller must already have
// erased the namespace and deregistered id; anything else is an invariant
// violation.
func (a *Allocator) Release(id ID) error {
	if a.registry.Contains(id) {
		return faults.Violation("release of namespace %s that is still registered", id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if id.IsZero() || int(id.Index) >= len(a.slots) {
		return faults.Violation("release of unknown namespace %s", id)
	}
	s := &a.slots[id.Index]
	if s.gen != id.Gen {
		return faults.Violation("release of stale namespace %s (current generation %d)", id, s.gen)
	}
	if !s.inUse {
		return faults.Violation("double release of namespace %s", id)
	}
	s.inUse = false
	a.inUse--
	a.free = append(a.free, id.Index)
	return nil
}

// InUse returns the number of allocated, unreleased ids.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
