package pipeline

import "sync"

// RingSet is a fixed-capacity set of strings. Once full, each insert evicts
// the earliest inserted entry. Safe for concurrent use.
type RingSet struct {
	mu    sync.Mutex
	ring  []string
	index map[string]struct{}
	next  int // slot the next insert overwrites
	size  int
}

// NewRingSet creates a set holding at most capacity entries. Capacity below
// one is raised to one.
func NewRingSet(capacity int) *RingSet {
	if capacity < 1 {
		capacity = 1
	}
	return &RingSet{
		ring:  make([]string, capacity),
		index: make(map[string]struct{}, capacity),
	}
}

// Add inserts id and reports whether it was new. Re-adding a present id does
// not refresh its position.
func (r *RingSet) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[id]; ok {
		return false
	}
	if r.size == len(r.ring) {
		delete(r.index, r.ring[r.next])
	} else {
		r.size++
	}
	r.ring[r.next] = id
	r.index[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}

// Contains reports whether id is present.
func (r *RingSet) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[id]
	return ok
}

// Len returns the number of entries.
func (r *RingSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the capacity.
func (r *RingSet) Cap() int {
	return len(r.ring)
}
