package buffer

import (
	"sync"
)

// Ring keeps the most recent items up to a fixed capacity. It is safe for
// concurrent use.
type Ring[T any] struct {
	mu    sync.Mutex
	slots []T
	next  int
	count int
}

// New creates a ring holding up to capacity items. A capacity below one is
// raised to one.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{slots: make([]T, capacity)}
}

// Push stores item, overwriting the oldest one when the ring is full.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots[r.next] = item
	r.next = (r.next + 1) % len(r.slots)
	if r.count < len(r.slots) {
		r.count++
	}
}

// Items returns a copy of the stored items, newest first.
func (r *Ring[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.count)
	idx := r.next
	for i := range out {
		idx = (idx - 1 + len(r.slots)) % len(r.slots)
		out[i] = r.slots[idx]
	}
	return out
}
