// Package fifo implements the bounded circular queue used by the device
// dispatcher (spec §4.5, §5) to hold pending requests between the
// caller thread that submits them and the worker thread that drains them.
//
// The indexing scheme (writePos/readPos walking a fixed-size ring,
// wrapping at len(buffer)) mirrors the byte-oriented circular fifo the
// teacher codebase uses for segmented SDO transfer buffering; here it
// holds generic queue items instead of bytes, guarded by a mutex rather
// than being accessed from a single thread only.
package fifo

import "sync"

// Fifo is a multi-producer/single-consumer circular queue of T.
// One slot is always kept empty to distinguish full from empty, same
// convention as the byte fifo it is modeled on.
type Fifo[T any] struct {
	mu       sync.Mutex
	buffer   []T
	writePos int
	readPos  int
}

// New creates a Fifo with room for capacity-1 usable items.
func New[T any](capacity int) *Fifo[T] {
	if capacity < 2 {
		capacity = 2
	}
	return &Fifo[T]{buffer: make([]T, capacity)}
}

// Space returns the number of additional items that can be pushed.
func (f *Fifo[T]) Space() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.space()
}

func (f *Fifo[T]) space() int {
	left := f.readPos - f.writePos - 1
	if left < 0 {
		left += len(f.buffer)
	}
	return left
}

// Occupied returns the number of items currently queued.
func (f *Fifo[T]) Occupied() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.occupied()
}

func (f *Fifo[T]) occupied() int {
	occ := f.writePos - f.readPos
	if occ < 0 {
		occ += len(f.buffer)
	}
	return occ
}

// Push enqueues an item. It reports false if the fifo is full, in which
// case the caller grows the backing buffer and retries — the
// dispatcher's queue is sized generously enough that this is not on any
// normal request path.
func (f *Fifo[T]) Push(item T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.space() == 0 {
		return false
	}
	f.buffer[f.writePos] = item
	f.writePos++
	if f.writePos == len(f.buffer) {
		f.writePos = 0
	}
	return true
}

// Pop dequeues the oldest item. ok is false when the fifo is empty.
func (f *Fifo[T]) Pop() (item T, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readPos == f.writePos {
		return item, false
	}
	item = f.buffer[f.readPos]
	var zero T
	f.buffer[f.readPos] = zero
	f.readPos++
	if f.readPos == len(f.buffer) {
		f.readPos = 0
	}
	return item, true
}

// Grow doubles the backing buffer in place, preserving FIFO order.
// Called by the dispatcher if Push ever reports the fifo full.
func (f *Fifo[T]) Grow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	occupied := f.occupied()
	bigger := make([]T, len(f.buffer)*2)
	n := 0
	for i := f.readPos; n < occupied; i = (i + 1) % len(f.buffer) {
		bigger[n] = f.buffer[i]
		n++
	}
	f.buffer = bigger
	f.readPos = 0
	f.writePos = occupied
}
