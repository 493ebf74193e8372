// Package ingress carries cleaned snapshots from the cleaning layer into the
// shards. Rings hand over snapshot pointers; payloads are never copied on
// enqueue. Backpressure policy is drop-oldest: recent data wins because a
// stale order book is worthless.
package ingress

import (
	"sync/atomic"

	"github.com/quantfabric/arbengine/internal/orderbook"
)

// Ring is a bounded lock-free snapshot ring for one producer → one consumer
// pairing. On overflow the producer discards the oldest entry, so the
// consumer-side cursor is CAS-advanced by both ends; everything else is
// single-writer.
type Ring struct {
	mask uint64
	_    [56]byte
	head atomic.Uint64 // consumer cursor, CAS-shared with producer drops
	_    [56]byte
	tail atomic.Uint64 // producer cursor
	_    [56]byte
	slots []atomic.Pointer[orderbook.NormalizedSnapshot]

	// Dropped counts snapshots discarded by the drop-oldest policy
	Dropped atomic.Uint64
}

// NewRing creates a ring with the given capacity, rounded up to a power of two
func NewRing(capacity int) *Ring {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &Ring{
		mask:  size - 1,
		slots: make([]atomic.Pointer[orderbook.NormalizedSnapshot], size),
	}
}

// Cap returns the ring capacity
func (r *Ring) Cap() int { return int(r.mask + 1) }

// Len returns the approximate backlog
func (r *Ring) Len() int {
	t := r.tail.Load()
	h := r.head.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

// Push enqueues a snapshot. When the ring is full the oldest entry is
// discarded and counted; Push itself never fails and never blocks.
func (r *Ring) Push(s *orderbook.NormalizedSnapshot) {
	for {
		t := r.tail.Load()
		h := r.head.Load()
		if t-h <= r.mask {
			r.slots[t&r.mask].Store(s)
			r.tail.Store(t + 1)
			return
		}
		// Full: drop the oldest and retry.
		if r.head.CompareAndSwap(h, h+1) {
			r.Dropped.Add(1)
		}
	}
}

// Pop dequeues one snapshot, or nil when the ring is empty
func (r *Ring) Pop() *orderbook.NormalizedSnapshot {
	for {
		h := r.head.Load()
		t := r.tail.Load()
		if h >= t {
			return nil
		}
		s := r.slots[h&r.mask].Load()
		if r.head.CompareAndSwap(h, h+1) {
			return s
		}
		// Lost the slot to a producer-side drop; try the next entry.
	}
}

// PollBatch dequeues up to len(dst) snapshots without suspending and returns
// the count. The orchestrator calls this in a busy loop with staged backoff.
func (r *Ring) PollBatch(dst []*orderbook.NormalizedSnapshot) int {
	n := 0
	for n < len(dst) {
		s := r.Pop()
		if s == nil {
			break
		}
		dst[n] = s
		n++
	}
	return n
}
