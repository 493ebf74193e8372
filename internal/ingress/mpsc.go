package ingress

import (
	"sync/atomic"

	"github.com/quantfabric/arbengine/internal/orderbook"
)

// mpscSlot carries a per-slot sequence so producers can claim slots without
// a lock (Vyukov bounded queue).
type mpscSlot struct {
	seq  atomic.Uint64
	snap *orderbook.NormalizedSnapshot
	_    [48]byte
}

// MPSCRing is the cross-layer boundary ring: many cleaning-layer producers,
// one consumer shard. Backpressure is drop-oldest, like the SPSC ring.
type MPSCRing struct {
	mask  uint64
	slots []mpscSlot
	_     [48]byte
	head  atomic.Uint64
	_     [56]byte
	tail  atomic.Uint64
	_     [56]byte

	// Dropped counts snapshots discarded by the drop-oldest policy
	Dropped atomic.Uint64
}

// NewMPSCRing creates a multi-producer ring with the given capacity, rounded
// up to a power of two
func NewMPSCRing(capacity int) *MPSCRing {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	r := &MPSCRing{
		mask:  size - 1,
		slots: make([]mpscSlot, size),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Cap returns the ring capacity
func (r *MPSCRing) Cap() int { return int(r.mask + 1) }

// Len returns the approximate backlog
func (r *MPSCRing) Len() int {
	t := r.tail.Load()
	h := r.head.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

// Push enqueues from any producer. On a full ring the oldest entry is
// discarded and counted; Push never blocks.
func (r *MPSCRing) Push(s *orderbook.NormalizedSnapshot) {
	for {
		t := r.tail.Load()
		slot := &r.slots[t&r.mask]
		seq := slot.seq.Load()
		switch {
		case seq == t:
			if r.tail.CompareAndSwap(t, t+1) {
				slot.snap = s
				slot.seq.Store(t + 1)
				return
			}
		case seq < t:
			// Full: discard the oldest entry and retry.
			if r.dropOldest() {
				r.Dropped.Add(1)
			}
		default:
			// Another producer advanced the tail; reload.
		}
	}
}

// Pop dequeues one snapshot, or nil when the ring is empty
func (r *MPSCRing) Pop() *orderbook.NormalizedSnapshot {
	for {
		h := r.head.Load()
		slot := &r.slots[h&r.mask]
		seq := slot.seq.Load()
		switch {
		case seq == h+1:
			if r.head.CompareAndSwap(h, h+1) {
				s := slot.snap
				slot.snap = nil
				slot.seq.Store(h + r.mask + 1)
				return s
			}
		case seq <= h:
			return nil
		default:
			// Raced with a drop; reload.
		}
	}
}

// PollBatch dequeues up to len(dst) snapshots and returns the count
func (r *MPSCRing) PollBatch(dst []*orderbook.NormalizedSnapshot) int {
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

// dropOldest performs a consumer-style dequeue-and-discard on behalf of a
// blocked producer
func (r *MPSCRing) dropOldest() bool {
	h := r.head.Load()
	slot := &r.slots[h&r.mask]
	seq := slot.seq.Load()
	if seq != h+1 {
		return false
	}
	if r.head.CompareAndSwap(h, h+1) {
		slot.snap = nil
		slot.seq.Store(h + r.mask + 1)
		return true
	}
	return false
}
