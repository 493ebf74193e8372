// Package orderbook holds the per-(exchange, symbol) depth store. Books are
// owned exclusively by the shard that processes their symbol; nothing in this
// package locks or allocates after construction.
package orderbook

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/quantfabric/arbengine/internal/common/errors"
	"github.com/quantfabric/arbengine/internal/fixed"
)

// Capacity is the hard per-side depth limit. The cleaning layer may publish
// 20/50/100/200 levels; configuration may lower the accepted depth but never
// raise it past this.
const Capacity = 200

// Side selects a book side
type Side uint8

const (
	// Bid is the buy side, sorted descending by price
	Bid Side = iota
	// Ask is the sell side, sorted ascending by price
	Ask
)

// ladder is one side of the book in structure-of-arrays layout. The parallel
// arrays are padded apart so the level data and the count never share a
// cache line with a neighbouring ladder.
type ladder struct {
	prices [Capacity]int64
	_      [64]byte
	qtys   [Capacity]int64
	_      [64]byte
	n      int32
	_      [60]byte
}

// Book is the depth store for one (exchange, symbol) pair
type Book struct {
	Exchange   uint8
	Symbol     uint16
	PriceScale uint8
	QtyScale   uint8
	TickSize   int64
	StepSize   int64

	sequence    uint64
	timestampNs uint64
	quality     float32
	depth       int32 // accepted depth per side, ≤ Capacity

	bids ladder
	asks ladder

	// merge scratch, reused by ApplyIncrement
	scratchP [Capacity]int64
	scratchQ [Capacity]int64

	// EvictedLevels counts levels dropped because an increment exceeded the
	// accepted depth. Neither the shard counters nor the metrics publisher
	// read it.
	EvictedLevels uint64
}

// PairMeta carries per-pair static metadata from configuration
type PairMeta struct {
	PriceScale uint8
	QtyScale   uint8
	TickSize   int64
	StepSize   int64
}

// NewBook creates a book for one pair with the given accepted depth
func NewBook(exchange uint8, symbol uint16, meta PairMeta, depth int) *Book {
	if depth <= 0 || depth > Capacity {
		depth = Capacity
	}
	return &Book{
		Exchange:   exchange,
		Symbol:     symbol,
		PriceScale: meta.PriceScale,
		QtyScale:   meta.QtyScale,
		TickSize:   meta.TickSize,
		StepSize:   meta.StepSize,
		depth:      int32(depth),
	}
}

// Sequence returns the last applied sequence number
func (b *Book) Sequence() uint64 { return b.sequence }

// TimestampNs returns the producer timestamp of the last applied snapshot
func (b *Book) TimestampNs() uint64 { return b.timestampNs }

// Quality returns the quality score of the last applied snapshot
func (b *Book) Quality() float32 { return b.quality }

// DepthOf returns the populated level count for a side
func (b *Book) DepthOf(side Side) int {
	if side == Bid {
		return int(b.bids.n)
	}
	return int(b.asks.n)
}

// Resize changes the accepted depth. Reductions that would cut into the
// currently populated top-of-book are rejected; growth is capped at Capacity.
func (b *Book) Resize(depth int) error {
	if depth <= 0 || depth > Capacity {
		return errors.Newf(errors.ErrDepthExceeded, "depth %d outside (0, %d]", depth, Capacity)
	}
	if int32(depth) < b.bids.n || int32(depth) < b.asks.n {
		return errors.Newf(errors.ErrDepthExceeded, "depth %d below populated levels", depth)
	}
	b.depth = int32(depth)
	return nil
}

// ApplySnapshot replaces the book contents with a full snapshot. Stale or
// malformed snapshots are rejected with a sentinel; the caller counts them.
func (b *Book) ApplySnapshot(s *NormalizedSnapshot) error {
	if s.Sequence <= b.sequence {
		return errors.StaleSequence
	}
	if s.PriceScale != b.PriceScale || s.QtyScale != b.QtyScale {
		return errors.MalformedSnapshot
	}
	if !levelsSorted(s.Bids, true) || !levelsSorted(s.Asks, false) {
		return errors.MalformedSnapshot
	}
	if len(s.Bids) > 0 && len(s.Asks) > 0 && s.Bids[0].Price >= s.Asks[0].Price {
		return errors.CrossedBook
	}

	copyLevels(&b.bids, s.Bids, int(b.depth))
	copyLevels(&b.asks, s.Asks, int(b.depth))
	b.sequence = s.Sequence
	b.timestampNs = s.TimestampNs
	b.quality = s.Quality
	return nil
}

// ApplyIncrement merges sorted per-level deltas into the book. A delta with
// qty 0 removes the level; otherwise it inserts or replaces. When the merge
// exceeds the accepted depth the lowest-priority tail is evicted and counted.
func (b *Book) ApplyIncrement(s *NormalizedSnapshot) error {
	if s.Sequence <= b.sequence {
		return errors.StaleSequence
	}
	if s.PriceScale != b.PriceScale || s.QtyScale != b.QtyScale {
		return errors.MalformedSnapshot
	}
	if !levelsSorted(s.Bids, true) || !levelsSorted(s.Asks, false) {
		return errors.MalformedSnapshot
	}

	b.mergeSide(&b.bids, s.Bids, true)
	b.mergeSide(&b.asks, s.Asks, false)

	if b.bids.n > 0 && b.asks.n > 0 && b.bids.prices[0] >= b.asks.prices[0] {
		// The merged book crossed; drop both sides rather than serve it.
		b.bids.n = 0
		b.asks.n = 0
		b.sequence = s.Sequence
		return errors.CrossedBook
	}

	b.sequence = s.Sequence
	b.timestampNs = s.TimestampNs
	b.quality = s.Quality
	return nil
}

// BestBid returns the top bid level, if any
func (b *Book) BestBid() (Level, bool) {
	if b.bids.n == 0 {
		return Level{}, false
	}
	return Level{Price: b.bids.prices[0], Qty: b.bids.qtys[0]}, true
}

// BestAsk returns the top ask level, if any
func (b *Book) BestAsk() (Level, bool) {
	if b.asks.n == 0 {
		return Level{}, false
	}
	return Level{Price: b.asks.prices[0], Qty: b.asks.qtys[0]}, true
}

// LevelAt returns the i-th level of a side
func (b *Book) LevelAt(side Side, i int) (Level, bool) {
	l := &b.asks
	if side == Bid {
		l = &b.bids
	}
	if i < 0 || int32(i) >= l.n {
		return Level{}, false
	}
	return Level{Price: l.prices[i], Qty: l.qtys[i]}, true
}

// WalkResult is the outcome of a depth walk
type WalkResult struct {
	// AvgPrice is the volume-weighted average price over the consumed
	// quantity, at the book's price scale.
	AvgPrice fixed.Value
	// Consumed is the quantity mantissa actually available
	Consumed int64
	// Remaining is the unfilled part of the target quantity mantissa
	Remaining int64
	// Saturated is set when the notional accumulator saturated
	Saturated bool
}

// Walk consumes levels from the top of a side until targetQty (a quantity
// mantissa at the book's qty scale) is filled or the side is exhausted,
// bounded to maxLevels (≤0 means full depth). This is the foundation for
// slippage-aware profit computation.
func (b *Book) Walk(side Side, targetQty int64, maxLevels int) WalkResult {
	l := &b.asks
	if side == Bid {
		l = &b.bids
	}
	n := int(l.n)
	if maxLevels > 0 && maxLevels < n {
		n = maxLevels
	}

	var consumed int64
	var notHi, notLo uint64 // 128-bit notional accumulator: Σ price×qty
	sat := false
	for i := 0; i < n && consumed < targetQty; i++ {
		take := l.qtys[i]
		if rest := targetQty - consumed; take > rest {
			take = rest
		}
		hi, lo := bits.Mul64(uint64(l.prices[i]), uint64(take))
		var carry uint64
		notLo, carry = bits.Add64(notLo, lo, 0)
		notHi, _ = bits.Add64(notHi, hi, carry)
		if notHi > 1<<62 {
			sat = true
			break
		}
		consumed += take
	}

	res := WalkResult{Consumed: consumed, Remaining: targetQty - consumed, Saturated: sat}
	if consumed == 0 {
		res.AvgPrice = fixed.Zero(b.PriceScale)
		return res
	}
	// avg = notional / consumed, truncating; scale stays at PriceScale
	// because qty scale cancels out of the ratio.
	q, _ := bits.Div64(notHi%uint64(consumed), notLo, uint64(consumed))
	hiQ := notHi / uint64(consumed)
	if hiQ != 0 || q > 1<<62 {
		res.Saturated = true
		res.AvgPrice = fixed.New(int64(1)<<62, b.PriceScale)
		return res
	}
	res.AvgPrice = fixed.New(int64(q), b.PriceScale)
	return res
}

// WellFormed verifies the book invariants. Used by tests and the audit
// side-channel, not by the hot path.
func (b *Book) WellFormed() bool {
	for i := int32(1); i < b.bids.n; i++ {
		if b.bids.prices[i] >= b.bids.prices[i-1] {
			return false
		}
	}
	for i := int32(1); i < b.asks.n; i++ {
		if b.asks.prices[i] <= b.asks.prices[i-1] {
			return false
		}
	}
	for i := int32(0); i < b.bids.n; i++ {
		if b.bids.qtys[i] < 0 {
			return false
		}
	}
	for i := int32(0); i < b.asks.n; i++ {
		if b.asks.qtys[i] < 0 {
			return false
		}
	}
	if b.bids.n > 0 && b.asks.n > 0 && b.bids.prices[0] >= b.asks.prices[0] {
		return false
	}
	return true
}

// Checksum hashes the populated SOA arrays plus the sequence. The audit
// writer folds it into the inputs-hash of emitted opportunities.
func (b *Book) Checksum() uint64 {
	var d xxhash.Digest
	d.Reset()
	var buf [8]byte
	writeU64 := func(v uint64) {
		buf[0] = byte(v)
		buf[1] = byte(v >> 8)
		buf[2] = byte(v >> 16)
		buf[3] = byte(v >> 24)
		buf[4] = byte(v >> 32)
		buf[5] = byte(v >> 40)
		buf[6] = byte(v >> 48)
		buf[7] = byte(v >> 56)
		_, _ = d.Write(buf[:])
	}
	writeU64(uint64(b.Exchange)<<32 | uint64(b.Symbol)<<8 | uint64(b.PriceScale))
	writeU64(b.sequence)
	for i := int32(0); i < b.bids.n; i++ {
		writeU64(uint64(b.bids.prices[i]))
		writeU64(uint64(b.bids.qtys[i]))
	}
	for i := int32(0); i < b.asks.n; i++ {
		writeU64(uint64(b.asks.prices[i]))
		writeU64(uint64(b.asks.qtys[i]))
	}
	return d.Sum64()
}

// mergeSide merges sorted deltas into a sorted ladder using the book scratch
func (b *Book) mergeSide(l *ladder, deltas []Level, descending bool) {
	if len(deltas) == 0 {
		return
	}
	out := 0
	i, j := 0, 0
	n := int(l.n)
	for i < n && j < len(deltas) && out < Capacity {
		cmp := compare(l.prices[i], deltas[j].Price, descending)
		switch {
		case cmp < 0: // existing level first
			b.scratchP[out] = l.prices[i]
			b.scratchQ[out] = l.qtys[i]
			out++
			i++
		case cmp > 0: // new level first
			if deltas[j].Qty > 0 {
				b.scratchP[out] = deltas[j].Price
				b.scratchQ[out] = deltas[j].Qty
				out++
			}
			j++
		default: // same price: replace or remove
			if deltas[j].Qty > 0 {
				b.scratchP[out] = deltas[j].Price
				b.scratchQ[out] = deltas[j].Qty
				out++
			}
			i++
			j++
		}
	}
	for ; i < n && out < Capacity; i++ {
		b.scratchP[out] = l.prices[i]
		b.scratchQ[out] = l.qtys[i]
		out++
	}
	for ; j < len(deltas) && out < Capacity; j++ {
		if deltas[j].Qty > 0 {
			b.scratchP[out] = deltas[j].Price
			b.scratchQ[out] = deltas[j].Qty
			out++
		}
	}
	if out > int(b.depth) {
		b.EvictedLevels += uint64(out - int(b.depth))
		out = int(b.depth)
	}
	copy(l.prices[:out], b.scratchP[:out])
	copy(l.qtys[:out], b.scratchQ[:out])
	l.n = int32(out)
}

// compare orders prices by book priority: for bids higher first, asks lower first
func compare(a, b int64, descending bool) int {
	if a == b {
		return 0
	}
	less := a < b
	if descending {
		less = a > b
	}
	if less {
		return -1
	}
	return 1
}

func copyLevels(l *ladder, src []Level, depth int) {
	n := len(src)
	if n > depth {
		n = depth
	}
	for i := 0; i < n; i++ {
		l.prices[i] = src[i].Price
		l.qtys[i] = src[i].Qty
	}
	l.n = int32(n)
}

func levelsSorted(levels []Level, descending bool) bool {
	for i := range levels {
		if levels[i].Qty < 0 || levels[i].Price <= 0 {
			return false
		}
		if i > 0 && compare(levels[i-1].Price, levels[i].Price, descending) >= 0 {
			return false
		}
	}
	return true
}
