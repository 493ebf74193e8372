// Package strategy contains the detection strategies, their shared context
// and the adaptive variant selector. Strategies are a closed set dispatched
// statically by the shard loop; nothing here allocates during detection.
package strategy

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/quantfabric/arbengine/internal/fixed"
)

// Kind identifies a strategy family
type Kind uint8

const (
	// InterExchange is the two-leg cross-venue spread strategy
	InterExchange Kind = iota
	// Triangular is the three-leg single-venue cycle strategy
	Triangular
)

// String returns the strategy name used in audit records
func (k Kind) String() string {
	if k == Triangular {
		return "triangular"
	}
	return "inter_exchange"
}

// Side is a leg direction
type Side uint8

const (
	// Buy takes liquidity from the ask side
	Buy Side = iota
	// Sell takes liquidity from the bid side
	Sell
)

// String returns the side name
func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Leg is one elementary trade of an opportunity
type Leg struct {
	Exchange    uint8
	Symbol      uint16
	Side        Side
	Price       fixed.Value
	Qty         fixed.Value
	EstFee      fixed.Value
	EstSlippage fixed.Value
}

// Opportunity is the canonical detection result. It is pool-allocated and
// contains no heap references besides interned tag strings.
type Opportunity struct {
	Kind  Kind
	Legs  [3]Leg
	NLegs uint8

	GrossProfit  fixed.Value
	NetProfit    fixed.Value
	NetProfitPct fixed.Value // fraction at scale 8

	ThresholdBps     int64
	ThresholdVersion uint64
	FeeVersion       uint64

	SlippageBudget fixed.Value
	TTLNs          int64
	CreatedAtNs    int64

	// IdempotencyKey is a deterministic 128-bit digest of the legs and the
	// snapshot sequences that produced them; replaying the same stream
	// reproduces the same keys.
	IdempotencyKey [16]byte

	// Invalid marks results tainted by fixed-point saturation; they are
	// audited but never executed.
	Invalid bool

	// Snapshot provenance for the audit inputs-hash
	SnapshotSeqs  [4]uint64
	BookChecksums [4]uint64

	Tags [2]string
}

// TraceID derives the RFC-4122-shaped trace identifier from the idempotency
// key. No randomness: determinism property 7 requires replays to agree.
func (o *Opportunity) TraceID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], o.IdempotencyKey[:])
	id[6] = (id[6] & 0x0f) | 0x50 // version 5 shape
	id[8] = (id[8] & 0x3f) | 0x80 // RFC 4122 variant
	return id
}

// stampKey computes the idempotency key over the populated legs and
// snapshot sequences. Stack-only; called at the end of every successful
// detection.
func (o *Opportunity) stampKey() {
	var buf [160]byte
	n := 0
	put64 := func(v uint64) {
		buf[n] = byte(v)
		buf[n+1] = byte(v >> 8)
		buf[n+2] = byte(v >> 16)
		buf[n+3] = byte(v >> 24)
		buf[n+4] = byte(v >> 32)
		buf[n+5] = byte(v >> 40)
		buf[n+6] = byte(v >> 48)
		buf[n+7] = byte(v >> 56)
		n += 8
	}
	buf[n] = byte(o.Kind)
	buf[n+1] = o.NLegs
	n += 2
	for i := 0; i < int(o.NLegs); i++ {
		l := &o.Legs[i]
		buf[n] = l.Exchange
		buf[n+1] = byte(l.Symbol)
		buf[n+2] = byte(l.Symbol >> 8)
		buf[n+3] = byte(l.Side)
		n += 4
		put64(uint64(l.Price.M))
		put64(uint64(l.Qty.M))
	}
	for i := range o.SnapshotSeqs {
		put64(o.SnapshotSeqs[i])
	}

	var d xxhash.Digest
	d.Reset()
	_, _ = d.Write(buf[:n])
	h1 := d.Sum64()
	d.ResetWithSeed(0x9E3779B97F4A7C15)
	_, _ = d.Write(buf[:n])
	h2 := d.Sum64()

	for i := 0; i < 8; i++ {
		o.IdempotencyKey[i] = byte(h1 >> (8 * i))
		o.IdempotencyKey[8+i] = byte(h2 >> (8 * i))
	}
}

// reset clears a pooled record before reuse
func (o *Opportunity) reset() {
	*o = Opportunity{}
}
