package strategy

import (
	"sync/atomic"

	"github.com/quantfabric/arbengine/internal/fixed"
	"github.com/quantfabric/arbengine/internal/marketstate"
	"github.com/quantfabric/arbengine/internal/minprofit"
)

// FeeSchedule is the taker/maker fee for one (exchange, symbol class)
type FeeSchedule struct {
	TakerBps int64
	MakerBps int64
}

// FeeTable maps (exchange, symbol) to a fee schedule through per-symbol
// class indices. Immutable after construction; refreshes build a new table.
type FeeTable struct {
	Version uint64
	// classes maps symbol id → class index
	classes []uint8
	// fees is indexed [exchange][class]
	fees [][]FeeSchedule
	// fallback applies to unknown pairs
	fallback FeeSchedule
}

// NewFeeTable builds an immutable fee table
func NewFeeTable(version uint64, classes []uint8, fees [][]FeeSchedule, fallback FeeSchedule) *FeeTable {
	return &FeeTable{Version: version, classes: classes, fees: fees, fallback: fallback}
}

// Taker returns the taker fee in bps for a pair
func (t *FeeTable) Taker(exchange uint8, symbol uint16) int64 {
	if int(exchange) < len(t.fees) && int(symbol) < len(t.classes) {
		row := t.fees[exchange]
		if cls := t.classes[symbol]; int(cls) < len(row) {
			return row[cls].TakerBps
		}
	}
	return t.fallback.TakerBps
}

// SymbolLimits carries per-symbol trade bounds at the symbol's scales
type SymbolLimits struct {
	// MinQty is the minimum executable quantity mantissa
	MinQty int64
	// MaxLegNotional bounds one leg's notional; mantissa at price+qty scale
	MaxLegNotional int64
}

// Context is the read-mostly bundle consulted by every detect call. A detect
// pass loads the holder pointer exactly once, so a mid-detection swap never
// yields a mixed view.
type Context struct {
	Version uint64

	State     marketstate.State
	Threshold *minprofit.Threshold
	Fees      *FeeTable

	// limits is indexed by symbol id
	limits []SymbolLimits

	QualityFloor   float32
	StalenessMaxNs uint64

	TTLNs int64

	// Clock returns monotonic nanoseconds; injected for determinism tests
	Clock func() int64
}

// ContextParams assembles a context from resolved configuration
type ContextParams struct {
	State          marketstate.State
	Threshold      *minprofit.Threshold
	Fees           *FeeTable
	Limits         []SymbolLimits
	QualityFloor   float32
	StalenessMaxNs uint64
	TTLNs          int64
	Clock          func() int64
}

// NewContext builds an unpublished context; hand it to NewHolder
func NewContext(p ContextParams) *Context {
	return &Context{
		State:          p.State,
		Threshold:      p.Threshold,
		Fees:           p.Fees,
		limits:         p.Limits,
		QualityFloor:   p.QualityFloor,
		StalenessMaxNs: p.StalenessMaxNs,
		TTLNs:          p.TTLNs,
		Clock:          p.Clock,
	}
}

// Limits returns the trade bounds for a symbol
func (c *Context) Limits(symbol uint16) SymbolLimits {
	if int(symbol) < len(c.limits) {
		return c.limits[symbol]
	}
	return SymbolLimits{}
}

// ThresholdFraction returns the loaded threshold as a scale-8 fraction
func (c *Context) ThresholdFraction() fixed.Value {
	return c.Threshold.Fraction
}

// Holder publishes Context versions by RCU pointer swap
type Holder struct {
	cur     atomic.Pointer[Context]
	version atomic.Uint64
}

// NewHolder publishes the initial context
func NewHolder(initial *Context) *Holder {
	h := &Holder{}
	initial.Version = h.version.Add(1)
	h.cur.Store(initial)
	return h
}

// Load returns the current context. Exactly one call per detect pass.
func (h *Holder) Load() *Context {
	return h.cur.Load()
}

// Swap publishes a new context version built from the previous one by fn
func (h *Holder) Swap(fn func(prev Context) Context) *Context {
	for {
		prev := h.cur.Load()
		next := fn(*prev)
		next.Version = h.version.Add(1)
		if h.cur.CompareAndSwap(prev, &next) {
			return &next
		}
	}
}
