package strategy

import (
	"github.com/quantfabric/arbengine/internal/fixed"
	"github.com/quantfabric/arbengine/internal/metrics"
	"github.com/quantfabric/arbengine/internal/orderbook"
)

// Path is one configured three-leg cycle on a single exchange. With symbols
// X/Q, Y/X, Y/Q the cycle buys X, converts to Y, and unwinds to the quote
// currency (forward), or the reverse.
type Path struct {
	Exchange uint8
	// BaseQuote is X/Q, CrossBase is Y/X, CrossQuote is Y/Q
	BaseQuote  uint16
	CrossBase  uint16
	CrossQuote uint16
}

// TriangularStrategy detects profitable cycles over configured paths. Paths are
// enumerated in configuration; the engine does not discover cycles at
// runtime.
type TriangularStrategy struct {
	paths    []Path
	counters *metrics.Counters
}

// NewTriangular creates the strategy for a shard's configured paths
func NewTriangular(paths []Path, counters *metrics.Counters) *TriangularStrategy {
	return &TriangularStrategy{paths: paths, counters: counters}
}

// Paths returns the configured cycle list
func (s *TriangularStrategy) Paths() []Path { return s.paths }

// Detect evaluates both directions of every configured path. lookup resolves
// a (exchange, symbol) book owned by the calling shard; alloc and emit work
// against the shard's pool.
func (s *TriangularStrategy) Detect(ctx *Context, lookup func(uint8, uint16) *orderbook.Book, variant Variant, nowNs int64,
	alloc func() *Opportunity, emit func(*Opportunity)) int {

	emitted := 0
	for p := range s.paths {
		path := &s.paths[p]
		b1 := lookup(path.Exchange, path.BaseQuote)
		b2 := lookup(path.Exchange, path.CrossBase)
		b3 := lookup(path.Exchange, path.CrossQuote)
		if b1 == nil || b2 == nil || b3 == nil {
			continue
		}
		if b1.Quality() < ctx.QualityFloor || b2.Quality() < ctx.QualityFloor || b3.Quality() < ctx.QualityFloor {
			s.counters.QualityRejects.Add(1)
			continue
		}

		o := alloc()
		if s.detectDirection(ctx, b1, b2, b3, variant, nowNs, true, o) {
			emit(o)
			emitted++
		}
		o = alloc()
		if s.detectDirection(ctx, b1, b2, b3, variant, nowNs, false, o) {
			emit(o)
			emitted++
		}
	}
	return emitted
}

// detectDirection evaluates one direction of a cycle. Forward buys the base
// leg and unwinds through the cross; reverse runs the cycle backwards.
func (s *TriangularStrategy) detectDirection(ctx *Context, b1, b2, b3 *orderbook.Book, variant Variant, nowNs int64, forward bool, o *Opportunity) bool {
	var l1, l2, l3 orderbook.Level
	var ok bool
	if forward {
		// buy X with Q, buy Y with X, sell Y for Q
		if l1, ok = b1.BestAsk(); !ok {
			return false
		}
		if l2, ok = b2.BestAsk(); !ok {
			return false
		}
		if l3, ok = b3.BestBid(); !ok {
			return false
		}
	} else {
		// buy Y with Q, sell Y for X, sell X for Q
		if l3, ok = b3.BestAsk(); !ok {
			return false
		}
		if l2, ok = b2.BestBid(); !ok {
			return false
		}
		if l1, ok = b1.BestBid(); !ok {
			return false
		}
	}

	p1 := fixed.New(l1.Price, b1.PriceScale)
	p2 := fixed.New(l2.Price, b2.PriceScale)
	p3 := fixed.New(l3.Price, b3.PriceScale)

	// Cycle return r: Q spent per unit Y versus Q received per unit Y.
	// Forward: cost = p1·p2, revenue = p3. Reverse: cost = p3,
	// revenue = p1·p2.
	prod, okM := fixed.Mul(p1, p2, capScale(b1.PriceScale+b2.PriceScale), fixed.RoundTruncate)
	var r fixed.Value
	var okD bool
	if forward {
		r, okD = fixed.Div(p3, prod, 8, fixed.RoundTruncate)
	} else {
		r, okD = fixed.Div(prod, p3, 8, fixed.RoundTruncate)
	}
	if !(okM && okD) {
		s.counters.Saturations.Add(1)
		o.Invalid = true
	}

	// taker fee applied once per leg: r × (1−f)³
	fee := ctx.Fees.Taker(b1.Exchange, b1.Symbol)
	keep := 10000 - fee
	r = fixed.MulBps(fixed.MulBps(fixed.MulBps(r, keep), keep), keep)

	one := fixed.New(100_000_000, 8)
	rm1, _ := fixed.Sub(r, one)
	if rm1.Sign() <= 0 {
		return false
	}
	threshold := ctx.ThresholdFraction()
	if variant == Light {
		threshold = fixed.MulBps(threshold, 12500)
	}
	if c, err := fixed.Cmp(rm1, threshold); err != nil || c < 0 {
		return false
	}

	// Size the cycle in units of Y; the binding leg wins.
	qY := s.bindingQty(ctx, b1, b2, b3, p1, p2, p3, l1, l2, l3, variant, forward)
	if qY <= 0 {
		return false
	}
	limits := ctx.Limits(b3.Symbol)
	if b3.StepSize > 0 {
		qY -= qY % b3.StepSize
	}
	if qY <= 0 || qY < limits.MinQty {
		return false
	}
	qty := fixed.New(qY, b3.QtyScale)

	// Notionals in quote currency at the cross-quote notional scale.
	ns := capScale(b3.PriceScale + b3.QtyScale)
	costNotional, okC := fixed.Mul(prod, qty, ns, fixed.RoundTruncate)
	if !forward {
		costNotional, okC = fixed.Mul(p3, qty, ns, fixed.RoundTruncate)
	}
	gross, okG := fixed.Mul(costNotional, rm1, ns, fixed.RoundTruncate)
	if !(okC && okG) {
		s.counters.Saturations.Add(1)
		o.Invalid = true
	}

	// gross already nets the taker fees through (1−f)³; report the fee
	// component per leg for the executor's budget.
	fee1 := fixed.MulBps(costNotional, fee)

	// X quantity moved on the cross leg, at the base-quote qty scale
	qX, _ := fixed.Mul(p2, qty, b1.QtyScale, fixed.RoundTruncate)

	o.Kind = Triangular
	o.NLegs = 3
	if forward {
		o.Legs[0] = Leg{Exchange: b1.Exchange, Symbol: b1.Symbol, Side: Buy, Price: p1, Qty: qX, EstFee: fee1}
		o.Legs[1] = Leg{Exchange: b2.Exchange, Symbol: b2.Symbol, Side: Buy, Price: p2, Qty: qty, EstFee: fee1}
		o.Legs[2] = Leg{Exchange: b3.Exchange, Symbol: b3.Symbol, Side: Sell, Price: p3, Qty: qty, EstFee: fee1}
	} else {
		o.Legs[0] = Leg{Exchange: b3.Exchange, Symbol: b3.Symbol, Side: Buy, Price: p3, Qty: qty, EstFee: fee1}
		o.Legs[1] = Leg{Exchange: b2.Exchange, Symbol: b2.Symbol, Side: Sell, Price: p2, Qty: qty, EstFee: fee1}
		o.Legs[2] = Leg{Exchange: b1.Exchange, Symbol: b1.Symbol, Side: Sell, Price: p1, Qty: qX, EstFee: fee1}
	}
	o.GrossProfit = gross
	o.NetProfit = gross
	o.NetProfitPct = rm1
	o.ThresholdBps = ctx.Threshold.Bps
	o.ThresholdVersion = ctx.Threshold.Version
	o.FeeVersion = ctx.Fees.Version
	o.TTLNs = ctx.TTLNs
	o.CreatedAtNs = nowNs
	o.SnapshotSeqs[0] = b1.Sequence()
	o.SnapshotSeqs[1] = b2.Sequence()
	o.SnapshotSeqs[2] = b3.Sequence()
	o.BookChecksums[0] = b1.Checksum()
	o.BookChecksums[1] = b2.Checksum()
	o.BookChecksums[2] = b3.Checksum()
	o.Tags[0] = "cycle"
	o.Tags[1] = variant.String()
	o.stampKey()
	return true
}

// bindingQty bounds the cycle size in Y units by the displayed liquidity of
// every leg, the walk-consumable depth for heavier variants, and the
// per-symbol notional cap.
func (s *TriangularStrategy) bindingQty(ctx *Context, b1, b2, b3 *orderbook.Book, p1, p2, p3 fixed.Value,
	l1, l2, l3 orderbook.Level, variant Variant, forward bool) int64 {

	qY := l2.Qty
	if l3.Qty < qY {
		qY = l3.Qty
	}

	// The base leg holds X; convert its displayed qty into Y units.
	if p2.M > 0 {
		xQty := fixed.New(l1.Qty, b1.QtyScale)
		yFromX, ok := fixed.Div(xQty, p2, b3.QtyScale, fixed.RoundTruncate)
		if ok && yFromX.M < qY {
			qY = yFromX.M
		}
	}

	if d := variant.WalkLevels(); d != 0 {
		side2, side3 := orderbook.Ask, orderbook.Bid
		if !forward {
			side2, side3 = orderbook.Bid, orderbook.Ask
		}
		if w := b2.Walk(side2, qY, d); w.Consumed < qY {
			qY = w.Consumed
		}
		if w := b3.Walk(side3, qY, d); w.Consumed < qY {
			qY = w.Consumed
		}
	}

	limits := ctx.Limits(b3.Symbol)
	if limits.MaxLegNotional > 0 && p3.M > 0 {
		if maxQ := limits.MaxLegNotional / p3.M; maxQ < qY {
			qY = maxQ
		}
	}
	return qY
}

// capScale clamps a derived scale to the fixed-point maximum
func capScale(s uint8) uint8 {
	if s > fixed.MaxScale {
		return fixed.MaxScale
	}
	return s
}
