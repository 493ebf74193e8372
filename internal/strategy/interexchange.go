package strategy

import (
	"github.com/quantfabric/arbengine/internal/fixed"
	"github.com/quantfabric/arbengine/internal/metrics"
	"github.com/quantfabric/arbengine/internal/orderbook"
)

// InterExchange detects buy@A / sell@B spreads that clear fees and slippage.
// One instance per shard; no internal state beyond counters.
type InterExchangeStrategy struct {
	counters *metrics.Counters
}

// NewInterExchange creates the strategy bound to a shard's counter block
func NewInterExchange(counters *metrics.Counters) *InterExchangeStrategy {
	return &InterExchangeStrategy{counters: counters}
}

// Detect evaluates every ordered venue pair for one symbol. books must be
// sorted ascending by exchange id; that ordering plus (symbol, timestamp,
// sequence) is the fixed tie-break order of emitted opportunities. alloc
// draws a pooled record; emit hands a filled record to the shard.
func (s *InterExchangeStrategy) Detect(ctx *Context, books []*orderbook.Book, variant Variant, nowNs int64,
	alloc func() *Opportunity, emit func(*Opportunity)) int {

	emitted := 0
	for i := 0; i < len(books); i++ {
		for j := 0; j < len(books); j++ {
			if i == j {
				continue
			}
			o := alloc()
			if s.detectPair(ctx, books[i], books[j], variant, nowNs, o) {
				emit(o)
				emitted++
			}
		}
	}
	return emitted
}

// detectPair evaluates buying on buy's ask and selling on sell's bid
func (s *InterExchangeStrategy) detectPair(ctx *Context, buy, sell *orderbook.Book, variant Variant, nowNs int64, o *Opportunity) bool {
	if buy.Quality() < ctx.QualityFloor || sell.Quality() < ctx.QualityFloor {
		s.counters.QualityRejects.Add(1)
		return false
	}
	skew := int64(buy.TimestampNs()) - int64(sell.TimestampNs())
	if skew < 0 {
		skew = -skew
	}
	if uint64(skew) > ctx.StalenessMaxNs {
		s.counters.SkewRejects.Add(1)
		return false
	}

	ask, okA := buy.BestAsk()
	bid, okB := sell.BestBid()
	if !okA || !okB {
		return false
	}
	if buy.PriceScale != sell.PriceScale || buy.QtyScale != sell.QtyScale {
		s.counters.MalformedSnapshots.Add(1)
		return false
	}
	if bid.Price <= ask.Price {
		return false
	}

	limits := ctx.Limits(buy.Symbol)
	q := ask.Qty
	if bid.Qty < q {
		q = bid.Qty
	}
	if limits.MaxLegNotional > 0 && ask.Price > 0 {
		if maxQ := limits.MaxLegNotional / ask.Price; maxQ < q {
			q = maxQ
		}
	}
	if buy.StepSize > 0 {
		q -= q % buy.StepSize
	}
	if q <= 0 || q < limits.MinQty {
		return false
	}

	// Slippage walk, bounded by the variant; shrink to consumable depth.
	var slipBuy, slipSell fixed.Value
	d := variant.WalkLevels()
	if d != 0 {
		wb := buy.Walk(orderbook.Ask, q, d)
		ws := sell.Walk(orderbook.Bid, q, d)
		if wb.Saturated || ws.Saturated {
			s.counters.Saturations.Add(1)
			o.Invalid = true
		}
		if wb.Consumed < q {
			q = wb.Consumed
		}
		if ws.Consumed < q {
			q = ws.Consumed
		}
		if q <= 0 || q < limits.MinQty {
			return false
		}
		slipBuy = perUnitCost(wb.AvgPrice, fixed.New(ask.Price, buy.PriceScale), q, buy.QtyScale)
		slipSell = perUnitCost(fixed.New(bid.Price, sell.PriceScale), ws.AvgPrice, q, sell.QtyScale)
	}

	ns := buy.PriceScale + buy.QtyScale // notional scale
	askPrice := fixed.New(ask.Price, buy.PriceScale)
	bidPrice := fixed.New(bid.Price, sell.PriceScale)
	qty := fixed.New(q, buy.QtyScale)

	spread, ok1 := fixed.Sub(bidPrice, askPrice)
	gross, ok2 := fixed.Mul(spread, qty, ns, fixed.RoundTruncate)
	buyNotional, ok3 := fixed.Mul(askPrice, qty, ns, fixed.RoundTruncate)
	sellNotional, ok4 := fixed.Mul(bidPrice, qty, ns, fixed.RoundTruncate)
	if !(ok1 && ok2 && ok3 && ok4) {
		s.counters.Saturations.Add(1)
		o.Invalid = true
	}

	feeBuy := fixed.MulBps(buyNotional, ctx.Fees.Taker(buy.Exchange, buy.Symbol))
	feeSell := fixed.MulBps(sellNotional, ctx.Fees.Taker(sell.Exchange, sell.Symbol))

	net, okN := fixed.Sub(gross, feeBuy)
	net, ok5 := fixed.Sub(net, feeSell)
	net, ok6 := fixed.Sub(net, slipBuy)
	net, ok7 := fixed.Sub(net, slipSell)
	if !(okN && ok5 && ok6 && ok7) {
		s.counters.Saturations.Add(1)
		o.Invalid = true
	}

	if net.Sign() <= 0 {
		return false
	}
	netPct, okPct := fixed.Div(net, buyNotional, 8, fixed.RoundTruncate)
	if !okPct {
		s.counters.Saturations.Add(1)
		o.Invalid = true
	}

	threshold := ctx.ThresholdFraction()
	if variant == Light {
		// conservative margin on the light scan
		threshold = fixed.MulBps(threshold, 12500)
	}
	if c, err := fixed.Cmp(netPct, threshold); err != nil || c < 0 {
		return false
	}

	slipTotal, _ := fixed.Add(slipBuy, slipSell)
	o.Kind = InterExchange
	o.NLegs = 2
	o.Legs[0] = Leg{
		Exchange: buy.Exchange, Symbol: buy.Symbol, Side: Buy,
		Price: askPrice, Qty: qty, EstFee: feeBuy, EstSlippage: slipBuy,
	}
	o.Legs[1] = Leg{
		Exchange: sell.Exchange, Symbol: sell.Symbol, Side: Sell,
		Price: bidPrice, Qty: qty, EstFee: feeSell, EstSlippage: slipSell,
	}
	o.GrossProfit = gross
	o.NetProfit = net
	o.NetProfitPct = netPct
	o.ThresholdBps = ctx.Threshold.Bps
	o.ThresholdVersion = ctx.Threshold.Version
	o.FeeVersion = ctx.Fees.Version
	o.SlippageBudget = slipTotal
	o.TTLNs = ctx.TTLNs
	o.CreatedAtNs = nowNs
	o.SnapshotSeqs[0] = buy.Sequence()
	o.SnapshotSeqs[1] = sell.Sequence()
	o.BookChecksums[0] = buy.Checksum()
	o.BookChecksums[1] = sell.Checksum()
	o.Tags[0] = "spread"
	o.Tags[1] = variant.String()
	o.stampKey()
	return true
}

// perUnitCost computes (worse − better) × qty as a notional cost, clamped
// at zero. Used for both slippage directions.
func perUnitCost(worse, better fixed.Value, qtyM int64, qtyScale uint8) fixed.Value {
	diff, ok := fixed.Sub(worse, better)
	if !ok || diff.Sign() <= 0 {
		return fixed.Zero(worse.S + qtyScale)
	}
	cost, _ := fixed.Mul(diff, fixed.New(qtyM, qtyScale), worse.S+qtyScale, fixed.RoundTruncate)
	return cost
}
