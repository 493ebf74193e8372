package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/arbengine/internal/fixed"
	"github.com/quantfabric/arbengine/internal/marketstate"
	"github.com/quantfabric/arbengine/internal/metrics"
	"github.com/quantfabric/arbengine/internal/minprofit"
	"github.com/quantfabric/arbengine/internal/orderbook"
)

const (
	exBinance = uint8(0)
	exOKX     = uint8(1)
	symBTC    = uint16(0)
)

var btcMeta = orderbook.PairMeta{PriceScale: 2, QtyScale: 4, TickSize: 1, StepSize: 1}

// testContext builds a context with 50 bps threshold and 10 bps taker fees
func testContext(t *testing.T) *Context {
	t.Helper()
	model := minprofit.NewModel(minprofit.DefaultConfig())
	fees := NewFeeTable(1,
		[]uint8{0, 0, 0, 0},
		[][]FeeSchedule{
			{{TakerBps: 10, MakerBps: 5}},
			{{TakerBps: 10, MakerBps: 5}},
		},
		FeeSchedule{TakerBps: 10},
	)
	return &Context{
		State:          marketstate.Regular,
		Threshold:      model.Current(),
		Fees:           fees,
		limits:         []SymbolLimits{{MinQty: 1}, {MinQty: 1}, {MinQty: 1}, {MinQty: 1}},
		QualityFloor:   0.5,
		StalenessMaxNs: 50_000_000,
		TTLNs:          100_000_000,
		Clock:          func() int64 { return 0 },
	}
}

func bookWith(t *testing.T, exchange uint8, symbol uint16, meta orderbook.PairMeta, seq uint64, tsNs uint64, bids, asks []orderbook.Level) *orderbook.Book {
	t.Helper()
	b := orderbook.NewBook(exchange, symbol, meta, 50)
	require.NoError(t, b.ApplySnapshot(&orderbook.NormalizedSnapshot{
		Kind:        orderbook.KindFull,
		Exchange:    exchange,
		Symbol:      symbol,
		Sequence:    seq,
		TimestampNs: tsNs,
		Quality:     0.99,
		PriceScale:  meta.PriceScale,
		QtyScale:    meta.QtyScale,
		Bids:        bids,
		Asks:        asks,
	}))
	return b
}

func collect() (func() *Opportunity, func(*Opportunity), *[]*Opportunity) {
	var out []*Opportunity
	var spare *Opportunity
	alloc := func() *Opportunity {
		if spare == nil {
			spare = &Opportunity{}
		}
		spare.reset()
		return spare
	}
	emit := func(o *Opportunity) {
		out = append(out, o)
		spare = nil
	}
	return alloc, emit, &out
}

// Scenario A: the spread exists but fees eat it; nothing may be emitted.
func TestSpreadBelowFeesDropped(t *testing.T) {
	ctx := testContext(t)
	binance := bookWith(t, exBinance, symBTC, btcMeta, 10, 1000,
		[]orderbook.Level{{Price: 59990_00, Qty: 1_0000}},
		[]orderbook.Level{{Price: 60000_10, Qty: 1_0000}})
	okx := bookWith(t, exOKX, symBTC, btcMeta, 20, 1000,
		[]orderbook.Level{{Price: 60050_00, Qty: 1_0000}},
		[]orderbook.Level{{Price: 60060_00, Qty: 1_0000}})

	s := NewInterExchange(&metrics.Counters{})
	alloc, emit, out := collect()
	n := s.Detect(ctx, []*orderbook.Book{binance, okx}, Balanced, 0, alloc, emit)
	assert.Zero(t, n)
	assert.Empty(t, *out)
}

// Scenario B: okx bid at 60500 clears fees with ~63 bps net.
func TestSpreadAboveThresholdEmitted(t *testing.T) {
	ctx := testContext(t)
	binance := bookWith(t, exBinance, symBTC, btcMeta, 10, 1000,
		[]orderbook.Level{{Price: 59990_00, Qty: 1_0000}},
		[]orderbook.Level{{Price: 60000_10, Qty: 1_0000}})
	okx := bookWith(t, exOKX, symBTC, btcMeta, 20, 1000,
		[]orderbook.Level{{Price: 60500_00, Qty: 1_0000}},
		[]orderbook.Level{{Price: 60510_00, Qty: 1_0000}})

	s := NewInterExchange(&metrics.Counters{})
	alloc, emit, out := collect()
	n := s.Detect(ctx, []*orderbook.Book{binance, okx}, Balanced, 42, alloc, emit)
	require.Equal(t, 1, n)
	o := (*out)[0]

	assert.Equal(t, InterExchange, o.Kind)
	assert.Equal(t, uint8(2), o.NLegs)
	assert.Equal(t, Buy, o.Legs[0].Side)
	assert.Equal(t, exBinance, o.Legs[0].Exchange)
	assert.Equal(t, fixed.New(60000_10, 2), o.Legs[0].Price)
	assert.Equal(t, Sell, o.Legs[1].Side)
	assert.Equal(t, exOKX, o.Legs[1].Exchange)
	assert.Equal(t, fixed.New(60500_00, 2), o.Legs[1].Price)
	assert.Equal(t, fixed.New(1_0000, 4), o.Legs[0].Qty)

	// gross = 499.90, fees = 60.0001 + 60.50, net ≈ 379.40
	assert.Equal(t, int64(499_900000), o.GrossProfit.M)
	assert.InDelta(t, 379.4, fixed.ToFloat(o.NetProfit), 0.01)
	// net pct ≈ 63 bps against the 50 bps threshold actually used
	assert.Greater(t, o.NetProfitPct.M, int64(500000))
	assert.Equal(t, int64(5000), o.ThresholdBps)
	assert.Equal(t, ctx.Threshold.Version, o.ThresholdVersion)
	assert.False(t, o.Invalid)
	assert.Equal(t, int64(42), o.CreatedAtNs)
	assert.Equal(t, uint64(10), o.SnapshotSeqs[0])
	assert.Equal(t, uint64(20), o.SnapshotSeqs[1])
	assert.NotEqual(t, [16]byte{}, o.IdempotencyKey)
}

func TestProfitCoversThresholdInvariant(t *testing.T) {
	ctx := testContext(t)
	binance := bookWith(t, exBinance, symBTC, btcMeta, 10, 1000,
		nil, []orderbook.Level{{Price: 60000_10, Qty: 1_0000}})
	okx := bookWith(t, exOKX, symBTC, btcMeta, 20, 1000,
		[]orderbook.Level{{Price: 60500_00, Qty: 1_0000}}, nil)

	s := NewInterExchange(&metrics.Counters{})
	alloc, emit, out := collect()
	s.Detect(ctx, []*orderbook.Book{binance, okx}, Balanced, 0, alloc, emit)
	require.Len(t, *out, 1)
	o := (*out)[0]

	// net_profit ≥ threshold × notional with the recorded threshold version
	notional, ok := fixed.Mul(o.Legs[0].Price, o.Legs[0].Qty, 6, fixed.RoundTruncate)
	require.True(t, ok)
	minNet, ok := fixed.Mul(notional, ctx.Threshold.Fraction, 6, fixed.RoundTruncate)
	require.True(t, ok)
	c, err := fixed.Cmp(o.NetProfit, minNet)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, c, 0)
}

func TestStaleSkewRejected(t *testing.T) {
	ctx := testContext(t)
	counters := &metrics.Counters{}
	binance := bookWith(t, exBinance, symBTC, btcMeta, 10, 1000,
		nil, []orderbook.Level{{Price: 60000_10, Qty: 1_0000}})
	okx := bookWith(t, exOKX, symBTC, btcMeta, 20, 1000+100_000_000,
		[]orderbook.Level{{Price: 60500_00, Qty: 1_0000}}, nil)

	s := NewInterExchange(counters)
	alloc, emit, out := collect()
	n := s.Detect(ctx, []*orderbook.Book{binance, okx}, Balanced, 0, alloc, emit)
	assert.Zero(t, n)
	assert.Empty(t, *out)
	assert.Equal(t, uint64(2), counters.SkewRejects.Load(), "both directions rejected")
}

func TestQualityFloorRejected(t *testing.T) {
	ctx := testContext(t)
	counters := &metrics.Counters{}
	binance := bookWith(t, exBinance, symBTC, btcMeta, 10, 1000,
		nil, []orderbook.Level{{Price: 60000_10, Qty: 1_0000}})
	okx := orderbook.NewBook(exOKX, symBTC, btcMeta, 50)
	require.NoError(t, okx.ApplySnapshot(&orderbook.NormalizedSnapshot{
		Kind: orderbook.KindFull, Exchange: exOKX, Symbol: symBTC,
		Sequence: 20, TimestampNs: 1000, Quality: 0.1,
		PriceScale: 2, QtyScale: 4,
		Bids: []orderbook.Level{{Price: 60500_00, Qty: 1_0000}},
	}))

	s := NewInterExchange(counters)
	alloc, emit, _ := collect()
	n := s.Detect(ctx, []*orderbook.Book{binance, okx}, Balanced, 0, alloc, emit)
	assert.Zero(t, n)
	assert.NotZero(t, counters.QualityRejects.Load())
}

func TestMissingSideNoOpportunity(t *testing.T) {
	ctx := testContext(t)
	binance := bookWith(t, exBinance, symBTC, btcMeta, 10, 1000,
		[]orderbook.Level{{Price: 59990_00, Qty: 1_0000}}, nil) // no asks
	okx := bookWith(t, exOKX, symBTC, btcMeta, 20, 1000,
		[]orderbook.Level{{Price: 60500_00, Qty: 1_0000}}, nil)

	s := NewInterExchange(&metrics.Counters{})
	alloc, emit, out := collect()
	assert.Zero(t, s.Detect(ctx, []*orderbook.Book{binance, okx}, Balanced, 0, alloc, emit))
	assert.Empty(t, *out)
}

func TestQtyBoundByBothSidesAndNotional(t *testing.T) {
	ctx := testContext(t)
	ctx.limits = []SymbolLimits{{MinQty: 1, MaxLegNotional: 30000_000000}} // 30k quote

	binance := bookWith(t, exBinance, symBTC, btcMeta, 10, 1000,
		nil, []orderbook.Level{{Price: 60000_00, Qty: 5_0000}})
	okx := bookWith(t, exOKX, symBTC, btcMeta, 20, 1000,
		[]orderbook.Level{{Price: 61000_00, Qty: 2_0000}}, nil)

	s := NewInterExchange(&metrics.Counters{})
	alloc, emit, out := collect()
	s.Detect(ctx, []*orderbook.Book{binance, okx}, Balanced, 0, alloc, emit)
	require.Len(t, *out, 1)
	// 30000/60000 = 0.5 caps below both displayed qtys
	assert.Equal(t, fixed.New(5000, 4), (*out)[0].Legs[0].Qty)
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	ctx := testContext(t)
	mk := func() *Opportunity {
		binance := bookWith(t, exBinance, symBTC, btcMeta, 10, 1000,
			nil, []orderbook.Level{{Price: 60000_10, Qty: 1_0000}})
		okx := bookWith(t, exOKX, symBTC, btcMeta, 20, 1000,
			[]orderbook.Level{{Price: 60500_00, Qty: 1_0000}}, nil)
		s := NewInterExchange(&metrics.Counters{})
		alloc, emit, out := collect()
		s.Detect(ctx, []*orderbook.Book{binance, okx}, Balanced, 0, alloc, emit)
		require.Len(t, *out, 1)
		return (*out)[0]
	}
	a, b := mk(), mk()
	assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.Equal(t, a.TraceID(), b.TraceID())
	assert.Equal(t, uuid16Version(a.TraceID()), 5)
}

func uuid16Version(id [16]byte) int {
	return int(id[6] >> 4)
}

func TestUltraLightSkipsWalk(t *testing.T) {
	ctx := testContext(t)
	binance := bookWith(t, exBinance, symBTC, btcMeta, 10, 1000,
		nil, []orderbook.Level{{Price: 60000_10, Qty: 1_0000}})
	okx := bookWith(t, exOKX, symBTC, btcMeta, 20, 1000,
		[]orderbook.Level{{Price: 60500_00, Qty: 1_0000}}, nil)

	s := NewInterExchange(&metrics.Counters{})
	alloc, emit, out := collect()
	s.Detect(ctx, []*orderbook.Book{binance, okx}, UltraLight, 0, alloc, emit)
	require.Len(t, *out, 1)
	assert.True(t, (*out)[0].SlippageBudget.IsZero())
}

func TestDetectNoAlloc(t *testing.T) {
	ctx := testContext(t)
	binance := bookWith(t, exBinance, symBTC, btcMeta, 10, 1000,
		nil, []orderbook.Level{{Price: 60000_10, Qty: 1_0000}})
	okx := bookWith(t, exOKX, symBTC, btcMeta, 20, 1000,
		[]orderbook.Level{{Price: 60500_00, Qty: 1_0000}}, nil)
	books := []*orderbook.Book{binance, okx}

	s := NewInterExchange(&metrics.Counters{})
	var rec Opportunity
	alloc := func() *Opportunity { rec.reset(); return &rec }
	emit := func(*Opportunity) {}
	allocs := testing.AllocsPerRun(500, func() {
		s.Detect(ctx, books, Balanced, 0, alloc, emit)
	})
	assert.Zero(t, allocs)
}
