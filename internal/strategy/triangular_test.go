package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/arbengine/internal/fixed"
	"github.com/quantfabric/arbengine/internal/metrics"
	"github.com/quantfabric/arbengine/internal/orderbook"
)

const (
	symBTCUSDT = uint16(0)
	symETHBTC  = uint16(1)
	symETHUSDT = uint16(2)
)

var (
	btcUsdtMeta = orderbook.PairMeta{PriceScale: 2, QtyScale: 4, StepSize: 1}
	ethBtcMeta  = orderbook.PairMeta{PriceScale: 5, QtyScale: 4, StepSize: 1}
	ethUsdtMeta = orderbook.PairMeta{PriceScale: 2, QtyScale: 4, StepSize: 1}
)

// triBooks builds the three Binance books of the BTC/USDT→ETH/BTC→ETH/USDT
// cycle with the ETH/USDT bid under test control.
func triBooks(t *testing.T, ethUsdtBid int64) map[uint32]*orderbook.Book {
	t.Helper()
	b1 := bookWith(t, exBinance, symBTCUSDT, btcUsdtMeta, 10, 1000,
		[]orderbook.Level{{Price: 59999_00, Qty: 1_0000}},
		[]orderbook.Level{{Price: 60000_00, Qty: 1_0000}})
	b2 := bookWith(t, exBinance, symETHBTC, ethBtcMeta, 11, 1000,
		[]orderbook.Level{{Price: 5999, Qty: 100_0000}},
		[]orderbook.Level{{Price: 6000, Qty: 100_0000}}) // 0.06000 BTC
	b3 := bookWith(t, exBinance, symETHUSDT, ethUsdtMeta, 12, 1000,
		[]orderbook.Level{{Price: ethUsdtBid, Qty: 10_0000}},
		[]orderbook.Level{{Price: ethUsdtBid + 1_00, Qty: 10_0000}})
	return map[uint32]*orderbook.Book{
		orderbook.PairKey(exBinance, symBTCUSDT): b1,
		orderbook.PairKey(exBinance, symETHBTC):  b2,
		orderbook.PairKey(exBinance, symETHUSDT): b3,
	}
}

func triPath() Path {
	return Path{
		Exchange:   exBinance,
		BaseQuote:  symBTCUSDT,
		CrossBase:  symETHBTC,
		CrossQuote: symETHUSDT,
	}
}

func lookupIn(books map[uint32]*orderbook.Book) func(uint8, uint16) *orderbook.Book {
	return func(ex uint8, sym uint16) *orderbook.Book {
		return books[orderbook.PairKey(ex, sym)]
	}
}

// Scenario C, flat leg: at 3610 the cycle nets below zero after fees.
func TestCycleBelowThresholdNotEmitted(t *testing.T) {
	ctx := testContext(t)
	books := triBooks(t, 3610_00)

	s := NewTriangular([]Path{triPath()}, &metrics.Counters{})
	alloc, emit, out := collect()
	n := s.Detect(ctx, lookupIn(books), Balanced, 0, alloc, emit)
	assert.Zero(t, n)
	assert.Empty(t, *out)
}

// Scenario C, profitable leg: at 3650 the fixed-point net return is
// ≈ 108 bps, clearing the 50 bps threshold.
func TestCycleAboveThresholdEmitted(t *testing.T) {
	ctx := testContext(t)
	books := triBooks(t, 3650_00)

	s := NewTriangular([]Path{triPath()}, &metrics.Counters{})
	alloc, emit, out := collect()
	n := s.Detect(ctx, lookupIn(books), Balanced, 7, alloc, emit)
	require.Equal(t, 1, n)
	o := (*out)[0]

	assert.Equal(t, Triangular, o.Kind)
	assert.Equal(t, uint8(3), o.NLegs)

	// forward direction: buy BTC, buy ETH via ETH/BTC, sell ETH/USDT
	assert.Equal(t, symBTCUSDT, o.Legs[0].Symbol)
	assert.Equal(t, Buy, o.Legs[0].Side)
	assert.Equal(t, symETHBTC, o.Legs[1].Symbol)
	assert.Equal(t, Buy, o.Legs[1].Side)
	assert.Equal(t, symETHUSDT, o.Legs[2].Symbol)
	assert.Equal(t, Sell, o.Legs[2].Side)

	// cycle sized by the ETH/USDT displayed depth: 10 ETH
	assert.Equal(t, fixed.New(10_0000, 4), o.Legs[2].Qty)
	// cross leg moves 10 × 0.06 = 0.6 BTC
	assert.Equal(t, fixed.New(6000, 4), o.Legs[0].Qty)

	// exact fixed-point return: 3650/3600 × 0.999³ − 1
	assert.Equal(t, int64(1085024), o.NetProfitPct.M)
	assert.Equal(t, uint8(8), o.NetProfitPct.S)

	assert.Equal(t, int64(7), o.CreatedAtNs)
	assert.Equal(t, uint64(10), o.SnapshotSeqs[0])
	assert.Equal(t, uint64(11), o.SnapshotSeqs[1])
	assert.Equal(t, uint64(12), o.SnapshotSeqs[2])
	assert.False(t, o.Invalid)
}

func TestCycleReverseDirection(t *testing.T) {
	ctx := testContext(t)
	// Make the reverse cycle profitable: ETH/USDT ask cheap relative to
	// the ETH/BTC and BTC/USDT bids.
	b1 := bookWith(t, exBinance, symBTCUSDT, btcUsdtMeta, 10, 1000,
		[]orderbook.Level{{Price: 60000_00, Qty: 1_0000}},
		[]orderbook.Level{{Price: 60001_00, Qty: 1_0000}})
	b2 := bookWith(t, exBinance, symETHBTC, ethBtcMeta, 11, 1000,
		[]orderbook.Level{{Price: 6000, Qty: 100_0000}},
		[]orderbook.Level{{Price: 6001, Qty: 100_0000}})
	b3 := bookWith(t, exBinance, symETHUSDT, ethUsdtMeta, 12, 1000,
		[]orderbook.Level{{Price: 3549_00, Qty: 10_0000}},
		[]orderbook.Level{{Price: 3550_00, Qty: 10_0000}})
	books := map[uint32]*orderbook.Book{
		orderbook.PairKey(exBinance, symBTCUSDT): b1,
		orderbook.PairKey(exBinance, symETHBTC):  b2,
		orderbook.PairKey(exBinance, symETHUSDT): b3,
	}

	s := NewTriangular([]Path{triPath()}, &metrics.Counters{})
	alloc, emit, out := collect()
	n := s.Detect(ctx, lookupIn(books), Balanced, 0, alloc, emit)
	require.Equal(t, 1, n)
	o := (*out)[0]

	// reverse: buy ETH/USDT, sell ETH for BTC, sell BTC for USDT
	assert.Equal(t, symETHUSDT, o.Legs[0].Symbol)
	assert.Equal(t, Buy, o.Legs[0].Side)
	assert.Equal(t, symETHBTC, o.Legs[1].Symbol)
	assert.Equal(t, Sell, o.Legs[1].Side)
	assert.Equal(t, symBTCUSDT, o.Legs[2].Symbol)
	assert.Equal(t, Sell, o.Legs[2].Side)
	// 0.06 × 60000 = 3600 revenue vs 3550 cost ≈ 141 bps gross
	assert.Greater(t, o.NetProfitPct.M, int64(500000))
}

func TestCycleMissingBookSkipped(t *testing.T) {
	ctx := testContext(t)
	books := triBooks(t, 3650_00)
	delete(books, orderbook.PairKey(exBinance, symETHBTC))

	s := NewTriangular([]Path{triPath()}, &metrics.Counters{})
	alloc, emit, out := collect()
	assert.Zero(t, s.Detect(ctx, lookupIn(books), Balanced, 0, alloc, emit))
	assert.Empty(t, *out)
}

func TestCycleBindingLegIsBaseLeg(t *testing.T) {
	ctx := testContext(t)
	books := triBooks(t, 3650_00)
	// Replace ETH/USDT with a deeper book whose displayed top is larger
	// than the ETH/BTC depth: neither cross leg binds, the base leg does.
	b3 := bookWith(t, exBinance, symETHUSDT, ethUsdtMeta, 13, 1000,
		[]orderbook.Level{{Price: 3650_00, Qty: 500_0000}},
		[]orderbook.Level{{Price: 3651_00, Qty: 500_0000}})
	books[orderbook.PairKey(exBinance, symETHUSDT)] = b3

	s := NewTriangular([]Path{triPath()}, &metrics.Counters{})
	alloc, emit, out := collect()
	require.Equal(t, 1, s.Detect(ctx, lookupIn(books), Balanced, 0, alloc, emit))
	// ETH/BTC shows 100 ETH; base leg offers 1 BTC ≈ 16.66 ETH → binds
	assert.Equal(t, fixed.New(16_6666, 4), (*out)[0].Legs[2].Qty)
}

func TestCycleNoAlloc(t *testing.T) {
	ctx := testContext(t)
	books := triBooks(t, 3650_00)
	lookup := lookupIn(books)

	s := NewTriangular([]Path{triPath()}, &metrics.Counters{})
	var rec Opportunity
	alloc := func() *Opportunity { rec.reset(); return &rec }
	emit := func(*Opportunity) {}
	allocs := testing.AllocsPerRun(500, func() {
		s.Detect(ctx, lookup, Balanced, 0, alloc, emit)
	})
	assert.Zero(t, allocs)
}
