package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/arbengine/internal/common/errors"
)

var testMeta = PairMeta{PriceScale: 2, QtyScale: 4, TickSize: 1, StepSize: 1}

func fullSnap(seq uint64, bids, asks []Level) *NormalizedSnapshot {
	return &NormalizedSnapshot{
		Kind:        KindFull,
		Exchange:    1,
		Symbol:      7,
		Sequence:    seq,
		TimestampNs: seq * 1000,
		Quality:     0.99,
		PriceScale:  2,
		QtyScale:    4,
		Bids:        bids,
		Asks:        asks,
	}
}

func incSnap(seq uint64, bids, asks []Level) *NormalizedSnapshot {
	s := fullSnap(seq, bids, asks)
	s.Kind = KindIncrement
	return s
}

func TestApplySnapshotAndBest(t *testing.T) {
	b := NewBook(1, 7, testMeta, 50)

	err := b.ApplySnapshot(fullSnap(10,
		[]Level{{Price: 60000_00, Qty: 1_0000}, {Price: 59999_00, Qty: 2_0000}},
		[]Level{{Price: 60001_00, Qty: 1_5000}, {Price: 60002_00, Qty: 3_0000}},
	))
	require.NoError(t, err)
	assert.True(t, b.WellFormed())
	assert.Equal(t, uint64(10), b.Sequence())

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, int64(60000_00), bid.Price)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, int64(60001_00), ask.Price)
}

func TestStaleSequenceRejected(t *testing.T) {
	b := NewBook(1, 7, testMeta, 50)
	require.NoError(t, b.ApplySnapshot(fullSnap(100,
		[]Level{{Price: 100_00, Qty: 1_0000}}, nil)))

	err := b.ApplySnapshot(fullSnap(99, []Level{{Price: 101_00, Qty: 1_0000}}, nil))
	assert.ErrorIs(t, err, errors.StaleSequence)
	assert.Equal(t, uint64(100), b.Sequence())

	bid, _ := b.BestBid()
	assert.Equal(t, int64(100_00), bid.Price, "stale snapshot must not mutate the book")
}

func TestMalformedRejected(t *testing.T) {
	b := NewBook(1, 7, testMeta, 50)

	// unsorted bids
	err := b.ApplySnapshot(fullSnap(1,
		[]Level{{Price: 100_00, Qty: 1}, {Price: 101_00, Qty: 1}}, nil))
	assert.ErrorIs(t, err, errors.MalformedSnapshot)

	// duplicate ask price
	err = b.ApplySnapshot(fullSnap(1, nil,
		[]Level{{Price: 100_00, Qty: 1}, {Price: 100_00, Qty: 2}}))
	assert.ErrorIs(t, err, errors.MalformedSnapshot)

	// crossed
	err = b.ApplySnapshot(fullSnap(1,
		[]Level{{Price: 101_00, Qty: 1}},
		[]Level{{Price: 100_00, Qty: 1}}))
	assert.ErrorIs(t, err, errors.CrossedBook)

	// negative qty
	err = b.ApplySnapshot(fullSnap(1, []Level{{Price: 100_00, Qty: -1}}, nil))
	assert.ErrorIs(t, err, errors.MalformedSnapshot)
}

func TestApplyIncrement(t *testing.T) {
	b := NewBook(1, 7, testMeta, 50)
	require.NoError(t, b.ApplySnapshot(fullSnap(1,
		[]Level{{Price: 100_00, Qty: 1_0000}, {Price: 99_00, Qty: 2_0000}},
		[]Level{{Price: 101_00, Qty: 1_0000}},
	)))

	// replace one level, remove one, insert one
	err := b.ApplyIncrement(incSnap(2,
		[]Level{{Price: 100_00, Qty: 5_0000}, {Price: 99_50, Qty: 1_0000}, {Price: 99_00, Qty: 0}},
		nil,
	))
	require.NoError(t, err)
	require.True(t, b.WellFormed())
	assert.Equal(t, 2, b.DepthOf(Bid))

	top, _ := b.LevelAt(Bid, 0)
	assert.Equal(t, Level{Price: 100_00, Qty: 5_0000}, top)
	second, _ := b.LevelAt(Bid, 1)
	assert.Equal(t, Level{Price: 99_50, Qty: 1_0000}, second)
}

func TestIncrementEvictsBeyondDepth(t *testing.T) {
	b := NewBook(1, 7, testMeta, 3)
	require.NoError(t, b.ApplySnapshot(fullSnap(1,
		[]Level{{Price: 100_00, Qty: 1}, {Price: 99_00, Qty: 1}, {Price: 98_00, Qty: 1}},
		nil,
	)))

	err := b.ApplyIncrement(incSnap(2, []Level{{Price: 100_50, Qty: 1}}, nil))
	require.NoError(t, err)
	assert.Equal(t, 3, b.DepthOf(Bid))
	assert.Equal(t, uint64(1), b.EvictedLevels)

	top, _ := b.LevelAt(Bid, 0)
	assert.Equal(t, int64(100_50), top.Price)
	last, _ := b.LevelAt(Bid, 2)
	assert.Equal(t, int64(99_00), last.Price, "lowest-priority level is the one evicted")
}

func TestSnapshotTruncatesExcessDepth(t *testing.T) {
	b := NewBook(1, 7, testMeta, 2)
	require.NoError(t, b.ApplySnapshot(fullSnap(1,
		[]Level{{Price: 100_00, Qty: 1}, {Price: 99_00, Qty: 1}, {Price: 98_00, Qty: 1}},
		nil,
	)))
	assert.Equal(t, 2, b.DepthOf(Bid))
}

func TestResize(t *testing.T) {
	b := NewBook(1, 7, testMeta, 50)
	require.NoError(t, b.ApplySnapshot(fullSnap(1,
		[]Level{{Price: 100_00, Qty: 1}, {Price: 99_00, Qty: 1}}, nil)))

	assert.Error(t, b.Resize(1), "reduction below populated depth is rejected")
	assert.Error(t, b.Resize(Capacity+1))
	assert.NoError(t, b.Resize(100))
}

func TestWalk(t *testing.T) {
	b := NewBook(1, 7, testMeta, 50)
	require.NoError(t, b.ApplySnapshot(fullSnap(1, nil, []Level{
		{Price: 100_00, Qty: 1_0000},
		{Price: 101_00, Qty: 1_0000},
		{Price: 102_00, Qty: 4_0000},
	})))

	// 2.0 target spans the first two levels exactly: avg = 100.50
	res := b.Walk(Ask, 2_0000, 0)
	assert.Equal(t, int64(2_0000), res.Consumed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, int64(100_50), res.AvgPrice.M)
	assert.Equal(t, uint8(2), res.AvgPrice.S)

	// partial fill against bounded levels
	res = b.Walk(Ask, 3_0000, 2)
	assert.Equal(t, int64(2_0000), res.Consumed)
	assert.Equal(t, int64(1_0000), res.Remaining)

	// shortfall against full depth
	res = b.Walk(Ask, 10_0000, 0)
	assert.Equal(t, int64(6_0000), res.Consumed)
	assert.Equal(t, int64(4_0000), res.Remaining)

	// empty side
	res = b.Walk(Bid, 1_0000, 0)
	assert.Equal(t, int64(0), res.Consumed)
	assert.Equal(t, int64(1_0000), res.Remaining)
}

func TestApplyNoAlloc(t *testing.T) {
	b := NewBook(1, 7, testMeta, 200)
	bids := make([]Level, 50)
	asks := make([]Level, 50)
	for i := range bids {
		bids[i] = Level{Price: int64(100_00 - i), Qty: 1_0000}
		asks[i] = Level{Price: int64(101_00 + i), Qty: 1_0000}
	}
	seq := uint64(0)
	allocs := testing.AllocsPerRun(500, func() {
		seq++
		s := fullSnap(seq, bids, asks)
		_ = b.ApplySnapshot(s)
		_ = b.Walk(Ask, 25_0000, 0)
	})
	// fullSnap itself allocates the snapshot header; the book operations must not.
	assert.LessOrEqual(t, allocs, 1.0)
}

func TestStoreRouting(t *testing.T) {
	meta := map[uint32]PairMeta{
		PairKey(1, 7): testMeta,
	}
	st := NewStore(meta, 50)

	_, err := st.Apply(fullSnap(1, []Level{{Price: 100_00, Qty: 1}}, nil))
	require.NoError(t, err)
	require.NotNil(t, st.Get(1, 7))
	assert.Equal(t, 1, st.Len())

	// unknown pair
	unknown := fullSnap(1, nil, nil)
	unknown.Exchange = 9
	_, err = st.Apply(unknown)
	assert.ErrorIs(t, err, errors.MalformedSnapshot)
	assert.Equal(t, uint64(1), st.MalformedDropped)

	// stale drop counted
	_, err = st.Apply(fullSnap(1, []Level{{Price: 100_00, Qty: 1}}, nil))
	assert.ErrorIs(t, err, errors.StaleSequence)
	assert.Equal(t, uint64(1), st.StaleDropped)
}

func TestChecksumChangesWithContent(t *testing.T) {
	b := NewBook(1, 7, testMeta, 50)
	require.NoError(t, b.ApplySnapshot(fullSnap(1, []Level{{Price: 100_00, Qty: 1}}, nil)))
	c1 := b.Checksum()
	require.NoError(t, b.ApplySnapshot(fullSnap(2, []Level{{Price: 100_01, Qty: 1}}, nil)))
	c2 := b.Checksum()
	assert.NotEqual(t, c1, c2)
}

func BenchmarkApplySnapshot(b *testing.B) {
	book := NewBook(1, 7, testMeta, 200)
	bids := make([]Level, 50)
	asks := make([]Level, 50)
	for i := range bids {
		bids[i] = Level{Price: int64(100_00 - i), Qty: 1_0000}
		asks[i] = Level{Price: int64(101_00 + i), Qty: 1_0000}
	}
	snap := fullSnap(0, bids, asks)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		snap.Sequence = uint64(i + 1)
		_ = book.ApplySnapshot(snap)
	}
}

func BenchmarkWalkFullDepth(b *testing.B) {
	book := NewBook(1, 7, testMeta, 200)
	asks := make([]Level, 200)
	for i := range asks {
		asks[i] = Level{Price: int64(101_00 + i), Qty: 1_0000}
	}
	_ = book.ApplySnapshot(fullSnap(1, nil, asks))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		book.Walk(Ask, 150_0000, 0)
	}
}
