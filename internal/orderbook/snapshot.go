package orderbook

// SnapshotKind distinguishes full book replacements from increment batches
type SnapshotKind uint8

const (
	// KindFull replaces the whole book
	KindFull SnapshotKind = iota
	// KindIncrement applies sorted per-level deltas
	KindIncrement
)

// Level is a single price level. Price and Qty are fixed-point mantissas at
// the scales carried by the enclosing snapshot or book.
type Level struct {
	Price int64
	Qty   int64
}

// NormalizedSnapshot is the cleaned order-book state handed over by the
// cleaning layer. The engine never copies it on enqueue; the producer owns
// the backing arrays until the consumer shard has applied it.
type NormalizedSnapshot struct {
	Kind        SnapshotKind
	Exchange    uint8
	Symbol      uint16
	Sequence    uint64
	TimestampNs uint64
	Quality     float32
	PriceScale  uint8
	QtyScale    uint8
	Bids        []Level // sorted descending by price
	Asks        []Level // sorted ascending by price
}

// PairKey packs (exchange, symbol) into the store key
func PairKey(exchange uint8, symbol uint16) uint32 {
	return uint32(exchange)<<16 | uint32(symbol)
}

// Key returns the store key for the snapshot's pair
func (s *NormalizedSnapshot) Key() uint32 {
	return PairKey(s.Exchange, s.Symbol)
}
