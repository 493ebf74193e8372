package ingress

import (
	"encoding/binary"
	"math"

	"github.com/quantfabric/arbengine/internal/common/errors"
	"github.com/quantfabric/arbengine/internal/orderbook"
)

// snapshot_v1 compact binary layout, little-endian:
//
//	u8  kind; u8 exchange_id; u16 symbol_id;
//	u64 sequence; u64 timestamp_ns; f32 quality_score;
//	u8 scale_price; u8 scale_qty;
//	u16 n_bids; u16 n_asks;
//	i64 bid_prices[n]; i64 bid_qtys[n]; i64 ask_prices[n]; i64 ask_qtys[n];
//
// This is the cross-process fallback only; in-process handover passes the
// snapshot pointer through a ring.

const headerV1Len = 1 + 1 + 2 + 8 + 8 + 4 + 1 + 1 + 2 + 2

// EncodedLen returns the wire size of a snapshot
func EncodedLen(s *orderbook.NormalizedSnapshot) int {
	return headerV1Len + 16*(len(s.Bids)+len(s.Asks))
}

// Encode appends the snapshot_v1 encoding of s to buf and returns it
func Encode(buf []byte, s *orderbook.NormalizedSnapshot) []byte {
	var hdr [headerV1Len]byte
	hdr[0] = byte(s.Kind)
	hdr[1] = s.Exchange
	binary.LittleEndian.PutUint16(hdr[2:], s.Symbol)
	binary.LittleEndian.PutUint64(hdr[4:], s.Sequence)
	binary.LittleEndian.PutUint64(hdr[12:], s.TimestampNs)
	binary.LittleEndian.PutUint32(hdr[20:], math.Float32bits(s.Quality))
	hdr[24] = s.PriceScale
	hdr[25] = s.QtyScale
	binary.LittleEndian.PutUint16(hdr[26:], uint16(len(s.Bids)))
	binary.LittleEndian.PutUint16(hdr[28:], uint16(len(s.Asks)))
	buf = append(buf, hdr[:]...)

	var w [8]byte
	appendI64 := func(v int64) {
		binary.LittleEndian.PutUint64(w[:], uint64(v))
		buf = append(buf, w[:]...)
	}
	for i := range s.Bids {
		appendI64(s.Bids[i].Price)
	}
	for i := range s.Bids {
		appendI64(s.Bids[i].Qty)
	}
	for i := range s.Asks {
		appendI64(s.Asks[i].Price)
	}
	for i := range s.Asks {
		appendI64(s.Asks[i].Qty)
	}
	return buf
}

// Decode parses one snapshot_v1 record. It runs on the ingress decoder
// thread, off the hot path, so it may allocate the level slices.
func Decode(buf []byte) (*orderbook.NormalizedSnapshot, int, error) {
	if len(buf) < headerV1Len {
		return nil, 0, errors.MalformedSnapshot
	}
	kind := orderbook.SnapshotKind(buf[0])
	if kind != orderbook.KindFull && kind != orderbook.KindIncrement {
		return nil, 0, errors.MalformedSnapshot
	}
	s := &orderbook.NormalizedSnapshot{
		Kind:        kind,
		Exchange:    buf[1],
		Symbol:      binary.LittleEndian.Uint16(buf[2:]),
		Sequence:    binary.LittleEndian.Uint64(buf[4:]),
		TimestampNs: binary.LittleEndian.Uint64(buf[12:]),
		Quality:     math.Float32frombits(binary.LittleEndian.Uint32(buf[20:])),
		PriceScale:  buf[24],
		QtyScale:    buf[25],
	}
	nBids := int(binary.LittleEndian.Uint16(buf[26:]))
	nAsks := int(binary.LittleEndian.Uint16(buf[28:]))
	if nBids > orderbook.Capacity || nAsks > orderbook.Capacity {
		return nil, 0, errors.DepthExceeded
	}
	total := headerV1Len + 16*(nBids+nAsks)
	if len(buf) < total {
		return nil, 0, errors.MalformedSnapshot
	}
	if s.PriceScale > 18 || s.QtyScale > 18 {
		return nil, 0, errors.MalformedSnapshot
	}

	off := headerV1Len
	readI64 := func() int64 {
		v := int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		return v
	}
	if nBids > 0 {
		s.Bids = make([]orderbook.Level, nBids)
		for i := 0; i < nBids; i++ {
			s.Bids[i].Price = readI64()
		}
		for i := 0; i < nBids; i++ {
			s.Bids[i].Qty = readI64()
		}
	}
	if nAsks > 0 {
		s.Asks = make([]orderbook.Level, nAsks)
		for i := 0; i < nAsks; i++ {
			s.Asks[i].Price = readI64()
		}
		for i := 0; i < nAsks; i++ {
			s.Asks[i].Qty = readI64()
		}
	}
	return s, total, nil
}
