// Package egress delivers detected opportunities to the executor and
// replicates them to the audit side-channel. The hot path only ever copies
// fixed-size structs into rings; serialization, IO and NATS traffic all
// happen on dedicated off-path goroutines.
package egress

import (
	"encoding/binary"

	"github.com/quantfabric/arbengine/internal/common/errors"
	"github.com/quantfabric/arbengine/internal/strategy"
)

// WireLeg is the C-layout leg representation inside an intent
type WireLeg struct {
	Exchange   uint8
	Side       uint8
	PriceScale uint8
	QtyScale   uint8
	Symbol     uint16
	_          [2]byte
	Price      int64
	Qty        int64
}

// Intent is the fixed-size execution request passed over the egress channel
type Intent struct {
	IdempotencyKey [16]byte
	TraceID        [16]byte
	DeadlineNs     int64
	MaxNotional    int64
	NLegs          uint8
	_              [7]byte
	Legs           [3]WireLeg
}

// AckStatus is the executor's verdict on an intent
type AckStatus uint8

const (
	// AckAccepted means the executor took the intent
	AckAccepted AckStatus = iota
	// AckRejected carries a reason code
	AckRejected
	// AckPartial reports a partial fill quantity
	AckPartial
)

// Ack is the fixed-size acknowledgement for one intent
type Ack struct {
	IdempotencyKey [16]byte
	Status         AckStatus
	_              [3]byte
	ReasonCode     uint32
	FilledQty      int64
}

// IntentFromOpportunity builds an intent in place from a detection result.
// No allocation: the caller owns dst.
func IntentFromOpportunity(dst *Intent, o *strategy.Opportunity, deadlineNs, maxNotional int64) {
	dst.IdempotencyKey = o.IdempotencyKey
	dst.TraceID = o.TraceID()
	dst.DeadlineNs = deadlineNs
	dst.MaxNotional = maxNotional
	dst.NLegs = o.NLegs
	for i := 0; i < int(o.NLegs); i++ {
		l := &o.Legs[i]
		dst.Legs[i] = WireLeg{
			Exchange:   l.Exchange,
			Side:       uint8(l.Side),
			PriceScale: l.Price.S,
			QtyScale:   l.Qty.S,
			Symbol:     l.Symbol,
			Price:      l.Price.M,
			Qty:        l.Qty.M,
		}
	}
	for i := int(o.NLegs); i < len(dst.Legs); i++ {
		dst.Legs[i] = WireLeg{}
	}
}

const intentWireLen = 16 + 16 + 8 + 8 + 1 + 7 + 3*24

// EncodeIntent appends the binary form of an intent for the remote transport
func EncodeIntent(buf []byte, in *Intent) []byte {
	var b [intentWireLen]byte
	copy(b[0:], in.IdempotencyKey[:])
	copy(b[16:], in.TraceID[:])
	binary.LittleEndian.PutUint64(b[32:], uint64(in.DeadlineNs))
	binary.LittleEndian.PutUint64(b[40:], uint64(in.MaxNotional))
	b[48] = in.NLegs
	off := 56
	for i := range in.Legs {
		l := &in.Legs[i]
		b[off] = l.Exchange
		b[off+1] = l.Side
		b[off+2] = l.PriceScale
		b[off+3] = l.QtyScale
		binary.LittleEndian.PutUint16(b[off+4:], l.Symbol)
		binary.LittleEndian.PutUint64(b[off+8:], uint64(l.Price))
		binary.LittleEndian.PutUint64(b[off+16:], uint64(l.Qty))
		off += 24
	}
	return append(buf, b[:]...)
}

// DecodeIntent parses one wire intent
func DecodeIntent(buf []byte) (Intent, error) {
	var in Intent
	if len(buf) < intentWireLen {
		return in, errors.MalformedSnapshot
	}
	copy(in.IdempotencyKey[:], buf[0:16])
	copy(in.TraceID[:], buf[16:32])
	in.DeadlineNs = int64(binary.LittleEndian.Uint64(buf[32:]))
	in.MaxNotional = int64(binary.LittleEndian.Uint64(buf[40:]))
	in.NLegs = buf[48]
	if in.NLegs > 3 {
		return in, errors.MalformedSnapshot
	}
	off := 56
	for i := range in.Legs {
		l := &in.Legs[i]
		l.Exchange = buf[off]
		l.Side = buf[off+1]
		l.PriceScale = buf[off+2]
		l.QtyScale = buf[off+3]
		l.Symbol = binary.LittleEndian.Uint16(buf[off+4:])
		l.Price = int64(binary.LittleEndian.Uint64(buf[off+8:]))
		l.Qty = int64(binary.LittleEndian.Uint64(buf[off+16:]))
		off += 24
	}
	return in, nil
}
