package egress

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/klauspost/compress/zstd"
	"github.com/panjf2000/ants/v2"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantfabric/arbengine/internal/common/errors"
	"github.com/quantfabric/arbengine/internal/strategy"
)

// auditSeq is the process-wide monotonic audit sequence: the only global
// mutable state in the engine.
var auditSeq atomic.Uint64

// auditEntry is one ring slot: a value copy of the opportunity plus its
// origin shard. Copying keeps producer lifetime out of the writer.
type auditEntry struct {
	kind  entryKind
	shard int32
	opp   strategy.Opportunity
	errK  errors.Kind
	tsNs  int64
}

type entryKind uint8

const (
	entryOpportunity entryKind = iota
	entryError
)

// AuditSink is the MPSC ring between the shards and the audit writer. The
// hot path copies a record in and returns; a full ring drops the newest
// record and counts, it never blocks a shard.
type AuditSink struct {
	mask  uint64
	slots []auditSlot
	head  atomic.Uint64
	_     [56]byte
	tail  atomic.Uint64
	_     [56]byte

	// Dropped counts audit records lost to backpressure
	Dropped atomic.Uint64

	// noteLimiters rate-limit error-kind records to the first occurrence
	// per window, per shard and kind
	noteLimiters [][errors.KindCount]*rate.Limiter
}

type auditSlot struct {
	seq   atomic.Uint64
	entry auditEntry
}

// NewAuditSink creates the sink with the given ring capacity and producer
// shard count
func NewAuditSink(capacity, shards int) *AuditSink {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	if shards <= 0 {
		shards = 1
	}
	s := &AuditSink{
		mask:         size - 1,
		slots:        make([]auditSlot, size),
		noteLimiters: make([][errors.KindCount]*rate.Limiter, shards),
	}
	for i := range s.slots {
		s.slots[i].seq.Store(uint64(i))
	}
	for i := range s.noteLimiters {
		for k := range s.noteLimiters[i] {
			s.noteLimiters[i][k] = rate.NewLimiter(rate.Every(time.Second), 1)
		}
	}
	return s
}

// Offer copies one opportunity into the ring. Multi-producer safe.
func (s *AuditSink) Offer(shard int, o *strategy.Opportunity) bool {
	return s.push(auditEntry{kind: entryOpportunity, shard: int32(shard), opp: *o})
}

// NoteError records the first occurrence of an error kind per shard per
// window; excess occurrences are counted by the shard metrics instead.
func (s *AuditSink) NoteError(shard int, kind errors.Kind, nowNs int64) bool {
	if shard < 0 || shard >= len(s.noteLimiters) {
		shard = 0
	}
	if !s.noteLimiters[shard][kind].Allow() {
		return false
	}
	return s.push(auditEntry{kind: entryError, shard: int32(shard), errK: kind, tsNs: nowNs})
}

func (s *AuditSink) push(e auditEntry) bool {
	for {
		t := s.tail.Load()
		slot := &s.slots[t&s.mask]
		seq := slot.seq.Load()
		switch {
		case seq == t:
			if s.tail.CompareAndSwap(t, t+1) {
				slot.entry = e
				slot.seq.Store(t + 1)
				return true
			}
		case seq < t:
			// Full: audit is drop-newest, unlike ingress.
			s.Dropped.Add(1)
			return false
		default:
		}
	}
}

// pop is called by the single writer goroutine
func (s *AuditSink) pop(out *auditEntry) bool {
	h := s.head.Load()
	slot := &s.slots[h&s.mask]
	if slot.seq.Load() != h+1 {
		return false
	}
	*out = slot.entry
	slot.entry = auditEntry{}
	slot.seq.Store(h + s.mask + 1)
	s.head.Store(h + 1)
	return true
}

// LegRecord is the canonical audit form of one leg
type LegRecord struct {
	Exchange uint8  `json:"exchange"`
	Symbol   uint16 `json:"symbol"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Qty      string `json:"qty"`
	Fee      string `json:"fee"`
	Slippage string `json:"slippage"`
}

// Record is the canonical audit form of one opportunity
type Record struct {
	EngineSeq        uint64      `json:"engine_seq"`
	Shard            int32       `json:"shard"`
	ID               string      `json:"id"`
	TraceID          string      `json:"trace_id"`
	Strategy         string      `json:"strategy"`
	Legs             []LegRecord `json:"legs"`
	GrossProfit      string      `json:"gross_profit"`
	NetProfit        string      `json:"net_profit"`
	NetProfitPct     string      `json:"net_profit_pct"`
	ThresholdBps     int64       `json:"threshold_bps"`
	ThresholdVersion uint64      `json:"threshold_version"`
	FeeVersion       uint64      `json:"fee_version"`
	Invalid          bool        `json:"invalid,omitempty"`
	InputsHash       string      `json:"inputs_hash"`
	CreatedAtNs      int64       `json:"created_at_ns"`
	WallTime         string      `json:"wall_time"`
	Tags             []string    `json:"tags,omitempty"`
}

// ErrorRecord is the audit form of a first-occurrence error note
type ErrorRecord struct {
	EngineSeq uint64 `json:"engine_seq"`
	Shard     int32  `json:"shard"`
	ErrorKind string `json:"error_kind"`
	AtNs      int64  `json:"at_ns"`
	WallTime  string `json:"wall_time"`
}

// WriterConfig tunes the audit writer
type WriterConfig struct {
	Dir            string
	SegmentMaxByte int64
	RepublishTopic string
	// RepublishRate bounds bus republication per second; 0 disables
	RepublishRate float64
	Workers       int
}

// Writer drains the sink on its own thread, appends zstd-compressed
// canonical JSON segments, and republishes records to the message bus
// through a worker pool. The hot path never sees any of this.
type Writer struct {
	cfg    WriterConfig
	sink   *AuditSink
	logger *zap.Logger

	publisher message.Publisher
	workers   *ants.Pool
	limiter   *rate.Limiter

	file    *os.File
	enc     *zstd.Encoder
	written int64

	stop chan struct{}
	done chan struct{}
}

// NewWriter creates the audit writer. publisher may be nil to disable
// republication (tests, air-gapped runs).
func NewWriter(cfg WriterConfig, sink *AuditSink, publisher message.Publisher, logger *zap.Logger) (*Writer, error) {
	if cfg.SegmentMaxByte <= 0 {
		cfg.SegmentMaxByte = 64 << 20
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RepublishTopic == "" {
		cfg.RepublishTopic = "arbengine.opportunities"
	}
	w := &Writer{
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		publisher: publisher,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if cfg.RepublishRate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RepublishRate), int(cfg.RepublishRate)+1)
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	w.workers = pool
	if err := w.rotate(); err != nil {
		pool.Release()
		return nil, err
	}
	return w, nil
}

// Run drains the sink until Stop. Single goroutine; ordering within the
// audit stream follows the engine sequence.
func (w *Writer) Run() {
	defer close(w.done)
	var e auditEntry
	idle := 0
	for {
		if w.sink.pop(&e) {
			idle = 0
			w.write(&e)
			continue
		}
		select {
		case <-w.stop:
			for w.sink.pop(&e) {
				w.write(&e)
			}
			w.closeSegment()
			return
		default:
		}
		idle++
		if idle > 64 {
			time.Sleep(time.Millisecond)
		}
	}
}

// Stop flushes and stops the writer
func (w *Writer) Stop() {
	close(w.stop)
	<-w.done
	w.workers.Release()
}

func (w *Writer) write(e *auditEntry) {
	seq := auditSeq.Add(1)
	var payload []byte
	var err error
	switch e.kind {
	case entryOpportunity:
		rec := canonicalRecord(seq, e.shard, &e.opp)
		payload, err = json.Marshal(rec)
	case entryError:
		rec := ErrorRecord{
			EngineSeq: seq,
			Shard:     e.shard,
			ErrorKind: e.errK.String(),
			AtNs:      e.tsNs,
			WallTime:  time.Now().UTC().Format(time.RFC3339Nano),
		}
		payload, err = json.Marshal(rec)
	}
	if err != nil {
		w.logger.Error("audit marshal failed", zap.Error(err))
		return
	}

	if _, err := w.enc.Write(append(payload, '\n')); err != nil {
		w.logger.Error("audit segment write failed", zap.Error(err))
	}
	w.written += int64(len(payload)) + 1
	if w.written >= w.cfg.SegmentMaxByte {
		if err := w.rotate(); err != nil {
			w.logger.Error("audit segment rotation failed", zap.Error(err))
		}
	}

	w.republish(payload)
}

// republish forwards a copy to the external bus through the worker pool,
// bounded by the configured rate
func (w *Writer) republish(payload []byte) {
	if w.publisher == nil {
		return
	}
	if w.limiter != nil && !w.limiter.Allow() {
		return
	}
	body := make([]byte, len(payload))
	copy(body, payload)
	err := w.workers.Submit(func() {
		msg := message.NewMessage(watermill.NewUUID(), body)
		if err := w.publisher.Publish(w.cfg.RepublishTopic, msg); err != nil {
			w.logger.Warn("audit republish failed", zap.Error(err))
		}
	})
	if err != nil {
		// Nonblocking pool is saturated; the durable segment still has
		// the record.
		w.logger.Debug("audit republish skipped", zap.Error(err))
	}
}

func (w *Writer) rotate() error {
	w.closeSegment()
	name := filepath.Join(w.cfg.Dir, "audit-"+ksuid.New().String()+".ndjson.zst")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.enc = enc
	w.written = 0
	return nil
}

func (w *Writer) closeSegment() {
	if w.enc != nil {
		_ = w.enc.Close()
		w.enc = nil
	}
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}

// canonicalRecord renders the canonical audit form with the inputs-hash
// over the snapshot quartet
func canonicalRecord(seq uint64, shard int32, o *strategy.Opportunity) Record {
	legs := make([]LegRecord, int(o.NLegs))
	for i := range legs {
		l := &o.Legs[i]
		legs[i] = LegRecord{
			Exchange: l.Exchange,
			Symbol:   l.Symbol,
			Side:     l.Side.String(),
			Price:    l.Price.String(),
			Qty:      l.Qty.String(),
			Fee:      l.EstFee.String(),
			Slippage: l.EstSlippage.String(),
		}
	}
	trace := o.TraceID()
	return Record{
		EngineSeq:        seq,
		Shard:            shard,
		ID:               hex.EncodeToString(o.IdempotencyKey[:]),
		TraceID:          trace.String(),
		Strategy:         o.Kind.String(),
		Legs:             legs,
		GrossProfit:      o.GrossProfit.String(),
		NetProfit:        o.NetProfit.String(),
		NetProfitPct:     o.NetProfitPct.String(),
		ThresholdBps:     o.ThresholdBps,
		ThresholdVersion: o.ThresholdVersion,
		FeeVersion:       o.FeeVersion,
		Invalid:          o.Invalid,
		InputsHash:       inputsHash(o),
		CreatedAtNs:      o.CreatedAtNs,
		WallTime:         time.Now().UTC().Format(time.RFC3339Nano),
		Tags:             tags(o),
	}
}

// inputsHash is SHA-256 over the snapshot quartet that produced the
// opportunity: sequences and book checksums in leg order
func inputsHash(o *strategy.Opportunity) string {
	var buf [64]byte
	for i, s := range o.SnapshotSeqs {
		binary.LittleEndian.PutUint64(buf[i*8:], s)
	}
	for i, c := range o.BookChecksums {
		binary.LittleEndian.PutUint64(buf[32+i*8:], c)
	}
	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(sum[:])
}

func tags(o *strategy.Opportunity) []string {
	var out []string
	for _, t := range o.Tags {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
