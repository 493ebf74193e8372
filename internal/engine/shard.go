// Package engine binds the detection pipeline together: per-core shards own
// their slice of the symbol universe and drive poll → apply → select →
// detect → emit with no locks and no allocation on the way.
package engine

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/arbengine/internal/common/errors"
	"github.com/quantfabric/arbengine/internal/common/pool"
	"github.com/quantfabric/arbengine/internal/egress"
	"github.com/quantfabric/arbengine/internal/ingress"
	"github.com/quantfabric/arbengine/internal/marketstate"
	"github.com/quantfabric/arbengine/internal/metrics"
	"github.com/quantfabric/arbengine/internal/orderbook"
	"github.com/quantfabric/arbengine/internal/strategy"
)

// ShardState is the observable phase of a shard's loop
type ShardState uint32

const (
	// StateIdle means the shard is polling an empty ring
	StateIdle ShardState = iota
	// StateApplying means a snapshot is being folded into a book
	StateApplying
	// StateSelecting means the variant is being resolved
	StateSelecting
	// StateDetecting means strategies are running
	StateDetecting
	// StateEmitting means results are being handed to egress
	StateEmitting
	// StateDraining refuses new snapshots and finishes in-flight work
	StateDraining
)

// ShardConfig carries the per-shard wiring
type ShardConfig struct {
	ID         int
	Core       int // CPU core to pin to; negative disables pinning
	BatchSize  int
	DeadlineNs int64 // intent deadline budget from detection time

	InterExchangeOn bool
	TriangularOn    bool
}

// Shard is one single-threaded worker. Everything it owns — books, pools,
// strategies — is touched only from its goroutine.
type Shard struct {
	cfg      ShardConfig
	ring     *ingress.Ring
	store    *orderbook.Store
	holder   *strategy.Holder
	selector *strategy.Selector
	detector *marketstate.Detector
	interEx  *strategy.InterExchangeStrategy
	tri      *strategy.TriangularStrategy
	pool     *pool.OpportunityPool
	sink     *egress.AuditSink
	executor egress.Executor
	counters *metrics.Counters
	latency  *metrics.LatencyTracker
	logger   *zap.Logger
	clock    func() int64

	state    atomic.Uint32
	draining atomic.Bool
	done     chan struct{}

	// booksBySymbol caches each symbol's books sorted by exchange id so
	// the inter-exchange strategy sees its fixed tie-break order.
	booksBySymbol map[uint16][]*orderbook.Book
	batch         []*orderbook.NormalizedSnapshot
	intent        egress.Intent

	// spare is the pooled record handed to strategies; abandoned attempts
	// reuse it, emitted records return to the pool. The bound closures are
	// built once so detection passes no method values around.
	spare    *strategy.Opportunity
	allocFn  func() *strategy.Opportunity
	emitFn   func(*strategy.Opportunity)
	lookupFn func(uint8, uint16) *orderbook.Book
}

// NewShard wires one worker
func NewShard(cfg ShardConfig, ring *ingress.Ring, store *orderbook.Store, holder *strategy.Holder,
	selector *strategy.Selector, detector *marketstate.Detector, tri *strategy.TriangularStrategy,
	opPool *pool.OpportunityPool, sink *egress.AuditSink, executor egress.Executor,
	counters *metrics.Counters, latency *metrics.LatencyTracker, logger *zap.Logger, clock func() int64) *Shard {

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if clock == nil {
		clock = func() int64 { return time.Now().UnixNano() }
	}
	s := &Shard{
		cfg:           cfg,
		ring:          ring,
		store:         store,
		holder:        holder,
		selector:      selector,
		detector:      detector,
		interEx:       strategy.NewInterExchange(counters),
		tri:           tri,
		pool:          opPool,
		sink:          sink,
		executor:      executor,
		counters:      counters,
		latency:       latency,
		logger:        logger,
		clock:         clock,
		done:          make(chan struct{}),
		booksBySymbol: make(map[uint16][]*orderbook.Book, 64),
		batch:         make([]*orderbook.NormalizedSnapshot, cfg.BatchSize),
	}
	s.allocFn = s.alloc
	s.emitFn = s.emit
	s.lookupFn = store.Get
	return s
}

// alloc hands strategies a zeroed pooled record. A record abandoned by a
// failed detection is reused by the next attempt instead of leaking from
// the pool's outstanding count.
func (s *Shard) alloc() *strategy.Opportunity {
	if s.spare == nil {
		s.spare = s.pool.Get()
	} else {
		*s.spare = strategy.Opportunity{}
	}
	return s.spare
}

// State returns the shard's observable phase
func (s *Shard) State() ShardState {
	return ShardState(s.state.Load())
}

// Drain asks the shard to finish in-flight work and exit
func (s *Shard) Drain() {
	s.draining.Store(true)
}

// Done closes when the shard loop has exited
func (s *Shard) Done() <-chan struct{} {
	return s.done
}

// Run is the shard loop. It busy-polls with staged backoff and never blocks
// between ingress dequeue and egress enqueue.
func (s *Shard) Run() {
	defer close(s.done)
	pinToCore(s.cfg.Core, s.logger)

	var backoff ingress.Backoff
	for {
		if s.draining.Load() {
			s.state.Store(uint32(StateDraining))
			// in-flight snapshots already in the ring are completed,
			// new ones are the producer's problem now
			for n := s.ring.PollBatch(s.batch); n > 0; n = s.ring.PollBatch(s.batch) {
				for i := 0; i < n; i++ {
					s.process(s.batch[i])
				}
			}
			s.state.Store(uint32(StateDraining))
			s.logger.Info("shard drained", zap.Int("shard", s.cfg.ID))
			return
		}

		n := s.ring.PollBatch(s.batch)
		if n == 0 {
			s.state.Store(uint32(StateIdle))
			backoff.Wait()
			continue
		}
		backoff.Reset()
		for i := 0; i < n; i++ {
			s.process(s.batch[i])
		}
	}
}

// process drives one snapshot through apply → select → detect → emit
func (s *Shard) process(snap *orderbook.NormalizedSnapshot) {
	s.state.Store(uint32(StateApplying))
	applyStart := time.Now()
	book, err := s.store.Apply(snap)
	if err != nil {
		s.countApplyError(err)
		return
	}
	s.latency.TrackApply(applyStart)
	s.counters.SnapshotsApplied.Add(1)
	s.noteBook(snap.Symbol, book)

	if bid, ok := book.BestBid(); ok {
		if ask, ok2 := book.BestAsk(); ok2 {
			s.detector.Observe(snap.Symbol, (bid.Price+ask.Price)/2, book.DepthOf(orderbook.Bid)+book.DepthOf(orderbook.Ask))
		}
	}

	s.state.Store(uint32(StateSelecting))
	variant := s.selector.Variant(snap.Symbol)
	ctx := s.holder.Load() // the one context load of this detect pass
	now := s.clock()

	s.state.Store(uint32(StateDetecting))
	detectStart := time.Now()
	s.counters.DetectRuns.Add(1)
	if s.cfg.InterExchangeOn {
		books := s.booksBySymbol[snap.Symbol]
		if len(books) > 1 {
			s.interEx.Detect(ctx, books, variant, now, s.allocFn, s.emitFn)
		}
	}
	if s.cfg.TriangularOn && s.tri != nil && variant != strategy.UltraLight {
		s.tri.Detect(ctx, s.lookupFn, variant, now, s.allocFn, s.emitFn)
	}
	s.latency.TrackDetect(detectStart)
	s.state.Store(uint32(StateIdle))
}

// emit hands one opportunity to egress and the audit side-channel. Egress is
// drop-newest: a full executor never blocks the loop.
func (s *Shard) emit(o *strategy.Opportunity) {
	s.state.Store(uint32(StateEmitting))
	s.counters.OpportunitiesFound.Add(1)

	if o.Invalid {
		s.counters.OpportunitiesInvalid.Add(1)
		s.sink.NoteError(s.cfg.ID, errors.KindPrecision, o.CreatedAtNs)
	} else {
		ctx := s.holder.Load()
		limits := ctx.Limits(o.Legs[0].Symbol)
		egress.IntentFromOpportunity(&s.intent, o, o.CreatedAtNs+s.cfg.DeadlineNs, limits.MaxLegNotional)
		if err := s.executor.SubmitIntent(&s.intent); err != nil {
			s.counters.EgressDropped.Add(1)
		} else {
			s.counters.OpportunitiesEmitted.Add(1)
		}
	}

	if !s.sink.Offer(s.cfg.ID, o) {
		s.counters.AuditDropped.Add(1)
	}
	s.pool.Put(o)
	s.spare = nil
}

// noteBook tracks the sorted per-symbol book list for cross-venue detection
func (s *Shard) noteBook(symbol uint16, book *orderbook.Book) {
	books := s.booksBySymbol[symbol]
	for _, b := range books {
		if b == book {
			return
		}
	}
	// insert sorted by exchange id; the list is tiny (one per venue)
	pos := len(books)
	for i, b := range books {
		if book.Exchange < b.Exchange {
			pos = i
			break
		}
	}
	books = append(books, nil)
	copy(books[pos+1:], books[pos:])
	books[pos] = book
	s.booksBySymbol[symbol] = books
}

// countApplyError maps store rejections onto counters and audit notes
func (s *Shard) countApplyError(err error) {
	s.counters.SnapshotsDropped.Add(1)
	switch err {
	case errors.StaleSequence:
		s.counters.StaleSequences.Add(1)
		s.counters.CountError(errors.KindStaleData)
		s.sink.NoteError(s.cfg.ID, errors.KindStaleData, s.clock())
	case errors.CrossedBook:
		s.counters.CrossedBooks.Add(1)
		s.counters.CountError(errors.KindStrategyInvariant)
		s.sink.NoteError(s.cfg.ID, errors.KindStrategyInvariant, s.clock())
	default:
		s.counters.MalformedSnapshots.Add(1)
		s.counters.CountError(errors.KindInput)
		s.sink.NoteError(s.cfg.ID, errors.KindInput, s.clock())
	}
}
