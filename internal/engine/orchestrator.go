package engine

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/quantfabric/arbengine/internal/common/pool"
	"github.com/quantfabric/arbengine/internal/config"
	"github.com/quantfabric/arbengine/internal/egress"
	"github.com/quantfabric/arbengine/internal/ingress"
	"github.com/quantfabric/arbengine/internal/marketstate"
	"github.com/quantfabric/arbengine/internal/metrics"
	"github.com/quantfabric/arbengine/internal/minprofit"
	"github.com/quantfabric/arbengine/internal/orderbook"
	"github.com/quantfabric/arbengine/internal/strategy"
)

// housekeepingInterval is the cadence of state evaluation, threshold
// recomputation and variant selection. Selection is cadence-driven, never
// per snapshot.
const housekeepingInterval = 250 * time.Millisecond

// Orchestrator partitions the symbol universe across shards, routes
// snapshots, and runs the off-path housekeeping loop.
type Orchestrator struct {
	cfg    *config.Config
	tables *config.Tables
	logger *zap.Logger

	shards   []*Shard
	rings    []*ingress.Ring
	assign   []int // symbol id → shard
	detector *marketstate.Detector
	selector *strategy.Selector
	model    *minprofit.Model
	holder   *strategy.Holder
	sink     *egress.AuditSink
	registry *metrics.Registry
	latency  *metrics.LatencyTracker

	lastState marketstate.State
	stop      chan struct{}
	done      chan struct{}
}

// NewOrchestrator builds the full shard topology from resolved
// configuration. executor is the configured egress transport (already
// shadow-wrapped when shadow_mode is on).
func NewOrchestrator(cfg *config.Config, tables *config.Tables, executor egress.Executor,
	sink *egress.AuditSink, registry *metrics.Registry, latency *metrics.LatencyTracker,
	model *minprofit.Model, logger *zap.Logger) *Orchestrator {

	nShards := cfg.EffectiveShards()
	nSymbols := len(cfg.Symbols)

	o := &Orchestrator{
		cfg:      cfg,
		tables:   tables,
		logger:   logger,
		model:    model,
		sink:     sink,
		registry: registry,
		latency:  latency,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	o.detector = marketstate.NewDetector(marketstate.Config{
		RegularUpper:     0.45,
		ExtremeLower:     0.75,
		HysteresisMargin: 0.08,
		MinDwellNs:       1_500_000_000,
		Window:           64,
		VolNorm:          0.01,
		DepthNorm:        float64(cfg.Engine.OrderbookCapacity) / 4,
		FreqNorm:         128,
		OverloadCPUPct:   cfg.Overload.CPUThresholdPct,
		OverloadBacklog:  cfg.Overload.BacklogThreshold,
	}, nSymbols, o.totalBacklog, nil)

	o.selector = strategy.NewSelector(tables.Weights, tables.Classes, nSymbols, o.detector)
	o.holder = strategy.NewHolder(o.buildContext())
	o.assign = buildAssignment(cfg.SymbolAssignment.Seed, nSymbols, nShards, tables.Paths)

	pathsByShard := make([][]strategy.Path, nShards)
	for _, p := range tables.Paths {
		sh := o.assign[p.BaseQuote]
		pathsByShard[sh] = append(pathsByShard[sh], p)
	}

	interOn := cfg.StrategyOn("inter_exchange")
	triOn := cfg.StrategyOn("triangular")
	for i := 0; i < nShards; i++ {
		ring := ingress.NewRing(cfg.Engine.IngressRingSize)
		store := orderbook.NewStore(tables.Meta, cfg.Engine.OrderbookCapacity)
		var tri *strategy.TriangularStrategy
		if triOn {
			tri = strategy.NewTriangular(pathsByShard[i], registry.Shard(i))
		}
		shard := NewShard(ShardConfig{
			ID:              i,
			Core:            i, // I/O goroutines get the remaining cores
			BatchSize:       64,
			DeadlineNs:      cfg.Engine.OpportunityTTLNs,
			InterExchangeOn: interOn,
			TriangularOn:    triOn,
		}, ring, store, o.holder, o.selector, o.detector, tri,
			pool.NewOpportunityPool(cfg.Engine.PoolSize), sink, executor,
			registry.Shard(i), latency, logger, nil)
		o.rings = append(o.rings, ring)
		o.shards = append(o.shards, shard)
	}
	return o
}

// buildAssignment maps symbols to shards by seeded hash. Symbols bound into
// one triangular path are co-located on the shard of the path's lead symbol
// so a cycle never crosses shards; everything else follows the hash.
func buildAssignment(seed uint64, nSymbols, nShards int, paths []strategy.Path) []int {
	assign := make([]int, nSymbols)
	var key [16]byte
	for i := range assign {
		key[0] = byte(i)
		key[1] = byte(i >> 8)
		key[8] = byte(seed)
		key[9] = byte(seed >> 8)
		key[10] = byte(seed >> 16)
		key[11] = byte(seed >> 24)
		key[12] = byte(seed >> 32)
		key[13] = byte(seed >> 40)
		key[14] = byte(seed >> 48)
		key[15] = byte(seed >> 56)
		assign[i] = int(xxhash.Sum64(key[:]) % uint64(nShards))
	}
	for _, p := range paths {
		lead := assign[p.BaseQuote]
		assign[p.CrossBase] = lead
		assign[p.CrossQuote] = lead
	}
	return assign
}

// ShardOf returns the owning shard for a symbol
func (o *Orchestrator) ShardOf(symbol uint16) int {
	if int(symbol) >= len(o.assign) {
		return 0
	}
	return o.assign[symbol]
}

// Ring exposes a shard's ingress ring so the cleaning layer can attach a
// dedicated producer per shard
func (o *Orchestrator) Ring(shard int) *ingress.Ring {
	return o.rings[shard]
}

// Ingest routes one snapshot to its owning shard. Producer-owned lifetime:
// the snapshot must stay untouched until the shard has applied it.
func (o *Orchestrator) Ingest(snap *orderbook.NormalizedSnapshot) {
	o.rings[o.ShardOf(snap.Symbol)].Push(snap)
}

// Detector exposes the market-state detector (read-only use)
func (o *Orchestrator) Detector() *marketstate.Detector { return o.detector }

// Selector exposes the variant selector (read-only use)
func (o *Orchestrator) Selector() *strategy.Selector { return o.selector }

// Holder exposes the strategy context holder
func (o *Orchestrator) Holder() *strategy.Holder { return o.holder }

// Shards returns the shard list for observation
func (o *Orchestrator) Shards() []*Shard { return o.shards }

// Start launches every shard and the housekeeping loop
func (o *Orchestrator) Start(context.Context) error {
	for _, s := range o.shards {
		go s.Run()
	}
	go o.housekeeping()
	o.logger.Info("orchestrator started",
		zap.Int("shards", len(o.shards)),
		zap.Int("symbols", len(o.assign)))
	return nil
}

// Stop drains all shards cooperatively
func (o *Orchestrator) Stop(ctx context.Context) error {
	close(o.stop)
	<-o.done
	for _, s := range o.shards {
		s.Drain()
	}
	for _, s := range o.shards {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// housekeeping evaluates market state, rotates thresholds and contexts, and
// recomputes variant selection on the fixed cadence
func (o *Orchestrator) housekeeping() {
	defer close(o.done)
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			state := o.detector.Tick(now)
			if state != o.lastState {
				o.lastState = state
				o.model.Recompute(state, now)
				o.rotateContext(state)
				o.logger.Info("market state changed", zap.String("state", state.String()))
			}
			for sym := range o.assign {
				c := o.detector.Complexity(uint16(sym))
				o.selector.Recompute(uint16(sym), strategy.ComplexityInputs{
					Volatility:      c.Volatility,
					Liquidity:       1 - c.Depth,
					Depth:           c.Depth,
					Load:            c.Load,
					CacheEfficiency: 1,
				}, now)
			}
		}
	}
}

// rotateContext publishes a context with the fresh state and threshold
func (o *Orchestrator) rotateContext(state marketstate.State) {
	o.holder.Swap(func(prev strategy.Context) strategy.Context {
		prev.State = state
		prev.Threshold = o.model.Current()
		return prev
	})
}

// buildContext assembles the initial strategy context from configuration
func (o *Orchestrator) buildContext() *strategy.Context {
	return strategy.NewContext(strategy.ContextParams{
		State:          marketstate.Regular,
		Threshold:      o.model.Current(),
		Fees:           o.tables.Fees,
		Limits:         o.tables.Limits,
		QualityFloor:   o.cfg.Engine.QualityFloor,
		StalenessMaxNs: o.cfg.Engine.StalenessMaxNs,
		TTLNs:          o.cfg.Engine.OpportunityTTLNs,
	})
}

// totalBacklog sums the ingress ring depths; the detector uses it as the
// overload trigger
func (o *Orchestrator) totalBacklog() int {
	total := 0
	for _, r := range o.rings {
		total += r.Len()
	}
	return total
}
