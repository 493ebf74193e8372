package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfabric/arbengine/internal/config"
	"github.com/quantfabric/arbengine/internal/egress"
	"github.com/quantfabric/arbengine/internal/marketstate"
	"github.com/quantfabric/arbengine/internal/metrics"
	"github.com/quantfabric/arbengine/internal/minprofit"
	"github.com/quantfabric/arbengine/internal/orderbook"
	"github.com/quantfabric/arbengine/internal/strategy"
)

func orchestratorConfig(t *testing.T) (*config.Config, *config.Tables) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Engine.Shards = 1
	cfg.Engine.OrderbookCapacity = 50
	cfg.Engine.StalenessMaxNs = 50_000_000
	cfg.Engine.QualityFloor = 0.5
	cfg.Engine.OpportunityTTLNs = 100_000_000
	cfg.Engine.IngressRingSize = 256
	cfg.Engine.EgressRingSize = 64
	cfg.Engine.AuditRingSize = 256
	cfg.Engine.PoolSize = 64
	cfg.Overload.BacklogThreshold = 4
	cfg.MinProfit.BaseBps = 50
	cfg.MinProfit.StateMultipliers = [3]float64{1.0, 1.4, 2.5}
	cfg.MinProfit.FeedbackBounds = [2]float64{0.8, 1.5}
	cfg.StrategyEnabled = []string{"inter_exchange", "triangular"}
	cfg.Backpressure.Ingress = "drop_oldest"
	cfg.Backpressure.Egress = "drop_newest"
	cfg.Exchanges = []string{"binance", "okx"}
	cfg.Symbols = []config.SymbolSpec{
		{Name: "BTC/USDT", PriceScale: 2, QtyScale: 4, StepSize: "0.0001", MinQty: "0.0001"},
		{Name: "ETH/BTC", PriceScale: 5, QtyScale: 4, StepSize: "0.0001", MinQty: "0.0001"},
		{Name: "ETH/USDT", PriceScale: 2, QtyScale: 4, StepSize: "0.0001", MinQty: "0.0001"},
	}
	cfg.ExchangeFees = map[string][]config.FeeSpec{
		"binance": {{TakerBps: 10, MakerBps: 5}},
		"okx":     {{TakerBps: 10, MakerBps: 5}},
	}
	cfg.TriangularPaths = []config.PathSpec{{
		Exchange: "binance", BaseQuote: "BTC/USDT", CrossBase: "ETH/BTC", CrossQuote: "ETH/USDT",
	}}
	require.NoError(t, cfg.Validate())
	tables, err := cfg.Resolve()
	require.NoError(t, err)
	return cfg, tables
}

func newOrchestrator(t *testing.T) (*Orchestrator, *captureExecutor) {
	t.Helper()
	cfg, tables := orchestratorConfig(t)
	exec := &captureExecutor{}
	registry := metrics.NewRegistry(cfg.EffectiveShards())
	o := NewOrchestrator(cfg, tables, exec,
		egress.NewAuditSink(cfg.Engine.AuditRingSize, cfg.EffectiveShards()),
		registry, metrics.NewLatencyTracker(zap.NewNop()),
		minprofit.NewModel(minprofit.DefaultConfig()), zap.NewNop())
	return o, exec
}

func TestIngestRoutesToOwningShard(t *testing.T) {
	o, _ := newOrchestrator(t)

	snap := &orderbook.NormalizedSnapshot{Symbol: 0, Sequence: 1}
	o.Ingest(snap)
	assert.Equal(t, 1, o.Ring(o.ShardOf(0)).Len())
}

func TestTriangularSymbolsShareShard(t *testing.T) {
	o, _ := newOrchestrator(t)
	lead := o.ShardOf(0)
	assert.Equal(t, lead, o.ShardOf(1))
	assert.Equal(t, lead, o.ShardOf(2))
}

// Scenario E: ingress backlog beyond the high-water mark forces Extreme and
// drops every symbol to UltraLight within one evaluation tick.
func TestOverloadDownshiftsSelector(t *testing.T) {
	o, _ := newOrchestrator(t)

	for i := uint64(1); i <= 10; i++ {
		o.Ingest(&orderbook.NormalizedSnapshot{Symbol: 0, Sequence: i})
	}

	state := o.Detector().Tick(time.Now().UnixNano())
	assert.Equal(t, marketstate.Extreme, state)
	assert.True(t, o.Detector().Forced())
	assert.Equal(t, strategy.UltraLight, o.Selector().Variant(0))
	assert.Equal(t, strategy.UltraLight, o.Selector().Variant(2))
}

func TestContextRotationOnStateChange(t *testing.T) {
	o, _ := newOrchestrator(t)
	before := o.Holder().Load()

	o.rotateContext(marketstate.Cautious)
	after := o.Holder().Load()
	assert.Greater(t, after.Version, before.Version)
	assert.Equal(t, marketstate.Cautious, after.State)
	// fee table and limits carry over untouched
	assert.Equal(t, before.Fees, after.Fees)
}

func TestStartStopDrainsCleanly(t *testing.T) {
	o, exec := newOrchestrator(t)
	require.NoError(t, o.Start(context.Background()))

	// profitable cross-venue pair on the BTC shard
	o.Ingest(&orderbook.NormalizedSnapshot{
		Kind: orderbook.KindFull, Exchange: 0, Symbol: 0, Sequence: 1,
		TimestampNs: 1000, Quality: 0.99, PriceScale: 2, QtyScale: 4,
		Asks: []orderbook.Level{{Price: 60000_10, Qty: 1_0000}},
	})
	o.Ingest(&orderbook.NormalizedSnapshot{
		Kind: orderbook.KindFull, Exchange: 1, Symbol: 0, Sequence: 1,
		TimestampNs: 1000, Quality: 0.99, PriceScale: 2, QtyScale: 4,
		Bids: []orderbook.Level{{Price: 60500_00, Qty: 1_0000}},
	})

	waitFor(t, func() bool { return len(exec.captured()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
	for _, s := range o.Shards() {
		select {
		case <-s.Done():
		default:
			t.Fatal("shard still running after Stop")
		}
	}
}
