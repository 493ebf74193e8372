package config

import (
	"github.com/quantfabric/arbengine/internal/common/errors"
	"github.com/quantfabric/arbengine/internal/fixed"
	"github.com/quantfabric/arbengine/internal/orderbook"
	"github.com/quantfabric/arbengine/internal/strategy"
)

// Tables is the resolved, interned view of the configuration consumed by the
// engine at startup. All decimal strings are parsed into fixed-point here;
// nothing downstream touches text again.
type Tables struct {
	ExchangeIDs map[string]uint8
	SymbolIDs   map[string]uint16

	// Meta is keyed by orderbook.PairKey for every (exchange, symbol)
	Meta map[uint32]orderbook.PairMeta

	Limits  []strategy.SymbolLimits
	Fees    *strategy.FeeTable
	Paths   []strategy.Path
	Weights []strategy.Weights
	Classes []uint8
}

// Resolve interns names and parses the per-pair metadata. Parse failures are
// configuration invariant violations.
func (c *Config) Resolve() (*Tables, error) {
	t := &Tables{
		ExchangeIDs: make(map[string]uint8, len(c.Exchanges)),
		SymbolIDs:   make(map[string]uint16, len(c.Symbols)),
		Meta:        make(map[uint32]orderbook.PairMeta, len(c.Exchanges)*len(c.Symbols)),
		Limits:      make([]strategy.SymbolLimits, len(c.Symbols)),
		Classes:     make([]uint8, len(c.Symbols)),
	}
	for i, name := range c.Exchanges {
		t.ExchangeIDs[name] = uint8(i)
	}

	for i, s := range c.Symbols {
		t.SymbolIDs[s.Name] = uint16(i)
		t.Classes[i] = s.Class

		tick, err := parseScaled(s.TickSize, s.PriceScale, "tick_size", s.Name)
		if err != nil {
			return nil, err
		}
		step, err := parseScaled(s.StepSize, s.QtyScale, "step_size", s.Name)
		if err != nil {
			return nil, err
		}
		minQty, err := parseScaled(s.MinQty, s.QtyScale, "min_qty", s.Name)
		if err != nil {
			return nil, err
		}
		notionalScale := s.PriceScale + s.QtyScale
		if notionalScale > fixed.MaxScale {
			return nil, errors.Newf(errors.ErrConfigInvariant,
				"symbol %q: price_scale+qty_scale exceeds %d", s.Name, fixed.MaxScale)
		}
		maxNotional, err := parseScaled(s.MaxLegNotional, notionalScale, "max_leg_notional", s.Name)
		if err != nil {
			return nil, err
		}

		meta := orderbook.PairMeta{
			PriceScale: s.PriceScale,
			QtyScale:   s.QtyScale,
			TickSize:   tick,
			StepSize:   step,
		}
		for e := range c.Exchanges {
			t.Meta[orderbook.PairKey(uint8(e), uint16(i))] = meta
		}
		t.Limits[i] = strategy.SymbolLimits{MinQty: minQty, MaxLegNotional: maxNotional}
	}

	t.Fees = c.buildFeeTable(t)
	if err := c.buildPaths(t); err != nil {
		return nil, err
	}
	c.buildWeights(t)
	return t, nil
}

func (c *Config) buildFeeTable(t *Tables) *strategy.FeeTable {
	classCount := 1
	for _, s := range c.Symbols {
		if int(s.Class)+1 > classCount {
			classCount = int(s.Class) + 1
		}
	}
	fees := make([][]strategy.FeeSchedule, len(c.Exchanges))
	fallback := strategy.FeeSchedule{TakerBps: 10, MakerBps: 10}
	for name, id := range t.ExchangeIDs {
		row := make([]strategy.FeeSchedule, classCount)
		specs := c.ExchangeFees[name]
		for cls := 0; cls < classCount; cls++ {
			if cls < len(specs) {
				row[cls] = strategy.FeeSchedule{TakerBps: specs[cls].TakerBps, MakerBps: specs[cls].MakerBps}
			} else if len(specs) > 0 {
				row[cls] = strategy.FeeSchedule{TakerBps: specs[0].TakerBps, MakerBps: specs[0].MakerBps}
			} else {
				row[cls] = fallback
			}
		}
		fees[id] = row
	}
	return strategy.NewFeeTable(1, t.Classes, fees, fallback)
}

func (c *Config) buildPaths(t *Tables) error {
	for _, p := range c.TriangularPaths {
		ex, ok := t.ExchangeIDs[p.Exchange]
		if !ok {
			return errors.Newf(errors.ErrConfigInvariant, "unknown exchange %q", p.Exchange)
		}
		bq, ok1 := t.SymbolIDs[p.BaseQuote]
		cb, ok2 := t.SymbolIDs[p.CrossBase]
		cq, ok3 := t.SymbolIDs[p.CrossQuote]
		if !ok1 || !ok2 || !ok3 {
			return errors.Newf(errors.ErrConfigInvariant, "unknown symbol in path on %q", p.Exchange)
		}
		t.Paths = append(t.Paths, strategy.Path{
			Exchange:   ex,
			BaseQuote:  bq,
			CrossBase:  cb,
			CrossQuote: cq,
		})
	}
	return nil
}

func (c *Config) buildWeights(t *Tables) {
	if len(c.SelectorWeights) == 0 {
		t.Weights = []strategy.Weights{strategy.DefaultWeights()}
		return
	}
	t.Weights = make([]strategy.Weights, len(c.SelectorWeights))
	for i, w := range c.SelectorWeights {
		t.Weights[i] = strategy.Weights{
			Volatility: w.Volatility,
			Liquidity:  w.Liquidity,
			Depth:      w.Depth,
			Load:       w.Load,
		}
	}
}

// parseScaled parses a decimal config string to a mantissa at the target
// scale; empty means zero (disabled)
func parseScaled(s string, scale uint8, field, symbol string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := fixed.FromString(s, scale)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrConfigInvariant, field+" of "+symbol)
	}
	if v.M < 0 {
		return 0, errors.Newf(errors.ErrConfigInvariant, "%s of %s is negative", field, symbol)
	}
	return v.M, nil
}
