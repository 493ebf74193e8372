package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantfabric/arbengine/internal/marketstate"
)

func TestVariantDefaults(t *testing.T) {
	s := NewSelector(nil, nil, 4, nil)
	assert.Equal(t, Balanced, s.Variant(0))
	assert.Equal(t, Balanced, s.Variant(99), "out of range falls back to Balanced")
}

func TestBands(t *testing.T) {
	s := NewSelector(nil, nil, 1, nil)
	assert.Equal(t, Light, s.band(0.1, 0))
	assert.Equal(t, Balanced, s.band(0.4, 0))
	assert.Equal(t, Aggressive, s.band(0.7, 0))
	assert.Equal(t, UltraAggressive, s.band(0.9, 0.2))
	assert.Equal(t, Aggressive, s.band(0.9, 0.8), "high load blocks UltraAggressive")
}

func TestRecomputeAppliesBand(t *testing.T) {
	s := NewSelector(nil, nil, 2, nil)
	v := s.Recompute(0, ComplexityInputs{Volatility: 1, Liquidity: 1, Depth: 1, Load: 1, CacheEfficiency: 1}, selectorDwellNs+1)
	assert.Equal(t, Aggressive, v, "full load keeps the band at Aggressive")
	assert.Equal(t, Aggressive, s.Variant(0))
	assert.Equal(t, Balanced, s.Variant(1), "other symbols untouched")
}

func TestDwellBlocksRapidChange(t *testing.T) {
	s := NewSelector(nil, nil, 1, nil)
	heavy := ComplexityInputs{Volatility: 1, Liquidity: 1, Depth: 1, Load: 1}
	light := ComplexityInputs{}

	now := int64(selectorDwellNs + 1)
	assert.Equal(t, Aggressive, s.Recompute(0, heavy, now))
	// immediately flipping back is suppressed by dwell
	assert.Equal(t, Aggressive, s.Recompute(0, light, now+1))
	// after the dwell window it applies
	assert.Equal(t, Light, s.Recompute(0, light, now+selectorDwellNs+1))
}

func TestChangeBudgetPerWindow(t *testing.T) {
	s := NewSelector(nil, nil, 1, nil)
	heavy := ComplexityInputs{Volatility: 1, Liquidity: 1, Depth: 1, Load: 1}
	light := ComplexityInputs{}

	now := int64(selectorChangeWindow)
	changes := 0
	cur := s.Variant(0)
	for i := 0; i < 20; i++ {
		in := heavy
		if cur != Balanced && cur != Light {
			in = light
		}
		now += selectorDwellNs + 1
		next := s.Recompute(0, in, now)
		if next != cur {
			changes++
			cur = next
		}
	}
	assert.LessOrEqual(t, changes, selectorMaxChanges, "at most 4 changes per minute window")
}

func TestOverloadForcesUltraLight(t *testing.T) {
	backlog := 100000
	det := marketstate.NewDetector(marketstate.DefaultConfig(), 1, func() int { return backlog }, nil)
	det.Tick(1)

	s := NewSelector(nil, nil, 1, det)
	assert.Equal(t, UltraLight, s.Variant(0))

	// cached slow-path snapshots reflect the forced state too
	assert.Equal(t, UltraLight, s.Snapshot("btcusdt", 0))
}

func TestPerClassWeights(t *testing.T) {
	weights := []Weights{
		DefaultWeights(),
		{Volatility: 1, Liquidity: 0, Depth: 0, Load: 0},
	}
	classes := []uint8{0, 1}
	s := NewSelector(weights, classes, 2, nil)

	in := ComplexityInputs{Volatility: 1, CacheEfficiency: 1}
	// class 1 weighs volatility only → score 1 → UltraAggressive at load 0
	v := s.Recompute(1, in, selectorDwellNs+1)
	assert.Equal(t, UltraAggressive, v)

	// class 0 dilutes the same signal across four factors
	v = s.Recompute(0, in, selectorDwellNs+1)
	assert.Equal(t, Balanced, v)
}
