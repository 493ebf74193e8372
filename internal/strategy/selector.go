package strategy

import (
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/quantfabric/arbengine/internal/marketstate"
)

// Variant selects how much work a detect pass performs
type Variant uint8

const (
	// UltraLight scans top-of-book only and skips the slippage walk.
	// Reserved for forced downshift under system overload.
	UltraLight Variant = iota
	// Light walks the top 3 levels with a conservative profit margin
	Light
	// Balanced walks the top 20 levels with full fees and slippage
	Balanced
	// Aggressive walks full depth and evaluates multi-path cycles
	Aggressive
	// UltraAggressive walks full depth across all pairs; highest
	// complexity, only under low load
	UltraAggressive
)

// String returns the variant name
func (v Variant) String() string {
	switch v {
	case UltraLight:
		return "ultra_light"
	case Light:
		return "light"
	case Balanced:
		return "balanced"
	case Aggressive:
		return "aggressive"
	case UltraAggressive:
		return "ultra_aggressive"
	}
	return "unknown"
}

// WalkLevels returns the slippage-walk depth bound for the variant:
// 0 skips the walk, negative means full depth.
func (v Variant) WalkLevels() int {
	switch v {
	case UltraLight:
		return 0
	case Light:
		return 3
	case Balanced:
		return 20
	default:
		return -1
	}
}

// Weights are the per-symbol-class complexity score weights
type Weights struct {
	Volatility float64 `mapstructure:"volatility_weight"`
	Liquidity  float64 `mapstructure:"liquidity_weight"`
	Depth      float64 `mapstructure:"depth_weight"`
	Load       float64 `mapstructure:"load_weight"`
}

// DefaultWeights returns the stock weighting
func DefaultWeights() Weights {
	return Weights{Volatility: 0.35, Liquidity: 0.25, Depth: 0.2, Load: 0.2}
}

// ComplexityInputs are the normalized [0,1] factors of the score
type ComplexityInputs struct {
	Volatility      float64
	Liquidity       float64
	Depth           float64
	Load            float64
	CacheEfficiency float64
}

// Smoothing limits for variant transitions
const (
	selectorDwellNs       = 1_500_000_000
	selectorMaxChanges    = 4
	selectorChangeWindow  = int64(60_000_000_000)
	selectorCacheDefault  = 5 * time.Second
	selectorCacheCleanup  = time.Minute
)

// symbolState tracks per-symbol smoothing; only the recompute cadence
// goroutine touches the non-atomic fields
type symbolState struct {
	current       atomic.Uint32
	lastChangeNs  int64
	windowStartNs int64
	windowChanges int
}

// Selector recomputes per-symbol variants on a fixed cadence. Shards read
// the current variant with one atomic load per detect.
type Selector struct {
	weights  []Weights // per class
	classes  []uint8   // per symbol
	symbols  []symbolState
	detector *marketstate.Detector

	// cache backs slow-path lookups of selection snapshots by name
	cache *gocache.Cache
}

// NewSelector creates a selector for nSymbols symbols. classes maps symbol
// id → weight class; a nil map places every symbol in class 0.
func NewSelector(weights []Weights, classes []uint8, nSymbols int, detector *marketstate.Detector) *Selector {
	if len(weights) == 0 {
		weights = []Weights{DefaultWeights()}
	}
	if classes == nil {
		classes = make([]uint8, nSymbols)
	}
	s := &Selector{
		weights:  weights,
		classes:  classes,
		symbols:  make([]symbolState, nSymbols),
		detector: detector,
		cache:    gocache.New(selectorCacheDefault, selectorCacheCleanup),
	}
	for i := range s.symbols {
		s.symbols[i].current.Store(uint32(Balanced))
	}
	return s
}

// Variant returns the active variant for a symbol. Overload forces
// UltraLight regardless of the recomputed selection.
func (s *Selector) Variant(symbol uint16) Variant {
	if s.detector != nil && (s.detector.Forced() || s.detector.State() == marketstate.Extreme) {
		return UltraLight
	}
	if int(symbol) >= len(s.symbols) {
		return Balanced
	}
	return Variant(s.symbols[symbol].current.Load())
}

// Recompute evaluates the complexity score for one symbol and applies the
// smoothed transition. Called on the selection cadence, never per snapshot.
func (s *Selector) Recompute(symbol uint16, in ComplexityInputs, nowNs int64) Variant {
	if int(symbol) >= len(s.symbols) {
		return Balanced
	}
	st := &s.symbols[symbol]
	cur := Variant(st.current.Load())

	target := s.band(s.score(symbol, in), in.Load)
	if target == cur {
		return cur
	}

	// dwell time
	if nowNs-st.lastChangeNs < selectorDwellNs {
		return cur
	}
	// change budget per window
	if nowNs-st.windowStartNs > selectorChangeWindow {
		st.windowStartNs = nowNs
		st.windowChanges = 0
	}
	if st.windowChanges >= selectorMaxChanges {
		return cur
	}

	st.windowChanges++
	st.lastChangeNs = nowNs
	st.current.Store(uint32(target))
	return target
}

// Snapshot caches and returns a point-in-time selection view for slow-path
// consumers (audit annotations, operator introspection)
func (s *Selector) Snapshot(name string, symbol uint16) Variant {
	if v, ok := s.cache.Get(name); ok {
		return v.(Variant)
	}
	v := s.Variant(symbol)
	s.cache.Set(name, v, gocache.DefaultExpiration)
	return v
}

// score folds the weighted factors into [0,1]
func (s *Selector) score(symbol uint16, in ComplexityInputs) float64 {
	w := s.weights[0]
	if int(symbol) < len(s.classes) {
		if cls := s.classes[symbol]; int(cls) < len(s.weights) {
			w = s.weights[cls]
		}
	}
	total := w.Volatility + w.Liquidity + w.Depth + w.Load
	if total <= 0 {
		return 0
	}
	raw := w.Volatility*in.Volatility +
		w.Liquidity*in.Liquidity +
		w.Depth*in.Depth +
		w.Load*in.Load
	score := raw / total
	// a cold cache argues for lighter scans
	score *= 0.8 + 0.2*in.CacheEfficiency
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// band maps a score to a variant
func (s *Selector) band(score, load float64) Variant {
	switch {
	case score < 0.25:
		return Light
	case score < 0.55:
		return Balanced
	case score < 0.8:
		return Aggressive
	default:
		if load < 0.5 {
			return UltraAggressive
		}
		return Aggressive
	}
}
