// Package minprofit maintains the adaptive minimum-profit threshold. Writers
// build a fresh immutable record and publish it with an atomic pointer swap;
// detect calls load the pointer once and see a consistent view across legs.
package minprofit

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/quantfabric/arbengine/internal/fixed"
	"github.com/quantfabric/arbengine/internal/marketstate"
)

// FractionScale is the fixed-point scale of the published threshold fraction
const FractionScale = 8

// Threshold is one immutable published record
type Threshold struct {
	// Bps is the threshold in centibasis points (50.25 bps = 5025)
	Bps int64
	// Fraction is the same threshold as a fixed-point fraction at
	// FractionScale, ready for hot-path comparison against net/notional.
	Fraction fixed.Value
	// State is the market regime the record was computed under
	State marketstate.State
	// Feedback is the learned scalar that produced the record
	Feedback float64
	// Version increases with every publication
	Version uint64
	// CreatedNs is the monotonic publication time
	CreatedNs int64
}

// Config tunes the model
type Config struct {
	BaseBps          float64
	StateMultipliers [3]float64 // Regular, Cautious, Extreme
	FeedbackMin      float64
	FeedbackMax      float64
}

// DefaultConfig returns the model defaults from the engine configuration
func DefaultConfig() Config {
	return Config{
		BaseBps:          50,
		StateMultipliers: [3]float64{1.0, 1.4, 2.5},
		FeedbackMin:      0.8,
		FeedbackMax:      1.5,
	}
}

// Model computes and publishes thresholds
type Model struct {
	cfg Config
	cur atomic.Pointer[Threshold]

	// feedback state, serialized by mu; only the slow path touches it
	mu          sync.Mutex
	fillQuality float64 // EWMA of reported fill quality in [0,1]
	feedback    float64
	version     uint64
}

// NewModel creates a model and publishes the initial Regular threshold
func NewModel(cfg Config) *Model {
	if cfg.FeedbackMin <= 0 || cfg.FeedbackMax < cfg.FeedbackMin {
		cfg.FeedbackMin, cfg.FeedbackMax = 0.8, 1.5
	}
	m := &Model{cfg: cfg, fillQuality: 1, feedback: 1}
	m.Recompute(marketstate.Regular, 0)
	return m
}

// Current returns the published threshold. Hot-path readers call this once
// per detect and keep the pointer for the whole pass.
func (m *Model) Current() *Threshold {
	return m.cur.Load()
}

// Recompute builds and publishes a new threshold for the given state
func (m *Model) Recompute(state marketstate.State, nowNs int64) *Threshold {
	m.mu.Lock()
	mult := m.cfg.StateMultipliers[int(state)%len(m.cfg.StateMultipliers)]
	bps := m.cfg.BaseBps * mult * m.feedback
	m.version++
	t := &Threshold{
		Bps:       int64(math.Round(bps * 100)),
		State:     state,
		Feedback:  m.feedback,
		Version:   m.version,
		CreatedNs: nowNs,
	}
	m.mu.Unlock()

	// bps → fraction: 1 bp = 1e-4, centibps carries two more digits,
	// so the mantissa shift from centibps to scale 8 is 10^2.
	t.Fraction = fixed.New(t.Bps*100, FractionScale)
	m.cur.Store(t)
	return t
}

// ReportFill folds one execution outcome into the feedback scalar. quality
// is the filled fraction of the intent in [0,1]; poor fills push the
// threshold up, clean fills relax it toward the lower feedback bound.
func (m *Model) ReportFill(quality float64) {
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	m.mu.Lock()
	m.fillQuality = 0.9*m.fillQuality + 0.1*quality
	span := m.cfg.FeedbackMax - m.cfg.FeedbackMin
	m.feedback = m.cfg.FeedbackMin + span*(1-m.fillQuality)
	if m.feedback < m.cfg.FeedbackMin {
		m.feedback = m.cfg.FeedbackMin
	}
	if m.feedback > m.cfg.FeedbackMax {
		m.feedback = m.cfg.FeedbackMax
	}
	m.mu.Unlock()
}

// Feedback returns the current learned scalar
func (m *Model) Feedback() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feedback
}
