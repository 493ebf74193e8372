// Package marketstate classifies the market regime from rolling windows over
// recent snapshots. Shards feed cheap atomic observations on the hot path;
// the detector evaluates them on a fixed cadence off-path and publishes the
// state through a single atomic word.
package marketstate

import (
	"sync/atomic"

	"gonum.org/v1/gonum/stat"
)

// State is the published market regime
type State uint32

const (
	// Regular is the calm default regime
	Regular State = iota
	// Cautious widens thresholds under elevated volatility or load
	Cautious
	// Extreme forces the most conservative detection settings
	Extreme
)

// String returns the regime name
func (s State) String() string {
	switch s {
	case Regular:
		return "regular"
	case Cautious:
		return "cautious"
	case Extreme:
		return "extreme"
	}
	return "unknown"
}

// Config tunes the detector
type Config struct {
	// RegularUpper and ExtremeLower bound the composite score bands for
	// upward transitions; downward transitions use the hysteresis margin.
	RegularUpper float64
	ExtremeLower float64
	// HysteresisMargin is the fractional band asymmetry (0.08 = 8%)
	HysteresisMargin float64
	// MinDwellNs suppresses flapping: no voluntary transition before this
	MinDwellNs int64
	// Window is the number of mid-price samples in the volatility window
	Window int
	// VolNorm scales realized volatility into [0,1]
	VolNorm float64
	// DepthNorm is the depth considered "full" for score purposes
	DepthNorm float64
	// FreqNorm scales updates-per-tick into [0,1]
	FreqNorm float64
	// OverloadCPUPct forces Extreme when the load proxy exceeds it
	OverloadCPUPct float64
	// OverloadBacklog forces Extreme when ingress backlog exceeds it
	OverloadBacklog int
}

// DefaultConfig returns the detector defaults
func DefaultConfig() Config {
	return Config{
		RegularUpper:     0.45,
		ExtremeLower:     0.75,
		HysteresisMargin: 0.08,
		MinDwellNs:       1_500_000_000,
		Window:           64,
		VolNorm:          0.01,
		DepthNorm:        40,
		FreqNorm:         128,
		OverloadCPUPct:   90,
		OverloadBacklog:  4096,
	}
}

// slot is one symbol's hot-path observation cell. Shards store, the
// detector loads; fields are independent atomics so the hot path is two
// plain stores and one atomic increment, with no lock.
type slot struct {
	mid     atomic.Int64 // mid-price mantissa
	depth   atomic.Int64 // top-of-book depth (level count both sides)
	updates atomic.Uint64
	_       [40]byte
}

// Detector computes the composite score and publishes the state
type Detector struct {
	cfg   Config
	state atomic.Uint32
	slots []slot

	// detector-side history, touched only by Tick
	mids         [][]float64
	lastUpdates  []uint64
	lastChangeNs int64
	forced       atomic.Bool

	backlog func() int
	load    func() float64
}

// NewDetector creates a detector for nSymbols observation slots. backlog and
// load provide the ingress backlog depth and a CPU-load proxy; either may be
// nil.
func NewDetector(cfg Config, nSymbols int, backlog func() int, load func() float64) *Detector {
	if cfg.Window <= 1 {
		cfg.Window = DefaultConfig().Window
	}
	d := &Detector{
		cfg:         cfg,
		slots:       make([]slot, nSymbols),
		mids:        make([][]float64, nSymbols),
		lastUpdates: make([]uint64, nSymbols),
		backlog:     backlog,
		load:        load,
	}
	for i := range d.mids {
		d.mids[i] = make([]float64, 0, cfg.Window)
	}
	return d
}

// State returns the current regime. Readers never block.
func (d *Detector) State() State {
	return State(d.state.Load())
}

// Forced reports whether the current Extreme state was forced by overload
func (d *Detector) Forced() bool { return d.forced.Load() }

// Observe records one applied snapshot for a symbol. Called by shards on the
// hot path: two atomic stores and one atomic add, no allocation, no
// branching on state.
func (d *Detector) Observe(symbol uint16, midMantissa int64, depth int) {
	if int(symbol) >= len(d.slots) {
		return
	}
	s := &d.slots[symbol]
	s.mid.Store(midMantissa)
	s.depth.Store(int64(depth))
	s.updates.Add(1)
}

// Tick evaluates the composite score and publishes any state change. Called
// on a fixed cadence by the orchestrator's housekeeping goroutine.
func (d *Detector) Tick(nowNs int64) State {
	if d.overloaded() {
		d.forced.Store(true)
		if d.State() != Extreme {
			d.state.Store(uint32(Extreme))
			d.lastChangeNs = nowNs
		}
		return Extreme
	}
	d.forced.Store(false)

	score := d.score()
	cur := d.State()
	next := d.transition(cur, score)
	if next != cur {
		if nowNs-d.lastChangeNs < d.cfg.MinDwellNs {
			return cur
		}
		d.state.Store(uint32(next))
		d.lastChangeNs = nowNs
	}
	return d.State()
}

// score aggregates volatility, depth, and update frequency into [0,1]
func (d *Detector) score() float64 {
	var volSum, depthSum, freqSum float64
	n := 0
	for i := range d.slots {
		s := &d.slots[i]
		mid := s.mid.Load()
		if mid == 0 {
			continue
		}
		n++

		// roll the mid window
		w := d.mids[i]
		if len(w) == d.cfg.Window {
			copy(w, w[1:])
			w = w[:len(w)-1]
		}
		w = append(w, float64(mid))
		d.mids[i] = w

		if len(w) >= 2 {
			returns := make([]float64, 0, len(w)-1)
			for j := 1; j < len(w); j++ {
				if w[j-1] != 0 {
					returns = append(returns, (w[j]-w[j-1])/w[j-1])
				}
			}
			if len(returns) >= 2 {
				volSum += clamp01(stat.StdDev(returns, nil) / d.cfg.VolNorm)
			}
		}

		// shallow books score high
		depthSum += 1 - clamp01(float64(s.depth.Load())/d.cfg.DepthNorm)

		updates := s.updates.Load()
		freqSum += clamp01(float64(updates-d.lastUpdates[i]) / d.cfg.FreqNorm)
		d.lastUpdates[i] = updates
	}
	if n == 0 {
		return 0
	}
	vol := volSum / float64(n)
	depth := depthSum / float64(n)
	freq := freqSum / float64(n)
	loadScore := 0.0
	if d.load != nil {
		loadScore = clamp01(d.load() / 100)
	}
	return clamp01(0.4*vol + 0.25*depth + 0.2*freq + 0.15*loadScore)
}

// transition applies the asymmetric hysteresis bands
func (d *Detector) transition(cur State, s float64) State {
	up1 := d.cfg.RegularUpper
	up2 := d.cfg.ExtremeLower
	down1 := up1 * (1 - d.cfg.HysteresisMargin)
	down2 := up2 * (1 - d.cfg.HysteresisMargin)

	switch cur {
	case Regular:
		if s >= up2 {
			return Extreme
		}
		if s >= up1 {
			return Cautious
		}
	case Cautious:
		if s >= up2 {
			return Extreme
		}
		if s < down1 {
			return Regular
		}
	case Extreme:
		if s < down1 {
			return Regular
		}
		if s < down2 {
			return Cautious
		}
	}
	return cur
}

// Complexity is the per-symbol factor bundle consumed by the strategy
// selector on its recompute cadence
type Complexity struct {
	Volatility float64
	Depth      float64
	Frequency  float64
	Load       float64
}

// Complexity reports the current normalized factors for one symbol. Must be
// called from the same goroutine as Tick: it reads the detector-side
// history.
func (d *Detector) Complexity(symbol uint16) Complexity {
	if int(symbol) >= len(d.slots) {
		return Complexity{}
	}
	s := &d.slots[symbol]
	var c Complexity
	w := d.mids[symbol]
	if len(w) >= 3 {
		returns := make([]float64, 0, len(w)-1)
		for j := 1; j < len(w); j++ {
			if w[j-1] != 0 {
				returns = append(returns, (w[j]-w[j-1])/w[j-1])
			}
		}
		if len(returns) >= 2 {
			c.Volatility = clamp01(stat.StdDev(returns, nil) / d.cfg.VolNorm)
		}
	}
	c.Depth = 1 - clamp01(float64(s.depth.Load())/d.cfg.DepthNorm)
	c.Frequency = clamp01(float64(s.updates.Load()-d.lastUpdates[symbol]) / d.cfg.FreqNorm)
	if d.load != nil {
		c.Load = clamp01(d.load() / 100)
	}
	return c
}

func (d *Detector) overloaded() bool {
	if d.backlog != nil && d.cfg.OverloadBacklog > 0 && d.backlog() > d.cfg.OverloadBacklog {
		return true
	}
	if d.load != nil && d.cfg.OverloadCPUPct > 0 && d.load() > d.cfg.OverloadCPUPct {
		return true
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
