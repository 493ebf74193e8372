package metrics

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"
)

// Critical latency thresholds in nanoseconds
const (
	DetectLatencyThresholdNs = 200_000 // 200μs P99 target
	ApplyLatencyThresholdNs  = 20_000  // 20μs P99 target
)

// LatencyTracker provides high-precision latency tracking for the detect and
// apply paths. Histograms use exponentially-decaying samples so percentiles
// track the recent regime.
type LatencyTracker struct {
	detectLatencies gometrics.Histogram
	applyLatencies  gometrics.Histogram
	logger          *zap.Logger
}

// NewLatencyTracker creates a new latency tracker
func NewLatencyTracker(logger *zap.Logger) *LatencyTracker {
	return &LatencyTracker{
		detectLatencies: gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
		applyLatencies:  gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
		logger:          logger,
	}
}

// TrackDetect records the duration of one detect pass
func (t *LatencyTracker) TrackDetect(start time.Time) {
	latencyNs := time.Since(start).Nanoseconds()
	t.detectLatencies.Update(latencyNs)
	if latencyNs > DetectLatencyThresholdNs {
		t.logger.Warn("detect exceeded latency threshold",
			zap.Int64("latency_ns", latencyNs),
			zap.Int64("threshold_ns", DetectLatencyThresholdNs))
	}
}

// TrackApply records the duration of one book apply
func (t *LatencyTracker) TrackApply(start time.Time) {
	latencyNs := time.Since(start).Nanoseconds()
	t.applyLatencies.Update(latencyNs)
	if latencyNs > ApplyLatencyThresholdNs {
		t.logger.Warn("apply exceeded latency threshold",
			zap.Int64("latency_ns", latencyNs),
			zap.Int64("threshold_ns", ApplyLatencyThresholdNs))
	}
}

// DetectStats returns min, max, mean, p95 and p99 detect latency in ns
func (t *LatencyTracker) DetectStats() (min, max, mean, p95, p99 int64) {
	s := t.detectLatencies.Snapshot()
	return s.Min(), s.Max(), int64(s.Mean()), int64(s.Percentile(0.95)), int64(s.Percentile(0.99))
}

// ApplyStats returns min, max, mean, p95 and p99 apply latency in ns
func (t *LatencyTracker) ApplyStats() (min, max, mean, p95, p99 int64) {
	s := t.applyLatencies.Snapshot()
	return s.Min(), s.Max(), int64(s.Mean()), int64(s.Percentile(0.95)), int64(s.Percentile(0.99))
}
