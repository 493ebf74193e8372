package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the metrics components
var Module = fx.Options(
	fx.Provide(NewPrometheusRegistry),
	fx.Provide(NewLatencyTracker),
	fx.Provide(NewPublisher),
)

// NewPrometheusRegistry creates a new Prometheus registry
func NewPrometheusRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Publisher harvests the per-shard atomic counter blocks into Prometheus
// gauges on a fixed cadence. It is the only reader of the counter blocks
// besides tests.
type Publisher struct {
	registry *Registry
	tracker  *LatencyTracker
	logger   *zap.Logger

	snapshotsApplied *prometheus.GaugeVec
	snapshotsDropped *prometheus.GaugeVec
	staleSequences   *prometheus.GaugeVec
	saturations      *prometheus.GaugeVec
	poolReclaims     *prometheus.GaugeVec
	emitted          *prometheus.GaugeVec
	egressDropped    *prometheus.GaugeVec
	ingressDropped   *prometheus.GaugeVec
	detectP99        prometheus.Gauge
	applyP99         prometheus.Gauge

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewPublisher creates and registers the publisher's Prometheus series
func NewPublisher(registry *Registry, tracker *LatencyTracker, prom *prometheus.Registry, logger *zap.Logger) *Publisher {
	gv := func(name, help string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arbengine",
			Name:      name,
			Help:      help,
		}, []string{"shard"})
		prom.MustRegister(g)
		return g
	}
	g := func(name, help string) prometheus.Gauge {
		gg := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbengine",
			Name:      name,
			Help:      help,
		})
		prom.MustRegister(gg)
		return gg
	}

	return &Publisher{
		registry:         registry,
		tracker:          tracker,
		logger:           logger,
		snapshotsApplied: gv("snapshots_applied_total", "Snapshots applied to books"),
		snapshotsDropped: gv("snapshots_dropped_total", "Snapshots dropped before apply"),
		staleSequences:   gv("stale_sequences_total", "Snapshots dropped for sequence regression"),
		saturations:      gv("fixed_point_saturations_total", "Fixed-point overflow saturations"),
		poolReclaims:     gv("pool_reclaims_total", "Oldest-record reclaims on pool exhaustion"),
		emitted:          gv("opportunities_emitted_total", "Opportunities handed to the executor"),
		egressDropped:    gv("egress_dropped_total", "Opportunities dropped on a full egress ring"),
		ingressDropped:   gv("ingress_dropped_total", "Snapshots dropped by ingress backpressure"),
		detectP99:        g("detect_latency_p99_ns", "P99 detect latency in nanoseconds"),
		applyP99:         g("apply_latency_p99_ns", "P99 apply latency in nanoseconds"),
		interval:         time.Second,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Run publishes on the configured cadence until Stop
func (p *Publisher) Run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.publish()
		case <-p.stop:
			p.publish()
			return
		}
	}
}

// Stop halts the publisher after a final publish
func (p *Publisher) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Publisher) publish() {
	for i := 0; i < p.registry.Shards(); i++ {
		c := p.registry.Shard(i)
		shard := strconv.Itoa(i)
		p.snapshotsApplied.WithLabelValues(shard).Set(float64(c.SnapshotsApplied.Load()))
		p.snapshotsDropped.WithLabelValues(shard).Set(float64(c.SnapshotsDropped.Load()))
		p.staleSequences.WithLabelValues(shard).Set(float64(c.StaleSequences.Load()))
		p.saturations.WithLabelValues(shard).Set(float64(c.Saturations.Load()))
		p.poolReclaims.WithLabelValues(shard).Set(float64(c.PoolReclaims.Load()))
		p.emitted.WithLabelValues(shard).Set(float64(c.OpportunitiesEmitted.Load()))
		p.egressDropped.WithLabelValues(shard).Set(float64(c.EgressDropped.Load()))
		p.ingressDropped.WithLabelValues(shard).Set(float64(c.IngressDropped.Load()))
	}
	_, _, _, _, detectP99 := p.tracker.DetectStats()
	_, _, _, _, applyP99 := p.tracker.ApplyStats()
	p.detectP99.Set(float64(detectP99))
	p.applyP99.Set(float64(applyP99))
}

// RegisterMetricsHandler serves the Prometheus scrape endpoint and runs the
// publisher for the process lifetime
func RegisterMetricsHandler(lifecycle fx.Lifecycle, prom *prometheus.Registry, publisher *Publisher, addr string, logger *zap.Logger) {
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(prom, promhttp.HandlerOpts{}),
	}

	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting metrics server", zap.String("addr", server.Addr))
			go publisher.Run()
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping metrics server")
			publisher.Stop()
			return server.Shutdown(ctx)
		},
	})
}
