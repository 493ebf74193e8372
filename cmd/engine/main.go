// Command engine runs the arbitrage detection engine: ingress rings in,
// execution intents and audit records out.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/quantfabric/arbengine/internal/config"
	"github.com/quantfabric/arbengine/internal/egress"
	"github.com/quantfabric/arbengine/internal/engine"
	"github.com/quantfabric/arbengine/internal/ingress"
	"github.com/quantfabric/arbengine/internal/metrics"
	"github.com/quantfabric/arbengine/internal/minprofit"
)

// busConn carries the optional NATS connection; absent in air-gapped runs
type busConn struct {
	nc *nats.Conn
}

func main() {
	configPath := flag.String("config", "", "configuration directory")
	pathsFile := flag.String("paths", "", "standalone triangular-path table (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration rejected: %v", err)
	}
	if *pathsFile != "" {
		if err := cfg.LoadPaths(*pathsFile); err != nil {
			log.Fatalf("paths file rejected: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("configuration rejected: %v", err)
		}
	}
	logger, err := config.InitLogger(cfg)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	tables, err := cfg.Resolve()
	if err != nil {
		logger.Fatal("configuration tables rejected", zap.Error(err))
	}

	app := fx.New(
		fx.Supply(cfg, tables),
		fx.Provide(func() *zap.Logger { return logger }),
		fx.Provide(newBusConn),
		fx.Provide(newShardRegistry),
		fx.Provide(newModel),
		fx.Provide(newSink),
		fx.Provide(newExecutor),
		metrics.Module,
		engine.Module,
		fx.Invoke(registerMetricsServer),
		fx.Invoke(registerAuditWriter),
		fx.Invoke(registerIngressSource),
	)
	app.Run()
}

func newBusConn(cfg *config.Config, logger *zap.Logger) busConn {
	if cfg.Audit.NATSURL == "" {
		return busConn{}
	}
	nc, err := nats.Connect(cfg.Audit.NATSURL,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true))
	if err != nil {
		logger.Warn("message bus unavailable, running detached", zap.Error(err))
		return busConn{}
	}
	return busConn{nc: nc}
}

func newShardRegistry(cfg *config.Config) *metrics.Registry {
	return metrics.NewRegistry(cfg.EffectiveShards())
}

func newModel(cfg *config.Config) *minprofit.Model {
	return minprofit.NewModel(minprofit.Config{
		BaseBps:          cfg.MinProfit.BaseBps,
		StateMultipliers: cfg.MinProfit.StateMultipliers,
		FeedbackMin:      cfg.MinProfit.FeedbackBounds[0],
		FeedbackMax:      cfg.MinProfit.FeedbackBounds[1],
	})
}

func newSink(cfg *config.Config) *egress.AuditSink {
	return egress.NewAuditSink(cfg.Engine.AuditRingSize, cfg.EffectiveShards())
}

// newExecutor picks the egress transport: shadow mode meters without
// executing, a connected bus uses the remote transport, and otherwise the
// engine runs detection-only.
func newExecutor(cfg *config.Config, bus busConn, model *minprofit.Model, logger *zap.Logger) (egress.Executor, error) {
	if cfg.Engine.ShadowMode {
		logger.Info("shadow mode: intents are metered, not executed")
		return egress.NewShadowExecutor(), nil
	}
	if bus.nc != nil {
		remote, err := egress.NewRemoteExecutor(bus.nc, "arbengine.intents", "arbengine.acks", logger)
		if err != nil {
			return nil, err
		}
		remote.OnAck(func(a egress.Ack) {
			model.ReportFill(fillQuality(a))
		})
		return remote, nil
	}
	logger.Warn("no executor transport configured, running detection-only")
	return egress.NewShadowExecutor(), nil
}

// fillQuality maps an ack onto the feedback scalar input
func fillQuality(a egress.Ack) float64 {
	switch a.Status {
	case egress.AckAccepted:
		return 1
	case egress.AckPartial:
		return 0.5
	default:
		return 0
	}
}

func registerMetricsServer(lifecycle fx.Lifecycle, prom *prometheus.Registry, publisher *metrics.Publisher, cfg *config.Config, logger *zap.Logger) {
	metrics.RegisterMetricsHandler(lifecycle, prom, publisher, cfg.Monitoring.MetricsAddr, logger)
}

func registerAuditWriter(lifecycle fx.Lifecycle, cfg *config.Config, sink *egress.AuditSink, bus busConn, logger *zap.Logger) error {
	var pub *egress.NATSPublisher
	if bus.nc != nil {
		pub = egress.NewNATSPublisher(bus.nc)
	}
	writer, err := egress.NewWriter(egress.WriterConfig{
		Dir:            cfg.Audit.Dir,
		SegmentMaxByte: cfg.Audit.SegmentMaxByte,
		RepublishTopic: cfg.Audit.RepublishTopic,
		RepublishRate:  cfg.Audit.RepublishRate,
	}, sink, publisherOrNil(pub), logger)
	if err != nil {
		return err
	}
	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go writer.Run()
			return nil
		},
		OnStop: func(context.Context) error {
			writer.Stop()
			return nil
		},
	})
	return nil
}

// publisherOrNil keeps a typed-nil publisher from masquerading as non-nil
func publisherOrNil(p *egress.NATSPublisher) message.Publisher {
	if p == nil {
		return nil
	}
	return p
}

func registerIngressSource(lifecycle fx.Lifecycle, bus busConn, o *engine.Orchestrator, logger *zap.Logger) {
	if bus.nc == nil {
		logger.Info("no bus ingress; expecting in-process snapshot producers")
		return
	}
	var source *ingress.NATSSource
	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s, err := ingress.NewNATSSource(bus.nc, "cleaning.snapshots", o.Ingest, logger)
			if err != nil {
				return err
			}
			source = s
			return nil
		},
		OnStop: func(context.Context) error {
			if source != nil {
				source.Close()
			}
			return nil
		},
	})
}
