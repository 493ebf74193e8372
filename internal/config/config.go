// Package config loads and validates the engine configuration. Everything
// here runs before the first snapshot; a violated invariant refuses startup.
package config

import (
	"fmt"
	"runtime"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quantfabric/arbengine/internal/common/errors"
	"github.com/quantfabric/arbengine/internal/orderbook"
)

// Config is the engine configuration
type Config struct {
	Engine struct {
		Shards            int    `mapstructure:"shards" validate:"min=0"`
		OrderbookCapacity int    `mapstructure:"orderbook_capacity" validate:"min=1"`
		StalenessMaxNs    uint64 `mapstructure:"staleness_max_ns"`
		ShadowMode        bool   `mapstructure:"shadow_mode"`
		QualityFloor      float32 `mapstructure:"quality_floor" validate:"min=0,max=1"`
		OpportunityTTLNs  int64  `mapstructure:"opportunity_ttl_ns"`
		IngressRingSize   int    `mapstructure:"ingress_ring_size"`
		EgressRingSize    int    `mapstructure:"egress_ring_size"`
		AuditRingSize     int    `mapstructure:"audit_ring_size"`
		PoolSize          int    `mapstructure:"pool_size"`
	} `mapstructure:"engine"`

	SymbolAssignment struct {
		Seed uint64 `mapstructure:"seed"`
	} `mapstructure:"symbol_assignment"`

	MinProfit struct {
		BaseBps          float64    `mapstructure:"base_bps" validate:"min=0"`
		StateMultipliers [3]float64 `mapstructure:"state_multipliers"`
		FeedbackBounds   [2]float64 `mapstructure:"feedback_bounds"`
	} `mapstructure:"min_profit"`

	Overload struct {
		CPUThresholdPct  float64 `mapstructure:"cpu_threshold_pct"`
		BacklogThreshold int     `mapstructure:"backlog_threshold"`
	} `mapstructure:"overload"`

	// StrategyEnabled lists the enabled strategy kinds
	StrategyEnabled []string `mapstructure:"strategy_enabled" validate:"dive,oneof=inter_exchange triangular"`

	// Backpressure policies; ingress defaults drop_oldest, egress drop_newest
	Backpressure struct {
		Ingress string `mapstructure:"ingress" validate:"oneof=drop_oldest drop_newest"`
		Egress  string `mapstructure:"egress" validate:"oneof=drop_oldest drop_newest"`
	} `mapstructure:"backpressure"`

	// Exchanges interns exchange names; index is the wire id
	Exchanges []string `mapstructure:"exchanges" validate:"min=1,max=256"`

	// Symbols interns symbols with their per-pair metadata; index is the id
	Symbols []SymbolSpec `mapstructure:"symbols" validate:"min=1,max=65535,dive"`

	// ExchangeFees maps exchange name → per-class fee schedule
	ExchangeFees map[string][]FeeSpec `mapstructure:"exchange_fees"`

	// TriangularPaths enumerates cycles per exchange by symbol name
	TriangularPaths []PathSpec `mapstructure:"triangular_paths" validate:"dive"`

	// SelectorWeights configures the complexity score per symbol class
	SelectorWeights []WeightSpec `mapstructure:"selector_weights"`

	Monitoring struct {
		LogLevel    string `mapstructure:"log_level"`
		MetricsAddr string `mapstructure:"metrics_addr"`
	} `mapstructure:"monitoring"`

	Audit struct {
		Dir            string  `mapstructure:"dir"`
		SegmentMaxByte int64   `mapstructure:"segment_max_bytes"`
		NATSURL        string  `mapstructure:"nats_url"`
		RepublishTopic string  `mapstructure:"republish_topic"`
		RepublishRate  float64 `mapstructure:"republish_rate"`
	} `mapstructure:"audit"`
}

// SymbolSpec declares one tradable symbol and its venue precision
type SymbolSpec struct {
	Name       string `mapstructure:"name" validate:"required"`
	PriceScale uint8  `mapstructure:"price_scale" validate:"max=18"`
	QtyScale   uint8  `mapstructure:"qty_scale" validate:"max=18"`
	// TickSize and StepSize are decimal strings ("0.01")
	TickSize string `mapstructure:"tick_size"`
	StepSize string `mapstructure:"step_size"`
	MinQty   string `mapstructure:"min_qty"`
	// MaxLegNotional is a decimal string in quote currency
	MaxLegNotional string `mapstructure:"max_leg_notional"`
	// Class selects the fee and selector-weight class
	Class uint8 `mapstructure:"class"`
}

// FeeSpec is the per-class fee schedule of one exchange
type FeeSpec struct {
	TakerBps int64 `mapstructure:"taker_bps" validate:"min=0,max=10000"`
	MakerBps int64 `mapstructure:"maker_bps" validate:"min=0,max=10000"`
}

// PathSpec declares one triangular cycle by name
type PathSpec struct {
	Exchange   string `mapstructure:"exchange" validate:"required"`
	BaseQuote  string `mapstructure:"base_quote" validate:"required"`
	CrossBase  string `mapstructure:"cross_base" validate:"required"`
	CrossQuote string `mapstructure:"cross_quote" validate:"required"`
}

// WeightSpec is the selector weighting for one symbol class
type WeightSpec struct {
	Volatility float64 `mapstructure:"volatility_weight"`
	Liquidity  float64 `mapstructure:"liquidity_weight"`
	Depth      float64 `mapstructure:"depth_weight"`
	Load       float64 `mapstructure:"load_weight"`
}

// Load reads the configuration file and environment overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/arbengine")
	}
	v.AutomaticEnv()
	v.SetEnvPrefix("ARBENGINE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, errors.ErrConfigInvariant, "read config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigInvariant, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.shards", 0) // 0 = cores − reserved
	v.SetDefault("engine.orderbook_capacity", 200)
	v.SetDefault("engine.staleness_max_ns", 50_000_000)
	v.SetDefault("engine.quality_floor", 0.5)
	v.SetDefault("engine.opportunity_ttl_ns", 100_000_000)
	v.SetDefault("engine.ingress_ring_size", 4096)
	v.SetDefault("engine.egress_ring_size", 1024)
	v.SetDefault("engine.audit_ring_size", 8192)
	v.SetDefault("engine.pool_size", 1024)
	v.SetDefault("min_profit.base_bps", 50.0)
	v.SetDefault("min_profit.state_multipliers", []float64{1.0, 1.4, 2.5})
	v.SetDefault("min_profit.feedback_bounds", []float64{0.8, 1.5})
	v.SetDefault("overload.cpu_threshold_pct", 90.0)
	v.SetDefault("overload.backlog_threshold", 4096)
	v.SetDefault("strategy_enabled", []string{"inter_exchange", "triangular"})
	v.SetDefault("backpressure.ingress", "drop_oldest")
	v.SetDefault("backpressure.egress", "drop_newest")
	v.SetDefault("monitoring.log_level", "info")
	v.SetDefault("monitoring.metrics_addr", ":9090")
	v.SetDefault("audit.dir", "./audit")
	v.SetDefault("audit.republish_topic", "arbengine.opportunities")
}

// Validate enforces the startup invariants. A violation is Fatal: the
// process refuses to start.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, errors.ErrConfigInvariant, "config validation")
	}

	cores := runtime.NumCPU()
	if c.Engine.Shards > cores {
		return errors.Newf(errors.ErrConfigInvariant,
			"shards %d exceeds %d cores", c.Engine.Shards, cores)
	}
	if c.Engine.OrderbookCapacity > orderbook.Capacity {
		return errors.Newf(errors.ErrConfigInvariant,
			"orderbook_capacity %d exceeds hard limit %d", c.Engine.OrderbookCapacity, orderbook.Capacity)
	}
	if c.MinProfit.FeedbackBounds[0] > c.MinProfit.FeedbackBounds[1] {
		return errors.New(errors.ErrConfigInvariant, "feedback bounds inverted")
	}

	symbolIdx := make(map[string]uint16, len(c.Symbols))
	for i, s := range c.Symbols {
		if _, dup := symbolIdx[s.Name]; dup {
			return errors.Newf(errors.ErrConfigInvariant, "duplicate symbol %q", s.Name)
		}
		symbolIdx[s.Name] = uint16(i)
	}
	exchangeIdx := make(map[string]uint8, len(c.Exchanges))
	for i, e := range c.Exchanges {
		if _, dup := exchangeIdx[e]; dup {
			return errors.Newf(errors.ErrConfigInvariant, "duplicate exchange %q", e)
		}
		exchangeIdx[e] = uint8(i)
	}

	for _, p := range c.TriangularPaths {
		if _, ok := exchangeIdx[p.Exchange]; !ok {
			return errors.Newf(errors.ErrConfigInvariant, "triangular path references unknown exchange %q", p.Exchange)
		}
		for _, sym := range []string{p.BaseQuote, p.CrossBase, p.CrossQuote} {
			if _, ok := symbolIdx[sym]; !ok {
				return errors.Newf(errors.ErrConfigInvariant, "triangular path references unknown symbol %q", sym)
			}
		}
	}
	for name := range c.ExchangeFees {
		if _, ok := exchangeIdx[name]; !ok {
			return errors.Newf(errors.ErrConfigInvariant, "fees reference unknown exchange %q", name)
		}
	}
	return nil
}

// EffectiveShards resolves the worker count: configured value, or physical
// cores minus the reserved I/O cores.
func (c *Config) EffectiveShards() int {
	if c.Engine.Shards > 0 {
		return c.Engine.Shards
	}
	const reservedIO = 2
	n := runtime.NumCPU() - reservedIO
	if n < 1 {
		n = 1
	}
	return n
}

// StrategyOn reports whether a strategy kind is enabled
func (c *Config) StrategyOn(name string) bool {
	for _, s := range c.StrategyEnabled {
		if s == name {
			return true
		}
	}
	return false
}

// InitLogger builds the process logger from the configured level
func InitLogger(c *Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error
	switch c.Monitoring.LogLevel {
	case "debug":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}
