// Package config loads railctl configuration.
//
// Values are resolved in this order, highest priority first:
//  1. Environment variables (MULTIRAIL_* prefix, dots become underscores)
//  2. The YAML configuration file
//  3. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/rocketbitz/multirail/rdma"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "MULTIRAIL"

// Config is the complete railctl configuration.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Bench   BenchConfig   `mapstructure:"bench" yaml:"bench"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// EngineConfig mirrors the numeric part of rdma.Config.
type EngineConfig struct {
	Name                string `mapstructure:"name" yaml:"name"`
	NumRails            int    `mapstructure:"num_rails" yaml:"num_rails"`
	NumControlRails     int    `mapstructure:"num_control_rails" yaml:"num_control_rails"`
	MinStripeSize       int    `mapstructure:"min_stripe_size" yaml:"min_stripe_size"`
	RoundRobinThreshold int    `mapstructure:"round_robin_threshold" yaml:"round_robin_threshold"`
	EagerMaxSize        int    `mapstructure:"eager_max_size" yaml:"eager_max_size"`
	MaxRequests         int    `mapstructure:"max_requests" yaml:"max_requests"`
	MaxPooledRequests   int    `mapstructure:"max_pooled_requests" yaml:"max_pooled_requests"`
	MinRxBuffersPosted  int    `mapstructure:"min_rx_buffers_posted" yaml:"min_rx_buffers_posted"`
	MaxRxBuffersPosted  int    `mapstructure:"max_rx_buffers_posted" yaml:"max_rx_buffers_posted"`
	LongKeys            bool   `mapstructure:"long_keys" yaml:"long_keys"`
	CQReadCount         int    `mapstructure:"cq_read_count" yaml:"cq_read_count"`
}

// BenchConfig drives `railctl bench`.
type BenchConfig struct {
	MessageSize int `mapstructure:"message_size" yaml:"message_size"`
	Iterations  int `mapstructure:"iterations" yaml:"iterations"`
	// Window is the number of messages in flight per direction.
	Window int `mapstructure:"window" yaml:"window"`
	// Verify checks received payloads byte by byte.
	Verify bool `mapstructure:"verify" yaml:"verify"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// Namespace is prepended to every metric name.
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("multirail")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/multirail")
		v.AddConfigPath("$HOME/.multirail")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no environment.
func Default() *Config {
	d := rdma.DefaultConfig()
	return &Config{
		Engine: EngineConfig{
			Name:                d.Name,
			NumRails:            d.NumRails,
			NumControlRails:     d.NumControlRails,
			MinStripeSize:       d.MinStripeSize,
			RoundRobinThreshold: d.RoundRobinThreshold,
			EagerMaxSize:        d.EagerMaxSize,
			MaxRequests:         d.MaxRequests,
			MaxPooledRequests:   d.MaxPooledRequests,
			MinRxBuffersPosted:  d.MinRxBuffersPosted,
			MaxRxBuffersPosted:  d.MaxRxBuffersPosted,
			LongKeys:            d.LongKeys,
			CQReadCount:         d.CQReadCount,
		},
		Bench: BenchConfig{
			MessageSize: 1 << 20,
			Iterations:  64,
			Window:      4,
			Verify:      true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("engine.name", d.Engine.Name)
	v.SetDefault("engine.num_rails", d.Engine.NumRails)
	v.SetDefault("engine.num_control_rails", d.Engine.NumControlRails)
	v.SetDefault("engine.min_stripe_size", d.Engine.MinStripeSize)
	v.SetDefault("engine.round_robin_threshold", d.Engine.RoundRobinThreshold)
	v.SetDefault("engine.eager_max_size", d.Engine.EagerMaxSize)
	v.SetDefault("engine.max_requests", d.Engine.MaxRequests)
	v.SetDefault("engine.max_pooled_requests", d.Engine.MaxPooledRequests)
	v.SetDefault("engine.min_rx_buffers_posted", d.Engine.MinRxBuffersPosted)
	v.SetDefault("engine.max_rx_buffers_posted", d.Engine.MaxRxBuffersPosted)
	v.SetDefault("engine.long_keys", d.Engine.LongKeys)
	v.SetDefault("engine.cq_read_count", d.Engine.CQReadCount)

	v.SetDefault("bench.message_size", d.Bench.MessageSize)
	v.SetDefault("bench.iterations", d.Bench.Iterations)
	v.SetDefault("bench.window", d.Bench.Window)
	v.SetDefault("bench.verify", d.Bench.Verify)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

// RDMA converts the engine section into an rdma.Config. Logger, tracer and
// metrics are left for the caller to attach.
func (e EngineConfig) RDMA() rdma.Config {
	return rdma.Config{
		Name:                e.Name,
		NumRails:            e.NumRails,
		NumControlRails:     e.NumControlRails,
		MinStripeSize:       e.MinStripeSize,
		RoundRobinThreshold: e.RoundRobinThreshold,
		EagerMaxSize:        e.EagerMaxSize,
		MaxRequests:         e.MaxRequests,
		MaxPooledRequests:   e.MaxPooledRequests,
		MinRxBuffersPosted:  e.MinRxBuffersPosted,
		MaxRxBuffersPosted:  e.MaxRxBuffersPosted,
		LongKeys:            e.LongKeys,
		CQReadCount:         e.CQReadCount,
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if verr := c.Engine.RDMA().Validate(); verr != nil {
		err = multierr.Append(err, fmt.Errorf("engine: %w", verr))
	}
	if c.Bench.MessageSize < 1 {
		err = multierr.Append(err, fmt.Errorf("bench.message_size must be positive"))
	}
	if c.Bench.Iterations < 1 {
		err = multierr.Append(err, fmt.Errorf("bench.iterations must be at least 1"))
	}
	if c.Bench.Window < 1 || c.Bench.Window > c.Engine.MaxRequests {
		err = multierr.Append(err, fmt.Errorf("bench.window %d out of range [1,%d]", c.Bench.Window, c.Engine.MaxRequests))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
