// Package config loads the server configuration from an optional YAML file,
// a .env file and FINSTREAM_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"finstream/internal/cursor"
	"finstream/internal/feed"
	"finstream/internal/normalizer"
	"finstream/internal/stream"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FINSTREAM_"

var (
	// ErrInvalidConfig indicates that the loaded configuration failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the complete server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Stream StreamConfig `yaml:"stream"`
	Feed   feed.Config  `yaml:"feed"`
}

// ServerConfig configures the HTTP and gRPC listeners and logging.
type ServerConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	GRPCAddr string `yaml:"grpcAddr"`
	LogLevel string `yaml:"logLevel" validate:"oneof=trace debug info warn error"`
	Pretty   bool   `yaml:"pretty"`

	// MaxTopics bounds the topics a single websocket client may request.
	MaxTopics        int `yaml:"maxTopics" validate:"gt=0"`
	SubscriberBuffer int `yaml:"subscriberBuffer" validate:"gte=0"`

	// AutoStream starts streaming as soon as the server is up.
	AutoStream bool `yaml:"autoStream"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gte=0"`
}

// StreamConfig mirrors stream.Config with YAML-friendly types. Money values
// are decimal strings.
type StreamConfig struct {
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	InitialBatch int           `yaml:"initialBatch" validate:"gt=0"`
	NextBatch    int           `yaml:"nextBatch" validate:"gt=0"`
	RestartDelay time.Duration `yaml:"restartDelay" validate:"gte=0"`

	TableCapacity   int `yaml:"tableCapacity" validate:"gt=0"`
	ChartCapacity   int `yaml:"chartCapacity" validate:"gt=0"`
	AnomalyCapacity int `yaml:"anomalyCapacity" validate:"gt=0"`

	MaxCharts         int     `yaml:"maxCharts" validate:"gt=0"`
	RecomputeBatch    int     `yaml:"recomputeBatch" validate:"gt=0"`
	SignificantAmount string  `yaml:"significantAmount" validate:"required,numeric"`
	SignificantRisk   float64 `yaml:"significantRisk" validate:"gte=0,lte=1"`

	HighAmount         string `yaml:"highAmount" validate:"required,numeric"`
	LargeBalanceChange string `yaml:"largeBalanceChange" validate:"required,numeric"`

	Exhaustion string `yaml:"exhaustion" validate:"oneof=stall wrap"`
	Identity   string `yaml:"identity" validate:"oneof=upstream unique"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	sc := stream.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			LogLevel:        "info",
			MaxTopics:       4,
			ShutdownTimeout: 10 * time.Second,
		},
		Stream: StreamConfig{
			Interval:           sc.Interval,
			InitialBatch:       sc.InitialBatch,
			NextBatch:          sc.NextBatch,
			RestartDelay:       sc.RestartDelay,
			TableCapacity:      sc.TableCapacity,
			ChartCapacity:      sc.ChartCapacity,
			AnomalyCapacity:    sc.AnomalyCapacity,
			MaxCharts:          sc.MaxCharts,
			RecomputeBatch:     sc.RecomputeBatch,
			SignificantAmount:  sc.SignificantAmount.String(),
			SignificantRisk:    sc.SignificantRisk,
			HighAmount:         sc.HighAmount.String(),
			LargeBalanceChange: sc.LargeBalanceChange.String(),
			Exhaustion:         string(sc.Exhaustion),
			Identity:           string(sc.Identity),
		},
		Feed: feed.DefaultConfig(),
	}
}

// Load builds the configuration. An empty path skips the YAML file; a .env
// file in the working directory is loaded when present.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// a missing .env is normal
	_ = godotenv.Load()

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and fills feed defaults.
func (c *Config) Validate() error {
	// the memory live source is the default and only follows the memory feed
	if c.Feed.Kind != "" && c.Feed.Kind != feed.KindMemory && c.Feed.Live == feed.LiveMemory {
		c.Feed.Live = feed.LiveNone
	}
	if err := feed.ValidateConfig(&c.Feed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Controller converts the stream section into a controller configuration.
func (s StreamConfig) Controller() (stream.Config, error) {
	significant, err := decimal.NewFromString(s.SignificantAmount)
	if err != nil {
		return stream.Config{}, fmt.Errorf("%w: significantAmount: %v", ErrInvalidConfig, err)
	}
	high, err := decimal.NewFromString(s.HighAmount)
	if err != nil {
		return stream.Config{}, fmt.Errorf("%w: highAmount: %v", ErrInvalidConfig, err)
	}
	balance, err := decimal.NewFromString(s.LargeBalanceChange)
	if err != nil {
		return stream.Config{}, fmt.Errorf("%w: largeBalanceChange: %v", ErrInvalidConfig, err)
	}

	return stream.Config{
		Interval:           s.Interval,
		InitialBatch:       s.InitialBatch,
		NextBatch:          s.NextBatch,
		RestartDelay:       s.RestartDelay,
		TableCapacity:      s.TableCapacity,
		ChartCapacity:      s.ChartCapacity,
		AnomalyCapacity:    s.AnomalyCapacity,
		MaxCharts:          s.MaxCharts,
		RecomputeBatch:     s.RecomputeBatch,
		SignificantAmount:  significant,
		SignificantRisk:    s.SignificantRisk,
		HighAmount:         high,
		LargeBalanceChange: balance,
		Exhaustion:         cursor.ExhaustionPolicy(s.Exhaustion),
		Identity:           normalizer.IdentityPolicy(s.Identity),
	}, nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides cfg from FINSTREAM_* variables.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, key, err)
		}
		*dst = d
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, key, err)
		}
		*dst = b
		return nil
	}

	str("ADDR", &cfg.Server.Addr)
	str("GRPC_ADDR", &cfg.Server.GRPCAddr)
	str("LOG_LEVEL", &cfg.Server.LogLevel)
	str("EXHAUSTION", &cfg.Stream.Exhaustion)
	str("IDENTITY", &cfg.Stream.Identity)
	str("FEED_KIND", &cfg.Feed.Kind)
	str("FEED_DSN", &cfg.Feed.DSN)
	str("FEED_TABLE", &cfg.Feed.Table)
	str("LIVE", &cfg.Feed.Live)
	str("LIVE_ENDPOINT", &cfg.Feed.LiveEndpoint)
	str("LIVE_TOKEN", &cfg.Feed.LiveToken)
	str("AMQP_URL", &cfg.Feed.AMQP.URL)

	return errors.Join(
		num("MAX_TOPICS", &cfg.Server.MaxTopics),
		num("INITIAL_BATCH", &cfg.Stream.InitialBatch),
		num("NEXT_BATCH", &cfg.Stream.NextBatch),
		dur("INTERVAL", &cfg.Stream.Interval),
		boolean("AUTOSTREAM", &cfg.Server.AutoStream),
		boolean("PRETTY", &cfg.Server.Pretty),
	)
}
