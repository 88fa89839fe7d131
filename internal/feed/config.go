package feed

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidConfig indicates that the provided feed Config contains invalid values.
	ErrInvalidConfig = errors.New("invalid feed configuration")
)

// Feed backends.
const (
	KindMemory     = "memory"
	KindSQLite     = "sqlite"
	KindPostgres   = "postgres"
	KindClickHouse = "clickhouse"
)

// Live sources.
const (
	LiveNone      = "none"
	LiveMemory    = "memory"
	LiveWebsocket = "websocket"
	LiveAMQP      = "amqp"
	LivePostgres  = "postgres"
)

const defaultTable = "events"

// table names are interpolated into queries
var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config selects and parameterizes the feed backend and the live source.
type Config struct {
	// Kind is the pull backend.
	Kind string `yaml:"kind" validate:"oneof=memory sqlite postgres clickhouse"`

	// DSN is the backend connection string; unused for memory.
	DSN string `yaml:"dsn" validate:"required_unless=Kind memory"`

	// Table holds the rows; defaults to "events".
	Table string `yaml:"table"`

	// QueryTimeout bounds every backend round trip.
	QueryTimeout time.Duration `yaml:"queryTimeout" validate:"gte=0"`

	// Live selects the push source.
	Live string `yaml:"live" validate:"omitempty,oneof=none memory websocket amqp postgres"`

	// LiveEndpoint is the websocket URL for the websocket source.
	LiveEndpoint string `yaml:"liveEndpoint" validate:"required_if=Live websocket"`

	// LiveToken is sent as a bearer token on the websocket handshake.
	LiveToken string `yaml:"liveToken"`

	AMQP AMQPConfig `yaml:"amqp"`

	// Synthetic feeds the memory backend with generated rows.
	Synthetic SyntheticSettings `yaml:"synthetic"`
}

// SyntheticSettings drives the generator behind the memory backend.
type SyntheticSettings struct {
	Enabled   bool          `yaml:"enabled"`
	Seed      int64         `yaml:"seed"`
	Preload   int           `yaml:"preload" validate:"gte=0"`
	Every     time.Duration `yaml:"every" validate:"gte=0"`
	Batch     int           `yaml:"batch" validate:"gte=0"`
	FraudRate float64       `yaml:"fraudRate" validate:"gte=0,lte=1"`
}

// AMQPConfig describes the queue INSERT notifications arrive on.
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routingKey"`
}

// DefaultConfig is an in-memory feed filled by the synthetic generator.
func DefaultConfig() Config {
	return Config{
		Kind:         KindMemory,
		Table:        defaultTable,
		QueryTimeout: 5 * time.Second,
		Live:         LiveMemory,
		AMQP: AMQPConfig{
			Exchange:   "finstream.events",
			Queue:      "finstream.inserts",
			RoutingKey: "events.insert",
		},
		Synthetic: SyntheticSettings{
			Enabled:   true,
			Preload:   500,
			Every:     time.Second,
			Batch:     5,
			FraudRate: 0.02,
		},
	}
}

// ValidateConfig applies defaults for optional fields and validates cfg.
func ValidateConfig(cfg *Config) error {
	def := DefaultConfig()

	if cfg.Kind == "" {
		cfg.Kind = def.Kind
	}
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.Live == "" {
		cfg.Live = LiveNone
	}
	if cfg.AMQP.Exchange == "" {
		cfg.AMQP.Exchange = def.AMQP.Exchange
	}
	if cfg.AMQP.Queue == "" {
		cfg.AMQP.Queue = def.AMQP.Queue
	}
	if cfg.AMQP.RoutingKey == "" {
		cfg.AMQP.RoutingKey = def.AMQP.RoutingKey
	}

	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	switch {
	case !tableName.MatchString(cfg.Table):
		return fmt.Errorf("%w: invalid table name %q", ErrInvalidConfig, cfg.Table)
	case cfg.Live == LiveAMQP && cfg.AMQP.URL == "":
		return fmt.Errorf("%w: amqp live source requires amqp.url", ErrInvalidConfig)
	case cfg.Live == LiveMemory && cfg.Kind != KindMemory:
		return fmt.Errorf("%w: memory live source requires the memory feed", ErrInvalidConfig)
	case cfg.Live == LivePostgres && cfg.Kind != KindPostgres:
		return fmt.Errorf("%w: postgres live source requires the postgres feed", ErrInvalidConfig)
	}
	return nil
}
