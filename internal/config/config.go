// Package config defines the engine's configuration surface: every
// tunable option the sync engine, connection pool, router, replication
// queue, write-ack manager, oplog backpressure policy, and
// entry-processor sandbox read. Parsing the file from disk is an outer
// concern left to cmd/synccored; this package only defines and validates
// the struct.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RoutingMode selects whether clients route directly to partition owners
// or rely on the contacted node to forward.
type RoutingMode string

const (
	RoutingDirect  RoutingMode = "direct"
	RoutingForward RoutingMode = "forward"
)

// FallbackMode selects router behaviour when no partition map is loaded.
type FallbackMode string

const (
	FallbackForward FallbackMode = "forward"
	FallbackError   FallbackMode = "error"
)

// Consistency is a replication consistency level.
type Consistency string

const (
	ConsistencyStrong   Consistency = "STRONG"
	ConsistencyQuorum   Consistency = "QUORUM"
	ConsistencyEventual Consistency = "EVENTUAL"
)

// BackpressurePolicy selects oplog.Append behaviour once the pending queue
// is full.
type BackpressurePolicy string

const (
	BackpressureBlock BackpressurePolicy = "block"
	BackpressureDrop  BackpressurePolicy = "drop"
	BackpressureThrow BackpressurePolicy = "throw"
)

// ConnectionPoolConfig holds the connectionPool.* options.
type ConnectionPoolConfig struct {
	MaxConnectionsPerNode int           `yaml:"maxConnectionsPerNode"`
	ConnectionTimeout     time.Duration `yaml:"connectionTimeoutMs"`
	HealthCheckInterval   time.Duration `yaml:"healthCheckIntervalMs"`
	ReconnectDelay        time.Duration `yaml:"reconnectDelayMs"`
	MaxReconnectDelay     time.Duration `yaml:"maxReconnectDelayMs"`
	MaxReconnectAttempts  int           `yaml:"maxReconnectAttempts"`
}

// RoutingConfig holds the routing.* options.
type RoutingConfig struct {
	FallbackMode       FallbackMode  `yaml:"fallbackMode"`
	MapRefreshInterval time.Duration `yaml:"mapRefreshIntervalMs"`
	MaxMapStaleness    time.Duration `yaml:"maxMapStalenessMs"`
}

// ReplicationConfig holds the replication.* options.
type ReplicationConfig struct {
	DefaultConsistency Consistency   `yaml:"defaultConsistency"`
	QueueSizeLimit     int           `yaml:"queueSizeLimit"`
	BatchSize          int           `yaml:"batchSize"`
	BatchInterval      time.Duration `yaml:"batchIntervalMs"`
	AckTimeout         time.Duration `yaml:"ackTimeoutMs"`
	MaxRetries         int           `yaml:"maxRetries"`
}

// WriteAckConfig holds the writeAck.* options.
type WriteAckConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
}

// BackpressureConfig holds the backpressure.* options.
type BackpressureConfig struct {
	MaxPendingOps int                `yaml:"maxPendingOps"`
	Strategy      BackpressurePolicy `yaml:"strategy"`
}

// ProcessorConfig holds the processor.* options. Entry processors use all
// three; conflict-resolver bindings use only MaxExecutionsPerSecond and
// keep the fixed resolver.MaxCodeSize/MaxArgsSize limits.
type ProcessorConfig struct {
	MaxExecutionsPerSecond float64 `yaml:"maxExecutionsPerSecond"`
	MaxCodeSizeBytes       int     `yaml:"maxCodeSizeBytes"`
	MaxArgsSizeBytes       int     `yaml:"maxArgsSizeBytes"`
}

// Config is the full configuration surface.
type Config struct {
	SeedNodes      []string             `yaml:"seedNodes"`
	RoutingMode    RoutingMode          `yaml:"routingMode"`
	ConnectionPool ConnectionPoolConfig `yaml:"connectionPool"`
	Routing        RoutingConfig        `yaml:"routing"`
	Replication    ReplicationConfig    `yaml:"replication"`
	WriteAck       WriteAckConfig       `yaml:"writeAck"`
	Backpressure   BackpressureConfig   `yaml:"backpressure"`
	Processor      ProcessorConfig      `yaml:"processor"`
	DebugEndpoints bool                 `yaml:"debugEndpoints"`
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		RoutingMode: RoutingDirect,
		ConnectionPool: ConnectionPoolConfig{
			MaxConnectionsPerNode: 1,
			ConnectionTimeout:     5 * time.Second,
			HealthCheckInterval:   10 * time.Second,
			ReconnectDelay:        200 * time.Millisecond,
			MaxReconnectDelay:     10 * time.Second,
			MaxReconnectAttempts:  8,
		},
		Routing: RoutingConfig{
			FallbackMode:       FallbackForward,
			MapRefreshInterval: 30 * time.Second,
			MaxMapStaleness:    60 * time.Second,
		},
		Replication: ReplicationConfig{
			DefaultConsistency: ConsistencyQuorum,
			QueueSizeLimit:     10000,
			BatchSize:          100,
			BatchInterval:      50 * time.Millisecond,
			AckTimeout:         5 * time.Second,
			MaxRetries:         3,
		},
		WriteAck: WriteAckConfig{DefaultTimeout: 5 * time.Second},
		Backpressure: BackpressureConfig{
			MaxPendingOps: 1000,
			Strategy:      BackpressureThrow,
		},
		Processor: ProcessorConfig{
			MaxExecutionsPerSecond: 100,
			MaxCodeSizeBytes:       10 * 1024,
			MaxArgsSizeBytes:       1024 * 1024,
		},
	}
}

// Parse unmarshals yaml-encoded config, overlaying it onto Default().
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations with undefined enum values.
func (c Config) Validate() error {
	switch c.RoutingMode {
	case RoutingDirect, RoutingForward, "":
	default:
		return fmt.Errorf("config: unknown routingMode %q", c.RoutingMode)
	}
	switch c.Routing.FallbackMode {
	case FallbackForward, FallbackError, "":
	default:
		return fmt.Errorf("config: unknown routing.fallbackMode %q", c.Routing.FallbackMode)
	}
	switch c.Replication.DefaultConsistency {
	case ConsistencyStrong, ConsistencyQuorum, ConsistencyEventual, "":
	default:
		return fmt.Errorf("config: unknown replication.defaultConsistency %q", c.Replication.DefaultConsistency)
	}
	switch c.Backpressure.Strategy {
	case BackpressureBlock, BackpressureDrop, BackpressureThrow, "":
	default:
		return fmt.Errorf("config: unknown backpressure.strategy %q", c.Backpressure.Strategy)
	}
	return nil
}
