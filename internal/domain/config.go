package domain

import "time"

// Config holds the complete Deal Brain coordinator configuration. The
// valuation core packages (conditions, actions, formula, rules, hydrator)
// take no configuration at all; Config only governs the Coordinator's
// persistence/cache/bus collaborators.
type Config struct {
	// Scale selects the deployment profile.
	Scale ScaleProfile `json:"scale"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`

	Worker WorkerConfig `json:"worker"`
}

// ScaleProfile names a deployment profile: single-process self-hosted vs.
// a multi-worker, externally-backed deployment.
type ScaleProfile string

const (
	// ScaleDefault is a single process: sqlite + in-process channel bus +
	// in-memory LRU cache.
	ScaleDefault ScaleProfile = "default"

	// ScaleDistributed is multi-worker: postgres + NATS + Redis L2 cache.
	ScaleDistributed ScaleProfile = "distributed"
)

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp
	Endpoint     string `json:"endpoint"`
}

// WorkerConfig controls the background recompute job pool (§5).
type WorkerConfig struct {
	// Workers is the number of concurrent listing evaluators within one
	// batch.
	Workers int `json:"workers"`

	// BatchSize is the number of listings processed per transaction batch.
	BatchSize int `json:"batchSize"`

	// SingleListingTimeout holds a soft timeout for request-path
	// recomputes. No code reads it: a single-listing evaluation always runs
	// to completion, is never deferred to the background queue, and no
	// stale flag is returned.
	SingleListingTimeout time.Duration `json:"singleListingTimeout"`

	// FormulaTimeout is the Formula Sandbox's hard wall-time cap (§4.3).
	FormulaTimeout time.Duration `json:"formulaTimeout"`
}

// DefaultConfig returns the single-process configuration: sqlite + channel
// bus + in-memory cache.
func DefaultConfig() *Config {
	return &Config{
		Scale: ScaleDefault,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./dealbrain.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "dealbrain-core",
		},
		Worker: WorkerConfig{
			Workers:              5,
			BatchSize:            200,
			SingleListingTimeout: 2 * time.Second,
			FormulaTimeout:       100 * time.Millisecond,
		},
	}
}

// DistributedConfig returns the multi-worker configuration: postgres + NATS
// + Redis-backed two-phase cache.
func DistributedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Scale = ScaleDistributed
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "dealbrain",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
