package domain

import "time"

// Config holds the complete Perch configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Classification settings shared by every strategy
	Classification ClassificationConfig `json:"classification"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Scheduler  SchedulerConfig  `json:"scheduler"`

	// DatasetPath is a reservations CSV imported at startup when set.
	DatasetPath string `json:"datasetPath"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// StrategyKind selects the classification strategy.
type StrategyKind string

const (
	// StrategyWindow compares one windowed visit count against rule thresholds.
	StrategyWindow StrategyKind = "window"

	// StrategyExpression evaluates ordered CEL expressions per tier.
	StrategyExpression StrategyKind = "expression"
)

// MaxWindowMonths bounds classification windows and report ranges.
const MaxWindowMonths = 1200

// ClassificationConfig holds classification settings.
type ClassificationConfig struct {
	Strategy     StrategyKind `json:"strategy"`
	WindowMonths int          `json:"windowMonths"`
	UniquePerDay bool         `json:"uniquePerDay"`

	// RulesFile is an optional YAML file with rules and tier expressions.
	RulesFile string `json:"rulesFile"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// SchedulerConfig holds periodic reclassification settings.
type SchedulerConfig struct {
	Enabled bool   `json:"enabled"`
	Spec    string `json:"spec"` // standard 5-field cron spec
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultConfig returns the default single-operator configuration:
// in-process SQLite, LRU cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Classification: ClassificationConfig{
			Strategy:     StrategyWindow,
			WindowMonths: 3,
			UniquePerDay: true,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: ":memory:",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
			ReportTTL:    10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
			Spec:    "5 0 * * *", // shortly after midnight, when as-of moves
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "perch",
		},
	}
}
