package domain

import "time"

// Config holds the complete Kestrel process configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Engine is the risk engine calibration. Immutable after load.
	Engine *EngineConfig `yaml:"-"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Batch      BatchConfig      `yaml:"batch"`

	// StreamWorker enables the event-bus evaluation worker
	StreamWorker bool `yaml:"stream_worker"`

	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// BatchConfig holds batch runner settings.
type BatchConfig struct {
	Workers int  `yaml:"workers"`
	Strict  bool `yaml:"strict"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration: SQLite audit log,
// in-memory result cache, channel event bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxBodyBytes: 16 << 20,
		},
		Engine: DefaultEngineConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			ResultTTL:    10 * time.Minute,
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			SubjectPrefix:     "kestrel",
		},
		Batch: BatchConfig{
			Workers: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
