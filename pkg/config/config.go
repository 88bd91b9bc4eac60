// Package config loads and validates application configuration from a
// YAML file with environment-variable overrides. It provides typed
// structs for every subsystem (Server, Engine, Search, Sources,
// Watcher, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Search  SearchConfig  `yaml:"search"`
	Sources SourcesConfig `yaml:"sources"`
	Watcher WatcherConfig `yaml:"watcher"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// EngineConfig controls index build concurrency and the result cache.
type EngineConfig struct {
	// BuildWorkers bounds the background build pool. Index building is
	// disk I/O plus light CPU; a small pool keeps one hot collection
	// from starving the rest. 0 means derive from GOMAXPROCS,
	// clamped to [2,4].
	BuildWorkers int `yaml:"buildWorkers"`
	// BuildQueueSize is the buffered depth of the build queue before
	// submissions spill onto dedicated goroutines.
	BuildQueueSize int `yaml:"buildQueueSize"`
	// ReadyGrace is how long a search waits for an in-flight build
	// before answering ready=false.
	ReadyGrace time.Duration `yaml:"readyGrace"`
	// CacheCapacity bounds the per-process search result cache.
	CacheCapacity int `yaml:"cacheCapacity"`
}

// SearchConfig controls query result limits.
type SearchConfig struct {
	DefaultLimit int `yaml:"defaultLimit"`
	MaxResults   int `yaml:"maxResults"`
}

// SourcesConfig locates the conversation export collections on disk.
// Each immediate subdirectory of Root is one searchable collection.
type SourcesConfig struct {
	Root string `yaml:"root"`
}

// WatcherConfig controls the export-folder change watcher.
type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies
// environment-variable overrides. It returns a Config populated with
// sensible defaults for any missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Search.DefaultLimit < 1 || c.Search.DefaultLimit > c.Search.MaxResults {
		return fmt.Errorf("search.defaultLimit %d must be in [1,%d]", c.Search.DefaultLimit, c.Search.MaxResults)
	}
	if c.Engine.CacheCapacity < 0 {
		return fmt.Errorf("engine.cacheCapacity must not be negative")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Engine: EngineConfig{
			BuildWorkers:   0,
			BuildQueueSize: 64,
			ReadyGrace:     250 * time.Millisecond,
			CacheCapacity:  256,
		},
		Search: SearchConfig{
			DefaultLimit: 50,
			MaxResults:   200,
		},
		Sources: SourcesConfig{
			Root: "data",
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads CS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CS_SOURCES_ROOT"); v != "" {
		cfg.Sources.Root = v
	}
	if v := os.Getenv("CS_ENGINE_BUILD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.BuildWorkers = n
		}
	}
	if v := os.Getenv("CS_ENGINE_READY_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.ReadyGrace = d
		}
	}
	if v := os.Getenv("CS_SEARCH_DEFAULT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Search.DefaultLimit = n
		}
	}
	if v := os.Getenv("CS_WATCHER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Watcher.Enabled = b
		}
	}
	if v := os.Getenv("CS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
