// Package config loads chronograph configuration from YAML files and
// environment variables via viper. Precedence: defaults, then file, then
// CHRONOGRAPH_*-style environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a chronograph client.
type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	Store         StoreConfig         `mapstructure:"store"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Resolver      ResolverConfig      `mapstructure:"resolver"`
	Contradiction ContradictionConfig `mapstructure:"contradiction"`
	Query         QueryConfig         `mapstructure:"query"`
	Breaker       BreakerConfig       `mapstructure:"circuit_breaker"`

	// OpTimeout bounds each store or embedder call during ingestion.
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // badger, neo4j
	// Path is the badger data directory.
	Path string `mapstructure:"path"`
	// URI, credentials and database apply to the neo4j driver.
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// EmbeddingConfig holds embedding provider configuration.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"` // openai, local, none
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"`
}

// ResolverConfig holds entity resolution configuration.
type ResolverConfig struct {
	MergeThreshold float64     `mapstructure:"merge_threshold"`
	MergeStrategy  string      `mapstructure:"merge_strategy"` // prefer_new, prefer_existing
	Retry          RetryConfig `mapstructure:"retry"`
}

// RetryConfig holds retry policy settings for transient failures.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// ContradictionConfig holds contradiction handling configuration.
type ContradictionConfig struct {
	DefaultPolicy string `mapstructure:"default_policy"` // newest_wins, confidence_wins, manual
	// RulesPath points at the YAML type-pair exclusion table.
	RulesPath string `mapstructure:"rules_path"`
}

// QueryConfig holds query engine configuration.
type QueryConfig struct {
	OverfetchFactor   int `mapstructure:"overfetch_factor"`
	MaxTraversalDepth int `mapstructure:"max_traversal_depth"`
}

// BreakerConfig holds circuit breaker settings for the embedder.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ReadyToTripRatio float64       `mapstructure:"ready_to_trip_ratio"`
}

// Load reads configuration: defaults, then the file at path (optional, pass
// "" to skip), then environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config %q: %w", path, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	config := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(config)
	return config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("store.driver", "badger")
	v.SetDefault("store.path", "./chronograph_db")

	v.SetDefault("embedding.provider", "none")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 100)

	v.SetDefault("resolver.merge_threshold", 0.80)
	v.SetDefault("resolver.merge_strategy", "prefer_new")
	v.SetDefault("resolver.retry.max_attempts", 3)
	v.SetDefault("resolver.retry.initial_interval", "200ms")
	v.SetDefault("resolver.retry.max_interval", "5s")
	v.SetDefault("resolver.retry.multiplier", 2.0)

	v.SetDefault("contradiction.default_policy", "newest_wins")

	v.SetDefault("query.overfetch_factor", 5)
	v.SetDefault("query.max_traversal_depth", 6)

	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.timeout", "30s")
	v.SetDefault("circuit_breaker.ready_to_trip_ratio", 0.6)

	v.SetDefault("op_timeout", "30s")
}

func overrideWithEnv(config *Config) {
	if driver := os.Getenv("CHRONOGRAPH_STORE_DRIVER"); driver != "" {
		config.Store.Driver = driver
	}
	if path := os.Getenv("CHRONOGRAPH_STORE_PATH"); path != "" {
		config.Store.Path = path
	}
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		config.Store.URI = uri
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		config.Store.Username = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		config.Store.Password = pass
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.Embedding.APIKey = apiKey
	}
	if baseURL := os.Getenv("CHRONOGRAPH_EMBEDDING_BASE_URL"); baseURL != "" {
		config.Embedding.BaseURL = baseURL
	}
	if policy := os.Getenv("CHRONOGRAPH_CONTRADICTION_POLICY"); policy != "" {
		config.Contradiction.DefaultPolicy = policy
	}
	if level := os.Getenv("CHRONOGRAPH_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Resolver.MergeThreshold <= 0 || c.Resolver.MergeThreshold > 1 {
		return fmt.Errorf("resolver.merge_threshold %v outside (0,1]", c.Resolver.MergeThreshold)
	}
	switch c.Resolver.MergeStrategy {
	case "prefer_new", "prefer_existing":
	default:
		return fmt.Errorf("unknown resolver.merge_strategy %q", c.Resolver.MergeStrategy)
	}
	switch c.Contradiction.DefaultPolicy {
	case "newest_wins", "confidence_wins", "manual":
	default:
		return fmt.Errorf("unknown contradiction.default_policy %q", c.Contradiction.DefaultPolicy)
	}
	if c.Query.OverfetchFactor < 1 {
		return fmt.Errorf("query.overfetch_factor %d must be >= 1", c.Query.OverfetchFactor)
	}
	if c.Query.MaxTraversalDepth < 1 {
		return fmt.Errorf("query.max_traversal_depth %d must be >= 1", c.Query.MaxTraversalDepth)
	}
	switch c.Store.Driver {
	case "badger", "neo4j":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Embedding.Provider {
	case "openai", "local", "none":
	default:
		return fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider)
	}
	return nil
}
