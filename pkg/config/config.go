package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-identity.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3444"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional, shared embedding cache)
	Redis RedisConfig `yaml:"redis"`

	Resolution ResolutionConfig `yaml:"resolution"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_identity"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis connection settings. An empty Host disables Redis.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// ResolutionConfig holds the matching thresholds and request bounds.
type ResolutionConfig struct {
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" env:"RESOLUTION_FUZZY_THRESHOLD" env-default:"0.85"`
	// VectorThreshold of 0 means "same as the fuzzy threshold".
	VectorThreshold         float64 `yaml:"vector_threshold" env:"RESOLUTION_VECTOR_THRESHOLD" env-default:"0"`
	AutoMergeThreshold      float64 `yaml:"auto_merge_threshold" env:"RESOLUTION_AUTO_MERGE_THRESHOLD" env-default:"0.85"`
	EnableVectorSearch      bool    `yaml:"enable_vector_search" env:"RESOLUTION_ENABLE_VECTOR_SEARCH" env-default:"true"`
	AutoMergeHighConfidence bool    `yaml:"auto_merge_high_confidence" env:"RESOLUTION_AUTO_MERGE_HIGH_CONFIDENCE" env-default:"true"`

	DefaultBatchSize int `yaml:"default_batch_size" env:"RESOLUTION_DEFAULT_BATCH_SIZE" env-default:"50"`
	MaxBatchSize     int `yaml:"max_batch_size" env:"RESOLUTION_MAX_BATCH_SIZE" env-default:"100"`
	MaxNameLength    int `yaml:"max_name_length" env:"RESOLUTION_MAX_NAME_LENGTH" env-default:"255"`
	MaxSingleNames   int `yaml:"max_single_names" env:"RESOLUTION_MAX_SINGLE_NAMES" env-default:"100"`
	MaxBulkNames     int `yaml:"max_bulk_names" env:"RESOLUTION_MAX_BULK_NAMES" env-default:"1000"`
}

// EffectiveVectorThreshold returns VectorThreshold, or FuzzyThreshold when unset.
func (r ResolutionConfig) EffectiveVectorThreshold() float64 {
	if r.VectorThreshold == 0 {
		return r.FuzzyThreshold
	}
	return r.VectorThreshold
}

// EmbeddingConfig holds the OpenAI-compatible embedding provider settings.
// Vector search is only wired when BaseURL and Model are both set.
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url" env:"EMBEDDING_BASE_URL" env-default:""`
	Model      string        `yaml:"model" env:"EMBEDDING_MODEL" env-default:""`
	Dimensions int           `yaml:"dimensions" env:"EMBEDDING_DIMENSIONS" env-default:"384"`
	APIKey     string        `yaml:"-" env:"EMBEDDING_API_KEY"` // Secret - not in YAML
	Timeout    time.Duration `yaml:"timeout" env:"EMBEDDING_TIMEOUT" env-default:"10s"`

	CircuitThreshold int           `yaml:"circuit_threshold" env:"EMBEDDING_CIRCUIT_THRESHOLD" env-default:"5"`
	CircuitReset     time.Duration `yaml:"circuit_reset" env:"EMBEDDING_CIRCUIT_RESET" env-default:"30s"`
	MaxRetries       int           `yaml:"max_retries" env:"EMBEDDING_MAX_RETRIES" env-default:"2"`

	CacheBackend string        `yaml:"cache_backend" env:"EMBEDDING_CACHE_BACKEND" env-default:"memory"` // memory | redis
	CacheTTL     time.Duration `yaml:"cache_ttl" env:"EMBEDDING_CACHE_TTL" env-default:"1h"`
}

// IsAvailable returns true if an embedding provider is configured.
func (c *EmbeddingConfig) IsAvailable() bool {
	return c.BaseURL != "" && c.Model != ""
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Secrets (PGPASSWORD, REDIS_PASSWORD, EMBEDDING_API_KEY) must come from
// environment variables (yaml:"-" fields).
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	cfg.Database.Host = ResolveHostForDocker(cfg.Database.Host)
	cfg.Redis.Host = ResolveHostForDocker(cfg.Redis.Host)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate rejects thresholds outside [0,1] and non-positive bounds.
func (c *Config) Validate() error {
	r := c.Resolution
	var errs []error

	thresholds := []struct {
		name  string
		value float64
	}{
		{"resolution.fuzzy_threshold", r.FuzzyThreshold},
		{"resolution.vector_threshold", r.VectorThreshold},
		{"resolution.auto_merge_threshold", r.AutoMergeThreshold},
	}
	for _, t := range thresholds {
		if t.value < 0 || t.value > 1 {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 1, got %v", t.name, t.value))
		}
	}

	bounds := []struct {
		name  string
		value int
	}{
		{"resolution.default_batch_size", r.DefaultBatchSize},
		{"resolution.max_batch_size", r.MaxBatchSize},
		{"resolution.max_name_length", r.MaxNameLength},
		{"resolution.max_single_names", r.MaxSingleNames},
		{"resolution.max_bulk_names", r.MaxBulkNames},
	}
	for _, b := range bounds {
		if b.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", b.name, b.value))
		}
	}
	if r.DefaultBatchSize > r.MaxBatchSize {
		errs = append(errs, fmt.Errorf("resolution.default_batch_size (%d) exceeds max_batch_size (%d)", r.DefaultBatchSize, r.MaxBatchSize))
	}

	switch c.Embedding.CacheBackend {
	case "memory":
	case "redis":
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("embedding.cache_backend is redis but redis.host is not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("embedding.cache_backend must be memory or redis, got %q", c.Embedding.CacheBackend))
	}

	return errors.Join(errs...)
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
