package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"dupcheck/internal/pkg/fingerprint"
)

// Queue backends accepted by QUEUE_BACKEND.
const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Holds all the configuration fields for the duplicate-check service.
type Config struct {
	// Basic server settings
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	// Similarity settings. Read-only after startup.
	Threshold        int `mapstructure:"THRESHOLD"`
	FingerprintWidth int `mapstructure:"FINGERPRINT_WIDTH"`
	IndexBlocks      int `mapstructure:"INDEX_BLOCKS"` // 0 derives threshold+1

	// Durable log
	DataDir                  string        `mapstructure:"DATA_DIR"`
	AppendTimeout            time.Duration `mapstructure:"APPEND_TIMEOUT"`
	CompactionInterval       time.Duration `mapstructure:"COMPACTION_INTERVAL"`
	CompactionLogBytes       int64         `mapstructure:"COMPACTION_LOG_BYTES"`
	SnapshotCompressionLevel int           `mapstructure:"SNAPSHOT_COMPRESSION_LEVEL"` // 0 disables compression

	// Async jobs
	QueueBackend  string        `mapstructure:"QUEUE_BACKEND"`
	QueueCapacity int           `mapstructure:"QUEUE_CAPACITY"`
	NumWorkers    int           `mapstructure:"NUM_WORKERS"`
	ResultTTL     time.Duration `mapstructure:"RESULT_TTL"`

	// Redis config
	RedisHost      string `mapstructure:"REDIS_HOST"`
	RedisPort      string `mapstructure:"REDIS_PORT"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	// HTTP rate limit; 0 disables it.
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

// Initializes Viper and unmarshals config into our Config struct.
// Values come from defaults, then the optional config file, then the
// environment.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("THRESHOLD", 8)
	v.SetDefault("FINGERPRINT_WIDTH", 64)
	v.SetDefault("INDEX_BLOCKS", 0)

	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("APPEND_TIMEOUT", 5*time.Second)
	v.SetDefault("COMPACTION_INTERVAL", 10*time.Minute)
	v.SetDefault("COMPACTION_LOG_BYTES", 64<<20)
	v.SetDefault("SNAPSHOT_COMPRESSION_LEVEL", 3)

	v.SetDefault("QUEUE_BACKEND", QueueBackendMemory)
	v.SetDefault("QUEUE_CAPACITY", 1000)
	v.SetDefault("NUM_WORKERS", 4)
	v.SetDefault("RESULT_TTL", time.Hour)

	// Redis defaults
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "dupcheck")

	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if err := fingerprint.ValidateWidth(c.FingerprintWidth); err != nil {
		errs = append(errs, fmt.Errorf("FINGERPRINT_WIDTH: %w", err))
	}
	if c.Threshold < 0 {
		errs = append(errs, fmt.Errorf("THRESHOLD must be non-negative, got %d", c.Threshold))
	}
	if c.IndexBlocks < 0 || (c.FingerprintWidth > 0 && c.IndexBlocks > c.FingerprintWidth) {
		errs = append(errs, fmt.Errorf("INDEX_BLOCKS must be between 0 and FINGERPRINT_WIDTH, got %d", c.IndexBlocks))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR must be set"))
	}
	if c.AppendTimeout < 0 || c.CompactionInterval < 0 || c.CompactionLogBytes < 0 {
		errs = append(errs, errors.New("APPEND_TIMEOUT, COMPACTION_INTERVAL and COMPACTION_LOG_BYTES must be non-negative"))
	}
	if c.SnapshotCompressionLevel < 0 || c.SnapshotCompressionLevel > 22 {
		errs = append(errs, fmt.Errorf("SNAPSHOT_COMPRESSION_LEVEL must be between 0 and 22, got %d", c.SnapshotCompressionLevel))
	}
	if c.QueueBackend != QueueBackendMemory && c.QueueBackend != QueueBackendRedis {
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendMemory, QueueBackendRedis, c.QueueBackend))
	}
	if c.QueueCapacity < 1 || c.NumWorkers < 1 {
		errs = append(errs, errors.New("QUEUE_CAPACITY and NUM_WORKERS must be positive"))
	}
	if c.RateLimitRPS < 0 || (c.RateLimitRPS > 0 && c.RateLimitBurst < 1) {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must be non-negative and RATE_LIMIT_BURST positive when limiting"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Blocks returns the number of index blocks, deriving threshold+1 (capped at
// the width) when INDEX_BLOCKS is unset.
func (c *Config) Blocks() int {
	if c.IndexBlocks > 0 {
		return c.IndexBlocks
	}
	return min(c.Threshold+1, c.FingerprintWidth)
}

// Returns the host:port of the Redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}
