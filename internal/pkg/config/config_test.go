package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	// Clear environment variables that might interfere.
	os.Clearenv()

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Check a few default values.
	if config.ServerPort != "8080" {
		t.Errorf("expected ServerPort to be '8080', got %s", config.ServerPort)
	}
	if config.Threshold != 8 {
		t.Errorf("expected Threshold to be 8, got %d", config.Threshold)
	}
	if config.FingerprintWidth != 64 {
		t.Errorf("expected FingerprintWidth to be 64, got %d", config.FingerprintWidth)
	}
	if config.AppendTimeout != 5*time.Second {
		t.Errorf("expected AppendTimeout to be 5s, got %s", config.AppendTimeout)
	}
	if config.QueueBackend != QueueBackendMemory {
		t.Errorf("expected QueueBackend to be %q, got %q", QueueBackendMemory, config.QueueBackend)
	}
	if config.LogLevel != "info" {
		t.Errorf("expected LogLevel to be 'info', got %s", config.LogLevel)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
	if config.Blocks() != 9 {
		t.Errorf("expected derived Blocks to be 9, got %d", config.Blocks())
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("THRESHOLD", "5")
	t.Setenv("COMPACTION_INTERVAL", "30s")
	t.Setenv("LOG_LEVEL", "debug")

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if config.ServerPort != "9090" {
		t.Errorf("expected ServerPort to be '9090', got %s", config.ServerPort)
	}
	if config.Threshold != 5 {
		t.Errorf("expected Threshold to be 5, got %d", config.Threshold)
	}
	if config.CompactionInterval != 30*time.Second {
		t.Errorf("expected CompactionInterval to be 30s, got %s", config.CompactionInterval)
	}
	if config.LogLevel != "debug" {
		t.Errorf("expected LogLevel to be 'debug', got %s", config.LogLevel)
	}
}

func TestLoadConfigFile(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), "dupcheck.yaml")
	content := "THRESHOLD: 3\nFINGERPRINT_WIDTH: 128\nQUEUE_BACKEND: redis\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("THRESHOLD", "4")
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if config.FingerprintWidth != 128 {
		t.Errorf("expected FingerprintWidth from file to be 128, got %d", config.FingerprintWidth)
	}
	if config.QueueBackend != QueueBackendRedis {
		t.Errorf("expected QueueBackend from file to be redis, got %s", config.QueueBackend)
	}
	if config.Threshold != 4 {
		t.Errorf("expected environment to override file, got threshold %d", config.Threshold)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	os.Clearenv()
	base, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	cases := map[string]func(c *Config){
		"width not a multiple of 8": func(c *Config) { c.FingerprintWidth = 60 },
		"negative threshold":        func(c *Config) { c.Threshold = -1 },
		"too many blocks":           func(c *Config) { c.IndexBlocks = 65 },
		"unknown queue backend":     func(c *Config) { c.QueueBackend = "kafka" },
		"no workers":                func(c *Config) { c.NumWorkers = 0 },
		"compression level":         func(c *Config) { c.SnapshotCompressionLevel = 23 },
		"empty data dir":            func(c *Config) { c.DataDir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestBlocks(t *testing.T) {
	c := Config{Threshold: 100, FingerprintWidth: 64}
	if c.Blocks() != 64 {
		t.Errorf("expected blocks capped at width, got %d", c.Blocks())
	}
	c.IndexBlocks = 4
	if c.Blocks() != 4 {
		t.Errorf("expected explicit blocks, got %d", c.Blocks())
	}
}
