// Package config defines the engine configuration and loads it from a
// YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mizudb/mizu/pkg/logger"
	"github.com/mizudb/mizu/pkg/telemetry"
)

// Config is the full engine configuration.
type Config struct {
	// DataFile is the path of the database file.
	DataFile string `yaml:"data_file"`
	// PageSize is the on-disk page size in bytes.
	PageSize int `yaml:"page_size"`
	// PoolSize is the number of frames per buffer pool instance.
	PoolSize int `yaml:"pool_size"`
	// NumInstances is the number of buffer pool shards.
	NumInstances int `yaml:"num_instances"`

	WAL       WALConfig        `yaml:"wal"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// WALConfig configures the write-ahead log sink.
type WALConfig struct {
	// Dir is the directory log segments are written to.
	Dir string `yaml:"dir"`
	// BufferSize is the in-memory log buffer's high-water mark in bytes.
	BufferSize int `yaml:"buffer_size"`
}

// Default returns the engine's stock configuration.
func Default() Config {
	return Config{
		DataFile:     "mizu.db",
		PageSize:     4096,
		PoolSize:     10,
		NumInstances: 1,
		WAL: WALConfig{
			Dir:        "wal",
			BufferSize: 1 << 16,
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.NumInstances <= 0 {
		return fmt.Errorf("num_instances must be positive, got %d", c.NumInstances)
	}
	if c.WAL.BufferSize <= 0 {
		return fmt.Errorf("wal buffer_size must be positive, got %d", c.WAL.BufferSize)
	}
	return nil
}
