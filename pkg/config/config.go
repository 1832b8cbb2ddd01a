// Package config loads hashleaf's single YAML configuration file into a
// Config nesting the logger, telemetry, and engine tuning knobs, using
// the same `yaml:"..."` tagged struct style as pkg/logger and
// pkg/telemetry's own Config types.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hashleaf/hashleaf/internal/engine"
	"github.com/hashleaf/hashleaf/pkg/logger"
	"github.com/hashleaf/hashleaf/pkg/telemetry"
)

// Config is the top-level shape of the YAML configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Engine    EngineConfig     `yaml:"engine"`
}

// EngineConfig mirrors internal/engine.Config with YAML tags and
// string-friendly durations, since engine.Config is meant to be
// constructed by embedders directly in Go and has no yaml tags of its own.
type EngineConfig struct {
	DataDir string `yaml:"data_dir"`

	MaxKeysPerNode int `yaml:"max_keys_per_node"`
	MaxCacheSize   int `yaml:"max_cache_size"`

	WriterQueueSize    int           `yaml:"writer_queue_size"`
	WriterBatchSize    int           `yaml:"writer_batch_size"`
	WriterBatchTimeout time.Duration `yaml:"writer_batch_timeout"`
	WriterWorkers      int           `yaml:"writer_workers"`

	SchedulerWorkers int `yaml:"scheduler_workers"`

	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	WALSizeThreshold   int64         `yaml:"wal_size_threshold"`
	DirtyPageThreshold int           `yaml:"dirty_page_threshold"`
	WALBufferSize      int           `yaml:"wal_buffer_size"`
}

// ToEngineConfig converts the YAML-shaped EngineConfig into
// internal/engine.Config.
func (c EngineConfig) ToEngineConfig() engine.Config {
	return engine.Config{
		DataDir:            c.DataDir,
		MaxKeysPerNode:     c.MaxKeysPerNode,
		MaxCacheSize:       c.MaxCacheSize,
		WriterQueueSize:    c.WriterQueueSize,
		WriterBatchSize:    c.WriterBatchSize,
		WriterBatchTimeout: c.WriterBatchTimeout,
		WriterWorkers:      c.WriterWorkers,
		SchedulerWorkers:   c.SchedulerWorkers,
		CheckpointInterval: c.CheckpointInterval,
		WALSizeThreshold:   c.WALSizeThreshold,
		DirtyPageThreshold: c.DirtyPageThreshold,
		WALBufferSize:      c.WALBufferSize,
	}
}

// Default returns a Config with every subsystem's documented defaults,
// suitable as a starting point before overlaying a YAML file.
func Default() Config {
	d := engine.DefaultConfig()
	return Config{
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "hashleaf",
			PrometheusPort:   9090,
			TraceSampleRatio: 1.0,
		},
		Engine: EngineConfig{
			DataDir:            "./data",
			MaxKeysPerNode:     d.MaxKeysPerNode,
			MaxCacheSize:       d.MaxCacheSize,
			WriterQueueSize:    d.WriterQueueSize,
			WriterBatchSize:    d.WriterBatchSize,
			WriterBatchTimeout: d.WriterBatchTimeout,
			WriterWorkers:      d.WriterWorkers,
			SchedulerWorkers:   d.SchedulerWorkers,
			CheckpointInterval: d.CheckpointInterval,
			WALSizeThreshold:   d.WALSizeThreshold,
			DirtyPageThreshold: d.DirtyPageThreshold,
			WALBufferSize:      d.WALBufferSize,
		},
	}
}

// Load reads path, overlaying its contents onto Default() so a config file
// only needs to specify the fields it wants to override.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
