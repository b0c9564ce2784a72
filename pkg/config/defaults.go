package config

import (
	"strings"
	"time"

	"github.com/mapfs/mapfs/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyCacheDefaults(&cfg.Cache)
	applyDeviceDefaults(&cfg.Device)
	applyFlusherDefaults(&cfg.Flusher)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyCacheDefaults sets page cache defaults.
func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.PageSize == 0 {
		cfg.PageSize = 4 * bytesize.KiB
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 256 * bytesize.MiB
	}
	// Block size defaults to the cache granularity; smaller values
	// enable sub-page validity tracking.
	if cfg.BlockSize == 0 {
		cfg.BlockSize = cfg.PageSize
	}
}

// applyDeviceDefaults sets sector device defaults.
func applyDeviceDefaults(cfg *DeviceConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	cfg.Type = strings.ToLower(cfg.Type)

	if cfg.Size == 0 {
		cfg.Size = bytesize.GiB
	}
}

// applyFlusherDefaults sets background writeback defaults.
func applyFlusherDefaults(cfg *FlusherConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	if cfg.Enabled && cfg.ListenAddress == "" {
		cfg.ListenAddress = ":9090"
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
