package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mapfs/mapfs/internal/bytesize"
)

// Config represents the mapfs daemon configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (MAPFS_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Cache configures the shared page cache
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Device configures the backing sector device
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// Flusher configures background writeback
	Flusher FlusherConfig `mapstructure:"flusher" yaml:"flusher"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// CacheConfig configures the page cache shared by all targets.
type CacheConfig struct {
	// PageSize is the cache granularity. Must be a power of two and at
	// least the device block size.
	// Default: 4Ki
	PageSize bytesize.ByteSize `mapstructure:"page_size" yaml:"page_size"`

	// MaxSize bounds total cache memory; page allocation beyond it
	// fails. Zero means unbounded.
	// Default: 256Mi
	MaxSize bytesize.ByteSize `mapstructure:"max_size" yaml:"max_size"`

	// BlockSize is the filesystem block size presented to targets.
	// Must be a power of two no larger than PageSize.
	// Default: equal to PageSize
	BlockSize bytesize.ByteSize `mapstructure:"block_size" yaml:"block_size"`
}

// DeviceConfig configures the sector device writeback lands on.
type DeviceConfig struct {
	// Type selects the device implementation
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type"`

	// Path is the data directory for persistent device types
	Path string `mapstructure:"path" yaml:"path"`

	// Size is the device capacity
	// Default: 1Gi
	Size bytesize.ByteSize `mapstructure:"size" yaml:"size"`
}

// FlusherConfig configures background writeback.
type FlusherConfig struct {
	// Interval between periodic sweeps of dirty targets
	// Default: 30s
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// QueueSize is the maximum number of queued flush requests
	// Default: 1024
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`

	// Workers is the number of concurrent flush workers
	// Default: 2
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// MetricsConfig contains Prometheus metrics server configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected and served
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddress is the metrics HTTP listen address
	// Default: ":9090"
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// Load reads configuration from the given path, or from the default
// search locations when path is empty, layering environment variables
// and defaults per the precedence order documented on Config.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the configuration to path as YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config
// file settings. Environment variables use the MAPFS_ prefix:
// MAPFS_LOGGING_LEVEL=DEBUG overrides logging.level.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("MAPFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing
// file is not an error; the defaults apply.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom
// types: ByteSize and time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to
// bytesize.ByteSize, so config files can say "1Gi", "500Mi" or plain
// numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration, so config
// files can say "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *Config) error {
	switch strings.ToUpper(cfg.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level: invalid level %q", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: invalid format %q", cfg.Logging.Format)
	}

	ps := cfg.Cache.PageSize.Uint64()
	bs := cfg.Cache.BlockSize.Uint64()
	if ps == 0 || ps&(ps-1) != 0 {
		return fmt.Errorf("cache.page_size: %d is not a power of two", ps)
	}
	if bs == 0 || bs&(bs-1) != 0 {
		return fmt.Errorf("cache.block_size: %d is not a power of two", bs)
	}
	if bs > ps {
		return fmt.Errorf("cache.block_size %d exceeds cache.page_size %d", bs, ps)
	}

	switch strings.ToLower(cfg.Device.Type) {
	case "memory":
	case "badger":
		if cfg.Device.Path == "" {
			return fmt.Errorf("device.path: required for device.type badger")
		}
	default:
		return fmt.Errorf("device.type: invalid type %q", cfg.Device.Type)
	}
	if cfg.Device.Size == 0 {
		return fmt.Errorf("device.size: must be positive")
	}

	if cfg.Flusher.Interval <= 0 {
		return fmt.Errorf("flusher.interval: must be positive")
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to
// the current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "mapfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mapfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
