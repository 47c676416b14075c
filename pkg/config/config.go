package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete NimbusFS storage engine configuration.
//
// This structure captures all configurable aspects of the engine including:
//   - Logging configuration
//   - Storage root location
//   - Filesystem operation timeout budgets
//   - Mapping table selection and configuration (backend-specific)
//   - Metadata cache and buffer pool sizing
//   - Parallel file processing
//   - Trash retention and background cleanup
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (NIMBUSFS_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Mapping Backend Pattern:
// Each mapping table backend defines its own configuration shape. The Config
// struct contains backend-specific sections (mapping.file, mapping.badger)
// and only the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains engine-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Storage locates the storage root
	Storage StorageConfig `mapstructure:"storage"`

	// Timeouts contains the per-class filesystem operation budgets
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`

	// Mapping specifies the mapping table backend and its configuration
	Mapping MappingConfig `mapstructure:"mapping"`

	// Cache sizes the metadata cache
	Cache CacheConfig `mapstructure:"cache"`

	// Parallel tunes chunked parallel file I/O
	Parallel ParallelConfig `mapstructure:"parallel"`

	// Trash controls retention and background cleanup
	Trash TrashConfig `mapstructure:"trash"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains engine-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// StorageConfig locates the storage root directory.
type StorageConfig struct {
	// Root is the absolute path of the storage root. Everything the engine
	// manages, including the trash area, lives beneath it.
	Root string `mapstructure:"root" validate:"required"`
}

// TimeoutsConfig contains the timeout budgets for filesystem primitives.
//
// A zero value selects the built-in default for that class. Timed-out
// operations may still have happened; the budgets bound waiting, not effects.
type TimeoutsConfig struct {
	// FileWrite bounds atomic file writes (default: 10s)
	FileWrite time.Duration `mapstructure:"file_write"`

	// DirOp bounds directory creation, renames and removals (default: 5s)
	DirOp time.Duration `mapstructure:"dir_op"`

	// IO bounds everything else (reads, scans; default: 30s)
	IO time.Duration `mapstructure:"io"`
}

// MappingConfig specifies the mapping table backend.
//
// The Type field determines which backend is used. Only the corresponding
// backend-specific section is consulted.
type MappingConfig struct {
	// Type specifies which mapping table backend to use
	// Valid values: file, badger
	Type string `mapstructure:"type" validate:"required,oneof=file badger"`

	// File contains file-arena-specific configuration
	// Only used when Type = "file"
	File map[string]any `mapstructure:"file"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// CompactEvery triggers table compaction after this many appends.
	// Zero selects the default; negative disables compaction.
	CompactEvery int `mapstructure:"compact_every"`
}

// CacheConfig sizes the in-memory caches.
type CacheConfig struct {
	// MetadataEntries is the LRU capacity of the metadata cache
	MetadataEntries int `mapstructure:"metadata_entries" validate:"gte=0"`
}

// ParallelConfig tunes the chunked parallel file processor.
type ParallelConfig struct {
	// ThresholdBytes is the size at which files switch to chunked I/O
	ThresholdBytes int64 `mapstructure:"threshold_bytes" validate:"gte=0"`

	// ChunkSizeBytes is the size of each chunk
	ChunkSizeBytes int64 `mapstructure:"chunk_size_bytes" validate:"gte=0"`

	// Workers is the number of concurrent chunk workers
	Workers int `mapstructure:"workers" validate:"gte=0"`
}

// TrashConfig controls trash retention and the background sweeper.
type TrashConfig struct {
	// RetentionDays is how long trashed items are kept before they become
	// purgeable (default: 30)
	RetentionDays int `mapstructure:"retention_days" validate:"gte=1"`

	// SweepEnabled turns the background cleanup sweeper on
	SweepEnabled bool `mapstructure:"sweep_enabled"`

	// SweepInterval is how often the sweeper scans for expired items
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// SweepConcurrency is how many items the sweeper purges in parallel
	SweepConcurrency int `mapstructure:"sweep_concurrency" validate:"gte=0"`

	// SweepItemTimeout bounds each individual purge
	SweepItemTimeout time.Duration `mapstructure:"sweep_item_timeout"`

	// SweepRate caps sweeper purges per second
	SweepRate float64 `mapstructure:"sweep_rate" validate:"gte=0"`

	// SweepDryRun logs what would be purged without deleting
	SweepDryRun bool `mapstructure:"sweep_dry_run"`

	// SweepOrphanGrace is how old a half-trashed directory must be before
	// the sweeper reclaims it
	SweepOrphanGrace time.Duration `mapstructure:"sweep_orphan_grace"`
}

// Retention returns the configured retention as a duration.
func (c *TrashConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (NIMBUSFS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the NIMBUSFS_ prefix and underscores.
	// Example: NIMBUSFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("NIMBUSFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/nimbusfs/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "nimbusfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "nimbusfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
