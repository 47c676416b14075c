package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/nimbus-cloud/nimbusfs/pkg/paths"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are derived from the storage root
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applyTimeoutsDefaults(&cfg.Timeouts)
	applyMappingDefaults(&cfg.Mapping, cfg.Storage.Root)
	applyCacheDefaults(&cfg.Cache)
	applyParallelDefaults(&cfg.Parallel)
	applyTrashDefaults(&cfg.Trash)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets engine-wide defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyStorageDefaults sets the storage root default.
func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Root == "" {
		cfg.Root = "/var/lib/nimbusfs/storage"
	}
}

// applyTimeoutsDefaults sets the per-class budget defaults.
func applyTimeoutsDefaults(cfg *TimeoutsConfig) {
	if cfg.FileWrite == 0 {
		cfg.FileWrite = 10 * time.Second
	}
	if cfg.DirOp == 0 {
		cfg.DirOp = 5 * time.Second
	}
	if cfg.IO == 0 {
		cfg.IO = 30 * time.Second
	}
}

// applyMappingDefaults sets mapping table defaults. Backend paths default to
// locations under the storage root so a bare config stays self-contained.
func applyMappingDefaults(cfg *MappingConfig, root string) {
	if cfg.Type == "" {
		cfg.Type = "file"
	}

	if cfg.File == nil {
		cfg.File = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	if _, ok := cfg.File["path"]; !ok && root != "" {
		cfg.File["path"] = filepath.Join(root, paths.InternalDirName, "mapping.nbm")
	}
	if _, ok := cfg.Badger["path"]; !ok && root != "" {
		cfg.Badger["path"] = filepath.Join(root, paths.InternalDirName, "mapping-badger")
	}
}

// applyCacheDefaults sets cache sizing defaults.
func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.MetadataEntries == 0 {
		cfg.MetadataEntries = 10000
	}
}

// applyParallelDefaults sets chunked I/O defaults.
func applyParallelDefaults(cfg *ParallelConfig) {
	if cfg.ThresholdBytes == 0 {
		cfg.ThresholdBytes = 8 * 1024 * 1024 // 8MB
	}
	if cfg.ChunkSizeBytes == 0 {
		cfg.ChunkSizeBytes = 1024 * 1024 // 1MB
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
}

// applyTrashDefaults sets retention and sweeper defaults.
func applyTrashDefaults(cfg *TrashConfig) {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 30
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.SweepConcurrency == 0 {
		cfg.SweepConcurrency = 4
	}
	if cfg.SweepItemTimeout == 0 {
		cfg.SweepItemTimeout = 30 * time.Second
	}
	if cfg.SweepRate == 0 {
		cfg.SweepRate = 50
	}
	if cfg.SweepOrphanGrace == 0 {
		cfg.SweepOrphanGrace = 24 * time.Hour
	}
}
