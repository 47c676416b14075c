package config

import (
	"fmt"
	"path/filepath"

	"github.com/mitchellh/mapstructure"

	"github.com/nimbus-cloud/nimbusfs/pkg/chunkio"
	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
	"github.com/nimbus-cloud/nimbusfs/pkg/safeio"
	"github.com/nimbus-cloud/nimbusfs/pkg/sweeper"
)

// CreateMappingTable creates a mapping table based on configuration.
//
// This factory function uses the Type field to determine which backend to
// create, then decodes the backend-specific configuration from the
// corresponding map and passes it to the backend's constructor.
//
// Supported types:
//   - "file": append-only file arena (default)
//   - "badger": BadgerDB-backed table
//
// Parameters:
//   - cfg: Mapping table configuration
//   - fsx: Filesystem safety layer, used by the file arena for compaction
//
// Returns:
//   - idmap.Table: Initialized mapping table
//   - error: Configuration or initialization error
func CreateMappingTable(cfg *MappingConfig, fsx *safeio.FS) (idmap.Table, error) {
	switch cfg.Type {
	case "file":
		return createFileTable(cfg.File, fsx)
	case "badger":
		return createBadgerTable(cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown mapping table type: %q", cfg.Type)
	}
}

// createFileTable creates the append-only file arena backend.
func createFileTable(options map[string]any, fsx *safeio.FS) (idmap.Table, error) {
	type FileTableConfig struct {
		Path string `mapstructure:"path"`
	}

	var tableCfg FileTableConfig
	if err := mapstructure.Decode(options, &tableCfg); err != nil {
		return nil, fmt.Errorf("failed to decode file mapping table config: %w", err)
	}
	if tableCfg.Path == "" {
		return nil, fmt.Errorf("file mapping table: path is required")
	}

	table, err := idmap.NewArenaTable(tableCfg.Path, fsx)
	if err != nil {
		return nil, fmt.Errorf("failed to open file mapping table: %w", err)
	}
	return table, nil
}

// createBadgerTable creates the BadgerDB backend.
func createBadgerTable(options map[string]any) (idmap.Table, error) {
	type BadgerTableConfig struct {
		Path     string `mapstructure:"path"`
		InMemory bool   `mapstructure:"in_memory"`
	}

	var tableCfg BadgerTableConfig
	if err := mapstructure.Decode(options, &tableCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger mapping table config: %w", err)
	}
	if tableCfg.Path == "" && !tableCfg.InMemory {
		return nil, fmt.Errorf("badger mapping table: path is required unless in_memory is set")
	}

	table, err := idmap.NewBadgerTable(idmap.BadgerOptions{
		Path:     tableCfg.Path,
		InMemory: tableCfg.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open badger mapping table: %w", err)
	}
	return table, nil
}

// Budgets converts the timeout configuration into safety-layer budgets.
func (c *TimeoutsConfig) Budgets() safeio.Budgets {
	return safeio.Budgets{
		FileWrite: c.FileWrite,
		DirOp:     c.DirOp,
		IO:        c.IO,
	}
}

// ChunkioConfig converts the parallel I/O configuration for the processor.
func (c *ParallelConfig) ChunkioConfig() chunkio.Config {
	return chunkio.Config{
		Threshold: c.ThresholdBytes,
		ChunkSize: int(c.ChunkSizeBytes),
		Workers:   c.Workers,
	}
}

// SweeperConfig converts the trash configuration for the cleanup sweeper.
func (c *TrashConfig) SweeperConfig() sweeper.Config {
	return sweeper.Config{
		Enabled:     c.SweepEnabled,
		Interval:    c.SweepInterval,
		Concurrency: c.SweepConcurrency,
		ItemTimeout: c.SweepItemTimeout,
		PurgeRate:   c.SweepRate,
		DryRun:      c.SweepDryRun,
		OrphanGrace: c.SweepOrphanGrace,
	}
}

// MappingOptions converts the mapping configuration for the ID service.
func (c *MappingConfig) MappingOptions() idmap.Options {
	return idmap.Options{CompactEvery: c.CompactEvery}
}

// EnsureMappingDir creates the directory that will hold the mapping table,
// needed before the file arena or Badger can open it.
func EnsureMappingDir(cfg *MappingConfig) (string, bool) {
	switch cfg.Type {
	case "file":
		if path, _ := cfg.File["path"].(string); path != "" {
			return filepath.Dir(path), true
		}
	case "badger":
		if path, _ := cfg.Badger["path"].(string); path != "" {
			return path, true
		}
	}
	return "", false
}
