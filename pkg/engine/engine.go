// Package engine assembles the storage engine from configuration.
//
// It wires the filesystem safety layer, mapping service, path resolver,
// caches, parallel processor, repositories and trash sweeper into one unit
// with a simple lifecycle: Open, Start, Close. Callers that embed the engine
// (sync daemons, WebDAV gateways, admin tooling) talk to the repositories
// through the Files/Folders/Trash fields.
package engine

import (
	"context"
	"fmt"

	"github.com/nimbus-cloud/nimbusfs/internal/logger"
	"github.com/nimbus-cloud/nimbusfs/pkg/cache"
	"github.com/nimbus-cloud/nimbusfs/pkg/chunkio"
	"github.com/nimbus-cloud/nimbusfs/pkg/config"
	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
	"github.com/nimbus-cloud/nimbusfs/pkg/paths"
	"github.com/nimbus-cloud/nimbusfs/pkg/repo"
	"github.com/nimbus-cloud/nimbusfs/pkg/safeio"
	"github.com/nimbus-cloud/nimbusfs/pkg/sweeper"
)

// Engine is the assembled storage engine.
type Engine struct {
	// Files is the file repository.
	Files *repo.FileRepo

	// Folders is the folder repository.
	Folders *repo.FolderRepo

	// Trash is the trash maintenance facade (list, empty, purge-any).
	Trash *repo.Maintenance

	ids     *idmap.Service
	sweeper *sweeper.Service
}

// Open builds the engine from configuration. The storage root and mapping
// table location are created if missing; the mapping index is rebuilt from
// the table before Open returns, so a successfully opened engine is ready to
// resolve IDs.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	fsx := safeio.New(cfg.Timeouts.Budgets())

	if err := fsx.CreateDirWithSync(ctx, cfg.Storage.Root); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	if dir, ok := config.EnsureMappingDir(&cfg.Mapping); ok {
		if err := fsx.CreateDirWithSync(ctx, dir); err != nil {
			return nil, fmt.Errorf("failed to create mapping directory: %w", err)
		}
	}

	table, err := config.CreateMappingTable(&cfg.Mapping, fsx)
	if err != nil {
		return nil, err
	}

	ids, err := idmap.NewService(table, cfg.Mapping.MappingOptions())
	if err != nil {
		table.Close()
		return nil, err
	}

	resolver, err := paths.NewResolver(cfg.Storage.Root, ids)
	if err != nil {
		ids.Close()
		return nil, err
	}

	deps := repo.Deps{
		FS:        fsx,
		IDs:       ids,
		Resolver:  resolver,
		Metadata:  cache.NewMetadata(cfg.Cache.MetadataEntries),
		Buffers:   cache.NewBufferPool(),
		Processor: chunkio.NewProcessor(cfg.Parallel.ChunkioConfig()),
		Trash:     repo.NewTrashStore(resolver.TrashDir(), fsx),
		Retention: cfg.Trash.Retention(),
	}

	maint := repo.NewMaintenance(deps)
	e := &Engine{
		Files:   repo.NewFileRepo(deps),
		Folders: repo.NewFolderRepo(deps),
		Trash:   maint,
		ids:     ids,
		sweeper: sweeper.New(maint, nil, cfg.Trash.SweeperConfig()),
	}

	logger.Info("Storage engine opened: root=%s mapping=%s retention=%s",
		cfg.Storage.Root, cfg.Mapping.Type, cfg.Trash.Retention())
	return e, nil
}

// Start launches background services (the trash sweeper).
func (e *Engine) Start() {
	e.sweeper.Start()
}

// SweepNow triggers one immediate trash sweep. Used by admin tooling.
func (e *Engine) SweepNow(ctx context.Context) (*sweeper.Stats, error) {
	return e.sweeper.RunNow(ctx)
}

// Close stops background services and releases the mapping table. The
// context bounds how long Close waits for an in-progress sweep.
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error
	if err := e.sweeper.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := e.ids.Close(); err != nil {
		logger.Error("Failed to close mapping service: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
