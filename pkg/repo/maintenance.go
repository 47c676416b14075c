package repo

import (
	"context"
	"errors"
	"time"

	"github.com/nimbus-cloud/nimbusfs/internal/logger"
	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
)

// Maintenance is the trash-maintenance facade used by the cleanup sweeper
// and by explicit "empty trash" requests. Unlike the repositories it is
// kind-agnostic: a purge here removes whatever the trash item is.
type Maintenance struct {
	*core
}

// NewMaintenance builds the maintenance facade over the shared
// collaborators.
func NewMaintenance(d Deps) *Maintenance {
	return &Maintenance{core: newCore(d)}
}

// List returns every fully trashed item, any kind.
func (m *Maintenance) List(ctx context.Context) ([]TrashedItem, error) {
	items, err := m.trash.List(ctx)
	if err != nil {
		return nil, wrapErr(err, "failed to list trash", m.trash.Dir())
	}
	return items, nil
}

// ListExpired returns the trashed items whose retention deadline has passed
// as of now.
func (m *Maintenance) ListExpired(ctx context.Context, now time.Time) ([]TrashedItem, error) {
	items, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	expired := items[:0]
	for _, item := range items {
		if item.Expired(now) {
			expired = append(expired, item)
		}
	}
	return expired, nil
}

// Purge permanently removes one trashed item regardless of kind. Idempotent,
// so the sweeper and an explicit caller can race on the same item.
func (m *Maintenance) Purge(ctx context.Context, trashID TrashID) error {
	item, err := m.trash.Get(ctx, trashID)
	if err != nil {
		if errors.Is(err, idmap.ErrNotFound) {
			return nil
		}
		return wrapErr(err, "failed to load trash item", trashID.String())
	}
	return m.purge(ctx, trashID, item.Kind)
}

// PurgeOrphaned removes trash directories stranded without a sidecar, a
// leftover of a soft-delete that crashed before recording its metadata.
// Only directories untouched since cutoff are removed. Returns how many
// were reclaimed; failures are logged and skipped like EmptyTrash.
func (m *Maintenance) PurgeOrphaned(ctx context.Context, cutoff time.Time) (int, error) {
	orphans, err := m.trash.ListOrphaned(ctx, cutoff)
	if err != nil {
		return 0, wrapErr(err, "failed to scan for orphaned trash", m.trash.Dir())
	}

	reclaimed := 0
	var firstErr error
	for _, trashID := range orphans {
		if err := ctx.Err(); err != nil {
			return reclaimed, wrapErr(err, "orphan purge cancelled", m.trash.Dir())
		}
		if err := m.trash.Remove(ctx, trashID); err != nil {
			logger.Warn("Failed to remove orphaned trash entry %s: %v", trashID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Info("Reclaimed orphaned trash entry %s", trashID)
		reclaimed++
	}
	return reclaimed, firstErr
}

// EmptyTrash purges every trashed item, expired or not. Items that fail to
// purge are logged and skipped; the first error is reported after the full
// pass so one stuck item does not shield the rest.
func (m *Maintenance) EmptyTrash(ctx context.Context) error {
	items, err := m.List(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return wrapErr(err, "empty trash cancelled", m.trash.Dir())
		}
		if err := m.Purge(ctx, item.TrashID); err != nil {
			logger.Warn("Failed to purge trash item %s: %v", item.TrashID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
