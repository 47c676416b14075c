package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-cloud/nimbusfs/internal/logger"
	"github.com/nimbus-cloud/nimbusfs/pkg/cache"
	"github.com/nimbus-cloud/nimbusfs/pkg/chunkio"
	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
	"github.com/nimbus-cloud/nimbusfs/pkg/paths"
	"github.com/nimbus-cloud/nimbusfs/pkg/safeio"
)

// core holds the collaborators both repositories share and implements the
// lifecycle transitions (move, trash, restore, purge) that are identical for
// files and folders apart from how the mapping is rewritten.
type core struct {
	fsx       *safeio.FS
	ids       *idmap.Service
	resolver  *paths.Resolver
	meta      *cache.Metadata
	bufs      *cache.BufferPool
	proc      *chunkio.Processor
	trash     *TrashStore
	clock     Clock
	retention time.Duration
}

// Deps bundles everything the repositories need. All fields are required
// except Clock, which defaults to the system clock.
type Deps struct {
	FS        *safeio.FS
	IDs       *idmap.Service
	Resolver  *paths.Resolver
	Metadata  *cache.Metadata
	Buffers   *cache.BufferPool
	Processor *chunkio.Processor
	Trash     *TrashStore
	Clock     Clock
	Retention time.Duration
}

func newCore(d Deps) *core {
	clock := d.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &core{
		fsx:       d.FS,
		ids:       d.IDs,
		resolver:  d.Resolver,
		meta:      d.Metadata,
		bufs:      d.Buffers,
		proc:      d.Processor,
		trash:     d.Trash,
		clock:     clock,
		retention: d.Retention,
	}
}

// lookupKind resolves a live entry and checks it is the expected kind.
// A live entry of the wrong kind reads as not found: the file repository
// genuinely has no file under a folder's ID.
func (c *core) lookupKind(id idmap.StableID, kind idmap.Kind) (idmap.Record, error) {
	rec, err := c.ids.Lookup(id)
	if err != nil {
		return idmap.Record{}, err
	}
	if rec.Kind != kind {
		return idmap.Record{}, fmt.Errorf("stable ID %s is a %s: %w", id, rec.Kind, idmap.ErrNotFound)
	}
	return rec, nil
}

// renameDurably renames with one retry on a timed-out attempt. A timeout
// means the rename may or may not have happened, so before retrying we check
// whether the destination already exists and the source is gone, which
// counts as done.
func (c *core) renameDurably(ctx context.Context, from, to string) error {
	err := c.fsx.RenameWithSync(ctx, from, to)
	if err == nil || !errors.Is(err, safeio.ErrTimeout) {
		return err
	}

	logger.Warn("Rename %s -> %s timed out, probing outcome", from, to)
	if renameLanded(from, to) {
		return nil
	}
	return c.fsx.RenameWithSync(ctx, from, to)
}

func renameLanded(from, to string) bool {
	if _, err := os.Lstat(to); err != nil {
		return false
	}
	_, err := os.Lstat(from)
	return errors.Is(err, fs.ErrNotExist)
}

// moveTo implements move/rename for both kinds. Physical rename first, then
// the mapping rewrite; the ID never changes.
func (c *core) moveTo(ctx context.Context, id idmap.StableID, kind idmap.Kind, newParentID idmap.StableID, newName string) error {
	rec, err := c.lookupKind(id, kind)
	if err != nil {
		return wrapErr(err, "move source not found", id.String())
	}

	absNew, relNew, err := c.resolver.PathForNewChild(newParentID, newName)
	if err != nil {
		return wrapErr(err, "move destination rejected", newName)
	}
	if relNew == rec.Path {
		return nil
	}
	if kind == idmap.KindFolder && strings.HasPrefix(relNew, rec.Path+"/") {
		return &RepoError{
			Code:    ErrInvalidPath,
			Message: "cannot move a folder into its own subtree",
			Path:    relNew,
		}
	}

	absOld, err := c.resolver.AbsoluteOf(rec.Path)
	if err != nil {
		return wrapErr(err, "move source unresolvable", rec.Path)
	}
	if err := c.renameDurably(ctx, absOld, absNew); err != nil {
		return wrapErr(err, "failed to move", rec.Path)
	}

	if kind == idmap.KindFolder {
		err = c.ids.MovePrefix(id, relNew)
	} else {
		err = c.ids.UpdatePath(id, relNew)
	}
	if err != nil {
		// Physical move landed but the mapping did not. Put the bytes
		// back so disk and mapping agree again.
		if rbErr := c.renameDurably(ctx, absNew, absOld); rbErr != nil {
			logger.Error("Move rollback failed for %s: %v", id, rbErr)
		}
		return wrapErr(err, "failed to remap after move", relNew)
	}

	c.meta.Invalidate(id)
	return nil
}

// softDelete moves an entry into the trash area. The content is renamed into
// a per-item trash directory, the mapping is tombstoned, and the sidecar is
// written last so only fully trashed items are ever listed.
func (c *core) softDelete(ctx context.Context, id idmap.StableID, kind idmap.Kind) (TrashID, error) {
	rec, err := c.lookupKind(id, kind)
	if err != nil {
		return uuid.Nil, wrapErr(err, "soft delete target not found", id.String())
	}

	abs, err := c.resolver.AbsoluteOf(rec.Path)
	if err != nil {
		return uuid.Nil, wrapErr(err, "soft delete target unresolvable", rec.Path)
	}

	trashID := uuid.New()
	itemDir, err := c.trash.Prepare(ctx, trashID)
	if err != nil {
		return uuid.Nil, wrapErr(err, "failed to prepare trash slot", rec.Path)
	}

	name := path.Base(rec.Path)
	if err := c.renameDurably(ctx, abs, filepath.Join(itemDir, name)); err != nil {
		return uuid.Nil, wrapErr(err, "failed to move into trash", rec.Path)
	}

	_, descendants, err := c.ids.Tombstone(id)
	if err != nil {
		if rbErr := c.renameDurably(ctx, filepath.Join(itemDir, name), abs); rbErr != nil {
			logger.Error("Soft delete rollback failed for %s: %v", id, rbErr)
		}
		return uuid.Nil, wrapErr(err, "failed to tombstone mapping", rec.Path)
	}
	c.meta.Invalidate(id)

	now := c.clock.Now()
	item := TrashedItem{
		TrashID:            trashID,
		OriginalID:         id,
		OriginalParentPath: parentRel(rec.Path),
		Kind:               kind,
		Name:               name,
		DeletedAt:          now,
		RetentionDeadline:  now.Add(c.retention),
		DescendantIDs:      descendants,
	}
	if err := c.trash.Save(ctx, item); err != nil {
		return uuid.Nil, wrapErr(err, "failed to record trash metadata", rec.Path)
	}

	logger.Debug("Soft-deleted %s (%s) as trash item %s", rec.Path, id, trashID)
	return trashID, nil
}

// restore moves a trashed item back under its original parent, or under
// targetParentID when given, reviving its original stable ID.
func (c *core) restore(ctx context.Context, trashID TrashID, targetParentID *idmap.StableID, kind idmap.Kind) (idmap.StableID, error) {
	item, err := c.trash.Get(ctx, trashID)
	if err != nil {
		return uuid.Nil, wrapErr(err, "trash item not found", trashID.String())
	}
	if item.Kind != kind {
		return uuid.Nil, wrapErr(
			fmt.Errorf("trash item %s is a %s: %w", trashID, item.Kind, idmap.ErrNotFound),
			"trash item not found", trashID.String())
	}

	var rel string
	if targetParentID != nil {
		_, rel, err = c.resolver.PathForNewChild(*targetParentID, item.Name)
		if err != nil {
			return uuid.Nil, wrapErr(err, "restore destination rejected", item.Name)
		}
	} else {
		parent := item.OriginalParentPath
		if parent != "" {
			if _, live := c.ids.LookupPath(parent); !live {
				return uuid.Nil, &RepoError{
					Code:    ErrConflict,
					Message: "original parent folder no longer exists",
					Path:    parent,
				}
			}
		}
		rel = joinRel(parent, item.Name)
	}

	if other, taken := c.ids.LookupPath(rel); taken {
		return uuid.Nil, &RepoError{
			Code:    ErrConflict,
			Message: fmt.Sprintf("restore destination occupied by %s", other),
			Path:    rel,
		}
	}

	abs, err := c.resolver.AbsoluteOf(rel)
	if err != nil {
		return uuid.Nil, wrapErr(err, "restore destination unresolvable", rel)
	}
	if err := c.renameDurably(ctx, c.trash.ContentPath(item), abs); err != nil {
		return uuid.Nil, wrapErr(err, "failed to move out of trash", rel)
	}

	if err := c.ids.Restore(item.OriginalID, rel, item.DescendantIDs); err != nil {
		if rbErr := c.renameDurably(ctx, abs, c.trash.ContentPath(item)); rbErr != nil {
			logger.Error("Restore rollback failed for trash item %s: %v", trashID, rbErr)
		}
		return uuid.Nil, wrapErr(err, "failed to revive mapping", rel)
	}

	if err := c.trash.Remove(ctx, trashID); err != nil {
		// Content is already back in place; the empty slot is harmless
		// and a later purge of the same trash ID cleans it up.
		logger.Warn("Failed to remove emptied trash slot %s: %v", trashID, err)
	}

	logger.Debug("Restored trash item %s to %s (%s)", trashID, rel, item.OriginalID)
	return item.OriginalID, nil
}

// purge permanently removes a trashed item: content first, then the mapping
// record. Idempotent, so the background sweeper and explicit callers can
// race safely.
func (c *core) purge(ctx context.Context, trashID TrashID, kind idmap.Kind) error {
	item, err := c.trash.Get(ctx, trashID)
	if err != nil {
		if errors.Is(err, idmap.ErrNotFound) {
			return nil // already purged
		}
		return wrapErr(err, "failed to load trash item", trashID.String())
	}
	if item.Kind != kind {
		return wrapErr(
			fmt.Errorf("trash item %s is a %s: %w", trashID, item.Kind, idmap.ErrNotFound),
			"trash item not found", trashID.String())
	}

	if err := c.trash.Remove(ctx, trashID); err != nil {
		return wrapErr(err, "failed to delete trashed content", trashID.String())
	}
	if err := c.ids.Purge(item.OriginalID, item.DescendantIDs); err != nil && !errors.Is(err, idmap.ErrNotFound) {
		return wrapErr(err, "failed to purge mapping", trashID.String())
	}
	c.meta.Invalidate(item.OriginalID)

	logger.Debug("Purged trash item %s (was %s)", trashID, item.OriginalID)
	return nil
}

// parentRel returns the mapping-relative parent of rel, "" for top-level
// entries.
func parentRel(rel string) string {
	dir := path.Dir(rel)
	if dir == "." {
		return ""
	}
	return dir
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
