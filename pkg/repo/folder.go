package repo

import (
	"context"
	"iter"
	"os"

	"github.com/google/uuid"

	"github.com/nimbus-cloud/nimbusfs/internal/logger"
	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
	"github.com/nimbus-cloud/nimbusfs/pkg/paths"
)

// FolderRepo is the filesystem-backed FolderRepository. Folders are physical
// directories; their identity and hierarchy live in the mapping service, so
// a folder move is one directory rename plus a prefix rewrite of the
// mapping.
type FolderRepo struct {
	*core
}

// NewFolderRepo builds the folder repository over the shared collaborators.
func NewFolderRepo(d Deps) *FolderRepo {
	return &FolderRepo{core: newCore(d)}
}

var _ FolderRepository = (*FolderRepo)(nil)

// Create makes a new empty directory and registers it. As with files, the
// registration is the arbiter under concurrent creates; an orphaned empty
// directory from a crash in between is reused by the next Create.
func (r *FolderRepo) Create(ctx context.Context, parentID idmap.StableID, name string) (idmap.StableID, error) {
	abs, rel, err := r.resolver.PathForNewChild(parentID, name)
	if err != nil {
		return uuid.Nil, wrapErr(err, "create rejected", name)
	}

	if err := r.fsx.CreateDirWithSync(ctx, abs); err != nil {
		return uuid.Nil, wrapErr(err, "failed to create directory", rel)
	}

	id := idmap.NewStableID()
	if err := r.ids.Register(id, rel, idmap.KindFolder); err != nil {
		return uuid.Nil, wrapErr(err, "failed to register folder", rel)
	}

	logger.Debug("Created folder %s (%s)", rel, id)
	return id, nil
}

// Stat returns the advisory metadata record for a folder. ChildCount counts
// the mapped direct children at call time, using the same skip rules as
// ListChildren. idmap.RootID stats the storage root itself.
func (r *FolderRepo) Stat(ctx context.Context, id idmap.StableID) (FolderRecord, error) {
	var relDir string
	parentID := idmap.RootID
	if id != idmap.RootID {
		rec, err := r.lookupKind(id, idmap.KindFolder)
		if err != nil {
			return FolderRecord{}, wrapErr(err, "folder not found", id.String())
		}
		relDir = rec.Path
		if parent := parentRel(rec.Path); parent != "" {
			pid, ok := r.ids.LookupPath(parent)
			if !ok {
				return FolderRecord{}, wrapErr(idmap.ErrNotFound, "parent folder unmapped", parent)
			}
			parentID = pid
		}
	}

	abs, err := r.resolver.AbsolutePath(id)
	if err != nil {
		return FolderRecord{}, wrapErr(err, "folder path unresolvable", id.String())
	}

	var entries []os.DirEntry
	err = r.fsx.RunIO(ctx, "stat folder", func() error {
		var readErr error
		entries, readErr = os.ReadDir(abs)
		return readErr
	})
	if err != nil {
		return FolderRecord{}, wrapErr(err, "failed to read folder", relDir)
	}

	count := 0
	for _, entry := range entries {
		if id == idmap.RootID &&
			(entry.Name() == paths.TrashDirName || entry.Name() == paths.InternalDirName) {
			continue
		}
		if _, ok := r.ids.LookupPath(joinRel(relDir, entry.Name())); !ok {
			continue
		}
		count++
	}

	return FolderRecord{ID: id, Path: abs, ParentID: parentID, ChildCount: count}, nil
}

// ListChildren returns a lazy sequence over the folder's direct children.
// The directory is re-read on every restart of the sequence. Physical
// entries with no live mapping (leftovers of a crashed create) are skipped,
// as are the reserved trash and engine-state areas under the root.
func (r *FolderRepo) ListChildren(ctx context.Context, id idmap.StableID) (iter.Seq2[idmap.StableID, error], error) {
	var relDir string
	if id != idmap.RootID {
		rec, err := r.lookupKind(id, idmap.KindFolder)
		if err != nil {
			return nil, wrapErr(err, "folder not found", id.String())
		}
		relDir = rec.Path
	}

	abs, err := r.resolver.AbsolutePath(id)
	if err != nil {
		return nil, wrapErr(err, "folder path unresolvable", id.String())
	}

	seq := func(yield func(idmap.StableID, error) bool) {
		entries, err := os.ReadDir(abs)
		if err != nil {
			yield(uuid.Nil, wrapErr(err, "failed to list folder", relDir))
			return
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				yield(uuid.Nil, wrapErr(err, "listing cancelled", relDir))
				return
			}
			if id == idmap.RootID &&
				(entry.Name() == paths.TrashDirName || entry.Name() == paths.InternalDirName) {
				continue
			}
			childID, ok := r.ids.LookupPath(joinRel(relDir, entry.Name()))
			if !ok {
				logger.Debug("Skipping unmapped entry %q in %s", entry.Name(), abs)
				continue
			}
			if !yield(childID, nil) {
				return
			}
		}
	}
	return seq, nil
}

// MoveTo renames or relocates the folder and rewrites the mapping of its
// entire live subtree. The stable IDs of the folder and all descendants are
// untouched.
func (r *FolderRepo) MoveTo(ctx context.Context, id idmap.StableID, newParentID idmap.StableID, newName string) error {
	return r.moveTo(ctx, id, idmap.KindFolder, newParentID, newName)
}

// SoftDelete moves the folder, subtree and all, into the trash area.
// Descendant mappings are tombstoned alongside the folder's own.
func (r *FolderRepo) SoftDelete(ctx context.Context, id idmap.StableID) (TrashID, error) {
	return r.softDelete(ctx, id, idmap.KindFolder)
}

// Restore brings a trashed folder back with its subtree, reviving every
// descendant mapping beneath the restored location.
func (r *FolderRepo) Restore(ctx context.Context, trashID TrashID, targetParentID *idmap.StableID) (idmap.StableID, error) {
	return r.restore(ctx, trashID, targetParentID, idmap.KindFolder)
}

// Purge permanently deletes a trashed folder and its subtree. Idempotent.
func (r *FolderRepo) Purge(ctx context.Context, trashID TrashID) error {
	return r.purge(ctx, trashID, idmap.KindFolder)
}
