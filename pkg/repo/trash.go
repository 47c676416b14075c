package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-cloud/nimbusfs/internal/logger"
	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
	"github.com/nimbus-cloud/nimbusfs/pkg/safeio"
)

const trashMetaFile = "meta.json"

// TrashStore manages the on-disk trash area. Each trashed item owns one
// directory named after its trash ID:
//
//	<root>/.trash/<trash-id>/<original-name>   content (file or folder tree)
//	<root>/.trash/<trash-id>/meta.json         TrashedItem sidecar
//
// The sidecar is written atomically, so a directory without a readable
// meta.json is a half-finished soft-delete or purge and is skipped by List.
type TrashStore struct {
	dir string // absolute path of the trash area
	fsx *safeio.FS
}

// NewTrashStore creates the store rooted at dir. The directory is created
// lazily on first use.
func NewTrashStore(dir string, fsx *safeio.FS) *TrashStore {
	return &TrashStore{dir: dir, fsx: fsx}
}

// Dir returns the trash area root.
func (s *TrashStore) Dir() string { return s.dir }

// ItemDir returns the directory that holds (or would hold) the given item.
func (s *TrashStore) ItemDir(trashID TrashID) string {
	return filepath.Join(s.dir, trashID.String())
}

// ContentPath returns where the item's content lives inside its directory.
func (s *TrashStore) ContentPath(item TrashedItem) string {
	return filepath.Join(s.ItemDir(item.TrashID), item.Name)
}

// Prepare creates the per-item directory so content can be moved into it.
func (s *TrashStore) Prepare(ctx context.Context, trashID TrashID) (string, error) {
	dir := s.ItemDir(trashID)
	if err := s.fsx.CreateDirWithSync(ctx, dir); err != nil {
		return "", fmt.Errorf("failed to prepare trash directory: %w", err)
	}
	return dir, nil
}

// Save persists the item's metadata sidecar. Written last during a
// soft-delete, so its presence marks the item as fully trashed.
func (s *TrashStore) Save(ctx context.Context, item TrashedItem) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode trash metadata: %w", err)
	}
	path := filepath.Join(s.ItemDir(item.TrashID), trashMetaFile)
	if err := s.fsx.AtomicWrite(ctx, path, data); err != nil {
		return fmt.Errorf("failed to write trash metadata: %w", err)
	}
	return nil
}

// Get loads the sidecar for one trashed item.
func (s *TrashStore) Get(ctx context.Context, trashID TrashID) (TrashedItem, error) {
	path := filepath.Join(s.ItemDir(trashID), trashMetaFile)

	var data []byte
	err := s.fsx.RunIO(ctx, "read trash metadata", func() error {
		var readErr error
		data, readErr = os.ReadFile(path)
		return readErr
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return TrashedItem{}, fmt.Errorf("trash item %s: %w", trashID, idmap.ErrNotFound)
		}
		return TrashedItem{}, err
	}

	var item TrashedItem
	if err := json.Unmarshal(data, &item); err != nil {
		return TrashedItem{}, fmt.Errorf("failed to decode trash metadata for %s: %w", trashID, err)
	}
	return item, nil
}

// List scans the trash area and returns every fully trashed item. Entries
// without a readable sidecar are logged and skipped rather than failing the
// whole scan; a half-finished delete must not block cleanup of the rest.
func (s *TrashStore) List(ctx context.Context) ([]TrashedItem, error) {
	var entries []os.DirEntry
	err := s.fsx.RunIO(ctx, "scan trash", func() error {
		var readErr error
		entries, readErr = os.ReadDir(s.dir)
		return readErr
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil // nothing ever trashed
		}
		return nil, err
	}

	items := make([]TrashedItem, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		trashID, parseErr := uuid.Parse(entry.Name())
		if parseErr != nil {
			continue
		}
		item, getErr := s.Get(ctx, trashID)
		if getErr != nil {
			logger.Warn("Skipping unreadable trash entry %s: %v", entry.Name(), getErr)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// ListOrphaned returns the trash IDs of directories that have no readable
// sidecar and were last modified before cutoff. These are half-finished
// soft-deletes: a crash between the rename into the slot and the sidecar
// write leaves the content stranded, invisible to List. The cutoff keeps an
// in-flight soft-delete from being mistaken for a crash leftover.
func (s *TrashStore) ListOrphaned(ctx context.Context, cutoff time.Time) ([]TrashID, error) {
	var entries []os.DirEntry
	err := s.fsx.RunIO(ctx, "scan trash for orphans", func() error {
		var readErr error
		entries, readErr = os.ReadDir(s.dir)
		return readErr
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var orphans []TrashID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		trashID, parseErr := uuid.Parse(entry.Name())
		if parseErr != nil {
			continue
		}
		if _, statErr := os.Stat(filepath.Join(s.ItemDir(trashID), trashMetaFile)); statErr == nil {
			continue
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			logger.Warn("Skipping trash entry %s: %v", entry.Name(), statErr)
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		orphans = append(orphans, trashID)
	}
	return orphans, nil
}

// Remove deletes an item's directory, content and sidecar together.
// Idempotent: removing an absent item is a no-op.
func (s *TrashStore) Remove(ctx context.Context, trashID TrashID) error {
	return s.fsx.RemoveAllWithSync(ctx, s.ItemDir(trashID))
}
