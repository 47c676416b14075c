// Package repo implements the file and folder repositories: the public
// contract application services consume. The repositories compose the
// filesystem safety layer, the path resolver, the mapping service and the
// metadata cache into CRUD, move and trash operations.
//
// Ordering discipline, everywhere: physical state commits before mapping
// state. A crash between the two leaves the mapping pointing at a path that
// still exists, which heals on the next resolve, instead of a dangling one.
//
// The repositories do not serialize calls per stable ID. Callers must not
// issue concurrent conflicting operations (say, Update and MoveTo) on the
// same ID; that boundary belongs to the transaction layer above, exactly as
// documented in the concurrency model.
package repo

import (
	"context"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
)

// TrashID identifies a trashed item, distinct from its original stable ID.
type TrashID = uuid.UUID

// FileRecord is the advisory metadata view of a file. The physical bytes are
// the single source of truth; every field here is derived or cached and is
// recomputed when it disagrees with the disk.
type FileRecord struct {
	ID       idmap.StableID
	Path     string // absolute
	Size     int64
	ETag     string // lowercase hex SHA-256 of content
	ModTime  time.Time
	MimeType string
}

// FolderRecord is the advisory metadata view of a folder.
type FolderRecord struct {
	ID       idmap.StableID
	Path     string         // absolute
	ParentID idmap.StableID // idmap.RootID for top-level folders

	// ChildCount is advisory and cache-only; it is not kept in sync with
	// the disk and exists to save a readdir for listings-heavy callers.
	ChildCount int
}

// TrashedItem captures everything needed to restore a soft-deleted file or
// folder: its identity, where it lived, and when it becomes purgeable.
// Persisted as a meta.json sidecar next to the trashed content.
type TrashedItem struct {
	TrashID            TrashID        `json:"trash_id"`
	OriginalID         idmap.StableID `json:"original_stable_id"`
	OriginalParentPath string         `json:"original_parent_path"` // mapping-relative; "" for root
	Kind               idmap.Kind     `json:"entity_kind"`
	Name               string         `json:"name"`
	DeletedAt          time.Time      `json:"deleted_at"`
	RetentionDeadline  time.Time      `json:"retention_deadline"`

	// DescendantIDs names the subtree tombstoned with a folder. Restore and
	// purge scope their mapping changes to exactly these IDs, because the
	// tombstoned paths can be reused by a later trash generation.
	DescendantIDs []idmap.StableID `json:"descendant_ids,omitempty"`
}

// Expired reports whether the item is past its retention deadline.
func (i TrashedItem) Expired(now time.Time) bool {
	return now.After(i.RetentionDeadline)
}

// Clock abstracts the time source so retention logic is testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FileReader is the read-oriented half of the file contract.
type FileReader interface {
	// Read opens the file content for streaming. Files above the parallel
	// threshold are read through the chunked processor. The caller owns
	// the returned ReadCloser.
	Read(ctx context.Context, id idmap.StableID) (io.ReadCloser, error)

	// Stat returns the advisory metadata record for a file.
	Stat(ctx context.Context, id idmap.StableID) (FileRecord, error)
}

// FileWriter is the write-oriented half of the file contract. Both halves
// share the same underlying state.
type FileWriter interface {
	// Create persists a new file under parentID and returns its freshly
	// minted stable ID. Fails with a Conflict when a live sibling already
	// holds the name.
	Create(ctx context.Context, parentID idmap.StableID, name string, content []byte) (idmap.StableID, error)

	// Update atomically replaces the file's content, re-resolving the path
	// first in case a committed rename moved it.
	Update(ctx context.Context, id idmap.StableID, content []byte) error

	// MoveTo renames/moves the file. The stable ID never changes.
	MoveTo(ctx context.Context, id idmap.StableID, newParentID idmap.StableID, newName string) error

	// SoftDelete moves the file into the trash area and returns the trash
	// ID needed for restore or purge.
	SoftDelete(ctx context.Context, id idmap.StableID) (TrashID, error)

	// Restore moves a trashed file back to its original location, or under
	// targetParentID when given. Returns the original stable ID.
	Restore(ctx context.Context, trashID TrashID, targetParentID *idmap.StableID) (idmap.StableID, error)

	// Purge permanently deletes trashed content. Terminal and idempotent.
	Purge(ctx context.Context, trashID TrashID) error
}

// FileRepository is the full file contract. This engine is its sole
// implementor today; the interface exists so an object-store-backed variant
// can slot in behind the same call sites.
type FileRepository interface {
	FileReader
	FileWriter
}

// FolderRepository is the folder contract.
type FolderRepository interface {
	// Create makes a new empty folder and returns its stable ID.
	Create(ctx context.Context, parentID idmap.StableID, name string) (idmap.StableID, error)

	// Stat returns the advisory metadata record for a folder, counting its
	// direct children from the directory.
	Stat(ctx context.Context, id idmap.StableID) (FolderRecord, error)

	// ListChildren returns a lazy, finite, restartable sequence of the
	// folder's direct children. Each restart re-reads the directory.
	ListChildren(ctx context.Context, id idmap.StableID) (iter.Seq2[idmap.StableID, error], error)

	MoveTo(ctx context.Context, id idmap.StableID, newParentID idmap.StableID, newName string) error
	SoftDelete(ctx context.Context, id idmap.StableID) (TrashID, error)
	Restore(ctx context.Context, trashID TrashID, targetParentID *idmap.StableID) (idmap.StableID, error)
	Purge(ctx context.Context, trashID TrashID) error
}
