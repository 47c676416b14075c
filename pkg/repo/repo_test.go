package repo

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-cloud/nimbusfs/pkg/cache"
	"github.com/nimbus-cloud/nimbusfs/pkg/chunkio"
	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
	"github.com/nimbus-cloud/nimbusfs/pkg/paths"
	"github.com/nimbus-cloud/nimbusfs/pkg/safeio"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	root  string
	ids   *idmap.Service
	clock *fakeClock
	files *FileRepo
	dirs  *FolderRepo
	maint *Maintenance
}

func newEnv(t *testing.T) *env {
	t.Helper()

	root := t.TempDir()
	fsx := safeio.New(safeio.Budgets{})

	table, err := idmap.NewArenaTable(filepath.Join(root, "mapping.nbm"), fsx)
	require.NoError(t, err)
	ids, err := idmap.NewService(table, idmap.Options{CompactEvery: -1})
	require.NoError(t, err)
	t.Cleanup(func() { ids.Close() })

	resolver, err := paths.NewResolver(root, ids)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	deps := Deps{
		FS:        fsx,
		IDs:       ids,
		Resolver:  resolver,
		Metadata:  cache.NewMetadata(64),
		Buffers:   cache.NewBufferPool(),
		Processor: chunkio.NewProcessor(chunkio.Config{Threshold: 256, ChunkSize: 64, Workers: 3}),
		Trash:     NewTrashStore(resolver.TrashDir(), fsx),
		Clock:     clock,
		Retention: 30 * 24 * time.Hour,
	}

	return &env{
		root:  root,
		ids:   ids,
		clock: clock,
		files: NewFileRepo(deps),
		dirs:  NewFolderRepo(deps),
		maint: NewMaintenance(deps),
	}
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func hexSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFileLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	docsID, err := e.dirs.Create(ctx, idmap.RootID, "docs")
	require.NoError(t, err)

	fileID, err := e.files.Create(ctx, docsID, "a.txt", []byte("hi"))
	require.NoError(t, err)

	rec, err := e.files.Stat(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Size)
	assert.Equal(t, hexSum([]byte("hi")), rec.ETag)
	assert.Contains(t, rec.MimeType, "text/plain")

	rc, err := e.files.Read(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), readAll(t, rc))

	// Rename: same ID, new path.
	require.NoError(t, e.files.MoveTo(ctx, fileID, docsID, "b.txt"))
	rel, err := e.ids.Resolve(fileID)
	require.NoError(t, err)
	assert.Equal(t, "docs/b.txt", rel)
	assert.NoFileExists(t, filepath.Join(e.root, "docs", "a.txt"))

	// Soft delete: unreadable, content parked in the trash area.
	trashID, err := e.files.SoftDelete(ctx, fileID)
	require.NoError(t, err)
	_, err = e.files.Read(ctx, fileID)
	assert.True(t, IsNotFound(err), "read after soft delete: %v", err)
	assert.FileExists(t, filepath.Join(e.root, paths.TrashDirName, trashID.String(), "b.txt"))

	// Restore brings back the same stable ID at the original spot.
	restoredID, err := e.files.Restore(ctx, trashID, nil)
	require.NoError(t, err)
	assert.Equal(t, fileID, restoredID)
	rc, err = e.files.Read(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), readAll(t, rc))

	// Restoring the same trash ID again must fail: the slot is spent.
	_, err = e.files.Restore(ctx, trashID, nil)
	assert.True(t, IsNotFound(err), "double restore: %v", err)
}

func TestPurgeIsTerminalAndIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fileID, err := e.files.Create(ctx, idmap.RootID, "gone.txt", []byte("x"))
	require.NoError(t, err)
	trashID, err := e.files.SoftDelete(ctx, fileID)
	require.NoError(t, err)

	require.NoError(t, e.files.Purge(ctx, trashID))
	assert.NoDirExists(t, filepath.Join(e.root, paths.TrashDirName, trashID.String()))

	_, err = e.files.Restore(ctx, trashID, nil)
	assert.True(t, IsNotFound(err))
	_, err = e.files.Stat(ctx, fileID)
	assert.True(t, IsNotFound(err))

	// Second purge is a no-op.
	require.NoError(t, e.files.Purge(ctx, trashID))
}

func TestCreateConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.files.Create(ctx, idmap.RootID, "dup.txt", []byte("1"))
	require.NoError(t, err)
	_, err = e.files.Create(ctx, idmap.RootID, "dup.txt", []byte("2"))
	assert.True(t, IsConflict(err), "duplicate create: %v", err)

	// Case-sensitive: a different casing is a different name.
	_, err = e.files.Create(ctx, idmap.RootID, "DUP.txt", []byte("3"))
	require.NoError(t, err)

	_, err = e.dirs.Create(ctx, idmap.RootID, "dup.txt")
	assert.True(t, IsConflict(err), "folder over file: %v", err)
}

func TestUpdateReplacesContent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fileID, err := e.files.Create(ctx, idmap.RootID, "notes.md", []byte("v1"))
	require.NoError(t, err)
	before, err := e.files.Stat(ctx, fileID)
	require.NoError(t, err)

	require.NoError(t, e.files.Update(ctx, fileID, []byte("version two")))

	after, err := e.files.Stat(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(len("version two")), after.Size)
	assert.NotEqual(t, before.ETag, after.ETag)
	assert.Equal(t, hexSum([]byte("version two")), after.ETag)
}

func TestFolderSubtreeMoveAndTrash(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	projID, err := e.dirs.Create(ctx, idmap.RootID, "projects")
	require.NoError(t, err)
	subID, err := e.dirs.Create(ctx, projID, "alpha")
	require.NoError(t, err)
	fileID, err := e.files.Create(ctx, subID, "readme.txt", []byte("alpha"))
	require.NoError(t, err)

	// Moving the top folder drags the whole subtree's mappings along.
	archiveID, err := e.dirs.Create(ctx, idmap.RootID, "archive")
	require.NoError(t, err)
	require.NoError(t, e.dirs.MoveTo(ctx, projID, archiveID, "projects-2026"))

	rel, err := e.ids.Resolve(fileID)
	require.NoError(t, err)
	assert.Equal(t, "archive/projects-2026/alpha/readme.txt", rel)

	rc, err := e.files.Read(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), readAll(t, rc))

	// Trashing the folder tombstones the descendants too.
	trashID, err := e.dirs.SoftDelete(ctx, projID)
	require.NoError(t, err)
	_, err = e.files.Stat(ctx, fileID)
	assert.True(t, IsNotFound(err))

	// Restore revives folder, subfolder and file under the same IDs.
	restoredID, err := e.dirs.Restore(ctx, trashID, nil)
	require.NoError(t, err)
	assert.Equal(t, projID, restoredID)

	rel, err = e.ids.Resolve(fileID)
	require.NoError(t, err)
	assert.Equal(t, "archive/projects-2026/alpha/readme.txt", rel)
}

func TestTrashGenerationsIndependent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Two generations of folder "a" sit in the trash at the same original
	// paths. Restore and purge must scope to their own generation's IDs.
	dir1, err := e.dirs.Create(ctx, idmap.RootID, "a")
	require.NoError(t, err)
	file1, err := e.files.Create(ctx, dir1, "x.txt", []byte("one"))
	require.NoError(t, err)
	trash1, err := e.dirs.SoftDelete(ctx, dir1)
	require.NoError(t, err)

	dir2, err := e.dirs.Create(ctx, idmap.RootID, "a")
	require.NoError(t, err)
	file2, err := e.files.Create(ctx, dir2, "y.txt", []byte("two"))
	require.NoError(t, err)
	trash2, err := e.dirs.SoftDelete(ctx, dir2)
	require.NoError(t, err)

	// Restoring the first generation revives only its own file.
	restored1, err := e.dirs.Restore(ctx, trash1, nil)
	require.NoError(t, err)
	assert.Equal(t, dir1, restored1)
	rel, err := e.ids.Resolve(file1)
	require.NoError(t, err)
	assert.Equal(t, "a/x.txt", rel)
	_, err = e.files.Stat(ctx, file2)
	assert.True(t, IsNotFound(err), "second generation revived: %v", err)

	// Trash and purge it again; the second generation stays restorable
	// with its original IDs.
	trash3, err := e.dirs.SoftDelete(ctx, dir1)
	require.NoError(t, err)
	require.NoError(t, e.dirs.Purge(ctx, trash3))

	restored2, err := e.dirs.Restore(ctx, trash2, nil)
	require.NoError(t, err)
	assert.Equal(t, dir2, restored2)

	rc, err := e.files.Read(ctx, file2)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), readAll(t, rc))
	_, err = e.files.Stat(ctx, file1)
	assert.True(t, IsNotFound(err), "purged generation still mapped: %v", err)
}

func TestMoveFolderIntoOwnSubtreeRefused(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	outerID, err := e.dirs.Create(ctx, idmap.RootID, "outer")
	require.NoError(t, err)
	innerID, err := e.dirs.Create(ctx, outerID, "inner")
	require.NoError(t, err)

	err = e.dirs.MoveTo(ctx, outerID, innerID, "outer")
	assert.True(t, IsInvalidPath(err), "cycle move: %v", err)
}

func TestListChildren(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	folderID, err := e.dirs.Create(ctx, idmap.RootID, "stuff")
	require.NoError(t, err)
	fileID, err := e.files.Create(ctx, idmap.RootID, "top.txt", []byte("t"))
	require.NoError(t, err)

	// Park something in the trash so the listing has a .trash dir to skip.
	junkID, err := e.files.Create(ctx, idmap.RootID, "junk.txt", []byte("j"))
	require.NoError(t, err)
	_, err = e.files.SoftDelete(ctx, junkID)
	require.NoError(t, err)

	seq, err := e.dirs.ListChildren(ctx, idmap.RootID)
	require.NoError(t, err)

	seen := map[idmap.StableID]bool{}
	for id, err := range seq {
		require.NoError(t, err)
		seen[id] = true
	}
	assert.Equal(t, map[idmap.StableID]bool{folderID: true, fileID: true}, seen)

	// The sequence is restartable and re-reads the directory.
	_, err = e.files.Create(ctx, folderID, "late.txt", []byte("l"))
	require.NoError(t, err)
	count := 0
	childSeq, err := e.dirs.ListChildren(ctx, folderID)
	require.NoError(t, err)
	for _, err := range childSeq {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 1, count)
}

func TestRestoreConflictsAndTargets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fileID, err := e.files.Create(ctx, idmap.RootID, "report.pdf", []byte("r1"))
	require.NoError(t, err)
	trashID, err := e.files.SoftDelete(ctx, fileID)
	require.NoError(t, err)

	// Occupy the original spot: restore must refuse, never overwrite.
	_, err = e.files.Create(ctx, idmap.RootID, "report.pdf", []byte("r2"))
	require.NoError(t, err)
	_, err = e.files.Restore(ctx, trashID, nil)
	assert.True(t, IsConflict(err), "restore onto occupied path: %v", err)

	// Restore into an explicit different parent works.
	altID, err := e.dirs.Create(ctx, idmap.RootID, "restored")
	require.NoError(t, err)
	restoredID, err := e.files.Restore(ctx, trashID, &altID)
	require.NoError(t, err)
	assert.Equal(t, fileID, restoredID)

	rc, err := e.files.Read(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("r1"), readAll(t, rc))
}

func TestRestoreRefusedWhenOriginalParentGone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	dirID, err := e.dirs.Create(ctx, idmap.RootID, "tmp")
	require.NoError(t, err)
	fileID, err := e.files.Create(ctx, dirID, "f.txt", []byte("f"))
	require.NoError(t, err)

	fileTrash, err := e.files.SoftDelete(ctx, fileID)
	require.NoError(t, err)
	_, err = e.dirs.SoftDelete(ctx, dirID)
	require.NoError(t, err)

	_, err = e.files.Restore(ctx, fileTrash, nil)
	assert.True(t, IsConflict(err), "restore under trashed parent: %v", err)
}

func TestTraversalNamesRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, name := range []string{"..", "../evil", "a/b", ".", "", paths.TrashDirName, paths.InternalDirName} {
		_, err := e.files.Create(ctx, idmap.RootID, name, []byte("x"))
		assert.True(t, IsInvalidPath(err) || IsConflict(err), "name %q: %v", name, err)
	}

	// Reserved names are refused for folders too; a user folder named after
	// an engine-internal area could otherwise be trashed and purged.
	for _, name := range []string{paths.TrashDirName, paths.InternalDirName} {
		_, err := e.dirs.Create(ctx, idmap.RootID, name)
		assert.True(t, IsInvalidPath(err), "folder %q: %v", name, err)
	}
}

func TestFolderStat(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	docsID, err := e.dirs.Create(ctx, idmap.RootID, "docs")
	require.NoError(t, err)
	subID, err := e.dirs.Create(ctx, docsID, "sub")
	require.NoError(t, err)
	_, err = e.files.Create(ctx, docsID, "a.txt", []byte("a"))
	require.NoError(t, err)

	rec, err := e.dirs.Stat(ctx, docsID)
	require.NoError(t, err)
	assert.Equal(t, docsID, rec.ID)
	assert.Equal(t, filepath.Join(e.root, "docs"), rec.Path)
	assert.Equal(t, idmap.RootID, rec.ParentID)
	assert.Equal(t, 2, rec.ChildCount)

	sub, err := e.dirs.Stat(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, docsID, sub.ParentID)
	assert.Equal(t, 0, sub.ChildCount)

	// Park something in the trash; the root count must not include the
	// trash area or unmapped leftovers like the mapping table file.
	junkID, err := e.files.Create(ctx, idmap.RootID, "junk.txt", []byte("j"))
	require.NoError(t, err)
	_, err = e.files.SoftDelete(ctx, junkID)
	require.NoError(t, err)

	rootRec, err := e.dirs.Stat(ctx, idmap.RootID)
	require.NoError(t, err)
	assert.Equal(t, idmap.RootID, rootRec.ID)
	assert.Equal(t, e.root, rootRec.Path)
	assert.Equal(t, 1, rootRec.ChildCount)

	_, err = e.dirs.Stat(ctx, idmap.NewStableID())
	assert.True(t, IsNotFound(err))
}

func TestLargeFileRoundTripThroughChunks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Well above the 256-byte test threshold and not chunk-aligned.
	content := make([]byte, 5000)
	_, err := rand.Read(content)
	require.NoError(t, err)

	fileID, err := e.files.Create(ctx, idmap.RootID, "blob.bin", content)
	require.NoError(t, err)

	rc, err := e.files.Read(ctx, fileID)
	require.NoError(t, err)
	got := readAll(t, rc)
	assert.Equal(t, hexSum(content), hexSum(got))

	rec, err := e.files.Stat(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), rec.Size)
	assert.Equal(t, "application/octet-stream", rec.MimeType)
}

func TestStatRecomputesAfterExternalChange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fileID, err := e.files.Create(ctx, idmap.RootID, "live.txt", []byte("old"))
	require.NoError(t, err)
	_, err = e.files.Stat(ctx, fileID)
	require.NoError(t, err)

	// Mutate the bytes behind the cache's back. The bytes win.
	abs := filepath.Join(e.root, "live.txt")
	require.NoError(t, os.WriteFile(abs, []byte("changed"), 0o644))

	rec, err := e.files.Stat(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(len("changed")), rec.Size)
	assert.Equal(t, hexSum([]byte("changed")), rec.ETag)
}

func TestConcurrentCreateSameName(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.files.Create(ctx, idmap.RootID, "race.txt", bytes.Repeat([]byte("x"), 10))
		}()
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.True(t, IsConflict(err), "loser error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestPurgeOrphanedReclaimsHalfTrashedEntries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fileID, err := e.files.Create(ctx, idmap.RootID, "stranded.txt", []byte("s"))
	require.NoError(t, err)
	trashID, err := e.files.SoftDelete(ctx, fileID)
	require.NoError(t, err)

	// Simulate a soft-delete that crashed before recording its sidecar:
	// the content sits in the slot but nothing lists it.
	itemDir := filepath.Join(e.root, paths.TrashDirName, trashID.String())
	require.NoError(t, os.Remove(filepath.Join(itemDir, "meta.json")))
	items, err := e.maint.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	// Ordinary purge paths never see the slot again.
	require.NoError(t, e.maint.Purge(ctx, trashID))
	assert.DirExists(t, itemDir)

	// Younger than the grace cutoff: left alone.
	reclaimed, err := e.maint.PurgeOrphaned(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	assert.DirExists(t, itemDir)

	// Past the cutoff: reclaimed.
	reclaimed, err = e.maint.PurgeOrphaned(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.NoDirExists(t, itemDir)

	// Fully trashed items are never treated as orphans.
	otherID, err := e.files.Create(ctx, idmap.RootID, "kept.txt", []byte("k"))
	require.NoError(t, err)
	otherTrash, err := e.files.SoftDelete(ctx, otherID)
	require.NoError(t, err)
	reclaimed, err = e.maint.PurgeOrphaned(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	assert.DirExists(t, filepath.Join(e.root, paths.TrashDirName, otherTrash.String()))
}

func TestMaintenanceExpiryAndEmptyTrash(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	idA, err := e.files.Create(ctx, idmap.RootID, "a.txt", []byte("a"))
	require.NoError(t, err)
	idB, err := e.files.Create(ctx, idmap.RootID, "b.txt", []byte("b"))
	require.NoError(t, err)

	trashA, err := e.files.SoftDelete(ctx, idA)
	require.NoError(t, err)
	e.clock.Advance(15 * 24 * time.Hour)
	trashB, err := e.files.SoftDelete(ctx, idB)
	require.NoError(t, err)

	expired, err := e.maint.ListExpired(ctx, e.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, expired)

	// 16 more days: only the first item has crossed its 30-day deadline.
	e.clock.Advance(16 * 24 * time.Hour)
	expired, err = e.maint.ListExpired(ctx, e.clock.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, trashA, expired[0].TrashID)

	require.NoError(t, e.maint.Purge(ctx, trashA))
	require.NoError(t, e.maint.Purge(ctx, trashA)) // idempotent

	// EmptyTrash takes the rest, expired or not.
	require.NoError(t, e.maint.EmptyTrash(ctx))
	items, err := e.maint.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoDirExists(t, filepath.Join(e.root, paths.TrashDirName, trashB.String()))
}
