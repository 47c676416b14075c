package repo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/nimbus-cloud/nimbusfs/internal/logger"
	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
)

// FileRepo is the filesystem-backed FileRepository. The physical bytes are
// authoritative; the mapping service carries identity and the metadata cache
// carries derived fields (size, ETag, MIME type) keyed by stable ID.
type FileRepo struct {
	*core
}

// NewFileRepo builds the file repository over the shared collaborators.
func NewFileRepo(d Deps) *FileRepo {
	return &FileRepo{core: newCore(d)}
}

var _ FileRepository = (*FileRepo)(nil)

// Create writes the content atomically, then registers the mapping. The
// mapping registration is the linearization point: when two callers race on
// the same name, exactly one Register succeeds and the other gets a
// Conflict. A crash between write and register leaves an unmapped physical
// file, which a later Create of the same name simply replaces.
func (r *FileRepo) Create(ctx context.Context, parentID idmap.StableID, name string, content []byte) (idmap.StableID, error) {
	abs, rel, err := r.resolver.PathForNewChild(parentID, name)
	if err != nil {
		return uuid.Nil, wrapErr(err, "create rejected", name)
	}

	if err := r.writeContent(ctx, abs, content); err != nil {
		return uuid.Nil, wrapErr(err, "failed to write file", rel)
	}

	id := idmap.NewStableID()
	if err := r.ids.Register(id, rel, idmap.KindFile); err != nil {
		return uuid.Nil, wrapErr(err, "failed to register file", rel)
	}

	r.cacheRecord(id, abs, content)
	logger.Debug("Created file %s (%s, %d bytes)", rel, id, len(content))
	return id, nil
}

// Read opens the file for streaming. Content above the parallel threshold is
// fetched through the chunked processor into memory; smaller files stream
// straight from the open handle.
func (r *FileRepo) Read(ctx context.Context, id idmap.StableID) (io.ReadCloser, error) {
	rec, err := r.lookupKind(id, idmap.KindFile)
	if err != nil {
		return nil, wrapErr(err, "file not found", id.String())
	}
	abs, err := r.resolver.AbsoluteOf(rec.Path)
	if err != nil {
		return nil, wrapErr(err, "file path unresolvable", rec.Path)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, wrapErr(err, "failed to open file", rec.Path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapErr(err, "failed to stat file", rec.Path)
	}

	if fi.Size() < r.proc.Threshold() {
		return f, nil
	}

	data, err := r.proc.ReadAll(ctx, f, fi.Size())
	f.Close()
	if err != nil {
		return nil, wrapErr(err, "chunked read failed", rec.Path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Stat returns the file's metadata record. Cached records are served only
// while the cached size and mtime still match the disk; on any disagreement
// the record is recomputed from the bytes, because the bytes win.
func (r *FileRepo) Stat(ctx context.Context, id idmap.StableID) (FileRecord, error) {
	rec, err := r.lookupKind(id, idmap.KindFile)
	if err != nil {
		return FileRecord{}, wrapErr(err, "file not found", id.String())
	}
	abs, err := r.resolver.AbsoluteOf(rec.Path)
	if err != nil {
		return FileRecord{}, wrapErr(err, "file path unresolvable", rec.Path)
	}

	fi, err := os.Stat(abs)
	if err != nil {
		return FileRecord{}, wrapErr(err, "failed to stat file", rec.Path)
	}

	if cached, ok := r.meta.Get(id); ok {
		if fr, ok := cached.(FileRecord); ok &&
			fr.Size == fi.Size() && fr.ModTime.Equal(fi.ModTime()) {
			fr.Path = abs
			return fr, nil
		}
	}

	etag, err := r.hashFile(ctx, abs)
	if err != nil {
		return FileRecord{}, wrapErr(err, "failed to hash file", rec.Path)
	}
	fr := FileRecord{
		ID:       id,
		Path:     abs,
		Size:     fi.Size(),
		ETag:     etag,
		ModTime:  fi.ModTime(),
		MimeType: mimeOf(abs),
	}
	r.meta.Put(id, fr)
	return fr, nil
}

// Update atomically replaces the content. The path is re-resolved at call
// time, so updating right after a committed move lands on the new location.
func (r *FileRepo) Update(ctx context.Context, id idmap.StableID, content []byte) error {
	rec, err := r.lookupKind(id, idmap.KindFile)
	if err != nil {
		return wrapErr(err, "file not found", id.String())
	}
	abs, err := r.resolver.AbsoluteOf(rec.Path)
	if err != nil {
		return wrapErr(err, "file path unresolvable", rec.Path)
	}

	if err := r.writeContent(ctx, abs, content); err != nil {
		return wrapErr(err, "failed to update file", rec.Path)
	}

	r.cacheRecord(id, abs, content)
	logger.Debug("Updated file %s (%s, %d bytes)", rec.Path, id, len(content))
	return nil
}

// MoveTo renames or relocates the file; the stable ID is untouched.
func (r *FileRepo) MoveTo(ctx context.Context, id idmap.StableID, newParentID idmap.StableID, newName string) error {
	return r.moveTo(ctx, id, idmap.KindFile, newParentID, newName)
}

// SoftDelete moves the file into the trash area.
func (r *FileRepo) SoftDelete(ctx context.Context, id idmap.StableID) (TrashID, error) {
	return r.softDelete(ctx, id, idmap.KindFile)
}

// Restore brings a trashed file back, to its original parent by default.
func (r *FileRepo) Restore(ctx context.Context, trashID TrashID, targetParentID *idmap.StableID) (idmap.StableID, error) {
	return r.restore(ctx, trashID, targetParentID, idmap.KindFile)
}

// Purge permanently deletes a trashed file. Idempotent.
func (r *FileRepo) Purge(ctx context.Context, trashID TrashID) error {
	return r.purge(ctx, trashID, idmap.KindFile)
}

// writeContent picks the write strategy by size: small files go through a
// single atomic write, large ones are fanned out over the chunked processor
// into the temp file so the rename still only happens once everything is on
// disk.
func (r *FileRepo) writeContent(ctx context.Context, abs string, content []byte) error {
	if int64(len(content)) < r.proc.Threshold() {
		return r.fsx.AtomicWrite(ctx, abs, content)
	}
	return r.fsx.AtomicWriteFunc(ctx, abs, func(tmp *os.File) error {
		return r.proc.WriteAll(ctx, tmp, content)
	})
}

// cacheRecord refreshes the metadata cache after a successful write. Best
// effort: a failed stat just leaves the cache cold.
func (r *FileRepo) cacheRecord(id idmap.StableID, abs string, content []byte) {
	fi, err := os.Stat(abs)
	if err != nil {
		r.meta.Invalidate(id)
		return
	}
	sum := sha256.Sum256(content)
	r.meta.Put(id, FileRecord{
		ID:       id,
		Path:     abs,
		Size:     fi.Size(),
		ETag:     hex.EncodeToString(sum[:]),
		ModTime:  fi.ModTime(),
		MimeType: mimeOf(abs),
	})
}

// hashFile streams the file through SHA-256 using a pooled buffer.
func (r *FileRepo) hashFile(ctx context.Context, abs string) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := r.bufs.Get(64 * 1024)
	defer r.bufs.Put(buf)

	h := sha256.New()
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read for hashing: %w", readErr)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func mimeOf(abs string) string {
	mt := mime.TypeByExtension(filepath.Ext(abs))
	if mt == "" {
		mt = "application/octet-stream"
	}
	return mt
}
