// Package safeio implements durable primitive I/O for the storage engine.
//
// Every operation in this package follows the same discipline: data reaches
// the disk through an explicit fsync before the operation reports success,
// and file replacement goes through the write-temp, fsync, rename, fsync-dir
// sequence so a crash at any point leaves either the complete old state or
// the complete new state, never a partial write.
//
// These guarantees are not free. Each sync is a disk barrier; callers must
// not invoke these primitives on a hot, low-latency path without reason.
package safeio

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FS provides durable filesystem primitives bounded by per-class budgets.
//
// Thread Safety: Safe for concurrent use. The struct holds only immutable
// configuration; all state lives on the filesystem.
type FS struct {
	budgets Budgets
}

// New returns an FS enforcing the given budgets. Zero budget values disable
// the time limit for that operation class.
func New(budgets Budgets) *FS {
	return &FS{budgets: budgets}
}

// AtomicWrite writes data to path with all-or-nothing semantics.
//
// The sequence is: create a temporary file in the same directory as path,
// write the full content, fsync the temp file, rename it over path, then
// fsync the parent directory so the new directory entry survives a crash.
// After a crash at any byte offset, path either contains the complete new
// content or is unchanged (or absent, if it never existed).
//
// Idempotent: safe to retry on ErrTimeout.
func (f *FS) AtomicWrite(ctx context.Context, path string, data []byte) error {
	return f.AtomicWriteFunc(ctx, path, func(tmp *os.File) error {
		_, err := tmp.Write(data)
		return err
	})
}

// AtomicWriteFrom streams r into path under the same all-or-nothing contract
// as AtomicWrite. buf is the copy buffer; pass a pooled buffer to avoid
// per-call allocations, or nil to let io.CopyBuffer allocate one.
func (f *FS) AtomicWriteFrom(ctx context.Context, path string, r io.Reader, buf []byte) error {
	return f.AtomicWriteFunc(ctx, path, func(tmp *os.File) error {
		_, err := io.CopyBuffer(tmp, r, buf)
		return err
	})
}

// AtomicWriteFunc runs fill against the temporary file and commits it over
// path only if fill succeeds. This is the building block behind AtomicWrite
// and the chunked write path: fill may write the temp file from several
// goroutines, and the rename happens only after every byte is down.
//
// If fill returns an error (including cancellation between chunks), the temp
// file is removed and path is untouched — no visible effect.
func (f *FS) AtomicWriteFunc(ctx context.Context, path string, fill func(tmp *os.File) error) error {
	return withBudget(ctx, f.budgets.FileWrite, "atomic write "+path, func() error {
		return atomicCommit(path, fill)
	})
}

// atomicCommit is the unbudgeted write-temp-fsync-rename-fsync sequence.
func atomicCommit(path string, fill func(tmp *os.File) error) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".nimbus-write-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	fail := func(step string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%s: %w", step, err)
	}

	if err := fill(tmp); err != nil {
		return fail("write temp file", err)
	}

	// Data and metadata barrier on the temp file before it becomes visible.
	if err := tmp.Sync(); err != nil {
		return fail("sync temp file", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file over %s: %w", path, err)
	}

	return syncDir(dir)
}

// CreateDirWithSync creates path and any missing ancestors, then syncs each
// created directory's parent so the new entries survive a crash.
//
// Idempotent: safe to retry on ErrTimeout, and a no-op if path exists.
func (f *FS) CreateDirWithSync(ctx context.Context, path string) error {
	return withBudget(ctx, f.budgets.DirOp, "create dir "+path, func() error {
		// Find the deepest ancestor that already exists as a directory;
		// everything below it is created by MkdirAll and needs its entry
		// synced. A component that exists as something else is skipped
		// here so MkdirAll reports the OS error for it.
		existing := path
		for {
			if info, err := os.Stat(existing); err == nil && info.IsDir() {
				break
			}
			parent := filepath.Dir(existing)
			if parent == existing {
				break
			}
			existing = parent
		}

		if existing == path {
			// Already a directory.
			return nil
		}

		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", path, err)
		}

		// Sync every directory from the created leaf up to (and including)
		// the pre-existing ancestor, so each new entry is durable.
		for p := path; ; p = filepath.Dir(p) {
			if err := syncDir(p); err != nil {
				return err
			}
			if p == existing {
				break
			}
		}

		return nil
	})
}

// RenameWithSync renames from to to and syncs the directory (or directories,
// when from and to have different parents) holding the affected entries.
//
// Not retryable on ErrTimeout: a late completion would make a retry fail
// with NotFound even though the rename happened.
func (f *FS) RenameWithSync(ctx context.Context, from, to string) error {
	return withBudget(ctx, f.budgets.DirOp, "rename "+from, func() error {
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("rename %s to %s: %w", from, to, err)
		}

		toDir := filepath.Dir(to)
		if err := syncDir(toDir); err != nil {
			return err
		}

		if fromDir := filepath.Dir(from); fromDir != toDir {
			return syncDir(fromDir)
		}
		return nil
	})
}

// RemoveFileWithSync deletes path and syncs its parent directory.
func (f *FS) RemoveFileWithSync(ctx context.Context, path string) error {
	return withBudget(ctx, f.budgets.DirOp, "remove "+path, func() error {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return syncDir(filepath.Dir(path))
	})
}

// RemoveAllWithSync deletes path and everything below it, then syncs the
// parent directory. Removing an already-absent path is not an error, which
// makes purge idempotent.
func (f *FS) RemoveAllWithSync(ctx context.Context, path string) error {
	return withBudget(ctx, f.budgets.DirOp, "remove all "+path, func() error {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove all %s: %w", path, err)
		}
		return syncDir(filepath.Dir(path))
	})
}

// RunIO runs fn under the generic I/O budget. The repository layer uses this
// to bound open and stat calls that do not belong to the write or directory
// classes.
func (f *FS) RunIO(ctx context.Context, op string, fn func() error) error {
	return withBudget(ctx, f.budgets.IO, op, fn)
}

// syncDir fsyncs a directory so recently added, renamed or removed entries
// are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory %s for sync: %w", dir, err)
	}

	if err := d.Sync(); err != nil {
		_ = d.Close()
		return fmt.Errorf("sync directory %s: %w", dir, err)
	}

	if err := d.Close(); err != nil {
		return fmt.Errorf("close directory %s after sync: %w", dir, err)
	}
	return nil
}
