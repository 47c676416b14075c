package idmap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nimbus-cloud/nimbusfs/internal/logger"
	"github.com/nimbus-cloud/nimbusfs/pkg/safeio"
)

// arenaMagic identifies the on-disk arena format. It doubles as a version
// marker; a layout change bumps the trailing digit.
const arenaMagic = "NIMBMAP1"

// ArenaTable is the default Table implementation: a flat append-only file of
// binary records, fsynced on every append.
//
// Mutations append; reads replay. The file grows with churn until the
// service asks for compaction, which rewrites the arena through the same
// atomic write primitive used for file content (write-new-file, fsync,
// rename) and therefore survives a crash at any point.
//
// Crash recovery: a crash during an append can leave a torn record at the
// tail. Open detects it, logs a warning and truncates the file back to the
// last clean record boundary.
//
// Thread Safety: Safe for concurrent use; a single mutex serializes all
// file access.
type ArenaTable struct {
	mu   sync.Mutex
	path string
	fsx  *safeio.FS
	f    *os.File // append handle, opened O_APPEND
}

// NewArenaTable opens (or creates) the arena at path, running crash recovery
// on the tail before accepting appends.
func NewArenaTable(path string, fsx *safeio.FS) (*ArenaTable, error) {
	if err := fsx.CreateDirWithSync(context.Background(), filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create arena directory: %w", err)
	}

	t := &ArenaTable{path: path, fsx: fsx}
	if err := t.openAndRecover(); err != nil {
		return nil, err
	}
	return t, nil
}

// openAndRecover validates the magic header, truncates any torn tail record
// and opens the append handle. Callers must hold t.mu or be the constructor.
func (t *ArenaTable) openAndRecover() error {
	f, err := os.OpenFile(t.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open arena %s: %w", t.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat arena: %w", err)
	}

	if info.Size() == 0 {
		if _, err := f.Write([]byte(arenaMagic)); err != nil {
			_ = f.Close()
			return fmt.Errorf("write arena header: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync arena header: %w", err)
		}
	} else {
		validEnd, err := scanArena(f, nil)
		if err != nil {
			_ = f.Close()
			return err
		}
		if validEnd < info.Size() {
			logger.Warn("Arena %s has %d bytes of torn tail data, truncating to %d",
				t.path, info.Size()-validEnd, validEnd)
			if err := f.Truncate(validEnd); err != nil {
				_ = f.Close()
				return fmt.Errorf("truncate torn arena tail: %w", err)
			}
			if err := f.Sync(); err != nil {
				_ = f.Close()
				return fmt.Errorf("sync arena after truncate: %w", err)
			}
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close arena recovery handle: %w", err)
	}

	appendHandle, err := os.OpenFile(t.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open arena for append: %w", err)
	}
	t.f = appendHandle
	return nil
}

// scanArena replays records from the start of f, invoking visit for each
// clean record, and returns the byte offset of the last clean boundary.
func scanArena(f *os.File, visit func(Record)) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek arena: %w", err)
	}

	r := bufio.NewReader(f)

	magic := make([]byte, len(arenaMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return 0, fmt.Errorf("read arena header: %w", err)
	}
	if string(magic) != arenaMagic {
		return 0, fmt.Errorf("arena header mismatch: got %q", magic)
	}

	offset := int64(len(arenaMagic))
	for {
		rec, err := decodeRecord(r)
		if err == io.EOF {
			return offset, nil
		}
		if err == io.ErrUnexpectedEOF {
			// Torn tail from a crash mid-append; everything before it is good.
			return offset, nil
		}
		if err != nil {
			return 0, fmt.Errorf("decode arena record at offset %d: %w", offset, err)
		}
		if visit != nil {
			visit(rec)
		}
		offset += int64(encodedSize(rec))
	}
}

// Append durably adds rec: one write, one fsync.
func (t *ArenaTable) Append(rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.f.Write(data); err != nil {
		return fmt.Errorf("append arena record: %w", err)
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("sync arena append: %w", err)
	}
	return nil
}

// Snapshot replays the arena and returns the latest record per stable ID.
func (t *ArenaTable) Snapshot() ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open arena for snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	latest := make(map[StableID]Record)
	if _, err := scanArena(f, func(rec Record) {
		latest[rec.ID] = rec
	}); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(latest))
	for _, rec := range latest {
		records = append(records, rec)
	}
	return records, nil
}

// Compact rewrites the arena to contain exactly the given records.
//
// The rewrite reuses the atomic-write primitive (write temp, fsync, rename,
// fsync directory), so a crash mid-compaction leaves the previous arena
// intact. The append handle is reopened against the new file afterwards.
func (t *ArenaTable) Compact(records []Record) error {
	var buf bytes.Buffer
	buf.WriteString(arenaMagic)
	for _, rec := range records {
		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		buf.Write(data)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.fsx.AtomicWrite(context.Background(), t.path, buf.Bytes()); err != nil {
		return fmt.Errorf("rewrite arena: %w", err)
	}

	// The old append handle points at the replaced inode.
	if err := t.f.Close(); err != nil {
		return fmt.Errorf("close stale arena handle: %w", err)
	}

	f, err := os.OpenFile(t.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("reopen arena after compaction: %w", err)
	}
	t.f = f

	logger.Debug("Compacted arena %s to %d records (%d bytes)", t.path, len(records), buf.Len())
	return nil
}

func (t *ArenaTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}
