// Package idmap implements the stable-ID mapping service.
//
// The mapping service owns the authoritative relationship between opaque
// stable IDs and current filesystem paths. Every other component refers to
// files and folders through stable IDs, so a rename or move only ever
// rewrites a mapping entry here — the ID itself never changes, and anything
// downstream that cached it (sharing, favorites, search, WebDAV) keeps
// working.
//
// Persistence is an append/compact table behind the Table interface, with a
// file-arena implementation (default) and a BadgerDB implementation. An
// in-memory index mirrors the table and is rebuilt from it at startup; the
// on-disk table, not the index, is authoritative.
package idmap

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// StableID is the opaque, globally unique identifier assigned once per
// logical file or folder. It is never reused and never mutated; only its
// path mapping changes.
type StableID = uuid.UUID

// RootID is the well-known ID of the storage root. It is never registered
// in the table; the path resolver maps it to the storage root directly.
var RootID = uuid.Nil

// NewStableID mints a fresh stable ID.
func NewStableID() StableID {
	return uuid.New()
}

// Kind discriminates file entries from folder entries.
type Kind byte

const (
	KindFile   Kind = 1
	KindFolder Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFolder:
		return "folder"
	default:
		return "unknown"
	}
}

// State tracks the lifecycle of a mapping entry.
//
// Live entries resolve; tombstoned entries are dead but retained so a trash
// restore can revive them; purged entries are gone for good and dropped at
// the next compaction.
type State byte

const (
	StateLive       State = 0
	StateTombstoned State = 1
	StatePurged     State = 2
)

// Record is one mapping table entry. The table is append-only: every
// mutation appends a new record and the latest record per ID wins on replay.
type Record struct {
	ID        StableID
	Kind      Kind
	Path      string
	State     State
	UpdatedAt time.Time
}

// Table is the persistence substrate for the mapping service.
//
// Implementations must make Append durable before returning: a record that
// Append accepted survives a crash.
type Table interface {
	// Append durably adds rec. The latest record per stable ID wins.
	Append(rec Record) error

	// Snapshot replays the table and returns the latest record per stable
	// ID, in no particular order. Purged records may be omitted.
	Snapshot() ([]Record, error)

	// Compact rewrites the table to contain exactly the given records,
	// discarding superseded and purged ones. Implementations with their own
	// garbage collection may treat this as a hint.
	Compact(records []Record) error

	Close() error
}

var (
	// ErrNotFound indicates the stable ID or path has no live entry.
	ErrNotFound = errors.New("mapping not found")

	// ErrConflict indicates the path is already live or the ID is already
	// registered.
	ErrConflict = errors.New("mapping conflict")
)
