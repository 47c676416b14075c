package idmap

import (
	"bytes"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerTable is a Table backed by BadgerDB.
//
// Where the file arena keeps every superseded record until compaction,
// Badger stores exactly one value per stable ID (its LSM tree handles
// supersession internally), so Snapshot is a plain iteration and Compact is
// a value-log GC hint rather than a rewrite.
//
// Suitable for deployments with heavy rename churn, where arena compaction
// pauses would be noticeable.
type BadgerTable struct {
	db *badger.DB
}

// BadgerOptions configures the BadgerDB mapping table.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory runs the database without persistence. Test use only.
	InMemory bool
}

// NewBadgerTable opens the database at opts.Path, creating it if needed.
func NewBadgerTable(opts BadgerOptions) (*BadgerTable, error) {
	badgerOpts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger mapping table: %w", err)
	}

	return &BadgerTable{db: db}, nil
}

// Append upserts the record under its stable ID. Purge records delete the
// key outright; Badger has no use for an explicit purge marker because a
// deleted key never resurfaces on replay.
func (t *BadgerTable) Append(rec Record) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		if rec.State == StatePurged {
			return txn.Delete(rec.ID[:])
		}

		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		return txn.Set(rec.ID[:], data)
	})
	if err != nil {
		return fmt.Errorf("append mapping record: %w", err)
	}
	return nil
}

// Snapshot returns every stored record.
func (t *BadgerTable) Snapshot() ([]Record, error) {
	var records []Record

	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := decodeRecord(bytes.NewReader(val))
				if err != nil {
					return fmt.Errorf("decode mapping record: %w", err)
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot mapping table: %w", err)
	}

	return records, nil
}

// Compact runs Badger's value-log GC. The records argument is ignored; the
// LSM tree already holds only the latest value per key.
func (t *BadgerTable) Compact(_ []Record) error {
	for {
		err := t.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("badger value log GC: %w", err)
		}
	}
}

func (t *BadgerTable) Close() error {
	return t.db.Close()
}
