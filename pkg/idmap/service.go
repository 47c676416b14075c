package idmap

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/nimbus-cloud/nimbusfs/internal/logger"
	"github.com/nimbus-cloud/nimbusfs/pkg/safeio"
)

// Service is the ID mapping service: the bidirectional, persistent mapping
// between stable IDs and current relative paths.
//
// The in-memory index (entries, byPath) mirrors the table and is rebuilt
// from it at startup. Every mutation appends to the table first and touches
// the index only after the append is durable, so the index never claims
// state the disk does not have.
//
// Invariants:
//   - at most one non-purged entry per stable ID
//   - at most one live entry per relative path (case-sensitive, exact match)
//
// Thread Safety: a single RWMutex makes Register/UpdatePath/Tombstone/
// Restore/Purge linearizable with respect to Resolve (single writer, many
// readers).
type Service struct {
	mu      sync.RWMutex
	table   Table
	entries map[StableID]*entry // live + tombstoned
	byPath  map[string]StableID // live only

	appends      int
	compactEvery int
}

type entry struct {
	path      string
	kind      Kind
	state     State
	updatedAt time.Time
}

// Options tunes the mapping service.
type Options struct {
	// CompactEvery triggers table compaction after this many appends,
	// provided the table carries more appended records than live entries.
	// Zero selects the default (1024); negative disables compaction.
	CompactEvery int
}

// NewService rebuilds the in-memory index from the table and returns a ready
// service. The table, not the index, is authoritative: anything the snapshot
// returns is trusted over whatever a previous process believed.
func NewService(table Table, opts Options) (*Service, error) {
	if opts.CompactEvery == 0 {
		opts.CompactEvery = 1024
	}

	records, err := table.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("rebuild mapping index: %w", err)
	}

	s := &Service{
		table:        table,
		entries:      make(map[StableID]*entry, len(records)),
		byPath:       make(map[string]StableID, len(records)),
		compactEvery: opts.CompactEvery,
	}

	for _, rec := range records {
		if rec.State == StatePurged {
			continue
		}
		s.entries[rec.ID] = &entry{
			path:      rec.Path,
			kind:      rec.Kind,
			state:     rec.State,
			updatedAt: rec.UpdatedAt,
		}
		if rec.State == StateLive {
			s.byPath[rec.Path] = rec.ID
		}
	}

	logger.Info("Mapping index rebuilt: %d live, %d tombstoned",
		len(s.byPath), len(s.entries)-len(s.byPath))
	return s, nil
}

// Resolve returns the current relative path for a live stable ID. O(1).
func (s *Service) Resolve(id StableID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok || e.state != StateLive {
		return "", fmt.Errorf("stable ID %s: %w", id, ErrNotFound)
	}
	return e.path, nil
}

// Lookup returns the full live record for a stable ID.
func (s *Service) Lookup(id StableID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok || e.state != StateLive {
		return Record{}, fmt.Errorf("stable ID %s: %w", id, ErrNotFound)
	}
	return Record{ID: id, Kind: e.kind, Path: e.path, State: e.state, UpdatedAt: e.updatedAt}, nil
}

// LookupPath returns the stable ID holding the given live path, if any.
func (s *Service) LookupPath(rel string) (StableID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPath[rel]
	return id, ok
}

// Register creates a live mapping for a freshly persisted file or folder.
//
// Fails with ErrConflict if the path is already live or the ID already has a
// non-purged entry.
func (s *Service) Register(id StableID, rel string, kind Kind) error {
	if err := validateRel(rel); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("stable ID %s already registered: %w", id, ErrConflict)
	}
	if other, taken := s.byPath[rel]; taken {
		return fmt.Errorf("path %q already mapped to %s: %w", rel, other, ErrConflict)
	}

	e := &entry{path: rel, kind: kind, state: StateLive, updatedAt: time.Now()}
	if err := s.append(id, e); err != nil {
		return err
	}

	s.entries[id] = e
	s.byPath[rel] = id
	s.maybeCompact()
	return nil
}

// UpdatePath rewrites the mapping for a single live entry. The stable ID is
// unchanged — this is what makes references survive renames.
//
// This call never touches physical bytes; it must be invoked only after the
// physical move has been durably committed, so a crash between the two
// leaves the mapping pointing at a path that still exists.
func (s *Service) UpdatePath(id StableID, newRel string) error {
	if err := validateRel(newRel); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.state != StateLive {
		return fmt.Errorf("stable ID %s: %w", id, ErrNotFound)
	}
	if e.path == newRel {
		return nil
	}
	if other, taken := s.byPath[newRel]; taken && other != id {
		return fmt.Errorf("path %q already mapped to %s: %w", newRel, other, ErrConflict)
	}

	oldRel := e.path
	updated := &entry{path: newRel, kind: e.kind, state: StateLive, updatedAt: time.Now()}
	if err := s.append(id, updated); err != nil {
		return err
	}

	delete(s.byPath, oldRel)
	s.entries[id] = updated
	s.byPath[newRel] = id
	s.maybeCompact()
	return nil
}

// MovePrefix relocates a live folder entry and every live descendant beneath
// it. Used by folder moves, where one physical rename changes the path of an
// entire subtree.
func (s *Service) MovePrefix(id StableID, newRel string) error {
	if err := validateRel(newRel); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.state != StateLive {
		return fmt.Errorf("stable ID %s: %w", id, ErrNotFound)
	}
	if e.kind != KindFolder {
		return fmt.Errorf("stable ID %s is not a folder: %w", id, ErrConflict)
	}
	if other, taken := s.byPath[newRel]; taken && other != id {
		return fmt.Errorf("path %q already mapped to %s: %w", newRel, other, ErrConflict)
	}

	oldRel := e.path
	if oldRel == newRel {
		return nil
	}

	if err := s.rewriteLive(id, newRel); err != nil {
		return err
	}

	prefix := oldRel + "/"
	for _, childID := range s.liveDescendants(prefix) {
		child := s.entries[childID]
		childRel := newRel + "/" + strings.TrimPrefix(child.path, prefix)
		if err := s.rewriteLive(childID, childRel); err != nil {
			return err
		}
	}

	s.maybeCompact()
	return nil
}

// Tombstone marks an entry (and, for folders, its live subtree) dead while
// retaining it for restoration. Returns the entry's last known path and the
// IDs of the descendants tombstoned alongside it.
//
// Callers must hold on to the descendant IDs: tombstoned paths are not
// unique across trash generations (delete folder a, recreate a, delete
// again), so a later Restore or Purge has to name its subtree by ID, never
// by path prefix.
func (s *Service) Tombstone(id StableID) (string, []StableID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.state != StateLive {
		return "", nil, fmt.Errorf("stable ID %s: %w", id, ErrNotFound)
	}

	lastPath := e.path
	var descendants []StableID
	if e.kind == KindFolder {
		descendants = s.liveDescendants(lastPath + "/")
		for _, childID := range descendants {
			if err := s.setState(childID, StateTombstoned); err != nil {
				return "", nil, err
			}
		}
	}
	if err := s.setState(id, StateTombstoned); err != nil {
		return "", nil, err
	}

	s.maybeCompact()
	return lastPath, descendants, nil
}

// Restore revives a tombstoned entry at newRel, keeping its original stable
// ID. descendants names the subtree tombstoned with it (as returned by
// Tombstone); exactly those entries are revived beneath the restored
// location with their suffixes intact. Descendants that were purged in the
// meantime, or whose target path is occupied, are skipped with a warning.
func (s *Service) Restore(id StableID, newRel string, descendants []StableID) error {
	if err := validateRel(newRel); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.state != StateTombstoned {
		return fmt.Errorf("stable ID %s has no tombstoned entry: %w", id, ErrNotFound)
	}
	if other, taken := s.byPath[newRel]; taken {
		return fmt.Errorf("path %q already mapped to %s: %w", newRel, other, ErrConflict)
	}

	oldRel := e.path
	revived := &entry{path: newRel, kind: e.kind, state: StateLive, updatedAt: time.Now()}
	if err := s.append(id, revived); err != nil {
		return err
	}
	s.entries[id] = revived
	s.byPath[newRel] = id

	prefix := oldRel + "/"
	for _, childID := range descendants {
		child, exists := s.entries[childID]
		if !exists || child.state != StateTombstoned {
			continue
		}
		if !strings.HasPrefix(child.path, prefix) {
			logger.Warn("Skipping restore of %s: path %q not under %q", childID, child.path, oldRel)
			continue
		}
		childRel := newRel + "/" + strings.TrimPrefix(child.path, prefix)
		if _, taken := s.byPath[childRel]; taken {
			logger.Warn("Skipping restore of %s: path %q occupied", childID, childRel)
			continue
		}
		rc := &entry{path: childRel, kind: child.kind, state: StateLive, updatedAt: time.Now()}
		if err := s.append(childID, rc); err != nil {
			return err
		}
		s.entries[childID] = rc
		s.byPath[childRel] = childID
	}

	s.maybeCompact()
	return nil
}

// Purge hard-removes a tombstoned entry and the named descendants that were
// tombstoned with it. Only the trash purge path calls this, after the
// physical trash content has been deleted. Idempotent: purging an unknown
// ID is a no-op, and descendants revived or purged since are skipped: a
// path-prefix match would wrongly claim a later trash generation's subtree.
func (s *Service) Purge(id StableID, descendants []StableID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	victims := make([]StableID, 0, len(descendants)+1)
	if e, ok := s.entries[id]; ok {
		if e.state != StateTombstoned {
			return fmt.Errorf("stable ID %s is still live: %w", id, ErrConflict)
		}
		victims = append(victims, id)
	}
	for _, childID := range descendants {
		child, ok := s.entries[childID]
		if !ok {
			continue
		}
		if child.state != StateTombstoned {
			logger.Warn("Skipping purge of %s: entry is live again", childID)
			continue
		}
		victims = append(victims, childID)
	}

	for _, victim := range victims {
		v := s.entries[victim]
		rec := Record{ID: victim, Kind: v.kind, Path: v.path, State: StatePurged, UpdatedAt: time.Now()}
		if err := s.table.Append(rec); err != nil {
			return err
		}
		s.appends++
		delete(s.entries, victim)
	}

	s.maybeCompact()
	return nil
}

// Counts returns the number of live and tombstoned entries.
func (s *Service) Counts() (live, tombstoned int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byPath), len(s.entries) - len(s.byPath)
}

func (s *Service) Close() error {
	return s.table.Close()
}

// append writes the entry's current state to the table. Callers hold s.mu.
func (s *Service) append(id StableID, e *entry) error {
	rec := Record{ID: id, Kind: e.kind, Path: e.path, State: e.state, UpdatedAt: e.updatedAt}
	if err := s.table.Append(rec); err != nil {
		return err
	}
	s.appends++
	return nil
}

// rewriteLive appends and applies a path change for a live entry. Callers
// hold s.mu and have already checked conflicts for the top-level target.
func (s *Service) rewriteLive(id StableID, newRel string) error {
	e := s.entries[id]
	updated := &entry{path: newRel, kind: e.kind, state: StateLive, updatedAt: time.Now()}
	if err := s.append(id, updated); err != nil {
		return err
	}
	delete(s.byPath, e.path)
	s.entries[id] = updated
	s.byPath[newRel] = id
	return nil
}

// setState appends and applies a state flip for one entry, keeping its path.
// Entries leaving the live state drop out of byPath. Callers hold s.mu.
func (s *Service) setState(id StableID, state State) error {
	e := s.entries[id]
	updated := &entry{path: e.path, kind: e.kind, state: state, updatedAt: time.Now()}
	if err := s.append(id, updated); err != nil {
		return err
	}
	if e.state == StateLive && state != StateLive {
		delete(s.byPath, e.path)
	}
	s.entries[id] = updated
	return nil
}

// liveDescendants returns the IDs of live entries under the given prefix.
// Snapshotted into a slice because callers mutate byPath while iterating.
func (s *Service) liveDescendants(prefix string) []StableID {
	var ids []StableID
	for p, id := range s.byPath {
		if strings.HasPrefix(p, prefix) {
			ids = append(ids, id)
		}
	}
	return ids
}

// maybeCompact rewrites the table once enough superseded records accumulate
// to keep lookup and replay cost flat as churn piles up. Compaction failures
// are logged, not fatal: the table is still correct, just fat.
func (s *Service) maybeCompact() {
	if s.compactEvery <= 0 || s.appends < s.compactEvery || s.appends <= len(s.entries) {
		return
	}

	records := make([]Record, 0, len(s.entries))
	for id, e := range s.entries {
		records = append(records, Record{
			ID: id, Kind: e.kind, Path: e.path, State: e.state, UpdatedAt: e.updatedAt,
		})
	}

	if err := s.table.Compact(records); err != nil {
		logger.Error("Mapping table compaction failed: %v", err)
		return
	}
	s.appends = 0
}

// validateRel rejects paths that are empty, absolute, unclean or escaping.
func validateRel(rel string) error {
	if rel == "" || rel == "." || strings.HasPrefix(rel, "/") {
		return fmt.Errorf("relative path %q: %w", rel, safeio.ErrInvalidPath)
	}
	if path.Clean(rel) != rel || rel == ".." || strings.HasPrefix(rel, "../") {
		return fmt.Errorf("relative path %q is not clean: %w", rel, safeio.ErrInvalidPath)
	}
	if len(rel) > maxPathLen {
		return fmt.Errorf("relative path exceeds %d bytes: %w", maxPathLen, safeio.ErrInvalidPath)
	}
	return nil
}
