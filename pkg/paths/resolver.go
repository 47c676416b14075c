// Package paths translates stable IDs into absolute filesystem paths.
//
// The resolver is the only component that composes the storage root with the
// relative paths owned by the mapping service, and the only place traversal
// defense lives: any resolved path that would escape the root fails closed.
package paths

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nimbus-cloud/nimbusfs/internal/logger"
	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
	"github.com/nimbus-cloud/nimbusfs/pkg/safeio"
)

// TrashDirName is the reserved directory under the storage root holding
// soft-deleted content. No live mapping may point into it and no child of
// the root may take its name.
const TrashDirName = ".trash"

// InternalDirName is the reserved directory under the storage root holding
// engine state such as the mapping table. Reserved for the same reason as
// the trash area: a user folder with this name could be trashed and purged,
// taking the mapping table with it.
const InternalDirName = ".nimbus"

// reservedRootName reports whether name may not be created directly under
// the storage root.
func reservedRootName(name string) bool {
	return name == TrashDirName || name == InternalDirName
}

// maxNameLen mirrors the usual filesystem component limit.
const maxNameLen = 255

// Resolver turns stable IDs and logical parent/child relationships into
// absolute paths inside the storage root.
//
// Thread Safety: Safe for concurrent use; all state is immutable or owned by
// the mapping service.
type Resolver struct {
	root string
	ids  *idmap.Service
}

// NewResolver creates a resolver rooted at root, which must be an absolute
// path.
func NewResolver(root string, ids *idmap.Service) (*Resolver, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("storage root %q is not absolute: %w", root, safeio.ErrInvalidPath)
	}
	return &Resolver{root: filepath.Clean(root), ids: ids}, nil
}

// Root returns the absolute storage root.
func (r *Resolver) Root() string {
	return r.root
}

// TrashDir returns the absolute path of the reserved trash area.
func (r *Resolver) TrashDir() string {
	return filepath.Join(r.root, TrashDirName)
}

// AbsolutePath resolves a stable ID to an absolute path inside the storage
// root. idmap.RootID resolves to the root itself.
func (r *Resolver) AbsolutePath(id idmap.StableID) (string, error) {
	if id == idmap.RootID {
		return r.root, nil
	}

	rel, err := r.ids.Resolve(id)
	if err != nil {
		return "", err
	}

	return r.join(rel)
}

// RelativeOf returns the mapping-relative form of name under the parent's
// current path. It performs the same validation as PathForNewChild but no
// sibling collision check.
func (r *Resolver) RelativeOf(parentID idmap.StableID, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}

	if parentID == idmap.RootID {
		if reservedRootName(name) {
			return "", fmt.Errorf("name %q is reserved: %w", name, safeio.ErrInvalidPath)
		}
		return name, nil
	}

	parent, err := r.ids.Lookup(parentID)
	if err != nil {
		return "", err
	}
	if parent.Kind != idmap.KindFolder {
		return "", fmt.Errorf("parent %s is not a folder: %w", parentID, idmap.ErrConflict)
	}

	return parent.Path + "/" + name, nil
}

// PathForNewChild computes the absolute and relative paths for a new child
// of parentID, checking the name against live siblings before any I/O
// happens. Fails with idmap.ErrConflict when a live sibling holds the name.
func (r *Resolver) PathForNewChild(parentID idmap.StableID, name string) (abs string, rel string, err error) {
	rel, err = r.RelativeOf(parentID, name)
	if err != nil {
		return "", "", err
	}

	if other, taken := r.ids.LookupPath(rel); taken {
		return "", "", fmt.Errorf("name %q already taken by %s: %w", name, other, idmap.ErrConflict)
	}

	abs, err = r.join(rel)
	if err != nil {
		return "", "", err
	}
	return abs, rel, nil
}

// AbsoluteOf composes the storage root with a mapping-relative path,
// applying the same traversal defense as AbsolutePath. Used by the trash
// flow, which computes restore destinations before any mapping exists.
func (r *Resolver) AbsoluteOf(rel string) (string, error) {
	return r.join(rel)
}

// join composes root + rel and fails closed on anything that escapes the
// root. A failure here means a corrupt or hostile mapping entry and is
// logged as a potential security event.
func (r *Resolver) join(rel string) (string, error) {
	abs := filepath.Join(r.root, filepath.FromSlash(rel))
	if abs != r.root && !strings.HasPrefix(abs, r.root+string(filepath.Separator)) {
		logger.Error("Path traversal blocked: %q escapes storage root %q", rel, r.root)
		return "", fmt.Errorf("path %q escapes storage root: %w", rel, safeio.ErrInvalidPath)
	}
	return abs, nil
}

// validateName rejects path components that could change directory level or
// break the mapping table's one-line-per-path assumption.
func validateName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("name %q: %w", name, safeio.ErrInvalidPath)
	case len(name) > maxNameLen:
		return fmt.Errorf("name exceeds %d bytes: %w", maxNameLen, safeio.ErrInvalidPath)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("name %q contains illegal characters: %w", name, safeio.ErrInvalidPath)
	}
	return nil
}
