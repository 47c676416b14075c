package repo

import (
	"errors"
	"io/fs"

	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
	"github.com/nimbus-cloud/nimbusfs/pkg/safeio"
)

// RepoError is the domain error surfaced by repository operations.
//
// These are business outcomes (not found, name collision, …) as opposed to
// raw infrastructure failures. Protocol adapters at the layer above map the
// Code to their own status vocabulary (HTTP, WebDAV); nothing in this
// package knows about that mapping.
type RepoError struct {
	// Code is the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Path is the filesystem path related to the error, if applicable.
	Path string

	// Cause is the underlying error, preserved for errors.Is/As.
	Cause error
}

func (e *RepoError) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

func (e *RepoError) Unwrap() error {
	return e.Cause
}

// ErrorCode categorizes repository failures.
type ErrorCode int

const (
	// ErrNotFound indicates the stable ID, trash ID or path does not
	// resolve to a live entry. Surfaced, never retried.
	ErrNotFound ErrorCode = iota

	// ErrConflict indicates a name collision or concurrent state change.
	// Surfaced, never retried.
	ErrConflict

	// ErrInvalidPath indicates a traversal attempt or malformed path.
	// Fatal; already logged as a potential security event where detected.
	ErrInvalidPath

	// ErrTimeout indicates an operation exceeded its budget. The operation
	// possibly did not happen; idempotent primitives were already retried
	// once by the repository before this surfaced.
	ErrTimeout

	// ErrIO indicates an underlying OS failure (disk full, permissions).
	// Surfaced with its cause, never silently swallowed.
	ErrIO
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "not found"
	case ErrConflict:
		return "conflict"
	case ErrInvalidPath:
		return "invalid path"
	case ErrTimeout:
		return "timeout"
	case ErrIO:
		return "io error"
	default:
		return "unknown"
	}
}

// wrapErr maps lower-layer errors into a RepoError without losing the
// original cause.
func wrapErr(err error, message, path string) error {
	if err == nil {
		return nil
	}

	var repoErr *RepoError
	if errors.As(err, &repoErr) {
		return err
	}

	code := ErrIO
	switch {
	case errors.Is(err, idmap.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		code = ErrNotFound
	case errors.Is(err, idmap.ErrConflict), errors.Is(err, fs.ErrExist):
		code = ErrConflict
	case errors.Is(err, safeio.ErrInvalidPath):
		code = ErrInvalidPath
	case errors.Is(err, safeio.ErrTimeout):
		code = ErrTimeout
	}

	return &RepoError{Code: code, Message: message, Path: path, Cause: err}
}

func codeOf(err error) (ErrorCode, bool) {
	var repoErr *RepoError
	if errors.As(err, &repoErr) {
		return repoErr.Code, true
	}
	return 0, false
}

// IsNotFound reports whether err is a not-found outcome.
func IsNotFound(err error) bool {
	if code, ok := codeOf(err); ok {
		return code == ErrNotFound
	}
	return errors.Is(err, idmap.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// IsConflict reports whether err is a collision or concurrent-state outcome.
func IsConflict(err error) bool {
	if code, ok := codeOf(err); ok {
		return code == ErrConflict
	}
	return errors.Is(err, idmap.ErrConflict) || errors.Is(err, fs.ErrExist)
}

// IsInvalidPath reports whether err is a path validation failure.
func IsInvalidPath(err error) bool {
	if code, ok := codeOf(err); ok {
		return code == ErrInvalidPath
	}
	return errors.Is(err, safeio.ErrInvalidPath)
}

// IsTimeout reports whether err is a budget overrun.
func IsTimeout(err error) bool {
	if code, ok := codeOf(err); ok {
		return code == ErrTimeout
	}
	return errors.Is(err, safeio.ErrTimeout)
}
