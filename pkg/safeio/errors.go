package safeio

import "errors"

// Typed failures surfaced by the safety layer. Implementations never recover
// locally; errors always propagate to the repository layer wrapped with
// operation context.
//
// Usage Pattern:
//
//	if err := fs.AtomicWrite(ctx, path, data); err != nil {
//	    if errors.Is(err, safeio.ErrTimeout) {
//	        // idempotent primitive: safe to retry once
//	    }
//	    return err
//	}
var (
	// ErrTimeout indicates an operation exceeded its configured budget.
	//
	// The operation is considered to have possibly-not-happened: the
	// underlying syscall may still complete after this error is returned.
	// Callers must treat the operation as failed. Idempotent primitives
	// (AtomicWrite, CreateDirWithSync) are safe to retry; Rename and Remove
	// are not, because a late completion changes their preconditions.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidPath indicates a traversal attempt or malformed path.
	//
	// This is treated as a potential security event and logged at Error
	// level by the path resolver before it is surfaced.
	ErrInvalidPath = errors.New("invalid path")
)
