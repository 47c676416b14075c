package safeio

import (
	"context"
	"fmt"
	"time"
)

// Budgets holds per-class time limits for durability-critical operations.
//
// Every sync call in this package is a real disk barrier, so each primitive
// is individually bounded rather than relying on a single deadline for a
// whole repository call. A zero budget disables the limit for that class.
type Budgets struct {
	// FileWrite bounds atomic file writes (temp write + fsync + rename).
	FileWrite time.Duration

	// DirOp bounds directory mutations (create, rename, remove + fsync).
	DirOp time.Duration

	// IO bounds generic operations (open, stat, streaming reads).
	IO time.Duration
}

// withBudget runs fn under the given budget and maps a deadline to
// ErrTimeout.
//
// The function keeps running in its goroutine after a timeout; there is no
// way to interrupt a syscall that is already in flight. That is exactly the
// "possibly-not-happened" contract: the caller sees ErrTimeout and must
// assume nothing about the disk state.
func withBudget(ctx context.Context, budget time.Duration, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if budget <= 0 {
		return fn()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s: %w (budget %s)", op, ErrTimeout, budget)
	}
}
