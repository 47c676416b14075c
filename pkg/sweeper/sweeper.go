// Package sweeper provides background cleanup of expired trash.
//
// The sweeper periodically scans the trash area and permanently purges items
// whose retention deadline has passed. It deliberately goes through the same
// purge path explicit callers use, so the two can race on the same item
// without harm: purge is idempotent.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimbus-cloud/nimbusfs/internal/logger"
	"github.com/nimbus-cloud/nimbusfs/pkg/repo"
)

// TrashSource is what the sweeper needs from the trash maintenance layer.
type TrashSource interface {
	ListExpired(ctx context.Context, now time.Time) ([]repo.TrashedItem, error)
	Purge(ctx context.Context, trashID repo.TrashID) error

	// PurgeOrphaned reclaims trash directories stranded without a sidecar
	// before cutoff, returning how many were removed.
	PurgeOrphaned(ctx context.Context, cutoff time.Time) (int, error)
}

// Config contains configuration for the trash sweeper.
type Config struct {
	// Enabled controls whether background sweeping is active.
	Enabled bool

	// Interval is how often to scan for expired items (default: 1h).
	Interval time.Duration

	// Concurrency is how many items are purged in parallel (default: 4).
	Concurrency int

	// ItemTimeout bounds each individual purge (default: 30s).
	ItemTimeout time.Duration

	// PurgeRate caps purges per second across all workers (default: 50).
	// Keeps a huge backlog of expired items from saturating disk I/O that
	// foreground operations need.
	PurgeRate float64

	// PurgeBurst is the limiter burst (default: Concurrency).
	PurgeBurst int

	// OrphanGrace is how old a sidecar-less trash directory must be before
	// it is treated as a crash leftover and reclaimed (default: 24h). Long
	// enough that an in-flight soft-delete is never caught mid-write.
	OrphanGrace time.Duration

	// DryRun logs what would be purged without deleting anything.
	DryRun bool
}

// Service is the background trash sweeper.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	source  TrashSource
	clock   repo.Clock
	config  Config
	limiter *rate.Limiter
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a sweeper. It is initialized but not started; call Start to
// begin background sweeping. A nil clock selects the system clock.
func New(source TrashSource, clock repo.Clock, config Config) *Service {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.ItemTimeout == 0 {
		config.ItemTimeout = 30 * time.Second
	}
	if config.PurgeRate <= 0 {
		config.PurgeRate = 50
	}
	if config.PurgeBurst <= 0 {
		config.PurgeBurst = config.Concurrency
	}
	if config.OrphanGrace <= 0 {
		config.OrphanGrace = 24 * time.Hour
	}
	if clock == nil {
		clock = repo.SystemClock{}
	}

	return &Service{
		source:  source,
		clock:   clock,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.PurgeRate), config.PurgeBurst),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeping. Returns immediately; the sweep loop runs
// until Stop is called.
func (s *Service) Start() {
	if !s.config.Enabled {
		logger.Info("Trash sweeper disabled")
		return
	}

	logger.Info("Starting trash sweeper: interval=%s concurrency=%d rate=%.0f/s dry_run=%v",
		s.config.Interval, s.config.Concurrency, s.config.PurgeRate, s.config.DryRun)

	go s.worker()
}

// Stop signals the sweep loop to stop and waits for any in-progress sweep to
// finish, bounded by ctx. Safe to call once per Start.
func (s *Service) Stop(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	logger.Info("Stopping trash sweeper...")
	close(s.stopCh)

	select {
	case <-s.doneCh:
		logger.Info("Trash sweeper stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Trash sweeper shutdown timeout")
		return ctx.Err()
	}
}

// RunNow triggers one immediate sweep, regardless of Enabled. Blocks until
// the sweep completes or ctx is cancelled. Used by tests and admin triggers.
func (s *Service) RunNow(ctx context.Context) (*Stats, error) {
	return s.sweep(ctx)
}

func (s *Service) worker() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := s.sweep(ctx)
			cancel()

			if err != nil {
				logger.Error("Trash sweep failed: %v", err)
			} else if stats.ExpiredCount > 0 || stats.OrphanedCount > 0 {
				logger.Info("Trash sweep completed: %s", stats.Summary())
			}

		case <-s.stopCh:
			return
		}
	}
}

// sweep performs one scan-and-purge pass. Individual purge failures are
// logged and counted, never fatal: a stuck item must not shield the rest of
// the backlog, and the next pass retries it anyway.
func (s *Service) sweep(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}

	expired, err := s.source.ListExpired(ctx, s.clock.Now())
	if err != nil {
		stats.EndTime = time.Now()
		return stats, fmt.Errorf("failed to list expired trash: %w", err)
	}
	stats.ExpiredCount = uint64(len(expired))

	if s.config.DryRun {
		logger.Info("Sweep: DRY RUN - would purge %d expired items", len(expired))
		for i, item := range expired {
			if i >= 10 {
				logger.Info("  ... and %d more", len(expired)-10)
				break
			}
			logger.Info("  - %s (%s, deleted %s)", item.TrashID, item.Name, item.DeletedAt.Format(time.RFC3339))
		}
		stats.EndTime = time.Now()
		return stats, nil
	}

	if len(expired) > 0 {
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			sem = make(chan struct{}, s.config.Concurrency)
		)
		for _, item := range expired {
			if err := ctx.Err(); err != nil {
				break
			}
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}

			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				itemCtx, cancel := context.WithTimeout(ctx, s.config.ItemTimeout)
				defer cancel()

				if err := s.source.Purge(itemCtx, item.TrashID); err != nil {
					logger.Warn("Sweep: failed to purge %s: %v", item.TrashID, err)
					mu.Lock()
					stats.FailedCount++
					mu.Unlock()
					return
				}
				mu.Lock()
				stats.PurgedCount++
				mu.Unlock()
			}()
		}
		wg.Wait()
	}

	// Reclaim slots a crashed soft-delete left behind without a sidecar.
	// Counted separately so operators can tell cleanup from normal expiry.
	cutoff := s.clock.Now().Add(-s.config.OrphanGrace)
	reclaimed, orphanErr := s.source.PurgeOrphaned(ctx, cutoff)
	if orphanErr != nil {
		logger.Warn("Sweep: orphan reclamation failed: %v", orphanErr)
	}
	stats.OrphanedCount = uint64(reclaimed)

	stats.EndTime = time.Now()
	return stats, ctx.Err()
}

// Stats contains statistics from a single sweep.
type Stats struct {
	StartTime     time.Time
	EndTime       time.Time
	ExpiredCount  uint64 // expired items found
	PurgedCount   uint64 // successfully purged
	FailedCount   uint64 // purge attempts that failed
	OrphanedCount uint64 // sidecar-less directories reclaimed
}

// Duration returns the total sweep duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the sweep.
func (s *Stats) Summary() string {
	return fmt.Sprintf("expired=%d purged=%d failed=%d orphaned=%d duration=%s",
		s.ExpiredCount, s.PurgedCount, s.FailedCount, s.OrphanedCount, s.Duration())
}
