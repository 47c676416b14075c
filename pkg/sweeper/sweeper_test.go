package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-cloud/nimbusfs/pkg/repo"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSource is an in-memory TrashSource with optional per-item failures.
type fakeSource struct {
	mu      sync.Mutex
	items   map[repo.TrashID]repo.TrashedItem
	broken  map[repo.TrashID]bool
	purged  []repo.TrashID
	orphans map[repo.TrashID]time.Time // stranded slots by last-modified time
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		items:   make(map[repo.TrashID]repo.TrashedItem),
		broken:  make(map[repo.TrashID]bool),
		orphans: make(map[repo.TrashID]time.Time),
	}
}

func (f *fakeSource) add(deadline time.Time) repo.TrashID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.items[id] = repo.TrashedItem{TrashID: id, Name: "x", RetentionDeadline: deadline}
	return id
}

func (f *fakeSource) ListExpired(_ context.Context, now time.Time) ([]repo.TrashedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repo.TrashedItem
	for _, item := range f.items {
		if item.Expired(now) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeSource) Purge(_ context.Context, trashID repo.TrashID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken[trashID] {
		return errors.New("disk on fire")
	}
	delete(f.items, trashID)
	f.purged = append(f.purged, trashID)
	return nil
}

func (f *fakeSource) PurgeOrphaned(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reclaimed := 0
	for id, modTime := range f.orphans {
		if modTime.Before(cutoff) {
			delete(f.orphans, id)
			reclaimed++
		}
	}
	return reclaimed, nil
}

func TestSweepPurgesOnlyExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	source := newFakeSource()

	old := source.add(clock.Now().Add(-time.Hour))
	fresh := source.add(clock.Now().Add(time.Hour))

	svc := New(source, clock, Config{Enabled: true})
	stats, err := svc.RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), stats.ExpiredCount)
	assert.Equal(t, uint64(1), stats.PurgedCount)
	assert.Equal(t, []repo.TrashID{old}, source.purged)

	// The fresh item expires once the clock moves past its deadline.
	clock.Advance(2 * time.Hour)
	stats, err = svc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.PurgedCount)
	assert.Contains(t, source.purged, fresh)
}

func TestSweepCountsFailuresAndContinues(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	source := newFakeSource()

	stuck := source.add(clock.Now().Add(-time.Minute))
	source.broken[stuck] = true
	for range 5 {
		source.add(clock.Now().Add(-time.Minute))
	}

	svc := New(source, clock, Config{Enabled: true, Concurrency: 2})
	stats, err := svc.RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(6), stats.ExpiredCount)
	assert.Equal(t, uint64(5), stats.PurgedCount)
	assert.Equal(t, uint64(1), stats.FailedCount)
}

func TestSweepReclaimsStaleOrphans(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	source := newFakeSource()

	stale := uuid.New()
	fresh := uuid.New()
	source.orphans[stale] = clock.Now().Add(-48 * time.Hour)
	source.orphans[fresh] = clock.Now().Add(-time.Hour)

	svc := New(source, clock, Config{Enabled: true, OrphanGrace: 24 * time.Hour})
	stats, err := svc.RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), stats.OrphanedCount)
	source.mu.Lock()
	defer source.mu.Unlock()
	assert.NotContains(t, source.orphans, stale)
	assert.Contains(t, source.orphans, fresh)
}

func TestDryRunDeletesNothing(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	source := newFakeSource()
	source.add(clock.Now().Add(-time.Minute))
	orphan := uuid.New()
	source.orphans[orphan] = clock.Now().Add(-48 * time.Hour)

	svc := New(source, clock, Config{Enabled: true, DryRun: true})
	stats, err := svc.RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), stats.ExpiredCount)
	assert.Zero(t, stats.PurgedCount)
	assert.Zero(t, stats.OrphanedCount)
	assert.Empty(t, source.purged)
	assert.Contains(t, source.orphans, orphan)
}

func TestStartStopLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	source := newFakeSource()
	source.add(clock.Now().Add(-time.Minute))

	svc := New(source, clock, Config{Enabled: true, Interval: 10 * time.Millisecond})
	svc.Start()

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.purged) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
}

func TestDisabledSweeperDoesNothing(t *testing.T) {
	source := newFakeSource()
	source.add(time.Now().Add(-time.Minute))

	svc := New(source, nil, Config{Enabled: false})
	svc.Start()
	require.NoError(t, svc.Stop(context.Background()))
	assert.Empty(t, source.purged)
}
