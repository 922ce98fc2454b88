package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shopgraph/crawler/internal/crawl"
	lockmemory "github.com/shopgraph/crawler/internal/lock/memory"
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

type failingStore struct {
	err error
}

func (f *failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, f.err
}

func (f *failingStore) Set(context.Context, string, string) error { return f.err }
func (f *failingStore) Del(context.Context, string) error         { return f.err }

func TestAcquire_FirstAcquireWins(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	svc := New(lockmemory.New(), 10*time.Second, clock, zap.NewNop())
	ctx := context.Background()

	require.True(t, svc.Acquire(ctx, 42, crawl.StageAnalysis))
	require.False(t, svc.Acquire(ctx, 42, crawl.StageAnalysis))
}

func TestAcquire_StaleTakeover(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	svc := New(lockmemory.New(), 10*time.Second, clock, zap.NewNop())
	ctx := context.Background()

	require.True(t, svc.Acquire(ctx, 7, crawl.StageEmbedding))
	require.False(t, svc.Acquire(ctx, 7, crawl.StageEmbedding))

	clock.Advance(10 * time.Second)
	require.True(t, svc.Acquire(ctx, 7, crawl.StageEmbedding))
}

func TestAcquire_IndependentAcrossStagesAndEntities(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	svc := New(lockmemory.New(), 10*time.Second, clock, zap.NewNop())
	ctx := context.Background()

	require.True(t, svc.Acquire(ctx, 1, crawl.StageScreenshot))
	require.True(t, svc.Acquire(ctx, 1, crawl.StageAnalysis))
	require.True(t, svc.Acquire(ctx, 2, crawl.StageScreenshot))
}

func TestRelease_FreesTheLock(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	svc := New(lockmemory.New(), 10*time.Second, clock, zap.NewNop())
	ctx := context.Background()

	require.True(t, svc.Acquire(ctx, 3, crawl.StageAttributes))
	svc.Release(ctx, 3, crawl.StageAttributes)
	require.True(t, svc.Acquire(ctx, 3, crawl.StageAttributes))
}

func TestIsLocked_TracksFreshnessWithoutMutating(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	svc := New(lockmemory.New(), 10*time.Second, clock, zap.NewNop())
	ctx := context.Background()

	require.False(t, svc.IsLocked(ctx, 9, crawl.StageAnalysis))
	require.True(t, svc.Acquire(ctx, 9, crawl.StageAnalysis))
	require.True(t, svc.IsLocked(ctx, 9, crawl.StageAnalysis))

	clock.Advance(11 * time.Second)
	require.False(t, svc.IsLocked(ctx, 9, crawl.StageAnalysis))
	// The stale check must not have refreshed the lock.
	require.True(t, svc.Acquire(ctx, 9, crawl.StageAnalysis))
}

func TestAcquire_FailsOpenOnStoreOutage(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	svc := New(&failingStore{err: errors.New("connection refused")}, 10*time.Second, clock, zap.NewNop())
	ctx := context.Background()

	require.True(t, svc.Acquire(ctx, 5, crawl.StageScreenshot))
	require.False(t, svc.IsLocked(ctx, 5, crawl.StageScreenshot))
}

func TestTimeout_ReportsTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	svc := New(lockmemory.New(), 0, clock, zap.NewNop())
	require.Equal(t, DefaultTTL, svc.Timeout())
}

func TestAcquire_CorruptValueCountsAsStale(t *testing.T) {
	t.Parallel()

	store := lockmemory.New()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	svc := New(store, 10*time.Second, clock, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "lock:analysis:11", "not-a-timestamp"))
	require.True(t, svc.Acquire(ctx, 11, crawl.StageAnalysis))
}
