package cycles

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func TestCacheServesSeriesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)
	cycleID := uuid.New()
	calls := 0
	loader := func(context.Context) ([]Snapshot, error) {
		calls++
		return []Snapshot{{CycleID: cycleID, Day: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), Counts: Counts{Scope: calls}}}, nil
	}

	first, err := cache.Snapshots(ctx, cycleID, loader)
	require.NoError(t, err)
	second, err := cache.Snapshots(ctx, cycleID, loader)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, first[0].Scope, second[0].Scope)
	require.True(t, mr.Exists("cycles:snapshots:"+cycleID.String()+":0"))

	require.NoError(t, cache.Invalidate(ctx, cycleID))
	third, err := cache.Snapshots(ctx, cycleID, loader)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 2, third[0].Scope)
}

func TestCacheInvalidationIsPerCycle(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)
	a, b := uuid.New(), uuid.New()
	calls := map[uuid.UUID]int{}
	loaderFor := func(id uuid.UUID) func(context.Context) ([]Snapshot, error) {
		return func(context.Context) ([]Snapshot, error) {
			calls[id]++
			return []Snapshot{}, nil
		}
	}

	_, err := cache.Snapshots(ctx, a, loaderFor(a))
	require.NoError(t, err)
	_, err = cache.Snapshots(ctx, b, loaderFor(b))
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, a))
	_, err = cache.Snapshots(ctx, a, loaderFor(a))
	require.NoError(t, err)
	_, err = cache.Snapshots(ctx, b, loaderFor(b))
	require.NoError(t, err)

	require.Equal(t, 2, calls[a])
	require.Equal(t, 1, calls[b])
}

func TestNilCacheCallsLoader(t *testing.T) {
	var cache *Cache
	series, err := cache.Snapshots(context.Background(), uuid.New(), func(context.Context) ([]Snapshot, error) {
		return []Snapshot{{Counts: Counts{Scope: 1}}}, nil
	})
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.NoError(t, cache.Invalidate(context.Background(), uuid.New()))
}

func TestServiceRefreshesCachedSeriesAfterRecord(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)
	cache, _ := newTestCache(t)
	repo := newMemoryRepo()
	svc := NewService(repo, nil, cache, nil)
	clock := &fakeClock{now: now}
	svc.WithNow(clock.Now)
	tenant := uuid.New()
	c := seedCycle(repo, tenant, 1, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), StatusActive)

	series, err := svc.GetSnapshots(ctx, tenant, c.ID)
	require.NoError(t, err)
	require.Empty(t, series)

	_, err = svc.RecordSnapshot(ctx, tenant, c.ID)
	require.NoError(t, err)
	series, err = svc.GetSnapshots(ctx, tenant, c.ID)
	require.NoError(t, err)
	require.Len(t, series, 1)
}
