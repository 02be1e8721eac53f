package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"market-change-alerts/internal/market"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestMemoryStoreMatchesRedisSemantics(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000).UTC()}
	store := NewMemoryStore(clock.Now)

	t0 := clock.now
	require.NoError(t, store.Commit(ctx, CommitBatch{
		At:        t0,
		Retention: 2 * time.Hour,
		Snapshots: []market.Snapshot{spotSnapshot(t0, 100)},
		Notified:  []market.RecordKey{{Family: market.SpotPrice, Key: market.AssetKey("BTC")}},
	}))

	clock.now = t0.Add(30 * time.Minute)
	t1 := clock.now
	require.NoError(t, store.Commit(ctx, CommitBatch{At: t1, Retention: 2 * time.Hour, Snapshots: []market.Snapshot{spotSnapshot(t1, 120)}}))

	got, err := store.QuerySnapshots(ctx, []SnapshotQuery{
		{Family: market.SpotPrice, At: t0, Exact: true},
		{Family: market.SpotPrice, At: t1.Add(-time.Minute)},
		{Family: market.SpotPrice, At: t0.Add(-time.Minute)},
	})
	require.NoError(t, err)
	require.Equal(t, 100.0, got[0].Values[market.AssetKey("BTC")])
	require.Equal(t, 100.0, got[1].Values[market.AssetKey("BTC")])
	require.Nil(t, got[2])

	records, err := store.LoadNotifications(ctx, []market.Family{market.SpotPrice})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].LastNotifiedAt.Equal(t0))

	clock.now = t0.Add(2 * time.Hour)
	records, err = store.LoadNotifications(ctx, []market.Family{market.SpotPrice})
	require.NoError(t, err)
	require.Empty(t, records, "record expires with retention")

	clock.now = t1.Add(2 * time.Hour)
	got, err = store.QuerySnapshots(ctx, []SnapshotQuery{{Family: market.SpotPrice, At: clock.now}})
	require.NoError(t, err)
	require.Nil(t, got[0], "series expires when no commit refreshes it")
}

func TestMemoryStorePrunesAndLists(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000).UTC()}
	store := NewMemoryStore(clock.Now)

	base := clock.now
	for i := 0; i < 5; i++ {
		clock.now = base.Add(time.Duration(i) * 30 * time.Minute)
		require.NoError(t, store.Commit(ctx, CommitBatch{At: clock.now, Retention: time.Hour, Snapshots: []market.Snapshot{spotSnapshot(clock.now, float64(i))}}))
	}

	recent, err := store.ListRecentSnapshots(ctx, market.SpotPrice, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3, "entries older than now-retention are pruned")
	require.Equal(t, 4.0, recent[0].Values[market.AssetKey("BTC")])

	between, err := store.ListSnapshotsBetween(ctx, market.SpotPrice, base, clock.now)
	require.NoError(t, err)
	require.Len(t, between, 2)
	require.Equal(t, 2.0, between[0].Values[market.AssetKey("BTC")])
}

func TestMemoryStoreLock(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStore(clock.Now)

	unlock, ok, err := store.TryLock(ctx, "price", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = store.TryLock(ctx, "price", time.Minute)
	require.False(t, ok)

	unlock()
	_, ok, _ = store.TryLock(ctx, "price", time.Minute)
	require.True(t, ok)

	clock.now = clock.now.Add(2 * time.Minute)
	_, ok, _ = store.TryLock(ctx, "price", time.Minute)
	require.True(t, ok, "expired lock can be taken again")

	_, ok, err = store.TryLock(ctx, "liquidity", 0)
	require.ErrorIs(t, err, ErrInvalidLockTTL)
	require.False(t, ok)
}
