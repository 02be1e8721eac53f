package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"market-change-alerts/internal/market"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test"), mr
}

func spotSnapshot(at time.Time, btc float64) market.Snapshot {
	return market.Snapshot{
		Family:    market.SpotPrice,
		Timestamp: at,
		Values:    market.Values{market.AssetKey("BTC"): btc},
	}
}

func TestRedisStoreCommitAndQuery(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	t0 := time.UnixMilli(1_700_000_000_000).UTC()
	t1 := t0.Add(10 * time.Minute)

	require.NoError(t, store.Commit(ctx, CommitBatch{At: t0, Retention: 2 * time.Hour, Snapshots: []market.Snapshot{spotSnapshot(t0, 100)}}))
	require.NoError(t, store.Commit(ctx, CommitBatch{At: t1, Retention: 2 * time.Hour, Snapshots: []market.Snapshot{spotSnapshot(t1, 105)}}))

	got, err := store.QuerySnapshots(ctx, []SnapshotQuery{
		{Family: market.SpotPrice, At: t0, Exact: true},
		{Family: market.SpotPrice, At: t1.Add(-time.Millisecond)},
		{Family: market.SpotPrice, At: t1.Add(time.Minute)},
		{Family: market.SpotPrice, At: t0.Add(time.Second), Exact: true},
		{Family: market.FuturesPrice, At: t1},
	})
	require.NoError(t, err)
	require.Len(t, got, 5)

	require.NotNil(t, got[0])
	require.Equal(t, 100.0, got[0].Values[market.AssetKey("BTC")])
	require.True(t, got[0].Timestamp.Equal(t0))

	require.NotNil(t, got[1])
	require.Equal(t, 100.0, got[1].Values[market.AssetKey("BTC")], "latest at or before t1-1ms is t0")

	require.NotNil(t, got[2])
	require.Equal(t, 105.0, got[2].Values[market.AssetKey("BTC")])

	require.Nil(t, got[3], "exact lookup must not fall back")
	require.Nil(t, got[4], "unknown family has no snapshot")
}

func TestRedisStoreNotificationsExpire(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	at := time.UnixMilli(1_700_000_000_000).UTC()
	optionKey := market.OptionKey("BTC", market.Call, 1_700_006_400, 37000)
	batch := CommitBatch{
		At:        at,
		Retention: 2 * time.Hour,
		Snapshots: []market.Snapshot{spotSnapshot(at, 100)},
		Notified: []market.RecordKey{
			{Family: market.SpotPrice, Key: market.AssetKey("BTC")},
			{Family: market.AtmMarkIV, Key: optionKey},
		},
	}
	require.NoError(t, store.Commit(ctx, batch))

	records, err := store.LoadNotifications(ctx, []market.Family{market.AtmMarkIV})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, optionKey, records[0].Key)
	require.True(t, records[0].LastNotifiedAt.Equal(at))

	records, err = store.LoadNotifications(ctx, market.Families)
	require.NoError(t, err)
	require.Len(t, records, 2)

	mr.FastForward(2*time.Hour + time.Second)

	records, err = store.LoadNotifications(ctx, market.Families)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestRedisStoreCommitPrunesOldEntries(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	t0 := time.UnixMilli(1_700_000_000_000).UTC()
	t1 := t0.Add(3 * time.Hour)
	require.NoError(t, store.Commit(ctx, CommitBatch{At: t0, Retention: 2 * time.Hour, Snapshots: []market.Snapshot{spotSnapshot(t0, 100)}}))
	require.NoError(t, store.Commit(ctx, CommitBatch{At: t1, Retention: 2 * time.Hour, Snapshots: []market.Snapshot{spotSnapshot(t1, 110)}}))

	members, err := mr.ZMembers("test:snapshot:spot")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.True(t, mr.TTL("test:snapshot:spot") > 0)

	recent, err := store.ListRecentSnapshots(ctx, market.SpotPrice, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, 110.0, recent[0].Values[market.AssetKey("BTC")])
}

func TestRedisStoreEmptySnapshotIsStored(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	at := time.UnixMilli(1_700_000_000_000).UTC()
	empty := market.Snapshot{Family: market.PoolSharePrice, Timestamp: at, Values: market.Values{}}
	require.NoError(t, store.Commit(ctx, CommitBatch{At: at, Retention: time.Hour, Snapshots: []market.Snapshot{empty}}))

	got, err := store.QuerySnapshots(ctx, []SnapshotQuery{{Family: market.PoolSharePrice, At: at, Exact: true}})
	require.NoError(t, err)
	require.NotNil(t, got[0])
	require.Empty(t, got[0].Values)
}

func TestRedisStoreListBetween(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	base := time.UnixMilli(1_700_000_000_000).UTC()
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Commit(ctx, CommitBatch{At: at, Retention: time.Hour, Snapshots: []market.Snapshot{spotSnapshot(at, float64(100+i))}}))
	}

	snaps, err := store.ListSnapshotsBetween(ctx, market.SpotPrice, base.Add(time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, 101.0, snaps[0].Values[market.AssetKey("BTC")])
	require.Equal(t, 102.0, snaps[1].Values[market.AssetKey("BTC")])
}

func TestRedisStoreLock(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	unlock, ok, err := store.TryLock(ctx, "price", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryLock(ctx, "price", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second holder must be refused")

	_, ok, err = store.TryLock(ctx, "liquidity", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "locks are per pipeline")

	unlock()
	require.False(t, mr.Exists("test:lock:price"))

	_, ok, err = store.TryLock(ctx, "price", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisStoreLockRequiresExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	_, ok, err := store.TryLock(ctx, "price", 0)
	require.ErrorIs(t, err, ErrInvalidLockTTL)
	require.False(t, ok)
	require.False(t, mr.Exists("test:lock:price"), "no lock without an expiry")

	_, ok, err = store.TryLock(ctx, "price", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Minute, mr.TTL("test:lock:price"))

	// holder never unlocks; the key must still expire
	mr.FastForward(2 * time.Minute)
	_, ok, err = store.TryLock(ctx, "price", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisStoreUnlockKeepsForeignToken(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	unlock, ok, err := store.TryLock(ctx, "price", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = store.TryLock(ctx, "price", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	unlock()
	require.True(t, mr.Exists("test:lock:price"), "stale unlock must not release the new holder")
}

func TestRedisStoreRejectsMismatchedBatch(t *testing.T) {
	store, _ := newTestRedisStore(t)
	at := time.UnixMilli(1_700_000_000_000).UTC()
	err := store.Commit(context.Background(), CommitBatch{
		At:        at,
		Retention: time.Hour,
		Snapshots: []market.Snapshot{spotSnapshot(at.Add(time.Second), 1)},
	})
	require.Error(t, err)
}

func TestNilStoresReportNotConfigured(t *testing.T) {
	var rs *RedisStore
	_, err := rs.LoadNotifications(context.Background(), market.Families)
	require.ErrorIs(t, err, ErrNotConfigured)

	var ps *PostgresStore
	_, err = ps.QuerySnapshots(context.Background(), nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}
