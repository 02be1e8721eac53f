package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"market-change-alerts/internal/market"
)

const defaultKeyPrefix = "changewatch"

// compare-and-delete so a lock that expired and was re-taken is left alone
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps one sorted set per family (score = epoch ms) and one
// string key per notified instance.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	scanCount int64
}

var (
	_ Store         = (*RedisStore)(nil)
	_ HistoryReader = (*RedisStore)(nil)
	_ Locker        = (*RedisStore)(nil)
)

// NewRedisStore wraps a go-redis client. An empty prefix falls back to "changewatch".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, scanCount: 200}
}

func (s *RedisStore) snapshotKey(family market.Family) string {
	return s.prefix + ":snapshot:" + string(family)
}

func (s *RedisStore) notifiedPrefix() string {
	return s.prefix + ":notified:"
}

func (s *RedisStore) notifiedKey(rk market.RecordKey) string {
	return s.notifiedPrefix() + rk.String()
}

func (s *RedisStore) lockKey(name string) string {
	return s.prefix + ":lock:" + name
}

func (s *RedisStore) getClient() (redis.UniversalClient, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConfigured
	}
	return s.client, nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// LoadNotifications scans the notified keys of each family and reads them with MGET.
func (s *RedisStore) LoadNotifications(ctx context.Context, families []market.Family) ([]market.NotificationRecord, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0)
	for _, family := range families {
		pattern := s.notifiedPrefix() + string(family) + ":*"
		iter := client.Scan(ctx, 0, pattern, s.scanCount).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("scan %s notifications: %w", family, err)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read notifications: %w", err)
	}

	records := make([]market.NotificationRecord, 0, len(keys))
	for i, raw := range vals {
		if raw == nil {
			// expired between SCAN and MGET
			continue
		}
		rk, err := market.ParseRecordKey(strings.TrimPrefix(keys[i], s.notifiedPrefix()))
		if err != nil {
			return nil, fmt.Errorf("notification key %s: %w", keys[i], err)
		}
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("notification %s: unexpected type %T", keys[i], raw)
		}
		ms, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("notification %s: %w", keys[i], err)
		}
		records = append(records, market.NotificationRecord{
			Family:         rk.Family,
			Key:            rk.Key,
			LastNotifiedAt: time.UnixMilli(ms).UTC(),
		})
	}
	return records, nil
}

// QuerySnapshots pipelines one ZRANGEBYSCORE per query.
func (s *RedisStore) QuerySnapshots(ctx context.Context, queries []SnapshotQuery) ([]*market.Snapshot, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}
	out := make([]*market.Snapshot, len(queries))
	if len(queries) == 0 {
		return out, nil
	}

	cmds := make([]*redis.StringSliceCmd, len(queries))
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, q := range queries {
			key := s.snapshotKey(q.Family)
			score := strconv.FormatInt(q.At.UnixMilli(), 10)
			if q.Exact {
				cmds[i] = pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: score, Max: score})
				continue
			}
			cmds[i] = pipe.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Max: score, Min: "-inf", Offset: 0, Count: 1})
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}

	for i, cmd := range cmds {
		members, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("query %s snapshot: %w", queries[i].Family, err)
		}
		if len(members) == 0 {
			continue
		}
		// same-millisecond duplicates: the last member wins
		snap, err := decodeSnapshot(queries[i].Family, members[len(members)-1])
		if err != nil {
			return nil, err
		}
		out[i] = &snap
	}
	return out, nil
}

// Commit applies the batch inside MULTI/EXEC.
func (s *RedisStore) Commit(ctx context.Context, batch CommitBatch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	client, err := s.getClient()
	if err != nil {
		return err
	}

	members := make([]string, len(batch.Snapshots))
	for i, snap := range batch.Snapshots {
		encoded, err := encodeSnapshot(snap)
		if err != nil {
			return err
		}
		members[i] = encoded
	}

	cutoff := "(" + strconv.FormatInt(batch.Cutoff().UnixMilli(), 10)
	at := strconv.FormatInt(batch.At.UnixMilli(), 10)

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, snap := range batch.Snapshots {
			key := s.snapshotKey(snap.Family)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(snap.Millis()), Member: members[i]})
			pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
			pipe.Expire(ctx, key, batch.Retention)
		}
		for _, rk := range batch.Notified {
			pipe.Set(ctx, s.notifiedKey(rk), at, batch.Retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// TryLock takes SET NX PX with an owner token.
func (s *RedisStore) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, false, err
	}

	if ttl <= 0 {
		return nil, false, ErrInvalidLockTTL
	}

	key := s.lockKey(name)
	token := uuid.NewString()
	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !acquired {
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctxUnlock, client, []string{key}, token).Err()
	}
	return unlock, true, nil
}

// ListSnapshotsBetween lists one family's snapshots in [from, to).
func (s *RedisStore) ListSnapshotsBetween(ctx context.Context, family market.Family, from, to time.Time) ([]market.Snapshot, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}
	members, err := client.ZRangeByScore(ctx, s.snapshotKey(family), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots between: %w", err)
	}
	return decodeMembers(family, members)
}

// ListRecentSnapshots lists the newest snapshots of a family, newest first.
func (s *RedisStore) ListRecentSnapshots(ctx context.Context, family market.Family, limit int) ([]market.Snapshot, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}
	members, err := client.ZRevRangeByScore(ctx, s.snapshotKey(family), &redis.ZRangeBy{
		Max:   "+inf",
		Min:   "-inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	return decodeMembers(family, members)
}

func decodeMembers(family market.Family, members []string) ([]market.Snapshot, error) {
	snaps := make([]market.Snapshot, 0, len(members))
	for _, member := range members {
		snap, err := decodeSnapshot(family, member)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}
