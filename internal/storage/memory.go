package storage

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"market-change-alerts/internal/market"
)

type memorySeries struct {
	entries   *btree.Map[int64, market.Values]
	expiresAt time.Time
}

type memoryRecord struct {
	at        time.Time
	expiresAt time.Time
}

// MemoryStore is an in-process Store used by simulate-alert and tests.
// Expiry follows the injected clock so Redis key TTLs can be replayed.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	series   map[market.Family]*memorySeries
	notified map[market.RecordKey]memoryRecord
	locks    map[string]time.Time
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ HistoryReader = (*MemoryStore)(nil)
	_ Locker        = (*MemoryStore)(nil)
)

// NewMemoryStore builds an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		series:   make(map[market.Family]*memorySeries),
		notified: make(map[market.RecordKey]memoryRecord),
		locks:    make(map[string]time.Time),
	}
}

// live returns the family series, dropping it when its key TTL has passed.
func (s *MemoryStore) live(family market.Family) *memorySeries {
	series, ok := s.series[family]
	if !ok {
		return nil
	}
	if !s.now().Before(series.expiresAt) {
		delete(s.series, family)
		return nil
	}
	return series
}

// LoadNotifications returns unexpired records of the given families.
func (s *MemoryStore) LoadNotifications(_ context.Context, families []market.Family) ([]market.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[market.Family]bool, len(families))
	for _, f := range families {
		wanted[f] = true
	}

	now := s.now()
	records := make([]market.NotificationRecord, 0)
	for rk, rec := range s.notified {
		if !now.Before(rec.expiresAt) {
			delete(s.notified, rk)
			continue
		}
		if !wanted[rk.Family] {
			continue
		}
		records = append(records, market.NotificationRecord{Family: rk.Family, Key: rk.Key, LastNotifiedAt: rec.at})
	}
	return records, nil
}

// QuerySnapshots resolves every query against the in-memory series.
func (s *MemoryStore) QuerySnapshots(_ context.Context, queries []SnapshotQuery) ([]*market.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*market.Snapshot, len(queries))
	for i, q := range queries {
		series := s.live(q.Family)
		if series == nil {
			continue
		}
		ms := q.At.UnixMilli()
		if q.Exact {
			if values, ok := series.entries.Get(ms); ok {
				out[i] = &market.Snapshot{Family: q.Family, Timestamp: time.UnixMilli(ms).UTC(), Values: values}
			}
			continue
		}
		series.entries.Descend(ms, func(ts int64, values market.Values) bool {
			out[i] = &market.Snapshot{Family: q.Family, Timestamp: time.UnixMilli(ts).UTC(), Values: values}
			return false
		})
	}
	return out, nil
}

// Commit applies the batch under the store mutex.
func (s *MemoryStore) Commit(_ context.Context, batch CommitBatch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := batch.Cutoff().UnixMilli()
	expiresAt := batch.At.Add(batch.Retention)

	for _, snap := range batch.Snapshots {
		series := s.live(snap.Family)
		if series == nil {
			series = &memorySeries{entries: btree.NewMap[int64, market.Values](32)}
			s.series[snap.Family] = series
		}
		values := make(market.Values, len(snap.Values))
		for k, v := range snap.Values {
			values[k] = v
		}
		series.entries.Set(snap.Millis(), values)

		stale := make([]int64, 0)
		series.entries.Scan(func(ts int64, _ market.Values) bool {
			if ts >= cutoff {
				return false
			}
			stale = append(stale, ts)
			return true
		})
		for _, ts := range stale {
			series.entries.Delete(ts)
		}
		series.expiresAt = expiresAt
	}

	for _, rk := range batch.Notified {
		s.notified[rk] = memoryRecord{at: batch.At, expiresAt: expiresAt}
	}
	return nil
}

// TryLock grants the named lock until ttl passes on the injected clock.
func (s *MemoryStore) TryLock(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		return nil, false, ErrInvalidLockTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, held := s.locks[name]; held && now.Before(until) {
		return nil, false, nil
	}
	until := now.Add(ttl)
	s.locks[name] = until

	unlock := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.locks[name].Equal(until) {
			delete(s.locks, name)
		}
	}
	return unlock, true, nil
}

// ListSnapshotsBetween lists one family's snapshots in [from, to).
func (s *MemoryStore) ListSnapshotsBetween(_ context.Context, family market.Family, from, to time.Time) ([]market.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := make([]market.Snapshot, 0)
	series := s.live(family)
	if series == nil {
		return snaps, nil
	}
	end := to.UnixMilli()
	series.entries.Ascend(from.UnixMilli(), func(ts int64, values market.Values) bool {
		if ts >= end {
			return false
		}
		snaps = append(snaps, market.Snapshot{Family: family, Timestamp: time.UnixMilli(ts).UTC(), Values: values})
		return true
	})
	return snaps, nil
}

// ListRecentSnapshots lists the newest snapshots of a family, newest first.
func (s *MemoryStore) ListRecentSnapshots(_ context.Context, family market.Family, limit int) ([]market.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := make([]market.Snapshot, 0)
	series := s.live(family)
	if series == nil {
		return snaps, nil
	}
	series.entries.Reverse(func(ts int64, values market.Values) bool {
		snaps = append(snaps, market.Snapshot{Family: family, Timestamp: time.UnixMilli(ts).UTC(), Values: values})
		return limit <= 0 || len(snaps) < limit
	})
	return snaps, nil
}
