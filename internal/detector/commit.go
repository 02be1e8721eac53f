package detector

import (
	"time"

	"market-change-alerts/internal/market"
	"market-change-alerts/internal/storage"
)

// BuildCommit assembles the single atomic write of a run: one snapshot per
// evaluated family (even when nothing fired) and a refreshed
// NotificationRecord for every alert.
func BuildCommit(now time.Time, retention time.Duration, families []market.Family, values map[market.Family]market.Values, alerts []Alert) storage.CommitBatch {
	batch := storage.CommitBatch{
		At:        now,
		Retention: retention,
		Snapshots: make([]market.Snapshot, 0, len(families)),
	}

	for _, family := range families {
		v := values[family]
		if v == nil {
			v = market.Values{}
		}
		batch.Snapshots = append(batch.Snapshots, market.Snapshot{Family: family, Timestamp: now, Values: v})
	}

	seen := make(map[market.RecordKey]bool, len(alerts))
	for _, alert := range alerts {
		rk := alert.RecordKey()
		if seen[rk] {
			continue
		}
		seen[rk] = true
		batch.Notified = append(batch.Notified, rk)
	}
	return batch
}
