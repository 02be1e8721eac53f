package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"market-change-alerts/internal/market"
)

// SnapshotQuery asks for one family snapshot. Exact queries match the
// timestamp exactly; otherwise the newest snapshot at or before At wins.
type SnapshotQuery struct {
	Family market.Family
	At     time.Time
	Exact  bool
}

// CommitBatch is the atomic write that closes a detector run.
type CommitBatch struct {
	At        time.Time
	Retention time.Duration
	Snapshots []market.Snapshot
	Notified  []market.RecordKey
}

// Cutoff is the oldest timestamp retained after this batch is applied.
func (b CommitBatch) Cutoff() time.Time {
	return b.At.Add(-b.Retention)
}

// Validate rejects batches that would break the store contract.
func (b CommitBatch) Validate() error {
	if b.Retention <= 0 {
		return fmt.Errorf("commit retention must be positive")
	}
	for _, snap := range b.Snapshots {
		if !snap.Timestamp.Equal(b.At) {
			return fmt.Errorf("snapshot %s timestamp %s differs from batch time %s", snap.Family, snap.Timestamp, b.At)
		}
	}
	return nil
}

type snapshotDoc struct {
	TS     int64         `json:"ts"`
	Values market.Values `json:"values"`
}

func encodeSnapshot(snap market.Snapshot) (string, error) {
	raw, err := json.Marshal(snapshotDoc{TS: snap.Millis(), Values: snap.Values})
	if err != nil {
		return "", fmt.Errorf("encode %s snapshot: %w", snap.Family, err)
	}
	return string(raw), nil
}

func decodeSnapshot(family market.Family, raw string) (market.Snapshot, error) {
	var doc snapshotDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return market.Snapshot{}, fmt.Errorf("decode %s snapshot: %w", family, err)
	}
	if doc.Values == nil {
		doc.Values = market.Values{}
	}
	return market.Snapshot{Family: family, Timestamp: time.UnixMilli(doc.TS).UTC(), Values: doc.Values}, nil
}
