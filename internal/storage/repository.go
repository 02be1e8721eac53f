package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"market-change-alerts/internal/market"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS metric_snapshots (
        family     TEXT        NOT NULL,
        ts_ms      BIGINT      NOT NULL,
        payload    JSONB       NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (family, ts_ms)
    );
    CREATE TABLE IF NOT EXISTS notification_records (
        family         TEXT        NOT NULL,
        instance_key   TEXT        NOT NULL,
        notified_at_ms BIGINT      NOT NULL,
        expires_at     TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (family, instance_key)
    );`

	upsertSnapshotSQL = `INSERT INTO metric_snapshots (family, ts_ms, payload)
    VALUES ($1, $2, $3)
    ON CONFLICT (family, ts_ms) DO UPDATE
    SET payload = EXCLUDED.payload;`

	pruneSnapshotsSQL = `DELETE FROM metric_snapshots WHERE family = $1 AND ts_ms < $2;`

	upsertNotificationSQL = `INSERT INTO notification_records (family, instance_key, notified_at_ms, expires_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (family, instance_key) DO UPDATE
    SET notified_at_ms = EXCLUDED.notified_at_ms,
        expires_at     = EXCLUDED.expires_at;`

	pruneNotificationsSQL = `DELETE FROM notification_records WHERE expires_at <= $1;`

	listNotificationsSQL = `SELECT family, instance_key, notified_at_ms
    FROM notification_records
    WHERE family = ANY($1)
      AND expires_at > now()
    ORDER BY family, instance_key;`

	exactSnapshotSQL = `SELECT ts_ms, payload FROM metric_snapshots
    WHERE family = $1 AND ts_ms = $2
    LIMIT 1;`

	latestSnapshotSQL = `SELECT ts_ms, payload FROM metric_snapshots
    WHERE family = $1 AND ts_ms <= $2
    ORDER BY ts_ms DESC
    LIMIT 1;`

	listSnapshotsBetweenSQL = `SELECT ts_ms, payload FROM metric_snapshots
    WHERE family = $1
      AND ts_ms >= $2
      AND ts_ms < $3
    ORDER BY ts_ms;`

	listRecentSnapshotsSQL = `SELECT ts_ms, payload FROM metric_snapshots
    WHERE family = $1
    ORDER BY ts_ms DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// NotificationStore reads the per-instance last-notified records.
type NotificationStore interface {
	LoadNotifications(ctx context.Context, families []market.Family) ([]market.NotificationRecord, error)
}

// SnapshotStore resolves baseline snapshot queries in one round trip.
// Results are positional; a nil entry means no snapshot matched.
type SnapshotStore interface {
	QuerySnapshots(ctx context.Context, queries []SnapshotQuery) ([]*market.Snapshot, error)
}

// Store is the detector's persistence contract. Commit is the only writer.
type Store interface {
	NotificationStore
	SnapshotStore
	Commit(ctx context.Context, batch CommitBatch) error
}

// HistoryReader serves the operator commands.
type HistoryReader interface {
	ListSnapshotsBetween(ctx context.Context, family market.Family, from, to time.Time) ([]market.Snapshot, error)
	ListRecentSnapshots(ctx context.Context, family market.Family, limit int) ([]market.Snapshot, error)
}

// ErrInvalidLockTTL is returned when a lock would never expire on its own.
var ErrInvalidLockTTL = errors.New("lock ttl must be greater than zero")

// Locker guards a pipeline against concurrent runs across processes.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), acquired bool, err error)
}

// PostgresStore keeps snapshots and notification records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ Store         = (*PostgresStore)(nil)
	_ HistoryReader = (*PostgresStore)(nil)
	_ Locker        = (*PostgresStore)(nil)
)

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryLock maps the lock name onto a postgres advisory lock key. The ttl is
// unused: the lock lives as long as the holding connection.
func (s *PostgresStore) TryLock(ctx context.Context, name string, _ time.Duration) (func(), bool, error) {
	return s.TryAdvisoryLock(ctx, advisoryKey(name))
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session ending releases it anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("changewatch:" + name))
	return int64(h.Sum64())
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadNotifications returns every unexpired record of the given families.
func (s *PostgresStore) LoadNotifications(ctx context.Context, families []market.Family) ([]market.NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, string(family))
	}

	rows, err := pool.Query(ctx, listNotificationsSQL, names)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	records := make([]market.NotificationRecord, 0)
	for rows.Next() {
		var (
			family  string
			encoded string
			at      int64
		)
		if err := rows.Scan(&family, &encoded, &at); err != nil {
			return nil, err
		}
		key, err := market.ParseInstanceKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("notification %s/%s: %w", family, encoded, err)
		}
		records = append(records, market.NotificationRecord{
			Family:         market.Family(family),
			Key:            key,
			LastNotifiedAt: time.UnixMilli(at).UTC(),
		})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// QuerySnapshots sends every query in one pgx batch.
func (s *PostgresStore) QuerySnapshots(ctx context.Context, queries []SnapshotQuery) ([]*market.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	out := make([]*market.Snapshot, len(queries))
	if len(queries) == 0 {
		return out, nil
	}

	batch := &pgx.Batch{}
	for _, q := range queries {
		sql := latestSnapshotSQL
		if q.Exact {
			sql = exactSnapshotSQL
		}
		batch.Queue(sql, string(q.Family), q.At.UnixMilli())
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	for i, q := range queries {
		var (
			ts      int64
			payload []byte
		)
		err := results.QueryRow().Scan(&ts, &payload)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query %s snapshot: %w", q.Family, err)
		}
		snap, err := snapshotFromRow(q.Family, ts, payload)
		if err != nil {
			return nil, err
		}
		out[i] = &snap
	}
	return out, nil
}

// Commit writes snapshots, prunes old rows and refreshes records in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, batch CommitBatch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cutoff := batch.Cutoff().UnixMilli()
	expiresAt := batch.At.Add(batch.Retention)

	for _, snap := range batch.Snapshots {
		payload, err := snap.Values.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode %s snapshot: %w", snap.Family, err)
		}
		if _, err := tx.Exec(ctx, upsertSnapshotSQL, string(snap.Family), snap.Millis(), payload); err != nil {
			return fmt.Errorf("upsert %s snapshot: %w", snap.Family, err)
		}
		if _, err := tx.Exec(ctx, pruneSnapshotsSQL, string(snap.Family), cutoff); err != nil {
			return fmt.Errorf("prune %s snapshots: %w", snap.Family, err)
		}
	}

	for _, rk := range batch.Notified {
		if _, err := tx.Exec(ctx, upsertNotificationSQL, string(rk.Family), rk.Key.Encode(), batch.At.UnixMilli(), expiresAt); err != nil {
			return fmt.Errorf("upsert notification %s: %w", rk, err)
		}
	}
	if _, err := tx.Exec(ctx, pruneNotificationsSQL, batch.At); err != nil {
		return fmt.Errorf("prune notifications: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// ListSnapshotsBetween lists one family's snapshots in [from, to).
func (s *PostgresStore) ListSnapshotsBetween(ctx context.Context, family market.Family, from, to time.Time) ([]market.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listSnapshotsBetweenSQL, string(family), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list snapshots between: %w", err)
	}
	return collectSnapshots(family, rows)
}

// ListRecentSnapshots lists the newest snapshots of a family, newest first.
func (s *PostgresStore) ListRecentSnapshots(ctx context.Context, family market.Family, limit int) ([]market.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentSnapshotsSQL, string(family), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	return collectSnapshots(family, rows)
}

func collectSnapshots(family market.Family, rows pgx.Rows) ([]market.Snapshot, error) {
	defer rows.Close()

	snaps := make([]market.Snapshot, 0)
	for rows.Next() {
		var (
			ts      int64
			payload []byte
		)
		if err := rows.Scan(&ts, &payload); err != nil {
			return nil, err
		}
		snap, err := snapshotFromRow(family, ts, payload)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func snapshotFromRow(family market.Family, ts int64, payload []byte) (market.Snapshot, error) {
	values := market.Values{}
	if err := values.UnmarshalJSON(payload); err != nil {
		return market.Snapshot{}, fmt.Errorf("decode %s snapshot: %w", family, err)
	}
	return market.Snapshot{Family: family, Timestamp: time.UnixMilli(ts).UTC(), Values: values}, nil
}
