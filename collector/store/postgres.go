package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// PostgresEngine implements Engine on PostgreSQL.
type PostgresEngine struct {
	pool   *pgxpool.Pool
	q      *queries
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewPostgresEngine opens a connection pool and verifies connectivity.
func NewPostgresEngine(ctx context.Context, opts Options) (*PostgresEngine, error) {
	config, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	if opts.PoolSize > 0 {
		config.MaxConns = int32(opts.PoolSize)
	}
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresEngine{
		pool:   pool,
		q:      newQueries(rebindDollar),
		clock:  opts.clock(),
		logger: opts.logger().Named("postgres"),
	}, nil
}

func (e *PostgresEngine) Close() error {
	e.pool.Close()
	return nil
}

// --- Transactions ---

func (e *PostgresEngine) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	// BeginFunc rolls back when fn returns an error or panics.
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, q: e.q})
	})
}

type pgTx struct {
	tx pgx.Tx
	q  *queries
}

func (t *pgTx) TouchIdent(ctx context.Context, ident, version string, seen time.Time) error {
	ms := millis(seen)
	if _, err := t.tx.Exec(ctx, t.q.touchIdent, ident, version, ms, ms); err != nil {
		return fmt.Errorf("touch ident %s: %w", ident, err)
	}
	return nil
}

func (t *pgTx) PutMeta(ctx context.Context, ident, module, key string, value []byte, at time.Time) error {
	if _, err := t.tx.Exec(ctx, t.q.putMeta, ident, module, key, string(value), millis(at)); err != nil {
		return fmt.Errorf("put meta %s/%s/%s: %w", ident, module, key, err)
	}
	return nil
}

func (t *pgTx) UpsertMetric(ctx context.Context, g Granularity, p MetricPoint) error {
	if !g.Valid() {
		return fmt.Errorf("upsert metric: invalid granularity %d", int(g))
	}
	_, err := t.tx.Exec(ctx, t.q.upsertMetric[g],
		millis(g.Truncate(p.Time)), p.Source.Ident, p.Source.Module, p.Subject, p.Metric,
		p.Value, p.Value, p.Value, p.Value,
		p.RangeFrom, p.RangeTo, p.DisplayHint,
	)
	if err != nil {
		return fmt.Errorf("upsert %s %s/%s: %w", g, p.Subject, p.Metric, err)
	}
	return nil
}

func (t *pgTx) GetStatus(ctx context.Context, key StatusKey) (*StatusRecord, error) {
	return pgGetStatus(ctx, t.tx, t.q, key)
}

func (t *pgTx) UpsertStatus(ctx context.Context, rec StatusRecord) error {
	_, err := t.tx.Exec(ctx, t.q.upsertStatus,
		rec.Ident, rec.Module, rec.Subject, rec.Type,
		rec.State, rec.Remaining, rec.IsMetric, millis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert status %s/%s: %w", rec.Subject, rec.Type, err)
	}
	return nil
}

func (t *pgTx) InsertHealth(ctx context.Context, h HealthTransition) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, t.q.insertHealth,
		h.Ident, h.Module, h.Subject, h.Type,
		h.StateBefore, h.StateAfter, h.Remaining, h.IsMetric, millis(h.Time),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert health transition: %w", err)
	}
	return id, nil
}

// --- Reads ---

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgGetStatus(ctx context.Context, db pgQuerier, q *queries, key StatusKey) (*StatusRecord, error) {
	rec := StatusRecord{StatusKey: key}
	var updated int64
	err := db.QueryRow(ctx, q.getStatus, key.Ident, key.Module, key.Subject, key.Type).
		Scan(&rec.State, &rec.Remaining, &rec.IsMetric, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}

func (e *PostgresEngine) GetStatus(ctx context.Context, key StatusKey) (*StatusRecord, error) {
	return pgGetStatus(ctx, e.pool, e.q, key)
}

func (e *PostgresEngine) ListStatus(ctx context.Context, ident string) ([]*StatusRecord, error) {
	rows, err := e.pool.Query(ctx, e.q.listStatus, ident)
	if err != nil {
		return nil, fmt.Errorf("list status: %w", err)
	}
	defer rows.Close()

	var records []*StatusRecord
	for rows.Next() {
		rec := StatusRecord{StatusKey: StatusKey{Ident: ident}}
		var updated int64
		if err := rows.Scan(&rec.Module, &rec.Subject, &rec.Type, &rec.State, &rec.Remaining, &rec.IsMetric, &updated); err != nil {
			return nil, err
		}
		rec.UpdatedAt = fromMillis(updated)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (e *PostgresEngine) GetBucket(ctx context.Context, g Granularity, key BucketKey) (*Bucket, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("get bucket: invalid granularity %d", int(g))
	}
	b := Bucket{BucketKey: key}
	b.BucketTime = g.Truncate(key.BucketTime)
	err := e.pool.QueryRow(ctx, e.q.getBucket[g],
		millis(b.BucketTime), key.Ident, key.Module, key.Subject, key.Metric,
	).Scan(&b.Sum, &b.Min, &b.Max, &b.Avg, &b.Samples, &b.RangeFrom, &b.RangeTo, &b.DisplayHint)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s bucket: %w", g, err)
	}
	return &b, nil
}

func (e *PostgresEngine) GetIdent(ctx context.Context, ident string) (*Ident, error) {
	rec := Ident{Ident: ident}
	var first, last int64
	err := e.pool.QueryRow(ctx, e.q.getIdent, ident).Scan(&rec.Version, &first, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ident: %w", err)
	}
	rec.FirstSeenAt = fromMillis(first)
	rec.LastSeenAt = fromMillis(last)
	return &rec, nil
}

// --- Alert queue ---

func (e *PostgresEngine) PendingAlerts(ctx context.Context) ([]*HealthTransition, error) {
	rows, err := e.pool.Query(ctx, e.q.pendingAlerts)
	if err != nil {
		return nil, fmt.Errorf("pending alerts: %w", err)
	}
	defer rows.Close()

	var pending []*HealthTransition
	for rows.Next() {
		var h HealthTransition
		var changed int64
		if err := rows.Scan(&h.ID, &h.Ident, &h.Module, &h.Subject, &h.Type,
			&h.StateBefore, &h.StateAfter, &h.Remaining, &h.IsMetric, &changed); err != nil {
			return nil, err
		}
		h.Time = fromMillis(changed)
		pending = append(pending, &h)
	}
	return pending, rows.Err()
}

func (e *PostgresEngine) MarkAlertsSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := e.pool.Exec(ctx, `UPDATE health SET alert_sent = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark alerts sent: %w", err)
	}
	return nil
}

// --- Retention ---

func (e *PostgresEngine) PurgeBefore(ctx context.Context, g Granularity, maxAge time.Duration) (int64, error) {
	if !g.Valid() {
		return 0, fmt.Errorf("purge: invalid granularity %d", int(g))
	}
	cutoff := e.clock.Now().Add(-maxAge)
	tag, err := e.pool.Exec(ctx, e.q.purge[g], millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", g.Table(), err)
	}
	return tag.RowsAffected(), nil
}

func (e *PostgresEngine) PurgeHealth(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := e.clock.Now().Add(-maxAge)
	tag, err := e.pool.Exec(ctx, e.q.purgeHealth, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge health: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Schema ---

func (e *PostgresEngine) Migrate(ctx context.Context, softwareVersion string) (int, error) {
	return migrate(ctx, e, softwareVersion, e.logger)
}

func (e *PostgresEngine) SchemaVersion(ctx context.Context) (int, error) {
	return currentVersion(ctx, e)
}

func (e *PostgresEngine) sqlDialect() dialect {
	return postgresDialect
}

func (e *PostgresEngine) versionTableExists(ctx context.Context) (bool, error) {
	var exists bool
	err := e.pool.QueryRow(ctx, `SELECT to_regclass('schema_version') IS NOT NULL`).Scan(&exists)
	return exists, err
}

func (e *PostgresEngine) readVersion(ctx context.Context) (int, error) {
	var version int
	err := e.pool.QueryRow(ctx, e.q.readVersion).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (e *PostgresEngine) applyMigration(ctx context.Context, version int, stmts []string) error {
	return pgx.BeginFunc(ctx, e.pool, func(tx pgx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, e.q.writeVersion, version)
		return err
	})
}

func (e *PostgresEngine) writeSoftwareVersion(ctx context.Context, softwareVersion string) error {
	_, err := e.pool.Exec(ctx, e.q.writeSoftwareVersion, softwareVersion)
	return err
}
