package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const defaultSQLitePoolSize = 4

// SQLiteEngine implements Engine on an embedded SQLite database.
type SQLiteEngine struct {
	pool   *sqlitex.Pool
	path   string
	q      *queries
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewSQLiteEngine opens a connection pool on the database file at opts.DSN.
// The file is created if it does not exist.
func NewSQLiteEngine(ctx context.Context, opts Options) (*SQLiteEngine, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultSQLitePoolSize
	}

	pool, err := sqlitex.NewPool(opts.DSN, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", opts.DSN, err)
	}

	e := &SQLiteEngine{
		pool:   pool,
		path:   opts.DSN,
		q:      newQueries(rebindQuestion),
		clock:  opts.clock(),
		logger: opts.logger().Named("sqlite"),
	}

	// Surface a broken file now rather than on the first report.
	if err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
	}); err != nil {
		pool.Close()
		return nil, err
	}

	e.logger.Info("sqlite pool opened", zap.String("path", opts.DSN), zap.Int("pool_size", poolSize))
	return e, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return nil
}

func (e *SQLiteEngine) Close() error {
	if err := e.pool.Close(); err != nil {
		return fmt.Errorf("sqlite: close %s: %w", e.path, err)
	}
	return nil
}

// withConn takes a pooled connection for the duration of fn.
func (e *SQLiteEngine) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take: %w", err)
	}
	defer e.pool.Put(conn)
	return fn(conn)
}

// immediate runs fn in an IMMEDIATE transaction. A panic in fn rolls the
// transaction back before propagating.
func immediate(conn *sqlite.Conn, fn func() error) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			rollback := fmt.Errorf("panic in transaction: %v", p)
			endTransaction(&rollback)
			panic(p)
		}
		endTransaction(&err)
	}()
	return fn()
}

// --- Transactions ---

func (e *SQLiteEngine) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return e.withConn(ctx, func(conn *sqlite.Conn) error {
		return immediate(conn, func() error {
			return fn(&sqliteTx{conn: conn, q: e.q})
		})
	})
}

type sqliteTx struct {
	conn *sqlite.Conn
	q    *queries
}

func (t *sqliteTx) TouchIdent(ctx context.Context, ident, version string, seen time.Time) error {
	ms := millis(seen)
	err := sqlitex.Execute(t.conn, t.q.touchIdent, &sqlitex.ExecOptions{
		Args: []any{ident, version, ms, ms},
	})
	if err != nil {
		return fmt.Errorf("touch ident %s: %w", ident, err)
	}
	return nil
}

func (t *sqliteTx) PutMeta(ctx context.Context, ident, module, key string, value []byte, at time.Time) error {
	err := sqlitex.Execute(t.conn, t.q.putMeta, &sqlitex.ExecOptions{
		Args: []any{ident, module, key, string(value), millis(at)},
	})
	if err != nil {
		return fmt.Errorf("put meta %s/%s/%s: %w", ident, module, key, err)
	}
	return nil
}

func (t *sqliteTx) UpsertMetric(ctx context.Context, g Granularity, p MetricPoint) error {
	if !g.Valid() {
		return fmt.Errorf("upsert metric: invalid granularity %d", int(g))
	}
	err := sqlitex.Execute(t.conn, t.q.upsertMetric[g], &sqlitex.ExecOptions{
		Args: []any{
			millis(g.Truncate(p.Time)), p.Source.Ident, p.Source.Module, p.Subject, p.Metric,
			p.Value, p.Value, p.Value, p.Value,
			nullFloat(p.RangeFrom), nullFloat(p.RangeTo), p.DisplayHint,
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %s %s/%s: %w", g, p.Subject, p.Metric, err)
	}
	return nil
}

func (t *sqliteTx) GetStatus(ctx context.Context, key StatusKey) (*StatusRecord, error) {
	return sqliteGetStatus(t.conn, t.q, key)
}

func (t *sqliteTx) UpsertStatus(ctx context.Context, rec StatusRecord) error {
	err := sqlitex.Execute(t.conn, t.q.upsertStatus, &sqlitex.ExecOptions{
		Args: []any{
			rec.Ident, rec.Module, rec.Subject, rec.Type,
			rec.State, nullFloat(rec.Remaining), boolInt(rec.IsMetric), millis(rec.UpdatedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("upsert status %s/%s: %w", rec.Subject, rec.Type, err)
	}
	return nil
}

func (t *sqliteTx) InsertHealth(ctx context.Context, h HealthTransition) (int64, error) {
	var id int64
	err := sqlitex.Execute(t.conn, t.q.insertHealth, &sqlitex.ExecOptions{
		Args: []any{
			h.Ident, h.Module, h.Subject, h.Type,
			h.StateBefore, h.StateAfter, nullFloat(h.Remaining), boolInt(h.IsMetric), millis(h.Time),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("insert health transition: %w", err)
	}
	return id, nil
}

// --- Reads ---

func sqliteGetStatus(conn *sqlite.Conn, q *queries, key StatusKey) (*StatusRecord, error) {
	var rec *StatusRecord
	err := sqlitex.Execute(conn, q.getStatus, &sqlitex.ExecOptions{
		Args: []any{key.Ident, key.Module, key.Subject, key.Type},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec = &StatusRecord{
				StatusKey: key,
				State:     stmt.ColumnText(0),
				Remaining: columnFloatPtr(stmt, 1),
				IsMetric:  stmt.ColumnInt64(2) != 0,
				UpdatedAt: fromMillis(stmt.ColumnInt64(3)),
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return rec, nil
}

func (e *SQLiteEngine) GetStatus(ctx context.Context, key StatusKey) (rec *StatusRecord, err error) {
	err = e.withConn(ctx, func(conn *sqlite.Conn) error {
		rec, err = sqliteGetStatus(conn, e.q, key)
		return err
	})
	return rec, err
}

func (e *SQLiteEngine) ListStatus(ctx context.Context, ident string) ([]*StatusRecord, error) {
	var records []*StatusRecord
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, e.q.listStatus, &sqlitex.ExecOptions{
			Args: []any{ident},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, &StatusRecord{
					StatusKey: StatusKey{
						Ident:   ident,
						Module:  stmt.ColumnText(0),
						Subject: stmt.ColumnText(1),
						Type:    stmt.ColumnText(2),
					},
					State:     stmt.ColumnText(3),
					Remaining: columnFloatPtr(stmt, 4),
					IsMetric:  stmt.ColumnInt64(5) != 0,
					UpdatedAt: fromMillis(stmt.ColumnInt64(6)),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list status: %w", err)
	}
	return records, nil
}

func (e *SQLiteEngine) GetBucket(ctx context.Context, g Granularity, key BucketKey) (*Bucket, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("get bucket: invalid granularity %d", int(g))
	}
	bucketTime := g.Truncate(key.BucketTime)

	var b *Bucket
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, e.q.getBucket[g], &sqlitex.ExecOptions{
			Args: []any{millis(bucketTime), key.Ident, key.Module, key.Subject, key.Metric},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				b = &Bucket{
					BucketKey:   key,
					Sum:         stmt.ColumnFloat(0),
					Min:         stmt.ColumnFloat(1),
					Max:         stmt.ColumnFloat(2),
					Avg:         stmt.ColumnFloat(3),
					Samples:     stmt.ColumnInt64(4),
					RangeFrom:   columnFloatPtr(stmt, 5),
					RangeTo:     columnFloatPtr(stmt, 6),
					DisplayHint: stmt.ColumnText(7),
				}
				b.BucketTime = bucketTime
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get %s bucket: %w", g, err)
	}
	return b, nil
}

func (e *SQLiteEngine) GetIdent(ctx context.Context, ident string) (*Ident, error) {
	var rec *Ident
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, e.q.getIdent, &sqlitex.ExecOptions{
			Args: []any{ident},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec = &Ident{
					Ident:       ident,
					Version:     stmt.ColumnText(0),
					FirstSeenAt: fromMillis(stmt.ColumnInt64(1)),
					LastSeenAt:  fromMillis(stmt.ColumnInt64(2)),
				}
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get ident: %w", err)
	}
	return rec, nil
}

// --- Alert queue ---

func (e *SQLiteEngine) PendingAlerts(ctx context.Context) ([]*HealthTransition, error) {
	var pending []*HealthTransition
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, e.q.pendingAlerts, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pending = append(pending, &HealthTransition{
					ID: stmt.ColumnInt64(0),
					StatusKey: StatusKey{
						Ident:   stmt.ColumnText(1),
						Module:  stmt.ColumnText(2),
						Subject: stmt.ColumnText(3),
						Type:    stmt.ColumnText(4),
					},
					StateBefore: stmt.ColumnText(5),
					StateAfter:  stmt.ColumnText(6),
					Remaining:   columnFloatPtr(stmt, 7),
					IsMetric:    stmt.ColumnInt64(8) != 0,
					Time:        fromMillis(stmt.ColumnInt64(9)),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("pending alerts: %w", err)
	}
	return pending, nil
}

func (e *SQLiteEngine) MarkAlertsSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		return immediate(conn, func() error {
			for _, id := range ids {
				if err := sqlitex.Execute(conn, `UPDATE health SET alert_sent = TRUE WHERE id = ?`, &sqlitex.ExecOptions{
					Args: []any{id},
				}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("mark alerts sent: %w", err)
	}
	return nil
}

// --- Retention ---

func (e *SQLiteEngine) PurgeBefore(ctx context.Context, g Granularity, maxAge time.Duration) (int64, error) {
	if !g.Valid() {
		return 0, fmt.Errorf("purge: invalid granularity %d", int(g))
	}
	n, err := e.deleteBefore(ctx, e.q.purge[g], e.clock.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", g.Table(), err)
	}
	return n, nil
}

func (e *SQLiteEngine) PurgeHealth(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := e.deleteBefore(ctx, e.q.purgeHealth, e.clock.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("purge health: %w", err)
	}
	return n, nil
}

func (e *SQLiteEngine) deleteBefore(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	var n int64
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{millis(cutoff)},
		}); err != nil {
			return err
		}
		n = int64(conn.Changes())
		return nil
	})
	return n, err
}

// --- Schema ---

func (e *SQLiteEngine) Migrate(ctx context.Context, softwareVersion string) (int, error) {
	return migrate(ctx, e, softwareVersion, e.logger)
}

func (e *SQLiteEngine) SchemaVersion(ctx context.Context) (int, error) {
	return currentVersion(ctx, e)
}

func (e *SQLiteEngine) sqlDialect() dialect {
	return sqliteDialect
}

func (e *SQLiteEngine) versionTableExists(ctx context.Context) (bool, error) {
	var count int64
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					count = stmt.ColumnInt64(0)
					return nil
				},
			})
	})
	return count > 0, err
}

func (e *SQLiteEngine) readVersion(ctx context.Context) (int, error) {
	var version int
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, e.q.readVersion, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (e *SQLiteEngine) applyMigration(ctx context.Context, version int, stmts []string) error {
	return e.withConn(ctx, func(conn *sqlite.Conn) error {
		return immediate(conn, func() error {
			for _, stmt := range stmts {
				if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
					return err
				}
			}
			return sqlitex.Execute(conn, e.q.writeVersion, &sqlitex.ExecOptions{
				Args: []any{version},
			})
		})
	})
}

func (e *SQLiteEngine) writeSoftwareVersion(ctx context.Context, softwareVersion string) error {
	return e.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, e.q.writeSoftwareVersion, &sqlitex.ExecOptions{
			Args: []any{softwareVersion},
		})
	})
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func columnFloatPtr(stmt *sqlite.Stmt, col int) *float64 {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	v := stmt.ColumnFloat(col)
	return &v
}
