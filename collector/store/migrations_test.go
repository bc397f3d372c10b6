package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func openUnmigrated(t *testing.T) *SQLiteEngine {
	t.Helper()
	e, err := NewSQLiteEngine(context.Background(), Options{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "migrate.db"),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSchemaVersionZeroWithoutTable(t *testing.T) {
	e := openUnmigrated(t)
	v, err := e.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestMigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	e := openUnmigrated(t)

	v, err := e.Migrate(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)

	v, err = e.Migrate(ctx, "1.0.1")
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)

	stored, err := e.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), stored)

	assert.Equal(t, "1.0.1", softwareVersion(t, e))
	for _, table := range []string{"idents", "meta", "status", "health", "schema_version"} {
		assert.True(t, tableExists(t, e, table), table)
	}
	for _, g := range Granularities {
		assert.True(t, tableExists(t, e, g.Table()), g.Table())
	}
}

func TestMigrateResumesInterruptedStep(t *testing.T) {
	ctx := context.Background()
	e := openUnmigrated(t)

	// Step 1 recorded, step 2 applied but not recorded.
	require.NoError(t, e.applyMigration(ctx, 1, coreTables(sqliteDialect)))
	require.NoError(t, e.withConn(ctx, func(conn *sqlite.Conn) error {
		for _, stmt := range healthTable(sqliteDialect) {
			if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
				return err
			}
		}
		return nil
	}))

	v, err := e.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = e.Migrate(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
}

func TestMigrationsOrdered(t *testing.T) {
	for i, m := range Migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.DDL(postgresDialect))
		assert.Len(t, m.DDL(sqliteDialect), len(m.DDL(postgresDialect)))
	}
}

func tableExists(t *testing.T, e *SQLiteEngine, name string) bool {
	t.Helper()
	var found bool
	require.NoError(t, e.withConn(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	}))
	return found
}

func softwareVersion(t *testing.T, e *SQLiteEngine) string {
	t.Helper()
	var v string
	require.NoError(t, e.withConn(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT agent_software_version FROM schema_version WHERE id = 1`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v = stmt.ColumnText(0)
				return nil
			},
		})
	}))
	return v
}
