package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// dialect captures the DDL differences between engines.
type dialect struct {
	name      string
	serialKey string
	text      string
	bigint    string
	double    string
}

var (
	postgresDialect = dialect{
		name:      "postgres",
		serialKey: "BIGSERIAL PRIMARY KEY",
		text:      "TEXT",
		bigint:    "BIGINT",
		double:    "DOUBLE PRECISION",
	}
	sqliteDialect = dialect{
		name:      "sqlite",
		serialKey: "INTEGER PRIMARY KEY AUTOINCREMENT",
		text:      "TEXT",
		bigint:    "INTEGER",
		double:    "REAL",
	}
)

// Migration is one additive schema step. Every statement must be safe to
// re-run so that a step interrupted before the version was advanced can be
// applied again.
type Migration struct {
	Version int
	Name    string
	DDL     func(d dialect) []string
}

// Migrations is the ordered schema history.
var Migrations = []Migration{
	{Version: 1, Name: "core tables", DDL: coreTables},
	{Version: 2, Name: "health transitions", DDL: healthTable},
	{Version: 3, Name: "metric buckets", DDL: metricTablesDDL},
	{Version: 4, Name: "lookup indexes", DDL: lookupIndexes},
}

// LatestVersion is the schema version after all migrations are applied.
func LatestVersion() int {
	return Migrations[len(Migrations)-1].Version
}

func coreTables(d dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schema_version (
			id %[1]s PRIMARY KEY,
			version %[1]s NOT NULL,
			agent_software_version %[2]s NOT NULL DEFAULT ''
		)`, d.bigint, d.text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS idents (
			ident %[1]s PRIMARY KEY,
			version %[1]s NOT NULL DEFAULT '',
			first_seen_at %[2]s NOT NULL,
			last_seen_at %[2]s NOT NULL
		)`, d.text, d.bigint),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS meta (
			ident %[1]s NOT NULL,
			module %[1]s NOT NULL,
			meta_key %[1]s NOT NULL,
			meta_value %[1]s NOT NULL,
			updated_at %[2]s NOT NULL,
			PRIMARY KEY (ident, module, meta_key)
		)`, d.text, d.bigint),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS status (
			ident %[1]s NOT NULL,
			module %[1]s NOT NULL,
			subject %[1]s NOT NULL,
			type %[1]s NOT NULL,
			state %[1]s NOT NULL,
			remaining %[3]s,
			is_metric BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at %[2]s NOT NULL,
			PRIMARY KEY (ident, module, subject, type)
		)`, d.text, d.bigint, d.double),
	}
}

func healthTable(d dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS health (
			id %[4]s,
			ident %[1]s NOT NULL,
			module %[1]s NOT NULL,
			subject %[1]s NOT NULL,
			type %[1]s NOT NULL,
			state_before %[1]s NOT NULL,
			state_after %[1]s NOT NULL,
			remaining %[3]s,
			is_metric BOOLEAN NOT NULL DEFAULT FALSE,
			changed_at %[2]s NOT NULL,
			alert_sent BOOLEAN NOT NULL DEFAULT FALSE
		)`, d.text, d.bigint, d.double, d.serialKey),
		`CREATE INDEX IF NOT EXISTS health_pending_idx ON health (alert_sent, id)`,
	}
}

func metricTablesDDL(d dialect) []string {
	stmts := make([]string, 0, len(Granularities))
	for _, g := range Granularities {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			bucket_time %[3]s NOT NULL,
			ident %[2]s NOT NULL,
			module %[2]s NOT NULL,
			subject %[2]s NOT NULL,
			metric %[2]s NOT NULL,
			sum %[4]s NOT NULL,
			min %[4]s NOT NULL,
			max %[4]s NOT NULL,
			avg %[4]s NOT NULL,
			samples %[3]s NOT NULL,
			range_from %[4]s,
			range_to %[4]s,
			display_hint %[2]s NOT NULL DEFAULT '',
			PRIMARY KEY (bucket_time, ident, module, subject, metric)
		)`, g.Table(), d.text, d.bigint, d.double))
	}
	return stmts
}

func lookupIndexes(d dialect) []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS health_changed_at_idx ON health (changed_at)`,
		`CREATE INDEX IF NOT EXISTS idents_last_seen_idx ON idents (last_seen_at)`,
		`CREATE INDEX IF NOT EXISTS status_updated_at_idx ON status (updated_at)`,
	}
}

// migrationTarget is what an engine exposes to the migrator.
type migrationTarget interface {
	sqlDialect() dialect
	versionTableExists(ctx context.Context) (bool, error)
	readVersion(ctx context.Context) (int, error)
	// applyMigration runs stmts and records version in one transaction.
	applyMigration(ctx context.Context, version int, stmts []string) error
	writeSoftwareVersion(ctx context.Context, softwareVersion string) error
}

func currentVersion(ctx context.Context, t migrationTarget) (int, error) {
	exists, err := t.versionTableExists(ctx)
	if err != nil {
		return 0, fmt.Errorf("check schema_version: %w", err)
	}
	if !exists {
		return 0, nil
	}
	return t.readVersion(ctx)
}

// migrate applies every migration newer than the recorded version, in order,
// then stores softwareVersion alongside the schema version.
func migrate(ctx context.Context, t migrationTarget, softwareVersion string, logger *zap.Logger) (int, error) {
	version, err := currentVersion(ctx, t)
	if err != nil {
		return 0, err
	}

	d := t.sqlDialect()
	for _, m := range Migrations {
		if m.Version <= version {
			continue
		}
		logger.Info("applying schema migration",
			zap.String("dialect", d.name),
			zap.Int("version", m.Version),
			zap.String("name", m.Name))
		if err := t.applyMigration(ctx, m.Version, m.DDL(d)); err != nil {
			return version, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		version = m.Version
	}

	if err := t.writeSoftwareVersion(ctx, softwareVersion); err != nil {
		return version, fmt.Errorf("record software version: %w", err)
	}
	return version, nil
}
