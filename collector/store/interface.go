package store

import (
	"context"
	"time"
)

// Engine is the durable storage behind the collector. Lookups return
// (nil, nil) when nothing matches.
type Engine interface {
	// Migrate brings the schema to the latest version and records
	// softwareVersion. It returns the resulting schema version.
	Migrate(ctx context.Context, softwareVersion string) (int, error)
	SchemaVersion(ctx context.Context) (int, error)

	// WithTx runs fn inside one transaction on a connection taken from the
	// pool. The transaction commits when fn returns nil and rolls back on
	// error or panic.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetBucket(ctx context.Context, g Granularity, key BucketKey) (*Bucket, error)
	GetStatus(ctx context.Context, key StatusKey) (*StatusRecord, error)
	ListStatus(ctx context.Context, ident string) ([]*StatusRecord, error)
	GetIdent(ctx context.Context, ident string) (*Ident, error)

	PendingAlerts(ctx context.Context) ([]*HealthTransition, error)
	MarkAlertsSent(ctx context.Context, ids []int64) error

	// PurgeBefore deletes buckets of g older than now - maxAge.
	PurgeBefore(ctx context.Context, g Granularity, maxAge time.Duration) (int64, error)
	// PurgeHealth deletes transitions older than now - maxAge, sent or not.
	PurgeHealth(ctx context.Context, maxAge time.Duration) (int64, error)

	Close() error
}

// Tx is the write surface available inside WithTx.
type Tx interface {
	TouchIdent(ctx context.Context, ident, version string, seen time.Time) error
	PutMeta(ctx context.Context, ident, module, key string, value []byte, at time.Time) error
	UpsertMetric(ctx context.Context, g Granularity, p MetricPoint) error
	GetStatus(ctx context.Context, key StatusKey) (*StatusRecord, error)
	UpsertStatus(ctx context.Context, rec StatusRecord) error
	InsertHealth(ctx context.Context, h HealthTransition) (int64, error)
}
