package store

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options configures an engine.
type Options struct {
	Driver   string
	DSN      string
	PoolSize int

	// Clock drives retention cutoffs. Defaults to the real clock.
	Clock  clockwork.Clock
	Logger *zap.Logger
}

func (o Options) clock() clockwork.Clock {
	if o.Clock == nil {
		return clockwork.NewRealClock()
	}
	return o.Clock
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Open creates the engine selected by opts.Driver.
func Open(ctx context.Context, opts Options) (Engine, error) {
	switch opts.Driver {
	case DriverPostgres:
		e, err := NewPostgresEngine(ctx, opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	case DriverSQLite:
		e, err := NewSQLiteEngine(ctx, opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
