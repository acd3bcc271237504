package persistence

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// StoreOptions selects and locates a store.
type StoreOptions struct {
	Kind          string // postgres, sqlite or memory
	Driver        string // database/sql driver name
	DSN           string
	MigrationsDir string // Postgres only; empty skips migrations
}

// OpenStore opens the configured store. Postgres runs pending migrations
// first; SQLite creates its schema in place.
func OpenStore(ctx context.Context, opts StoreOptions, logger zerolog.Logger) (Store, error) {
	switch opts.Kind {
	case "memory":
		logger.Warn().Msg("using in-memory store, state is lost on exit")
		return NewMemoryStore(), nil

	case "sqlite":
		s, err := OpenSQLStore(ctx, opts.Driver, opts.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("driver", opts.Driver).Str("path", opts.DSN).Msg("sqlite store opened")
		return s, nil

	case "postgres":
		db, dialect, err := OpenDB(opts.Driver, opts.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		if opts.MigrationsDir != "" {
			if err := NewMigrator(db, opts.MigrationsDir).WithLogger(logger).Up(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		logger.Info().Str("driver", opts.Driver).Msg("postgres store opened")
		return NewSQLStore(db, dialect), nil

	default:
		return nil, fmt.Errorf("unknown store %q", opts.Kind)
	}
}
