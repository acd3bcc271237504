package main

import (
	"TradeLedger/internal/config"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"context"
	"flag"
	"fmt"
	"os"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $TRADELEDGER_CONFIG)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-config FILE] <up|down|status>")
		fmt.Fprintln(os.Stderr, "  up     - apply all pending migrations")
		fmt.Fprintln(os.Stderr, "  down   - roll back the last migration")
		fmt.Fprintln(os.Stderr, "  status - list applied migrations")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Environment:")
		fmt.Fprintln(os.Stderr, "  TRADELEDGER_POSTGRES_DSN     - Postgres connection string")
		fmt.Fprintln(os.Stderr, "  TRADELEDGER_POSTGRES_DRIVER  - postgres or pgx (default: postgres)")
		fmt.Fprintln(os.Stderr, "  TRADELEDGER_MIGRATIONS_DIR   - path to migrations directory (default: migrations)")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.Store != config.StorePostgres {
		// SQLite creates its schema on open
		logger.Fatal().Str("store", cfg.Store).Msg("migrations only apply to the postgres store")
	}

	db, _, err := persistence.OpenDB(cfg.PostgresDriver, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir).WithLogger(logger)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		st, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration status")
		}
		for _, v := range st.Applied {
			fmt.Println(v, "applied")
		}
		for _, v := range st.Pending {
			fmt.Println(v, "pending")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", flag.Arg(0))
		os.Exit(1)
	}
}
