package cmd

import (
	"TradeLedger/internal/config"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// RootConfig carries the persistent flags shared by every subcommand.
type RootConfig struct {
	ConfigPath string
	Store      string
	SQLitePath string
	DSN        string
	JSON       bool
}

// NewRootCmd builds the ledgerctl command tree.
func NewRootCmd() *cobra.Command {
	rc := &RootConfig{}

	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate a TradeLedger store from the command line",
		Long: `ledgerctl works directly against a TradeLedger store.

It can:
  - import JSON-lines trade files
  - rebuild positions from the trade history
  - list positions and report P&L
  - verify stored positions and archive snapshots

Examples:
  ledgerctl --store sqlite --sqlite ./ledger.db import trades.jsonl
  ledgerctl positions --status open --asset BTC
  ledgerctl pnl --start 2024-03-01 --end 2024-03-31 --bucket week`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&rc.ConfigPath, "config", "", "path to YAML config (default $TRADELEDGER_CONFIG)")
	pf.StringVar(&rc.Store, "store", "", "store kind: postgres, sqlite or memory")
	pf.StringVar(&rc.SQLitePath, "sqlite", "", "SQLite database path")
	pf.StringVar(&rc.DSN, "dsn", "", "Postgres connection string")
	pf.BoolVar(&rc.JSON, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newImportCmd(rc),
		newRecomputeCmd(rc),
		newPositionsCmd(rc),
		newTradesCmd(rc),
		newPnLCmd(rc),
		newVerifyCmd(rc),
		newArchiveCmd(rc),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// session is an opened store with its ledger.
type session struct {
	cfg    *config.Config
	store  persistence.Store
	ledger *ledger.Ledger
	logger zerolog.Logger
}

func (rc *RootConfig) open(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(rc.ConfigPath)
	if err != nil {
		return nil, err
	}
	if rc.Store != "" {
		cfg.Store = rc.Store
	}
	if rc.SQLitePath != "" {
		cfg.SQLitePath = rc.SQLitePath
	}
	if rc.DSN != "" {
		cfg.PostgresDSN = rc.DSN
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := observability.NewLoggerTo(cmd.ErrOrStderr(), "ledgerctl", observability.ParseLogLevel(cfg.LogLevel))

	driver, dsn := cfg.SQLDriver()
	store, err := persistence.OpenStore(ctx, persistence.StoreOptions{
		Kind:          cfg.Store,
		Driver:        driver,
		DSN:           dsn,
		MigrationsDir: cfg.MigrationsDir,
	}, logger)
	if err != nil {
		return nil, err
	}

	l := ledger.New(store, ledger.Config{MaxRetries: cfg.MaxMutationRetries, Logger: &logger})
	return &session{cfg: cfg, store: store, ledger: l, logger: logger}, nil
}

func (s *session) Close() error {
	return s.store.Close()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
