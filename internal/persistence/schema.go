package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresSchema mirrors migrations/000001_ledger.up.sql for callers that
// bootstrap without the migration files (tests, ledgerctl).
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS trades (
    id        TEXT PRIMARY KEY,
    venue_key TEXT NOT NULL,
    asset     TEXT NOT NULL,
    side      TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
    price     NUMERIC NOT NULL CHECK (price > 0),
    quantity  NUMERIC NOT NULL CHECK (quantity > 0),
    fee       NUMERIC NOT NULL CHECK (fee >= 0),
    ts        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_asset_ts ON trades (asset, ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_trades_book_ts ON trades (asset, venue_key, ts DESC, id DESC);
CREATE TABLE IF NOT EXISTS positions (
    id                 UUID PRIMARY KEY,
    asset              TEXT NOT NULL,
    venue_key          TEXT NOT NULL,
    side               TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
    status             TEXT NOT NULL CHECK (status IN ('OPEN', 'CLOSED')),
    open_quantity      NUMERIC NOT NULL,
    closed_quantity    NUMERIC NOT NULL,
    remaining_quantity NUMERIC NOT NULL,
    avg_open_price     NUMERIC NOT NULL,
    avg_close_price    NUMERIC,
    realized_pnl       NUMERIC NOT NULL,
    total_fees         NUMERIC NOT NULL,
    opened_at          TIMESTAMPTZ NOT NULL,
    closed_at          TIMESTAMPTZ,
    version            BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_positions_open_book ON positions (asset, venue_key) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_positions_closed_at ON positions (closed_at) WHERE status = 'CLOSED';
CREATE TABLE IF NOT EXISTS allocations (
    trade_id         TEXT NOT NULL REFERENCES trades (id),
    leg              INTEGER NOT NULL,
    position_id      UUID NOT NULL REFERENCES positions (id),
    matched_quantity NUMERIC NOT NULL CHECK (matched_quantity > 0),
    PRIMARY KEY (trade_id, leg)
);
CREATE INDEX IF NOT EXISTS idx_allocations_position ON allocations (position_id);
`

// SQLiteSchema stores decimals and timestamps as TEXT: decimals keep full
// precision (no REAL affinity) and fixed-width UTC timestamps sort as text.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS trades (
    id        TEXT PRIMARY KEY,
    venue_key TEXT NOT NULL,
    asset     TEXT NOT NULL,
    side      TEXT NOT NULL,
    price     TEXT NOT NULL,
    quantity  TEXT NOT NULL,
    fee       TEXT NOT NULL,
    ts        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_asset_ts ON trades (asset, ts, id);
CREATE INDEX IF NOT EXISTS idx_trades_book_ts ON trades (asset, venue_key, ts, id);
CREATE TABLE IF NOT EXISTS positions (
    id                 TEXT PRIMARY KEY,
    asset              TEXT NOT NULL,
    venue_key          TEXT NOT NULL,
    side               TEXT NOT NULL,
    status             TEXT NOT NULL,
    open_quantity      TEXT NOT NULL,
    closed_quantity    TEXT NOT NULL,
    remaining_quantity TEXT NOT NULL,
    avg_open_price     TEXT NOT NULL,
    avg_close_price    TEXT,
    realized_pnl       TEXT NOT NULL,
    total_fees         TEXT NOT NULL,
    opened_at          TEXT NOT NULL,
    closed_at          TEXT,
    version            INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_positions_open_book ON positions (asset, venue_key) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_positions_closed_at ON positions (closed_at);
CREATE TABLE IF NOT EXISTS allocations (
    trade_id         TEXT NOT NULL,
    leg              INTEGER NOT NULL,
    position_id      TEXT NOT NULL,
    matched_quantity TEXT NOT NULL,
    PRIMARY KEY (trade_id, leg)
);
CREATE INDEX IF NOT EXISTS idx_allocations_position ON allocations (position_id);
`

// ApplySchema creates the ledger tables if they do not exist. Statements are
// executed one by one since not every driver accepts multi-statement Exec.
func ApplySchema(ctx context.Context, db *sql.DB, dialect Dialect) error {
	schema := PostgresSchema
	if dialect == DialectSQLite {
		schema = SQLiteSchema
	}

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
