package persistence

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const positionSelect = `SELECT id, asset, venue_key, side, status,
	open_quantity, closed_quantity, remaining_quantity,
	avg_open_price, avg_close_price, realized_pnl, total_fees,
	opened_at, closed_at, version
	FROM positions`

const tradeSelect = `SELECT id, venue_key, asset, side, price, quantity, fee, ts FROM trades`

// SQLStore implements Store over database/sql for Postgres and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	writer  *BatchWriter
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		writer:  NewBatchWriter(dialect, DefaultBatchRows),
	}
}

// OpenSQLStore opens the database, and for SQLite creates the schema.
// Postgres schemas are owned by the migrator.
func OpenSQLStore(ctx context.Context, driverName, dsn string) (*SQLStore, error) {
	db, dialect, err := OpenDB(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}
	if dialect == DialectSQLite {
		if err := ApplySchema(ctx, db, dialect); err != nil {
			db.Close()
			return nil, err
		}
	}
	return NewSQLStore(db, dialect), nil
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// --- Trades ---

func (s *SQLStore) InsertTrade(ctx context.Context, t *event.Trade) error {
	return s.insertTrade(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLStore) insertTrade(ctx context.Context, ex execer, t *event.Trade) error {
	_, err := ex.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO trades (id, venue_key, asset, side, price, quantity, fee, ts) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.VenueKey, t.Asset, string(t.Side), t.Price, t.Quantity, t.Fee, s.dialect.timeArg(t.Timestamp),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, t.ID)
	}
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) TradeExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT 1 FROM trades WHERE id = ? LIMIT 1`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) LastTrade(ctx context.Context, key state.Key) (*event.Trade, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		tradeSelect+` WHERE asset = ? AND venue_key = ? ORDER BY ts DESC, id DESC LIMIT 1`),
		key.Asset, key.VenueKey)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *SQLStore) ListTrades(ctx context.Context) ([]*event.Trade, error) {
	rows, err := s.db.QueryContext(ctx, tradeSelect+` ORDER BY ts ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []*event.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLStore) FindTrades(ctx context.Context, f TradeFilter) ([]*event.Trade, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Asset != "" {
		where = append(where, "asset = ?")
		args = append(args, f.Asset)
	}
	if f.VenueKey != "" {
		where = append(where, "venue_key = ?")
		args = append(args, f.VenueKey)
	}
	if f.From != nil {
		where = append(where, "ts >= ?")
		args = append(args, s.dialect.timeArg(*f.From))
	}
	if f.To != nil {
		where = append(where, "ts <= ?")
		args = append(args, s.dialect.timeArg(*f.To))
	}

	query := tradeSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("find trades: %w", err)
	}
	defer rows.Close()

	out := make([]*event.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) LatestPrice(ctx context.Context, asset string) (decimal.Decimal, bool, error) {
	var price decimal.Decimal
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT price FROM trades WHERE asset = ? ORDER BY ts DESC, id DESC LIMIT 1`), asset).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("latest price %s: %w", asset, err)
	}
	return price, true, nil
}

// --- Positions ---

func (s *SQLStore) GetOpenPosition(ctx context.Context, key state.Key) (*state.Position, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		positionSelect+` WHERE asset = ? AND venue_key = ? AND status = 'OPEN'`), key.Asset, key.VenueKey)
	if err != nil {
		return nil, fmt.Errorf("get open position %s: %w", key, err)
	}
	defer rows.Close()

	var found *state.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s", ErrMultipleOpen, key)
		}
		found = p
	}
	return found, rows.Err()
}

func (s *SQLStore) GetPosition(ctx context.Context, id uuid.UUID) (*state.Position, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(positionSelect+` WHERE id = ?`), id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SQLStore) ListPositions(ctx context.Context, f PositionFilter) ([]*state.Position, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Asset != "" {
		where = append(where, "asset = ?")
		args = append(args, f.Asset)
	}
	if f.VenueKey != "" {
		where = append(where, "venue_key = ?")
		args = append(args, f.VenueKey)
	}
	if f.ClosedFrom != nil || f.ClosedTo != nil {
		where = append(where, "closed_at IS NOT NULL")
	}
	if f.ClosedFrom != nil {
		where = append(where, "closed_at >= ?")
		args = append(args, s.dialect.timeArg(*f.ClosedFrom))
	}
	if f.ClosedTo != nil {
		where = append(where, "closed_at <= ?")
		args = append(args, s.dialect.timeArg(*f.ClosedTo))
	}

	query := positionSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Order == OrderClosedDesc {
		query += " ORDER BY closed_at DESC NULLS LAST, opened_at ASC, id ASC"
	} else {
		query += " ORDER BY opened_at ASC, id ASC"
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	out := make([]*state.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListAllocations(ctx context.Context, positionID uuid.UUID) ([]state.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT a.trade_id, a.leg, a.position_id, a.matched_quantity
		FROM allocations a JOIN trades t ON t.id = a.trade_id
		WHERE a.position_id = ?
		ORDER BY t.ts ASC, a.trade_id ASC, a.leg ASC`), positionID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

func (s *SQLStore) ListAllAllocations(ctx context.Context) ([]state.Allocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trade_id, leg, position_id, matched_quantity FROM allocations ORDER BY trade_id ASC, leg ASC`)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

// --- Writes ---

// CommitEffect runs in one transaction:
//  1. insert the trade (duplicate -> ErrDuplicateTrade)
//  2. per change, in order: version-checked UPDATE of an existing OPEN row,
//     or open-key check + INSERT of a created row
//  3. insert allocations
func (s *SQLStore) CommitEffect(ctx context.Context, eff *state.Effect) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertTrade(ctx, tx, eff.Trade); err != nil {
		return err
	}

	for _, c := range eff.Changes {
		if c.Created {
			if err := s.insertPosition(ctx, tx, eff.Key, c.Position); err != nil {
				return err
			}
			continue
		}
		if err := s.updatePosition(ctx, tx, c); err != nil {
			return err
		}
	}

	if err := s.writer.WriteAllocations(ctx, tx, eff.Allocations); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit effect for %s: %w", eff.Trade.ID, err)
	}
	return nil
}

func (s *SQLStore) insertPosition(ctx context.Context, tx *sql.Tx, key state.Key, p *state.Position) error {
	var open int
	if err := tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COUNT(*) FROM positions WHERE asset = ? AND venue_key = ? AND status = 'OPEN'`),
		key.Asset, key.VenueKey).Scan(&open); err != nil {
		return fmt.Errorf("count open positions %s: %w", key, err)
	}
	if open > 0 {
		return fmt.Errorf("%w: %s already has an open position", ErrVersionConflict, key)
	}

	err := s.writer.WritePositions(ctx, tx, []*state.Position{p})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrVersionConflict, err)
	}
	return err
}

func (s *SQLStore) updatePosition(ctx context.Context, tx *sql.Tx, c state.PositionChange) error {
	p := c.Position
	res, err := tx.ExecContext(ctx, s.dialect.Rebind(`UPDATE positions SET
		status = ?, open_quantity = ?, closed_quantity = ?, remaining_quantity = ?,
		avg_open_price = ?, avg_close_price = ?, realized_pnl = ?, total_fees = ?,
		closed_at = ?, version = ?
		WHERE id = ? AND version = ? AND status = 'OPEN'`),
		string(p.Status), p.OpenQuantity, p.ClosedQuantity, p.RemainingQuantity,
		p.AvgOpenPrice, p.AvgClosePrice, p.RealizedPnL, p.TotalFees,
		s.dialect.nullTimeArg(p.ClosedAt), p.Version,
		p.ID, c.PrevVersion,
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: position %s at version %d", ErrVersionConflict, p.ID, c.PrevVersion)
	}
	return nil
}

// ReplaceAll deletes and rebuilds positions and allocations in a single
// transaction. Readers see either the old set or the new one.
func (s *SQLStore) ReplaceAll(ctx context.Context, positions []*state.Position, allocations []state.Allocation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM allocations`); err != nil {
		return fmt.Errorf("clear allocations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}
	if err := s.writer.WritePositions(ctx, tx, positions); err != nil {
		return err
	}
	if err := s.writer.WriteAllocations(ctx, tx, allocations); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*event.Trade, error) {
	var (
		t    event.Trade
		side string
		ts   scanTime
	)
	if err := row.Scan(&t.ID, &t.VenueKey, &t.Asset, &side, &t.Price, &t.Quantity, &t.Fee, &ts); err != nil {
		return nil, err
	}
	t.Side = event.Side(side)
	t.Timestamp = ts.Time
	return &t, nil
}

func scanPosition(row rowScanner) (*state.Position, error) {
	var (
		p              state.Position
		side, status   string
		opened, closed scanTime
	)
	if err := row.Scan(
		&p.ID, &p.Asset, &p.VenueKey, &side, &status,
		&p.OpenQuantity, &p.ClosedQuantity, &p.RemainingQuantity,
		&p.AvgOpenPrice, &p.AvgClosePrice, &p.RealizedPnL, &p.TotalFees,
		&opened, &closed, &p.Version,
	); err != nil {
		return nil, err
	}
	p.Side = event.Side(side)
	p.Status = state.Status(status)
	p.OpenedAt = opened.Time
	p.ClosedAt = closed.Ptr()
	return &p, nil
}

func scanAllocations(rows *sql.Rows) ([]state.Allocation, error) {
	out := make([]state.Allocation, 0)
	for rows.Next() {
		var a state.Allocation
		if err := rows.Scan(&a.TradeID, &a.Leg, &a.PositionID, &a.MatchedQuantity); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
