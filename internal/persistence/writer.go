package persistence

import (
	"TradeLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// DefaultBatchRows keeps positions (15 columns) under SQLite's 999 variable cap.
const DefaultBatchRows = 50

var positionColumns = []string{
	"id", "asset", "venue_key", "side", "status",
	"open_quantity", "closed_quantity", "remaining_quantity",
	"avg_open_price", "avg_close_price", "realized_pnl", "total_fees",
	"opened_at", "closed_at", "version",
}

var allocationColumns = []string{"trade_id", "leg", "position_id", "matched_quantity"}

// BatchWriter writes rows with multi-row INSERT statements inside a caller
// supplied transaction.
type BatchWriter struct {
	dialect   Dialect
	batchRows int
}

func NewBatchWriter(dialect Dialect, batchRows int) *BatchWriter {
	if batchRows <= 0 {
		batchRows = DefaultBatchRows
	}
	return &BatchWriter{dialect: dialect, batchRows: batchRows}
}

// WritePositions inserts positions in chunks.
func (w *BatchWriter) WritePositions(ctx context.Context, tx *sql.Tx, positions []*state.Position) error {
	rows := make([][]interface{}, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, w.positionArgs(p))
	}
	return w.insert(ctx, tx, "positions", positionColumns, rows)
}

// WriteAllocations inserts allocations in chunks.
func (w *BatchWriter) WriteAllocations(ctx context.Context, tx *sql.Tx, allocations []state.Allocation) error {
	rows := make([][]interface{}, 0, len(allocations))
	for _, a := range allocations {
		rows = append(rows, []interface{}{a.TradeID, a.Leg, a.PositionID, a.MatchedQuantity})
	}
	return w.insert(ctx, tx, "allocations", allocationColumns, rows)
}

func (w *BatchWriter) positionArgs(p *state.Position) []interface{} {
	return []interface{}{
		p.ID, p.Asset, p.VenueKey, string(p.Side), string(p.Status),
		p.OpenQuantity, p.ClosedQuantity, p.RemainingQuantity,
		p.AvgOpenPrice, p.AvgClosePrice, p.RealizedPnL, p.TotalFees,
		w.dialect.timeArg(p.OpenedAt), w.dialect.nullTimeArg(p.ClosedAt), p.Version,
	}
}

func (w *BatchWriter) insert(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	for start := 0; start < len(rows); start += w.batchRows {
		end := start + w.batchRows
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*len(columns))
		for _, r := range chunk {
			values = append(values, placeholder)
			args = append(args, r...)
		}

		query := w.dialect.Rebind(head + strings.Join(values, ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert %s rows %d-%d: %w", table, start, end, err)
		}
	}
	return nil
}
