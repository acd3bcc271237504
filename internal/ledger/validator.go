package ledger

import (
	fpmath "TradeLedger/internal/math"
	"TradeLedger/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntegrityReport is the result of one VerifyIntegrity pass.
type IntegrityReport struct {
	CheckedAt      time.Time               `json:"checked_at"`
	Positions      int                     `json:"positions"`
	Allocations    int                     `json:"allocations"`
	Trades         int                     `json:"trades"`
	PendingTrades  int                     `json:"pending_trades"` // Stored but not yet allocated
	Violations     []*ConsistencyViolation `json:"-"`
	ViolationTexts []string                `json:"violations"`
	Fingerprint    string                  `json:"fingerprint"`
}

func (r *IntegrityReport) OK() bool {
	return len(r.Violations) == 0
}

func (r *IntegrityReport) add(key state.Key, format string, args ...interface{}) {
	v := &ConsistencyViolation{Key: key, Reason: fmt.Sprintf(format, args...)}
	r.Violations = append(r.Violations, v)
	r.ViolationTexts = append(r.ViolationTexts, v.Error())
}

// VerifyIntegrity scans the stored ledger and checks:
//   - every position satisfies its row invariants
//   - at most one OPEN position per key
//   - allocations of a position sum to open + closed quantity
//   - allocations of a trade sum to its quantity (within epsilon)
//
// Keys with violations are halted. The scan runs under the exclusive gate so
// in-flight trades cannot produce false positives.
func (l *Ledger) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	l.gate.Lock()
	defer l.gate.Unlock()

	positions, allocations, err := l.snapshotRows(ctx)
	if err != nil {
		return nil, err
	}
	trades, err := l.store.ListTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}

	report := &IntegrityReport{
		CheckedAt:   time.Now().UTC(),
		Positions:   len(positions),
		Allocations: len(allocations),
		Trades:      len(trades),
		Fingerprint: state.Fingerprint(positions, allocations),
	}

	byID := make(map[uuid.UUID]*state.Position, len(positions))
	openPerKey := make(map[state.Key]int)
	for _, p := range positions {
		byID[p.ID] = p
		if err := p.CheckInvariants(); err != nil {
			report.add(p.Key(), "%v", err)
		}
		if p.IsOpen() {
			openPerKey[p.Key()]++
		}
	}
	for key, n := range openPerKey {
		if n > 1 {
			report.add(key, "%d OPEN positions", n)
		}
	}

	perPosition := make(map[uuid.UUID]decimal.Decimal, len(positions))
	perTrade := make(map[string]decimal.Decimal, len(trades))
	for _, a := range allocations {
		perTrade[a.TradeID] = perTrade[a.TradeID].Add(a.MatchedQuantity)
		if _, ok := byID[a.PositionID]; !ok {
			report.add(state.Key{}, "allocation %s/%d references unknown position %s", a.TradeID, a.Leg, a.PositionID)
			continue
		}
		perPosition[a.PositionID] = perPosition[a.PositionID].Add(a.MatchedQuantity)
	}

	for _, p := range positions {
		want := p.OpenQuantity.Add(p.ClosedQuantity)
		if got := perPosition[p.ID]; !fpmath.IsDust(got.Sub(want)) {
			report.add(p.Key(), "position %s allocations sum to %s, want %s", p.ID, got, want)
		}
	}

	for _, t := range trades {
		got, ok := perTrade[t.ID]
		if !ok {
			report.PendingTrades++
			continue
		}
		if !fpmath.IsDust(got.Sub(t.Quantity)) {
			report.add(state.KeyOf(t), "trade %s allocations sum to %s, want %s", t.ID, got, t.Quantity)
		}
	}

	for _, v := range report.Violations {
		if v.Key == (state.Key{}) {
			continue
		}
		l.halt(v.Key, v.Reason, v)
	}

	evt := l.logger.Info()
	if !report.OK() {
		evt = l.logger.Error()
	}
	evt.Int("positions", report.Positions).
		Int("trades", report.Trades).
		Int("pending", report.PendingTrades).
		Int("violations", len(report.Violations)).
		Str("fingerprint", report.Fingerprint).
		Msg("integrity verified")

	return report, nil
}

// NeedsRecompute reports whether the ledger holds trades that were never
// allocated or keys that are halted.
func (r *IntegrityReport) NeedsRecompute() bool {
	return r.PendingTrades > 0 || !r.OK()
}
