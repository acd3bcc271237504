package state

import (
	"TradeLedger/internal/event"
	fpmath "TradeLedger/internal/math"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxLegs bounds how many positions a single trade can touch: the position it
// closes and the opposite-side position opened by the residual.
const MaxLegs = 2

// PositionNamespace seeds deterministic position ids so that live
// application and replay of the same history yield identical rows.
var PositionNamespace = uuid.MustParse("6f1c2a53-3f0e-5d2b-9a6e-7c1d4b8e2f90")

// PositionID derives the id of the position opened by leg of tradeID.
func PositionID(tradeID string, leg int) uuid.UUID {
	return uuid.NewSHA1(PositionNamespace, []byte(tradeID+"/"+strconv.Itoa(leg)))
}

// ApplyTrade computes the effect of t on the book whose OPEN position is open
// (nil when the book is flat). open is never mutated; the effect carries
// copies. Overflow of a closing trade is handled by a worklist of residual
// quantities that is bounded by MaxLegs.
func ApplyTrade(open *Position, t *event.Trade) (*Effect, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	key := KeyOf(t)
	if open != nil {
		if open.Key() != key {
			return nil, &InvariantError{Key: key, PositionID: open.ID, Reason: fmt.Sprintf("position belongs to %s", open.Key())}
		}
		if !open.IsOpen() {
			return nil, &InvariantError{Key: key, PositionID: open.ID, Reason: "trade applied to CLOSED position"}
		}
		if err := open.CheckInvariants(); err != nil {
			return nil, err
		}
	}

	eff := &Effect{
		Trade:         t,
		Key:           key,
		RealizedDelta: decimal.Zero,
	}

	var current *Position
	if open != nil {
		current = open.Clone()
	}

	residual := t.Quantity
	feeLeft := t.Fee

	for leg := 0; residual.IsPositive(); leg++ {
		if leg >= MaxLegs {
			return nil, &InvariantError{Key: key, Reason: fmt.Sprintf("trade %s needs more than %d legs", t.ID, MaxLegs)}
		}

		var change PositionChange

		switch {
		case current == nil:
			// Step 1: Flat book -> open on the trade side
			change = openLeg(t, leg, residual, feeLeft)
			residual = decimal.Zero

		case current.Side == t.Side:
			// Step 2: Same side -> weighted-average merge
			change = increaseLeg(current, t, residual, feeLeft)
			residual = decimal.Zero

		default:
			// Step 3: Opposite side -> close up to the remaining quantity
			matched := decimal.Min(current.RemainingQuantity, residual)
			residual = residual.Sub(matched)

			// Sub-epsilon overflow is absorbed by the closing leg, fee included
			if fpmath.IsDust(residual) {
				residual = decimal.Zero
			}

			fee := feeLeft
			if residual.IsPositive() {
				fee = fpmath.Apportion(t.Fee, matched, t.Quantity)
			}
			feeLeft = feeLeft.Sub(fee)

			change = closeLeg(current, t, matched, fee)
		}

		eff.Changes = append(eff.Changes, change)
		eff.Allocations = append(eff.Allocations, Allocation{
			PositionID:      change.Position.ID,
			TradeID:         t.ID,
			Leg:             leg,
			MatchedQuantity: change.Matched,
		})
		eff.RealizedDelta = eff.RealizedDelta.Add(change.RealizedDelta)

		current = change.Position
		if !current.IsOpen() {
			current = nil
		}
	}

	return eff, nil
}

func openLeg(t *event.Trade, leg int, qty, fee decimal.Decimal) PositionChange {
	pos := &Position{
		ID:                PositionID(t.ID, leg),
		Asset:             t.Asset,
		VenueKey:          t.VenueKey,
		Side:              t.Side,
		Status:            StatusOpen,
		OpenQuantity:      qty,
		ClosedQuantity:    decimal.Zero,
		RemainingQuantity: qty,
		AvgOpenPrice:      t.Price,
		RealizedPnL:       decimal.Zero,
		TotalFees:         fee,
		OpenedAt:          t.Timestamp.UTC(),
		Version:           1,
	}
	return PositionChange{
		Position:      pos,
		Created:       true,
		Action:        ActionOpen,
		Matched:       qty,
		RealizedDelta: decimal.Zero,
	}
}

func increaseLeg(cur *Position, t *event.Trade, qty, fee decimal.Decimal) PositionChange {
	prev := cur.Version
	pos := cur.Clone()

	pos.AvgOpenPrice = fpmath.WeightedAverage(pos.AvgOpenPrice, pos.OpenQuantity, t.Price, qty)
	pos.OpenQuantity = pos.OpenQuantity.Add(qty)
	pos.RemainingQuantity = pos.RemainingQuantity.Add(qty)
	pos.TotalFees = pos.TotalFees.Add(fee)
	pos.Version++

	return PositionChange{
		Position:      pos,
		PrevVersion:   prev,
		Action:        ActionIncrease,
		Matched:       qty,
		RealizedDelta: decimal.Zero,
	}
}

func closeLeg(cur *Position, t *event.Trade, matched, fee decimal.Decimal) PositionChange {
	prev := cur.Version
	pos := cur.Clone()

	delta := fpmath.RealizedPnL(pos.IsLong(), pos.AvgOpenPrice, t.Price, matched)

	var avgClose decimal.Decimal
	if pos.AvgClosePrice.Valid {
		avgClose = fpmath.WeightedAverage(pos.AvgClosePrice.Decimal, pos.ClosedQuantity, t.Price, matched)
	} else {
		avgClose = t.Price
	}
	pos.AvgClosePrice = decimal.NewNullDecimal(avgClose)

	pos.ClosedQuantity = pos.ClosedQuantity.Add(matched)
	pos.RemainingQuantity = pos.RemainingQuantity.Sub(matched)
	pos.RealizedPnL = pos.RealizedPnL.Add(delta)
	pos.TotalFees = pos.TotalFees.Add(fee)
	pos.Version++

	action := ActionReduce
	if fpmath.IsDust(pos.RemainingQuantity) {
		closedAt := t.Timestamp.UTC()
		pos.Status = StatusClosed
		pos.ClosedAt = &closedAt
		action = ActionClose
	}

	return PositionChange{
		Position:      pos,
		PrevVersion:   prev,
		Action:        action,
		Matched:       matched,
		RealizedDelta: delta,
	}
}

// PositionManager is an in-memory position book over every key. It is the
// replay engine for recompute and the state behind the memory store.
type PositionManager struct {
	open        map[Key]*Position
	positions   map[uuid.UUID]*Position
	allocations []Allocation
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		open:      make(map[Key]*Position),
		positions: make(map[uuid.UUID]*Position),
	}
}

// GetOpenPosition returns the OPEN position for a key or nil
func (pm *PositionManager) GetOpenPosition(key Key) *Position {
	return pm.open[key]
}

// GetPosition returns a position by id or nil
func (pm *PositionManager) GetPosition(id uuid.UUID) *Position {
	return pm.positions[id]
}

// Apply computes and commits the effect of one trade.
func (pm *PositionManager) Apply(t *event.Trade) (*Effect, error) {
	eff, err := ApplyTrade(pm.open[KeyOf(t)], t)
	if err != nil {
		return nil, err
	}
	pm.Commit(eff)
	return eff, nil
}

// Commit installs an effect computed by ApplyTrade.
func (pm *PositionManager) Commit(eff *Effect) {
	delete(pm.open, eff.Key)
	for _, c := range eff.Changes {
		pm.positions[c.Position.ID] = c.Position
	}
	if open := eff.OpenAfter(); open != nil {
		pm.open[eff.Key] = open
	}
	pm.allocations = append(pm.allocations, eff.Allocations...)
}

// GetAllPositions returns all positions ordered by (opened_at, id)
func (pm *PositionManager) GetAllPositions() []*Position {
	result := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, pos)
	}
	SortPositions(result)
	return result
}

// GetAllocations returns allocations in application order
func (pm *PositionManager) GetAllocations() []Allocation {
	result := make([]Allocation, len(pm.allocations))
	copy(result, pm.allocations)
	return result
}

// SortTrades orders trades by (timestamp, id), the ledger's total order.
func SortTrades(trades []*event.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Before(trades[j])
	})
}

// SortPositions orders positions by (opened_at, id).
func SortPositions(ps []*Position) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].OpenedAt.Before(ps[j].OpenedAt)
		}
		return ps[i].ID.String() < ps[j].ID.String()
	})
}

// Replay rebuilds the full book from trade history. trades is not modified.
func Replay(trades []*event.Trade) (*PositionManager, error) {
	ordered := make([]*event.Trade, len(trades))
	copy(ordered, trades)
	SortTrades(ordered)

	pm := NewPositionManager()
	for _, t := range ordered {
		if _, err := pm.Apply(t); err != nil {
			return nil, fmt.Errorf("replay trade %s: %w", t.ID, err)
		}
	}
	return pm, nil
}
