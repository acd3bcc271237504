package state

import (
	"TradeLedger/internal/event"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action classifies what a trade leg did to a position.
type Action int32

const (
	ActionOpen     Action = iota // New position created
	ActionIncrease               // Same-side merge into the open position
	ActionReduce                 // Partial close, position stays OPEN
	ActionClose                  // Remaining quantity exhausted, position CLOSED
)

func (a Action) String() string {
	switch a {
	case ActionOpen:
		return "open"
	case ActionIncrease:
		return "increase"
	case ActionReduce:
		return "reduce"
	case ActionClose:
		return "close"
	default:
		return "unknown"
	}
}

// EventType maps the action to the outbound event discriminator.
func (a Action) EventType() event.EventType {
	switch a {
	case ActionOpen:
		return event.EventTypePositionOpened
	case ActionIncrease:
		return event.EventTypePositionIncreased
	case ActionReduce:
		return event.EventTypePositionReduced
	case ActionClose:
		return event.EventTypePositionClosed
	default:
		return event.EventTypeUnknown
	}
}

// PositionChange is one leg of a trade applied to one position.
type PositionChange struct {
	Position      *Position       // State after the leg
	PrevVersion   int64           // Version read before the leg (0 when Created)
	Created       bool            // Row must be inserted rather than updated
	Action        Action          // What the leg did
	Matched       decimal.Decimal // Quantity of the trade allocated to the position
	RealizedDelta decimal.Decimal // P&L realized by the leg (0 for opens)
}

// Effect is the full result of applying one trade: the positions it
// created or mutated, the allocations it recorded and the realized P&L delta.
// An Effect is committed atomically or not at all.
type Effect struct {
	Trade         *event.Trade
	Key           Key
	Changes       []PositionChange
	Allocations   []Allocation
	RealizedDelta decimal.Decimal
}

// OpenAfter returns the OPEN position left on the key once the effect is
// committed, or nil if the book is flat.
func (e *Effect) OpenAfter() *Position {
	for i := len(e.Changes) - 1; i >= 0; i-- {
		if e.Changes[i].Position.IsOpen() {
			return e.Changes[i].Position
		}
	}
	return nil
}

// Touched returns the ids of every position the effect wrote.
func (e *Effect) Touched() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(e.Changes))
	for _, c := range e.Changes {
		ids = append(ids, c.Position.ID)
	}
	return ids
}

// InvariantError reports ledger state that has drifted from its invariants.
// It is never retried: the book must be recomputed.
type InvariantError struct {
	Key        Key
	PositionID uuid.UUID
	Reason     string
}

func (e *InvariantError) Error() string {
	if e.PositionID != uuid.Nil {
		return fmt.Sprintf("invariant violated on %s (position %s): %s", e.Key, e.PositionID, e.Reason)
	}
	return fmt.Sprintf("invariant violated on %s: %s", e.Key, e.Reason)
}
