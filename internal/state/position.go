package state

import (
	"TradeLedger/internal/event"
	fpmath "TradeLedger/internal/math"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status tracks the lifecycle of a position row
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOpen, StatusClosed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown position status %q", s)
	}
}

// CanTransitionTo validates status transitions. CLOSED is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusOpen: {
			StatusOpen, // Increase or partial close
			StatusClosed,
		},
		StatusClosed: {},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Key identifies an independent position book
type Key struct {
	Asset    string
	VenueKey string
}

func KeyOf(t *event.Trade) Key {
	return Key{Asset: t.Asset, VenueKey: t.VenueKey}
}

func (k Key) String() string {
	return k.Asset + "@" + k.VenueKey
}

// Position is one lifecycle of exposure on a (asset, venue) book.
type Position struct {
	ID                uuid.UUID           `json:"id"`
	Asset             string              `json:"asset"`
	VenueKey          string              `json:"venue_key"`
	Side              event.Side          `json:"side"`
	Status            Status              `json:"status"`
	OpenQuantity      decimal.Decimal     `json:"open_quantity"`
	ClosedQuantity    decimal.Decimal     `json:"closed_quantity"`
	RemainingQuantity decimal.Decimal     `json:"remaining_quantity"`
	AvgOpenPrice      decimal.Decimal     `json:"avg_open_price"`
	AvgClosePrice     decimal.NullDecimal `json:"avg_close_price"` // Undefined while nothing is closed
	RealizedPnL       decimal.Decimal     `json:"realized_pnl"`
	TotalFees         decimal.Decimal     `json:"total_fees"`
	OpenedAt          time.Time           `json:"opened_at"`
	ClosedAt          *time.Time          `json:"closed_at,omitempty"`
	Version           int64               `json:"version"` // Optimistic concurrency control
}

func (p *Position) Key() Key {
	return Key{Asset: p.Asset, VenueKey: p.VenueKey}
}

func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// IsLong returns true when the position was opened by BUY trades
func (p *Position) IsLong() bool {
	return p.Side == event.SideBuy
}

// Clone returns a deep copy safe to mutate
func (p *Position) Clone() *Position {
	c := *p
	if p.ClosedAt != nil {
		ts := *p.ClosedAt
		c.ClosedAt = &ts
	}
	return &c
}

// UnrealizedPnL marks the remaining quantity against price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if !p.IsOpen() {
		return decimal.Zero
	}
	return fpmath.UnrealizedPnL(p.IsLong(), p.AvgOpenPrice, price, p.RemainingQuantity)
}

// CheckInvariants verifies the per-row invariants of a position.
func (p *Position) CheckInvariants() error {
	if !p.Side.Valid() {
		return &InvariantError{Key: p.Key(), PositionID: p.ID, Reason: fmt.Sprintf("unknown side %q", p.Side)}
	}

	drift := p.OpenQuantity.Sub(p.ClosedQuantity).Sub(p.RemainingQuantity)
	if !fpmath.IsDust(drift) {
		return &InvariantError{Key: p.Key(), PositionID: p.ID, Reason: fmt.Sprintf(
			"remaining %s != open %s - closed %s", p.RemainingQuantity, p.OpenQuantity, p.ClosedQuantity)}
	}

	if p.RemainingQuantity.LessThan(fpmath.Epsilon.Neg()) {
		return &InvariantError{Key: p.Key(), PositionID: p.ID, Reason: fmt.Sprintf("negative remaining %s", p.RemainingQuantity)}
	}

	dust := p.RemainingQuantity.LessThanOrEqual(fpmath.Epsilon)
	switch p.Status {
	case StatusOpen:
		if dust {
			return &InvariantError{Key: p.Key(), PositionID: p.ID, Reason: "open position with no remaining quantity"}
		}
		if p.ClosedAt != nil {
			return &InvariantError{Key: p.Key(), PositionID: p.ID, Reason: "open position has closed_at"}
		}
	case StatusClosed:
		if !dust {
			return &InvariantError{Key: p.Key(), PositionID: p.ID, Reason: fmt.Sprintf("closed position has remaining %s", p.RemainingQuantity)}
		}
		if p.ClosedAt == nil {
			return &InvariantError{Key: p.Key(), PositionID: p.ID, Reason: "closed position without closed_at"}
		}
	default:
		return &InvariantError{Key: p.Key(), PositionID: p.ID, Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}

	if p.ClosedQuantity.IsPositive() != p.AvgClosePrice.Valid {
		return &InvariantError{Key: p.Key(), PositionID: p.ID, Reason: "avg_close_price must be set iff closed_quantity > 0"}
	}

	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	// id (16 bytes UUID binary)
	buf = append(buf, p.ID[:]...)

	buf = appendString(buf, p.Asset)
	buf = appendString(buf, p.VenueKey)
	buf = appendString(buf, string(p.Side))
	buf = appendString(buf, string(p.Status))

	buf = appendDecimal(buf, p.OpenQuantity)
	buf = appendDecimal(buf, p.ClosedQuantity)
	buf = appendDecimal(buf, p.RemainingQuantity)
	buf = appendDecimal(buf, p.AvgOpenPrice)
	if p.AvgClosePrice.Valid {
		buf = appendDecimal(buf, p.AvgClosePrice.Decimal)
	} else {
		buf = append(buf, 0)
	}
	buf = appendDecimal(buf, p.RealizedPnL)
	buf = appendDecimal(buf, p.TotalFees)

	buf = appendInt64LE(buf, p.OpenedAt.UTC().UnixNano())
	if p.ClosedAt != nil {
		buf = appendInt64LE(buf, p.ClosedAt.UTC().UnixNano())
	} else {
		buf = appendInt64LE(buf, 0)
	}

	buf = appendInt64LE(buf, p.Version)

	return buf
}

// Allocation maps a quantity slice of a trade to the position it affected.
// Leg is the index of the slice within the trade (0, or 1 for an overflow).
type Allocation struct {
	PositionID      uuid.UUID       `json:"position_id"`
	TradeID         string          `json:"trade_id"`
	Leg             int             `json:"leg"`
	MatchedQuantity decimal.Decimal `json:"matched_quantity"`
}

func (a *Allocation) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, a.PositionID[:]...)
	buf = appendString(buf, a.TradeID)
	buf = appendInt64LE(buf, int64(a.Leg))
	buf = appendDecimal(buf, a.MatchedQuantity)
	return buf
}

// Decimals are hashed by their canonical string (trailing zeros trimmed).
func appendDecimal(buf []byte, d decimal.Decimal) []byte {
	return appendString(buf, d.String())
}

// Length-prefixed (4 bytes LE)
func appendString(buf []byte, s string) []byte {
	n := uint32(len(s))
	buf = append(buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
