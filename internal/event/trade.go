package event

import (
	fpmath "TradeLedger/internal/math"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents trade direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts BUY/SELL in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Opposite returns the closing side for positions opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Trade is an observed fill or swap, already normalized and deduplicated
// by the ingestion collaborator. Trades are immutable and the trade history
// is the only durable source of truth for position state.
type Trade struct {
	ID        string          `json:"id"` // Idempotency key
	VenueKey  string          `json:"venue_key"`
	Asset     string          `json:"asset"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

func (t *Trade) IdempotencyKey() string {
	return t.ID
}

// BookKey identifies the independent position book the trade belongs to.
func (t *Trade) BookKey() string {
	return t.Asset + "@" + t.VenueKey
}

// Before reports whether t sorts strictly before o in the (timestamp, id) order.
func (t *Trade) Before(o *Trade) bool {
	if !t.Timestamp.Equal(o.Timestamp) {
		return t.Timestamp.Before(o.Timestamp)
	}
	return t.ID < o.ID
}

// TimestampPrecision is the resolution trades are stored at (Postgres
// TIMESTAMPTZ keeps microseconds).
const TimestampPrecision = time.Microsecond

// Normalize trims identifiers, upper-cases the side and truncates the
// timestamp to TimestampPrecision in UTC.
func (t *Trade) Normalize() {
	t.ID = strings.TrimSpace(t.ID)
	t.Asset = strings.TrimSpace(t.Asset)
	t.VenueKey = strings.TrimSpace(t.VenueKey)
	t.Side = Side(strings.ToUpper(strings.TrimSpace(string(t.Side))))
	t.Timestamp = t.Timestamp.UTC().Truncate(TimestampPrecision)
}

// Validate rejects malformed trades before any ledger mutation.
func (t *Trade) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return &ValidationError{TradeID: t.ID, Field: "id", Reason: "must not be empty"}
	case strings.TrimSpace(t.Asset) == "":
		return &ValidationError{TradeID: t.ID, Field: "asset", Reason: "must not be empty"}
	case strings.TrimSpace(t.VenueKey) == "":
		return &ValidationError{TradeID: t.ID, Field: "venue_key", Reason: "must not be empty"}
	case !t.Side.Valid():
		return &ValidationError{TradeID: t.ID, Field: "side", Reason: fmt.Sprintf("unknown side %q", t.Side)}
	case !t.Price.IsPositive():
		return &ValidationError{TradeID: t.ID, Field: "price", Reason: "must be positive"}
	case !t.Quantity.IsPositive():
		return &ValidationError{TradeID: t.ID, Field: "quantity", Reason: "must be positive"}
	case fpmath.IsDust(t.Quantity):
		// Would open a position that is already within tolerance of flat
		return &ValidationError{TradeID: t.ID, Field: "quantity", Reason: fmt.Sprintf("must exceed %s", fpmath.Epsilon)}
	case t.Fee.IsNegative():
		return &ValidationError{TradeID: t.ID, Field: "fee", Reason: "must not be negative"}
	case t.Timestamp.IsZero():
		return &ValidationError{TradeID: t.ID, Field: "timestamp", Reason: "must be set"}
	}
	return nil
}

// ValidationError marks a trade as unprocessable. It is terminal: the trade
// is reported back to the producer and never retried.
type ValidationError struct {
	TradeID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trade %q: %s %s", e.TradeID, e.Field, e.Reason)
}
