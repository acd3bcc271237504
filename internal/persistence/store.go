package persistence

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/state"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the durable home of trades, positions and allocations.
// Trades are the source of truth; positions and allocations are derived and
// can be rebuilt from them at any time with ReplaceAll.
type Store interface {
	// InsertTrade stores a trade without touching positions.
	// Returns ErrDuplicateTrade if the id exists.
	InsertTrade(ctx context.Context, t *event.Trade) error
	TradeExists(ctx context.Context, id string) (bool, error)
	// LastTrade returns the latest trade on a book in (timestamp, id) order,
	// or nil when the book has no trades.
	LastTrade(ctx context.Context, key state.Key) (*event.Trade, error)
	// ListTrades returns every trade ordered by (timestamp, id).
	ListTrades(ctx context.Context) ([]*event.Trade, error)
	// FindTrades returns the trades matching f, newest first.
	FindTrades(ctx context.Context, f TradeFilter) ([]*event.Trade, error)
	// LatestPrice returns the price of the most recent trade on asset across
	// all venues.
	LatestPrice(ctx context.Context, asset string) (decimal.Decimal, bool, error)

	// GetOpenPosition returns the OPEN position for key, nil if flat, or
	// ErrMultipleOpen.
	GetOpenPosition(ctx context.Context, key state.Key) (*state.Position, error)
	GetPosition(ctx context.Context, id uuid.UUID) (*state.Position, error)
	ListPositions(ctx context.Context, f PositionFilter) ([]*state.Position, error)
	ListAllocations(ctx context.Context, positionID uuid.UUID) ([]state.Allocation, error)
	ListAllAllocations(ctx context.Context) ([]state.Allocation, error)

	// CommitEffect atomically stores the trade, the version-checked position
	// writes and the allocations of one effect.
	CommitEffect(ctx context.Context, eff *state.Effect) error
	// ReplaceAll atomically swaps every position and allocation.
	ReplaceAll(ctx context.Context, positions []*state.Position, allocations []state.Allocation) error

	Ping(ctx context.Context) error
	Close() error
}

// TradeFilter restricts FindTrades. Zero values mean "any"; From/To bound
// the trade timestamp inclusively.
type TradeFilter struct {
	Asset    string
	VenueKey string
	From     *time.Time
	To       *time.Time
	Limit    int
}

func (f TradeFilter) Match(t *event.Trade) bool {
	if f.Asset != "" && t.Asset != f.Asset {
		return false
	}
	if f.VenueKey != "" && t.VenueKey != f.VenueKey {
		return false
	}
	if f.From != nil && t.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && t.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// PositionOrder selects the sort order of ListPositions.
type PositionOrder int

const (
	OrderOpenedAsc  PositionOrder = iota // (opened_at, id)
	OrderClosedDesc                      // most recently closed first
)

// PositionFilter restricts ListPositions. Zero values mean "any".
// ClosedFrom/ClosedTo bound closed_at inclusively.
type PositionFilter struct {
	Status     state.Status
	Asset      string
	VenueKey   string
	ClosedFrom *time.Time
	ClosedTo   *time.Time
	Limit      int
	Order      PositionOrder
}

// Match applies the filter to one position (used by MemoryStore).
func (f PositionFilter) Match(p *state.Position) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Asset != "" && p.Asset != f.Asset {
		return false
	}
	if f.VenueKey != "" && p.VenueKey != f.VenueKey {
		return false
	}
	if f.ClosedFrom != nil || f.ClosedTo != nil {
		if p.ClosedAt == nil {
			return false
		}
		if f.ClosedFrom != nil && p.ClosedAt.Before(*f.ClosedFrom) {
			return false
		}
		if f.ClosedTo != nil && p.ClosedAt.After(*f.ClosedTo) {
			return false
		}
	}
	return true
}
