package query

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultListLimit caps position listings when the caller gives no limit.
const DefaultListLimit = 500

// DefaultTradeLimit caps trade history listings when the caller gives no limit.
const DefaultTradeLimit = 100

// Reader is the store surface the query side needs.
type Reader interface {
	PositionSource
	PriceLookup
	GetOpenPosition(ctx context.Context, key state.Key) (*state.Position, error)
	GetPosition(ctx context.Context, id uuid.UUID) (*state.Position, error)
	ListAllocations(ctx context.Context, positionID uuid.UUID) ([]state.Allocation, error)
	FindTrades(ctx context.Context, f persistence.TradeFilter) ([]*event.Trade, error)
}

// QueryService provides read-only access to positions and P&L.
// Derived values (current price, unrealized P&L) are computed at query time
// and never written back.
type QueryService struct {
	store Reader
	agg   *Aggregator
}

// NewQueryService creates a query service. Prices default to the store's
// latest-trade proxy.
func NewQueryService(store Reader, metrics *observability.Metrics) *QueryService {
	return NewQueryServiceWithPrices(store, store, metrics)
}

func NewQueryServiceWithPrices(store Reader, prices PriceLookup, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		store: store,
		agg:   NewAggregator(store, prices, metrics),
	}
}

func (qs *QueryService) Aggregator() *Aggregator {
	return qs.agg
}

// ListPositions returns positions matching q, OPEN ones priced.
func (qs *QueryService) ListPositions(ctx context.Context, q PositionQuery) ([]PositionView, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	order := persistence.OrderOpenedAsc
	if q.Status == state.StatusClosed {
		order = persistence.OrderClosedDesc
	}

	positions, err := qs.store.ListPositions(ctx, persistence.PositionFilter{
		Status:   q.Status,
		Asset:    q.Asset,
		VenueKey: q.VenueKey,
		Limit:    limit,
		Order:    order,
	})
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	memo := newPriceMemo(qs.agg.prices)
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v, err := qs.view(ctx, memo, p)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// GetPosition returns one position with its allocations.
func (qs *QueryService) GetPosition(ctx context.Context, id uuid.UUID) (*PositionDetail, error) {
	p, err := qs.store.GetPosition(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", id, err)
	}

	v, err := qs.view(ctx, newPriceMemo(qs.agg.prices), p)
	if err != nil {
		return nil, err
	}

	allocs, err := qs.store.ListAllocations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("allocations of %s: %w", id, err)
	}

	detail := &PositionDetail{
		PositionView: v,
		Allocations:  make([]AllocationView, 0, len(allocs)),
	}
	for _, a := range allocs {
		detail.Allocations = append(detail.Allocations, AllocationView{
			TradeID:         a.TradeID,
			Leg:             a.Leg,
			MatchedQuantity: a.MatchedQuantity,
		})
	}
	return detail, nil
}

// ListTrades returns the stored trade history matching q, newest first.
func (qs *QueryService) ListTrades(ctx context.Context, q TradeQuery) ([]*event.Trade, error) {
	if q.Start != nil && q.End != nil && q.End.Before(*q.Start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidQuery, q.End.Format(time.RFC3339), q.Start.Format(time.RFC3339))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultTradeLimit
	}

	trades, err := qs.store.FindTrades(ctx, persistence.TradeFilter{
		Asset:    q.Asset,
		VenueKey: q.VenueKey,
		From:     q.Start,
		To:       q.End,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return trades, nil
}

// GetBook returns the OPEN position of (asset, venueKey), or ErrNotFound
// when the book is flat.
func (qs *QueryService) GetBook(ctx context.Context, asset, venueKey string) (*PositionView, error) {
	key := state.Key{Asset: asset, VenueKey: venueKey}
	p, err := qs.store.GetOpenPosition(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("book %s: %w", key, err)
	}
	if p == nil {
		return nil, fmt.Errorf("book %s: %w", key, persistence.ErrNotFound)
	}

	v, err := qs.view(ctx, newPriceMemo(qs.agg.prices), p)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// PnLReport is the summary plus, when both bounds are set, the series.
type PnLReport struct {
	Summary *Summary      `json:"summary"`
	Bucket  Bucket        `json:"bucket,omitempty"`
	Series  []SeriesPoint `json:"series,omitempty"`
}

// Report builds the P&L report for f.
func (qs *QueryService) Report(ctx context.Context, f Filter, bucket Bucket) (*PnLReport, error) {
	sum, err := qs.agg.Summarize(ctx, f)
	if err != nil {
		return nil, err
	}
	rep := &PnLReport{Summary: sum}
	if f.Start == nil || f.End == nil {
		return rep, nil
	}

	// SeriesByBucket has no asset filter; bucket the filtered closes here.
	closed, err := qs.store.ListPositions(ctx, persistence.PositionFilter{
		Status:     state.StatusClosed,
		Asset:      f.Asset,
		ClosedFrom: f.Start,
		ClosedTo:   f.End,
	})
	if err != nil {
		return nil, fmt.Errorf("list closed positions: %w", err)
	}
	rep.Bucket = bucket
	rep.Series = Series(closed, bucket)
	return rep, nil
}

func (qs *QueryService) Summarize(ctx context.Context, f Filter) (*Summary, error) {
	return qs.agg.Summarize(ctx, f)
}

func (qs *QueryService) SeriesByBucket(ctx context.Context, start, end time.Time, bucket Bucket) ([]SeriesPoint, error) {
	return qs.agg.SeriesByBucket(ctx, start, end, bucket)
}

func (qs *QueryService) AssetSummary(ctx context.Context, asset string) (*Summary, error) {
	return qs.agg.AssetSummary(ctx, asset)
}

// --- helpers ---

func (qs *QueryService) view(ctx context.Context, memo *priceMemo, p *state.Position) (PositionView, error) {
	v := PositionView{Position: p}
	if !p.IsOpen() {
		return v, nil
	}

	price, ok, err := memo.get(ctx, p.Asset)
	if err != nil {
		return v, err
	}
	if !ok {
		if qs.agg.metrics != nil {
			qs.agg.metrics.PriceLookupMisses.Inc()
		}
		return v, nil
	}
	upnl := p.UnrealizedPnL(price)
	v.CurrentPrice = &price
	v.UnrealizedPnL = &upnl
	return v, nil
}
