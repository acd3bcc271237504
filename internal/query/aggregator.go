package query

import (
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/state"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// PositionSource lists stored positions.
type PositionSource interface {
	ListPositions(ctx context.Context, f persistence.PositionFilter) ([]*state.Position, error)
}

// Aggregator is the read-only P&L projection over ledger positions.
type Aggregator struct {
	positions PositionSource
	prices    PriceLookup
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewAggregator creates an aggregator. metrics may be nil.
func NewAggregator(positions PositionSource, prices PriceLookup, metrics *observability.Metrics) *Aggregator {
	return &Aggregator{
		positions: positions,
		prices:    prices,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Summarize aggregates realized P&L over CLOSED positions whose closed_at
// falls in [Start, End] and unrealized P&L over every OPEN position.
func (a *Aggregator) Summarize(ctx context.Context, f Filter) (*Summary, error) {
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidQuery, f.End.Format(time.RFC3339), f.Start.Format(time.RFC3339))
	}

	closed, err := a.positions.ListPositions(ctx, persistence.PositionFilter{
		Status:     state.StatusClosed,
		Asset:      f.Asset,
		ClosedFrom: f.Start,
		ClosedTo:   f.End,
		Order:      persistence.OrderClosedDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("list closed positions: %w", err)
	}

	open, err := a.positions.ListPositions(ctx, persistence.PositionFilter{
		Status: state.StatusOpen,
		Asset:  f.Asset,
	})
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	s := &Summary{
		Asset: f.Asset,
		From:  f.Start,
		To:    f.End,
		AsOf:  a.now().UTC(),
	}
	a.addClosed(s, closed)
	if err := a.addOpen(ctx, s, open); err != nil {
		return nil, err
	}

	s.NetPnL = s.RealizedPnL.Add(s.UnrealizedPnL).Sub(s.TotalFees)
	return s, nil
}

// AssetSummary is the all-time summary of one asset. Unlike Summarize, its
// fee total includes fees already paid on OPEN positions.
func (a *Aggregator) AssetSummary(ctx context.Context, asset string) (*Summary, error) {
	if asset == "" {
		return nil, fmt.Errorf("%w: asset is required", ErrInvalidQuery)
	}
	s, err := a.Summarize(ctx, Filter{Asset: asset})
	if err != nil {
		return nil, err
	}
	s.TotalFees = s.TotalFees.Add(s.OpenFees)
	s.NetPnL = s.RealizedPnL.Add(s.UnrealizedPnL).Sub(s.TotalFees)
	return s, nil
}

func (a *Aggregator) addClosed(s *Summary, closed []*state.Position) {
	s.RealizedPnL = decimal.Zero
	s.TotalFees = decimal.Zero
	s.ClosedPositions = len(closed)

	realized := make([]float64, 0, len(closed))
	var best, worst *state.Position
	for _, p := range closed {
		s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL)
		s.TotalFees = s.TotalFees.Add(p.TotalFees)
		realized = append(realized, p.RealizedPnL.InexactFloat64())

		switch p.RealizedPnL.Sign() {
		case 1:
			s.WinningPositions++
		case -1:
			s.LosingPositions++
		}

		if best == nil || p.RealizedPnL.GreaterThan(best.RealizedPnL) {
			best = p
		}
		if worst == nil || p.RealizedPnL.LessThan(worst.RealizedPnL) {
			worst = p
		}
	}

	if decided := s.WinningPositions + s.LosingPositions; decided > 0 {
		s.WinRate = float64(s.WinningPositions) / float64(decided)
	}
	if best != nil {
		s.Best = refOf(best)
		s.Worst = refOf(worst)
	}

	switch len(realized) {
	case 0:
	case 1:
		s.MeanRealized = realized[0]
	default:
		s.MeanRealized, s.StdDevRealized = stat.MeanStdDev(realized, nil)
	}
}

func (a *Aggregator) addOpen(ctx context.Context, s *Summary, open []*state.Position) error {
	s.UnrealizedPnL = decimal.Zero
	s.OpenFees = decimal.Zero
	s.OpenPositions = len(open)

	memo := newPriceMemo(a.prices)
	for _, p := range open {
		s.OpenFees = s.OpenFees.Add(p.TotalFees)

		price, ok, err := memo.get(ctx, p.Asset)
		if err != nil {
			return err
		}
		if !ok {
			s.UnpricedPositions++
			if a.metrics != nil {
				a.metrics.PriceLookupMisses.Inc()
			}
			continue
		}
		s.UnrealizedPnL = s.UnrealizedPnL.Add(p.UnrealizedPnL(price))
	}
	return nil
}

func refOf(p *state.Position) *PositionRef {
	return &PositionRef{
		ID:          p.ID,
		Asset:       p.Asset,
		VenueKey:    p.VenueKey,
		RealizedPnL: p.RealizedPnL,
	}
}

// SeriesByBucket groups CLOSED positions with closed_at in [start, end] by
// bucket. Empty buckets are omitted; points are sorted by key.
func (a *Aggregator) SeriesByBucket(ctx context.Context, start, end time.Time, bucket Bucket) ([]SeriesPoint, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidQuery, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if _, err := ParseBucket(string(bucket)); err != nil {
		return nil, err
	}

	closed, err := a.positions.ListPositions(ctx, persistence.PositionFilter{
		Status:     state.StatusClosed,
		ClosedFrom: &start,
		ClosedTo:   &end,
	})
	if err != nil {
		return nil, fmt.Errorf("list closed positions: %w", err)
	}
	return Series(closed, bucket), nil
}

// Series buckets closed positions by closed_at. Positions without
// closed_at are skipped.
func Series(closed []*state.Position, bucket Bucket) []SeriesPoint {
	byKey := make(map[string]*SeriesPoint)
	for _, p := range closed {
		if p.ClosedAt == nil {
			continue
		}
		k := BucketKey(*p.ClosedAt, bucket)
		pt, ok := byKey[k]
		if !ok {
			pt = &SeriesPoint{Bucket: k, PnL: decimal.Zero, Fees: decimal.Zero}
			byKey[k] = pt
		}
		pt.PnL = pt.PnL.Add(p.RealizedPnL)
		pt.Fees = pt.Fees.Add(p.TotalFees)
		pt.Closed++
	}

	out := make([]SeriesPoint, 0, len(byKey))
	for _, pt := range byKey {
		out = append(out, *pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}

// BucketKey formats ts (in UTC) as the key of its bucket.
func BucketKey(ts time.Time, bucket Bucket) string {
	ts = ts.UTC()
	switch bucket {
	case BucketWeek:
		year, week := ts.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case BucketMonth:
		return ts.Format("2006-01")
	default:
		return ts.Format("2006-01-02")
	}
}
