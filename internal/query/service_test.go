package query_test

import (
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/query"
	"TradeLedger/internal/state"
	"TradeLedger/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: QueryService
// ============================================================================

func TestQueryService_ListOpenPositionsArePriced(t *testing.T) {
	qs := query.NewQueryService(seedLedger(t), nil)

	views, err := qs.ListPositions(context.Background(), query.PositionQuery{Status: state.StatusOpen})
	require.NoError(t, err)
	require.Len(t, views, 2)

	for _, v := range views {
		require.NotNil(t, v.CurrentPrice, v.VenueKey)
		testutil.AssertDecimal(t, "current_price", *v.CurrentPrice, "51000")
	}

	byVenue := map[string]query.PositionView{}
	for _, v := range views {
		byVenue[v.VenueKey] = v
	}
	testutil.AssertDecimal(t, "kraken upnl", *byVenue["kraken:1"].UnrealizedPnL, "2000")
	testutil.AssertDecimal(t, "wallet upnl", *byVenue["0xwallet"].UnrealizedPnL, "0")
}

func TestQueryService_ClosedPositionsHaveNoPrice(t *testing.T) {
	qs := query.NewQueryService(seedLedger(t), nil)

	views, err := qs.ListPositions(context.Background(), query.PositionQuery{Status: state.StatusClosed, Limit: 1})
	require.NoError(t, err)
	require.Len(t, views, 1)

	// Most recently closed first
	assert.Equal(t, "ETH", views[0].Asset)
	assert.Nil(t, views[0].CurrentPrice)
	assert.Nil(t, views[0].UnrealizedPnL)
}

func TestQueryService_GetPositionWithAllocations(t *testing.T) {
	qs := query.NewQueryService(seedLedger(t), nil)
	ctx := context.Background()

	id := state.PositionID("ETH-binance:main-0001", 0)
	detail, err := qs.GetPosition(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, state.StatusClosed, detail.Status)
	require.Len(t, detail.Allocations, 4)

	sum := testutil.Dec("0")
	for _, a := range detail.Allocations {
		sum = sum.Add(a.MatchedQuantity)
	}
	testutil.AssertDecimal(t, "allocated", sum, "30")

	_, err = qs.GetPosition(ctx, uuid.New())
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestQueryService_GetBook(t *testing.T) {
	qs := query.NewQueryService(seedLedger(t), nil)
	ctx := context.Background()

	v, err := qs.GetBook(ctx, "BTC", "kraken:1")
	require.NoError(t, err)
	testutil.AssertDecimal(t, "remaining", v.RemainingQuantity, "2")
	testutil.AssertDecimal(t, "upnl", *v.UnrealizedPnL, "2000")

	_, err = qs.GetBook(ctx, "ETH", "binance:main")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestQueryService_ListTrades(t *testing.T) {
	qs := query.NewQueryService(seedLedger(t), nil)
	ctx := context.Background()

	all, err := qs.ListTrades(ctx, query.TradeQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 8)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i].Before(all[i-1]), "not newest first at %d", i)
	}

	btc, err := qs.ListTrades(ctx, query.TradeQuery{Asset: "BTC"})
	require.NoError(t, err)
	require.Len(t, btc, 2)
	assert.Equal(t, "0xwallet", btc[0].VenueKey)
	assert.Equal(t, "kraken:1", btc[1].VenueKey)

	end := testutil.BaseTime.Add(time.Minute)
	early, err := qs.ListTrades(ctx, query.TradeQuery{Asset: "ETH", End: &end, Limit: 1})
	require.NoError(t, err)
	require.Len(t, early, 1)
	assert.Equal(t, "ETH-binance:main-0002", early[0].ID)

	start := testutil.BaseTime.Add(time.Hour)
	_, err = qs.ListTrades(ctx, query.TradeQuery{Start: &start, End: &end})
	assert.ErrorIs(t, err, query.ErrInvalidQuery)
}

func TestQueryService_ReportIncludesSeriesOnlyWithBothBounds(t *testing.T) {
	qs := query.NewQueryService(seedLedger(t), nil)
	ctx := context.Background()

	rep, err := qs.Report(ctx, query.Filter{}, query.BucketDay)
	require.NoError(t, err)
	assert.Nil(t, rep.Series)

	start, end := testutil.BaseTime, testutil.BaseTime.Add(24*time.Hour)
	rep, err = qs.Report(ctx, query.Filter{Start: &start, End: &end, Asset: "SOL"}, query.BucketWeek)
	require.NoError(t, err)
	require.Len(t, rep.Series, 1)
	assert.Equal(t, "2024-W09", rep.Series[0].Bucket)
	testutil.AssertDecimal(t, "pnl", rep.Series[0].PnL, "-40")
}

func TestPositionView_JSON(t *testing.T) {
	qs := query.NewQueryService(seedLedger(t), nil)

	v, err := qs.GetBook(context.Background(), "BTC", "kraken:1")
	require.NoError(t, err)

	data, err := json.Marshal(v)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	for _, field := range []string{"id", "asset", "venue_key", "status", "avg_open_price", "current_price", "unrealized_pnl"} {
		if _, ok := out[field]; !ok {
			t.Errorf("missing json field %q in %s", field, data)
		}
	}
}
