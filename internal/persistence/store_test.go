package persistence_test

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/state"
	"TradeLedger/internal/testutil"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Shared suite: every Store implementation must pass it
// ============================================================================

func runStoreSuite(t *testing.T, newStore func(t *testing.T) persistence.Store) {
	t.Run("CommitEffectAndRead", func(t *testing.T) { testCommitEffectAndRead(t, newStore(t)) })
	t.Run("DuplicateTrade", func(t *testing.T) { testDuplicateTrade(t, newStore(t)) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, newStore(t)) })
	t.Run("SecondOpenRejected", func(t *testing.T) { testSecondOpenRejected(t, newStore(t)) })
	t.Run("FlipInOneCommit", func(t *testing.T) { testFlipInOneCommit(t, newStore(t)) })
	t.Run("ReplaceAll", func(t *testing.T) { testReplaceAll(t, newStore(t)) })
	t.Run("TradeQueries", func(t *testing.T) { testTradeQueries(t, newStore(t)) })
	t.Run("FindTrades", func(t *testing.T) { testFindTrades(t, newStore(t)) })
	t.Run("ListPositionsFilter", func(t *testing.T) { testListPositionsFilter(t, newStore(t)) })
}

func commit(t *testing.T, s persistence.Store, tr *event.Trade) *state.Effect {
	t.Helper()
	ctx := context.Background()
	open, err := s.GetOpenPosition(ctx, state.KeyOf(tr))
	require.NoError(t, err)
	eff, err := state.ApplyTrade(open, tr)
	require.NoError(t, err)
	require.NoError(t, s.CommitEffect(ctx, eff))
	return eff
}

func testCommitEffectAndRead(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	b := testutil.NewTradeBuilder("ETH", "binance:main")

	commit(t, s, b.Buy("100", "10", "1"))
	commit(t, s, b.Buy("110", "5", "0.5"))
	commit(t, s, b.Sell("120", "8", "0.8"))
	eff := commit(t, s, b.Sell("90", "7", "0.3"))

	got, err := s.GetPosition(ctx, eff.Changes[0].Position.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusClosed, got.Status)
	testutil.AssertDecimal(t, "realized_pnl", got.RealizedPnL, "40")
	testutil.AssertDecimal(t, "avg_close_price", got.AvgClosePrice.Decimal, "106")
	testutil.AssertDecimal(t, "total_fees", got.TotalFees, "2.6")
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(testutil.BaseTime.Add(3*time.Minute)))
	assert.Equal(t, int64(4), got.Version)
	assert.NoError(t, got.CheckInvariants())

	open, err := s.GetOpenPosition(ctx, state.Key{Asset: "ETH", VenueKey: "binance:main"})
	require.NoError(t, err)
	assert.Nil(t, open)

	allocs, err := s.ListAllocations(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 4)
	assert.Equal(t, 0, allocs[0].Leg)

	// Stored rows hash the same as the in-memory replay
	trades, err := s.ListTrades(ctx)
	require.NoError(t, err)
	pm, err := state.Replay(trades)
	require.NoError(t, err)

	positions, err := s.ListPositions(ctx, persistence.PositionFilter{})
	require.NoError(t, err)
	all, err := s.ListAllAllocations(ctx)
	require.NoError(t, err)
	assert.Equal(t,
		state.Fingerprint(pm.GetAllPositions(), pm.GetAllocations()),
		state.Fingerprint(positions, all))
}

func testDuplicateTrade(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	b := testutil.NewTradeBuilder("BTC", "v")
	tr := b.Buy("100", "1", "0")

	commit(t, s, tr)

	eff, err := state.ApplyTrade(nil, tr)
	require.NoError(t, err)
	err = s.CommitEffect(ctx, eff)
	assert.True(t, errors.Is(err, persistence.ErrDuplicateTrade), "got %v", err)

	err = s.InsertTrade(ctx, tr)
	assert.True(t, errors.Is(err, persistence.ErrDuplicateTrade), "got %v", err)

	exists, err := s.TradeExists(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func testVersionConflict(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	b := testutil.NewTradeBuilder("BTC", "v")
	commit(t, s, b.Buy("100", "2", "0"))

	stale, err := s.GetOpenPosition(ctx, state.Key{Asset: "BTC", VenueKey: "v"})
	require.NoError(t, err)

	commit(t, s, b.Buy("101", "1", "0"))

	eff, err := state.ApplyTrade(stale, b.Sell("102", "1", "0"))
	require.NoError(t, err)
	err = s.CommitEffect(ctx, eff)
	assert.True(t, errors.Is(err, persistence.ErrVersionConflict), "got %v", err)

	// Nothing from the rejected effect is visible
	exists, err := s.TradeExists(ctx, eff.Trade.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func testSecondOpenRejected(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	b := testutil.NewTradeBuilder("BTC", "v")
	commit(t, s, b.Buy("100", "2", "0"))

	// Pretend the book was flat
	eff, err := state.ApplyTrade(nil, b.Buy("101", "1", "0"))
	require.NoError(t, err)
	err = s.CommitEffect(ctx, eff)
	assert.True(t, errors.Is(err, persistence.ErrVersionConflict), "got %v", err)
}

func testFlipInOneCommit(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	b := testutil.NewTradeBuilder("BTC", "v")
	commit(t, s, b.Buy("100", "2", "0"))
	eff := commit(t, s, b.Sell("110", "5", "1"))
	require.Len(t, eff.Changes, 2)

	open, err := s.GetOpenPosition(ctx, state.Key{Asset: "BTC", VenueKey: "v"})
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, event.SideSell, open.Side)
	testutil.AssertDecimal(t, "remaining", open.RemainingQuantity, "3")

	closed, err := s.ListPositions(ctx, persistence.PositionFilter{Status: state.StatusClosed})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	testutil.AssertDecimal(t, "realized", closed[0].RealizedPnL, "20")
}

func testReplaceAll(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	b := testutil.NewTradeBuilder("BTC", "v")
	commit(t, s, b.Buy("100", "2", "0"))
	commit(t, s, b.Sell("120", "1", "0"))

	trades, err := s.ListTrades(ctx)
	require.NoError(t, err)
	pm, err := state.Replay(trades)
	require.NoError(t, err)

	require.NoError(t, s.ReplaceAll(ctx, pm.GetAllPositions(), pm.GetAllocations()))
	require.NoError(t, s.ReplaceAll(ctx, pm.GetAllPositions(), pm.GetAllocations()))

	positions, err := s.ListPositions(ctx, persistence.PositionFilter{})
	require.NoError(t, err)
	allocs, err := s.ListAllAllocations(ctx)
	require.NoError(t, err)
	assert.Len(t, positions, 1)
	assert.Len(t, allocs, 2)
	assert.Equal(t,
		state.Fingerprint(pm.GetAllPositions(), pm.GetAllocations()),
		state.Fingerprint(positions, allocs))

	_, err = s.GetPosition(ctx, state.PositionID("missing", 0))
	assert.True(t, errors.Is(err, persistence.ErrNotFound))
}

func testTradeQueries(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	a := testutil.NewTradeBuilder("BTC", "binance")
	w := testutil.NewTradeBuilder("BTC", "0xwallet")

	require.NoError(t, s.InsertTrade(ctx, a.Buy("100", "1", "0")))
	require.NoError(t, s.InsertTrade(ctx, w.Buy("105", "1", "0")))
	require.NoError(t, s.InsertTrade(ctx, a.Buy("101", "1", "0")))

	price, ok, err := s.LatestPrice(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, ok)
	testutil.AssertDecimal(t, "latest price", price, "101")

	_, ok, err = s.LatestPrice(ctx, "DOGE")
	require.NoError(t, err)
	assert.False(t, ok)

	last, err := s.LastTrade(ctx, state.Key{Asset: "BTC", VenueKey: "0xwallet"})
	require.NoError(t, err)
	require.NotNil(t, last)
	testutil.AssertDecimal(t, "last trade price", last.Price, "105")
	assert.True(t, last.Timestamp.Equal(testutil.BaseTime))

	none, err := s.LastTrade(ctx, state.Key{Asset: "ETH", VenueKey: "binance"})
	require.NoError(t, err)
	assert.Nil(t, none)

	trades, err := s.ListTrades(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	for i := 1; i < len(trades); i++ {
		assert.True(t, trades[i-1].Before(trades[i]), "trades not ordered at %d", i)
	}
}

func testFindTrades(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	day1 := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 1, 11, 12, 0, 0, 0, time.UTC)
	a := testutil.NewTradeBuilder("BTC", "binance").At(day1)
	w := testutil.NewTradeBuilder("BTC", "0xwallet").At(day1)
	e := testutil.NewTradeBuilder("ETH", "binance").At(day2)

	for _, tr := range []*event.Trade{
		a.Buy("100", "1", "0"), // day1 12:00
		a.Buy("101", "1", "0"), // day1 12:01
		w.Buy("105", "1", "0"), // day1 12:00
		e.Sell("20", "3", "0"), // day2 12:00
	} {
		require.NoError(t, s.InsertTrade(ctx, tr))
	}

	ids := func(f persistence.TradeFilter) []string {
		t.Helper()
		trades, err := s.FindTrades(ctx, f)
		require.NoError(t, err)
		out := make([]string, len(trades))
		for i, tr := range trades {
			out[i] = tr.ID
		}
		return out
	}

	assert.Equal(t, []string{
		"ETH-binance-0001",
		"BTC-binance-0002",
		"BTC-binance-0001",
		"BTC-0xwallet-0001",
	}, ids(persistence.TradeFilter{}), "newest first, id desc on ties")

	assert.Equal(t, []string{"BTC-binance-0002", "BTC-binance-0001", "BTC-0xwallet-0001"},
		ids(persistence.TradeFilter{Asset: "BTC"}))
	assert.Equal(t, []string{"BTC-0xwallet-0001"}, ids(persistence.TradeFilter{Asset: "BTC", VenueKey: "0xwallet"}))
	assert.Equal(t, []string{"ETH-binance-0001"}, ids(persistence.TradeFilter{From: &day2}))

	to := day1.Add(time.Minute)
	assert.Equal(t, []string{"BTC-binance-0002", "BTC-binance-0001", "BTC-0xwallet-0001"},
		ids(persistence.TradeFilter{To: &to}), "To is inclusive")
	assert.Equal(t, []string{"ETH-binance-0001", "BTC-binance-0002"}, ids(persistence.TradeFilter{Limit: 2}))
	assert.Empty(t, ids(persistence.TradeFilter{Asset: "DOGE"}))

	trades, err := s.FindTrades(ctx, persistence.TradeFilter{Asset: "ETH"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, event.SideSell, trades[0].Side)
	testutil.AssertDecimal(t, "quantity", trades[0].Quantity, "3")
	assert.True(t, trades[0].Timestamp.Equal(day2))
}

func testListPositionsFilter(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	day1 := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 1, 11, 12, 0, 0, 0, time.UTC)

	btc := testutil.NewTradeBuilder("BTC", "v").At(day1)
	commit(t, s, btc.Buy("100", "1", "0"))
	commit(t, s, btc.Sell("110", "1", "0"))

	eth := testutil.NewTradeBuilder("ETH", "v").At(day2)
	commit(t, s, eth.Buy("10", "1", "0"))
	commit(t, s, eth.Sell("9", "1", "0"))
	commit(t, s, eth.Buy("11", "1", "0"))

	from := day2.Add(-time.Hour)
	closed, err := s.ListPositions(ctx, persistence.PositionFilter{Status: state.StatusClosed, ClosedFrom: &from})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "ETH", closed[0].Asset)

	latest, err := s.ListPositions(ctx, persistence.PositionFilter{Status: state.StatusClosed, Order: persistence.OrderClosedDesc, Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "ETH", latest[0].Asset)

	open, err := s.ListPositions(ctx, persistence.PositionFilter{Status: state.StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ETH", open[0].Asset)

	byAsset, err := s.ListPositions(ctx, persistence.PositionFilter{Asset: "BTC"})
	require.NoError(t, err)
	assert.Len(t, byAsset, 1)
}

// ============================================================================
// Implementations
// ============================================================================

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) persistence.Store {
		return persistence.NewMemoryStore()
	})
}

func openSQLite(t *testing.T, driver string) persistence.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := persistence.OpenSQLStore(context.Background(), driver, path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_SQLite3(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) persistence.Store {
		return openSQLite(t, "sqlite3")
	})
}

func TestSQLStore_ModerncSQLite(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) persistence.Store {
		return openSQLite(t, "sqlite")
	})
}

func TestSQLStore_Postgres(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) persistence.Store {
		db, cleanup := testutil.SetupTestDB(t)
		t.Cleanup(cleanup)
		require.NoError(t, persistence.ApplySchema(context.Background(), db, persistence.DialectPostgres))
		// Start each case from empty tables
		for _, table := range []string{"allocations", "positions", "trades"} {
			_, err := db.Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		return persistence.NewSQLStore(db, persistence.DialectPostgres)
	})
}

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	if got := persistence.DialectPostgres.Rebind(q); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("postgres: got %q", got)
	}
	if got := persistence.DialectSQLite.Rebind(q); got != q {
		t.Errorf("sqlite: got %q", got)
	}
}

func TestDialectFor(t *testing.T) {
	tests := []struct {
		driver string
		want   persistence.Dialect
		ok     bool
	}{
		{"postgres", persistence.DialectPostgres, true},
		{"pgx", persistence.DialectPostgres, true},
		{"sqlite3", persistence.DialectSQLite, true},
		{"sqlite", persistence.DialectSQLite, true},
		{"mysql", 0, false},
	}
	for _, tt := range tests {
		got, err := persistence.DialectFor(tt.driver)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("%s: got %v, %v", tt.driver, got, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: expected error", tt.driver)
		}
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	nop := zerolog.Nop()

	mem, err := persistence.OpenStore(ctx, persistence.StoreOptions{Kind: "memory"}, nop)
	require.NoError(t, err)
	assert.IsType(t, &persistence.MemoryStore{}, mem)

	for _, driver := range []string{"sqlite3", "sqlite"} {
		path := filepath.Join(t.TempDir(), "ledger.db")
		s, err := persistence.OpenStore(ctx, persistence.StoreOptions{Kind: "sqlite", Driver: driver, DSN: path}, nop)
		require.NoError(t, err, driver)
		commit(t, s, testutil.NewTradeBuilder("ETH", "v").Buy("1", "1", "0"))
		require.NoError(t, s.Close())
	}

	_, err = persistence.OpenStore(ctx, persistence.StoreOptions{Kind: "mongo"}, nop)
	assert.Error(t, err)
}
