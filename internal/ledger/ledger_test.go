package ledger_test

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/state"
	"TradeLedger/internal/testutil"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, store persistence.Store) *ledger.Ledger {
	t.Helper()
	nop := zerolog.Nop()
	return ledger.New(store, ledger.Config{Logger: &nop})
}

func sqliteStore(t *testing.T) persistence.Store {
	t.Helper()
	s, err := persistence.OpenSQLStore(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func scenarioTrades() []*event.Trade {
	b := testutil.NewTradeBuilder("ETH", "binance:main")
	return []*event.Trade{
		b.Buy("100", "10", "1"),
		b.Buy("110", "5", "0.5"),
		b.Sell("120", "8", "0.8"),
		b.Sell("90", "7", "0.3"),
	}
}

// flakyStore injects failures in front of a real store.
type flakyStore struct {
	persistence.Store
	mu             sync.Mutex
	conflicts      int
	multipleOpen   bool
	replaceAllFail bool
}

func (f *flakyStore) CommitEffect(ctx context.Context, eff *state.Effect) error {
	f.mu.Lock()
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return persistence.ErrVersionConflict
	}
	f.mu.Unlock()
	return f.Store.CommitEffect(ctx, eff)
}

func (f *flakyStore) GetOpenPosition(ctx context.Context, key state.Key) (*state.Position, error) {
	f.mu.Lock()
	multi := f.multipleOpen
	f.mu.Unlock()
	if multi && key.Asset == "ETH" {
		return nil, persistence.ErrMultipleOpen
	}
	return f.Store.GetOpenPosition(ctx, key)
}

func (f *flakyStore) ReplaceAll(ctx context.Context, positions []*state.Position, allocations []state.Allocation) error {
	if f.replaceAllFail {
		return errors.New("disk full")
	}
	return f.Store.ReplaceAll(ctx, positions, allocations)
}

// ============================================================================
// Test: ApplyTrade
// ============================================================================

func TestLedger_Scenario(t *testing.T) {
	stores := map[string]func(t *testing.T) persistence.Store{
		"memory": func(*testing.T) persistence.Store { return persistence.NewMemoryStore() },
		"sqlite": sqliteStore,
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, newStore(t))
			trades := scenarioTrades()

			for _, tr := range trades[:2] {
				eff, err := l.ApplyTrade(ctx, tr)
				require.NoError(t, err)
				assert.True(t, eff.RealizedDelta.IsZero())
			}

			open, err := l.GetPosition(ctx, "ETH", "binance:main")
			require.NoError(t, err)
			testutil.AssertDecimal(t, "open_quantity", open.OpenQuantity, "15")
			testutil.AssertDecimal(t, "avg_open_price", open.AvgOpenPrice, "103.333333")
			testutil.AssertDecimal(t, "total_fees", open.TotalFees, "1.5")

			eff, err := l.ApplyTrade(ctx, trades[2])
			require.NoError(t, err)
			testutil.AssertDecimal(t, "realized delta", eff.RealizedDelta, "133.333333")

			eff, err = l.ApplyTrade(ctx, trades[3])
			require.NoError(t, err)
			testutil.AssertDecimal(t, "realized delta", eff.RealizedDelta, "-93.333333")

			_, err = l.GetPosition(ctx, "ETH", "binance:main")
			if !errors.Is(err, persistence.ErrNotFound) {
				t.Errorf("flat book: got %v, want ErrNotFound", err)
			}

			closed, err := l.GetClosedPositions(ctx, 10)
			require.NoError(t, err)
			require.Len(t, closed, 1)
			testutil.AssertDecimal(t, "realized_pnl", closed[0].RealizedPnL, "40")
			testutil.AssertDecimal(t, "avg_close_price", closed[0].AvgClosePrice.Decimal, "106")

			openPositions, err := l.GetOpenPositions(ctx)
			require.NoError(t, err)
			assert.Empty(t, openPositions)

			allocs, err := l.GetAllocations(ctx, closed[0].ID)
			require.NoError(t, err)
			assert.Len(t, allocs, 4)
		})
	}
}

func TestLedger_ValidationIsRejection(t *testing.T) {
	l := newLedger(t, persistence.NewMemoryStore())
	tr := testutil.NewTradeBuilder("ETH", "binance:main").Buy("100", "0", "0")

	_, err := l.ApplyTrade(context.Background(), tr)
	require.Error(t, err)
	if !ledger.IsRejection(err) {
		t.Errorf("IsRejection: got false for %v", err)
	}
	if ledger.IsRetryable(err) {
		t.Errorf("IsRetryable: got true for %v", err)
	}
}

func TestLedger_DustTradeRejectedBeforeStore(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)
	l := newLedger(t, store)
	b := testutil.NewTradeBuilder("SOL", "kraken:1")

	dust := b.Buy("10", "0.0000005", "0")
	_, err := l.ApplyTrade(ctx, dust)
	require.Error(t, err)
	assert.True(t, ledger.IsRejection(err), "got %v", err)

	exists, err := store.TradeExists(ctx, dust.ID)
	require.NoError(t, err)
	assert.False(t, exists, "rejected trade must not be stored")

	_, err = l.ApplyTrade(ctx, b.Buy("10", "1", "0"))
	require.NoError(t, err, "key stays usable")
	_, err = l.ApplyTrade(ctx, b.Buy("12", "1", "0"))
	require.NoError(t, err)
	assert.Empty(t, l.HaltedKeys())

	res, err := l.RecomputeFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Trades)

	pos, err := l.GetPosition(ctx, "SOL", "kraken:1")
	require.NoError(t, err)
	testutil.AssertDecimal(t, "avg_open_price", pos.AvgOpenPrice, "11")
}

func TestLedger_DuplicateTrade(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, persistence.NewMemoryStore())
	tr := testutil.NewTradeBuilder("ETH", "binance:main").Buy("100", "1", "0")

	_, err := l.ApplyTrade(ctx, tr)
	require.NoError(t, err)

	dup := *tr
	_, err = l.ApplyTrade(ctx, &dup)
	assert.True(t, ledger.IsDuplicate(err), "got %v", err)

	open, err := l.GetPosition(ctx, "ETH", "binance:main")
	require.NoError(t, err)
	testutil.AssertDecimal(t, "open_quantity", open.OpenQuantity, "1")
}

func TestLedger_RetriesVersionConflict(t *testing.T) {
	store := &flakyStore{Store: persistence.NewMemoryStore(), conflicts: 2}
	l := newLedger(t, store)

	_, err := l.ApplyTrade(context.Background(), testutil.NewTradeBuilder("ETH", "binance:main").Buy("100", "1", "0"))
	require.NoError(t, err)
}

func TestLedger_RetriesExhausted(t *testing.T) {
	store := &flakyStore{Store: persistence.NewMemoryStore(), conflicts: 100}
	l := newLedger(t, store)

	_, err := l.ApplyTrade(context.Background(), testutil.NewTradeBuilder("ETH", "binance:main").Buy("100", "1", "0"))

	var cme *ledger.ConcurrentMutationError
	require.ErrorAs(t, err, &cme)
	assert.Equal(t, ledger.DefaultMaxRetries+1, cme.Attempts)
	assert.True(t, errors.Is(err, persistence.ErrVersionConflict))
	assert.True(t, ledger.IsRetryable(err))

	exists, err := store.TradeExists(context.Background(), "ETH-binance:main-0001")
	require.NoError(t, err)
	assert.False(t, exists, "trade must not be stored when retries run out")
}

func TestLedger_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	l := newLedger(t, store)
	b := testutil.NewTradeBuilder("BTC", "kraken:1")

	const n = 50
	trades := make([]*event.Trade, n)
	for i := range trades {
		trades[i] = b.Buy("100", "1", "0.1")
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, tr := range trades {
		wg.Add(1)
		go func(tr *event.Trade) {
			defer wg.Done()
			if _, err := l.ApplyTrade(ctx, tr); err != nil {
				errs <- err
			}
		}(tr)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("apply: %v", err)
	}

	open, err := l.GetPosition(ctx, "BTC", "kraken:1")
	require.NoError(t, err)
	testutil.AssertDecimal(t, "open_quantity", open.OpenQuantity, "50")
	testutil.AssertDecimal(t, "total_fees", open.TotalFees, "5")
	assert.Equal(t, int64(n), open.Version)

	allocs, err := l.GetAllocations(ctx, open.ID)
	require.NoError(t, err)
	assert.Len(t, allocs, n)
}

// ============================================================================
// Test: Halted keys
// ============================================================================

func TestLedger_MultipleOpenHaltsKey(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: persistence.NewMemoryStore()}
	l := newLedger(t, store)

	eth := testutil.NewTradeBuilder("ETH", "binance:main")
	sol := testutil.NewTradeBuilder("SOL", "binance:main")

	_, err := l.ApplyTrade(ctx, eth.Buy("100", "1", "0"))
	require.NoError(t, err)

	store.mu.Lock()
	store.multipleOpen = true
	store.mu.Unlock()

	_, err = l.ApplyTrade(ctx, eth.Buy("101", "1", "0"))
	var cv *ledger.ConsistencyViolation
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "ETH", cv.Key.Asset)

	store.mu.Lock()
	store.multipleOpen = false
	store.mu.Unlock()

	_, err = l.ApplyTrade(ctx, eth.Buy("102", "1", "0"))
	if !errors.Is(err, ledger.ErrKeyHalted) {
		t.Fatalf("halted key: got %v, want ErrKeyHalted", err)
	}
	assert.True(t, ledger.IsRetryable(err))

	// Other books keep going
	_, err = l.ApplyTrade(ctx, sol.Buy("20", "3", "0"))
	require.NoError(t, err)

	halted := l.HaltedKeys()
	require.Len(t, halted, 1)
	assert.Equal(t, "ETH@binance:main", halted[0].Key.String())

	_, err = l.RecomputeFromStore(ctx)
	require.NoError(t, err)
	assert.Empty(t, l.HaltedKeys())

	_, err = l.ApplyTrade(ctx, eth.Buy("103", "1", "0"))
	require.NoError(t, err)
}

// ============================================================================
// Test: Recompute
// ============================================================================

func TestLedger_RecomputeMatchesLiveState(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)
	l := newLedger(t, store)

	eth := testutil.NewTradeBuilder("ETH", "binance:main")
	btc := testutil.NewTradeBuilder("BTC", "0xabc")
	trades := []*event.Trade{
		eth.Buy("100", "2", "0.2"),
		btc.Sell("60000", "0.5", "3"),
		eth.Sell("110", "3", "0.3"), // flips to short 1
		btc.Buy("59000", "0.2", "1"),
		eth.Buy("95", "1", "0.1"),
	}
	for _, tr := range trades {
		_, err := l.ApplyTrade(ctx, tr)
		require.NoError(t, err)
	}

	live, err := l.Fingerprint(ctx)
	require.NoError(t, err)

	first, err := l.RecomputeFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, live, first.Fingerprint, "recompute must reproduce live state")
	assert.Equal(t, len(trades), first.Trades)
	assert.Equal(t, 3, first.Positions)

	second, err := l.RecomputeFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, second, l.LastRecompute())
}

func TestLedger_RecomputeOrderIndependent(t *testing.T) {
	ctx := context.Background()
	trades := scenarioTrades()

	store := persistence.NewMemoryStore()
	for _, tr := range trades {
		require.NoError(t, store.InsertTrade(ctx, tr))
	}
	l := newLedger(t, store)

	reversed := make([]*event.Trade, len(trades))
	for i, tr := range trades {
		reversed[len(trades)-1-i] = tr
	}

	a, err := l.Recompute(ctx, trades)
	require.NoError(t, err)
	b, err := l.Recompute(ctx, reversed)
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestLedger_RecomputeFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: persistence.NewMemoryStore()}
	l := newLedger(t, store)

	for _, tr := range scenarioTrades()[:3] {
		_, err := l.ApplyTrade(ctx, tr)
		require.NoError(t, err)
	}
	before, err := l.Fingerprint(ctx)
	require.NoError(t, err)

	store.replaceAllFail = true
	_, err = l.RecomputeFromStore(ctx)
	require.Error(t, err)

	bad := testutil.NewTradeBuilder("ETH", "binance:main").Buy("-1", "1", "0")
	_, err = l.Recompute(ctx, []*event.Trade{bad})
	require.Error(t, err)

	after, err := l.Fingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLedger_RecomputeHooks(t *testing.T) {
	l := newLedger(t, persistence.NewMemoryStore())

	var mu sync.Mutex
	var seen []bool
	l.OnRecompute(func(running bool) {
		mu.Lock()
		seen = append(seen, running)
		mu.Unlock()
	})

	_, err := l.RecomputeFromStore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, seen)
	assert.False(t, l.IsRecomputing())
}

func TestLedger_RecomputeBlocksApply(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, persistence.NewMemoryStore())

	entered := make(chan struct{})
	release := make(chan struct{})
	l.OnRecompute(func(running bool) {
		if running {
			close(entered)
			<-release
		}
	})

	go l.RecomputeFromStore(ctx)
	<-entered

	applied := make(chan error, 1)
	go func() {
		_, err := l.ApplyTrade(ctx, testutil.NewTradeBuilder("ETH", "binance:main").Buy("1", "1", "0"))
		applied <- err
	}()

	select {
	case <-applied:
		t.Fatal("trade applied while recompute held the gate")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-applied:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("trade never applied after recompute")
	}
}

// ============================================================================
// Test: VerifyIntegrity
// ============================================================================

func TestLedger_VerifyIntegrityClean(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	l := newLedger(t, store)

	for _, tr := range scenarioTrades() {
		_, err := l.ApplyTrade(ctx, tr)
		require.NoError(t, err)
	}

	report, err := l.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "violations: %v", report.ViolationTexts)
	assert.Equal(t, 4, report.Trades)
	assert.Equal(t, 0, report.PendingTrades)
	assert.False(t, report.NeedsRecompute())
}

func TestLedger_VerifyIntegrityDetectsDrift(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	l := newLedger(t, store)

	trades := scenarioTrades()
	for _, tr := range trades[:2] {
		_, err := l.ApplyTrade(ctx, tr)
		require.NoError(t, err)
	}

	// Corrupt the stored row: remaining no longer equals open - closed
	positions, err := store.ListPositions(ctx, persistence.PositionFilter{})
	require.NoError(t, err)
	allocations, err := store.ListAllAllocations(ctx)
	require.NoError(t, err)
	positions[0].RemainingQuantity = testutil.Dec("3")
	require.NoError(t, store.ReplaceAll(ctx, positions, allocations))

	// A stored but unallocated trade counts as pending
	require.NoError(t, store.InsertTrade(ctx, trades[2]))

	report, err := l.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, 1, report.PendingTrades)
	assert.True(t, report.NeedsRecompute())
	assert.True(t, l.IsHalted(state.Key{Asset: "ETH", VenueKey: "binance:main"}))

	res, err := l.RecomputeFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Trades)

	report, err = l.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "violations: %v", report.ViolationTexts)
	assert.False(t, l.IsHalted(state.Key{Asset: "ETH", VenueKey: "binance:main"}))
}

// ============================================================================
// Test: LocalLocker
// ============================================================================

func TestLocalLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	lk := ledger.NewLocalLocker()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := lk.Lock(ctx, "ETH@x")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max holders: got %d, want 1", maxInside)
	}
	if lk.Size() != 0 {
		t.Errorf("lock table size after release: got %d, want 0", lk.Size())
	}
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	lk := ledger.NewLocalLocker()
	unlock, err := lk.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lk.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent
	assert.Equal(t, 0, lk.Size())

	// Different keys never contend
	u1, err := lk.Lock(context.Background(), "a")
	require.NoError(t, err)
	u2, err := lk.Lock(context.Background(), "b")
	require.NoError(t, err)
	u1()
	u2()
}

func TestRedisLocker(t *testing.T) {
	url := testutil.TestRedisURL()
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	lk, err := ledger.NewRedisLockerFromURL(url, time.Second)
	require.NoError(t, err)
	defer lk.Close()

	ctx := context.Background()
	if err := lk.Ping(ctx); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	key := fmt.Sprintf("test-%d", time.Now().UnixNano())
	unlock, err := lk.Lock(ctx, key)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = lk.Lock(short, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := lk.Lock(ctx, key)
	require.NoError(t, err)
	unlock2()
}
