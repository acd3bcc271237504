package core_test

import (
	"TradeLedger/internal/core"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/state"
	"TradeLedger/internal/testutil"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: IdempotencyLRU
// ============================================================================

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote a
	lru.Add("c")      // evicts b

	if !lru.Contains("a") || !lru.Contains("c") {
		t.Errorf("a and c should survive")
	}
	if lru.Contains("b") {
		t.Errorf("b should have been evicted")
	}
	if lru.Size() != 2 {
		t.Errorf("size: got %d, want 2", lru.Size())
	}
	if lru.Evictions() != 1 {
		t.Errorf("evictions: got %d, want 1", lru.Evictions())
	}
}

func TestIdempotencyLRU_WarmKeepsNewest(t *testing.T) {
	lru := core.NewIdempotencyLRU(3)
	lru.WarmFromKeys([]string{"t1", "t2", "t3", "t4", "t5"})

	if lru.Contains("t1") || lru.Contains("t2") {
		t.Errorf("oldest keys should be evicted")
	}
	for _, k := range []string{"t3", "t4", "t5"} {
		if !lru.Contains(k) {
			t.Errorf("%s should be cached", k)
		}
	}
}

// ============================================================================
// Test: IdempotencyChecker
// ============================================================================

type lookupFunc func(ctx context.Context, id string) (bool, error)

func (f lookupFunc) TradeExists(ctx context.Context, id string) (bool, error) { return f(ctx, id) }

func TestIdempotencyChecker_Tiers(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	calls := 0
	store := lookupFunc(func(_ context.Context, id string) (bool, error) {
		calls++
		return id == "stored", nil
	})
	ic := core.NewIdempotencyChecker(10, store, metrics)
	ctx := context.Background()

	if ic.IsDuplicate(ctx, "fresh") {
		t.Errorf("fresh id reported duplicate")
	}
	if !ic.IsDuplicate(ctx, "stored") {
		t.Errorf("stored id not reported duplicate")
	}
	// Second lookup is served by the LRU
	if !ic.IsDuplicate(ctx, "stored") {
		t.Errorf("stored id not reported duplicate from LRU")
	}
	if calls != 2 {
		t.Errorf("store calls: got %d, want 2", calls)
	}

	if got := promtest.ToFloat64(metrics.DedupHits.WithLabelValues("lru")); got != 1 {
		t.Errorf("lru hits: got %v, want 1", got)
	}
	if got := promtest.ToFloat64(metrics.DedupHits.WithLabelValues("store")); got != 1 {
		t.Errorf("store hits: got %v, want 1", got)
	}
}

func TestIdempotencyChecker_StoreErrorIsNotDuplicate(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	store := lookupFunc(func(context.Context, string) (bool, error) {
		return false, errors.New("connection refused")
	})
	ic := core.NewIdempotencyChecker(10, store, metrics)

	if ic.IsDuplicate(context.Background(), "x") {
		t.Errorf("store error must not report duplicate")
	}
}

// ============================================================================
// Test: SequenceValidator
// ============================================================================

func TestSequenceValidator_LoadsCursorFromStore(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	b := ledgerBuilder()

	first := b.Buy("100", "1", "0")
	second := b.Buy("101", "1", "0")
	third := b.Buy("102", "1", "0")
	require.NoError(t, store.InsertTrade(ctx, second))

	sv := core.NewSequenceValidator(store)

	if err := sv.Validate(ctx, first); !errors.Is(err, core.ErrOutOfOrder) {
		t.Errorf("first after second: got %v, want ErrOutOfOrder", err)
	}
	if err := sv.Validate(ctx, third); err != nil {
		t.Errorf("third: got %v, want nil", err)
	}

	sv.Advance(third)
	if err := sv.Validate(ctx, second); !errors.Is(err, core.ErrOutOfOrder) {
		t.Errorf("second after third: got %v, want ErrOutOfOrder", err)
	}

	// Advance never moves the cursor backwards
	sv.Advance(first)
	if err := sv.Validate(ctx, second); !errors.Is(err, core.ErrOutOfOrder) {
		t.Errorf("cursor moved backwards")
	}

	// After Reset the store is the source again (second is the stored last)
	sv.Reset()
	if err := sv.Validate(ctx, third); err != nil {
		t.Errorf("third after reset: got %v, want nil", err)
	}

	if n := sv.Metrics().GetOutOfOrder(state.KeyOf(third)); n != 3 {
		t.Errorf("out-of-order count: got %d, want 3", n)
	}
}

func TestSequenceValidator_SameTimestampOrdersByID(t *testing.T) {
	ctx := context.Background()
	sv := core.NewSequenceValidator(nil)
	b := ledgerBuilder()

	a := b.Buy("1", "1", "0")
	c := b.At(a.Timestamp).Buy("1", "1", "0")
	c.ID = "ETH-zzz"
	a.ID = "ETH-aaa"

	sv.Advance(c)
	if err := sv.Validate(ctx, a); !errors.Is(err, core.ErrOutOfOrder) {
		t.Errorf("lower id at same timestamp: got %v, want ErrOutOfOrder", err)
	}
}

func ledgerBuilder() *testutil.TradeBuilder {
	return testutil.NewTradeBuilder("ETH", "binance:main")
}
