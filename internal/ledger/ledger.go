package ledger

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/id"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultMaxRetries bounds optimistic retries after a version conflict.
const DefaultMaxRetries = 3

// Config tunes a Ledger. Zero values pick defaults.
type Config struct {
	MaxRetries int
	Locker     KeyLocker
	Metrics    *observability.Metrics
	Logger     *zerolog.Logger
}

// Ledger is the Position Ledger: it applies trades to the stored positions
// one key at a time and rebuilds everything from the trade history on
// recompute.
//
// Concurrency:
//   - ApplyTrade holds the gate shared and the book's key lock exclusively.
//   - Recompute and VerifyIntegrity hold the gate exclusively, so no trade is
//     applied while the tables are being swapped or scanned.
type Ledger struct {
	store      persistence.Store
	locker     KeyLocker
	maxRetries int
	metrics    *observability.Metrics
	logger     zerolog.Logger

	gate        sync.RWMutex
	recomputing atomic.Bool

	haltMu sync.RWMutex
	halted map[state.Key]HaltedKey

	hookMu      sync.Mutex
	onRecompute []func(running bool)

	lastMu        sync.RWMutex
	lastRecompute *RecomputeResult
}

// HaltedKey is a book refusing trades until the next successful recompute.
type HaltedKey struct {
	Key       state.Key `json:"key"`
	Reason    string    `json:"reason"`
	HaltedAt  time.Time `json:"halted_at"`
	Violation error     `json:"-"`
}

// RecomputeResult describes one full rebuild.
type RecomputeResult struct {
	RunID       string        `json:"run_id"`
	Trades      int           `json:"trades"`
	Positions   int           `json:"positions"`
	Allocations int           `json:"allocations"`
	Fingerprint string        `json:"fingerprint"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

func New(store persistence.Store, cfg Config) *Ledger {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	logger := observability.NewLogger("ledger")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Ledger{
		store:      store,
		locker:     cfg.Locker,
		maxRetries: cfg.MaxRetries,
		metrics:    cfg.Metrics,
		logger:     logger,
		halted:     make(map[state.Key]HaltedKey),
	}
}

// Store exposes the underlying store for read paths.
func (l *Ledger) Store() persistence.Store {
	return l.store
}

// OnRecompute registers a hook called with true when a recompute takes the
// gate and false when it releases it.
func (l *Ledger) OnRecompute(fn func(running bool)) {
	l.hookMu.Lock()
	l.onRecompute = append(l.onRecompute, fn)
	l.hookMu.Unlock()
}

func (l *Ledger) notifyRecompute(running bool) {
	l.hookMu.Lock()
	hooks := append([]func(bool){}, l.onRecompute...)
	l.hookMu.Unlock()
	for _, fn := range hooks {
		fn(running)
	}
}

// ============================================================================
// Apply
// ============================================================================

// ApplyTrade applies one trade to its book and commits the trade, the
// position writes and the allocations atomically.
//
// Errors:
//   - *event.ValidationError: malformed trade, nothing written.
//   - persistence.ErrDuplicateTrade: the trade id is already stored.
//   - *ConcurrentMutationError: retries exhausted, nothing written.
//   - *ConsistencyViolation: stored state is corrupt, the key is now halted.
//   - ErrKeyHalted: the key was halted earlier.
func (l *Ledger) ApplyTrade(ctx context.Context, t *event.Trade) (*state.Effect, error) {
	start := time.Now()
	t.Normalize()
	if err := t.Validate(); err != nil {
		l.metrics.TradesRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	l.gate.RLock()
	defer l.gate.RUnlock()

	key := state.KeyOf(t)
	if h, ok := l.haltedKey(key); ok {
		l.metrics.TradesRejected.WithLabelValues("halted").Inc()
		return nil, fmt.Errorf("%w %s: %w", ErrKeyHalted, key, h.Violation)
	}

	unlock, err := l.locker.Lock(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	log := l.logger.With().Str("key", key.String()).Str("trade_id", t.ID).Logger()

	var lastErr error
	for attempt := 1; attempt <= l.maxRetries+1; attempt++ {
		open, err := l.store.GetOpenPosition(ctx, key)
		if errors.Is(err, persistence.ErrMultipleOpen) {
			return nil, l.halt(key, "more than one OPEN position", err)
		}
		if err != nil {
			return nil, fmt.Errorf("read open position %s: %w", key, err)
		}

		eff, err := state.ApplyTrade(open, t)
		if err != nil {
			var ie *state.InvariantError
			if errors.As(err, &ie) {
				return nil, l.halt(key, ie.Reason, err)
			}
			l.metrics.TradesRejected.WithLabelValues("validation").Inc()
			return nil, err
		}

		err = l.store.CommitEffect(ctx, eff)
		switch {
		case err == nil:
			l.recordEffect(eff, time.Since(start))
			log.Debug().
				Int("legs", len(eff.Changes)).
				Str("realized", eff.RealizedDelta.String()).
				Msg("trade applied")
			return eff, nil

		case errors.Is(err, persistence.ErrDuplicateTrade):
			l.metrics.DedupHits.WithLabelValues("store").Inc()
			return nil, err

		case errors.Is(err, persistence.ErrVersionConflict):
			l.metrics.MutationRetries.Inc()
			lastErr = err
			log.Debug().Int("attempt", attempt).Msg("version conflict, retrying")
			continue

		default:
			return nil, fmt.Errorf("commit trade %s: %w", t.ID, err)
		}
	}

	l.metrics.TradesRejected.WithLabelValues("concurrent_mutation").Inc()
	return nil, &ConcurrentMutationError{
		TradeID:  t.ID,
		Key:      key,
		Attempts: l.maxRetries + 1,
		Err:      lastErr,
	}
}

func (l *Ledger) recordEffect(eff *state.Effect, d time.Duration) {
	l.metrics.ApplyDuration.Observe(d.Seconds())
	for _, c := range eff.Changes {
		l.metrics.TradesApplied.WithLabelValues(c.Action.String()).Inc()
		if c.Created {
			l.metrics.PositionsOpened.Inc()
		}
		if c.Action == state.ActionClose {
			l.metrics.PositionsClosed.Inc()
		}
	}
	if f, _ := eff.RealizedDelta.Float64(); f > 0 {
		l.metrics.RealizedPnL.WithLabelValues("profit").Add(f)
	} else if f < 0 {
		l.metrics.RealizedPnL.WithLabelValues("loss").Add(-f)
	}
}

// ============================================================================
// Halted keys
// ============================================================================

func (l *Ledger) halt(key state.Key, reason string, cause error) error {
	v := &ConsistencyViolation{Key: key, Reason: reason, Err: cause}

	l.haltMu.Lock()
	if _, ok := l.halted[key]; !ok {
		l.halted[key] = HaltedKey{Key: key, Reason: reason, HaltedAt: time.Now().UTC(), Violation: v}
	}
	n := len(l.halted)
	l.haltMu.Unlock()

	l.metrics.HaltedKeys.Set(float64(n))
	l.logger.Error().
		Str("key", key.String()).
		Str("reason", reason).
		Err(cause).
		Msg("consistency violation, book halted until recompute")
	return v
}

func (l *Ledger) haltedKey(key state.Key) (HaltedKey, bool) {
	l.haltMu.RLock()
	defer l.haltMu.RUnlock()
	h, ok := l.halted[key]
	return h, ok
}

// IsHalted reports whether key refuses trades.
func (l *Ledger) IsHalted(key state.Key) bool {
	_, ok := l.haltedKey(key)
	return ok
}

// HaltedKeys returns the halted books ordered by key.
func (l *Ledger) HaltedKeys() []HaltedKey {
	l.haltMu.RLock()
	out := make([]HaltedKey, 0, len(l.halted))
	for _, h := range l.halted {
		out = append(out, h)
	}
	l.haltMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// ============================================================================
// Recompute
// ============================================================================

// Recompute replays trades (in (timestamp, id) order regardless of the
// order given) and atomically replaces every position and allocation. The
// trades must already be stored. On failure the previous state is untouched.
func (l *Ledger) Recompute(ctx context.Context, trades []*event.Trade) (*RecomputeResult, error) {
	l.lockGate()
	defer l.unlockGate()
	return l.recomputeLocked(ctx, trades)
}

// RecomputeFromStore rebuilds from the stored trade history. The trades are
// read under the gate so none can slip in between read and swap.
func (l *Ledger) RecomputeFromStore(ctx context.Context) (*RecomputeResult, error) {
	l.lockGate()
	defer l.unlockGate()

	trades, err := l.store.ListTrades(ctx)
	if err != nil {
		l.metrics.RecomputeRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return l.recomputeLocked(ctx, trades)
}

func (l *Ledger) lockGate() {
	l.gate.Lock()
	l.recomputing.Store(true)
	l.notifyRecompute(true)
}

func (l *Ledger) unlockGate() {
	l.recomputing.Store(false)
	l.gate.Unlock()
	l.notifyRecompute(false)
}

// IsRecomputing reports whether a recompute currently holds the gate.
func (l *Ledger) IsRecomputing() bool {
	return l.recomputing.Load()
}

func (l *Ledger) recomputeLocked(ctx context.Context, trades []*event.Trade) (*RecomputeResult, error) {
	res := &RecomputeResult{RunID: id.New(), StartedAt: time.Now().UTC(), Trades: len(trades)}
	log := l.logger.With().Str("run_id", res.RunID).Logger()
	log.Info().Int("trades", len(trades)).Msg("recompute started")

	for _, t := range trades {
		t.Normalize()
	}

	pm, err := state.Replay(trades)
	if err != nil {
		l.metrics.RecomputeRuns.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("recompute replay failed, state untouched")
		return nil, fmt.Errorf("recompute %s: %w", res.RunID, err)
	}

	positions := pm.GetAllPositions()
	allocations := pm.GetAllocations()
	if err := l.store.ReplaceAll(ctx, positions, allocations); err != nil {
		l.metrics.RecomputeRuns.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("recompute swap failed, state untouched")
		return nil, fmt.Errorf("recompute %s: %w", res.RunID, err)
	}

	l.haltMu.Lock()
	cleared := len(l.halted)
	l.halted = make(map[state.Key]HaltedKey)
	l.haltMu.Unlock()
	l.metrics.HaltedKeys.Set(0)

	res.Positions = len(positions)
	res.Allocations = len(allocations)
	res.Fingerprint = state.Fingerprint(positions, allocations)
	res.Duration = time.Since(res.StartedAt)

	l.metrics.RecomputeRuns.WithLabelValues("ok").Inc()
	l.metrics.RecomputeDuration.Observe(res.Duration.Seconds())
	l.metrics.RecomputeTrades.Set(float64(res.Trades))

	l.lastMu.Lock()
	l.lastRecompute = res
	l.lastMu.Unlock()

	log.Info().
		Int("trades", res.Trades).
		Int("positions", res.Positions).
		Int("allocations", res.Allocations).
		Int("unhalted", cleared).
		Dur("duration", res.Duration).
		Str("fingerprint", res.Fingerprint).
		Msg("recompute finished")
	return res, nil
}

// LastRecompute returns the most recent successful recompute, or nil.
func (l *Ledger) LastRecompute() *RecomputeResult {
	l.lastMu.RLock()
	defer l.lastMu.RUnlock()
	return l.lastRecompute
}

// ============================================================================
// Accessors
// ============================================================================

// GetOpenPositions returns every OPEN position ordered by (opened_at, id).
func (l *Ledger) GetOpenPositions(ctx context.Context) ([]*state.Position, error) {
	return l.store.ListPositions(ctx, persistence.PositionFilter{Status: state.StatusOpen})
}

// GetClosedPositions returns CLOSED positions, most recently closed first.
// limit <= 0 returns all of them.
func (l *Ledger) GetClosedPositions(ctx context.Context, limit int) ([]*state.Position, error) {
	return l.store.ListPositions(ctx, persistence.PositionFilter{
		Status: state.StatusClosed,
		Order:  persistence.OrderClosedDesc,
		Limit:  limit,
	})
}

// GetPosition returns the OPEN position of a book, or ErrNotFound when the
// book is flat.
func (l *Ledger) GetPosition(ctx context.Context, asset, venueKey string) (*state.Position, error) {
	key := state.Key{Asset: asset, VenueKey: venueKey}
	p, err := l.store.GetOpenPosition(ctx, key)
	if errors.Is(err, persistence.ErrMultipleOpen) {
		return nil, l.halt(key, "more than one OPEN position", err)
	}
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("book %s: %w", key, persistence.ErrNotFound)
	}
	return p, nil
}

func (l *Ledger) GetPositionByID(ctx context.Context, positionID uuid.UUID) (*state.Position, error) {
	return l.store.GetPosition(ctx, positionID)
}

func (l *Ledger) GetAllocations(ctx context.Context, positionID uuid.UUID) ([]state.Allocation, error) {
	return l.store.ListAllocations(ctx, positionID)
}

// Fingerprint hashes the stored positions and allocations. Two ledgers with
// the same fingerprint hold byte-identical derived state.
func (l *Ledger) Fingerprint(ctx context.Context) (string, error) {
	positions, allocations, err := l.snapshotRows(ctx)
	if err != nil {
		return "", err
	}
	return state.Fingerprint(positions, allocations), nil
}

// Snapshot captures the derived state under the gate for archiving.
func (l *Ledger) Snapshot(ctx context.Context) (*persistence.Snapshot, error) {
	l.gate.Lock()
	defer l.gate.Unlock()

	positions, allocations, err := l.snapshotRows(ctx)
	if err != nil {
		return nil, err
	}
	return persistence.NewSnapshot(id.New(), positions, allocations, time.Now()), nil
}

func (l *Ledger) snapshotRows(ctx context.Context) ([]*state.Position, []state.Allocation, error) {
	positions, err := l.store.ListPositions(ctx, persistence.PositionFilter{})
	if err != nil {
		return nil, nil, fmt.Errorf("list positions: %w", err)
	}
	allocations, err := l.store.ListAllAllocations(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list allocations: %w", err)
	}
	return positions, allocations, nil
}
