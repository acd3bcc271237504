package core

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrEngineStopped is returned by Submit once the engine is shutting down.
var ErrEngineStopped = errors.New("engine stopped")

// Status is the per-trade outcome reported back to the producer.
type Status int32

const (
	StatusApplied   Status = iota // Positions updated
	StatusDuplicate               // Already stored, nothing done
	StatusDeferred                // Stored out of order, applied by the next recompute
	StatusRejected                // Terminal: malformed trade
	StatusFailed                  // Not applied; may succeed on redelivery
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusDuplicate:
		return "duplicate"
	case StatusDeferred:
		return "deferred"
	case StatusRejected:
		return "rejected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one submitted trade.
type Result struct {
	TradeID   string
	Key       state.Key
	Status    Status
	Effect    *state.Effect
	Err       error
	Retryable bool
}

// Config tunes the engine. Zero values pick defaults.
type Config struct {
	Shards        int
	QueueSize     int
	OutputSize    int
	LRUCapacity   int
	AutoRecompute bool // Consistency violations request a recompute
}

func (c *Config) defaults() {
	if c.Shards <= 0 {
		c.Shards = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.OutputSize <= 0 {
		c.OutputSize = 4096
	}
	if c.LRUCapacity <= 0 {
		c.LRUCapacity = 100_000
	}
}

type request struct {
	ctx   context.Context
	trade *event.Trade
	done  chan *Result
}

// Engine routes trades to per-key sequential workers. Every book hashes to
// exactly one shard, so trades of one book are applied one at a time in
// arrival order while different books proceed in parallel.
type Engine struct {
	cfg     Config
	ledger  *ledger.Ledger
	store   persistence.Store
	dedup   *IdempotencyChecker
	seq     *SequenceValidator
	metrics *observability.Metrics
	logger  zerolog.Logger

	shards []chan *request
	output chan event.Envelope

	pending       atomic.Bool
	pendingMu     sync.Mutex
	pendingReason string

	outMu     sync.RWMutex
	outClosed bool

	stopOnce sync.Once
	stopped  chan struct{} // Closed when Stop begins
	finished chan struct{} // Closed once workers exited and queues drained
	wg       sync.WaitGroup
}

func NewEngine(l *ledger.Ledger, cfg Config, metrics *observability.Metrics, logger *zerolog.Logger) *Engine {
	cfg.defaults()
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	log := observability.NewLogger("engine")
	if logger != nil {
		log = *logger
	}

	store := l.Store()
	e := &Engine{
		cfg:      cfg,
		ledger:   l,
		store:    store,
		dedup:    NewIdempotencyChecker(cfg.LRUCapacity, store, metrics),
		seq:      NewSequenceValidator(store),
		metrics:  metrics,
		logger:   log,
		shards:   make([]chan *request, cfg.Shards),
		output:   make(chan event.Envelope, cfg.OutputSize),
		stopped:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	for i := range e.shards {
		e.shards[i] = make(chan *request, cfg.QueueSize)
	}
	return e
}

// Start launches one worker per shard. Cancelling ctx is equivalent to
// calling Stop.
func (e *Engine) Start(ctx context.Context) {
	for i := range e.shards {
		e.wg.Add(1)
		go e.worker(i)
	}
	go func() {
		select {
		case <-ctx.Done():
			e.Stop()
		case <-e.stopped:
		}
	}()
	e.logger.Info().Int("shards", len(e.shards)).Msg("engine started")
}

// Stop signals workers to exit, waits for them and closes the output
// channel. Requests still queued are answered with ErrEngineStopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		e.wg.Wait()
		for _, ch := range e.shards {
			e.drain(ch)
		}
		close(e.finished)

		e.outMu.Lock()
		e.outClosed = true
		close(e.output)
		e.outMu.Unlock()
		e.logger.Info().Msg("engine stopped")
	})
}

func (e *Engine) drain(ch chan *request) {
	for {
		select {
		case req := <-ch:
			req.done <- &Result{TradeID: req.trade.ID, Key: state.KeyOf(req.trade), Status: StatusFailed, Err: ErrEngineStopped, Retryable: true}
		default:
			return
		}
	}
}

// Output carries envelopes for applied effects, rejections and recomputes.
// Sends never block: when the consumer falls behind envelopes are dropped.
func (e *Engine) Output() <-chan event.Envelope {
	return e.output
}

func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// ============================================================================
// Submit
// ============================================================================

// Submit queues a trade on its shard and waits for the outcome. The returned
// error is Result.Err, or the context/engine error if the trade never reached
// a worker.
func (e *Engine) Submit(ctx context.Context, t *event.Trade) (*Result, error) {
	t.Normalize()
	req := &request{ctx: ctx, trade: t, done: make(chan *Result, 1)}

	select {
	case e.shards[e.shardFor(state.KeyOf(t))] <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopped:
		return nil, ErrEngineStopped
	}

	select {
	case res := <-req.done:
		return res, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.finished:
		select {
		case res := <-req.done:
			return res, res.Err
		default:
			return nil, ErrEngineStopped
		}
	}
}

// SubmitBatch applies trades in (timestamp, id) order per book, books in
// parallel. Results come back in the sorted order.
func (e *Engine) SubmitBatch(ctx context.Context, trades []*event.Trade) []*Result {
	ordered := make([]*event.Trade, len(trades))
	copy(ordered, trades)
	for _, t := range ordered {
		t.Normalize()
	}
	state.SortTrades(ordered)

	byKey := make(map[state.Key][]int)
	var keys []state.Key
	for i, t := range ordered {
		k := state.KeyOf(t)
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], i)
	}

	results := make([]*Result, len(ordered))
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(idx []int) {
			defer wg.Done()
			for _, i := range idx {
				res, err := e.Submit(ctx, ordered[i])
				if res == nil {
					res = &Result{TradeID: ordered[i].ID, Key: state.KeyOf(ordered[i]), Status: StatusFailed, Err: err, Retryable: true}
				}
				results[i] = res
			}
		}(byKey[k])
	}
	wg.Wait()
	return results
}

func (e *Engine) shardFor(key state.Key) int {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(len(e.shards)))
}

func (e *Engine) worker(shard int) {
	defer e.wg.Done()
	ch := e.shards[shard]

	for {
		select {
		case <-e.stopped:
			return
		case req := <-ch:
			e.metrics.SetQueueDepth(shard, len(ch))
			req.done <- e.process(req.ctx, req.trade)
		}
	}
}

// ============================================================================
// Processing pipeline
// ============================================================================

// process runs one trade through validation, dedup, ordering and the ledger.
func (e *Engine) process(ctx context.Context, t *event.Trade) *Result {
	key := state.KeyOf(t)
	res := &Result{TradeID: t.ID, Key: key}
	log := e.logger.With().Str("trade_id", t.ID).Str("key", key.String()).Logger()

	// Step 1: Shape validation
	if err := t.Validate(); err != nil {
		return e.reject(res, t, err, log)
	}

	// Step 2: Idempotency check (two-tier)
	if e.dedup.IsDuplicate(ctx, t.ID) {
		res.Status = StatusDuplicate
		return res
	}

	// Step 3: Ordering check. A late trade is stored and picked up by the
	// next recompute, never dropped.
	if err := e.seq.Validate(ctx, t); err != nil {
		if !errors.Is(err, ErrOutOfOrder) {
			return e.fail(res, err, true, log)
		}
		return e.deferLate(ctx, res, t, err, log)
	}

	// Step 4: Apply
	eff, err := e.ledger.ApplyTrade(ctx, t)
	switch {
	case err == nil:
		e.seq.Advance(t)
		e.dedup.MarkProcessed(t.ID)
		res.Status = StatusApplied
		res.Effect = eff
		for _, env := range EffectEnvelopes(eff) {
			e.emit(env)
		}
		return res

	case ledger.IsDuplicate(err):
		e.dedup.MarkProcessed(t.ID)
		res.Status = StatusDuplicate
		return res

	case ledger.IsRejection(err):
		return e.reject(res, t, err, log)

	default:
		var cv *ledger.ConsistencyViolation
		if errors.As(err, &cv) && e.cfg.AutoRecompute {
			e.RequestRecompute("consistency violation on " + key.String())
		}
		return e.fail(res, err, ledger.IsRetryable(err) || errors.As(err, &cv), log)
	}
}

func (e *Engine) reject(res *Result, t *event.Trade, err error, log zerolog.Logger) *Result {
	res.Status = StatusRejected
	res.Err = err
	log.Warn().Err(err).Msg("trade rejected")

	payload := RejectionPayload{Reason: err.Error()}
	var ve *event.ValidationError
	if errors.As(err, &ve) {
		payload.Field = ve.Field
	}
	e.emit(event.NewEnvelope(event.EventTypeTradeRejected, t.ID, t.Asset, t.VenueKey, t.Timestamp, payload))
	return res
}

func (e *Engine) fail(res *Result, err error, retryable bool, log zerolog.Logger) *Result {
	res.Status = StatusFailed
	res.Err = err
	res.Retryable = retryable
	log.Warn().Err(err).Bool("retryable", retryable).Msg("trade not applied")
	return res
}

func (e *Engine) deferLate(ctx context.Context, res *Result, t *event.Trade, cause error, log zerolog.Logger) *Result {
	if err := e.store.InsertTrade(ctx, t); err != nil {
		if errors.Is(err, persistence.ErrDuplicateTrade) {
			e.dedup.MarkProcessed(t.ID)
			res.Status = StatusDuplicate
			return res
		}
		return e.fail(res, fmt.Errorf("store late trade: %w", err), true, log)
	}

	e.dedup.MarkProcessed(t.ID)
	e.metrics.OutOfOrderTrades.WithLabelValues(t.Asset).Inc()
	e.RequestRecompute(cause.Error())
	log.Warn().Err(cause).Msg("late trade stored, recompute requested")

	res.Status = StatusDeferred
	return res
}

func (e *Engine) emit(env event.Envelope) {
	e.outMu.RLock()
	defer e.outMu.RUnlock()
	if e.outClosed {
		return
	}
	select {
	case e.output <- env:
	default:
		e.metrics.PublishDrops.Inc()
	}
}

// ============================================================================
// Recompute requests
// ============================================================================

// RequestRecompute marks the ledger for a rebuild by the next
// RunPendingRecompute.
func (e *Engine) RequestRecompute(reason string) {
	e.pendingMu.Lock()
	if !e.pending.Load() {
		e.pendingReason = reason
	}
	e.pending.Store(true)
	e.pendingMu.Unlock()
}

// PendingRecompute reports whether a rebuild was requested, and why.
func (e *Engine) PendingRecompute() (bool, string) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return e.pending.Load(), e.pendingReason
}

// RunPendingRecompute rebuilds the ledger if a recompute was requested.
// It returns nil, nil when nothing was pending.
func (e *Engine) RunPendingRecompute(ctx context.Context) (*ledger.RecomputeResult, error) {
	e.pendingMu.Lock()
	if !e.pending.Load() {
		e.pendingMu.Unlock()
		return nil, nil
	}
	reason := e.pendingReason
	e.pending.Store(false)
	e.pendingReason = ""
	e.pendingMu.Unlock()

	res, err := e.Recompute(ctx)
	if err != nil {
		e.RequestRecompute(reason)
		return nil, err
	}
	return res, nil
}

// Recompute rebuilds the ledger from the stored trades unconditionally.
func (e *Engine) Recompute(ctx context.Context) (*ledger.RecomputeResult, error) {
	res, err := e.ledger.RecomputeFromStore(ctx)
	if err != nil {
		return nil, err
	}
	e.seq.Reset()

	e.emit(event.NewEnvelope(event.EventTypeLedgerRecomputed, "", "", "", res.StartedAt, res))
	return res, nil
}

// WarmDedup loads every stored trade id into the LRU, oldest first.
func (e *Engine) WarmDedup(ctx context.Context) error {
	trades, err := e.store.ListTrades(ctx)
	if err != nil {
		return fmt.Errorf("warm dedup: %w", err)
	}
	ids := make([]string, len(trades))
	for i, t := range trades {
		ids[i] = t.ID
	}
	e.dedup.Warm(ids)
	e.logger.Info().Int("ids", e.dedup.LRU().Size()).Msg("dedup cache warmed")
	return nil
}

// ============================================================================
// Envelopes
// ============================================================================

// ChangePayload is the body of a position event.
type ChangePayload struct {
	PositionID        string           `json:"position_id"`
	Action            string           `json:"action"`
	Side              event.Side       `json:"side"`
	Status            state.Status     `json:"status"`
	Matched           decimal.Decimal  `json:"matched_quantity"`
	RealizedDelta     decimal.Decimal  `json:"realized_delta"`
	RemainingQuantity decimal.Decimal  `json:"remaining_quantity"`
	AvgOpenPrice      decimal.Decimal  `json:"avg_open_price"`
	AvgClosePrice     *decimal.Decimal `json:"avg_close_price,omitempty"`
	RealizedPnL       decimal.Decimal  `json:"realized_pnl"`
	TotalFees         decimal.Decimal  `json:"total_fees"`
	Version           int64            `json:"version"`
}

// RejectionPayload is the body of a TradeRejected event.
type RejectionPayload struct {
	Reason string `json:"reason"`
	Field  string `json:"field,omitempty"`
}

// EffectEnvelopes builds one envelope per position change, in leg order.
func EffectEnvelopes(eff *state.Effect) []event.Envelope {
	t := eff.Trade
	out := make([]event.Envelope, 0, len(eff.Changes))
	for _, c := range eff.Changes {
		p := c.Position
		payload := ChangePayload{
			PositionID:        p.ID.String(),
			Action:            c.Action.String(),
			Side:              p.Side,
			Status:            p.Status,
			Matched:           c.Matched,
			RealizedDelta:     c.RealizedDelta,
			RemainingQuantity: p.RemainingQuantity,
			AvgOpenPrice:      p.AvgOpenPrice,
			RealizedPnL:       p.RealizedPnL,
			TotalFees:         p.TotalFees,
			Version:           p.Version,
		}
		if p.AvgClosePrice.Valid {
			avg := p.AvgClosePrice.Decimal
			payload.AvgClosePrice = &avg
		}
		out = append(out, event.NewEnvelope(c.Action.EventType(), t.ID, t.Asset, t.VenueKey, t.Timestamp, payload))
	}
	return out
}
