package core

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfOrder marks a trade older than the last trade applied to its book.
var ErrOutOfOrder = errors.New("out-of-order trade")

// LastTradeLookup returns the latest stored trade of a book.
type LastTradeLookup interface {
	LastTrade(ctx context.Context, key state.Key) (*event.Trade, error)
}

// SequenceValidator enforces ascending (timestamp, id) order per book.
// Tier 1 is the last applied trade per key in memory; tier 2 is the store,
// consulted the first time a key is seen (and after Reset).
type SequenceValidator struct {
	mu      sync.Mutex
	last    map[state.Key]cursor
	store   LastTradeLookup
	metrics *SequenceMetrics
}

type cursor struct {
	id string
	ts int64 // UnixNano
}

func (c cursor) after(t *event.Trade) bool {
	ts := t.Timestamp.UnixNano()
	if c.ts != ts {
		return c.ts > ts
	}
	return c.id > t.ID
}

func NewSequenceValidator(store LastTradeLookup) *SequenceValidator {
	return &SequenceValidator{
		last:    make(map[state.Key]cursor),
		store:   store,
		metrics: NewSequenceMetrics(),
	}
}

// Validate returns ErrOutOfOrder (wrapped) if t sorts before the last
// applied trade on its book.
func (sv *SequenceValidator) Validate(ctx context.Context, t *event.Trade) error {
	key := state.KeyOf(t)

	sv.mu.Lock()
	cur, ok := sv.last[key]
	sv.mu.Unlock()

	if !ok && sv.store != nil {
		lt, err := sv.store.LastTrade(ctx, key)
		if err != nil {
			return fmt.Errorf("load last trade %s: %w", key, err)
		}
		if lt != nil {
			cur = cursor{id: lt.ID, ts: lt.Timestamp.UnixNano()}
			ok = true
			sv.mu.Lock()
			if _, set := sv.last[key]; !set {
				sv.last[key] = cur
			}
			sv.mu.Unlock()
		}
	}

	if ok && cur.after(t) {
		sv.metrics.RecordOutOfOrder(key)
		return fmt.Errorf("%w: %s on %s precedes %s", ErrOutOfOrder, t.ID, key, cur.id)
	}
	return nil
}

// Advance records t as the last applied trade of its book.
func (sv *SequenceValidator) Advance(t *event.Trade) {
	next := cursor{id: t.ID, ts: t.Timestamp.UnixNano()}
	key := state.KeyOf(t)

	sv.mu.Lock()
	if cur, ok := sv.last[key]; !ok || !cur.after(t) {
		sv.last[key] = next
	}
	sv.mu.Unlock()
}

// Reset drops tier 1 so every key is reloaded from the store. Called after
// a recompute.
func (sv *SequenceValidator) Reset() {
	sv.mu.Lock()
	sv.last = make(map[state.Key]cursor)
	sv.mu.Unlock()
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
type SequenceMetrics struct {
	mu         sync.Mutex
	outOfOrder map[state.Key]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		outOfOrder: make(map[state.Key]int64),
	}
}

func (m *SequenceMetrics) RecordOutOfOrder(key state.Key) {
	m.mu.Lock()
	m.outOfOrder[key]++
	m.mu.Unlock()
}

func (m *SequenceMetrics) GetOutOfOrder(key state.Key) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outOfOrder[key]
}
