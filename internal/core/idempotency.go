package core

import (
	"TradeLedger/internal/observability"
	"container/list"
	"context"
	"sync"
)

// IdempotencyChecker implements two-tier trade deduplication
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: trade store
	store TradeLookup

	metrics *observability.Metrics
}

// TradeLookup is the store-side dedup lookup
type TradeLookup interface {
	TradeExists(ctx context.Context, id string) (bool, error)
}

func NewIdempotencyChecker(capacity int, store TradeLookup, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		store:   store,
		metrics: metrics,
	}
}

// IsDuplicate checks if the trade id was already stored (two-tier lookup).
// A tier-2 error reports "not duplicate": the commit itself rejects
// duplicates, so the worst case is one wasted apply.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, tradeID string) bool {
	// Tier 1: LRU check (hot path)
	if ic.lru.Contains(tradeID) {
		ic.metrics.DedupHits.WithLabelValues("lru").Inc()
		return true
	}

	// Tier 2: store check (cold path)
	if ic.store != nil {
		isDup, err := ic.store.TradeExists(ctx, tradeID)
		if err != nil {
			ic.metrics.DedupHits.WithLabelValues("store_error").Inc()
			return false
		}

		if isDup {
			ic.metrics.DedupHits.WithLabelValues("store").Inc()
			ic.lru.Add(tradeID)
			return true
		}
	}

	return false
}

// MarkProcessed adds the id to the LRU after the trade is stored
func (ic *IdempotencyChecker) MarkProcessed(tradeID string) {
	ic.lru.Add(tradeID)
	ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
}

// Warm loads recently stored trade ids into the LRU on startup.
func (ic *IdempotencyChecker) Warm(ids []string) {
	ic.lru.WarmFromKeys(ids)
	ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
}

func (ic *IdempotencyChecker) LRU() *IdempotencyLRU {
	return ic.lru
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of trade ids. Safe for concurrent use: every
// engine shard shares one.
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	lru.addLocked(key)
}

func (lru *IdempotencyLRU) addLocked(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of keys, oldest first, so the newest end up
// most recently used.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	for _, key := range keys {
		lru.addLocked(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictions
}
