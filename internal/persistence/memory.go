package persistence

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/state"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for tests and the "memory" driver.
type MemoryStore struct {
	mu          sync.RWMutex
	trades      map[string]*event.Trade
	positions   map[uuid.UUID]*state.Position
	allocations []state.Allocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:    make(map[string]*event.Trade),
		positions: make(map[uuid.UUID]*state.Position),
	}
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *event.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[t.ID]; ok {
		return ErrDuplicateTrade
	}
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

func (s *MemoryStore) TradeExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.trades[id]
	return ok, nil
}

func (s *MemoryStore) LastTrade(_ context.Context, key state.Key) (*event.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *event.Trade
	for _, t := range s.trades {
		if t.Asset != key.Asset || t.VenueKey != key.VenueKey {
			continue
		}
		if last == nil || last.Before(t) {
			last = t
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (s *MemoryStore) ListTrades(_ context.Context) ([]*event.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*event.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		cp := *t
		out = append(out, &cp)
	}
	state.SortTrades(out)
	return out, nil
}

func (s *MemoryStore) FindTrades(_ context.Context, f TradeFilter) ([]*event.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*event.Trade, 0)
	for _, t := range s.trades {
		if f.Match(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Before(out[i]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) LatestPrice(_ context.Context, asset string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *event.Trade
	for _, t := range s.trades {
		if t.Asset != asset {
			continue
		}
		if last == nil || last.Before(t) {
			last = t
		}
	}
	if last == nil {
		return decimal.Zero, false, nil
	}
	return last.Price, true, nil
}

func (s *MemoryStore) GetOpenPosition(_ context.Context, key state.Key) (*state.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *state.Position
	for _, p := range s.positions {
		if p.IsOpen() && p.Key() == key {
			if found != nil {
				return nil, fmt.Errorf("%w: %s", ErrMultipleOpen, key)
			}
			found = p
		}
	}
	if found == nil {
		return nil, nil
	}
	return found.Clone(), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id uuid.UUID) (*state.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPositions(_ context.Context, f PositionFilter) ([]*state.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*state.Position, 0)
	for _, p := range s.positions {
		if f.Match(p) {
			out = append(out, p.Clone())
		}
	}

	state.SortPositions(out)
	if f.Order == OrderClosedDesc {
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].ClosedAt, out[j].ClosedAt
			switch {
			case a == nil:
				return false
			case b == nil:
				return true
			default:
				return a.After(*b)
			}
		})
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListAllocations(_ context.Context, positionID uuid.UUID) ([]state.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]state.Allocation, 0)
	for _, a := range s.allocations {
		if a.PositionID == positionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAllAllocations(_ context.Context) ([]state.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]state.Allocation, len(s.allocations))
	copy(out, s.allocations)
	return out, nil
}

// CommitEffect validates every write against a staged copy of the touched
// rows before installing anything, so a rejected effect leaves no trace.
func (s *MemoryStore) CommitEffect(_ context.Context, eff *state.Effect) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[eff.Trade.ID]; ok {
		return ErrDuplicateTrade
	}

	staged := make(map[uuid.UUID]*state.Position, len(eff.Changes))
	lookup := func(id uuid.UUID) (*state.Position, bool) {
		if p, ok := staged[id]; ok {
			return p, true
		}
		p, ok := s.positions[id]
		return p, ok
	}

	for _, c := range eff.Changes {
		if c.Created {
			if _, exists := lookup(c.Position.ID); exists {
				return fmt.Errorf("%w: position %s exists", ErrVersionConflict, c.Position.ID)
			}
			for id, p := range s.positions {
				if _, overridden := staged[id]; overridden {
					continue
				}
				if p.IsOpen() && p.Key() == eff.Key {
					return fmt.Errorf("%w: %s already has an open position", ErrVersionConflict, eff.Key)
				}
			}
			for _, p := range staged {
				if p.IsOpen() && p.Key() == eff.Key {
					return fmt.Errorf("%w: %s already has an open position", ErrVersionConflict, eff.Key)
				}
			}
		} else {
			cur, ok := lookup(c.Position.ID)
			if !ok || cur.Version != c.PrevVersion || !cur.IsOpen() {
				return fmt.Errorf("%w: position %s", ErrVersionConflict, c.Position.ID)
			}
		}
		staged[c.Position.ID] = c.Position.Clone()
	}

	cp := *eff.Trade
	s.trades[cp.ID] = &cp
	for id, p := range staged {
		s.positions[id] = p
	}
	s.allocations = append(s.allocations, eff.Allocations...)
	return nil
}

func (s *MemoryStore) ReplaceAll(_ context.Context, positions []*state.Position, allocations []state.Allocation) error {
	next := make(map[uuid.UUID]*state.Position, len(positions))
	for _, p := range positions {
		next[p.ID] = p.Clone()
	}
	allocs := make([]state.Allocation, len(allocations))
	copy(allocs, allocations)

	s.mu.Lock()
	s.positions = next
	s.allocations = allocs
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
