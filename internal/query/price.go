package query

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceLookup returns the current price proxy for an asset: the price of
// the most recent trade observed on any venue. ok is false when the asset
// has never traded.
type PriceLookup interface {
	LatestPrice(ctx context.Context, asset string) (price decimal.Decimal, ok bool, err error)
}

// StaticPrices is a fixed price table.
type StaticPrices map[string]decimal.Decimal

func (s StaticPrices) LatestPrice(_ context.Context, asset string) (decimal.Decimal, bool, error) {
	p, ok := s[asset]
	return p, ok, nil
}

// priceMemo caches lookups for the duration of one query so a listing of
// many positions on one asset hits the store once.
type priceMemo struct {
	src   PriceLookup
	cache map[string]memoEntry
}

type memoEntry struct {
	price decimal.Decimal
	ok    bool
}

func newPriceMemo(src PriceLookup) *priceMemo {
	return &priceMemo{src: src, cache: make(map[string]memoEntry)}
}

func (m *priceMemo) get(ctx context.Context, asset string) (decimal.Decimal, bool, error) {
	if e, hit := m.cache[asset]; hit {
		return e.price, e.ok, nil
	}
	if m.src == nil {
		return decimal.Zero, false, nil
	}
	price, ok, err := m.src.LatestPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("price %s: %w", asset, err)
	}
	m.cache[asset] = memoEntry{price: price, ok: ok}
	return price, ok, nil
}
