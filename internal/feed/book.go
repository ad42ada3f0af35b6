package feed

import (
	"context"
	"sort"
	"time"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// Book answers price questions for the API from the running listeners,
// falling back to the shared cache when this process does not follow a
// pair (server mode) or has not accepted a round yet.
type Book struct {
	assets    domain.Assets
	listeners map[domain.AssetPair]*Listener
	cache     domain.PriceCache
	now       func() time.Time
}

// NewBook indexes listeners by pair. cache may be nil.
func NewBook(assets domain.Assets, listeners []*Listener, cache domain.PriceCache) *Book {
	b := &Book{
		assets:    assets,
		listeners: make(map[domain.AssetPair]*Listener, len(listeners)),
		cache:     cache,
		now:       time.Now,
	}
	for _, l := range listeners {
		b.listeners[l.Pair()] = l
	}
	return b
}

// Latest returns the newest known observation for pair.
func (b *Book) Latest(ctx context.Context, pair domain.AssetPair) (domain.PriceObservation, bool) {
	if l, ok := b.listeners[pair]; ok {
		if obs, ok := l.Latest(); ok {
			return obs, true
		}
	}
	if b.cache == nil {
		return domain.PriceObservation{}, false
	}
	obs, err := b.cache.GetObservation(ctx, pair)
	if err != nil || !obs.Valid() {
		return domain.PriceObservation{}, false
	}
	return obs, true
}

// PriceOf returns the price of the token at asset. Pegged assets report
// their configured price with round 0.
func (b *Book) PriceOf(ctx context.Context, asset domain.Asset) (domain.PriceObservation, bool) {
	if asset.PeggedPrice != nil {
		return domain.PriceObservation{
			Pair:       asset.Pair,
			Price:      asset.PeggedPrice,
			ObservedAt: b.now(),
		}, true
	}
	return b.Latest(ctx, asset.Pair)
}

// All returns the latest observation of every oracle-backed pair, sorted by
// pair. Pairs without a known price are omitted.
func (b *Book) All(ctx context.Context) []domain.PriceObservation {
	var out []domain.PriceObservation
	for pair := range b.assets.Pairs() {
		if obs, ok := b.Latest(ctx, pair); ok {
			out = append(out, obs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// Statuses reports connectivity of the pairs followed in process.
func (b *Book) Statuses() []domain.FeedStatus {
	out := make([]domain.FeedStatus, 0, len(b.listeners))
	for pair, l := range b.listeners {
		out = append(out, domain.FeedStatus{Pair: pair, Degraded: l.Degraded()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}
