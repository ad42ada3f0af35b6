package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// ObservationStore implements domain.ObservationStore and domain.PriceCache.
type ObservationStore struct {
	mu     sync.RWMutex
	byPair map[domain.AssetPair][]domain.PriceObservation
}

func NewObservationStore() *ObservationStore {
	return &ObservationStore{byPair: make(map[domain.AssetPair][]domain.PriceObservation)}
}

// Append inserts obs in round order; a repeated round is ignored.
func (s *ObservationStore) Append(_ context.Context, obs domain.PriceObservation) error {
	if !obs.Valid() {
		return fmt.Errorf("memory: observation %s/%d: %w", obs.Pair, obs.Round, domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byPair[obs.Pair]
	i := sort.Search(len(list), func(i int) bool { return list[i].Round >= obs.Round })
	if i < len(list) && list[i].Round == obs.Round {
		return nil
	}
	obs.Price = new(big.Int).Set(obs.Price)
	list = append(list, domain.PriceObservation{})
	copy(list[i+1:], list[i:])
	list[i] = obs
	s.byPair[obs.Pair] = list
	return nil
}

func (s *ObservationStore) Latest(_ context.Context, pair domain.AssetPair) (domain.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byPair[pair]
	if len(list) == 0 {
		return domain.PriceObservation{}, fmt.Errorf("memory: observation for %s: %w", pair, domain.ErrNotFound)
	}
	return list[len(list)-1], nil
}

// List returns observations newest first.
func (s *ObservationStore) List(_ context.Context, pair domain.AssetPair, opts domain.ListOpts) ([]domain.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byPair[pair]
	var out []domain.PriceObservation
	for i := len(list) - 1; i >= 0; i-- {
		o := list[i]
		if opts.Since != nil && o.ObservedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && o.ObservedAt.After(*opts.Until) {
			continue
		}
		out = append(out, o)
	}
	return page(out, opts), nil
}

func (s *ObservationStore) SetObservation(ctx context.Context, obs domain.PriceObservation) error {
	return s.Append(ctx, obs)
}

func (s *ObservationStore) GetObservation(ctx context.Context, pair domain.AssetPair) (domain.PriceObservation, error) {
	return s.Latest(ctx, pair)
}

func (s *ObservationStore) GetObservations(ctx context.Context, pairs []domain.AssetPair) (map[domain.AssetPair]domain.PriceObservation, error) {
	out := make(map[domain.AssetPair]domain.PriceObservation, len(pairs))
	for _, p := range pairs {
		if o, err := s.Latest(ctx, p); err == nil {
			out[p] = o
		}
	}
	return out, nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
