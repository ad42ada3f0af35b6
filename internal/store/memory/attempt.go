package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// AttemptStore implements domain.AttemptStore. Numbers keep growing after
// old attempts are deleted.
type AttemptStore struct {
	mu     sync.Mutex
	seq    map[string]int
	byAuth map[string][]domain.Attempt
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{seq: make(map[string]int), byAuth: make(map[string][]domain.Attempt)}
}

// Begin numbers a after the last attempt for its authorization.
func (s *AttemptStore) Begin(_ context.Context, a domain.Attempt) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[a.AuthorizationID]++
	a.Number = s.seq[a.AuthorizationID]
	a.Status = domain.AttemptPreparing
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	s.byAuth[a.AuthorizationID] = append(s.byAuth[a.AuthorizationID], a)
	return a, nil
}

func (s *AttemptStore) Update(_ context.Context, a domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byAuth[a.AuthorizationID]
	for i := range list {
		if list[i].Number == a.Number {
			list[i] = a
			return nil
		}
	}
	return fmt.Errorf("memory: attempt %s/%d: %w", a.AuthorizationID, a.Number, domain.ErrNotFound)
}

func (s *AttemptStore) Latest(_ context.Context, authorizationID string) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byAuth[authorizationID]
	if len(list) == 0 {
		return domain.Attempt{}, fmt.Errorf("memory: attempts for %s: %w", authorizationID, domain.ErrNotFound)
	}
	return list[len(list)-1], nil
}

func (s *AttemptStore) ListUnresolved(_ context.Context) ([]domain.Attempt, error) {
	return s.collect(func(a domain.Attempt) bool { return !a.Status.Resolved() }), nil
}

func (s *AttemptStore) ListResolvedBefore(_ context.Context, before time.Time) ([]domain.Attempt, error) {
	return s.collect(func(a domain.Attempt) bool { return resolvedBefore(a, before) }), nil
}

func (s *AttemptStore) DeleteResolvedBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, list := range s.byAuth {
		kept := list[:0]
		for _, a := range list {
			if resolvedBefore(a, before) {
				n++
				continue
			}
			kept = append(kept, a)
		}
		s.byAuth[id] = kept
	}
	return n, nil
}

func resolvedBefore(a domain.Attempt, before time.Time) bool {
	return a.Status.Resolved() && a.UpdatedAt.Before(before)
}

func (s *AttemptStore) collect(keep func(domain.Attempt) bool) []domain.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Attempt
	for _, list := range s.byAuth {
		for _, a := range list {
			if keep(a) {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Number < out[j].Number
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
