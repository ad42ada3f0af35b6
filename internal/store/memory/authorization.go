// Package memory implements the domain stores in process memory. It backs
// local development runs and serves as the fake for package tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// AuthorizationStore implements domain.AuthorizationStore.
type AuthorizationStore struct {
	mu    sync.RWMutex
	byID  map[string]domain.Authorization
	order []string
}

// NewAuthorizationStore creates an empty AuthorizationStore.
func NewAuthorizationStore() *AuthorizationStore {
	return &AuthorizationStore{byID: make(map[string]domain.Authorization)}
}

// Supersede revokes every live record for auth's triple and inserts auth as
// Pending under a single lock.
func (s *AuthorizationStore) Supersede(_ context.Context, auth domain.Authorization) ([]domain.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[auth.ID]; exists {
		return nil, fmt.Errorf("memory: authorization %s exists: %w", auth.ID, domain.ErrInvalidInput)
	}
	now := auth.CreatedAt
	var revoked []domain.Authorization
	for _, id := range s.order {
		prior := s.byID[id]
		if !prior.SameTriple(auth) {
			continue
		}
		if prior.Status != domain.AuthorizationActive && prior.Status != domain.AuthorizationPending {
			continue
		}
		prior.Status = domain.AuthorizationRevoked
		prior.UpdatedAt = now
		s.byID[id] = prior
		revoked = append(revoked, clone(prior))
	}

	auth.Status = domain.AuthorizationPending
	if auth.UpdatedAt.IsZero() {
		auth.UpdatedAt = now
	}
	s.byID[auth.ID] = clone(auth)
	s.order = append(s.order, auth.ID)
	return revoked, nil
}

func (s *AuthorizationStore) Get(_ context.Context, id string) (domain.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return domain.Authorization{}, fmt.Errorf("memory: authorization %s: %w", id, domain.ErrNotFound)
	}
	return clone(a), nil
}

func (s *AuthorizationStore) LatestByStatus(_ context.Context, owner common.Address, status domain.AuthorizationStatus) (domain.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		a := s.byID[s.order[i]]
		if a.Owner == owner && a.Status == status {
			return clone(a), nil
		}
	}
	return domain.Authorization{}, fmt.Errorf("memory: %s authorization for %s: %w", status, owner.Hex(), domain.ErrNotFound)
}

func (s *AuthorizationStore) ListByOwner(_ context.Context, owner common.Address) ([]domain.Authorization, error) {
	return s.filter(func(a domain.Authorization) bool { return a.Owner == owner }), nil
}

func (s *AuthorizationStore) ListByStatus(_ context.Context, status domain.AuthorizationStatus) ([]domain.Authorization, error) {
	return s.filter(func(a domain.Authorization) bool { return a.Status == status }), nil
}

// Transition applies a lifecycle step checked against domain.CanTransition.
func (s *AuthorizationStore) Transition(_ context.Context, id string, to domain.AuthorizationStatus, at time.Time) (domain.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return domain.Authorization{}, fmt.Errorf("memory: authorization %s: %w", id, domain.ErrNotFound)
	}
	if !domain.CanTransition(a.Status, to) {
		return clone(a), fmt.Errorf("memory: %s -> %s: %w", a.Status, to, domain.ErrInvalidTransition)
	}
	if to == domain.AuthorizationActive {
		for _, other := range s.byID {
			if other.ID != id && other.SameTriple(a) && other.Status == domain.AuthorizationActive {
				return clone(a), fmt.Errorf("memory: triple already active in %s: %w", other.ID, domain.ErrInvalidTransition)
			}
		}
	}
	a.Status = to
	a.UpdatedAt = at
	if to == domain.AuthorizationExecuted {
		t := at
		a.ExecutedAt = &t
	}
	s.byID[id] = a
	return clone(a), nil
}

func (s *AuthorizationStore) filter(keep func(domain.Authorization) bool) []domain.Authorization {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Authorization
	for _, id := range s.order {
		if a := s.byID[id]; keep(a) {
			out = append(out, clone(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func clone(a domain.Authorization) domain.Authorization {
	a.Signature = append([]byte(nil), a.Signature...)
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		a.ExecutedAt = &t
	}
	return a
}
