package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// ChallengeStore implements domain.ChallengeStore.
type ChallengeStore struct {
	mu      sync.Mutex
	byOwner map[common.Address]domain.Challenge
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{byOwner: make(map[common.Address]domain.Challenge)}
}

// Put replaces any outstanding challenge for c.Owner.
func (s *ChallengeStore) Put(_ context.Context, c domain.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byOwner[c.Owner] = c
	return nil
}

func (s *ChallengeStore) Get(_ context.Context, owner common.Address) (domain.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byOwner[owner]
	if !ok {
		return domain.Challenge{}, fmt.Errorf("memory: challenge for %s: %w", owner.Hex(), domain.ErrChallengeNotFound)
	}
	return c, nil
}

func (s *ChallengeStore) Consume(_ context.Context, owner common.Address, nonce [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byOwner[owner]
	if !ok || c.Nonce != nonce {
		return fmt.Errorf("memory: consume challenge for %s: %w", owner.Hex(), domain.ErrChallengeNotFound)
	}
	delete(s.byOwner, owner)
	return nil
}
