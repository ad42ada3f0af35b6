package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// ChallengeStore implements domain.ChallengeStore using PostgreSQL. Each
// owner has at most one row; issuing a new challenge replaces the old one.
type ChallengeStore struct {
	pool *pgxpool.Pool
}

func NewChallengeStore(pool *pgxpool.Pool) *ChallengeStore {
	return &ChallengeStore{pool: pool}
}

func (s *ChallengeStore) Put(ctx context.Context, c domain.Challenge) error {
	const query = `
		INSERT INTO challenges (owner, nonce, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner) DO UPDATE
		   SET nonce = EXCLUDED.nonce, issued_at = EXCLUDED.issued_at, expires_at = EXCLUDED.expires_at`
	if _, err := s.pool.Exec(ctx, query, c.Owner.Hex(), c.Nonce[:], c.IssuedAt, c.ExpiresAt); err != nil {
		return fmt.Errorf("postgres: put challenge %s: %w", c.Owner.Hex(), err)
	}
	return nil
}

func (s *ChallengeStore) Get(ctx context.Context, owner common.Address) (domain.Challenge, error) {
	var (
		c     = domain.Challenge{Owner: owner}
		nonce []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT nonce, issued_at, expires_at FROM challenges WHERE owner = $1`, owner.Hex(),
	).Scan(&nonce, &c.IssuedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Challenge{}, fmt.Errorf("postgres: challenge for %s: %w", owner.Hex(), domain.ErrChallengeNotFound)
		}
		return domain.Challenge{}, fmt.Errorf("postgres: get challenge: %w", err)
	}
	copy(c.Nonce[:], nonce)
	return c, nil
}

// Consume deletes the owner's challenge only when it still carries nonce, so
// a signature over a replaced challenge cannot be redeemed.
func (s *ChallengeStore) Consume(ctx context.Context, owner common.Address, nonce [32]byte) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM challenges WHERE owner = $1 AND nonce = $2`, owner.Hex(), nonce[:])
	if err != nil {
		return fmt.Errorf("postgres: consume challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: challenge for %s: %w", owner.Hex(), domain.ErrChallengeNotFound)
	}
	return nil
}
