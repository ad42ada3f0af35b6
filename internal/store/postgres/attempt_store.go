package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

const attemptColumns = `authorization_id::text, attempt, plan_id, round, tx_hash, status, reason, created_at, updated_at`

// AttemptStore implements domain.AttemptStore using PostgreSQL. Attempt
// numbers come from authorizations.attempt_seq so they keep growing after
// old rows are archived and deleted.
type AttemptStore struct {
	pool *pgxpool.Pool
}

func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

func (s *AttemptStore) Begin(ctx context.Context, a domain.Attempt) (domain.Attempt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("postgres: begin attempt: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		UPDATE authorizations SET attempt_seq = attempt_seq + 1
		 WHERE id::text = $1
		RETURNING attempt_seq`, a.AuthorizationID,
	).Scan(&a.Number)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Attempt{}, fmt.Errorf("postgres: authorization %s: %w", a.AuthorizationID, domain.ErrNotFound)
		}
		return domain.Attempt{}, fmt.Errorf("postgres: next attempt number: %w", err)
	}

	a.Status = domain.AttemptPreparing
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO rescue_attempts (
			authorization_id, attempt, plan_id, round, status, reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.AuthorizationID, a.Number, a.PlanID, int64(a.Round), string(a.Status), a.Reason, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("postgres: insert attempt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Attempt{}, fmt.Errorf("postgres: commit attempt: %w", err)
	}
	return a, nil
}

func (s *AttemptStore) Update(ctx context.Context, a domain.Attempt) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rescue_attempts
		   SET tx_hash = $3, status = $4, reason = $5, updated_at = $6
		 WHERE authorization_id::text = $1 AND attempt = $2`,
		a.AuthorizationID, a.Number, txHashColumn(a.TxHash), string(a.Status), a.Reason, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update attempt %s/%d: %w", a.AuthorizationID, a.Number, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: attempt %s/%d: %w", a.AuthorizationID, a.Number, domain.ErrNotFound)
	}
	return nil
}

func (s *AttemptStore) Latest(ctx context.Context, authorizationID string) (domain.Attempt, error) {
	a, err := scanAttempt(s.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+` FROM rescue_attempts
		 WHERE authorization_id::text = $1
		 ORDER BY attempt DESC LIMIT 1`, authorizationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Attempt{}, fmt.Errorf("postgres: attempts for %s: %w", authorizationID, domain.ErrNotFound)
		}
		return domain.Attempt{}, fmt.Errorf("postgres: latest attempt: %w", err)
	}
	return a, nil
}

func (s *AttemptStore) ListUnresolved(ctx context.Context) ([]domain.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM rescue_attempts
		 WHERE status IN ('preparing', 'submitted')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unresolved attempts: %w", err)
	}
	return collectAttempts(rows)
}

func (s *AttemptStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM rescue_attempts
		 WHERE status NOT IN ('preparing', 'submitted') AND updated_at < $1
		 ORDER BY updated_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved attempts: %w", err)
	}
	return collectAttempts(rows)
}

func (s *AttemptStore) DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM rescue_attempts
		 WHERE status NOT IN ('preparing', 'submitted') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete resolved attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func txHashColumn(h common.Hash) *string {
	if h == (common.Hash{}) {
		return nil
	}
	v := h.Hex()
	return &v
}

func scanAttempt(row pgx.Row) (domain.Attempt, error) {
	var (
		a      domain.Attempt
		round  int64
		txHash *string
		status string
	)
	if err := row.Scan(&a.AuthorizationID, &a.Number, &a.PlanID, &round, &txHash, &status,
		&a.Reason, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Attempt{}, err
	}
	a.Round = uint64(round)
	if txHash != nil {
		a.TxHash = common.HexToHash(*txHash)
	}
	a.Status = domain.AttemptStatus(status)
	return a, nil
}

func collectAttempts(rows pgx.Rows) ([]domain.Attempt, error) {
	defer rows.Close()
	var out []domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: attempt rows: %w", err)
	}
	return out, nil
}
