package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

const uniqueViolation = "23505"

const authorizationColumns = `id::text, owner, collateral, debt, threshold_bps, signature, nonce,
	status, created_at, updated_at, executed_at`

// AuthorizationStore implements domain.AuthorizationStore using PostgreSQL.
type AuthorizationStore struct {
	pool *pgxpool.Pool
}

// NewAuthorizationStore creates a new AuthorizationStore backed by the given connection pool.
func NewAuthorizationStore(pool *pgxpool.Pool) *AuthorizationStore {
	return &AuthorizationStore{pool: pool}
}

// Supersede revokes the live rows for auth's triple and inserts auth as
// Pending in one transaction.
func (s *AuthorizationStore) Supersede(ctx context.Context, auth domain.Authorization) ([]domain.Authorization, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: supersede begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE authorizations
		   SET status = 'revoked', updated_at = $4
		 WHERE owner = $1 AND collateral = $2 AND debt = $3
		   AND status IN ('pending', 'active')
		RETURNING `+authorizationColumns,
		auth.Owner.Hex(), auth.Collateral.Hex(), auth.Debt.Hex(), auth.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: supersede revoke: %w", err)
	}
	revoked, err := collectAuthorizations(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: supersede revoke: %w", err)
	}

	updated := auth.UpdatedAt
	if updated.IsZero() {
		updated = auth.CreatedAt
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO authorizations (
			id, owner, collateral, debt, threshold_bps, signature, nonce,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9)`,
		auth.ID, auth.Owner.Hex(), auth.Collateral.Hex(), auth.Debt.Hex(),
		auth.ThresholdBps, auth.Signature, auth.Nonce[:], auth.CreatedAt, updated,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("postgres: authorization %s exists: %w", auth.ID, domain.ErrInvalidInput)
		}
		return nil, fmt.Errorf("postgres: insert authorization %s: %w", auth.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: supersede commit: %w", err)
	}
	return revoked, nil
}

// Get returns a single authorization by ID.
func (s *AuthorizationStore) Get(ctx context.Context, id string) (domain.Authorization, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+authorizationColumns+` FROM authorizations WHERE id::text = $1`, id)
	a, err := scanAuthorization(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Authorization{}, fmt.Errorf("postgres: authorization %s: %w", id, domain.ErrNotFound)
		}
		return domain.Authorization{}, fmt.Errorf("postgres: get authorization %s: %w", id, err)
	}
	return a, nil
}

func (s *AuthorizationStore) LatestByStatus(ctx context.Context, owner common.Address, status domain.AuthorizationStatus) (domain.Authorization, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+authorizationColumns+` FROM authorizations
		 WHERE owner = $1 AND status = $2
		 ORDER BY created_at DESC LIMIT 1`,
		owner.Hex(), string(status),
	)
	a, err := scanAuthorization(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Authorization{}, fmt.Errorf("postgres: %s authorization for %s: %w", status, owner.Hex(), domain.ErrNotFound)
		}
		return domain.Authorization{}, fmt.Errorf("postgres: latest authorization: %w", err)
	}
	return a, nil
}

func (s *AuthorizationStore) ListByOwner(ctx context.Context, owner common.Address) ([]domain.Authorization, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+authorizationColumns+` FROM authorizations
		 WHERE owner = $1 ORDER BY created_at DESC`, owner.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list authorizations by owner: %w", err)
	}
	return collectAuthorizations(rows)
}

func (s *AuthorizationStore) ListByStatus(ctx context.Context, status domain.AuthorizationStatus) ([]domain.Authorization, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+authorizationColumns+` FROM authorizations
		 WHERE status = $1 ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list authorizations by status: %w", err)
	}
	return collectAuthorizations(rows)
}

// Transition locks the row, checks the lifecycle and applies the new status.
// A second Active row for the same triple trips the partial unique index.
func (s *AuthorizationStore) Transition(ctx context.Context, id string, to domain.AuthorizationStatus, at time.Time) (domain.Authorization, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Authorization{}, fmt.Errorf("postgres: transition begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanAuthorization(tx.QueryRow(ctx,
		`SELECT `+authorizationColumns+` FROM authorizations WHERE id::text = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Authorization{}, fmt.Errorf("postgres: authorization %s: %w", id, domain.ErrNotFound)
		}
		return domain.Authorization{}, fmt.Errorf("postgres: lock authorization %s: %w", id, err)
	}
	if !domain.CanTransition(cur.Status, to) {
		return cur, fmt.Errorf("postgres: %s -> %s: %w", cur.Status, to, domain.ErrInvalidTransition)
	}

	var executedAt *time.Time
	if to == domain.AuthorizationExecuted {
		executedAt = &at
	}
	next, err := scanAuthorization(tx.QueryRow(ctx, `
		UPDATE authorizations
		   SET status = $2, updated_at = $3, executed_at = COALESCE($4, executed_at)
		 WHERE id::text = $1
		RETURNING `+authorizationColumns,
		id, string(to), at, executedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return cur, fmt.Errorf("postgres: triple already active: %w", domain.ErrInvalidTransition)
		}
		return cur, fmt.Errorf("postgres: transition %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return cur, fmt.Errorf("postgres: transition commit: %w", err)
	}
	return next, nil
}

func scanAuthorization(row pgx.Row) (domain.Authorization, error) {
	var (
		a                       domain.Authorization
		owner, collateral, debt string
		status                  string
		nonce                   []byte
	)
	if err := row.Scan(&a.ID, &owner, &collateral, &debt, &a.ThresholdBps, &a.Signature, &nonce,
		&status, &a.CreatedAt, &a.UpdatedAt, &a.ExecutedAt); err != nil {
		return domain.Authorization{}, err
	}
	a.Owner = common.HexToAddress(owner)
	a.Collateral = common.HexToAddress(collateral)
	a.Debt = common.HexToAddress(debt)
	a.Status = domain.AuthorizationStatus(status)
	copy(a.Nonce[:], nonce)
	return a, nil
}

func collectAuthorizations(rows pgx.Rows) ([]domain.Authorization, error) {
	defer rows.Close()
	var out []domain.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan authorization: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: authorization rows: %w", err)
	}
	return out, nil
}
