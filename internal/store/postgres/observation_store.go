package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// ObservationStore implements domain.ObservationStore using PostgreSQL.
// Prices and rounds are NUMERIC and travel as decimal text.
type ObservationStore struct {
	pool *pgxpool.Pool
}

func NewObservationStore(pool *pgxpool.Pool) *ObservationStore {
	return &ObservationStore{pool: pool}
}

func (s *ObservationStore) Append(ctx context.Context, obs domain.PriceObservation) error {
	if !obs.Valid() {
		return fmt.Errorf("postgres: observation %s/%d: %w", obs.Pair, obs.Round, domain.ErrInvalidInput)
	}
	const query = `
		INSERT INTO price_observations (pair, round, price, observed_at)
		VALUES ($1, $2::numeric, $3::numeric, $4)
		ON CONFLICT (pair, round) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		string(obs.Pair), strconv.FormatUint(obs.Round, 10), obs.Price.String(), obs.ObservedAt)
	if err != nil {
		return fmt.Errorf("postgres: append observation %s/%d: %w", obs.Pair, obs.Round, err)
	}
	return nil
}

func (s *ObservationStore) Latest(ctx context.Context, pair domain.AssetPair) (domain.PriceObservation, error) {
	obs, err := scanObservation(s.pool.QueryRow(ctx, `
		SELECT pair, round::text, price::text, observed_at FROM price_observations
		 WHERE pair = $1 ORDER BY round DESC LIMIT 1`, string(pair)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PriceObservation{}, fmt.Errorf("postgres: observation for %s: %w", pair, domain.ErrNotFound)
		}
		return domain.PriceObservation{}, fmt.Errorf("postgres: latest observation: %w", err)
	}
	return obs, nil
}

// List returns the pair's observations newest first.
func (s *ObservationStore) List(ctx context.Context, pair domain.AssetPair, opts domain.ListOpts) ([]domain.PriceObservation, error) {
	query, args := withListOpts(
		`SELECT pair, round::text, price::text, observed_at FROM price_observations WHERE pair = $1`,
		[]any{string(pair)}, "observed_at", "round DESC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list observations: %w", err)
	}
	defer rows.Close()

	var out []domain.PriceObservation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan observation: %w", err)
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: observation rows: %w", err)
	}
	return out, nil
}

func scanObservation(row pgx.Row) (domain.PriceObservation, error) {
	var (
		obs          domain.PriceObservation
		pair         string
		round, price string
	)
	if err := row.Scan(&pair, &round, &price, &obs.ObservedAt); err != nil {
		return domain.PriceObservation{}, err
	}
	obs.Pair = domain.AssetPair(pair)
	r, err := strconv.ParseUint(round, 10, 64)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("round %q: %w", round, err)
	}
	obs.Round = r
	p, ok := new(big.Int).SetString(price, 10)
	if !ok {
		return domain.PriceObservation{}, fmt.Errorf("price %q is not an integer", price)
	}
	obs.Price = p
	return obs, nil
}
