package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per pair at
// "price:{pair}" holding the latest accepted round. Writes never move a
// pair backwards to an older round.
type PriceCache struct {
	c   *Client
	set *redis.Script
}

// setIfNewerLua writes the hash only when ARGV[2] (round) is greater than
// the stored round.
const setIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'round')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
    return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'round', ARGV[2], 'ts', ARGV[3])
return 1
`

func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c, set: redis.NewScript(setIfNewerLua)}
}

func (pc *PriceCache) priceKey(pair domain.AssetPair) string {
	return pc.c.key("price:" + string(pair))
}

func (pc *PriceCache) SetObservation(ctx context.Context, obs domain.PriceObservation) error {
	if !obs.Valid() {
		return fmt.Errorf("redis: observation %s/%d: %w", obs.Pair, obs.Round, domain.ErrInvalidInput)
	}
	err := pc.set.Run(ctx, pc.c.rdb, []string{pc.priceKey(obs.Pair)},
		obs.Price.String(),
		strconv.FormatUint(obs.Round, 10),
		strconv.FormatInt(obs.ObservedAt.UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set observation %s: %w", obs.Pair, err)
	}
	return nil
}

func (pc *PriceCache) GetObservation(ctx context.Context, pair domain.AssetPair) (domain.PriceObservation, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.priceKey(pair)).Result()
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("redis: get observation %s: %w", pair, err)
	}
	obs, err := decodeObservation(pair, vals)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("redis: observation %s: %w", pair, err)
	}
	return obs, nil
}

// GetObservations pipelines the reads; pairs without a usable entry are
// omitted.
func (pc *PriceCache) GetObservations(ctx context.Context, pairs []domain.AssetPair) (map[domain.AssetPair]domain.PriceObservation, error) {
	out := make(map[domain.AssetPair]domain.PriceObservation, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[domain.AssetPair]*redis.MapStringStringCmd, len(pairs))
	for _, p := range pairs {
		cmds[p] = pipe.HGetAll(ctx, pc.priceKey(p))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get observations pipeline: %w", err)
	}
	for p, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if obs, err := decodeObservation(p, vals); err == nil {
			out[p] = obs
		}
	}
	return out, nil
}

func decodeObservation(pair domain.AssetPair, vals map[string]string) (domain.PriceObservation, error) {
	if len(vals) == 0 {
		return domain.PriceObservation{}, domain.ErrNotFound
	}
	price, ok := new(big.Int).SetString(vals["price"], 10)
	if !ok {
		return domain.PriceObservation{}, fmt.Errorf("price %q: %w", vals["price"], domain.ErrInvalidInput)
	}
	round, err := strconv.ParseUint(vals["round"], 10, 64)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("round %q: %w", vals["round"], domain.ErrInvalidInput)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("ts %q: %w", vals["ts"], domain.ErrInvalidInput)
	}
	obs := domain.PriceObservation{Pair: pair, Price: price, Round: round, ObservedAt: time.Unix(0, ts).UTC()}
	if !obs.Valid() {
		return domain.PriceObservation{}, fmt.Errorf("non-positive price: %w", domain.ErrInvalidInput)
	}
	return obs, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
