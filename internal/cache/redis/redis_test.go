package redis

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

func TestDecodeObservation(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	obs, err := decodeObservation("ETH/USD", map[string]string{
		"price": "184512000000",
		"round": "18446744073709551000",
		"ts":    "1700000000000000000",
	})
	require.NoError(t, err)
	require.Equal(t, domain.AssetPair("ETH/USD"), obs.Pair)
	require.Zero(t, obs.Price.Cmp(big.NewInt(184_512_000_000)))
	require.Equal(t, uint64(18446744073709551000), obs.Round)
	require.True(t, obs.ObservedAt.Equal(ts))
}

func TestDecodeObservationRejectsBadEntries(t *testing.T) {
	_, err := decodeObservation("ETH/USD", map[string]string{})
	require.ErrorIs(t, err, domain.ErrNotFound)

	cases := map[string]map[string]string{
		"price":    {"price": "1.5", "round": "1", "ts": "1"},
		"round":    {"price": "1", "round": "-1", "ts": "1"},
		"ts":       {"price": "1", "round": "1", "ts": "x"},
		"zero":     {"price": "0", "round": "1", "ts": "1"},
		"negative": {"price": "-5", "round": "1", "ts": "1"},
	}
	for name, vals := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeObservation("ETH/USD", vals)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestKeysArePrefixed(t *testing.T) {
	c := &Client{prefix: "protectbot:"}
	require.Equal(t, "protectbot:price:ETH/USD", NewPriceCache(c).priceKey("ETH/USD"))
	require.Equal(t, "protectbot:lock:rescue:a", c.key("lock:rescue:a"))
}

func TestSlidingWindowScriptIsEmbedded(t *testing.T) {
	require.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
	rl := NewRateLimiter(&Client{}, 0, 0)
	require.Equal(t, 1, rl.waitLimit)
	require.Equal(t, time.Second, rl.waitWindow)
}
