package feed

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

type mapCache map[domain.AssetPair]domain.PriceObservation

func (m mapCache) SetObservation(_ context.Context, o domain.PriceObservation) error {
	m[o.Pair] = o
	return nil
}

func (m mapCache) GetObservation(_ context.Context, pair domain.AssetPair) (domain.PriceObservation, error) {
	o, ok := m[pair]
	if !ok {
		return domain.PriceObservation{}, domain.ErrNotFound
	}
	return o, nil
}

func (m mapCache) GetObservations(ctx context.Context, pairs []domain.AssetPair) (map[domain.AssetPair]domain.PriceObservation, error) {
	out := make(map[domain.AssetPair]domain.PriceObservation)
	for _, p := range pairs {
		if o, err := m.GetObservation(ctx, p); err == nil {
			out[p] = o
		}
	}
	return out, nil
}

func TestBookPrefersListenerOverCache(t *testing.T) {
	const btcUSD domain.AssetPair = "BTC/USD"
	weth := common.HexToAddress("0x01")
	wbtc := common.HexToAddress("0x02")
	dai := common.HexToAddress("0x03")
	assets := domain.Assets{
		weth: {Symbol: "WETH", Address: weth, Pair: ethUSD, Aggregator: common.HexToAddress("0xa1")},
		wbtc: {Symbol: "WBTC", Address: wbtc, Pair: btcUSD, Aggregator: common.HexToAddress("0xa2")},
		dai:  {Symbol: "DAI", Address: dai, PeggedPrice: big.NewInt(100_000_000)},
	}

	src := &fakeSource{history: map[uint64]domain.PriceObservation{9: obs(9, 2000)}}
	out := make(chan domain.PriceObservation, 4)
	l := NewListener(ethUSD, src, NewRoundGate(), out, nil, Config{}, discardLogger())

	cache := mapCache{
		ethUSD: obs(4, 1500),
		btcUSD: {Pair: btcUSD, Price: big.NewInt(30_000), Round: 2},
	}
	book := NewBook(assets, []*Listener{l}, cache)
	ctx := context.Background()

	// Nothing accepted in process yet: the cache answers.
	got, ok := book.Latest(ctx, ethUSD)
	require.True(t, ok)
	require.Equal(t, uint64(4), got.Round)

	n, err := l.Backfill(ctx, 9, 9)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, ok = book.Latest(ctx, ethUSD)
	require.True(t, ok)
	require.Equal(t, uint64(9), got.Round)

	all := book.All(ctx)
	require.Len(t, all, 2)
	require.Equal(t, btcUSD, all[0].Pair)
	require.Equal(t, ethUSD, all[1].Pair)

	pegged, ok := book.PriceOf(ctx, assets[dai])
	require.True(t, ok)
	require.Equal(t, big.NewInt(100_000_000), pegged.Price)

	_, ok = book.Latest(ctx, "LINK/USD")
	require.False(t, ok)

	require.Equal(t, []domain.FeedStatus{{Pair: ethUSD}}, book.Statuses())
}
