package chainlink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

var ethAggregator = common.HexToAddress("0x00c7A37B03690fb9f41b5C5AF8131735C7275446")

type roundData struct {
	answer    int64
	updatedAt int64
}

type fakeBackend struct {
	decimals uint8
	rounds   map[uint64]roundData
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := aggregatorABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(f.decimals)
	case "latestRound":
		var latest uint64
		for r := range f.rounds {
			if r > latest {
				latest = r
			}
		}
		return method.Outputs.Pack(new(big.Int).SetUint64(latest))
	case "getRoundData":
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		id := args[0].(*big.Int).Uint64()
		rd, ok := f.rounds[id]
		if !ok {
			return nil, errors.New("execution reverted: No data present")
		}
		return method.Outputs.Pack(
			new(big.Int).SetUint64(id), big.NewInt(rd.answer), big.NewInt(rd.updatedAt),
			big.NewInt(rd.updatedAt), new(big.Int).SetUint64(id),
		)
	}
	return nil, errors.New("unexpected method " + method.Name)
}

func (f *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func newClient(b *fakeBackend) *Client {
	return New(b, map[domain.AssetPair]common.Address{"ETH/USD": ethAggregator}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func answerLog(t *testing.T, answer *big.Int, round uint64, updatedAt int64) types.Log {
	t.Helper()
	event := aggregatorABI.Events["AnswerUpdated"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(updatedAt))
	require.NoError(t, err)
	return types.Log{
		Address: ethAggregator,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(answer),
			common.BigToHash(new(big.Int).SetUint64(round)),
		},
		Data: data,
	}
}

func TestDecodeAnswerUpdated(t *testing.T) {
	obs, err := decodeAnswerUpdated("ETH/USD", 8, answerLog(t, big.NewInt(312_345_000_000), 42, 1_700_000_000))
	require.NoError(t, err)
	require.Equal(t, domain.AssetPair("ETH/USD"), obs.Pair)
	require.Equal(t, uint64(42), obs.Round)
	require.Equal(t, "312345000000", obs.Price.String())
	require.Equal(t, int64(1_700_000_000), obs.ObservedAt.Unix())

	// ETH-denominated feeds report 18 decimals.
	wei, _ := new(big.Int).SetString("512000000000000", 10)
	obs, err = decodeAnswerUpdated("DAI/ETH", 18, answerLog(t, wei, 7, 1))
	require.NoError(t, err)
	require.Equal(t, "51200", obs.Price.String())
}

func TestDecodeAnswerUpdatedRejectsNegativeAndRemoved(t *testing.T) {
	neg := answerLog(t, big.NewInt(1), 1, 1)
	neg.Topics[1][0] = 0xff
	_, err := decodeAnswerUpdated("ETH/USD", 8, neg)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	zero := answerLog(t, big.NewInt(0), 1, 1)
	_, err = decodeAnswerUpdated("ETH/USD", 8, zero)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	removed := answerLog(t, big.NewInt(10), 1, 1)
	removed.Removed = true
	_, err = decodeAnswerUpdated("ETH/USD", 8, removed)
	require.Error(t, err)
}

func TestRoundsSkipsMissingData(t *testing.T) {
	c := newClient(&fakeBackend{decimals: 8, rounds: map[uint64]roundData{
		10: {answer: 300_000_000_000, updatedAt: 100},
		12: {answer: 305_000_000_000, updatedAt: 120},
	}})

	out, err := c.Rounds(context.Background(), "ETH/USD", 10, 12)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, uint64(10), out[0].Round)
	require.Equal(t, uint64(12), out[1].Round)
	require.Equal(t, "305000000000", out[1].Price.String())

	latest, err := c.LatestRound(context.Background(), "ETH/USD")
	require.NoError(t, err)
	require.Equal(t, uint64(12), latest)

	_, err = c.Rounds(context.Background(), "BTC/USD", 1, 2)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoundsAtTheTopOfTheRange(t *testing.T) {
	ctx := context.Background()
	c := newClient(&fakeBackend{decimals: 8, rounds: map[uint64]roundData{
		math.MaxUint64 - 2: {answer: 300_000_000_000, updatedAt: 100},
	}})

	out, err := c.Rounds(ctx, "ETH/USD", math.MaxUint64-2, math.MaxUint64)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, uint64(math.MaxUint64-2), out[0].Round)

	out, err = c.Rounds(ctx, "ETH/USD", math.MaxUint64-1, math.MaxUint64)
	require.Error(t, err)
	require.Empty(t, out)

	_, err = c.Rounds(ctx, "ETH/USD", 5, 4)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
