// Package chainlink reads price rounds from Chainlink aggregator contracts.
package chainlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/feed"
)

const aggregatorABIJSON = `[
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"int256","name":"current","type":"int256"},{"indexed":true,"internalType":"uint256","name":"roundId","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"updatedAt","type":"uint256"}],"name":"AnswerUpdated","type":"event"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRound","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint80","name":"_roundId","type":"uint80"}],"name":"getRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// Backend is the subset of an Ethereum client the aggregator reader needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ethereum.ContractCaller
	ethereum.LogFilterer
}

// Client serves as a feed.Source over a set of aggregators.
type Client struct {
	backend Backend
	feeds   map[domain.AssetPair]common.Address
	logger  *slog.Logger

	mu       sync.Mutex
	decimals map[common.Address]uint8
}

// New creates a Client for the given pair → aggregator mapping.
func New(backend Backend, feeds map[domain.AssetPair]common.Address, logger *slog.Logger) *Client {
	return &Client{
		backend:  backend,
		feeds:    feeds,
		logger:   logger.With(slog.String("component", "chainlink")),
		decimals: make(map[common.Address]uint8),
	}
}

// Subscribe streams AnswerUpdated events of the pair's aggregator into sink.
// Logs that fail to decode are dropped.
func (c *Client) Subscribe(ctx context.Context, pair domain.AssetPair, sink chan<- domain.PriceObservation) (feed.Subscription, error) {
	agg, err := c.aggregator(pair)
	if err != nil {
		return nil, err
	}
	dec, err := c.aggregatorDecimals(ctx, agg)
	if err != nil {
		return nil, err
	}

	logs := make(chan types.Log, 64)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{agg},
		Topics:    [][]common.Hash{{aggregatorABI.Events["AnswerUpdated"].ID}},
	}
	inner, err := c.backend.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("chainlink: subscribe %s: %w", pair, err)
	}

	sub := &subscription{inner: inner, quit: make(chan struct{})}
	go func() {
		for {
			select {
			case <-sub.quit:
				return
			case <-ctx.Done():
				return
			case lg := <-logs:
				obs, err := decodeAnswerUpdated(pair, dec, lg)
				if err != nil {
					c.logger.Warn("drop aggregator log",
						slog.String("pair", string(pair)),
						slog.String("tx", lg.TxHash.Hex()),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case sink <- obs:
				case <-sub.quit:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// Rounds reads rounds from..to with getRoundData. Rounds the aggregator has
// no data for are skipped.
func (c *Client) Rounds(ctx context.Context, pair domain.AssetPair, from, to uint64) ([]domain.PriceObservation, error) {
	if to < from {
		return nil, fmt.Errorf("chainlink: rounds %d..%d: %w", from, to, domain.ErrInvalidInput)
	}
	agg, err := c.aggregator(pair)
	if err != nil {
		return nil, err
	}
	dec, err := c.aggregatorDecimals(ctx, agg)
	if err != nil {
		return nil, err
	}

	var (
		out      []domain.PriceObservation
		firstErr error
	)
	// Stepping by offset keeps to == math.MaxUint64 from wrapping.
	for i := uint64(0); i <= to-from; i++ {
		r := from + i
		obs, err := c.round(ctx, pair, agg, dec, r)
		if err == nil {
			out = append(out, obs)
		} else {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if firstErr == nil {
				firstErr = err
			}
			c.logger.Debug("skip round", slog.Uint64("round", r), slog.String("error", err.Error()))
		}
		if i == to-from {
			break
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// LatestRound returns the aggregator's newest round identifier.
func (c *Client) LatestRound(ctx context.Context, pair domain.AssetPair) (uint64, error) {
	agg, err := c.aggregator(pair)
	if err != nil {
		return 0, err
	}
	outputs, err := c.call(ctx, agg, "latestRound")
	if err != nil {
		return 0, err
	}
	round, ok := outputs[0].(*big.Int)
	if !ok || !round.IsUint64() {
		return 0, fmt.Errorf("chainlink: latestRound %v: %w", outputs[0], domain.ErrInvalidInput)
	}
	return round.Uint64(), nil
}

func (c *Client) round(ctx context.Context, pair domain.AssetPair, agg common.Address, dec uint8, r uint64) (domain.PriceObservation, error) {
	outputs, err := c.call(ctx, agg, "getRoundData", new(big.Int).SetUint64(r))
	if err != nil {
		return domain.PriceObservation{}, err
	}
	if len(outputs) != 5 {
		return domain.PriceObservation{}, fmt.Errorf("chainlink: getRoundData returned %d values: %w", len(outputs), domain.ErrInvalidInput)
	}
	answer, _ := outputs[1].(*big.Int)
	updatedAt, _ := outputs[3].(*big.Int)
	if updatedAt == nil || updatedAt.Sign() == 0 {
		return domain.PriceObservation{}, fmt.Errorf("chainlink: round %d incomplete: %w", r, domain.ErrNotFound)
	}
	price, err := normalize(answer, dec)
	if err != nil {
		return domain.PriceObservation{}, err
	}
	return domain.PriceObservation{
		Pair:       pair,
		Price:      price,
		Round:      r,
		ObservedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

func (c *Client) call(ctx context.Context, to common.Address, method string, args ...any) ([]any, error) {
	payload, err := aggregatorABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chainlink: pack %s: %w", method, err)
	}
	res, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("chainlink: call %s on %s: %w", method, to.Hex(), err)
	}
	outputs, err := aggregatorABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("chainlink: unpack %s: %w", method, err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("chainlink: empty %s response: %w", method, domain.ErrInvalidInput)
	}
	return outputs, nil
}

func (c *Client) aggregator(pair domain.AssetPair) (common.Address, error) {
	agg, ok := c.feeds[pair]
	if !ok {
		return common.Address{}, fmt.Errorf("chainlink: no aggregator for %s: %w", pair, domain.ErrNotFound)
	}
	return agg, nil
}

func (c *Client) aggregatorDecimals(ctx context.Context, agg common.Address) (uint8, error) {
	c.mu.Lock()
	dec, ok := c.decimals[agg]
	c.mu.Unlock()
	if ok {
		return dec, nil
	}
	outputs, err := c.call(ctx, agg, "decimals")
	if err != nil {
		return 0, err
	}
	dec, ok = outputs[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chainlink: decimals %v: %w", outputs[0], domain.ErrInvalidInput)
	}
	c.mu.Lock()
	c.decimals[agg] = dec
	c.mu.Unlock()
	return dec, nil
}

// decodeAnswerUpdated turns an AnswerUpdated log into an observation. The
// answer and round are indexed topics; updatedAt is the only data word.
func decodeAnswerUpdated(pair domain.AssetPair, dec uint8, lg types.Log) (domain.PriceObservation, error) {
	if lg.Removed {
		return domain.PriceObservation{}, errors.New("chainlink: log removed by reorg")
	}
	if len(lg.Topics) != 3 || lg.Topics[0] != aggregatorABI.Events["AnswerUpdated"].ID {
		return domain.PriceObservation{}, fmt.Errorf("chainlink: unexpected log shape: %w", domain.ErrInvalidInput)
	}
	if lg.Topics[1][0]&0x80 != 0 {
		return domain.PriceObservation{}, fmt.Errorf("chainlink: negative answer: %w", domain.ErrInvalidInput)
	}
	answer := new(big.Int).SetBytes(lg.Topics[1].Bytes())
	round := new(big.Int).SetBytes(lg.Topics[2].Bytes())
	if !round.IsUint64() {
		return domain.PriceObservation{}, fmt.Errorf("chainlink: round %s overflows: %w", round, domain.ErrInvalidInput)
	}

	values, err := aggregatorABI.Unpack("AnswerUpdated", lg.Data)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("chainlink: unpack AnswerUpdated: %w", err)
	}
	updatedAt, ok := values[0].(*big.Int)
	if !ok {
		return domain.PriceObservation{}, fmt.Errorf("chainlink: updatedAt %v: %w", values[0], domain.ErrInvalidInput)
	}

	price, err := normalize(answer, dec)
	if err != nil {
		return domain.PriceObservation{}, err
	}
	return domain.PriceObservation{
		Pair:       pair,
		Price:      price,
		Round:      round.Uint64(),
		ObservedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

// normalize rescales an aggregator answer to domain.PriceDecimals.
func normalize(answer *big.Int, dec uint8) (*big.Int, error) {
	if answer == nil || answer.Sign() <= 0 {
		return nil, fmt.Errorf("chainlink: answer %v: %w", answer, domain.ErrInvalidInput)
	}
	out := new(big.Int).Set(answer)
	switch {
	case dec > domain.PriceDecimals:
		out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dec-domain.PriceDecimals)), nil))
	case dec < domain.PriceDecimals:
		out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(domain.PriceDecimals-dec)), nil))
	}
	if out.Sign() == 0 {
		return nil, fmt.Errorf("chainlink: answer %s below price precision: %w", answer, domain.ErrInvalidInput)
	}
	return out, nil
}

type subscription struct {
	inner ethereum.Subscription
	quit  chan struct{}
	once  sync.Once
}

func (s *subscription) Err() <-chan error { return s.inner.Err() }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.inner.Unsubscribe()
	})
}
