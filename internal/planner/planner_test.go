package planner

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/platform/oneinch"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/store/memory"
)

var (
	weth    = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai     = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	rescuer = common.HexToAddress("0x9999999999999999999999999999999999999999")
	alice   = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	bob     = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
	assets  = domain.Assets{
		weth: {Symbol: "WETH", Address: weth, Decimals: 18, Pair: "ETH/USD"},
		dai:  {Symbol: "DAI", Address: dai, Decimals: 18, Pair: "DAI/USD", PeggedPrice: big.NewInt(100_000_000)},
	}
	epoch = time.Unix(1_700_000_000, 0)
)

func ether(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18)) }

func usd(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000)) }

func ethAt(price int64, round uint64) domain.PriceObservation {
	return domain.PriceObservation{Pair: "ETH/USD", Price: usd(price), Round: round, ObservedAt: epoch}
}

type fakePositions struct {
	mu    sync.Mutex
	debts map[common.Address]*big.Int
}

func (f *fakePositions) setDebt(owner common.Address, debt *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debts[owner] = debt
}

// Position reports 1 WETH of collateral against the owner's DAI debt.
func (f *fakePositions) Position(_ context.Context, owner, collateral, debt common.Address) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.Position{
		Owner: owner, CollateralAsset: collateral, CollateralDecimals: 18, CollateralAmount: ether(1),
		DebtAsset: debt, DebtDecimals: 18, DebtAmount: new(big.Int).Set(f.debts[owner]),
	}, nil
}

// fakeQuoter converts at a fixed ETH price unless fail is set. Quotes are
// stamped by now and stay valid for ttl.
type fakeQuoter struct {
	mu       sync.Mutex
	price    int64
	fail     int
	haircut  bool
	now      func() time.Time
	ttl      time.Duration
	requests []oneinch.QuoteRequest
}

func (f *fakeQuoter) Quote(_ context.Context, req oneinch.QuoteRequest) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.fail > 0 {
		f.fail--
		return domain.Quote{}, domain.ErrQuoteUnavailable
	}
	out := new(big.Int).Mul(req.Amount, big.NewInt(f.price))
	if f.haircut {
		out.Mul(out, big.NewInt(98)).Quo(out, big.NewInt(100))
	}
	return domain.Quote{
		From: req.From, To: req.To, InputAmount: req.Amount, ExpectedOutput: out,
		Router: common.HexToAddress("0x1111111254fb6c44bAC0beD2854e76F90643097d"), Payload: []byte{0x12, 0xaa, 0x3c, 0xaf},
		FetchedAt: f.now(), ExpiresAt: f.now().Add(f.ttl),
	}, nil
}

type fakeNotifier struct{ events []string }

func (f *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	f.events = append(f.events, event)
	return nil
}

type fakeInflight map[string]bool

func (f fakeInflight) Inflight(id string) bool { return f[id] }

type harness struct {
	planner   *Planner
	positions *fakePositions
	quoter    *fakeQuoter
	notifier  *fakeNotifier
	clock     time.Time
}

func newHarness(t *testing.T, cfg Config, owners map[common.Address]string, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	auths := memory.NewAuthorizationStore()
	for owner, id := range owners {
		_, err := auths.Supersede(ctx, domain.Authorization{ID: id, Owner: owner, Collateral: weth, Debt: dai, ThresholdBps: 8333, CreatedAt: epoch})
		require.NoError(t, err)
		_, err = auths.Transition(ctx, id, domain.AuthorizationActive, epoch)
		require.NoError(t, err)
	}
	h := &harness{
		positions: &fakePositions{debts: map[common.Address]*big.Int{}},
		quoter:    &fakeQuoter{price: 110, ttl: 30 * time.Second},
		notifier:  &fakeNotifier{},
		clock:     epoch,
	}
	h.quoter.now = func() time.Time { return h.clock }
	for owner := range owners {
		h.positions.setDebt(owner, ether(100))
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 50
	}
	cfg.Taker = rescuer
	opts = append([]Option{WithNotifier(h.notifier), WithClock(func() time.Time { return h.clock })}, opts...)
	h.planner = New(cfg, auths, h.positions, h.quoter, assets, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	return h
}

func TestHealthyPositionEmitsNoPlan(t *testing.T) {
	h := newHarness(t, Config{}, map[common.Address]string{alice: "a"})
	plans, err := h.planner.HandleObservation(context.Background(), ethAt(150, 5))
	require.NoError(t, err)
	require.Empty(t, plans)
	require.Empty(t, h.quoter.requests)
}

func TestAtRiskPositionEmitsCoveringPlan(t *testing.T) {
	h := newHarness(t, Config{}, map[common.Address]string{alice: "a"})
	plans, err := h.planner.HandleObservation(context.Background(), ethAt(110, 6))
	require.NoError(t, err)
	require.Len(t, plans, 1)

	plan := plans[0]
	require.Equal(t, "a", plan.AuthorizationID)
	require.Equal(t, uint64(6), plan.Round)
	require.Equal(t, "913659205116491549", plan.CollateralInput.String())
	require.Equal(t, ether(100).String(), plan.DebtAmount.String())
	require.GreaterOrEqual(t, plan.MinOutput.Cmp(ether(100)), 0)
	require.Equal(t, "1100000000000000000", plan.Ratio)

	require.Len(t, h.quoter.requests, 1)
	req := h.quoter.requests[0]
	require.Equal(t, weth, req.From)
	require.Equal(t, dai, req.To)
	require.Equal(t, rescuer, req.Taker)
	require.Equal(t, int64(50), req.SlippageBps)
}

func TestQuoteFailureDoesNotBlockNextRound(t *testing.T) {
	h := newHarness(t, Config{}, map[common.Address]string{alice: "a"})
	h.quoter.fail = 1

	plans, err := h.planner.HandleObservation(context.Background(), ethAt(110, 7))
	require.NoError(t, err)
	require.Empty(t, plans)
	require.Equal(t, 1, h.planner.Failures("a"))

	plans, err = h.planner.HandleObservation(context.Background(), ethAt(110, 8))
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Equal(t, uint64(8), plans[0].Round)
	require.Zero(t, h.planner.Failures("a"))
	require.Len(t, h.quoter.requests, 2)
}

func TestQuoteRetriesWithinRound(t *testing.T) {
	h := newHarness(t, Config{QuoteRetries: 2}, map[common.Address]string{alice: "a"})
	h.quoter.fail = 2
	plans, err := h.planner.HandleObservation(context.Background(), ethAt(110, 7))
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Len(t, h.quoter.requests, 3)
}

func TestInsufficientOutputIsQuoteUnavailable(t *testing.T) {
	h := newHarness(t, Config{RetryBudget: 2}, map[common.Address]string{alice: "a"})
	h.quoter.haircut = true

	for round := uint64(10); round < 13; round++ {
		plans, err := h.planner.HandleObservation(context.Background(), ethAt(110, round))
		require.NoError(t, err)
		require.Empty(t, plans)
	}
	require.Equal(t, 3, h.planner.Failures("a"))
	require.Equal(t, []string{"retry_budget_exhausted"}, h.notifier.events)
}

func TestMostAtRiskFirst(t *testing.T) {
	h := newHarness(t, Config{}, map[common.Address]string{alice: "a", bob: "b"})
	h.positions.setDebt(alice, ether(95))
	h.positions.setDebt(bob, ether(105))

	plans, err := h.planner.HandleObservation(context.Background(), ethAt(110, 9))
	require.NoError(t, err)
	require.Len(t, plans, 2)
	require.Equal(t, "b", plans[0].AuthorizationID)
	require.Equal(t, "a", plans[1].AuthorizationID)
}

func TestInflightAuthorizationIsSkipped(t *testing.T) {
	h := newHarness(t, Config{}, map[common.Address]string{alice: "a"}, WithInflight(fakeInflight{"a": true}))
	plans, err := h.planner.HandleObservation(context.Background(), ethAt(110, 9))
	require.NoError(t, err)
	require.Empty(t, plans)
	require.Empty(t, h.quoter.requests)
}

func TestDegradedFeed(t *testing.T) {
	ctx := context.Background()

	t.Run("widens the margin", func(t *testing.T) {
		h := newHarness(t, Config{DegradedMarginBps: 500, ReevaluateInterval: time.Minute}, map[common.Address]string{alice: "a"})
		h.positions.setDebt(alice, ether(120)) // ratio 1.25 at $150
		plans, err := h.planner.HandleObservation(ctx, ethAt(150, 1))
		require.NoError(t, err)
		require.Empty(t, plans)

		h.planner.HandleStatus(domain.FeedStatus{Pair: "ETH/USD", Degraded: true})
		h.clock = h.clock.Add(2 * time.Minute)
		h.quoter.price = 150
		plans, err = h.planner.Reevaluate(ctx)
		require.NoError(t, err)
		require.Len(t, plans, 1)
		require.Equal(t, uint64(1), plans[0].Round)
	})

	t.Run("pauses triggering", func(t *testing.T) {
		h := newHarness(t, Config{PauseWhenDegraded: true, ReevaluateInterval: time.Minute}, map[common.Address]string{alice: "a"})
		_, err := h.planner.HandleObservation(ctx, ethAt(150, 1))
		require.NoError(t, err)

		h.planner.HandleStatus(domain.FeedStatus{Pair: "ETH/USD", Degraded: true})
		h.positions.setDebt(alice, ether(130))
		h.clock = h.clock.Add(2 * time.Minute)
		plans, err := h.planner.Reevaluate(ctx)
		require.NoError(t, err)
		require.Empty(t, plans)

		h.planner.HandleStatus(domain.FeedStatus{Pair: "ETH/USD"})
		h.quoter.price = 150
		plans, err = h.planner.Reevaluate(ctx)
		require.NoError(t, err)
		require.Len(t, plans, 1)
	})
}

func TestExpiredQuoteIsStale(t *testing.T) {
	h := newHarness(t, Config{}, map[common.Address]string{alice: "a"})
	h.quoter.ttl = 0
	plans, err := h.planner.HandleObservation(context.Background(), ethAt(110, 4))
	require.NoError(t, err)
	require.Empty(t, plans)
	require.Len(t, h.quoter.requests, 1)
	require.Equal(t, 1, h.planner.Failures("a"))
}

func TestReevaluateSkipsFreshPairs(t *testing.T) {
	h := newHarness(t, Config{ReevaluateInterval: time.Minute}, map[common.Address]string{alice: "a"})
	_, err := h.planner.HandleObservation(context.Background(), ethAt(150, 1))
	require.NoError(t, err)

	h.positions.setDebt(alice, ether(130))
	h.clock = h.clock.Add(30 * time.Second)
	plans, err := h.planner.Reevaluate(context.Background())
	require.NoError(t, err)
	require.Empty(t, plans)
	require.Empty(t, h.quoter.requests)
}

func TestRunForwardsPlans(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan domain.RescuePlan, 1)
	h := newHarness(t, Config{}, map[common.Address]string{alice: "a"})
	h.planner.out = out

	obs := make(chan domain.PriceObservation, 1)
	done := make(chan error, 1)
	go func() { done <- h.planner.Run(ctx, obs, nil) }()

	obs <- ethAt(110, 3)
	select {
	case plan := <-out:
		require.Equal(t, "a", plan.AuthorizationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no plan forwarded")
	}
	cancel()
	require.NoError(t, <-done)
}
