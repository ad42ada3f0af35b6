// Package planner decides which protected positions need a rescue and sizes
// a quote-backed plan for each of them.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/health"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/metrics"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/platform/oneinch"
)

// PositionReader snapshots a lending position.
type PositionReader interface {
	Position(ctx context.Context, owner, collateral, debt common.Address) (domain.Position, error)
}

// Quoter returns swap calldata for converting collateral into the debt asset.
type Quoter interface {
	Quote(ctx context.Context, req oneinch.QuoteRequest) (domain.Quote, error)
}

// InflightChecker reports authorizations that already have an execution in
// progress.
type InflightChecker interface {
	Inflight(authorizationID string) bool
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds planning parameters. All bps values use domain.BasisPoints.
type Config struct {
	SafetyMarginBps    int64
	DegradedMarginBps  int64
	PauseWhenDegraded  bool
	SlippageBps        int64
	QuoteTimeout       time.Duration
	QuoteRetries       int
	RetryBudget        int
	ReevaluateInterval time.Duration
	// Taker executes the swap calldata, i.e. the rescue contract.
	Taker common.Address
}

// Option configures optional Planner collaborators.
type Option func(*Planner)

// WithInflight skips authorizations the executor is still working on.
func WithInflight(c InflightChecker) Option { return func(p *Planner) { p.inflight = c } }

// WithNotifier sets the sink for retry-budget alerts.
func WithNotifier(n Notifier) Option { return func(p *Planner) { p.notifier = n } }

// WithMetrics records plan and quote failure counters.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Planner) { p.metrics = m } }

// WithBus publishes emitted plans.
func WithBus(b domain.SignalBus) Option { return func(p *Planner) { p.bus = b } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(p *Planner) { p.now = now } }

// WithPrices seeds the planner with last known observations, e.g. from the
// price cache after a restart.
func WithPrices(obs ...domain.PriceObservation) Option {
	return func(p *Planner) {
		for _, o := range obs {
			if o.Valid() {
				p.prices[o.Pair] = o
			}
		}
	}
}

// Planner turns price observations into rescue plans.
type Planner struct {
	cfg       Config
	auths     domain.AuthorizationStore
	positions PositionReader
	quoter    Quoter
	assets    domain.Assets
	out       chan<- domain.RescuePlan
	logger    *slog.Logger

	inflight InflightChecker
	notifier Notifier
	metrics  *metrics.Metrics
	bus      domain.SignalBus
	now      func() time.Time

	// cycleMu keeps cycles sequential so plans for one authorization leave
	// in round order.
	cycleMu sync.Mutex

	mu       sync.Mutex
	prices   map[domain.AssetPair]domain.PriceObservation
	fresh    map[domain.AssetPair]time.Time
	degraded map[domain.AssetPair]bool
	failures map[string]int
}

// New creates a Planner. Emitted plans are sent on out when it is non-nil.
func New(
	cfg Config,
	auths domain.AuthorizationStore,
	positions PositionReader,
	quoter Quoter,
	assets domain.Assets,
	out chan<- domain.RescuePlan,
	logger *slog.Logger,
	opts ...Option,
) *Planner {
	if cfg.SafetyMarginBps < domain.BasisPoints {
		cfg.SafetyMarginBps = domain.BasisPoints
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 5 * time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	p := &Planner{
		cfg:       cfg,
		auths:     auths,
		positions: positions,
		quoter:    quoter,
		assets:    assets,
		out:       out,
		logger:    logger.With(slog.String("component", "planner")),
		now:       time.Now,
		prices:    make(map[domain.AssetPair]domain.PriceObservation),
		fresh:     make(map[domain.AssetPair]time.Time),
		degraded:  make(map[domain.AssetPair]bool),
		failures:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes observations and feed status changes until ctx is done,
// re-evaluating stale pairs every ReevaluateInterval.
func (p *Planner) Run(ctx context.Context, observations <-chan domain.PriceObservation, statuses <-chan domain.FeedStatus) error {
	var tick <-chan time.Time
	if p.cfg.ReevaluateInterval > 0 {
		ticker := time.NewTicker(p.cfg.ReevaluateInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case obs, ok := <-observations:
			if !ok {
				observations = nil
				continue
			}
			if _, err := p.HandleObservation(ctx, obs); err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "planning cycle failed", slog.String("pair", string(obs.Pair)), slog.String("error", err.Error()))
			}
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			p.HandleStatus(st)
		case <-tick:
			if _, err := p.Reevaluate(ctx); err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "re-evaluation failed", slog.String("error", err.Error()))
			}
		}
	}
}

// HandleStatus records whether a pair's feed is degraded.
func (p *Planner) HandleStatus(st domain.FeedStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.Degraded {
		p.degraded[st.Pair] = true
	} else {
		delete(p.degraded, st.Pair)
	}
}

// HandleObservation records obs and plans rescues for every Active
// authorization priced by its pair.
func (p *Planner) HandleObservation(ctx context.Context, obs domain.PriceObservation) ([]domain.RescuePlan, error) {
	if !obs.Valid() {
		return nil, fmt.Errorf("planner: observation %s/%d: %w", obs.Pair, obs.Round, domain.ErrInvalidInput)
	}
	p.mu.Lock()
	if last, ok := p.prices[obs.Pair]; ok && obs.Round < last.Round {
		p.mu.Unlock()
		return nil, nil
	}
	p.prices[obs.Pair] = obs
	p.fresh[obs.Pair] = p.now()
	delete(p.degraded, obs.Pair)
	p.mu.Unlock()

	return p.cycle(ctx, map[domain.AssetPair]bool{obs.Pair: true})
}

// Reevaluate re-runs planning for pairs that have not produced a fresh
// observation within ReevaluateInterval, using their last known price.
func (p *Planner) Reevaluate(ctx context.Context) ([]domain.RescuePlan, error) {
	now := p.now()
	stale := make(map[domain.AssetPair]bool)
	p.mu.Lock()
	for pair := range p.prices {
		if now.Sub(p.fresh[pair]) >= p.cfg.ReevaluateInterval {
			stale[pair] = true
		}
	}
	p.mu.Unlock()
	if len(stale) == 0 {
		return nil, nil
	}
	p.logger.DebugContext(ctx, "re-evaluating stale pairs", slog.Int("pairs", len(stale)))
	return p.cycle(ctx, stale)
}

type candidate struct {
	auth     domain.Authorization
	pos      domain.Position
	ratio    health.Ratio
	collP    *big.Int
	debtP    *big.Int
	round    uint64
	degraded bool
}

func (p *Planner) cycle(ctx context.Context, pairs map[domain.AssetPair]bool) ([]domain.RescuePlan, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := time.Now()
	defer func() { p.metrics.ObserveCycle(time.Since(start).Seconds()) }()

	active, err := p.auths.ListByStatus(ctx, domain.AuthorizationActive)
	if err != nil {
		return nil, fmt.Errorf("planner: list active: %w", err)
	}

	var atRisk []candidate
	for _, auth := range active {
		c, ok := p.evaluate(ctx, auth, pairs)
		if ok {
			atRisk = append(atRisk, c)
		}
	}
	sort.SliceStable(atRisk, func(i, j int) bool { return atRisk[i].ratio.Less(atRisk[j].ratio) })

	var plans []domain.RescuePlan
	for _, c := range atRisk {
		if p.inflight != nil && p.inflight.Inflight(c.auth.ID) {
			continue
		}
		plan, err := p.plan(ctx, c)
		if err != nil {
			p.recordFailure(ctx, c.auth, err)
			continue
		}
		p.resetFailures(c.auth.ID)
		p.metrics.IncPlans()
		p.publish(ctx, plan)
		plans = append(plans, plan)
		if p.out != nil {
			select {
			case p.out <- plan:
			case <-ctx.Done():
				return plans, ctx.Err()
			}
		}
	}
	return plans, nil
}

// evaluate returns a candidate when auth's position is below its trigger.
func (p *Planner) evaluate(ctx context.Context, auth domain.Authorization, pairs map[domain.AssetPair]bool) (candidate, bool) {
	coll, okC := p.assets.Lookup(auth.Collateral)
	debt, okD := p.assets.Lookup(auth.Debt)
	if !okC || !okD {
		p.logger.WarnContext(ctx, "authorization for unconfigured asset", slog.String("authorization", auth.ID))
		return candidate{}, false
	}
	if !pairs[coll.Pair] && !pairs[debt.Pair] {
		return candidate{}, false
	}

	collObs, okC := p.priceOf(coll)
	debtObs, okD := p.priceOf(debt)
	if !okC || !okD {
		p.logger.DebugContext(ctx, "no price yet", slog.String("authorization", auth.ID))
		return candidate{}, false
	}

	p.mu.Lock()
	degraded := p.degraded[coll.Pair] || p.degraded[debt.Pair]
	p.mu.Unlock()
	margin := p.cfg.SafetyMarginBps
	if degraded {
		if p.cfg.PauseWhenDegraded {
			p.logger.InfoContext(ctx, "feed degraded, trigger paused", slog.String("authorization", auth.ID))
			return candidate{}, false
		}
		margin += p.cfg.DegradedMarginBps
	}

	pos, err := p.positions.Position(ctx, auth.Owner, auth.Collateral, auth.Debt)
	if err != nil {
		p.logger.WarnContext(ctx, "position read failed", slog.String("authorization", auth.ID), slog.String("error", err.Error()))
		return candidate{}, false
	}
	ratio, err := health.Evaluate(pos, collObs.Price, debtObs.Price)
	if err != nil {
		p.logger.WarnContext(ctx, "evaluate failed", slog.String("authorization", auth.ID), slog.String("error", err.Error()))
		return candidate{}, false
	}
	atRisk, err := health.AtRisk(ratio, auth.ThresholdBps, margin)
	if err != nil {
		p.logger.WarnContext(ctx, "trigger invalid", slog.String("authorization", auth.ID), slog.String("error", err.Error()))
		return candidate{}, false
	}
	if !atRisk {
		p.resetFailures(auth.ID)
		return candidate{}, false
	}

	round := collObs.Round
	if coll.PeggedPrice != nil {
		round = debtObs.Round
	}
	p.logger.InfoContext(ctx, "position at risk",
		slog.String("authorization", auth.ID),
		slog.String("ratio", ratio.String()),
		slog.Int64("threshold_bps", auth.ThresholdBps),
		slog.Int64("margin_bps", margin),
	)
	return candidate{auth: auth, pos: pos, ratio: ratio, collP: collObs.Price, debtP: debtObs.Price, round: round, degraded: degraded}, true
}

func (p *Planner) priceOf(asset domain.Asset) (domain.PriceObservation, bool) {
	if asset.PeggedPrice != nil {
		return domain.PriceObservation{Pair: asset.Pair, Price: asset.PeggedPrice}, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	obs, ok := p.prices[asset.Pair]
	return obs, ok
}

// plan sizes the rescue and obtains a fresh quote for it. Any shortfall is
// reported as ErrQuoteUnavailable; no partial rescue is planned.
func (p *Planner) plan(ctx context.Context, c candidate) (domain.RescuePlan, error) {
	input, err := health.RequiredInput(c.pos, c.collP, c.debtP, p.cfg.SlippageBps)
	if err != nil {
		return domain.RescuePlan{}, fmt.Errorf("planner: size: %w", err)
	}
	if input.Cmp(c.pos.CollateralAmount) > 0 {
		input = new(big.Int).Set(c.pos.CollateralAmount)
	}
	if input.Sign() == 0 {
		return domain.RescuePlan{}, fmt.Errorf("planner: no collateral: %w", domain.ErrQuoteUnavailable)
	}

	quote, err := p.quote(ctx, oneinch.QuoteRequest{
		From:        c.auth.Collateral,
		To:          c.auth.Debt,
		Amount:      input,
		Taker:       p.cfg.Taker,
		SlippageBps: p.cfg.SlippageBps,
	})
	if err != nil {
		return domain.RescuePlan{}, err
	}

	now := p.now()
	if quote.Expired(now) {
		return domain.RescuePlan{}, fmt.Errorf("planner: quote expired at %s: %w", quote.ExpiresAt.Format(time.RFC3339), domain.ErrStaleQuote)
	}
	minOut := health.ApplySlippage(quote.ExpectedOutput, p.cfg.SlippageBps)
	if minOut.Cmp(c.pos.DebtAmount) < 0 {
		return domain.RescuePlan{}, fmt.Errorf("planner: min output %s below debt %s: %w", minOut, c.pos.DebtAmount, domain.ErrQuoteUnavailable)
	}

	return domain.RescuePlan{
		ID:              uuid.NewString(),
		AuthorizationID: c.auth.ID,
		Owner:           c.auth.Owner,
		Collateral:      c.auth.Collateral,
		Debt:            c.auth.Debt,
		Signature:       c.auth.Signature,
		CollateralInput: input,
		DebtAmount:      new(big.Int).Set(c.pos.DebtAmount),
		MinOutput:       minOut,
		Quote:           quote,
		Round:           c.round,
		Ratio:           c.ratio.WadString(),
		ComputedAt:      now,
	}, nil
}

func (p *Planner) quote(ctx context.Context, req oneinch.QuoteRequest) (domain.Quote, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.QuoteRetries; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, p.cfg.QuoteTimeout)
		q, err := p.quoter.Quote(qctx, req)
		cancel()
		if err == nil {
			return q, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if errors.Is(lastErr, domain.ErrQuoteUnavailable) {
		return domain.Quote{}, fmt.Errorf("planner: quote: %w", lastErr)
	}
	return domain.Quote{}, fmt.Errorf("planner: quote: %v: %w", lastErr, domain.ErrQuoteUnavailable)
}

// recordFailure counts consecutive planning failures and alerts once when a
// streak reaches the retry budget.
func (p *Planner) recordFailure(ctx context.Context, auth domain.Authorization, err error) {
	reason := "unavailable"
	if errors.Is(err, domain.ErrStaleQuote) {
		reason = "stale"
	}
	p.metrics.IncQuoteFailure(reason)

	p.mu.Lock()
	p.failures[auth.ID]++
	streak := p.failures[auth.ID]
	p.mu.Unlock()

	p.logger.WarnContext(ctx, "no rescue plan this round",
		slog.String("authorization", auth.ID),
		slog.Int("streak", streak),
		slog.String("error", err.Error()),
	)
	if streak != p.cfg.RetryBudget || p.notifier == nil {
		return
	}
	msg := fmt.Sprintf("authorization %s (%s) has had no usable quote for %d consecutive rounds: %v",
		auth.ID, auth.Owner.Hex(), streak, err)
	if nerr := p.notifier.Notify(ctx, "retry_budget_exhausted", "Rescue quote retry budget exhausted", msg); nerr != nil {
		p.logger.WarnContext(ctx, "alert failed", slog.String("error", nerr.Error()))
	}
}

func (p *Planner) resetFailures(id string) {
	p.mu.Lock()
	delete(p.failures, id)
	p.mu.Unlock()
}

// Failures returns the current failure streak for an authorization.
func (p *Planner) Failures(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[id]
}

type planEvent struct {
	Event           string `json:"event"`
	PlanID          string `json:"planId"`
	AuthorizationID string `json:"authorizationId"`
	Round           uint64 `json:"round"`
	Ratio           string `json:"ratio"`
	CollateralInput string `json:"collateralInput"`
	MinOutput       string `json:"minOutput"`
	ExpiresAt       int64  `json:"expiresAt"`
}

func (p *Planner) publish(ctx context.Context, plan domain.RescuePlan) {
	if p.bus == nil {
		return
	}
	payload, _ := json.Marshal(planEvent{
		Event:           "plan_emitted",
		PlanID:          plan.ID,
		AuthorizationID: plan.AuthorizationID,
		Round:           plan.Round,
		Ratio:           plan.Ratio,
		CollateralInput: plan.CollateralInput.String(),
		MinOutput:       plan.MinOutput.String(),
		ExpiresAt:       plan.ExpiresAt().Unix(),
	})
	if err := p.bus.Publish(ctx, domain.ChannelRescue, payload); err != nil {
		p.logger.WarnContext(ctx, "publish plan failed", slog.String("error", err.Error()))
	}
}
