package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/crypto"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/executor"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/feed"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/planner"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/registration"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/server"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/server/handler"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/server/ws"
)

// pipeline holds the channels between the listeners, the planner and the
// engine.
type pipeline struct {
	observations chan domain.PriceObservation
	statuses     chan domain.FeedStatus
	plans        chan domain.RescuePlan
	listeners    []*feed.Listener
}

// RunMode follows the oracles, plans rescues and executes them. Allowance
// audits, the archiver and the HTTP server run alongside.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode", slog.String("operator", deps.Operator.Hex()))

	g, ctx := errgroup.WithContext(ctx)

	engine := a.newEngine(ctx, deps)
	n, err := engine.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("run mode: startup reconcile: %w", err)
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "reconciled attempts left by previous run", slog.Int("count", n))
	}
	authority := a.newAuthority(deps, engine)

	p := a.newPipeline(deps)
	plan := a.newPlanner(ctx, deps, p.plans, planner.WithInflight(engine))

	for _, l := range p.listeners {
		g.Go(func() error { return l.Run(ctx) })
	}
	g.Go(func() error { return plan.Run(ctx, p.observations, p.statuses) })
	g.Go(func() error { return engine.Run(ctx, p.plans) })
	g.Go(func() error { return authority.RunAudits(ctx, a.cfg.Registration.AuditInterval.Duration) })
	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, feed.NewBook(deps.Assets, p.listeners, deps.PriceCache), authority, engine)
	}

	return g.Wait()
}

// MonitorMode follows the oracles and plans rescues without executing them.
// Plans are logged and still published on the bus.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	p := a.newPipeline(deps)
	plan := a.newPlanner(ctx, deps, p.plans)

	for _, l := range p.listeners {
		g.Go(func() error { return l.Run(ctx) })
	}
	g.Go(func() error { return plan.Run(ctx, p.observations, p.statuses) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case rp := <-p.plans:
				a.logger.InfoContext(ctx, "rescue plan (not executed)",
					slog.String("authorization", rp.AuthorizationID),
					slog.String("owner", rp.Owner.Hex()),
					slog.Uint64("round", rp.Round),
					slog.String("ratio", rp.Ratio),
					slog.String("collateral_input", rp.CollateralInput.String()),
					slog.String("min_output", rp.MinOutput.String()),
				)
			}
		}
	})

	if a.cfg.Server.Enabled {
		engine := a.newEngine(ctx, deps)
		authority := a.newAuthority(deps, engine)
		a.startHTTPServer(ctx, g, deps, feed.NewBook(deps.Assets, p.listeners, deps.PriceCache), authority, engine)
	}

	return g.Wait()
}

// ServerMode serves the registration API only. Prices come from the shared
// cache written by a run or monitor instance.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	if deps.PriceCache == nil {
		a.logger.WarnContext(ctx, "no price cache configured; state and price endpoints will report only pegged assets")
	}

	g, ctx := errgroup.WithContext(ctx)
	engine := a.newEngine(ctx, deps)
	authority := a.newAuthority(deps, engine)
	a.startHTTPServer(ctx, g, deps, feed.NewBook(deps.Assets, nil, deps.PriceCache), authority, engine)
	return g.Wait()
}

// ReconcileMode resolves every unfinished attempt against the chain once
// and exits.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")
	n, err := a.newEngine(ctx, deps).Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile mode: %w", err)
	}
	a.logger.InfoContext(ctx, "reconciliation finished", slog.Int("resolved", n))
	return nil
}

func (a *App) newEngine(ctx context.Context, deps *Dependencies) *executor.Engine {
	return executor.New(executor.Config{
		MaxConcurrent:       a.cfg.Executor.MaxConcurrent,
		ConfirmPollInterval: a.cfg.Executor.ConfirmPollInterval.Duration,
		ConfirmRetries:      a.cfg.Executor.ConfirmRetries,
		BackgroundFactor:    a.cfg.Executor.BackgroundFactor,
		LockTTL:             a.cfg.Executor.LockTTL.Duration,
	}, deps.Authorizations, deps.Attempts, deps.Ledger, a.logger,
		executor.WithLocks(deps.LockManager),
		executor.WithNotifier(deps.Notifier),
		executor.WithMetrics(deps.Metrics),
		executor.WithBus(deps.SignalBus),
		executor.WithBackground(ctx),
	)
}

func (a *App) newAuthority(deps *Dependencies, engine *executor.Engine) *registration.Authority {
	// Validate has already rejected a malformed amount.
	minAllowance, _ := a.cfg.Registration.MinAllowanceAmount()
	return registration.New(registration.Config{
		Domain: crypto.Domain{
			Name:              a.cfg.Registration.DomainName,
			Version:           a.cfg.Registration.DomainVersion,
			ChainID:           a.cfg.Chain.ChainID,
			VerifyingContract: deps.Rescue,
		},
		ChallengeTTL:          a.cfg.Registration.ChallengeTTL.Duration,
		MinAllowance:          minAllowance,
		AllowancePolls:        a.cfg.Registration.AllowancePolls,
		AllowancePollInterval: a.cfg.Registration.AllowancePollInterval.Duration,
	}, deps.Authorizations, deps.Challenges, deps.Tokens, deps.Lending, deps.Assets, a.logger,
		registration.WithAudit(deps.Audit),
		registration.WithBus(deps.SignalBus),
		registration.WithMetrics(deps.Metrics),
		registration.WithNotifier(deps.Notifier),
		registration.WithCancelHook(engine.Cancel),
	)
}

// newPipeline creates one listener per oracle-backed pair, all feeding the
// same observation and status channels.
func (a *App) newPipeline(deps *Dependencies) *pipeline {
	p := &pipeline{
		observations: make(chan domain.PriceObservation, 64),
		statuses:     make(chan domain.FeedStatus, 16),
		plans:        make(chan domain.RescuePlan, 32),
	}
	gate := feed.NewRoundGate()
	cfg := feed.Config{
		ReconnectMin:      a.cfg.Feed.ReconnectMin.Duration,
		ReconnectMax:      a.cfg.Feed.ReconnectMax.Duration,
		MaxBackfillRounds: a.cfg.Feed.MaxBackfillRounds,
	}
	opts := []feed.Option{
		feed.WithStore(deps.Observations),
		feed.WithBus(deps.SignalBus),
		feed.WithMetrics(deps.Metrics),
		feed.WithNotifier(deps.Notifier),
	}
	if deps.PriceCache != nil {
		opts = append(opts, feed.WithCache(deps.PriceCache))
	}
	for pair := range deps.Assets.Pairs() {
		p.listeners = append(p.listeners,
			feed.NewListener(pair, deps.Oracle, gate, p.observations, p.statuses, cfg, a.logger, opts...))
	}
	return p
}

// newPlanner seeds the planner with the last stored round of every pair so
// a restart does not wait for fresh rounds before evaluating.
func (a *App) newPlanner(ctx context.Context, deps *Dependencies, plans chan<- domain.RescuePlan, extra ...planner.Option) *planner.Planner {
	var seed []domain.PriceObservation
	for pair := range deps.Assets.Pairs() {
		obs, err := deps.Observations.Latest(ctx, pair)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				a.logger.WarnContext(ctx, "load last observation failed",
					slog.String("pair", string(pair)),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		seed = append(seed, obs)
	}

	opts := []planner.Option{
		planner.WithNotifier(deps.Notifier),
		planner.WithMetrics(deps.Metrics),
		planner.WithBus(deps.SignalBus),
		planner.WithPrices(seed...),
	}
	opts = append(opts, extra...)
	return planner.New(planner.Config{
		SafetyMarginBps:    a.cfg.Planner.SafetyMarginBps,
		DegradedMarginBps:  a.cfg.Planner.DegradedMarginBps,
		PauseWhenDegraded:  a.cfg.Planner.PauseWhenDegraded,
		SlippageBps:        a.cfg.Planner.SlippageBps,
		QuoteTimeout:       a.cfg.Planner.QuoteTimeout.Duration,
		QuoteRetries:       a.cfg.Planner.QuoteRetries,
		RetryBudget:        a.cfg.Planner.RetryBudget,
		ReevaluateInterval: a.cfg.Planner.ReevaluateInterval.Duration,
		Taker:              deps.Rescue,
	}, deps.Authorizations, deps.Lending, deps.Quoter, deps.Assets, plans, a.logger, opts...)
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	g.Go(func() error {
		return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration, a.cfg.Archive.Retention.Duration)
	})
}

// startHTTPServer adds the API server and the WebSocket hub to the errgroup.
// The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	book *feed.Book,
	authority *registration.Authority,
	engine *executor.Engine,
) {
	mode := a.cfg.Mode
	hub := ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, func() any {
		return map[string]any{
			"mode":      mode,
			"startedAt": a.startedAt,
			"feeds":     book.Statuses(),
		}
	}, a.logger)

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:       handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:       handler.NewStatusHandler(mode, a.startedAt, book),
		Registration: handler.NewRegistrationHandler(authority, a.logger),
		State:        handler.NewStateHandler(deps.Lending, book, deps.Assets, deps.Rescue, a.logger),
		Operator:     handler.NewOperatorHandler(engine, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
}
