// Package feed turns oracle round updates into an ordered stream of accepted
// price observations, one Listener per asset pair.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/metrics"
)

// Subscription is a live oracle subscription.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Source is the oracle a Listener consumes.
type Source interface {
	// Subscribe delivers every new round for pair into sink until the
	// subscription fails or is unsubscribed.
	Subscribe(ctx context.Context, pair domain.AssetPair, sink chan<- domain.PriceObservation) (Subscription, error)
	// Rounds returns the observations for rounds from..to inclusive.
	Rounds(ctx context.Context, pair domain.AssetPair, from, to uint64) ([]domain.PriceObservation, error)
}

// RoundHead is implemented by sources that can report their newest round. A
// listener uses it to close the gap left by a restart.
type RoundHead interface {
	LatestRound(ctx context.Context, pair domain.AssetPair) (uint64, error)
}

var errSubscriptionClosed = errors.New("feed: subscription closed")

// Config holds reconnection and backfill limits.
type Config struct {
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	MaxBackfillRounds uint64
}

// Option configures optional Listener collaborators.
type Option func(*Listener)

// WithStore persists accepted observations and restores the round gate on start.
func WithStore(s domain.ObservationStore) Option { return func(l *Listener) { l.store = s } }

// WithCache mirrors the latest observation into the shared price cache.
func WithCache(c domain.PriceCache) Option { return func(l *Listener) { l.cache = c } }

// WithBus publishes accepted observations and status changes.
func WithBus(b domain.SignalBus) Option { return func(l *Listener) { l.bus = b } }

// WithMetrics records feed metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(l *Listener) { l.metrics = m } }

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// WithNotifier alerts the operator when the feed degrades or recovers.
func WithNotifier(n Notifier) Option { return func(l *Listener) { l.notifier = n } }

// Listener maintains one oracle subscription and forwards accepted
// observations in strictly increasing round order.
type Listener struct {
	pair   domain.AssetPair
	source Source
	gate   *RoundGate
	out    chan<- domain.PriceObservation
	status chan<- domain.FeedStatus
	cfg    Config
	logger *slog.Logger

	store    domain.ObservationStore
	cache    domain.PriceCache
	bus      domain.SignalBus
	metrics  *metrics.Metrics
	notifier Notifier

	// publishMu serialises live and backfill deliveries so out never sees
	// rounds out of order.
	publishMu sync.Mutex

	mu       sync.RWMutex
	latest   domain.PriceObservation
	degraded bool
}

// NewListener creates a listener for pair. status may be nil.
func NewListener(
	pair domain.AssetPair,
	source Source,
	gate *RoundGate,
	out chan<- domain.PriceObservation,
	status chan<- domain.FeedStatus,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Listener {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 2 * time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 60 * time.Second
	}
	l := &Listener{
		pair:   pair,
		source: source,
		gate:   gate,
		out:    out,
		status: status,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "feed"), slog.String("pair", string(pair))),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Pair returns the asset pair this listener follows.
func (l *Listener) Pair() domain.AssetPair { return l.pair }

// Latest returns the most recently accepted observation, which may be stale
// while the feed is degraded.
func (l *Listener) Latest() (domain.PriceObservation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latest, l.latest.Valid()
}

// Degraded reports whether the subscription is currently down.
func (l *Listener) Degraded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.degraded
}

// Run subscribes and keeps the subscription alive until ctx is cancelled,
// reconnecting with exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	l.restore(ctx)
	l.catchUp(ctx)

	delay := l.cfg.ReconnectMin
	for {
		subscribed, err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			delay = l.cfg.ReconnectMin
		}
		l.setDegraded(ctx, true, err)
		l.metrics.IncReconnect(string(l.pair))
		l.logger.Warn("oracle subscription lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > l.cfg.ReconnectMax {
			delay = l.cfg.ReconnectMax
		}
	}
}

func (l *Listener) session(ctx context.Context) (bool, error) {
	events := make(chan domain.PriceObservation, 64)
	sub, err := l.source.Subscribe(ctx, l.pair, events)
	if err != nil {
		return false, fmt.Errorf("feed: subscribe %s: %w", l.pair, err)
	}
	defer sub.Unsubscribe()
	l.logger.Info("oracle subscription established")

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return true, err
		case obs := <-events:
			if _, err := l.publish(ctx, obs); err != nil {
				return true, err
			}
		}
	}
}

// Backfill queries rounds from..to and merges them through the same round
// gate as live events. Rounds at or below the last accepted round are
// skipped, so the call is idempotent. It returns the number accepted.
func (l *Listener) Backfill(ctx context.Context, from, to uint64) (int, error) {
	if to < from {
		return 0, fmt.Errorf("feed: backfill %d..%d: %w", from, to, domain.ErrInvalidInput)
	}
	// Compared as to-from since the round count overflows for 0..MaxUint64.
	if l.cfg.MaxBackfillRounds > 0 && to-from >= l.cfg.MaxBackfillRounds {
		return 0, fmt.Errorf("feed: backfill of rounds %d..%d exceeds limit %d: %w",
			from, to, l.cfg.MaxBackfillRounds, domain.ErrInvalidInput)
	}

	observations, err := l.source.Rounds(ctx, l.pair, from, to)
	if err != nil {
		return 0, fmt.Errorf("feed: backfill %s %d..%d: %w", l.pair, from, to, err)
	}
	sort.Slice(observations, func(i, j int) bool { return observations[i].Round < observations[j].Round })

	accepted := 0
	for _, obs := range observations {
		ok, err := l.publish(ctx, obs)
		if err != nil {
			return accepted, err
		}
		if ok {
			accepted++
		}
	}
	l.logger.Info("backfill merged",
		slog.Uint64("from", from),
		slog.Uint64("to", to),
		slog.Int("accepted", accepted),
	)
	return accepted, nil
}

// publish admits obs through the gate and fans it out. Discarded rounds are
// not an error.
func (l *Listener) publish(ctx context.Context, obs domain.PriceObservation) (bool, error) {
	if obs.Pair != l.pair {
		return false, nil
	}

	l.publishMu.Lock()
	defer l.publishMu.Unlock()

	if !l.gate.Accept(obs) {
		l.metrics.ObserveDiscarded(string(l.pair))
		l.logger.Debug("discarding non-monotonic round", slog.Uint64("round", obs.Round))
		return false, nil
	}
	l.metrics.ObserveAccepted(string(l.pair), obs.Round)

	l.mu.Lock()
	l.latest = obs
	wasDegraded := l.degraded
	l.mu.Unlock()
	if wasDegraded {
		l.setDegraded(ctx, false, nil)
	}

	l.persist(ctx, obs)

	select {
	case l.out <- obs:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (l *Listener) persist(ctx context.Context, obs domain.PriceObservation) {
	if l.store != nil {
		if err := l.store.Append(ctx, obs); err != nil {
			l.logger.Warn("persist observation failed", slog.String("error", err.Error()))
		}
	}
	if l.cache != nil {
		if err := l.cache.SetObservation(ctx, obs); err != nil {
			l.logger.Warn("cache observation failed", slog.String("error", err.Error()))
		}
	}
	if l.bus != nil {
		payload, _ := json.Marshal(observationEvent{
			Pair:       string(obs.Pair),
			Price:      obs.Price.String(),
			Round:      obs.Round,
			ObservedAt: obs.ObservedAt,
		})
		if err := l.bus.Publish(ctx, domain.ChannelObservation, payload); err != nil {
			l.logger.Debug("publish observation failed", slog.String("error", err.Error()))
		}
	}
}

func (l *Listener) restore(ctx context.Context) {
	if l.store == nil {
		return
	}
	obs, err := l.store.Latest(ctx, l.pair)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			l.logger.Warn("restore last round failed", slog.String("error", err.Error()))
		}
		return
	}
	l.gate.Restore(l.pair, obs.Round)
	l.mu.Lock()
	l.latest = obs
	l.mu.Unlock()
	l.logger.Info("restored last accepted round", slog.Uint64("round", obs.Round))
}

// catchUp backfills the rounds published while the process was down, bounded
// by MaxBackfillRounds.
func (l *Listener) catchUp(ctx context.Context) {
	head, ok := l.source.(RoundHead)
	if !ok {
		return
	}
	last, seen := l.gate.Last(l.pair)
	if !seen {
		return
	}
	latest, err := head.LatestRound(ctx, l.pair)
	if err != nil {
		l.logger.Warn("read latest round failed", slog.String("error", err.Error()))
		return
	}
	if latest <= last {
		return
	}
	from := last + 1
	if limit := l.cfg.MaxBackfillRounds; limit > 0 && latest-from >= limit {
		from = latest - limit + 1
	}
	if _, err := l.Backfill(ctx, from, latest); err != nil {
		l.logger.Warn("catch-up backfill failed", slog.String("error", err.Error()))
	}
}

func (l *Listener) setDegraded(ctx context.Context, degraded bool, cause error) {
	l.mu.Lock()
	changed := l.degraded != degraded
	l.degraded = degraded
	l.mu.Unlock()
	if !changed {
		return
	}

	st := domain.FeedStatus{Pair: l.pair, Degraded: degraded, Since: time.Now().UTC()}
	if cause != nil {
		st.Reason = cause.Error()
	}
	l.metrics.SetFeedDegraded(string(l.pair), degraded)
	if l.bus != nil {
		payload, _ := json.Marshal(st)
		_ = l.bus.Publish(ctx, domain.ChannelFeedStatus, payload)
	}
	if l.notifier != nil {
		event, title := "feed_recovered", "Price feed recovered"
		if degraded {
			event, title = "feed_degraded", "Price feed degraded"
		}
		msg := fmt.Sprintf("%s: %s", l.pair, st.Reason)
		if !degraded {
			msg = string(l.pair) + " is streaming again"
		}
		if err := l.notifier.Notify(ctx, event, title, msg); err != nil {
			l.logger.Warn("alert failed", slog.String("error", err.Error()))
		}
	}
	if l.status == nil {
		return
	}
	select {
	case l.status <- st:
	case <-ctx.Done():
	}
}

type observationEvent struct {
	Pair       string    `json:"pair"`
	Price      string    `json:"price"`
	Round      uint64    `json:"round"`
	ObservedAt time.Time `json:"observed_at"`
}
