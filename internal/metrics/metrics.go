// Package metrics exposes the bot's Prometheus collectors. Every method is
// safe to call on a nil receiver so components can run without metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	observations    *prometheus.CounterVec
	lastRound       *prometheus.GaugeVec
	feedDegraded    *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	authorizations  *prometheus.CounterVec
	plans           prometheus.Counter
	quoteFailures   *prometheus.CounterVec
	executions      *prometheus.CounterVec
	inflight        prometheus.Gauge
	cycleDuration   prometheus.Histogram
	confirmDuration prometheus.Histogram
}

var (
	botOnce     sync.Once
	botRegistry *Metrics
)

// Bot returns the process-wide collectors, registering them on first use.
func Bot() *Metrics {
	botOnce.Do(func() {
		botRegistry = &Metrics{
			observations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "protectbot_observations_total",
				Help: "Oracle rounds seen per pair, by outcome (accepted or discarded).",
			}, []string{"pair", "outcome"}),
			lastRound: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "protectbot_feed_last_round",
				Help: "Last accepted oracle round per pair.",
			}, []string{"pair"}),
			feedDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "protectbot_feed_degraded",
				Help: "1 while the pair's subscription is disconnected.",
			}, []string{"pair"}),
			reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "protectbot_feed_reconnects_total",
				Help: "Subscription re-establishment attempts per pair.",
			}, []string{"pair"}),
			authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "protectbot_authorization_transitions_total",
				Help: "Authorization lifecycle transitions by target status.",
			}, []string{"status"}),
			plans: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "protectbot_rescue_plans_total",
				Help: "Rescue plans emitted by the planner.",
			}),
			quoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "protectbot_quote_failures_total",
				Help: "Planning attempts that produced no usable quote, by reason.",
			}, []string{"reason"}),
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "protectbot_executions_total",
				Help: "Rescue execution results by attempt status.",
			}, []string{"status"}),
			inflight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "protectbot_executions_inflight",
				Help: "Rescue executions currently holding a concurrency slot.",
			}),
			cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "protectbot_planner_cycle_seconds",
				Help:    "Time spent evaluating all authorizations for one trigger.",
				Buckets: prometheus.DefBuckets,
			}),
			confirmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "protectbot_confirmation_seconds",
				Help:    "Time from broadcast to a resolved rescue transaction.",
				Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160, 320},
			}),
		}
		prometheus.MustRegister(
			botRegistry.observations,
			botRegistry.lastRound,
			botRegistry.feedDegraded,
			botRegistry.reconnects,
			botRegistry.authorizations,
			botRegistry.plans,
			botRegistry.quoteFailures,
			botRegistry.executions,
			botRegistry.inflight,
			botRegistry.cycleDuration,
			botRegistry.confirmDuration,
		)
	})
	return botRegistry
}

func (m *Metrics) ObserveAccepted(pair string, round uint64) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(pair, "accepted").Inc()
	m.lastRound.WithLabelValues(pair).Set(float64(round))
}

func (m *Metrics) ObserveDiscarded(pair string) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(pair, "discarded").Inc()
}

func (m *Metrics) SetFeedDegraded(pair string, degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	m.feedDegraded.WithLabelValues(pair).Set(v)
}

func (m *Metrics) IncReconnect(pair string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(pair).Inc()
}

func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(status).Inc()
}

func (m *Metrics) IncPlans() {
	if m == nil {
		return
	}
	m.plans.Inc()
}

func (m *Metrics) IncQuoteFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.quoteFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveExecution(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

func (m *Metrics) AddInflight(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}

func (m *Metrics) ObserveCycle(seconds float64) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(seconds)
}

func (m *Metrics) ObserveConfirmation(seconds float64) {
	if m == nil {
		return
	}
	m.confirmDuration.Observe(seconds)
}
