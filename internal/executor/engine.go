// Package executor submits rescue plans to the chain, one in-flight attempt
// per authorization, and records their outcome.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/metrics"
)

// ErrDropped reports a rescue transaction that disappeared from the network
// without being mined.
var ErrDropped = errors.New("executor: rescue transaction dropped")

var errCancelled = errors.New("executor: attempt cancelled before broadcast")

// Ledger submits rescue transactions and reports their status.
type Ledger interface {
	// Submit broadcasts plan. beforeSend is called with the signed hash
	// before broadcast and aborts it by returning an error.
	Submit(ctx context.Context, plan domain.RescuePlan, beforeSend func(common.Hash) error) (common.Hash, error)
	Status(ctx context.Context, tx common.Hash) (domain.TxStatus, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds engine limits.
type Config struct {
	MaxConcurrent       int
	ConfirmPollInterval time.Duration
	// ConfirmRetries bounds polling inside Execute; a still-pending
	// transaction is then watched in the background for
	// ConfirmRetries*BackgroundFactor more polls.
	ConfirmRetries   int
	BackgroundFactor int
	LockTTL          time.Duration
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithLocks serializes attempts for an authorization across processes.
func WithLocks(l domain.LockManager) Option { return func(e *Engine) { e.locks = l } }

// WithNotifier sets the operator alert sink.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithMetrics records execution counters.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithBus publishes attempt outcomes and listens for revocations.
func WithBus(b domain.SignalBus) Option { return func(e *Engine) { e.bus = b } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithBackground bounds background confirmation watches started before Run.
func WithBackground(ctx context.Context) Option { return func(e *Engine) { e.bg = ctx } }

type flight struct {
	cancel    context.CancelFunc
	broadcast bool
}

// Engine executes rescue plans.
type Engine struct {
	cfg      Config
	auths    domain.AuthorizationStore
	attempts domain.AttemptStore
	ledger   Ledger
	logger   *slog.Logger

	locks    domain.LockManager
	notifier Notifier
	metrics  *metrics.Metrics
	bus      domain.SignalBus
	now      func() time.Time

	sem *semaphore.Weighted

	mu        sync.Mutex
	flights   map[string]*flight
	lastRound map[string]uint64
	blocked   map[string]bool // unresolved broadcast being watched or awaiting Reconcile
	queued    map[string]domain.RescuePlan
	order     []string
	wake      chan struct{}

	bg      context.Context
	workers sync.WaitGroup
}

// New creates an Engine.
func New(cfg Config, auths domain.AuthorizationStore, attempts domain.AttemptStore, ledger Ledger, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 4
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 3 * time.Second
	}
	if cfg.ConfirmRetries < 1 {
		cfg.ConfirmRetries = 40
	}
	if cfg.BackgroundFactor < 1 {
		cfg.BackgroundFactor = 10
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	e := &Engine{
		cfg:       cfg,
		auths:     auths,
		attempts:  attempts,
		ledger:    ledger,
		logger:    logger.With(slog.String("component", "executor")),
		now:       time.Now,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		flights:   make(map[string]*flight),
		lastRound: make(map[string]uint64),
		blocked:   make(map[string]bool),
		queued:    make(map[string]domain.RescuePlan),
		wake:      make(chan struct{}, 1),
		bg:        context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute submits plan and waits for its outcome.
//
// An Executed authorization is rejected with ErrAlreadyExecuted before the
// ledger is contacted. An earlier attempt whose outcome is unknown is polled
// first; if it is still pending Execute returns ErrConfirmationTimeout and
// submits nothing. A confirmed revert leaves the authorization Active and
// returns ErrExecutionReverted.
func (e *Engine) Execute(ctx context.Context, plan domain.RescuePlan) (domain.Outcome, error) {
	id := plan.AuthorizationID
	if err := e.checkActive(ctx, id); err != nil {
		return domain.Outcome{}, err
	}

	fctx, release, err := e.begin(ctx, plan)
	if err != nil {
		return domain.Outcome{}, err
	}
	defer release()

	// Revocation may have landed between the first check and registering
	// the flight.
	if err := e.checkActive(ctx, id); err != nil {
		return domain.Outcome{}, err
	}

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "lock:rescue:"+id, e.cfg.LockTTL)
		if err != nil {
			return domain.Outcome{}, fmt.Errorf("executor: lock %s: %w", id, err)
		}
		defer unlock()
	}

	if err := e.settlePrevious(ctx, id); err != nil {
		return domain.Outcome{}, err
	}

	if plan.Quote.Expired(e.now()) {
		return domain.Outcome{}, fmt.Errorf("executor: plan %s: %w", plan.ID, domain.ErrStaleQuote)
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return domain.Outcome{}, fmt.Errorf("executor: concurrency slot: %w", err)
	}
	e.metrics.AddInflight(1)
	defer func() {
		e.metrics.AddInflight(-1)
		e.sem.Release(1)
	}()

	if err := e.stillCurrent(plan); err != nil {
		return domain.Outcome{}, err
	}
	if plan.Quote.Expired(e.now()) {
		return domain.Outcome{}, fmt.Errorf("executor: plan %s: %w", plan.ID, domain.ErrStaleQuote)
	}

	return e.submit(ctx, fctx, plan)
}

// begin registers the in-process flight for plan's authorization.
func (e *Engine) begin(ctx context.Context, plan domain.RescuePlan) (context.Context, func(), error) {
	id := plan.AuthorizationID
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.flights[id]; busy {
		return nil, nil, fmt.Errorf("executor: %s already in flight: %w", id, domain.ErrLockHeld)
	}
	if last, ok := e.lastRound[id]; ok && plan.Round < last {
		return nil, nil, fmt.Errorf("executor: plan round %d older than attempted round %d: %w", plan.Round, last, domain.ErrSuperseded)
	}
	fctx, cancel := context.WithCancel(ctx)
	e.flights[id] = &flight{cancel: cancel}
	return fctx, func() {
		cancel()
		e.mu.Lock()
		delete(e.flights, id)
		e.mu.Unlock()
		e.signal()
	}, nil
}

func (e *Engine) checkActive(ctx context.Context, id string) error {
	auth, err := e.auths.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("executor: authorization %s: %w", id, err)
	}
	switch auth.Status {
	case domain.AuthorizationActive:
		return nil
	case domain.AuthorizationExecuted:
		return fmt.Errorf("executor: %s: %w", id, domain.ErrAlreadyExecuted)
	default:
		return fmt.Errorf("executor: %s is %s: %w", id, auth.Status, domain.ErrNotActive)
	}
}

// stillCurrent rejects plan when a newer round for the same authorization
// has been queued while it waited for a slot.
func (e *Engine) stillCurrent(plan domain.RescuePlan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.queued[plan.AuthorizationID]; ok && q.Round > plan.Round {
		return fmt.Errorf("executor: round %d replaced by %d: %w", plan.Round, q.Round, domain.ErrSuperseded)
	}
	return nil
}

// settlePrevious resolves the latest attempt for id before a new one may
// start.
func (e *Engine) settlePrevious(ctx context.Context, id string) error {
	e.mu.Lock()
	blocked := e.blocked[id]
	e.mu.Unlock()
	if blocked {
		return fmt.Errorf("executor: %s has an unresolved transaction: %w", id, domain.ErrConfirmationTimeout)
	}

	prev, err := e.attempts.Latest(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("executor: latest attempt: %w", err)
	}
	if prev.Status == domain.AttemptSucceeded {
		// The rescue landed but the authorization was never marked.
		if err := e.markExecuted(ctx, prev); err != nil {
			return err
		}
		return fmt.Errorf("executor: %s: %w", id, domain.ErrAlreadyExecuted)
	}
	if prev.Status.Resolved() {
		return nil
	}
	if prev.TxHash == (common.Hash{}) {
		prev.Status = domain.AttemptFailed
		prev.Reason = "abandoned before broadcast"
		prev.UpdatedAt = e.now().UTC()
		return e.attempts.Update(ctx, prev)
	}

	e.logger.InfoContext(ctx, "polling previous attempt", slog.String("authorization", id), slog.String("tx", prev.TxHash.Hex()))
	status := e.poll(ctx, prev.TxHash, e.cfg.ConfirmRetries)
	_, err = e.apply(ctx, prev, status)
	switch {
	case err == nil:
		return fmt.Errorf("executor: %s: %w", id, domain.ErrAlreadyExecuted)
	case errors.Is(err, domain.ErrConfirmationTimeout):
		return err
	default:
		// The previous attempt failed on chain; a new one may proceed.
		return nil
	}
}

func (e *Engine) submit(ctx, fctx context.Context, plan domain.RescuePlan) (domain.Outcome, error) {
	id := plan.AuthorizationID
	now := e.now().UTC()
	attempt, err := e.attempts.Begin(ctx, domain.Attempt{
		AuthorizationID: id,
		PlanID:          plan.ID,
		Round:           plan.Round,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("executor: begin attempt: %w", err)
	}
	e.mu.Lock()
	if plan.Round > e.lastRound[id] {
		e.lastRound[id] = plan.Round
	}
	e.mu.Unlock()

	log := e.logger.With(slog.String("authorization", id), slog.Int("attempt", attempt.Number), slog.Uint64("round", plan.Round))

	hash, err := e.ledger.Submit(fctx, plan, func(h common.Hash) error {
		// Another process may have revoked the authorization while this
		// plan waited for a slot or was being signed.
		if err := e.checkActive(ctx, id); err != nil {
			return fmt.Errorf("%w: %w", errCancelled, err)
		}
		e.mu.Lock()
		f := e.flights[id]
		if fctx.Err() != nil || f == nil {
			e.mu.Unlock()
			return errCancelled
		}
		f.broadcast = true
		e.mu.Unlock()

		submitted := attempt
		submitted.TxHash = h
		submitted.Status = domain.AttemptSubmitted
		submitted.UpdatedAt = e.now().UTC()
		if err := e.attempts.Update(ctx, submitted); err != nil {
			return fmt.Errorf("executor: record submission: %w", err)
		}
		attempt = submitted
		return nil
	})
	if err != nil && attempt.Status != domain.AttemptSubmitted {
		attempt.Status = domain.AttemptFailed
		if errors.Is(err, domain.ErrExecutionReverted) {
			attempt.Status = domain.AttemptReverted
		}
		attempt.Reason = err.Error()
		attempt.UpdatedAt = e.now().UTC()
		if uerr := e.attempts.Update(ctx, attempt); uerr != nil {
			log.ErrorContext(ctx, "record failed attempt", slog.String("error", uerr.Error()))
		}
		e.metrics.ObserveExecution(string(attempt.Status))
		if errors.Is(err, errCancelled) || (fctx.Err() != nil && ctx.Err() == nil) {
			log.InfoContext(ctx, "attempt cancelled before broadcast")
			return domain.Outcome{}, fmt.Errorf("executor: %s: %w", id, domain.ErrNotActive)
		}
		log.WarnContext(ctx, "submission failed", slog.String("error", err.Error()))
		return domain.Outcome{}, err
	}
	if err != nil {
		// Broadcast outcome unknown; the signed hash decides.
		log.WarnContext(ctx, "broadcast error, treating as ambiguous", slog.String("error", err.Error()))
		hash = attempt.TxHash
	}

	start := time.Now()
	status := e.poll(ctx, hash, e.cfg.ConfirmRetries)
	out, err := e.apply(ctx, attempt, status)
	if status != domain.TxPending {
		e.metrics.ObserveConfirmation(time.Since(start).Seconds())
	}
	if errors.Is(err, domain.ErrConfirmationTimeout) {
		e.watch(attempt)
	}
	return out, err
}

// poll queries hash up to retries times. Dropped is only reported on the
// final poll since a fresh broadcast may not have propagated yet.
func (e *Engine) poll(ctx context.Context, hash common.Hash, retries int) domain.TxStatus {
	for i := 0; i < retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return domain.TxPending
			case <-time.After(e.cfg.ConfirmPollInterval):
			}
		}
		status, err := e.ledger.Status(ctx, hash)
		if err != nil {
			e.logger.WarnContext(ctx, "status poll failed", slog.String("tx", hash.Hex()), slog.String("error", err.Error()))
			continue
		}
		switch status {
		case domain.TxSucceeded, domain.TxReverted:
			return status
		case domain.TxDropped:
			if i == retries-1 {
				return status
			}
		}
	}
	return domain.TxPending
}

// apply records the ledger's verdict on attempt.
func (e *Engine) apply(ctx context.Context, attempt domain.Attempt, status domain.TxStatus) (domain.Outcome, error) {
	now := e.now().UTC()
	out := domain.Outcome{AuthorizationID: attempt.AuthorizationID, Attempt: attempt.Number, TxHash: attempt.TxHash}

	switch status {
	case domain.TxPending:
		out.Status = domain.AttemptSubmitted
		return out, fmt.Errorf("executor: %s still pending: %w", attempt.TxHash.Hex(), domain.ErrConfirmationTimeout)
	case domain.TxSucceeded:
		attempt.Status = domain.AttemptSucceeded
	case domain.TxReverted:
		attempt.Status = domain.AttemptReverted
		attempt.Reason = "reverted on chain"
	case domain.TxDropped:
		attempt.Status = domain.AttemptDropped
		attempt.Reason = "dropped from mempool"
	}
	attempt.UpdatedAt = now
	if err := e.attempts.Update(ctx, attempt); err != nil {
		return out, fmt.Errorf("executor: record outcome: %w", err)
	}
	e.mu.Lock()
	delete(e.blocked, attempt.AuthorizationID)
	e.mu.Unlock()
	e.signal()
	e.metrics.ObserveExecution(string(attempt.Status))
	out.Status = attempt.Status
	e.publish(ctx, attempt)

	switch status {
	case domain.TxSucceeded:
		out.ConfirmedAt = now
		if err := e.markExecuted(ctx, attempt); err != nil {
			return out, err
		}
		e.logger.InfoContext(ctx, "rescue executed", slog.String("authorization", attempt.AuthorizationID), slog.String("tx", attempt.TxHash.Hex()))
		e.alert(ctx, "rescue_executed", "Position rescued",
			fmt.Sprintf("authorization %s executed in %s", attempt.AuthorizationID, attempt.TxHash.Hex()))
		return out, nil
	case domain.TxReverted:
		e.alert(ctx, "execution_reverted", "Rescue reverted",
			fmt.Sprintf("authorization %s attempt %d reverted in %s", attempt.AuthorizationID, attempt.Number, attempt.TxHash.Hex()))
		return out, fmt.Errorf("executor: %s: %w", attempt.TxHash.Hex(), domain.ErrExecutionReverted)
	default:
		return out, fmt.Errorf("executor: %s: %w", attempt.TxHash.Hex(), ErrDropped)
	}
}

// markExecuted moves the authorization of a succeeded attempt to Executed.
// An authorization that is already Executed is left alone.
func (e *Engine) markExecuted(ctx context.Context, attempt domain.Attempt) error {
	id := attempt.AuthorizationID
	_, err := e.auths.Transition(ctx, id, domain.AuthorizationExecuted, e.now().UTC())
	if errors.Is(err, domain.ErrInvalidTransition) {
		if auth, gerr := e.auths.Get(ctx, id); gerr == nil && auth.Status == domain.AuthorizationExecuted {
			return nil
		}
	}
	if err != nil {
		e.alert(ctx, "transition_failed", "Rescue confirmed but record not updated",
			fmt.Sprintf("authorization %s tx %s: %v", id, attempt.TxHash.Hex(), err))
		return fmt.Errorf("executor: mark executed: %w", err)
	}
	return nil
}

// watch keeps polling an ambiguous attempt in the background. The
// authorization stays blocked until the ledger answers or Reconcile runs.
func (e *Engine) watch(attempt domain.Attempt) {
	e.mu.Lock()
	if e.blocked[attempt.AuthorizationID] {
		e.mu.Unlock()
		return
	}
	e.blocked[attempt.AuthorizationID] = true
	ctx := e.bg
	e.mu.Unlock()

	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		status := e.poll(ctx, attempt.TxHash, e.cfg.ConfirmRetries*e.cfg.BackgroundFactor)
		if _, err := e.apply(ctx, attempt, status); errors.Is(err, domain.ErrConfirmationTimeout) && ctx.Err() == nil {
			e.alert(ctx, "confirmation_timeout", "Rescue confirmation timed out",
				fmt.Sprintf("authorization %s tx %s is still unconfirmed; blocked until reconciled", attempt.AuthorizationID, attempt.TxHash.Hex()))
		}
	}()
}

// Cancel abandons any queued plan for the authorization and aborts an
// in-flight attempt that has not been broadcast yet. A broadcast
// transaction cannot be recalled; its confirmed effect stands.
func (e *Engine) Cancel(authorizationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.queued, authorizationID)
	if f, ok := e.flights[authorizationID]; ok && !f.broadcast {
		f.cancel()
	}
}

// Inflight reports whether the authorization has a running or unresolved
// execution. A plan that is only queued is not in flight; a newer plan for
// the same authorization replaces it.
func (e *Engine) Inflight(authorizationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, running := e.flights[authorizationID]
	return running || e.blocked[authorizationID]
}

// Reconcile resolves every unresolved attempt against the ledger and returns
// how many were settled. Attempts that are still pending are watched.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	open, err := e.attempts.ListUnresolved(ctx)
	if err != nil {
		return 0, fmt.Errorf("executor: reconcile: %w", err)
	}
	settled := 0
	for _, a := range open {
		if a.TxHash == (common.Hash{}) {
			a.Status = domain.AttemptFailed
			a.Reason = "abandoned before broadcast"
			a.UpdatedAt = e.now().UTC()
			if err := e.attempts.Update(ctx, a); err != nil {
				return settled, fmt.Errorf("executor: reconcile %s/%d: %w", a.AuthorizationID, a.Number, err)
			}
			settled++
			continue
		}
		// One poll is final here, so an unknown hash counts as dropped.
		status := e.poll(ctx, a.TxHash, 1)
		_, err := e.apply(ctx, a, status)
		switch {
		case errors.Is(err, domain.ErrConfirmationTimeout):
			e.mu.Lock()
			delete(e.blocked, a.AuthorizationID)
			e.mu.Unlock()
			e.watch(a)
		case err == nil, errors.Is(err, domain.ErrExecutionReverted), errors.Is(err, ErrDropped):
			settled++
		default:
			return settled, err
		}
		e.logger.InfoContext(ctx, "reconciled attempt",
			slog.String("authorization", a.AuthorizationID),
			slog.Int("attempt", a.Number),
			slog.String("ledger", status.String()),
		)
	}

	n, err := e.reconcileExecuted(ctx)
	return settled + n, err
}

// reconcileExecuted marks Executed every authorization whose latest attempt
// succeeded on chain but whose status was never updated.
func (e *Engine) reconcileExecuted(ctx context.Context) (int, error) {
	settled := 0
	for _, status := range []domain.AuthorizationStatus{domain.AuthorizationActive, domain.AuthorizationRevoked} {
		auths, err := e.auths.ListByStatus(ctx, status)
		if err != nil {
			return settled, fmt.Errorf("executor: reconcile %s authorizations: %w", status, err)
		}
		for _, auth := range auths {
			latest, err := e.attempts.Latest(ctx, auth.ID)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return settled, fmt.Errorf("executor: reconcile %s: %w", auth.ID, err)
			}
			if latest.Status != domain.AttemptSucceeded {
				continue
			}
			if err := e.markExecuted(ctx, latest); err != nil {
				return settled, err
			}
			e.logger.InfoContext(ctx, "marked executed from succeeded attempt",
				slog.String("authorization", auth.ID),
				slog.String("tx", latest.TxHash.Hex()),
			)
			settled++
		}
	}
	return settled, nil
}

// signal nudges the dispatcher to look at the queue again.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

type rescueEvent struct {
	Event           string `json:"event"`
	AuthorizationID string `json:"authorizationId"`
	Attempt         int    `json:"attempt"`
	Round           uint64 `json:"round"`
	TxHash          string `json:"txHash"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	At              int64  `json:"at"`
}

func (e *Engine) publish(ctx context.Context, a domain.Attempt) {
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(rescueEvent{
		Event:           "attempt_resolved",
		AuthorizationID: a.AuthorizationID,
		Attempt:         a.Number,
		Round:           a.Round,
		TxHash:          a.TxHash.Hex(),
		Status:          string(a.Status),
		Reason:          a.Reason,
		At:              a.UpdatedAt.Unix(),
	})
	if err := e.bus.Publish(ctx, domain.ChannelRescue, payload); err != nil {
		e.logger.WarnContext(ctx, "publish outcome failed", slog.String("error", err.Error()))
	}
	if err := e.bus.StreamAppend(ctx, domain.StreamRescue, payload); err != nil {
		e.logger.WarnContext(ctx, "stream outcome failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) alert(ctx context.Context, event, title, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
