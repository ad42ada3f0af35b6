package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// Run executes plans from the planner until ctx is done. At most one plan
// per authorization is queued; a newer round replaces an older queued plan
// and plans for an authorization already in flight wait for it to finish.
// Revocations published on the bus by any process cancel the matching
// queued or unbroadcast plan.
func (e *Engine) Run(ctx context.Context, plans <-chan domain.RescuePlan) error {
	e.mu.Lock()
	e.bg = ctx
	e.mu.Unlock()
	defer e.workers.Wait()

	var changes <-chan []byte
	if e.bus != nil {
		ch, err := e.bus.Subscribe(ctx, domain.ChannelAuthorization)
		if err != nil {
			e.logger.WarnContext(ctx, "subscribe to authorization events failed", slog.String("error", err.Error()))
		} else {
			changes = ch
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case plan, ok := <-plans:
			if !ok {
				return nil
			}
			e.enqueue(plan)
			e.dispatch(ctx)
		case payload, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			e.onAuthorizationEvent(payload)
		case <-e.wake:
			e.dispatch(ctx)
		}
	}
}

type authorizationChange struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (e *Engine) onAuthorizationEvent(payload []byte) {
	var ev authorizationChange
	if err := json.Unmarshal(payload, &ev); err != nil {
		e.logger.Debug("malformed authorization event", slog.String("error", err.Error()))
		return
	}
	switch domain.AuthorizationStatus(ev.Status) {
	case domain.AuthorizationRevoked, domain.AuthorizationExpired:
		e.Cancel(ev.ID)
	}
}

func (e *Engine) enqueue(plan domain.RescuePlan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := plan.AuthorizationID
	if q, ok := e.queued[id]; ok {
		if q.Round >= plan.Round {
			e.logger.Debug("dropping older plan", slog.String("authorization", id), slog.Uint64("round", plan.Round))
			return
		}
		e.queued[id] = plan
		return
	}
	e.queued[id] = plan
	e.order = append(e.order, id)
}

// dispatch starts every queued plan whose authorization is idle, oldest
// first.
func (e *Engine) dispatch(ctx context.Context) {
	e.mu.Lock()
	var ready []domain.RescuePlan
	remaining := e.order[:0]
	for _, id := range e.order {
		plan, ok := e.queued[id]
		if !ok {
			continue
		}
		if _, busy := e.flights[id]; busy || e.blocked[id] {
			remaining = append(remaining, id)
			continue
		}
		delete(e.queued, id)
		ready = append(ready, plan)
	}
	e.order = remaining
	e.mu.Unlock()

	for _, plan := range ready {
		e.workers.Add(1)
		go func(plan domain.RescuePlan) {
			defer e.workers.Done()
			e.runOne(ctx, plan)
		}(plan)
	}
}

func (e *Engine) runOne(ctx context.Context, plan domain.RescuePlan) {
	log := e.logger.With(slog.String("authorization", plan.AuthorizationID), slog.Uint64("round", plan.Round))
	out, err := e.Execute(ctx, plan)
	switch {
	case err == nil:
		log.InfoContext(ctx, "rescue confirmed", slog.String("tx", out.TxHash.Hex()), slog.Int("attempt", out.Attempt))
	case errors.Is(err, domain.ErrAlreadyExecuted), errors.Is(err, domain.ErrNotActive), errors.Is(err, domain.ErrSuperseded):
		log.DebugContext(ctx, "plan skipped", slog.String("reason", err.Error()))
	case errors.Is(err, domain.ErrLockHeld):
		// Another replica holds the authorization. Its outcome reaches us
		// through the attempt store.
		log.InfoContext(ctx, "plan owned elsewhere", slog.String("reason", err.Error()))
	default:
		log.WarnContext(ctx, "rescue attempt failed", slog.String("error", err.Error()))
	}
}
