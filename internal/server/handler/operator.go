package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Reconciler resolves unfinished rescue attempts against the chain.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// OperatorHandler serves operator-only maintenance endpoints.
type OperatorHandler struct {
	reconciler Reconciler
	logger     *slog.Logger
}

func NewOperatorHandler(reconciler Reconciler, logger *slog.Logger) *OperatorHandler {
	return &OperatorHandler{reconciler: reconciler, logger: logHandler(logger, "operator")}
}

// Reconcile runs one reconciliation pass.
// POST /api/operator/reconcile
func (h *OperatorHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, err := h.reconciler.Reconcile(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "reconcile", err)
		return
	}
	h.logger.InfoContext(r.Context(), "reconcile triggered",
		slog.Int("resolved", n),
		slog.Duration("took", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, map[string]any{"resolved": n})
}
