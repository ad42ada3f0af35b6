package handler

import (
	"net/http"
	"time"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// FeedReporter lists the connectivity of the followed price feeds.
type FeedReporter interface {
	Statuses() []domain.FeedStatus
}

// StatusHandler serves the bot's mode, uptime and feed connectivity.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	feeds     FeedReporter
}

// NewStatusHandler creates a StatusHandler. feeds may be nil in server mode.
func NewStatusHandler(mode string, startedAt time.Time, feeds FeedReporter) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, feeds: feeds}
}

type feedStatusView struct {
	Pair     string `json:"pair"`
	Degraded bool   `json:"degraded"`
}

// GetStatus responds with the current mode, uptime and feed status per pair.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	feeds := []feedStatusView{}
	if h.feeds != nil {
		for _, st := range h.feeds.Statuses() {
			feeds = append(feeds, feedStatusView{Pair: string(st.Pair), Degraded: st.Degraded})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"feeds":          feeds,
	})
}
