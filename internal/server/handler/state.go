package handler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/health"
)

// PositionReader reads a live position and reserve parameters from the
// lending pool.
type PositionReader interface {
	Position(ctx context.Context, owner, collateral, debt common.Address) (domain.Position, error)
	LiquidationThreshold(ctx context.Context, asset common.Address) (int64, error)
}

// PriceBook answers price lookups from the feed listeners or the cache.
type PriceBook interface {
	PriceOf(ctx context.Context, asset domain.Asset) (domain.PriceObservation, bool)
	All(ctx context.Context) []domain.PriceObservation
}

// StateHandler serves position snapshots and prices.
type StateHandler struct {
	pool   PositionReader
	prices PriceBook
	assets domain.Assets
	rescue common.Address
	logger *slog.Logger
}

func NewStateHandler(pool PositionReader, prices PriceBook, assets domain.Assets, rescue common.Address, logger *slog.Logger) *StateHandler {
	return &StateHandler{pool: pool, prices: prices, assets: assets, rescue: rescue, logger: logHandler(logger, "state")}
}

type legView struct {
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
	Raw     string `json:"raw"`
	Price   string `json:"price"`
	Round   uint64 `json:"round"`
}

type stateView struct {
	Owner                   string    `json:"owner"`
	Collateral              legView   `json:"collateral"`
	Debt                    legView   `json:"debt"`
	Ratio                   string    `json:"ratio"`
	RatioWad                string    `json:"ratioWad"`
	LiquidationThresholdBps int64     `json:"liquidationThresholdBps"`
	RescueContract          string    `json:"rescueContract"`
	ReadAt                  time.Time `json:"readAt"`
}

// GetState returns the owner's position with current prices and health ratio.
// GET /api/state?owner=0x...&collateral=0x...&debt=0x...
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner, err := parseAddress("owner", q.Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	coll, err := h.asset("collateral", q.Get("collateral"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	debt, err := h.asset("debt", q.Get("debt"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	collPrice, ok := h.prices.PriceOf(ctx, coll)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no price for "+coll.Symbol)
		return
	}
	debtPrice, ok := h.prices.PriceOf(ctx, debt)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no price for "+debt.Symbol)
		return
	}

	pos, err := h.pool.Position(ctx, owner, coll.Address, debt.Address)
	if err != nil {
		writeServiceError(w, r, h.logger, "read position", err)
		return
	}
	liq, err := h.pool.LiquidationThreshold(ctx, coll.Address)
	if err != nil {
		writeServiceError(w, r, h.logger, "read liquidation threshold", err)
		return
	}
	ratio, err := health.Evaluate(pos, collPrice.Price, debtPrice.Price)
	if err != nil {
		writeServiceError(w, r, h.logger, "evaluate", err)
		return
	}

	writeJSON(w, http.StatusOK, stateView{
		Owner:                   owner.Hex(),
		Collateral:              viewLeg(coll, pos.CollateralAmount, collPrice),
		Debt:                    viewLeg(debt, pos.DebtAmount, debtPrice),
		Ratio:                   ratio.String(),
		RatioWad:                ratio.WadString(),
		LiquidationThresholdBps: liq,
		RescueContract:          h.rescue.Hex(),
		ReadAt:                  pos.ReadAt,
	})
}

type priceView struct {
	Pair       string    `json:"pair"`
	Price      string    `json:"price"`
	Raw        string    `json:"raw"`
	Round      uint64    `json:"round"`
	ObservedAt time.Time `json:"observedAt"`
}

// ListPrices returns the latest accepted observation of every pair.
// GET /api/prices
func (h *StateHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	out := []priceView{}
	for _, obs := range h.prices.All(r.Context()) {
		out = append(out, priceView{
			Pair:       string(obs.Pair),
			Price:      decimal.NewFromBigInt(obs.Price, -domain.PriceDecimals).String(),
			Raw:        obs.Price.String(),
			Round:      obs.Round,
			ObservedAt: obs.ObservedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": out})
}

func (h *StateHandler) asset(field, s string) (domain.Asset, error) {
	addr, err := parseAddress(field, s)
	if err != nil {
		return domain.Asset{}, err
	}
	a, ok := h.assets.Lookup(addr)
	if !ok {
		return domain.Asset{}, fmt.Errorf("%s %s is not a configured asset: %w", field, addr.Hex(), domain.ErrInvalidInput)
	}
	return a, nil
}

func viewLeg(a domain.Asset, amount *big.Int, price domain.PriceObservation) legView {
	if amount == nil {
		amount = new(big.Int)
	}
	return legView{
		Symbol:  a.Symbol,
		Address: a.Address.Hex(),
		Amount:  decimal.NewFromBigInt(amount, -int32(a.Decimals)).String(),
		Raw:     amount.String(),
		Price:   decimal.NewFromBigInt(price.Price, -domain.PriceDecimals).String(),
		Round:   price.Round,
	}
}
