package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/registration"
)

// RegistrationService defines the methods the registration handler requires.
type RegistrationService interface {
	RequestDelegationChallenge(ctx context.Context, owner common.Address) (registration.Challenge, error)
	SubmitRegistration(ctx context.Context, reg registration.Registration) (domain.Authorization, error)
	ConfirmAllowance(ctx context.Context, owner common.Address) (domain.Authorization, error)
	RevokeSigned(ctx context.Context, owner common.Address, signature []byte) ([]domain.Authorization, error)
	List(ctx context.Context, owner common.Address) ([]domain.Authorization, error)
}

// RegistrationHandler serves the challenge, registration, confirmation and
// revocation endpoints.
type RegistrationHandler struct {
	svc    RegistrationService
	logger *slog.Logger
}

func NewRegistrationHandler(svc RegistrationService, logger *slog.Logger) *RegistrationHandler {
	return &RegistrationHandler{svc: svc, logger: logHandler(logger, "registration")}
}

type authorizationView struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	Collateral   string     `json:"collateral"`
	Debt         string     `json:"debt"`
	ThresholdBps int64      `json:"thresholdBps"`
	Threshold    string     `json:"threshold"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ExecutedAt   *time.Time `json:"executedAt,omitempty"`
}

func viewAuthorization(a domain.Authorization) authorizationView {
	return authorizationView{
		ID:           a.ID,
		Owner:        a.Owner.Hex(),
		Collateral:   a.Collateral.Hex(),
		Debt:         a.Debt.Hex(),
		ThresholdBps: a.ThresholdBps,
		Threshold:    decimal.New(a.ThresholdBps, -4).String(),
		Status:       string(a.Status),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
		ExecutedAt:   a.ExecutedAt,
	}
}

func viewAuthorizations(list []domain.Authorization) []authorizationView {
	out := make([]authorizationView, 0, len(list))
	for _, a := range list {
		out = append(out, viewAuthorization(a))
	}
	return out
}

// Challenge issues a delegation challenge for the owner.
// GET /api/challenge?owner=0x...
func (h *RegistrationHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.svc.RequestDelegationChallenge(r.Context(), owner)
	if err != nil {
		writeServiceError(w, r, h.logger, "challenge", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type registerRequest struct {
	Owner        string `json:"owner"`
	Collateral   string `json:"collateral"`
	Debt         string `json:"debt"`
	Threshold    string `json:"threshold,omitempty"`
	ThresholdBps int64  `json:"thresholdBps,omitempty"`
	Signature    string `json:"signature"`
}

// Register stores a signed delegation as a Pending authorization.
// POST /api/registrations
func (h *RegistrationHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reg, err := req.registration()
	if err != nil {
		writeServiceError(w, r, h.logger, "register", err)
		return
	}
	auth, err := h.svc.SubmitRegistration(r.Context(), reg)
	if err != nil {
		writeServiceError(w, r, h.logger, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewAuthorization(auth))
}

func (req registerRequest) registration() (registration.Registration, error) {
	var (
		reg registration.Registration
		err error
	)
	if reg.Owner, err = parseAddress("owner", req.Owner); err != nil {
		return reg, err
	}
	if reg.Collateral, err = parseAddress("collateral", req.Collateral); err != nil {
		return reg, err
	}
	if reg.Debt, err = parseAddress("debt", req.Debt); err != nil {
		return reg, err
	}
	if reg.ThresholdBps, err = thresholdBps(req.Threshold, req.ThresholdBps); err != nil {
		return reg, err
	}
	if reg.Signature, err = parseSignature(req.Signature); err != nil {
		return reg, err
	}
	return reg, nil
}

// thresholdBps accepts either a decimal ratio ("0.8") or basis points. The
// decimal form must be exactly representable in basis points because the
// owner signs the bps value.
func thresholdBps(ratio string, bps int64) (int64, error) {
	if ratio == "" {
		return bps, nil
	}
	d, err := decimal.NewFromString(ratio)
	if err != nil {
		return 0, fmt.Errorf("threshold %q: %v: %w", ratio, err, domain.ErrThresholdInvalid)
	}
	scaled := d.Shift(4)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("threshold %q finer than 1 bps: %w", ratio, domain.ErrThresholdInvalid)
	}
	n := scaled.IntPart()
	if bps != 0 && bps != n {
		return 0, fmt.Errorf("threshold %q disagrees with thresholdBps %d: %w", ratio, bps, domain.ErrInvalidInput)
	}
	return n, nil
}

func parseSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("signature: %v: %w", err, domain.ErrInvalidInput)
	}
	return sig, nil
}

type ownerRequest struct {
	Owner     string `json:"owner"`
	Signature string `json:"signature,omitempty"`
}

// Confirm activates the owner's newest Pending authorization once the
// allowance is in place.
// POST /api/registrations/confirm
func (h *RegistrationHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	auth, err := h.svc.ConfirmAllowance(r.Context(), owner)
	if err != nil {
		writeServiceError(w, r, h.logger, "confirm", err)
		return
	}
	writeJSON(w, http.StatusOK, viewAuthorization(auth))
}

// Revoke withdraws every live authorization of the owner after checking a
// signed revocation.
// POST /api/registrations/revoke
func (h *RegistrationHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	revoked, err := h.svc.RevokeSigned(r.Context(), owner, sig)
	if err != nil {
		writeServiceError(w, r, h.logger, "revoke", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": viewAuthorizations(revoked)})
}

// List returns every authorization the owner has registered.
// GET /api/authorizations?owner=0x...
func (h *RegistrationHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.svc.List(r.Context(), owner)
	if err != nil {
		writeServiceError(w, r, h.logger, "list authorizations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authorizations": viewAuthorizations(list)})
}
