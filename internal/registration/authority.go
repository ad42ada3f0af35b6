// Package registration validates signed delegations, confirms token
// allowances and owns the authorization lifecycle.
package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/crypto"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/metrics"
)

// AllowanceReader reads ERC-20 allowances.
type AllowanceReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Pool reads reserve configuration from the lending pool.
type Pool interface {
	LiquidationThreshold(ctx context.Context, asset common.Address) (int64, error)
	CollateralToken(ctx context.Context, asset common.Address) (common.Address, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// MaxAllowance is 2^256-1, the amount wallets grant for an unlimited approve.
var MaxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Config holds Authority settings.
type Config struct {
	// Domain is the EIP-712 domain. Its VerifyingContract is the rescue
	// contract, which is both the delegate and the allowance spender.
	Domain                crypto.Domain
	ChallengeTTL          time.Duration
	MinAllowance          *big.Int
	AllowancePolls        int
	AllowancePollInterval time.Duration
}

// Option configures optional Authority collaborators.
type Option func(*Authority)

// WithAudit records every lifecycle change in the audit log.
func WithAudit(s domain.AuditStore) Option { return func(a *Authority) { a.audit = s } }

// WithBus publishes authorization changes.
func WithBus(b domain.SignalBus) Option { return func(a *Authority) { a.bus = b } }

// WithMetrics counts lifecycle transitions.
func WithMetrics(m *metrics.Metrics) Option { return func(a *Authority) { a.metrics = m } }

// WithNotifier sets the operator alert sink.
func WithNotifier(n Notifier) Option { return func(a *Authority) { a.notifier = n } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Authority) { a.now = now } }

// WithCancelHook registers fn to run whenever an authorization stops being
// executable (revoked, superseded or expired).
func WithCancelHook(fn func(authorizationID string)) Option {
	return func(a *Authority) { a.onCancel = fn }
}

// Authority is the only writer of authorization records outside the
// execution engine's Executed transition.
type Authority struct {
	cfg        Config
	auths      domain.AuthorizationStore
	challenges domain.ChallengeStore
	tokens     AllowanceReader
	pool       Pool
	assets     domain.Assets
	logger     *slog.Logger

	audit    domain.AuditStore
	bus      domain.SignalBus
	metrics  *metrics.Metrics
	notifier Notifier
	onCancel func(string)
	now      func() time.Time
}

// New creates an Authority.
func New(
	cfg Config,
	auths domain.AuthorizationStore,
	challenges domain.ChallengeStore,
	tokens AllowanceReader,
	pool Pool,
	assets domain.Assets,
	logger *slog.Logger,
	opts ...Option,
) *Authority {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 15 * time.Minute
	}
	if cfg.MinAllowance == nil {
		cfg.MinAllowance = MaxAllowance
	}
	if cfg.AllowancePolls < 1 {
		cfg.AllowancePolls = 1
	}
	a := &Authority{
		cfg:        cfg,
		auths:      auths,
		challenges: challenges,
		tokens:     tokens,
		pool:       pool,
		assets:     assets,
		logger:     logger.With(slog.String("component", "registration")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Challenge is issued to an owner before registration or revocation. Both
// typed messages embed the same nonce; the owner signs whichever action they
// take.
type Challenge struct {
	Owner      common.Address     `json:"owner"`
	Nonce      string             `json:"nonce"`
	ExpiresAt  time.Time          `json:"expiresAt"`
	Delegation apitypes.TypedData `json:"delegation"`
	Revocation apitypes.TypedData `json:"revocation"`
}

// Registration is a signed request to protect one position.
type Registration struct {
	Owner        common.Address
	Collateral   common.Address
	Debt         common.Address
	ThresholdBps int64
	Signature    []byte
}

// RequestDelegationChallenge issues a fresh single-use nonce for owner,
// replacing any outstanding one.
func (a *Authority) RequestDelegationChallenge(ctx context.Context, owner common.Address) (Challenge, error) {
	if owner == (common.Address{}) {
		return Challenge{}, fmt.Errorf("registration: zero owner: %w", domain.ErrInvalidInput)
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return Challenge{}, fmt.Errorf("registration: challenge: %w", err)
	}
	now := a.now().UTC().Truncate(time.Second)
	c := domain.Challenge{Owner: owner, Nonce: nonce, IssuedAt: now, ExpiresAt: now.Add(a.cfg.ChallengeTTL)}
	if err := a.challenges.Put(ctx, c); err != nil {
		return Challenge{}, fmt.Errorf("registration: store challenge: %w", err)
	}

	return Challenge{
		Owner:      owner,
		Nonce:      hexutil.Encode(nonce[:]),
		ExpiresAt:  c.ExpiresAt,
		Delegation: a.cfg.Domain.TypedData(a.delegation(c, common.Address{}, common.Address{}, 0)),
		Revocation: a.cfg.Domain.RevocationTypedData(crypto.Revocation{Owner: owner, Nonce: nonce}),
	}, nil
}

// SubmitRegistration verifies reg against the owner's outstanding challenge
// and stores it as Pending, revoking any earlier live authorization for the
// same position.
func (a *Authority) SubmitRegistration(ctx context.Context, reg Registration) (domain.Authorization, error) {
	if err := a.validate(reg); err != nil {
		return domain.Authorization{}, err
	}

	c, err := a.liveChallenge(ctx, reg.Owner)
	if err != nil {
		return domain.Authorization{}, err
	}
	digest := a.cfg.Domain.Digest(a.delegation(c, reg.Collateral, reg.Debt, reg.ThresholdBps))
	if err := verify(digest, reg.Signature, reg.Owner); err != nil {
		return domain.Authorization{}, err
	}

	liq, err := a.pool.LiquidationThreshold(ctx, reg.Collateral)
	if err != nil {
		return domain.Authorization{}, fmt.Errorf("registration: liquidation threshold: %w", err)
	}
	if liq > 0 && reg.ThresholdBps >= liq {
		return domain.Authorization{}, fmt.Errorf("registration: threshold %d bps not below liquidation threshold %d bps: %w",
			reg.ThresholdBps, liq, domain.ErrThresholdInvalid)
	}

	if err := a.challenges.Consume(ctx, reg.Owner, c.Nonce); err != nil {
		return domain.Authorization{}, fmt.Errorf("registration: %w", err)
	}

	now := a.now().UTC()
	auth := domain.Authorization{
		ID:           uuid.NewString(),
		Owner:        reg.Owner,
		Collateral:   reg.Collateral,
		Debt:         reg.Debt,
		ThresholdBps: reg.ThresholdBps,
		Signature:    append([]byte(nil), reg.Signature...),
		Nonce:        c.Nonce,
		Status:       domain.AuthorizationPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	revoked, err := a.auths.Supersede(ctx, auth)
	if err != nil {
		return domain.Authorization{}, fmt.Errorf("registration: store: %w", err)
	}
	for _, r := range revoked {
		a.cancel(r.ID)
		a.record(ctx, "authorization_superseded", r, map[string]any{"superseded_by": auth.ID})
	}
	a.record(ctx, "authorization_registered", auth, nil)

	a.logger.InfoContext(ctx, "registration accepted",
		slog.String("authorization", auth.ID),
		slog.String("owner", auth.Owner.Hex()),
		slog.Int64("threshold_bps", auth.ThresholdBps),
		slog.Int("superseded", len(revoked)),
	)
	return auth, nil
}

// ConfirmAllowance activates the owner's newest Pending authorization once
// the rescue contract's allowance on the collateral token reaches the
// configured minimum. The allowance is polled to tolerate an approve that
// has not been mined yet.
func (a *Authority) ConfirmAllowance(ctx context.Context, owner common.Address) (domain.Authorization, error) {
	auth, err := a.auths.LatestByStatus(ctx, owner, domain.AuthorizationPending)
	if err != nil {
		return domain.Authorization{}, fmt.Errorf("registration: pending authorization: %w", err)
	}
	token, err := a.pool.CollateralToken(ctx, auth.Collateral)
	if err != nil {
		return domain.Authorization{}, fmt.Errorf("registration: collateral token: %w", err)
	}

	var allowance *big.Int
	for poll := 1; ; poll++ {
		allowance, err = a.tokens.Allowance(ctx, token, owner, a.spender())
		if err != nil {
			return domain.Authorization{}, fmt.Errorf("registration: allowance: %w", err)
		}
		if allowance.Cmp(a.cfg.MinAllowance) >= 0 {
			break
		}
		if poll >= a.cfg.AllowancePolls {
			return auth, fmt.Errorf("registration: allowance %s below %s: %w",
				allowance, a.cfg.MinAllowance, domain.ErrAllowanceInsufficient)
		}
		select {
		case <-ctx.Done():
			return auth, fmt.Errorf("registration: allowance poll: %w", ctx.Err())
		case <-time.After(a.cfg.AllowancePollInterval):
		}
	}

	active, err := a.auths.Transition(ctx, auth.ID, domain.AuthorizationActive, a.now().UTC())
	if err != nil {
		return active, fmt.Errorf("registration: activate: %w", err)
	}
	a.record(ctx, "authorization_activated", active, map[string]any{"allowance": allowance.String()})
	return active, nil
}

// Revoke withdraws every live authorization the owner holds. Revoking an
// owner with nothing live is a no-op.
func (a *Authority) Revoke(ctx context.Context, owner common.Address) ([]domain.Authorization, error) {
	var revoked []domain.Authorization
	for _, status := range []domain.AuthorizationStatus{domain.AuthorizationActive, domain.AuthorizationPending} {
		for {
			auth, err := a.auths.LatestByStatus(ctx, owner, status)
			if errors.Is(err, domain.ErrNotFound) {
				break
			}
			if err != nil {
				return revoked, fmt.Errorf("registration: revoke: %w", err)
			}
			r, err := a.auths.Transition(ctx, auth.ID, domain.AuthorizationRevoked, a.now().UTC())
			if err != nil {
				return revoked, fmt.Errorf("registration: revoke %s: %w", auth.ID, err)
			}
			a.cancel(r.ID)
			a.record(ctx, "authorization_revoked", r, nil)
			revoked = append(revoked, r)
		}
	}
	return revoked, nil
}

// RevokeSigned revokes after checking a Revocation signature over the
// owner's outstanding challenge.
func (a *Authority) RevokeSigned(ctx context.Context, owner common.Address, signature []byte) ([]domain.Authorization, error) {
	c, err := a.liveChallenge(ctx, owner)
	if err != nil {
		return nil, err
	}
	digest := a.cfg.Domain.RevocationDigest(crypto.Revocation{Owner: owner, Nonce: c.Nonce})
	if err := verify(digest, signature, owner); err != nil {
		return nil, err
	}
	if err := a.challenges.Consume(ctx, owner, c.Nonce); err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}
	return a.Revoke(ctx, owner)
}

// AuditAllowances expires Active authorizations whose allowance has been
// withdrawn and returns how many were expired.
func (a *Authority) AuditAllowances(ctx context.Context) (int, error) {
	active, err := a.auths.ListByStatus(ctx, domain.AuthorizationActive)
	if err != nil {
		return 0, fmt.Errorf("registration: audit: %w", err)
	}
	expired := 0
	for _, auth := range active {
		token, err := a.pool.CollateralToken(ctx, auth.Collateral)
		if err != nil {
			a.logger.WarnContext(ctx, "audit: collateral token", slog.String("authorization", auth.ID), slog.String("error", err.Error()))
			continue
		}
		allowance, err := a.tokens.Allowance(ctx, token, auth.Owner, a.spender())
		if err != nil {
			a.logger.WarnContext(ctx, "audit: allowance", slog.String("authorization", auth.ID), slog.String("error", err.Error()))
			continue
		}
		if allowance.Cmp(a.cfg.MinAllowance) >= 0 {
			continue
		}
		e, err := a.auths.Transition(ctx, auth.ID, domain.AuthorizationExpired, a.now().UTC())
		if err != nil {
			// Executed or revoked concurrently.
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			return expired, fmt.Errorf("registration: expire %s: %w", auth.ID, err)
		}
		expired++
		a.cancel(e.ID)
		a.record(ctx, "authorization_expired", e, map[string]any{"allowance": allowance.String()})
		a.alert(ctx, "authorization_expired", "Authorization expired",
			fmt.Sprintf("%s withdrew the allowance for %s; protection %s is off", e.Owner.Hex(), token.Hex(), e.ID))
	}
	return expired, nil
}

// RunAudits calls AuditAllowances every interval until ctx is done.
func (a *Authority) RunAudits(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := a.AuditAllowances(ctx); err != nil {
				a.logger.ErrorContext(ctx, "allowance audit failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "allowance audit expired authorizations", slog.Int("count", n))
			}
		}
	}
}

func (a *Authority) Get(ctx context.Context, id string) (domain.Authorization, error) {
	return a.auths.Get(ctx, id)
}

func (a *Authority) List(ctx context.Context, owner common.Address) ([]domain.Authorization, error) {
	return a.auths.ListByOwner(ctx, owner)
}

// Spender is the address owners approve.
func (a *Authority) Spender() common.Address { return a.spender() }

func (a *Authority) spender() common.Address { return a.cfg.Domain.VerifyingContract }

func (a *Authority) delegation(c domain.Challenge, collateral, debt common.Address, thresholdBps int64) crypto.Delegation {
	return crypto.Delegation{
		Owner:        c.Owner,
		Delegate:     a.spender(),
		Collateral:   collateral,
		Debt:         debt,
		ThresholdBps: thresholdBps,
		Nonce:        c.Nonce,
		IssuedAt:     c.IssuedAt,
	}
}

func (a *Authority) validate(reg Registration) error {
	if reg.Owner == (common.Address{}) {
		return fmt.Errorf("registration: zero owner: %w", domain.ErrInvalidInput)
	}
	if reg.Collateral == reg.Debt {
		return fmt.Errorf("registration: collateral equals debt: %w", domain.ErrInvalidInput)
	}
	if _, ok := a.assets.Lookup(reg.Collateral); !ok {
		return fmt.Errorf("registration: unknown collateral %s: %w", reg.Collateral.Hex(), domain.ErrInvalidInput)
	}
	if _, ok := a.assets.Lookup(reg.Debt); !ok {
		return fmt.Errorf("registration: unknown debt asset %s: %w", reg.Debt.Hex(), domain.ErrInvalidInput)
	}
	if reg.ThresholdBps <= 0 || reg.ThresholdBps >= domain.BasisPoints {
		return fmt.Errorf("registration: threshold %d bps: %w", reg.ThresholdBps, domain.ErrThresholdInvalid)
	}
	return nil
}

func (a *Authority) liveChallenge(ctx context.Context, owner common.Address) (domain.Challenge, error) {
	c, err := a.challenges.Get(ctx, owner)
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("registration: %w", err)
	}
	if c.Expired(a.now()) {
		return domain.Challenge{}, fmt.Errorf("registration: challenge expired at %s: %w", c.ExpiresAt.Format(time.RFC3339), domain.ErrChallengeNotFound)
	}
	return c, nil
}

func verify(digest, signature []byte, owner common.Address) error {
	signer, err := crypto.RecoverSigner(digest, signature)
	if err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	if signer != owner {
		return fmt.Errorf("registration: recovered %s, want %s: %w", signer.Hex(), owner.Hex(), domain.ErrSignatureMismatch)
	}
	return nil
}

func (a *Authority) cancel(id string) {
	if a.onCancel != nil {
		a.onCancel(id)
	}
}

type authorizationEvent struct {
	Event        string `json:"event"`
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	Collateral   string `json:"collateral"`
	Debt         string `json:"debt"`
	ThresholdBps int64  `json:"thresholdBps"`
	Status       string `json:"status"`
	At           int64  `json:"at"`
}

// record writes the audit entry, publishes the change and counts it. Each
// sink is best effort.
func (a *Authority) record(ctx context.Context, event string, auth domain.Authorization, extra map[string]any) {
	a.metrics.ObserveTransition(string(auth.Status))

	if a.audit != nil {
		detail := map[string]any{
			"authorization": auth.ID,
			"owner":         auth.Owner.Hex(),
			"collateral":    auth.Collateral.Hex(),
			"debt":          auth.Debt.Hex(),
			"status":        string(auth.Status),
		}
		for k, v := range extra {
			detail[k] = v
		}
		if err := a.audit.Log(ctx, event, detail); err != nil {
			a.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}

	if a.bus != nil {
		payload, _ := json.Marshal(authorizationEvent{
			Event:        event,
			ID:           auth.ID,
			Owner:        auth.Owner.Hex(),
			Collateral:   auth.Collateral.Hex(),
			Debt:         auth.Debt.Hex(),
			ThresholdBps: auth.ThresholdBps,
			Status:       string(auth.Status),
			At:           auth.UpdatedAt.Unix(),
		})
		if err := a.bus.Publish(ctx, domain.ChannelAuthorization, payload); err != nil {
			a.logger.WarnContext(ctx, "publish authorization event failed", slog.String("error", err.Error()))
		}
	}
}

func (a *Authority) alert(ctx context.Context, event, title, message string) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, event, title, message); err != nil {
		a.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
