package registration

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/crypto"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/store/memory"
)

const (
	ownerKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	strangerKey = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
)

var (
	weth    = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	aweth   = common.HexToAddress("0x030bA81f1c18d280636F32af80b9AAd02Cf0854e")
	dai     = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	rescuer = common.HexToAddress("0x9999999999999999999999999999999999999999")
	assets  = domain.Assets{
		weth: {Symbol: "WETH", Address: weth, Decimals: 18, Pair: "ETH/USD"},
		dai:  {Symbol: "DAI", Address: dai, Decimals: 18, Pair: "DAI/USD"},
	}
)

type fakeTokens struct {
	mu        sync.Mutex
	allowance map[common.Address]*big.Int
	calls     int
}

func (f *fakeTokens) set(owner common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowance[owner] = v
}

func (f *fakeTokens) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if token != aweth || spender != rescuer {
		return big.NewInt(0), nil
	}
	if v, ok := f.allowance[owner]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

type fakePool struct{}

func (fakePool) LiquidationThreshold(context.Context, common.Address) (int64, error) {
	return 8250, nil
}

func (fakePool) CollateralToken(context.Context, common.Address) (common.Address, error) {
	return aweth, nil
}

type harness struct {
	authority  *Authority
	auths      *memory.AuthorizationStore
	challenges *memory.ChallengeStore
	audit      *memory.AuditStore
	tokens     *fakeTokens
	owner      *crypto.Signer
	clock      time.Time
	cancelled  []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	owner, err := crypto.NewSigner(ownerKey)
	require.NoError(t, err)
	h := &harness{
		auths:      memory.NewAuthorizationStore(),
		challenges: memory.NewChallengeStore(),
		audit:      memory.NewAuditStore(),
		tokens:     &fakeTokens{allowance: map[common.Address]*big.Int{}},
		owner:      owner,
		clock:      time.Unix(1_700_000_000, 0),
	}
	cfg := Config{
		Domain:         crypto.Domain{Name: "AAVE Liquidation Protection", Version: "1", ChainID: 1, VerifyingContract: rescuer},
		ChallengeTTL:   15 * time.Minute,
		AllowancePolls: 1,
	}
	h.authority = New(cfg, h.auths, h.challenges, h.tokens, fakePool{}, assets,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithAudit(h.audit),
		WithClock(func() time.Time { return h.clock }),
		WithCancelHook(func(id string) { h.cancelled = append(h.cancelled, id) }),
	)
	return h
}

// signed requests a challenge and signs a delegation for threshold bps.
func (h *harness) signed(t *testing.T, signer *crypto.Signer, thresholdBps int64) Registration {
	t.Helper()
	ctx := context.Background()
	_, err := h.authority.RequestDelegationChallenge(ctx, h.owner.Address())
	require.NoError(t, err)
	c, err := h.challenges.Get(ctx, h.owner.Address())
	require.NoError(t, err)

	digest := h.authority.cfg.Domain.Digest(crypto.Delegation{
		Owner: h.owner.Address(), Delegate: rescuer, Collateral: weth, Debt: dai,
		ThresholdBps: thresholdBps, Nonce: c.Nonce, IssuedAt: c.IssuedAt,
	})
	sig, err := signer.SignDigest(digest)
	require.NoError(t, err)
	return Registration{Owner: h.owner.Address(), Collateral: weth, Debt: dai, ThresholdBps: thresholdBps, Signature: sig}
}

func TestRegisterAndConfirm(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	auth, err := h.authority.SubmitRegistration(ctx, h.signed(t, h.owner, 8000))
	require.NoError(t, err)
	require.Equal(t, domain.AuthorizationPending, auth.Status)

	h.tokens.set(h.owner.Address(), big.NewInt(1_000_000))
	got, err := h.authority.ConfirmAllowance(ctx, h.owner.Address())
	require.ErrorIs(t, err, domain.ErrAllowanceInsufficient)
	require.Equal(t, domain.AuthorizationPending, got.Status)

	h.tokens.set(h.owner.Address(), MaxAllowance)
	active, err := h.authority.ConfirmAllowance(ctx, h.owner.Address())
	require.NoError(t, err)
	require.Equal(t, domain.AuthorizationActive, active.Status)
	require.Equal(t, auth.ID, active.ID)

	require.Equal(t, []string{"authorization_registered", "authorization_activated"}, h.audit.Events())
}

func TestConfirmAllowancePollsUntilApproveLands(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.authority.cfg.AllowancePolls = 1000
	h.authority.cfg.AllowancePollInterval = time.Millisecond

	_, err := h.authority.SubmitRegistration(ctx, h.signed(t, h.owner, 8000))
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		h.tokens.set(h.owner.Address(), MaxAllowance)
	}()
	active, err := h.authority.ConfirmAllowance(ctx, h.owner.Address())
	require.NoError(t, err)
	require.Equal(t, domain.AuthorizationActive, active.Status)
	h.tokens.mu.Lock()
	defer h.tokens.mu.Unlock()
	require.Greater(t, h.tokens.calls, 1)
}

func TestSubmitRegistrationRejections(t *testing.T) {
	ctx := context.Background()
	stranger, err := crypto.NewSigner(strangerKey)
	require.NoError(t, err)

	t.Run("foreign signer", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.authority.SubmitRegistration(ctx, h.signed(t, stranger, 8000))
		require.ErrorIs(t, err, domain.ErrSignatureMismatch)
	})
	t.Run("threshold differs from signed", func(t *testing.T) {
		h := newHarness(t)
		reg := h.signed(t, h.owner, 8000)
		reg.ThresholdBps = 7000
		_, err := h.authority.SubmitRegistration(ctx, reg)
		require.ErrorIs(t, err, domain.ErrSignatureMismatch)
	})
	t.Run("threshold out of range", func(t *testing.T) {
		h := newHarness(t)
		for _, bps := range []int64{0, -1, domain.BasisPoints, 12_000} {
			_, err := h.authority.SubmitRegistration(ctx, h.signed(t, h.owner, bps))
			require.ErrorIs(t, err, domain.ErrThresholdInvalid, "bps %d", bps)
		}
	})
	t.Run("threshold at or above liquidation threshold", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.authority.SubmitRegistration(ctx, h.signed(t, h.owner, 8250))
		require.ErrorIs(t, err, domain.ErrThresholdInvalid)
	})
	t.Run("unknown asset", func(t *testing.T) {
		h := newHarness(t)
		reg := h.signed(t, h.owner, 8000)
		reg.Debt = common.HexToAddress("0x01")
		_, err := h.authority.SubmitRegistration(ctx, reg)
		require.ErrorIs(t, err, domain.ErrInvalidInput)
	})
	t.Run("no challenge", func(t *testing.T) {
		h := newHarness(t)
		reg := h.signed(t, h.owner, 8000)
		require.NoError(t, h.challenges.Consume(ctx, reg.Owner, mustChallenge(t, h).Nonce))
		_, err := h.authority.SubmitRegistration(ctx, reg)
		require.ErrorIs(t, err, domain.ErrChallengeNotFound)
	})
	t.Run("expired challenge", func(t *testing.T) {
		h := newHarness(t)
		reg := h.signed(t, h.owner, 8000)
		h.clock = h.clock.Add(16 * time.Minute)
		_, err := h.authority.SubmitRegistration(ctx, reg)
		require.ErrorIs(t, err, domain.ErrChallengeNotFound)
	})
	t.Run("replayed signature", func(t *testing.T) {
		h := newHarness(t)
		reg := h.signed(t, h.owner, 8000)
		_, err := h.authority.SubmitRegistration(ctx, reg)
		require.NoError(t, err)
		_, err = h.authority.SubmitRegistration(ctx, reg)
		require.ErrorIs(t, err, domain.ErrChallengeNotFound)
	})
}

func mustChallenge(t *testing.T, h *harness) domain.Challenge {
	t.Helper()
	c, err := h.challenges.Get(context.Background(), h.owner.Address())
	require.NoError(t, err)
	return c
}

func TestSecondRegistrationSupersedesActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.tokens.set(h.owner.Address(), MaxAllowance)

	first, err := h.authority.SubmitRegistration(ctx, h.signed(t, h.owner, 8000))
	require.NoError(t, err)
	_, err = h.authority.ConfirmAllowance(ctx, h.owner.Address())
	require.NoError(t, err)

	second, err := h.authority.SubmitRegistration(ctx, h.signed(t, h.owner, 7500))
	require.NoError(t, err)
	require.Equal(t, domain.AuthorizationPending, second.Status)

	prior, err := h.authority.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AuthorizationRevoked, prior.Status)
	require.Equal(t, []string{first.ID}, h.cancelled)
}

func TestRevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.tokens.set(h.owner.Address(), MaxAllowance)

	auth, err := h.authority.SubmitRegistration(ctx, h.signed(t, h.owner, 8000))
	require.NoError(t, err)
	_, err = h.authority.ConfirmAllowance(ctx, h.owner.Address())
	require.NoError(t, err)

	revoked, err := h.authority.Revoke(ctx, h.owner.Address())
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	require.Equal(t, auth.ID, revoked[0].ID)

	revoked, err = h.authority.Revoke(ctx, h.owner.Address())
	require.NoError(t, err)
	require.Empty(t, revoked)
}

func TestRevokeSigned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.authority.SubmitRegistration(ctx, h.signed(t, h.owner, 8000))
	require.NoError(t, err)

	_, err = h.authority.RequestDelegationChallenge(ctx, h.owner.Address())
	require.NoError(t, err)
	c := mustChallenge(t, h)
	digest := h.authority.cfg.Domain.RevocationDigest(crypto.Revocation{Owner: h.owner.Address(), Nonce: c.Nonce})

	stranger, err := crypto.NewSigner(strangerKey)
	require.NoError(t, err)
	bad, err := stranger.SignDigest(digest)
	require.NoError(t, err)
	_, err = h.authority.RevokeSigned(ctx, h.owner.Address(), bad)
	require.ErrorIs(t, err, domain.ErrSignatureMismatch)

	good, err := h.owner.SignDigest(digest)
	require.NoError(t, err)
	revoked, err := h.authority.RevokeSigned(ctx, h.owner.Address(), good)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	require.Equal(t, domain.AuthorizationRevoked, revoked[0].Status)
}

func TestAuditAllowancesExpiresWithdrawnApprovals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.tokens.set(h.owner.Address(), MaxAllowance)
	auth, err := h.authority.SubmitRegistration(ctx, h.signed(t, h.owner, 8000))
	require.NoError(t, err)
	_, err = h.authority.ConfirmAllowance(ctx, h.owner.Address())
	require.NoError(t, err)

	n, err := h.authority.AuditAllowances(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	h.tokens.set(h.owner.Address(), big.NewInt(0))
	n, err = h.authority.AuditAllowances(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := h.authority.Get(ctx, auth.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AuthorizationExpired, got.Status)
	require.Contains(t, h.cancelled, auth.ID)
}

func TestAtMostOneActivePerTriple(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("any operation sequence leaves at most one active authorization", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			h := newHarness(t)
			h.tokens.set(h.owner.Address(), MaxAllowance)
			for _, op := range ops {
				switch op {
				case 0:
					if _, err := h.authority.SubmitRegistration(ctx, h.signed(t, h.owner, 8000)); err != nil {
						return false
					}
				case 1:
					_, _ = h.authority.ConfirmAllowance(ctx, h.owner.Address())
				case 2:
					if _, err := h.authority.Revoke(ctx, h.owner.Address()); err != nil {
						return false
					}
				}
				active, err := h.auths.ListByStatus(ctx, domain.AuthorizationActive)
				if err != nil || len(active) > 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

func TestParseThreshold(t *testing.T) {
	bps, err := ParseThreshold("0.8333")
	require.NoError(t, err)
	require.Equal(t, int64(8333), bps)
	require.Equal(t, "0.8333", FormatThreshold(bps))

	_, err = ParseThreshold("0.83335")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = ParseThreshold("abc")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	for _, s := range []string{"0", "1", "1.2", "-0.5"} {
		_, err = ParseThreshold(s)
		require.ErrorIs(t, err, domain.ErrThresholdInvalid, s)
	}
}
