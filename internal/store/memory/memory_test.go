package memory

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

var (
	owner = common.HexToAddress("0x1111111111111111111111111111111111111111")
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai   = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
)

func auth(id string, at time.Time) domain.Authorization {
	return domain.Authorization{ID: id, Owner: owner, Collateral: weth, Debt: dai, ThresholdBps: 8000, CreatedAt: at}
}

func TestSupersedeKeepsOneLiveRecordPerTriple(t *testing.T) {
	ctx := context.Background()
	s := NewAuthorizationStore()
	t0 := time.Unix(1_700_000_000, 0)

	revoked, err := s.Supersede(ctx, auth("a", t0))
	require.NoError(t, err)
	require.Empty(t, revoked)
	_, err = s.Transition(ctx, "a", domain.AuthorizationActive, t0)
	require.NoError(t, err)

	revoked, err = s.Supersede(ctx, auth("b", t0.Add(time.Minute)))
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	require.Equal(t, "a", revoked[0].ID)
	require.Equal(t, domain.AuthorizationRevoked, revoked[0].Status)

	_, err = s.Transition(ctx, "b", domain.AuthorizationActive, t0.Add(2*time.Minute))
	require.NoError(t, err)
	active, err := s.ListByStatus(ctx, domain.AuthorizationActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "b", active[0].ID)
}

func TestTransitionRejectsIllegalSteps(t *testing.T) {
	ctx := context.Background()
	s := NewAuthorizationStore()
	t0 := time.Unix(1_700_000_000, 0)
	_, err := s.Supersede(ctx, auth("a", t0))
	require.NoError(t, err)

	_, err = s.Transition(ctx, "a", domain.AuthorizationExecuted, t0)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.Transition(ctx, "a", domain.AuthorizationActive, t0)
	require.NoError(t, err)
	got, err := s.Transition(ctx, "a", domain.AuthorizationExecuted, t0)
	require.NoError(t, err)
	require.NotNil(t, got.ExecutedAt)

	for _, to := range []domain.AuthorizationStatus{domain.AuthorizationActive, domain.AuthorizationRevoked, domain.AuthorizationExpired, domain.AuthorizationPending} {
		_, err = s.Transition(ctx, "a", to, t0)
		require.ErrorIs(t, err, domain.ErrInvalidTransition, "executed -> %s", to)
	}
	_, err = s.Transition(ctx, "missing", domain.AuthorizationActive, t0)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAttemptNumbersAreMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewAttemptStore()
	t0 := time.Unix(1_700_000_000, 0)

	a1, err := s.Begin(ctx, domain.Attempt{AuthorizationID: "a", CreatedAt: t0})
	require.NoError(t, err)
	require.Equal(t, 1, a1.Number)
	a1.Status = domain.AttemptReverted
	require.NoError(t, s.Update(ctx, a1))

	a2, err := s.Begin(ctx, domain.Attempt{AuthorizationID: "a", CreatedAt: t0.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, 2, a2.Number)

	unresolved, err := s.ListUnresolved(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	require.Equal(t, 2, unresolved[0].Number)

	n, err := s.DeleteResolvedBefore(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	a3, err := s.Begin(ctx, domain.Attempt{AuthorizationID: "a", CreatedAt: t0.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Equal(t, 3, a3.Number)
}

func TestObservationAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewObservationStore()
	for _, r := range []uint64{5, 3, 7, 5} {
		require.NoError(t, s.Append(ctx, domain.PriceObservation{Pair: "ETH/USD", Price: big.NewInt(int64(r) * 100), Round: r}))
	}
	latest, err := s.Latest(ctx, "ETH/USD")
	require.NoError(t, err)
	require.Equal(t, uint64(7), latest.Round)

	list, err := s.List(ctx, "ETH/USD", domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, uint64(7), list[0].Round)
	require.Equal(t, uint64(5), list[1].Round)

	require.ErrorIs(t, s.Append(ctx, domain.PriceObservation{Pair: "ETH/USD", Round: 9}), domain.ErrInvalidInput)
}

func TestBusLock(t *testing.T) {
	b := NewBus()
	unlock, err := b.Acquire(context.Background(), "lock:rescue:a", time.Minute)
	require.NoError(t, err)
	_, err = b.Acquire(context.Background(), "lock:rescue:a", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	unlock()
	_, err = b.Acquire(context.Background(), "lock:rescue:a", time.Minute)
	require.NoError(t, err)
}
