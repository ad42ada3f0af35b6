package health

import (
	"errors"
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pow10(18))
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pow10(domain.PriceDecimals))
}

func position(coll, debt *big.Int) domain.Position {
	return domain.Position{
		CollateralDecimals: 18,
		CollateralAmount:   coll,
		DebtDecimals:       6,
		DebtAmount:         debt,
	}
}

func TestEvaluate(t *testing.T) {
	// 1.5 ETH at $100 against 100 USDC at $1.
	coll := new(big.Int).Div(ether(3), big.NewInt(2))
	debt := big.NewInt(100_000_000)

	r, err := Evaluate(position(coll, debt), usd(100), usd(1))
	require.NoError(t, err)
	require.Equal(t, 0, r.Cmp(MustRatio(3, 2)))
	require.Equal(t, "1.5000", r.String())
	require.Equal(t, "1500000000000000000", r.WadString())
}

func TestEvaluateZeroDebtIsInfinite(t *testing.T) {
	r, err := Evaluate(position(ether(1), big.NewInt(0)), usd(100), usd(1))
	require.NoError(t, err)
	require.True(t, r.IsInf())
	require.Equal(t, "+Inf", r.String())
	require.Nil(t, r.Wad())
	require.True(t, MustRatio(1_000_000, 1).Less(r))
}

func TestEvaluateRejectsInvalidInput(t *testing.T) {
	cases := map[string]struct {
		pos        domain.Position
		coll, debt *big.Int
	}{
		"negative collateral": {position(big.NewInt(-1), big.NewInt(1)), usd(1), usd(1)},
		"negative debt":       {position(big.NewInt(1), big.NewInt(-1)), usd(1), usd(1)},
		"nil amount":          {position(nil, big.NewInt(1)), usd(1), usd(1)},
		"negative price":      {position(big.NewInt(1), big.NewInt(1)), big.NewInt(-5), usd(1)},
		"zero debt price":     {position(big.NewInt(1), big.NewInt(1)), usd(1), big.NewInt(0)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Evaluate(tc.pos, tc.coll, tc.debt)
			require.True(t, errors.Is(err, domain.ErrInvalidInput), "got %v", err)
		})
	}
}

func TestAtRisk(t *testing.T) {
	// A loan-to-value threshold of 8333 bps is a health trigger of ~1.2.
	const threshold = 8333

	safe, err := AtRisk(MustRatio(15, 10), threshold, domain.BasisPoints)
	require.NoError(t, err)
	require.False(t, safe)

	risky, err := AtRisk(MustRatio(11, 10), threshold, domain.BasisPoints)
	require.NoError(t, err)
	require.True(t, risky)

	// A 10% safety margin raises the trigger to ~1.32.
	widened, err := AtRisk(MustRatio(13, 10), threshold, 11_000)
	require.NoError(t, err)
	require.True(t, widened)

	_, err = AtRisk(MustRatio(1, 1), 0, domain.BasisPoints)
	require.ErrorIs(t, err, domain.ErrThresholdInvalid)
	_, err = AtRisk(MustRatio(1, 1), domain.BasisPoints, domain.BasisPoints)
	require.ErrorIs(t, err, domain.ErrThresholdInvalid)
	_, err = AtRisk(MustRatio(1, 1), 5000, 9000)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRequiredInput(t *testing.T) {
	// 100 USDC of debt with 0.5% slippage needs 100.502513 USDC of output,
	// which is 0.502512565 ETH at $200.
	pos := position(ether(2), big.NewInt(100_000_000))
	in, err := RequiredInput(pos, usd(200), usd(1), 50)
	require.NoError(t, err)

	want, _ := new(big.Int).SetString("502512565000000000", 10)
	require.Equal(t, 0, in.Cmp(want), "got %s", in)

	// Rounding is always upwards.
	odd := position(ether(2), big.NewInt(1))
	in, err = RequiredInput(odd, usd(3), usd(1), 0)
	require.NoError(t, err)
	require.Equal(t, 0, in.Cmp(big.NewInt(333_333_333_334)), "got %s", in)
}

func TestApplySlippage(t *testing.T) {
	require.Equal(t, int64(995), ApplySlippage(big.NewInt(1000), 50).Int64())
	require.Equal(t, int64(9), ApplySlippage(big.NewInt(10), 50).Int64())
}

func TestEvaluateMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	amount := gen.Int64Range(1, 1<<40)
	price := gen.Int64Range(1, 1<<36)

	properties.Property("more collateral never lowers the ratio", prop.ForAll(
		func(coll, extra, debt, cp, dp int64) bool {
			base, err := Evaluate(position(big.NewInt(coll), big.NewInt(debt)), big.NewInt(cp), big.NewInt(dp))
			if err != nil {
				return false
			}
			more, err := Evaluate(position(big.NewInt(coll+extra), big.NewInt(debt)), big.NewInt(cp), big.NewInt(dp))
			if err != nil {
				return false
			}
			return more.Cmp(base) >= 0
		},
		amount, amount, amount, price, price,
	))

	properties.Property("more debt never raises the ratio", prop.ForAll(
		func(coll, debt, extra, cp, dp int64) bool {
			base, err := Evaluate(position(big.NewInt(coll), big.NewInt(debt)), big.NewInt(cp), big.NewInt(dp))
			if err != nil {
				return false
			}
			more, err := Evaluate(position(big.NewInt(coll), big.NewInt(debt+extra)), big.NewInt(cp), big.NewInt(dp))
			if err != nil {
				return false
			}
			return more.Cmp(base) <= 0
		},
		amount, amount, amount, price, price,
	))

	properties.Property("required input covers the debt at oracle prices", prop.ForAll(
		func(debt, cp, dp int64, slip int64) bool {
			pos := position(big.NewInt(1), big.NewInt(debt))
			in, err := RequiredInput(pos, big.NewInt(cp), big.NewInt(dp), slip)
			if err != nil {
				return false
			}
			sized := position(in, big.NewInt(debt))
			r, err := Evaluate(sized, big.NewInt(cp), big.NewInt(dp))
			if err != nil {
				return false
			}
			return !r.Less(MustRatio(domain.BasisPoints, domain.BasisPoints-slip))
		},
		amount, price, price, gen.Int64Range(0, 500),
	))

	properties.TestingRun(t)
}
