package health

import (
	"fmt"
	"math/big"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

var bps = big.NewInt(domain.BasisPoints)

// Evaluate returns collateralValue / debtValue for pos, where each value is
// amount × price / 10^decimals. Prices share a common fixed-point scale, so it
// cancels out of the ratio. A position without debt has ratio +Inf.
func Evaluate(pos domain.Position, collateralPrice, debtPrice *big.Int) (Ratio, error) {
	if err := checkNonNegative("collateral amount", pos.CollateralAmount); err != nil {
		return Ratio{}, err
	}
	if err := checkNonNegative("debt amount", pos.DebtAmount); err != nil {
		return Ratio{}, err
	}
	if err := checkPositive("collateral price", collateralPrice); err != nil {
		return Ratio{}, err
	}
	if err := checkPositive("debt price", debtPrice); err != nil {
		return Ratio{}, err
	}
	if pos.DebtAmount.Sign() == 0 {
		return Infinite(), nil
	}

	num := new(big.Int).Mul(pos.CollateralAmount, collateralPrice)
	num.Mul(num, pow10(pos.DebtDecimals))
	den := new(big.Int).Mul(pos.DebtAmount, debtPrice)
	den.Mul(den, pow10(pos.CollateralDecimals))
	return NewRatio(num, den)
}

// Trigger returns the health ratio below which a position with the given
// loan-to-value threshold must be rescued: marginBps / thresholdBps. With the
// neutral margin (10000) a threshold of 8000 triggers below 1.25.
func Trigger(thresholdBps, marginBps int64) (Ratio, error) {
	if thresholdBps <= 0 || thresholdBps >= domain.BasisPoints {
		return Ratio{}, fmt.Errorf("health: trigger %d bps: %w", thresholdBps, domain.ErrThresholdInvalid)
	}
	if marginBps < domain.BasisPoints {
		return Ratio{}, fmt.Errorf("health: safety margin %d bps below 1.0: %w", marginBps, domain.ErrInvalidInput)
	}
	return NewRatio(big.NewInt(marginBps), big.NewInt(thresholdBps))
}

// AtRisk reports whether ratio has fallen under the trigger for thresholdBps.
func AtRisk(ratio Ratio, thresholdBps, marginBps int64) (bool, error) {
	trigger, err := Trigger(thresholdBps, marginBps)
	if err != nil {
		return false, err
	}
	return ratio.Less(trigger), nil
}

// RequiredInput returns the smallest collateral amount whose conversion at
// the oracle prices still covers the position's debt after losing
// slippageBps, i.e. output × (10000 − slippage) / 10000 ≥ debt. The result
// is rounded up and may exceed the collateral balance; callers cap it.
func RequiredInput(pos domain.Position, collateralPrice, debtPrice *big.Int, slippageBps int64) (*big.Int, error) {
	if _, err := Evaluate(pos, collateralPrice, debtPrice); err != nil {
		return nil, err
	}
	if slippageBps < 0 || slippageBps >= domain.BasisPoints {
		return nil, fmt.Errorf("health: slippage %d bps: %w", slippageBps, domain.ErrInvalidInput)
	}

	need := new(big.Int).Mul(pos.DebtAmount, bps)
	need = ceilDiv(need, big.NewInt(domain.BasisPoints-slippageBps))

	num := new(big.Int).Mul(need, debtPrice)
	num.Mul(num, pow10(pos.CollateralDecimals))
	den := new(big.Int).Mul(collateralPrice, pow10(pos.DebtDecimals))
	return ceilDiv(num, den), nil
}

// ApplySlippage returns amount × (10000 − slippageBps) / 10000, truncated.
func ApplySlippage(amount *big.Int, slippageBps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(domain.BasisPoints-slippageBps))
	return out.Quo(out, bps)
}

func ceilDiv(num, den *big.Int) *big.Int {
	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func checkNonNegative(name string, v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return fmt.Errorf("health: %s %v: %w", name, v, domain.ErrInvalidInput)
	}
	return nil
}

func checkPositive(name string, v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("health: %s %v: %w", name, v, domain.ErrInvalidInput)
	}
	return nil
}
