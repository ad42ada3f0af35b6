package registration

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// ParseThreshold converts a loan-to-value fraction such as "0.8" into basis
// points. Values finer than one basis point are rejected rather than rounded.
func ParseThreshold(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("registration: threshold %q: %w", s, domain.ErrInvalidInput)
	}
	bps := d.Shift(4)
	if !bps.IsInteger() {
		return 0, fmt.Errorf("registration: threshold %q finer than 1 bps: %w", s, domain.ErrInvalidInput)
	}
	if bps.Sign() <= 0 || bps.Cmp(decimal.NewFromInt(domain.BasisPoints)) >= 0 {
		return 0, fmt.Errorf("registration: threshold %q: %w", s, domain.ErrThresholdInvalid)
	}
	return bps.IntPart(), nil
}

// FormatThreshold renders basis points as a decimal fraction.
func FormatThreshold(bps int64) string {
	return decimal.New(bps, -4).String()
}
