// Package health computes collateral-to-debt ratios for lending positions
// using exact integer arithmetic.
package health

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// WadDecimals is the fixed-point scale used when a Ratio is rendered as an
// integer.
const WadDecimals = 18

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(WadDecimals), nil)

// Ratio is an exact non-negative rational number or +Inf. The zero value is
// not meaningful; build ratios with NewRatio or Infinite.
type Ratio struct {
	num *big.Int
	den *big.Int
	inf bool
}

// Infinite returns the ratio of a position that carries no debt.
func Infinite() Ratio {
	return Ratio{inf: true}
}

// NewRatio returns num/den. Both must be non-negative and den non-zero.
func NewRatio(num, den *big.Int) (Ratio, error) {
	if num == nil || den == nil || num.Sign() < 0 || den.Sign() <= 0 {
		return Ratio{}, fmt.Errorf("health: ratio %v/%v: %w", num, den, domain.ErrInvalidInput)
	}
	return Ratio{num: new(big.Int).Set(num), den: new(big.Int).Set(den)}, nil
}

// MustRatio is NewRatio for constant operands.
func MustRatio(num, den int64) Ratio {
	r, err := NewRatio(big.NewInt(num), big.NewInt(den))
	if err != nil {
		panic(err)
	}
	return r
}

// IsInf reports whether r is +Inf.
func (r Ratio) IsInf() bool { return r.inf }

// Cmp compares r and o by cross-multiplication and returns -1, 0 or +1.
func (r Ratio) Cmp(o Ratio) int {
	switch {
	case r.inf && o.inf:
		return 0
	case r.inf:
		return 1
	case o.inf:
		return -1
	}
	left := new(big.Int).Mul(r.num, o.den)
	right := new(big.Int).Mul(o.num, r.den)
	return left.Cmp(right)
}

// Less reports whether r < o.
func (r Ratio) Less(o Ratio) bool { return r.Cmp(o) < 0 }

// Wad returns r as an 18-decimal fixed-point integer, truncated. It returns
// nil for +Inf.
func (r Ratio) Wad() *big.Int {
	if r.inf {
		return nil
	}
	out := new(big.Int).Mul(r.num, wad)
	return out.Quo(out, r.den)
}

// Decimal renders r for display. +Inf has no decimal form and yields false.
func (r Ratio) Decimal() (decimal.Decimal, bool) {
	if r.inf {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromBigInt(r.Wad(), -WadDecimals), true
}

func (r Ratio) String() string {
	d, ok := r.Decimal()
	if !ok {
		return "+Inf"
	}
	return d.StringFixed(4)
}

// WadString is the lossless integer form used for persistence and APIs.
func (r Ratio) WadString() string {
	if r.inf {
		return "inf"
	}
	return r.Wad().String()
}
