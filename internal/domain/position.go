package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Position is a read-only snapshot of an owner's lending position for one
// collateral/debt pair. Amounts are in each asset's base units.
type Position struct {
	Owner              common.Address
	CollateralAsset    common.Address
	CollateralDecimals uint8
	CollateralAmount   *big.Int
	DebtAsset          common.Address
	DebtDecimals       uint8
	DebtAmount         *big.Int
	// CollateralToken is the interest-bearing receipt token the owner approves.
	CollateralToken common.Address
	ReadAt          time.Time
}
