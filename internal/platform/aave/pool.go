// Package aave reads position data from an Aave v2 lending pool.
package aave

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/platform/erc20"
)

const lendingPoolABIJSON = `[{"inputs":[{"internalType":"address","name":"asset","type":"address"}],"name":"getReserveData","outputs":[{"components":[{"components":[{"internalType":"uint256","name":"data","type":"uint256"}],"internalType":"struct DataTypes.ReserveConfigurationMap","name":"configuration","type":"tuple"},{"internalType":"uint128","name":"liquidityIndex","type":"uint128"},{"internalType":"uint128","name":"variableBorrowIndex","type":"uint128"},{"internalType":"uint128","name":"currentLiquidityRate","type":"uint128"},{"internalType":"uint128","name":"currentVariableBorrowRate","type":"uint128"},{"internalType":"uint128","name":"currentStableBorrowRate","type":"uint128"},{"internalType":"uint40","name":"lastUpdateTimestamp","type":"uint40"},{"internalType":"address","name":"aTokenAddress","type":"address"},{"internalType":"address","name":"stableDebtTokenAddress","type":"address"},{"internalType":"address","name":"variableDebtTokenAddress","type":"address"},{"internalType":"address","name":"interestRateStrategyAddress","type":"address"},{"internalType":"uint8","name":"id","type":"uint8"}],"internalType":"struct DataTypes.ReserveData","name":"","type":"tuple"}],"stateMutability":"view","type":"function"}]`

var lendingPoolABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(lendingPoolABIJSON))
	if err != nil {
		panic("failed to parse lending pool ABI: " + err.Error())
	}
	lendingPoolABI = parsed
}

// reserveData mirrors DataTypes.ReserveData.
type reserveData struct {
	Configuration struct {
		Data *big.Int
	}
	LiquidityIndex              *big.Int
	VariableBorrowIndex         *big.Int
	CurrentLiquidityRate        *big.Int
	CurrentVariableBorrowRate   *big.Int
	CurrentStableBorrowRate     *big.Int
	LastUpdateTimestamp         *big.Int
	ATokenAddress               common.Address
	StableDebtTokenAddress      common.Address
	VariableDebtTokenAddress    common.Address
	InterestRateStrategyAddress common.Address
	Id                          uint8
}

// liquidationThreshold extracts bits 16-31 of the reserve configuration.
func (r reserveData) liquidationThreshold() int64 {
	if r.Configuration.Data == nil {
		return 0
	}
	v := new(big.Int).Rsh(r.Configuration.Data, 16)
	return new(big.Int).And(v, big.NewInt(0xFFFF)).Int64()
}

// Pool reads reserves and balances for the configured assets.
type Pool struct {
	caller  ethereum.ContractCaller
	address common.Address
	tokens  *erc20.Reader
	assets  domain.Assets
}

// NewPool creates a reader for the lending pool at address.
func NewPool(caller ethereum.ContractCaller, address common.Address, assets domain.Assets) *Pool {
	return &Pool{
		caller:  caller,
		address: address,
		tokens:  erc20.NewReader(caller),
		assets:  assets,
	}
}

// Position snapshots owner's collateral and total debt for the pair. Debt is
// the sum of the stable and variable debt token balances.
func (p *Pool) Position(ctx context.Context, owner, collateral, debt common.Address) (domain.Position, error) {
	collAsset, ok := p.assets.Lookup(collateral)
	if !ok {
		return domain.Position{}, fmt.Errorf("aave: unknown collateral %s: %w", collateral.Hex(), domain.ErrInvalidInput)
	}
	debtAsset, ok := p.assets.Lookup(debt)
	if !ok {
		return domain.Position{}, fmt.Errorf("aave: unknown debt asset %s: %w", debt.Hex(), domain.ErrInvalidInput)
	}

	collReserve, err := p.reserve(ctx, collateral)
	if err != nil {
		return domain.Position{}, err
	}
	debtReserve, err := p.reserve(ctx, debt)
	if err != nil {
		return domain.Position{}, err
	}

	collAmount, err := p.tokens.BalanceOf(ctx, collReserve.ATokenAddress, owner)
	if err != nil {
		return domain.Position{}, fmt.Errorf("aave: collateral balance: %w", err)
	}
	stable, err := p.tokens.BalanceOf(ctx, debtReserve.StableDebtTokenAddress, owner)
	if err != nil {
		return domain.Position{}, fmt.Errorf("aave: stable debt balance: %w", err)
	}
	variable, err := p.tokens.BalanceOf(ctx, debtReserve.VariableDebtTokenAddress, owner)
	if err != nil {
		return domain.Position{}, fmt.Errorf("aave: variable debt balance: %w", err)
	}

	return domain.Position{
		Owner:              owner,
		CollateralAsset:    collateral,
		CollateralDecimals: collAsset.Decimals,
		CollateralAmount:   collAmount,
		DebtAsset:          debt,
		DebtDecimals:       debtAsset.Decimals,
		DebtAmount:         new(big.Int).Add(stable, variable),
		CollateralToken:    collReserve.ATokenAddress,
		ReadAt:             time.Now().UTC(),
	}, nil
}

// LiquidationThreshold returns the reserve's liquidation threshold in bps.
func (p *Pool) LiquidationThreshold(ctx context.Context, asset common.Address) (int64, error) {
	r, err := p.reserve(ctx, asset)
	if err != nil {
		return 0, err
	}
	return r.liquidationThreshold(), nil
}

// CollateralToken returns the aToken minted for deposits of asset.
func (p *Pool) CollateralToken(ctx context.Context, asset common.Address) (common.Address, error) {
	r, err := p.reserve(ctx, asset)
	if err != nil {
		return common.Address{}, err
	}
	return r.ATokenAddress, nil
}

func (p *Pool) reserve(ctx context.Context, asset common.Address) (reserveData, error) {
	payload, err := lendingPoolABI.Pack("getReserveData", asset)
	if err != nil {
		return reserveData{}, fmt.Errorf("aave: pack getReserveData: %w", err)
	}
	res, err := p.caller.CallContract(ctx, ethereum.CallMsg{To: &p.address, Data: payload}, nil)
	if err != nil {
		return reserveData{}, fmt.Errorf("aave: getReserveData %s: %w", asset.Hex(), err)
	}
	outputs, err := lendingPoolABI.Unpack("getReserveData", res)
	if err != nil {
		return reserveData{}, fmt.Errorf("aave: unpack getReserveData: %w", err)
	}
	if len(outputs) != 1 {
		return reserveData{}, fmt.Errorf("aave: unexpected getReserveData response")
	}
	out := *abi.ConvertType(outputs[0], new(reserveData)).(*reserveData)
	if out.ATokenAddress == (common.Address{}) {
		return reserveData{}, fmt.Errorf("aave: %s is not a listed reserve: %w", asset.Hex(), domain.ErrInvalidInput)
	}
	return out, nil
}
