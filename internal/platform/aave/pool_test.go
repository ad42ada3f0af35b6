package aave

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/platform/erc20"
)

var (
	poolAddr = common.HexToAddress("0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9")
	weth     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai      = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	aWETH    = common.HexToAddress("0x030bA81f1c18d280636F32af80b9AAd02Cf0854e")
	sDAI     = common.HexToAddress("0x778A13D3eeb110A4f7bb6529F99c000119a08E92")
	vDAI     = common.HexToAddress("0x6C3c78838c761c6Ac7bE9F59fe808ea2A6E4379d")
	owner    = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakeChain struct {
	reserves map[common.Address]reserveData
	balances map[common.Address]*big.Int // token -> owner balance
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if *call.To == poolAddr {
		method, err := lendingPoolABI.MethodById(call.Data[:4])
		if err != nil {
			return nil, err
		}
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		r, ok := f.reserves[args[0].(common.Address)]
		if !ok {
			r = emptyReserve()
		}
		return method.Outputs.Pack(r)
	}
	method, err := erc20.ABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name != "balanceOf" {
		return nil, errors.New("unexpected " + method.Name)
	}
	bal, ok := f.balances[*call.To]
	if !ok {
		bal = big.NewInt(0)
	}
	return method.Outputs.Pack(bal)
}

func emptyReserve() reserveData {
	r := reserveData{
		LiquidityIndex:            big.NewInt(0),
		VariableBorrowIndex:       big.NewInt(0),
		CurrentLiquidityRate:      big.NewInt(0),
		CurrentVariableBorrowRate: big.NewInt(0),
		CurrentStableBorrowRate:   big.NewInt(0),
		LastUpdateTimestamp:       big.NewInt(0),
	}
	r.Configuration.Data = big.NewInt(0)
	return r
}

func reserve(aToken, stable, variable common.Address, liqThresholdBps int64) reserveData {
	r := emptyReserve()
	r.Configuration.Data = new(big.Int).Lsh(big.NewInt(liqThresholdBps), 16)
	r.Configuration.Data.Or(r.Configuration.Data, big.NewInt(7500)) // ltv in bits 0-15
	r.ATokenAddress = aToken
	r.StableDebtTokenAddress = stable
	r.VariableDebtTokenAddress = variable
	return r
}

func newPool() *Pool {
	chain := &fakeChain{
		reserves: map[common.Address]reserveData{
			weth: reserve(aWETH, common.HexToAddress("0x01"), common.HexToAddress("0x02"), 8250),
			dai:  reserve(common.HexToAddress("0x03"), sDAI, vDAI, 8000),
		},
		balances: map[common.Address]*big.Int{
			aWETH: big.NewInt(2_000),
			sDAI:  big.NewInt(300),
			vDAI:  big.NewInt(700),
		},
	}
	assets := domain.Assets{
		weth: {Symbol: "WETH", Address: weth, Decimals: 18},
		dai:  {Symbol: "DAI", Address: dai, Decimals: 18},
	}
	return NewPool(chain, poolAddr, assets)
}

func TestPosition(t *testing.T) {
	pos, err := newPool().Position(context.Background(), owner, weth, dai)
	require.NoError(t, err)
	require.Equal(t, int64(2_000), pos.CollateralAmount.Int64())
	require.Equal(t, int64(1_000), pos.DebtAmount.Int64())
	require.Equal(t, aWETH, pos.CollateralToken)
	require.Equal(t, uint8(18), pos.DebtDecimals)
}

func TestLiquidationThreshold(t *testing.T) {
	p := newPool()
	bps, err := p.LiquidationThreshold(context.Background(), weth)
	require.NoError(t, err)
	require.Equal(t, int64(8250), bps)

	token, err := p.CollateralToken(context.Background(), weth)
	require.NoError(t, err)
	require.Equal(t, aWETH, token)
}

func TestUnlistedReserve(t *testing.T) {
	unknown := common.HexToAddress("0xdead")
	_, err := newPool().LiquidationThreshold(context.Background(), unknown)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = newPool().Position(context.Background(), owner, unknown, dai)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
