// Package erc20 reads token balances and allowances.
package erc20

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// ABI is the parsed ERC-20 subset used by the bot.
var ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	ABI = parsed
}

// Reader performs read-only ERC-20 calls.
type Reader struct {
	caller ethereum.ContractCaller
}

// NewReader wraps caller, typically an *ethclient.Client.
func NewReader(caller ethereum.ContractCaller) *Reader {
	return &Reader{caller: caller}
}

// BalanceOf returns owner's balance of token in base units.
func (r *Reader) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return r.uint256(ctx, token, "balanceOf", owner)
}

// Allowance returns how much spender may transfer from owner.
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return r.uint256(ctx, token, "allowance", owner, spender)
}

func (r *Reader) uint256(ctx context.Context, token common.Address, method string, args ...any) (*big.Int, error) {
	payload, err := ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("erc20: pack %s: %w", method, err)
	}
	res, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("erc20: %s on %s: %w", method, token.Hex(), err)
	}
	outputs, err := ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("erc20: unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("erc20: unexpected %s response", method)
	}
	v, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("erc20: failed to decode %s output", method)
	}
	return v, nil
}
