// Package rescue submits the atomic withdraw, swap and repay transaction to
// the rescue contract and reports its on-chain fate.
package rescue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// execute(user, signature, collateral, debt, collateralAmount, minDebtOut,
// swapCalldata) withdraws, swaps, checks the output, repays and refunds in
// one call, reverting as a whole if any step fails.
const rescueABIJSON = `[
{"inputs":[
 {"internalType":"address","name":"user","type":"address"},
 {"internalType":"bytes","name":"signature","type":"bytes"},
 {"internalType":"address","name":"collateral","type":"address"},
 {"internalType":"address","name":"debt","type":"address"},
 {"internalType":"uint256","name":"collateralAmount","type":"uint256"},
 {"internalType":"uint256","name":"minDebtOut","type":"uint256"},
 {"internalType":"bytes","name":"swapCalldata","type":"bytes"}],
 "name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var rescueABI abi.ABI

// ErrReadOnly is returned by Submit when the contract was built without an
// operator key.
var ErrReadOnly = errors.New("rescue: no operator key loaded")

func init() {
	parsed, err := abi.JSON(strings.NewReader(rescueABIJSON))
	if err != nil {
		panic("failed to parse rescue ABI: " + err.Error())
	}
	rescueABI = parsed
}

// Backend is the subset of *ethclient.Client the contract needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// TxSigner signs operator transactions.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Config parameterises transaction construction.
type Config struct {
	Address        common.Address
	ChainID        *big.Int
	GasBufferPct   uint64   // added on top of the estimate
	MaxFeePerGas   *big.Int // optional cap on the fee cap
	TipCapOverride *big.Int // optional fixed priority fee
}

// Contract implements the execution engine's ledger against the rescue
// contract.
type Contract struct {
	cfg    Config
	client Backend
	signer TxSigner
	logger *slog.Logger

	// sendMu serialises nonce allocation and broadcast for the operator.
	sendMu sync.Mutex
}

// New creates a Contract.
func New(cfg Config, client Backend, signer TxSigner, logger *slog.Logger) *Contract {
	if cfg.GasBufferPct == 0 {
		cfg.GasBufferPct = 20
	}
	return &Contract{
		cfg:    cfg,
		client: client,
		signer: signer,
		logger: logger.With(slog.String("component", "rescue")),
	}
}

// Calldata ABI-encodes the execute call for plan.
func Calldata(plan domain.RescuePlan) ([]byte, error) {
	data, err := rescueABI.Pack("execute",
		plan.Owner,
		plan.Signature,
		plan.Collateral,
		plan.Debt,
		plan.CollateralInput,
		plan.MinOutput,
		plan.Quote.Payload,
	)
	if err != nil {
		return nil, fmt.Errorf("rescue: pack execute: %v: %w", err, domain.ErrInvalidInput)
	}
	return data, nil
}

// Submit estimates, signs and broadcasts the rescue for plan. beforeSend
// receives the signed transaction hash and may veto the broadcast by
// returning an error. A failing gas estimation means the call would revert
// and is reported as domain.ErrExecutionReverted without broadcasting.
func (c *Contract) Submit(ctx context.Context, plan domain.RescuePlan, beforeSend func(common.Hash) error) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrReadOnly
	}
	data, err := Calldata(plan)
	if err != nil {
		return common.Hash{}, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	from := c.signer.Address()
	tip, feeCap, err := c.fees(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:      from,
		To:        &c.cfg.Address,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("rescue: estimate gas: %v: %w", err, domain.ErrExecutionReverted)
	}
	gas += gas * c.cfg.GasBufferPct / 100

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("rescue: pending nonce: %w", err)
	}

	to := c.cfg.Address
	tx, err := c.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	}), c.cfg.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("rescue: %w", err)
	}

	if beforeSend != nil {
		if err := beforeSend(tx.Hash()); err != nil {
			return common.Hash{}, err
		}
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return tx.Hash(), fmt.Errorf("rescue: send %s: %w", tx.Hash().Hex(), err)
	}

	c.logger.InfoContext(ctx, "rescue broadcast",
		slog.String("tx", tx.Hash().Hex()),
		slog.String("authorization", plan.AuthorizationID),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)
	return tx.Hash(), nil
}

// Status maps the receipt of hash onto domain.TxStatus. A transaction the
// node no longer knows about is reported as dropped.
func (c *Contract) Status(ctx context.Context, hash common.Hash) (domain.TxStatus, error) {
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		if receipt.Status == types.ReceiptStatusSuccessful {
			return domain.TxSucceeded, nil
		}
		return domain.TxReverted, nil
	case !errors.Is(err, ethereum.NotFound):
		return domain.TxPending, fmt.Errorf("rescue: receipt %s: %w", hash.Hex(), err)
	}

	_, _, err = c.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return domain.TxDropped, nil
	}
	if err != nil {
		return domain.TxPending, fmt.Errorf("rescue: lookup %s: %w", hash.Hex(), err)
	}
	return domain.TxPending, nil
}

// fees returns the priority fee and a fee cap of twice the base fee plus tip.
func (c *Contract) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip := c.cfg.TipCapOverride
	if tip == nil {
		var err error
		tip, err = c.client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("rescue: suggest tip: %w", err)
		}
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("rescue: latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	if c.cfg.MaxFeePerGas != nil && feeCap.Cmp(c.cfg.MaxFeePerGas) > 0 {
		feeCap = new(big.Int).Set(c.cfg.MaxFeePerGas)
		if tip.Cmp(feeCap) > 0 {
			tip = new(big.Int).Set(feeCap)
		}
	}
	return tip, feeCap, nil
}
