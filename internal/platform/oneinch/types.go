package oneinch

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// APISwap is the /swap response body. Older API versions report the output
// as toTokenAmount, newer ones as toAmount.
type APISwap struct {
	ToTokenAmount string `json:"toTokenAmount"`
	ToAmount      string `json:"toAmount"`
	Tx            APITx  `json:"tx"`
}

// APITx is the transaction the aggregator wants executed.
type APITx struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	Gas      int64  `json:"gas"`
	GasPrice string `json:"gasPrice"`
}

// apiError is the body returned with 4xx responses.
type apiError struct {
	StatusCode  int    `json:"statusCode"`
	Error       string `json:"error"`
	Description string `json:"description"`
}

func (s APISwap) output() (*big.Int, error) {
	raw := s.ToAmount
	if raw == "" {
		raw = s.ToTokenAmount
	}
	out, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || out.Sign() <= 0 {
		return nil, fmt.Errorf("oneinch: output amount %q: %w", raw, domain.ErrInvalidInput)
	}
	return out, nil
}

func (s APISwap) router() (common.Address, error) {
	if !common.IsHexAddress(s.Tx.To) {
		return common.Address{}, fmt.Errorf("oneinch: router %q: %w", s.Tx.To, domain.ErrInvalidInput)
	}
	return common.HexToAddress(s.Tx.To), nil
}

func (s APISwap) payload() ([]byte, error) {
	data, err := hexutil.Decode(s.Tx.Data)
	if err != nil || len(data) < 4 {
		return nil, fmt.Errorf("oneinch: calldata %q: %w", s.Tx.Data, domain.ErrInvalidInput)
	}
	return data, nil
}
