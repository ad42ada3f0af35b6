package rescue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/crypto"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

const operatorKey = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"

var contractAddr = common.HexToAddress("0x9999999999999999999999999999999999999999")

type fakeBackend struct {
	estimateErr error
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	known       map[common.Hash]bool
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(f.sent) + 7), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(30_000_000_000)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 500_000, f.estimateErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	if f.known[h] {
		return nil, true, nil
	}
	return nil, false, ethereum.NotFound
}

func testPlan() domain.RescuePlan {
	return domain.RescuePlan{
		AuthorizationID: "a",
		Owner:           common.HexToAddress("0xA11CE00000000000000000000000000000000001"),
		Collateral:      common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		Debt:            common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
		Signature:       make([]byte, 65),
		CollateralInput: big.NewInt(5e17),
		MinOutput:       big.NewInt(1e18),
		Quote:           domain.Quote{Payload: []byte{0x12, 0xaa, 0x3c, 0xaf}, ExpiresAt: time.Now().Add(time.Minute)},
	}
}

func newContract(t *testing.T, backend *fakeBackend) *Contract {
	t.Helper()
	signer, err := crypto.NewSigner(operatorKey)
	require.NoError(t, err)
	return New(Config{Address: contractAddr, ChainID: big.NewInt(1)}, backend, signer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubmitBuildsDynamicFeeTx(t *testing.T) {
	backend := &fakeBackend{}
	c := newContract(t, backend)

	var recorded common.Hash
	hash, err := c.Submit(context.Background(), testPlan(), func(h common.Hash) error {
		recorded = h
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, hash, recorded)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	require.Equal(t, contractAddr, *tx.To())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, uint64(600_000), tx.Gas())
	require.Equal(t, "62000000000", tx.GasFeeCap().String())

	args, err := rescueABI.Methods["execute"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, testPlan().Owner, args[0].(common.Address))
	require.Equal(t, "500000000000000000", args[4].(*big.Int).String())
	require.Equal(t, []byte{0x12, 0xaa, 0x3c, 0xaf}, args[6].([]byte))

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	require.Equal(t, c.signer.Address(), sender)
}

func TestSubmitEstimateRevertIsNotBroadcast(t *testing.T) {
	backend := &fakeBackend{estimateErr: errors.New("execution reverted: insufficient output")}
	_, err := newContract(t, backend).Submit(context.Background(), testPlan(), nil)
	require.ErrorIs(t, err, domain.ErrExecutionReverted)
	require.Empty(t, backend.sent)
}

func TestSubmitVetoedBeforeSend(t *testing.T) {
	backend := &fakeBackend{}
	veto := errors.New("cancelled")
	_, err := newContract(t, backend).Submit(context.Background(), testPlan(), func(common.Hash) error { return veto })
	require.ErrorIs(t, err, veto)
	require.Empty(t, backend.sent)
}

func TestSubmitWithoutSigner(t *testing.T) {
	backend := &fakeBackend{}
	c := New(Config{Address: contractAddr, ChainID: big.NewInt(1)}, backend, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := c.Submit(context.Background(), testPlan(), nil)
	require.ErrorIs(t, err, ErrReadOnly)
	require.Empty(t, backend.sent)
}

func TestStatus(t *testing.T) {
	ok := common.HexToHash("0x01")
	bad := common.HexToHash("0x02")
	pending := common.HexToHash("0x03")
	gone := common.HexToHash("0x04")
	backend := &fakeBackend{
		receipts: map[common.Hash]*types.Receipt{
			ok:  {Status: types.ReceiptStatusSuccessful},
			bad: {Status: types.ReceiptStatusFailed},
		},
		known: map[common.Hash]bool{pending: true},
	}
	c := newContract(t, backend)
	for hash, want := range map[common.Hash]domain.TxStatus{
		ok: domain.TxSucceeded, bad: domain.TxReverted, pending: domain.TxPending, gone: domain.TxDropped,
	} {
		got, err := c.Status(context.Background(), hash)
		require.NoError(t, err)
		require.Equal(t, want, got, hash.Hex())
	}
}
