package entrypoint

import (
	"context"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/aabundler/aabundler/log"
	"github.com/aabundler/aabundler/userop"
)

// Well-known dev key, not a secret.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	testChainID    = big.NewInt(31337)
)

// rpcRevertError mimics the error shape geth's RPC client produces for
// reverted eth_call requests.
type rpcRevertError struct {
	data string
}

func (e *rpcRevertError) Error() string          { return "execution reverted" }
func (e *rpcRevertError) ErrorData() interface{} { return e.data }

type fakeClient struct {
	callFn   func(msg ethereum.CallMsg) ([]byte, error)
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	nonce    uint64
	gasPrice *big.Int
	tipCap   *big.Int
	balance  *big.Int
	chainID  *big.Int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		receipts: make(map[common.Hash]*types.Receipt),
		gasPrice: big.NewInt(2_000_000_000),
		tipCap:   big.NewInt(1_000_000_000),
		balance:  big.NewInt(1_000_000_000_000_000_000),
		chainID:  new(big.Int).Set(testChainID),
	}
}

func (c *fakeClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if c.callFn == nil {
		return nil, nil
	}
	return c.callFn(msg)
}

func (c *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return c.nonce, nil
}

func (c *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.tipCap), nil
}

func (c *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *fakeClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func newTestAdapter(t *testing.T, client *fakeClient) *Adapter {
	t.Helper()
	lg := log.New(slog.LevelError, "text")
	a, err := NewAdapter(client, testEntryPoint, testChainID, testKeyHex, lg)
	require.NoError(t, err)
	return a
}

func testOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		Nonce:                big.NewInt(0),
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		Signature:            []byte{0x01},
	}
}

// validationRevert builds the hex payload the EntryPoint reverts with on a
// successful simulation: a 4-byte selector followed by the result tuple.
func validationRevert(t *testing.T, preOpGas, prefund int64, sigFailed []byte) string {
	t.Helper()
	packed, err := validationResultArgs.Pack(
		big.NewInt(preOpGas), big.NewInt(prefund),
		big.NewInt(0), big.NewInt(0), sigFailed,
	)
	require.NoError(t, err)
	return hexutil.Encode(append([]byte{0xe0, 0xcf, 0xf0, 0x5f}, packed...))
}

func TestSimulateValidationDecodesRevert(t *testing.T) {
	client := newFakeClient()
	payload := validationRevert(t, 46_856, 1_000_000, nil)
	client.callFn = func(msg ethereum.CallMsg) ([]byte, error) {
		require.Equal(t, testEntryPoint, *msg.To)
		return nil, &rpcRevertError{data: payload}
	}
	a := newTestAdapter(t, client)

	res, err := a.SimulateValidation(context.Background(), testOp())
	require.NoError(t, err)
	require.Equal(t, int64(46_856), res.PreOpGas.Int64())
	require.Equal(t, int64(1_000_000), res.Prefund.Int64())
}

func TestSimulateValidationNoRevert(t *testing.T) {
	client := newFakeClient()
	client.callFn = func(ethereum.CallMsg) ([]byte, error) {
		return []byte{}, nil
	}
	a := newTestAdapter(t, client)

	_, err := a.SimulateValidation(context.Background(), testOp())
	require.ErrorIs(t, err, ErrNoRevert)
}

func TestSimulateValidationUndecodableRevert(t *testing.T) {
	client := newFakeClient()
	client.callFn = func(ethereum.CallMsg) ([]byte, error) {
		return nil, &rpcRevertError{data: "0xdeadbeef"}
	}
	a := newTestAdapter(t, client)

	_, err := a.SimulateValidation(context.Background(), testOp())
	require.ErrorIs(t, err, ErrBadRevert)
}

func TestSimulateValidationSignatureFailure(t *testing.T) {
	client := newFakeClient()
	payload := validationRevert(t, 46_856, 1_000_000, []byte{0x01})
	client.callFn = func(ethereum.CallMsg) ([]byte, error) {
		return nil, &rpcRevertError{data: payload}
	}
	a := newTestAdapter(t, client)

	_, err := a.SimulateValidation(context.Background(), testOp())
	require.ErrorIs(t, err, ErrSignatureCheckFailed)
}

func TestEstimateGasPadsLimits(t *testing.T) {
	client := newFakeClient()
	payload := validationRevert(t, 46_856, 1_000_000, nil)
	client.callFn = func(ethereum.CallMsg) ([]byte, error) {
		return nil, &rpcRevertError{data: payload}
	}
	a := newTestAdapter(t, client)

	est, err := a.EstimateGas(context.Background(), testOp())
	require.NoError(t, err)

	require.Equal(t, int64(46_856), est.PreVerificationGas.Int64())
	require.Equal(t, int64(150_000*3/2), est.VerificationGasLimit.Int64())
	require.Equal(t, int64(100_000*11/10), est.CallGasLimit.Int64())
	require.Equal(t, int64(2_000_000_000*110/100), est.MaxFeePerGas.Int64())
	require.Equal(t, int64(1_000_000_000*110/100), est.MaxPriorityFeePerGas.Int64())
}

func TestGetSenderAddress(t *testing.T) {
	want := common.HexToAddress("0x1234567890AbcdEF1234567890aBcdef12345678")
	client := newFakeClient()
	client.callFn = func(ethereum.CallMsg) ([]byte, error) {
		// SenderAddressResult(address): selector plus one left-padded word.
		payload := make([]byte, 4+32)
		copy(payload[4+12:], want.Bytes())
		return nil, &rpcRevertError{data: hexutil.Encode(payload)}
	}
	a := newTestAdapter(t, client)

	got, err := a.GetSenderAddress(context.Background(), []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestGetSenderAddressNoRevert(t *testing.T) {
	client := newFakeClient()
	client.callFn = func(ethereum.CallMsg) ([]byte, error) {
		return []byte{}, nil
	}
	a := newTestAdapter(t, client)

	_, err := a.GetSenderAddress(context.Background(), []byte{0x01})
	require.ErrorIs(t, err, ErrNoRevert)
}

func TestHandleOpsSignsAndSends(t *testing.T) {
	client := newFakeClient()
	client.nonce = 7
	a := newTestAdapter(t, client)

	beneficiary := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	ov := TxOverrides{
		MaxFeePerGas:         big.NewInt(3_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
		GasLimit:             500_000,
	}
	tx, err := a.HandleOps(context.Background(), []*userop.UserOperation{testOp()}, beneficiary, ov)
	require.NoError(t, err)
	require.Len(t, client.sent, 1)

	sent := client.sent[0]
	require.Equal(t, tx.Hash(), sent.Hash())
	require.Equal(t, testEntryPoint, *sent.To())
	require.Equal(t, uint64(7), sent.Nonce())
	require.Equal(t, uint64(500_000), sent.Gas())
	require.Equal(t, int64(3_000_000_000), sent.GasFeeCap().Int64())
	require.Equal(t, int64(1_500_000_000), sent.GasTipCap().Int64())

	from, err := types.Sender(types.LatestSignerForChainID(testChainID), sent)
	require.NoError(t, err)
	require.Equal(t, a.SignerAddress(), from)
}

func TestHandleOpsDefaultGasLimit(t *testing.T) {
	client := newFakeClient()
	a := newTestAdapter(t, client)

	op := testOp()
	_, err := a.HandleOps(context.Background(), []*userop.UserOperation{op}, common.Address{}, TxOverrides{})
	require.NoError(t, err)

	want := uint64(21_000 + 150_000 + 100_000 + 21_000)
	require.Equal(t, want, client.sent[0].Gas())
}

func TestHandleOpsEmptyBundle(t *testing.T) {
	a := newTestAdapter(t, newFakeClient())
	_, err := a.HandleOps(context.Background(), nil, common.Address{}, TxOverrides{})
	require.Error(t, err)
}

func TestWaitMined(t *testing.T) {
	client := newFakeClient()
	txHash := common.Hash{0xab}
	client.receipts[txHash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: big.NewInt(42),
	}
	a := newTestAdapter(t, client)

	receipt, err := a.WaitMined(context.Background(), txHash)
	require.NoError(t, err)
	require.Equal(t, int64(42), receipt.BlockNumber.Int64())
}

func TestWaitMinedTimeout(t *testing.T) {
	client := newFakeClient()
	a := newTestAdapter(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.WaitMined(ctx, common.Hash{0xab})
	require.ErrorIs(t, err, ErrTxTimeout)
}

func TestGetDepositInfo(t *testing.T) {
	client := newFakeClient()
	client.callFn = func(msg ethereum.CallMsg) ([]byte, error) {
		out, err := entryPointABI.Methods["getDepositInfo"].Outputs.Pack(struct {
			Deposit         *big.Int
			Staked          bool
			Stake           *big.Int
			UnstakeDelaySec uint32
			WithdrawTime    *big.Int
		}{
			Deposit:         big.NewInt(1_000_000),
			Staked:          true,
			Stake:           big.NewInt(2_000_000),
			UnstakeDelaySec: 86_400,
			WithdrawTime:    big.NewInt(1_700_000_000),
		})
		return out, err
	}
	a := newTestAdapter(t, client)

	info, err := a.GetDepositInfo(context.Background(), common.Address{0x01})
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), info.Deposit.Int64())
	require.True(t, info.Staked)
	require.Equal(t, int64(2_000_000), info.Stake.Int64())
	require.Equal(t, uint32(86_400), info.UnstakeDelaySec)
	require.Equal(t, uint64(1_700_000_000), info.WithdrawTime)
}

func TestGetDepositBalance(t *testing.T) {
	client := newFakeClient()
	client.callFn = func(ethereum.CallMsg) ([]byte, error) {
		return entryPointABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(5_500))
	}
	a := newTestAdapter(t, client)

	bal, err := a.GetDepositBalance(context.Background(), common.Address{0x01})
	require.NoError(t, err)
	require.Equal(t, int64(5_500), bal.Int64())
}

func TestNewAdapterRejectsBadKey(t *testing.T) {
	lg := log.New(slog.LevelError, "text")
	_, err := NewAdapter(newFakeClient(), testEntryPoint, testChainID, "not-a-key", lg)
	require.Error(t, err)
}
