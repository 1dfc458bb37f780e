package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/aabundler/aabundler/bundler"
	"github.com/aabundler/aabundler/config"
	"github.com/aabundler/aabundler/entrypoint"
	"github.com/aabundler/aabundler/log"
	"github.com/aabundler/aabundler/mempool"
	"github.com/aabundler/aabundler/metrics"
	"github.com/aabundler/aabundler/store"
	"github.com/aabundler/aabundler/userop"
)

var (
	testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	testChainID    = big.NewInt(31337)
)

type passSim struct{}

func (passSim) SimulateValidation(context.Context, *userop.UserOperation) (*entrypoint.ValidationResult, error) {
	return &entrypoint.ValidationResult{PreOpGas: big.NewInt(50_000), Prefund: big.NewInt(1)}, nil
}

type fakeBackend struct {
	estimate *entrypoint.GasEstimate
	estErr   error
	receipts map[common.Hash]*types.Receipt
	events   map[common.Hash]*entrypoint.UserOpEvent
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		receipts: make(map[common.Hash]*types.Receipt),
		events:   make(map[common.Hash]*entrypoint.UserOpEvent),
	}
}

func (b *fakeBackend) Address() common.Address { return testEntryPoint }
func (b *fakeBackend) ChainID() *big.Int       { return new(big.Int).Set(testChainID) }

func (b *fakeBackend) EstimateGas(context.Context, *userop.UserOperation) (*entrypoint.GasEstimate, error) {
	if b.estErr != nil {
		return nil, b.estErr
	}
	return b.estimate, nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *fakeBackend) ParseUserOperationEvent(_ *types.Receipt, hash common.Hash) (*entrypoint.UserOpEvent, error) {
	ev, ok := b.events[hash]
	if !ok {
		return nil, entrypoint.ErrEventNotFound
	}
	return ev, nil
}

type fakeStatus struct {
	st bundler.Status
}

func (f *fakeStatus) Status(context.Context) bundler.Status { return f.st }

type fixture struct {
	srv     *httptest.Server
	pool    *mempool.Mempool
	userOps *store.MemoryUserOps
	backend *fakeBackend
	status  *fakeStatus
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RateLimit.MaxRequests = 0 // disabled unless a test opts in
	if mutate != nil {
		mutate(cfg)
	}

	kv := store.NewMemoryKV()
	userOps := store.NewMemoryUserOps()
	lg := log.New(slog.LevelError, "text")
	m := metrics.New()

	pool := mempool.New(cfg.Mempool, kv, userOps, passSim{}, testEntryPoint, testChainID, m, lg)
	backend := newFakeBackend()
	status := &fakeStatus{st: bundler.Status{IsRunning: true, MempoolSize: 0}}

	api := NewAPI(pool, backend, status, m, lg)
	server := NewServer(cfg.HTTP, api, NewRateLimiter(cfg.RateLimit), m, lg)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, pool: pool, userOps: userOps, backend: backend, status: status}
}

type testResp struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	ID     json.RawMessage `json:"id"`
}

func post(t *testing.T, f *fixture, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/rpc", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func call(t *testing.T, f *fixture, method, params string) *testResp {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":%s,"id":1}`, method, params)
	status, data := post(t, f, body)
	require.Equal(t, http.StatusOK, status)
	var out testResp
	require.NoError(t, json.Unmarshal(data, &out))
	return &out
}

func validOpJSON(t *testing.T, sender byte, nonce int64) string {
	t.Helper()
	data, err := json.Marshal(&userop.UserOperation{
		Sender:               common.Address{sender},
		Nonce:                big.NewInt(nonce),
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		Signature:            []byte{0x01},
	})
	require.NoError(t, err)
	return string(data)
}

func TestChainID(t *testing.T) {
	f := newFixture(t, nil)
	resp := call(t, f, "eth_chainId", "[]")
	require.Nil(t, resp.Error)
	require.JSONEq(t, `"0x7a69"`, string(resp.Result))
}

func TestSupportedEntryPoints(t *testing.T) {
	f := newFixture(t, nil)
	resp := call(t, f, "eth_supportedEntryPoints", "[]")
	require.Nil(t, resp.Error)
	require.JSONEq(t, fmt.Sprintf(`[%q]`, testEntryPoint.Hex()), string(resp.Result))
}

func TestSendUserOperation(t *testing.T) {
	f := newFixture(t, nil)
	params := fmt.Sprintf(`[%s, %q]`, validOpJSON(t, 0x01, 0), testEntryPoint.Hex())
	resp := call(t, f, "eth_sendUserOperation", params)
	require.Nil(t, resp.Error)

	var hashStr string
	require.NoError(t, json.Unmarshal(resp.Result, &hashStr))
	require.Len(t, hashStr, 66)

	rec, err := f.userOps.GetByHash(context.Background(), common.HexToHash(hashStr))
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, rec.Status)
}

func TestSendUserOperationWrongEntryPoint(t *testing.T) {
	f := newFixture(t, nil)
	other := common.HexToAddress("0x0000000000000000000000000000000000000001")
	params := fmt.Sprintf(`[%s, %q]`, validOpJSON(t, 0x01, 0), other.Hex())
	resp := call(t, f, "eth_sendUserOperation", params)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestSendUserOperationInvalidOp(t *testing.T) {
	f := newFixture(t, nil)
	// Zero sender fails admission validation.
	op := `{"sender":"0x0000000000000000000000000000000000000000","nonce":"0x0",
		"callGasLimit":"0x186a0","verificationGasLimit":"0x249f0","preVerificationGas":"0x5208",
		"maxFeePerGas":"0x77359400","maxPriorityFeePerGas":"0x3b9aca00","signature":"0x01"}`
	params := fmt.Sprintf(`[%s, %q]`, op, testEntryPoint.Hex())
	resp := call(t, f, "eth_sendUserOperation", params)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInvalidUserOp, resp.Error.Code)
}

func TestSendUserOperationMempoolFull(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Mempool.MaxSize = 1 })
	params := fmt.Sprintf(`[%s, %q]`, validOpJSON(t, 0x01, 0), testEntryPoint.Hex())
	resp := call(t, f, "eth_sendUserOperation", params)
	require.Nil(t, resp.Error)

	params = fmt.Sprintf(`[%s, %q]`, validOpJSON(t, 0x02, 0), testEntryPoint.Hex())
	resp = call(t, f, "eth_sendUserOperation", params)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInvalidUserOp, resp.Error.Code)
	require.Contains(t, resp.Error.Message, "mempool")
}

func TestEstimateUserOperationGas(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.estimate = &entrypoint.GasEstimate{
		PreVerificationGas:   big.NewInt(46_856),
		VerificationGasLimit: big.NewInt(225_000),
		CallGasLimit:         big.NewInt(110_000),
		MaxFeePerGas:         big.NewInt(2_200_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_100_000_000),
	}
	params := fmt.Sprintf(`[%s, %q]`, validOpJSON(t, 0x01, 0), testEntryPoint.Hex())
	resp := call(t, f, "eth_estimateUserOperationGas", params)
	require.Nil(t, resp.Error)

	var got map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.Equal(t, "0xb708", got["preVerificationGas"])
	require.Equal(t, "0x36ee8", got["verificationGasLimit"])
	require.Equal(t, "0x1adb0", got["callGasLimit"])
}

func TestGetUserOperationByHashUnknown(t *testing.T) {
	f := newFixture(t, nil)
	resp := call(t, f, "eth_getUserOperationByHash",
		fmt.Sprintf(`[%q]`, common.Hash{0xff}.Hex()))
	require.Nil(t, resp.Error)
	require.JSONEq(t, "null", string(resp.Result))
}

func TestGetUserOperationByHashPending(t *testing.T) {
	f := newFixture(t, nil)
	params := fmt.Sprintf(`[%s, %q]`, validOpJSON(t, 0x01, 0), testEntryPoint.Hex())
	sent := call(t, f, "eth_sendUserOperation", params)
	var hashStr string
	require.NoError(t, json.Unmarshal(sent.Result, &hashStr))

	resp := call(t, f, "eth_getUserOperationByHash", fmt.Sprintf(`[%q]`, hashStr))
	require.Nil(t, resp.Error)

	var got struct {
		UserOperation   *userop.UserOperation `json:"userOperation"`
		EntryPoint      common.Address        `json:"entryPoint"`
		BlockNumber     *string               `json:"blockNumber"`
		TransactionHash *string               `json:"transactionHash"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.NotNil(t, got.UserOperation)
	require.Equal(t, testEntryPoint, got.EntryPoint)
	require.Nil(t, got.BlockNumber, "pending ops have no block")
	require.Nil(t, got.TransactionHash)
}

func TestGetUserOperationReceipt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	params := fmt.Sprintf(`[%s, %q]`, validOpJSON(t, 0x01, 0), testEntryPoint.Hex())
	sent := call(t, f, "eth_sendUserOperation", params)
	var hashStr string
	require.NoError(t, json.Unmarshal(sent.Result, &hashStr))
	hash := common.HexToHash(hashStr)

	// Not mined yet.
	resp := call(t, f, "eth_getUserOperationReceipt", fmt.Sprintf(`[%q]`, hashStr))
	require.Nil(t, resp.Error)
	require.JSONEq(t, "null", string(resp.Result))

	// Drive the row through the bundle lifecycle.
	txHash := common.Hash{0xcc}
	require.NoError(t, f.userOps.AssignBundle(ctx, []common.Hash{hash}, "bundle-1"))
	require.NoError(t, f.userOps.MarkSubmitted(ctx, "bundle-1", txHash))
	require.NoError(t, f.userOps.MarkConfirmed(ctx, "bundle-1", txHash, 42))
	f.backend.receipts[txHash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: big.NewInt(42),
		BlockHash:   common.Hash{0xbb},
		GasUsed:     200_000,
	}
	f.backend.events[hash] = &entrypoint.UserOpEvent{
		UserOpHash:    hash,
		Success:       true,
		ActualGasCost: big.NewInt(123_456),
		ActualGasUsed: big.NewInt(98_765),
		Nonce:         big.NewInt(0),
	}

	resp = call(t, f, "eth_getUserOperationReceipt", fmt.Sprintf(`[%q]`, hashStr))
	require.Nil(t, resp.Error)

	var got struct {
		UserOpHash common.Hash `json:"userOpHash"`
		Success    bool        `json:"success"`
		GasCost    string      `json:"actualGasCost"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.Equal(t, hash, got.UserOpHash)
	require.True(t, got.Success)
	require.Equal(t, "0x1e240", got.GasCost)
}

func TestClearMempool(t *testing.T) {
	f := newFixture(t, nil)
	params := fmt.Sprintf(`[%s, %q]`, validOpJSON(t, 0x01, 0), testEntryPoint.Hex())
	call(t, f, "eth_sendUserOperation", params)

	resp := call(t, f, "eth_bundler_clearMempool", "[]")
	require.Nil(t, resp.Error)
	require.Contains(t, string(resp.Result), `"cleared":true`)

	pending, err := f.pool.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.status.st = bundler.Status{
		IsRunning:      true,
		MempoolSize:    3,
		LastBundleID:   "bundle-1",
		LastBundleTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	resp := call(t, f, "eth_bundler_getStatus", "[]")
	require.Nil(t, resp.Error)

	var got statusResult
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.True(t, got.IsRunning)
	require.Equal(t, 3, got.MempoolSize)
	require.Equal(t, "bundle-1", got.LastBundleID)
	require.Equal(t, "2024-05-01T12:00:00Z", got.LastBundleTime)
}

func TestMethodNotFound(t *testing.T) {
	f := newFixture(t, nil)
	resp := call(t, f, "foo", "[]")
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestMalformedJSON(t *testing.T) {
	f := newFixture(t, nil)
	status, data := post(t, f, `{not json`)
	require.Equal(t, http.StatusBadRequest, status)
	var out testResp
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, CodeParseError, out.Error.Code)
}

func TestInvalidEnvelope(t *testing.T) {
	f := newFixture(t, nil)
	status, data := post(t, f, `{"jsonrpc":"1.0","method":"eth_chainId","id":1}`)
	require.Equal(t, http.StatusBadRequest, status)
	var out testResp
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, CodeInvalidRequest, out.Error.Code)
}

func TestBatchPreservesOrder(t *testing.T) {
	f := newFixture(t, nil)
	body := `[
		{"jsonrpc":"2.0","method":"eth_chainId","params":[],"id":1},
		{"jsonrpc":"2.0","method":"eth_supportedEntryPoints","params":[],"id":2}
	]`
	status, data := post(t, f, body)
	require.Equal(t, http.StatusOK, status)

	var out []testResp
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, 2)
	require.JSONEq(t, "1", string(out[0].ID))
	require.JSONEq(t, `"0x7a69"`, string(out[0].Result))
	require.JSONEq(t, "2", string(out[1].ID))
	require.JSONEq(t, fmt.Sprintf(`[%q]`, testEntryPoint.Hex()), string(out[1].Result))
}

func TestBatchWithBadElement(t *testing.T) {
	f := newFixture(t, nil)
	body := `[
		{"jsonrpc":"2.0","method":"eth_chainId","params":[],"id":1},
		{"jsonrpc":"1.0","method":"eth_chainId","id":2}
	]`
	status, data := post(t, f, body)
	require.Equal(t, http.StatusOK, status)

	var out []testResp
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, 2)
	require.Nil(t, out[0].Error)
	require.NotNil(t, out[1].Error)
	require.Equal(t, CodeInvalidRequest, out[1].Error.Code)
}

func TestEmptyBatch(t *testing.T) {
	f := newFixture(t, nil)
	status, _ := post(t, f, `[]`)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.MaxRequests = 2
		cfg.RateLimit.Window = time.Minute
	})

	for i := 0; i < 2; i++ {
		status, _ := post(t, f, `{"jsonrpc":"2.0","method":"eth_chainId","params":[],"id":1}`)
		require.Equal(t, http.StatusOK, status)
	}
	status, data := post(t, f, `{"jsonrpc":"2.0","method":"eth_chainId","params":[],"id":1}`)
	require.Equal(t, http.StatusTooManyRequests, status)

	var out testResp
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, CodeRateLimited, out.Error.Code)
}
