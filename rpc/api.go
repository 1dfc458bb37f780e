// api.go routes JSON-RPC methods to the mempool, bundler, and EntryPoint
// adapter and maps domain errors onto the bundler error code space.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/aabundler/aabundler/bundler"
	"github.com/aabundler/aabundler/entrypoint"
	"github.com/aabundler/aabundler/log"
	"github.com/aabundler/aabundler/mempool"
	"github.com/aabundler/aabundler/metrics"
	"github.com/aabundler/aabundler/store"
	"github.com/aabundler/aabundler/userop"
)

// minPreVerificationGas is the floor below which an operation cannot cover
// its own calldata cost.
const minPreVerificationGas = 21_000

// nullResult renders as a JSON null result per the JSON-RPC spec.
var nullResult = json.RawMessage("null")

// Backend is the slice of the EntryPoint adapter the API reads from.
type Backend interface {
	Address() common.Address
	ChainID() *big.Int
	EstimateGas(ctx context.Context, op *userop.UserOperation) (*entrypoint.GasEstimate, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ParseUserOperationEvent(receipt *types.Receipt, userOpHash common.Hash) (*entrypoint.UserOpEvent, error)
}

// StatusReporter exposes the bundler loop snapshot.
type StatusReporter interface {
	Status(ctx context.Context) bundler.Status
}

// API dispatches JSON-RPC methods.
type API struct {
	pool    *mempool.Mempool
	ep      Backend
	status  StatusReporter
	metrics *metrics.Metrics
	lg      *log.Logger
}

// NewAPI creates the method dispatcher.
func NewAPI(pool *mempool.Mempool, ep Backend, status StatusReporter, m *metrics.Metrics, lg *log.Logger) *API {
	return &API{pool: pool, ep: ep, status: status, metrics: m, lg: lg.Module("rpc")}
}

// Handle executes one request and always produces a response.
func (a *API) Handle(ctx context.Context, req *Request) *Response {
	if !req.valid() {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid request")
	}

	result, err := a.dispatch(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	a.metrics.RPCRequests.WithLabelValues(req.Method, outcome).Inc()

	if err != nil {
		rpcErr := a.mapError(req.Method, err)
		return &Response{JSONRPC: "2.0", Error: rpcErr, ID: normalizeID(req.ID)}
	}
	return successResponse(req.ID, result)
}

func (a *API) dispatch(ctx context.Context, req *Request) (interface{}, error) {
	switch req.Method {
	case "eth_chainId":
		return hexutil.EncodeBig(a.ep.ChainID()), nil
	case "eth_supportedEntryPoints":
		return []string{a.ep.Address().Hex()}, nil
	case "eth_sendUserOperation":
		return a.sendUserOperation(ctx, req.Params)
	case "eth_estimateUserOperationGas":
		return a.estimateUserOperationGas(ctx, req.Params)
	case "eth_getUserOperationByHash":
		return a.getUserOperationByHash(ctx, req.Params)
	case "eth_getUserOperationReceipt":
		return a.getUserOperationReceipt(ctx, req.Params)
	case "eth_bundler_clearMempool":
		return a.clearMempool(ctx)
	case "eth_bundler_getStatus":
		return a.getStatus(ctx), nil
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (a *API) sendUserOperation(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	op, err := a.decodeOpParams(params)
	if err != nil {
		return nil, err
	}
	if op.PreVerificationGas != nil && op.PreVerificationGas.Cmp(big.NewInt(minPreVerificationGas)) < 0 {
		return nil, &Error{Code: CodeGasTooLow, Message: "preVerificationGas below minimum"}
	}
	hash, err := a.pool.Admit(ctx, op)
	if err != nil {
		return nil, err
	}
	return hash.Hex(), nil
}

func (a *API) estimateUserOperationGas(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	op, err := a.decodeOpParams(params)
	if err != nil {
		return nil, err
	}
	est, err := a.ep.EstimateGas(ctx, op)
	if err != nil {
		return nil, err
	}
	return &gasEstimateResult{
		PreVerificationGas:   (*hexutil.Big)(est.PreVerificationGas),
		VerificationGasLimit: (*hexutil.Big)(est.VerificationGasLimit),
		CallGasLimit:         (*hexutil.Big)(est.CallGasLimit),
		MaxFeePerGas:         (*hexutil.Big)(est.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(est.MaxPriorityFeePerGas),
	}, nil
}

func (a *API) getUserOperationByHash(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	hash, err := decodeHashParam(params)
	if err != nil {
		return nil, err
	}
	rec, err := a.pool.Lookup(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nullResult, nil
	}
	if err != nil {
		return nil, err
	}

	result := &userOpByHashResult{
		UserOperation: rec.Op,
		EntryPoint:    a.ep.Address(),
	}
	if rec.TransactionHash != (common.Hash{}) {
		txHash := rec.TransactionHash
		result.TransactionHash = &txHash
		// Block fields come from the receipt; a still-pending transaction
		// leaves them null.
		if receipt, rcErr := a.ep.TransactionReceipt(ctx, txHash); rcErr == nil {
			blockHash := receipt.BlockHash
			result.BlockHash = &blockHash
			result.BlockNumber = (*hexutil.Big)(receipt.BlockNumber)
		}
	}
	return result, nil
}

func (a *API) getUserOperationReceipt(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	hash, err := decodeHashParam(params)
	if err != nil {
		return nil, err
	}
	rec, err := a.pool.Lookup(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nullResult, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.TransactionHash == (common.Hash{}) {
		return nullResult, nil
	}
	receipt, err := a.ep.TransactionReceipt(ctx, rec.TransactionHash)
	if errors.Is(err, ethereum.NotFound) {
		return nullResult, nil
	}
	if err != nil {
		return nil, err
	}

	result := &userOpReceiptResult{
		UserOpHash: hash,
		EntryPoint: a.ep.Address(),
		Sender:     rec.Op.Sender,
		Nonce:      (*hexutil.Big)(rec.Op.Nonce),
		Logs:       receipt.Logs,
		Receipt:    receipt,
	}
	if pm := rec.Op.Paymaster(); pm != (common.Address{}) {
		result.Paymaster = &pm
	}

	event, evErr := a.ep.ParseUserOperationEvent(receipt, hash)
	if evErr == nil {
		result.Success = event.Success
		result.ActualGasCost = (*hexutil.Big)(event.ActualGasCost)
		result.ActualGasUsed = (*hexutil.Big)(event.ActualGasUsed)
	} else {
		// Without the per-op event, the bundle receipt is the best signal.
		result.Success = receipt.Status == types.ReceiptStatusSuccessful
		result.ActualGasUsed = (*hexutil.Big)(new(big.Int).SetUint64(receipt.GasUsed))
		cost := new(big.Int).SetUint64(receipt.GasUsed)
		if receipt.EffectiveGasPrice != nil {
			cost.Mul(cost, receipt.EffectiveGasPrice)
		}
		result.ActualGasCost = (*hexutil.Big)(cost)
	}
	return result, nil
}

func (a *API) clearMempool(ctx context.Context) (interface{}, error) {
	removed, err := a.pool.Clear(ctx)
	if err != nil {
		return nil, err
	}
	a.lg.Warn("mempool cleared via admin RPC", "removed", removed)
	return map[string]interface{}{"cleared": true, "removed": removed}, nil
}

func (a *API) getStatus(ctx context.Context) interface{} {
	st := a.status.Status(ctx)
	result := &statusResult{
		IsRunning:   st.IsRunning,
		MempoolSize: st.MempoolSize,
	}
	if st.LastBundleID != "" {
		result.LastBundleID = st.LastBundleID
	}
	if !st.LastBundleTime.IsZero() {
		result.LastBundleTime = st.LastBundleTime.UTC().Format(time.RFC3339)
	}
	return result
}

// decodeOpParams parses [userOp, entryPoint] and rejects any EntryPoint
// other than the configured one.
func (a *API) decodeOpParams(params []json.RawMessage) (*userop.UserOperation, error) {
	if len(params) != 2 {
		return nil, &Error{Code: CodeInvalidParams, Message: "expected [userOperation, entryPoint]"}
	}
	var op userop.UserOperation
	if err := json.Unmarshal(params[0], &op); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid userOperation: " + err.Error()}
	}
	var epStr string
	if err := json.Unmarshal(params[1], &epStr); err != nil || !common.IsHexAddress(epStr) {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid entryPoint address"}
	}
	if common.HexToAddress(epStr) != a.ep.Address() {
		return nil, &Error{Code: CodeInvalidParams, Message: "unsupported entryPoint: " + epStr}
	}
	return &op, nil
}

func decodeHashParam(params []json.RawMessage) (common.Hash, error) {
	if len(params) != 1 {
		return common.Hash{}, &Error{Code: CodeInvalidParams, Message: "expected [userOpHash]"}
	}
	var hashStr string
	if err := json.Unmarshal(params[0], &hashStr); err != nil {
		return common.Hash{}, &Error{Code: CodeInvalidParams, Message: "invalid userOpHash"}
	}
	raw, err := hexutil.Decode(hashStr)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, &Error{Code: CodeInvalidParams, Message: "userOpHash must be a 32-byte hex string"}
	}
	return common.BytesToHash(raw), nil
}

// mapError translates domain errors into JSON-RPC error objects. Internal
// details never leak into -32603 responses.
func (a *API) mapError(method string, err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	msg := err.Error()
	switch {
	case errors.Is(err, mempool.ErrValidationFailed),
		errors.Is(err, entrypoint.ErrSignatureCheckFailed):
		// EntryPoint AA codes refine the failure class.
		switch {
		case strings.Contains(msg, "AA21"):
			return &Error{Code: CodeInsufficientFunds, Message: msg}
		case strings.Contains(msg, "AA31"):
			return &Error{Code: CodePaymasterDepleted, Message: msg}
		}
		return &Error{Code: CodeInvalidUserOp, Message: msg}
	case errors.Is(err, mempool.ErrFull),
		errors.Is(err, mempool.ErrReplacementUnderpriced),
		errors.Is(err, mempool.ErrAlreadyIncluded),
		isUserOpError(err):
		return &Error{Code: CodeInvalidUserOp, Message: msg}
	case errors.Is(err, entrypoint.ErrNoRevert),
		errors.Is(err, entrypoint.ErrBadRevert):
		return &Error{Code: CodeEntryPointError, Message: msg}
	}
	a.lg.Error("internal rpc error", "method", method, "err", err)
	return &Error{Code: CodeInternalError, Message: "internal error"}
}

func isUserOpError(err error) bool {
	for _, sentinel := range []error{
		userop.ErrSenderZero, userop.ErrNonceMissing, userop.ErrNonceNegative,
		userop.ErrGasMissing, userop.ErrFeeMissing, userop.ErrTipAboveCap,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

type gasEstimateResult struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

type userOpByHashResult struct {
	UserOperation   *userop.UserOperation `json:"userOperation"`
	EntryPoint      common.Address        `json:"entryPoint"`
	BlockNumber     *hexutil.Big          `json:"blockNumber"`
	BlockHash       *common.Hash          `json:"blockHash"`
	TransactionHash *common.Hash          `json:"transactionHash"`
}

type userOpReceiptResult struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	EntryPoint    common.Address  `json:"entryPoint"`
	Sender        common.Address  `json:"sender"`
	Nonce         *hexutil.Big    `json:"nonce"`
	Paymaster     *common.Address `json:"paymaster,omitempty"`
	ActualGasCost *hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big    `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Logs          []*types.Log    `json:"logs"`
	Receipt       *types.Receipt  `json:"receipt"`
}

type statusResult struct {
	IsRunning      bool   `json:"isRunning"`
	MempoolSize    int    `json:"mempoolSize"`
	LastBundleID   string `json:"lastBundleId,omitempty"`
	LastBundleTime string `json:"lastBundleTime,omitempty"`
}
