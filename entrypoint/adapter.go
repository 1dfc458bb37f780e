// Package entrypoint wraps the on-chain ERC-4337 EntryPoint contract. It
// speaks the contract's revert-as-result protocol: simulateValidation and
// getSenderAddress always revert, and the result is decoded out of the
// revert payload.
package entrypoint

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aabundler/aabundler/log"
	"github.com/aabundler/aabundler/userop"
)

var (
	// ErrNoRevert means a revert-as-result call returned normally, which only
	// happens when the target is not an EntryPoint.
	ErrNoRevert = errors.New("entrypoint: expected revert, call returned data")
	// ErrBadRevert means the call reverted but the payload did not decode.
	ErrBadRevert = errors.New("entrypoint: undecodable revert payload")
	// ErrSignatureCheckFailed means simulation reported a failed account or
	// paymaster signature check.
	ErrSignatureCheckFailed = errors.New("entrypoint: signature check failed")
	// ErrTxTimeout means a submitted transaction was not mined before the
	// deadline.
	ErrTxTimeout = errors.New("entrypoint: transaction not mined before deadline")
)

// receiptPollInterval is how often WaitMined asks the node for a receipt.
const receiptPollInterval = 2 * time.Second

// fallbackTxGas caps administrative transactions (stake management) that are
// not worth estimating.
const fallbackTxGas = 300_000

// Client is the slice of the execution client the adapter needs. ethclient
// satisfies it.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// ValidationResult is what a successful simulateValidation reports.
type ValidationResult struct {
	PreOpGas   *big.Int
	Prefund    *big.Int
	ValidAfter *big.Int
	ValidUntil *big.Int
}

// GasEstimate carries the padded gas limits and current fee suggestion for
// an operation.
type GasEstimate struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// DepositInfo mirrors the EntryPoint's per-account stake record.
type DepositInfo struct {
	Deposit         *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
	WithdrawTime    uint64
}

// TxOverrides adjusts the transaction HandleOps builds. Nil fields fall back
// to node suggestions (fees) or the summed operation limits (gas).
type TxOverrides struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             uint64
}

// Adapter binds a deployed EntryPoint address to a signing key.
type Adapter struct {
	client  Client
	address common.Address
	chainID *big.Int
	key     *ecdsa.PrivateKey
	signer  common.Address
	lg      *log.Logger
}

// NewAdapter builds an adapter for the EntryPoint at address. keyHex is the
// bundler's signing key without the 0x prefix.
func NewAdapter(client Client, address common.Address, chainID *big.Int, keyHex string, lg *log.Logger) (*Adapter, error) {
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: parse signing key: %w", err)
	}
	return &Adapter{
		client:  client,
		address: address,
		chainID: chainID,
		key:     key,
		signer:  crypto.PubkeyToAddress(key.PublicKey),
		lg:      lg.Module("entrypoint"),
	}, nil
}

// Address returns the EntryPoint contract address.
func (a *Adapter) Address() common.Address { return a.address }

// SignerAddress returns the address the bundler signs transactions with.
func (a *Adapter) SignerAddress() common.Address { return a.signer }

// ChainID returns the chain the adapter was configured for.
func (a *Adapter) ChainID() *big.Int { return new(big.Int).Set(a.chainID) }

// SimulateValidation runs the operation through the EntryPoint's validation
// path via eth_call. The contract reverts with ValidationResult on success;
// any other revert is the validation failure, returned verbatim.
func (a *Adapter) SimulateValidation(ctx context.Context, op *userop.UserOperation) (*ValidationResult, error) {
	input, err := entryPointABI.Pack("simulateValidation", toABIUserOp(op))
	if err != nil {
		return nil, fmt.Errorf("entrypoint: encode simulateValidation: %w", err)
	}

	_, callErr := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.address, Data: input}, nil)
	if callErr == nil {
		return nil, ErrNoRevert
	}

	data, ok := revertData(callErr)
	if !ok {
		return nil, fmt.Errorf("entrypoint: simulateValidation call: %w", callErr)
	}
	res, err := decodeValidationResult(data)
	if err != nil {
		// A decodable FailedOp or custom error means the op is invalid, not
		// that the node misbehaved.
		return nil, fmt.Errorf("entrypoint: validation reverted: %s: %w", summarizeRevert(data), err)
	}
	return res, nil
}

// EstimateGas simulates the operation and derives padded limits from the
// result. Verification gets a 50% margin, execution 10%, and the returned
// fees carry a 10% bump over the node's suggestion.
func (a *Adapter) EstimateGas(ctx context.Context, op *userop.UserOperation) (*GasEstimate, error) {
	res, err := a.SimulateValidation(ctx, op)
	if err != nil {
		return nil, err
	}

	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: suggest gas price: %w", err)
	}
	tipCap, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: suggest tip cap: %w", err)
	}

	preVerification := new(big.Int).Set(res.PreOpGas)
	verification := mulDiv(bigOrZero(op.VerificationGasLimit), 3, 2)
	call := mulDiv(bigOrZero(op.CallGasLimit), 11, 10)

	return &GasEstimate{
		PreVerificationGas:   preVerification,
		VerificationGasLimit: verification,
		CallGasLimit:         call,
		MaxFeePerGas:         mulDiv(gasPrice, 110, 100),
		MaxPriorityFeePerGas: mulDiv(tipCap, 110, 100),
	}, nil
}

// HandleOps signs and submits a handleOps transaction carrying the given
// operations, crediting fees to beneficiary.
func (a *Adapter) HandleOps(ctx context.Context, ops []*userop.UserOperation, beneficiary common.Address, ov TxOverrides) (*types.Transaction, error) {
	if len(ops) == 0 {
		return nil, errors.New("entrypoint: empty bundle")
	}
	abiOps := make([]abiUserOp, len(ops))
	for i, op := range ops {
		abiOps[i] = toABIUserOp(op)
	}
	input, err := entryPointABI.Pack("handleOps", abiOps, beneficiary)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: encode handleOps: %w", err)
	}

	gasLimit := ov.GasLimit
	if gasLimit == 0 {
		gasLimit = sumBundleGas(ops)
	}
	return a.sendTx(ctx, input, nil, gasLimit, ov)
}

// GetSenderAddress resolves the counterfactual account address for initCode.
// The contract reverts with SenderAddressResult(address); the address is the
// last 20 bytes of the payload.
func (a *Adapter) GetSenderAddress(ctx context.Context, initCode []byte) (common.Address, error) {
	input, err := entryPointABI.Pack("getSenderAddress", initCode)
	if err != nil {
		return common.Address{}, fmt.Errorf("entrypoint: encode getSenderAddress: %w", err)
	}

	_, callErr := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.address, Data: input}, nil)
	if callErr == nil {
		return common.Address{}, ErrNoRevert
	}
	data, ok := revertData(callErr)
	if !ok {
		return common.Address{}, fmt.Errorf("entrypoint: getSenderAddress call: %w", callErr)
	}
	if len(data) < common.AddressLength {
		return common.Address{}, fmt.Errorf("%w: %d byte payload", ErrBadRevert, len(data))
	}
	return common.BytesToAddress(data[len(data)-common.AddressLength:]), nil
}

// GetDepositInfo reads the EntryPoint's stake record for account.
func (a *Adapter) GetDepositInfo(ctx context.Context, account common.Address) (*DepositInfo, error) {
	out, err := a.view(ctx, "getDepositInfo", account)
	if err != nil {
		return nil, err
	}
	raw := struct {
		Deposit         *big.Int
		Staked          bool
		Stake           *big.Int
		UnstakeDelaySec uint32
		WithdrawTime    *big.Int
	}{}
	if err := entryPointABI.UnpackIntoInterface(&raw, "getDepositInfo", out); err != nil {
		return nil, fmt.Errorf("entrypoint: decode getDepositInfo: %w", err)
	}
	return &DepositInfo{
		Deposit:         raw.Deposit,
		Staked:          raw.Staked,
		Stake:           raw.Stake,
		UnstakeDelaySec: raw.UnstakeDelaySec,
		WithdrawTime:    raw.WithdrawTime.Uint64(),
	}, nil
}

// GetDepositBalance reads the account's gas deposit held by the EntryPoint.
func (a *Adapter) GetDepositBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := a.view(ctx, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	vals, err := entryPointABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: decode balanceOf: %w", err)
	}
	return vals[0].(*big.Int), nil
}

// SuggestFees returns the node's current fee cap and tip cap suggestions.
func (a *Adapter) SuggestFees(ctx context.Context) (feeCap, tipCap *big.Int, err error) {
	if feeCap, err = a.client.SuggestGasPrice(ctx); err != nil {
		return nil, nil, fmt.Errorf("entrypoint: suggest gas price: %w", err)
	}
	if tipCap, err = a.client.SuggestGasTipCap(ctx); err != nil {
		return nil, nil, fmt.Errorf("entrypoint: suggest tip cap: %w", err)
	}
	return feeCap, tipCap, nil
}

// SignerBalance reads the bundler signing account's chain balance.
func (a *Adapter) SignerBalance(ctx context.Context) (*big.Int, error) {
	return a.client.BalanceAt(ctx, a.signer, nil)
}

// NodeChainID asks the connected node which chain it serves.
func (a *Adapter) NodeChainID(ctx context.Context) (*big.Int, error) {
	return a.client.ChainID(ctx)
}

// DepositTo adds value to account's gas deposit on the EntryPoint.
func (a *Adapter) DepositTo(ctx context.Context, account common.Address, value *big.Int) (*types.Transaction, error) {
	input, err := entryPointABI.Pack("depositTo", account)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: encode depositTo: %w", err)
	}
	return a.sendTx(ctx, input, value, fallbackTxGas, TxOverrides{})
}

// AddStake stakes value for the signer with the given unstake delay.
func (a *Adapter) AddStake(ctx context.Context, value *big.Int, unstakeDelaySec uint32) (*types.Transaction, error) {
	input, err := entryPointABI.Pack("addStake", unstakeDelaySec)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: encode addStake: %w", err)
	}
	return a.sendTx(ctx, input, value, fallbackTxGas, TxOverrides{})
}

// UnlockStake starts the signer's unstake delay.
func (a *Adapter) UnlockStake(ctx context.Context) (*types.Transaction, error) {
	input, err := entryPointABI.Pack("unlockStake")
	if err != nil {
		return nil, fmt.Errorf("entrypoint: encode unlockStake: %w", err)
	}
	return a.sendTx(ctx, input, nil, fallbackTxGas, TxOverrides{})
}

// WithdrawStake sends the signer's unlocked stake to withdrawAddress.
func (a *Adapter) WithdrawStake(ctx context.Context, withdrawAddress common.Address) (*types.Transaction, error) {
	input, err := entryPointABI.Pack("withdrawStake", withdrawAddress)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: encode withdrawStake: %w", err)
	}
	return a.sendTx(ctx, input, nil, fallbackTxGas, TxOverrides{})
}

// WithdrawTo withdraws amount from the signer's deposit to withdrawAddress.
func (a *Adapter) WithdrawTo(ctx context.Context, withdrawAddress common.Address, amount *big.Int) (*types.Transaction, error) {
	input, err := entryPointABI.Pack("withdrawTo", withdrawAddress, amount)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: encode withdrawTo: %w", err)
	}
	return a.sendTx(ctx, input, nil, fallbackTxGas, TxOverrides{})
}

// UserOpEvent is the decoded UserOperationEvent a handleOps execution emits
// per operation.
type UserOpEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
}

// ErrEventNotFound means a receipt carries no UserOperationEvent for the
// requested hash.
var ErrEventNotFound = errors.New("entrypoint: no UserOperationEvent for hash")

// ParseUserOperationEvent finds the UserOperationEvent for userOpHash in a
// bundle transaction receipt.
func (a *Adapter) ParseUserOperationEvent(receipt *types.Receipt, userOpHash common.Hash) (*UserOpEvent, error) {
	ev := entryPointABI.Events["UserOperationEvent"]
	for _, lg := range receipt.Logs {
		if lg.Address != a.address || len(lg.Topics) != 4 || lg.Topics[0] != ev.ID {
			continue
		}
		if lg.Topics[1] != userOpHash {
			continue
		}
		vals, err := entryPointABI.Unpack("UserOperationEvent", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("entrypoint: decode UserOperationEvent: %w", err)
		}
		return &UserOpEvent{
			UserOpHash:    userOpHash,
			Sender:        common.BytesToAddress(lg.Topics[2].Bytes()),
			Paymaster:     common.BytesToAddress(lg.Topics[3].Bytes()),
			Nonce:         vals[0].(*big.Int),
			Success:       vals[1].(bool),
			ActualGasCost: vals[2].(*big.Int),
			ActualGasUsed: vals[3].(*big.Int),
		}, nil
	}
	return nil, ErrEventNotFound
}

// TransactionReceipt fetches the receipt for txHash, or ethereum.NotFound
// while the transaction is unmined.
func (a *Adapter) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return a.client.TransactionReceipt(ctx, txHash)
}

// WaitMined polls for the receipt of txHash until it lands or ctx expires.
func (a *Adapter) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			a.lg.Debug("receipt poll failed", "tx", txHash, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrTxTimeout, txHash)
		case <-ticker.C:
		}
	}
}

func (a *Adapter) view(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	input, err := entryPointABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: encode %s: %w", method, err)
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: %s call: %w", method, err)
	}
	return out, nil
}

// sendTx builds, signs, and submits an EIP-1559 transaction to the
// EntryPoint. The bundler loop is the only writer on the signer account, so
// the pending nonce is authoritative.
func (a *Adapter) sendTx(ctx context.Context, input []byte, value *big.Int, gasLimit uint64, ov TxOverrides) (*types.Transaction, error) {
	nonce, err := a.client.PendingNonceAt(ctx, a.signer)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: pending nonce: %w", err)
	}

	feeCap := ov.MaxFeePerGas
	if feeCap == nil {
		if feeCap, err = a.client.SuggestGasPrice(ctx); err != nil {
			return nil, fmt.Errorf("entrypoint: suggest gas price: %w", err)
		}
	}
	tipCap := ov.MaxPriorityFeePerGas
	if tipCap == nil {
		if tipCap, err = a.client.SuggestGasTipCap(ctx); err != nil {
			return nil, fmt.Errorf("entrypoint: suggest tip cap: %w", err)
		}
	}

	tx, err := types.SignNewTx(a.key, types.LatestSignerForChainID(a.chainID), &types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &a.address,
		Value:     value,
		Data:      input,
	})
	if err != nil {
		return nil, fmt.Errorf("entrypoint: sign transaction: %w", err)
	}
	if err := a.client.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("entrypoint: send transaction: %w", err)
	}
	a.lg.Debug("transaction submitted", "tx", tx.Hash(), "nonce", nonce, "gas", gasLimit)
	return tx, nil
}

// decodeValidationResult unpacks the ValidationResult revert payload.
func decodeValidationResult(data []byte) (*ValidationResult, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d byte payload", ErrBadRevert, len(data))
	}
	vals, err := validationResultArgs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRevert, err)
	}
	sigFailed := vals[4].([]byte)
	if len(sigFailed) > 0 && !bytes.Equal(sigFailed, make([]byte, len(sigFailed))) {
		return nil, ErrSignatureCheckFailed
	}
	return &ValidationResult{
		PreOpGas:   vals[0].(*big.Int),
		Prefund:    vals[1].(*big.Int),
		ValidAfter: vals[2].(*big.Int),
		ValidUntil: vals[3].(*big.Int),
	}, nil
}

// revertData extracts the raw revert payload from a node error, if the
// transport exposed one.
func revertData(err error) ([]byte, bool) {
	var de interface {
		Error() string
		ErrorData() interface{}
	}
	if !errors.As(err, &de) {
		return nil, false
	}
	hexStr, ok := de.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, decodeErr := hexutil.Decode(hexStr)
	if decodeErr != nil {
		return nil, false
	}
	return data, true
}

// summarizeRevert renders a short hex prefix of a revert payload for logs
// and error messages.
func summarizeRevert(data []byte) string {
	const max = 36
	if len(data) > max {
		return hexutil.Encode(data[:max]) + "..."
	}
	return hexutil.Encode(data)
}

// sumBundleGas adds up the operations' declared limits plus base transaction
// cost, as a fallback when the caller supplies no explicit limit.
func sumBundleGas(ops []*userop.UserOperation) uint64 {
	var total uint64 = 21_000
	for _, op := range ops {
		total += bigOrZero(op.VerificationGasLimit).Uint64()
		total += bigOrZero(op.CallGasLimit).Uint64()
		total += bigOrZero(op.PreVerificationGas).Uint64()
	}
	return total
}

// mulDiv returns v*num/den in integer math, never mutating v.
func mulDiv(v *big.Int, num, den int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(num))
	return out.Div(out, big.NewInt(den))
}
