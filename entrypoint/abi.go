// abi.go holds the subset of the ERC-4337 v0.6 EntryPoint ABI the bundler
// interacts with, and the revert payload layouts for the revert-as-result
// methods.
package entrypoint

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/aabundler/aabundler/userop"
)

const userOpComponents = `[
	{"name": "sender", "type": "address"},
	{"name": "nonce", "type": "uint256"},
	{"name": "initCode", "type": "bytes"},
	{"name": "callData", "type": "bytes"},
	{"name": "callGasLimit", "type": "uint256"},
	{"name": "verificationGasLimit", "type": "uint256"},
	{"name": "preVerificationGas", "type": "uint256"},
	{"name": "maxFeePerGas", "type": "uint256"},
	{"name": "maxPriorityFeePerGas", "type": "uint256"},
	{"name": "paymasterAndData", "type": "bytes"},
	{"name": "signature", "type": "bytes"}
]`

var entryPointABIJSON = `[
	{"type": "function", "name": "handleOps", "stateMutability": "nonpayable", "inputs": [
		{"name": "ops", "type": "tuple[]", "components": ` + userOpComponents + `},
		{"name": "beneficiary", "type": "address"}
	], "outputs": []},
	{"type": "function", "name": "simulateValidation", "stateMutability": "nonpayable", "inputs": [
		{"name": "userOp", "type": "tuple", "components": ` + userOpComponents + `}
	], "outputs": []},
	{"type": "function", "name": "getSenderAddress", "stateMutability": "nonpayable", "inputs": [
		{"name": "initCode", "type": "bytes"}
	], "outputs": []},
	{"type": "function", "name": "getDepositInfo", "stateMutability": "view", "inputs": [
		{"name": "account", "type": "address"}
	], "outputs": [
		{"name": "info", "type": "tuple", "components": [
			{"name": "deposit", "type": "uint112"},
			{"name": "staked", "type": "bool"},
			{"name": "stake", "type": "uint112"},
			{"name": "unstakeDelaySec", "type": "uint32"},
			{"name": "withdrawTime", "type": "uint48"}
		]}
	]},
	{"type": "function", "name": "balanceOf", "stateMutability": "view", "inputs": [
		{"name": "account", "type": "address"}
	], "outputs": [{"name": "", "type": "uint256"}]},
	{"type": "function", "name": "depositTo", "stateMutability": "payable", "inputs": [
		{"name": "account", "type": "address"}
	], "outputs": []},
	{"type": "function", "name": "addStake", "stateMutability": "payable", "inputs": [
		{"name": "unstakeDelaySec", "type": "uint32"}
	], "outputs": []},
	{"type": "function", "name": "unlockStake", "stateMutability": "nonpayable", "inputs": [], "outputs": []},
	{"type": "function", "name": "withdrawStake", "stateMutability": "nonpayable", "inputs": [
		{"name": "withdrawAddress", "type": "address"}
	], "outputs": []},
	{"type": "function", "name": "withdrawTo", "stateMutability": "nonpayable", "inputs": [
		{"name": "withdrawAddress", "type": "address"},
		{"name": "withdrawAmount", "type": "uint256"}
	], "outputs": []},
	{"type": "event", "name": "UserOperationEvent", "inputs": [
		{"name": "userOpHash", "type": "bytes32", "indexed": true},
		{"name": "sender", "type": "address", "indexed": true},
		{"name": "paymaster", "type": "address", "indexed": true},
		{"name": "nonce", "type": "uint256", "indexed": false},
		{"name": "success", "type": "bool", "indexed": false},
		{"name": "actualGasCost", "type": "uint256", "indexed": false},
		{"name": "actualGasUsed", "type": "uint256", "indexed": false}
	]}
]`

// entryPointABI is parsed once at package load.
var entryPointABI = mustParseABI(entryPointABIJSON)

// validationResultArgs is the layout of the simulateValidation revert payload
// after the 4-byte selector: (preOpGas, prefund, validAfter, validUntil,
// signatureFailed).
var validationResultArgs = abi.Arguments{
	{Type: mustType("uint256")},
	{Type: mustType("uint256")},
	{Type: mustType("uint256")},
	{Type: mustType("uint256")},
	{Type: mustType("bytes")},
}

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// abiUserOp is the Go shape of the UserOperation ABI tuple. Field order must
// match the component order above.
type abiUserOp struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func toABIUserOp(op *userop.UserOperation) abiUserOp {
	return abiUserOp{
		Sender:               op.Sender,
		Nonce:                bigOrZero(op.Nonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         bigOrZero(op.CallGasLimit),
		VerificationGasLimit: bigOrZero(op.VerificationGasLimit),
		PreVerificationGas:   bigOrZero(op.PreVerificationGas),
		MaxFeePerGas:         bigOrZero(op.MaxFeePerGas),
		MaxPriorityFeePerGas: bigOrZero(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
