// hash.go computes the canonical EIP-4337 userOpHash: the keccak256 of the
// ABI-encoded operation fields (dynamic fields folded to their keccak256),
// bound to the EntryPoint address and chain id by an outer hash.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var (
	typAddress = mustType("address")
	typUint256 = mustType("uint256")
	typBytes32 = mustType("bytes32")

	// packArgs encodes (sender, nonce, keccak(initCode), keccak(callData),
	// callGasLimit, verificationGasLimit, preVerificationGas, maxFeePerGas,
	// maxPriorityFeePerGas, keccak(paymasterAndData)).
	packArgs = abi.Arguments{
		{Type: typAddress}, {Type: typUint256},
		{Type: typBytes32}, {Type: typBytes32},
		{Type: typUint256}, {Type: typUint256}, {Type: typUint256},
		{Type: typUint256}, {Type: typUint256},
		{Type: typBytes32},
	}

	// outerArgs encodes (innerHash, entryPoint, chainID).
	outerArgs = abi.Arguments{
		{Type: typBytes32}, {Type: typAddress}, {Type: typUint256},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Hash returns the canonical userOpHash of op for the given EntryPoint and
// chain id. Identical canonical fields yield identical hashes on all nodes.
func Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) common.Hash {
	packed, err := packArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		keccak(op.InitCode),
		keccak(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		keccak(op.PaymasterAndData),
	)
	if err != nil {
		// Arguments are statically well-formed; Pack only fails on a
		// type mismatch, which cannot happen here.
		panic(err)
	}

	outer, err := outerArgs.Pack(keccak(packed), entryPoint, orZero(chainID))
	if err != nil {
		panic(err)
	}
	return common.Hash(keccak(outer))
}

// keccak returns the keccak256 digest of data as a fixed 32-byte array, the
// form the ABI encoder expects for bytes32.
func keccak(data []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
