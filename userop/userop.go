// Package userop defines the ERC-4337 UserOperation: the signed intent of a
// smart-contract account, submitted off-chain and executed through the
// EntryPoint. It provides the canonical operation hash, static validation,
// and the JSON wire codec used by the RPC surface and the cache.
package userop

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Static validation errors.
var (
	ErrSenderZero    = errors.New("userop: sender is zero address")
	ErrNonceMissing  = errors.New("userop: nonce is not defined")
	ErrNonceNegative = errors.New("userop: nonce is negative")
	ErrGasMissing    = errors.New("userop: gas limits are not defined")
	ErrFeeMissing    = errors.New("userop: fee caps are not defined")
	ErrTipAboveCap   = errors.New("userop: maxPriorityFeePerGas exceeds maxFeePerGas")
)

// UserOperation is an ERC-4337 v0.6 user operation.
type UserOperation struct {
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

// Validate performs static validation of the operation fields. It checks
// structure only; on-chain validity is established by EntryPoint simulation.
func (op *UserOperation) Validate() error {
	if op.Sender == (common.Address{}) {
		return ErrSenderZero
	}
	if op.Nonce == nil {
		return ErrNonceMissing
	}
	if op.Nonce.Sign() < 0 {
		return ErrNonceNegative
	}
	if op.CallGasLimit == nil || op.VerificationGasLimit == nil || op.PreVerificationGas == nil {
		return ErrGasMissing
	}
	if op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil {
		return ErrFeeMissing
	}
	if op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		return ErrTipAboveCap
	}
	return nil
}

// Paymaster returns the paymaster contract address, occupying the first 20
// bytes of PaymasterAndData. Returns the zero address when self-sponsored.
func (op *UserOperation) Paymaster() common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

// Factory returns the account factory address, occupying the first 20 bytes
// of InitCode. Returns the zero address when the account is already deployed.
func (op *UserOperation) Factory() common.Address {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength])
}

// Copy returns a deep copy of the operation.
func (op *UserOperation) Copy() *UserOperation {
	cp := &UserOperation{
		Sender:           op.Sender,
		InitCode:         append([]byte(nil), op.InitCode...),
		CallData:         append([]byte(nil), op.CallData...),
		PaymasterAndData: append([]byte(nil), op.PaymasterAndData...),
		Signature:        append([]byte(nil), op.Signature...),
	}
	cp.Nonce = copyBig(op.Nonce)
	cp.CallGasLimit = copyBig(op.CallGasLimit)
	cp.VerificationGasLimit = copyBig(op.VerificationGasLimit)
	cp.PreVerificationGas = copyBig(op.PreVerificationGas)
	cp.MaxFeePerGas = copyBig(op.MaxFeePerGas)
	cp.MaxPriorityFeePerGas = copyBig(op.MaxPriorityFeePerGas)
	return cp
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
