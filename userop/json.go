// json.go implements the UserOperation wire codec. Byte fields are
// 0x-prefixed hex. Numeric fields are emitted as 0x-prefixed hex and
// accepted as hex strings, decimal strings, or raw JSON numbers.
package userop

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type wireOp struct {
	Sender               string          `json:"sender"`
	Nonce                json.RawMessage `json:"nonce"`
	InitCode             string          `json:"initCode"`
	CallData             string          `json:"callData"`
	CallGasLimit         json.RawMessage `json:"callGasLimit"`
	VerificationGasLimit json.RawMessage `json:"verificationGasLimit"`
	PreVerificationGas   json.RawMessage `json:"preVerificationGas"`
	MaxFeePerGas         json.RawMessage `json:"maxFeePerGas"`
	MaxPriorityFeePerGas json.RawMessage `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string          `json:"paymasterAndData"`
	Signature            string          `json:"signature"`
}

type wireOpOut struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// MarshalJSON implements json.Marshaler using 0x-prefixed hex throughout.
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(&wireOpOut{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(orZero(op.Nonce)),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(orZero(op.CallGasLimit)),
		VerificationGasLimit: (*hexutil.Big)(orZero(op.VerificationGasLimit)),
		PreVerificationGas:   (*hexutil.Big)(orZero(op.PreVerificationGas)),
		MaxFeePerGas:         (*hexutil.Big)(orZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: (*hexutil.Big)(orZero(op.MaxPriorityFeePerGas)),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("userop: %w", err)
	}

	if !common.IsHexAddress(w.Sender) {
		return fmt.Errorf("userop: invalid sender %q", w.Sender)
	}
	op.Sender = common.HexToAddress(w.Sender)

	var err error
	if op.Nonce, err = decodeQuantity("nonce", w.Nonce); err != nil {
		return err
	}
	if op.InitCode, err = decodeBytes("initCode", w.InitCode); err != nil {
		return err
	}
	if op.CallData, err = decodeBytes("callData", w.CallData); err != nil {
		return err
	}
	if op.CallGasLimit, err = decodeQuantity("callGasLimit", w.CallGasLimit); err != nil {
		return err
	}
	if op.VerificationGasLimit, err = decodeQuantity("verificationGasLimit", w.VerificationGasLimit); err != nil {
		return err
	}
	if op.PreVerificationGas, err = decodeQuantity("preVerificationGas", w.PreVerificationGas); err != nil {
		return err
	}
	if op.MaxFeePerGas, err = decodeQuantity("maxFeePerGas", w.MaxFeePerGas); err != nil {
		return err
	}
	if op.MaxPriorityFeePerGas, err = decodeQuantity("maxPriorityFeePerGas", w.MaxPriorityFeePerGas); err != nil {
		return err
	}
	if op.PaymasterAndData, err = decodeBytes("paymasterAndData", w.PaymasterAndData); err != nil {
		return err
	}
	if op.Signature, err = decodeBytes("signature", w.Signature); err != nil {
		return err
	}
	return nil
}

// decodeQuantity parses a numeric field given as a hex string, a decimal
// string, or a raw JSON number. A missing field decodes to nil.
func decodeQuantity(field string, raw json.RawMessage) (*big.Int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Not a string: try a raw JSON number.
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("userop: invalid %s: %s", field, raw)
		}
		s = n.String()
	}

	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok || v.Sign() < 0 {
		// Quantities are unsigned on the wire; a negative would wrap when
		// ABI-packed into a uint256.
		return nil, fmt.Errorf("userop: invalid %s: %q", field, s)
	}
	return v, nil
}

// decodeBytes parses a 0x-prefixed hex byte field. Empty and "0x" decode to
// empty bytes.
func decodeBytes(field, s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("userop: invalid %s: %w", field, err)
	}
	return b, nil
}
