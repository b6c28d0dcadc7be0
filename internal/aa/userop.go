// Package aa builds, signs and submits EntryPoint v0.6 user operations
// through a bundler, with a direct owner-transaction fallback.
package aa

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is an EntryPoint v0.6 user operation.
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

// Hash is the entry point hash the account owner signs:
// keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainId)).
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	packed := make([]byte, 0, 32*10)
	packed = append(packed, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	packed = append(packed, word(op.Nonce)...)
	packed = append(packed, crypto.Keccak256(op.InitCode)...)
	packed = append(packed, crypto.Keccak256(op.CallData)...)
	packed = append(packed, word(op.CallGasLimit)...)
	packed = append(packed, word(op.VerificationGasLimit)...)
	packed = append(packed, word(op.PreVerificationGas)...)
	packed = append(packed, word(op.MaxFeePerGas)...)
	packed = append(packed, word(op.MaxPriorityFeePerGas)...)
	packed = append(packed, crypto.Keccak256(op.PaymasterAndData)...)

	outer := make([]byte, 0, 96)
	outer = append(outer, crypto.Keccak256(packed)...)
	outer = append(outer, common.LeftPadBytes(entryPoint.Bytes(), 32)...)
	outer = append(outer, word(chainID)...)
	return crypto.Keccak256Hash(outer)
}

// TotalGas is the sum of the three gas limits.
func (op *UserOperation) TotalGas() *big.Int {
	total := new(big.Int)
	for _, v := range []*big.Int{op.CallGasLimit, op.VerificationGasLimit, op.PreVerificationGas} {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// Copy returns a deep copy.
func (op *UserOperation) Copy() *UserOperation {
	cp := &UserOperation{Sender: op.Sender}
	cp.Nonce = copyBig(op.Nonce)
	cp.CallGasLimit = copyBig(op.CallGasLimit)
	cp.VerificationGasLimit = copyBig(op.VerificationGasLimit)
	cp.PreVerificationGas = copyBig(op.PreVerificationGas)
	cp.MaxFeePerGas = copyBig(op.MaxFeePerGas)
	cp.MaxPriorityFeePerGas = copyBig(op.MaxPriorityFeePerGas)
	cp.InitCode = common.CopyBytes(op.InitCode)
	cp.CallData = common.CopyBytes(op.CallData)
	cp.PaymasterAndData = common.CopyBytes(op.PaymasterAndData)
	cp.Signature = common.CopyBytes(op.Signature)
	return cp
}

// Normalize renders the operation in bundler wire form. Nil fields are
// dropped; numbers are hex quantities and byte fields are 0x-prefixed hex.
func (op *UserOperation) Normalize() map[string]string {
	out := map[string]string{"sender": op.Sender.Hex()}
	bigs := []struct {
		name string
		v    *big.Int
	}{
		{"nonce", op.Nonce},
		{"callGasLimit", op.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"preVerificationGas", op.PreVerificationGas},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
	}
	for _, f := range bigs {
		if f.v != nil {
			out[f.name] = hexutil.EncodeBig(f.v)
		}
	}
	raw := []struct {
		name string
		v    []byte
	}{
		{"initCode", op.InitCode},
		{"callData", op.CallData},
		{"paymasterAndData", op.PaymasterAndData},
		{"signature", op.Signature},
	}
	for _, f := range raw {
		if f.v != nil {
			out[f.name] = hexutil.Encode(f.v)
		}
	}
	return out
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.Normalize())
}

type wireOp struct {
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

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*op = UserOperation{
		Sender:               w.Sender,
		Nonce:                (*big.Int)(w.Nonce),
		InitCode:             w.InitCode,
		CallData:             w.CallData,
		CallGasLimit:         (*big.Int)(w.CallGasLimit),
		VerificationGasLimit: (*big.Int)(w.VerificationGasLimit),
		PreVerificationGas:   (*big.Int)(w.PreVerificationGas),
		MaxFeePerGas:         (*big.Int)(w.MaxFeePerGas),
		MaxPriorityFeePerGas: (*big.Int)(w.MaxPriorityFeePerGas),
		PaymasterAndData:     w.PaymasterAndData,
		Signature:            w.Signature,
	}
	return nil
}

// OpReceipt is the bundler's view of an included operation.
type OpReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	Receipt       struct {
		TransactionHash common.Hash  `json:"transactionHash"`
		BlockNumber     *hexutil.Big `json:"blockNumber"`
	} `json:"receipt"`
}

// TxHash is the bundle transaction that included the operation.
func (r *OpReceipt) TxHash() common.Hash { return r.Receipt.TransactionHash }

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
