package aa

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc"
)

var (
	ErrNoBundler   = errors.New("aa: bundler endpoint not configured")
	ErrNoPaymaster = errors.New("aa: paymaster endpoint not configured")
)

// GasEstimate is the bundler's gas estimate for an operation.
type GasEstimate struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

// Sponsorship is a paymaster's commitment to pay for an operation.
type Sponsorship struct {
	PaymasterAndData     []byte
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

// Bundler is the ERC-4337 bundler and paymaster RPC surface.
type Bundler interface {
	SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error)
	EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (GasEstimate, error)
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*OpReceipt, error)
	SponsorUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (*Sponsorship, error)
}

// RPCError is a JSON-RPC error returned by a bundler or paymaster.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

func (e *RPCError) ErrorCode() int { return e.Code }

// BundlerClient talks JSON-RPC to a bundler and an optional paymaster.
type BundlerClient struct {
	bundler   jsonrpc.RPCClient
	paymaster jsonrpc.RPCClient
}

var _ Bundler = (*BundlerClient)(nil)

// NewBundlerClient dials nothing; requests are plain HTTP POSTs.
// paymasterURL may be empty to disable sponsorship.
func NewBundlerClient(bundlerURL, paymasterURL string, timeout time.Duration) (*BundlerClient, error) {
	if bundlerURL == "" {
		return nil, ErrNoBundler
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	opts := &jsonrpc.RPCClientOpts{HTTPClient: &http.Client{Timeout: timeout}}
	c := &BundlerClient{bundler: jsonrpc.NewClientWithOpts(bundlerURL, opts)}
	if paymasterURL != "" {
		c.paymaster = jsonrpc.NewClientWithOpts(paymasterURL, opts)
	}
	return c, nil
}

func call(ctx context.Context, client jsonrpc.RPCClient, out interface{}, method string, params ...interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := client.Call(method, params...)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return &RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out == nil || resp.Result == nil {
		return nil
	}
	if err := resp.GetObject(out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *BundlerClient) SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error) {
	var hash common.Hash
	if err := call(ctx, c.bundler, &hash, "eth_sendUserOperation", op.Normalize(), entryPoint.Hex()); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

type wireGas struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

func (c *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (GasEstimate, error) {
	var out wireGas
	if err := call(ctx, c.bundler, &out, "eth_estimateUserOperationGas", op.Normalize(), entryPoint.Hex()); err != nil {
		return GasEstimate{}, err
	}
	if out.PreVerificationGas == nil || out.VerificationGasLimit == nil || out.CallGasLimit == nil {
		return GasEstimate{}, fmt.Errorf("eth_estimateUserOperationGas: incomplete estimate")
	}
	return GasEstimate{
		PreVerificationGas:   out.PreVerificationGas.ToInt(),
		VerificationGasLimit: out.VerificationGasLimit.ToInt(),
		CallGasLimit:         out.CallGasLimit.ToInt(),
	}, nil
}

// GetUserOperationReceipt returns nil, nil while the operation is not yet included.
func (c *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*OpReceipt, error) {
	var out *OpReceipt
	if err := call(ctx, c.bundler, &out, "eth_getUserOperationReceipt", hash.Hex()); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BundlerClient) SponsorUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (*Sponsorship, error) {
	if c.paymaster == nil {
		return nil, ErrNoPaymaster
	}
	var out struct {
		PaymasterAndData hexutil.Bytes `json:"paymasterAndData"`
		wireGas
	}
	if err := call(ctx, c.paymaster, &out, "pm_sponsorUserOperation", op.Normalize(), entryPoint.Hex()); err != nil {
		return nil, err
	}
	if len(out.PaymasterAndData) == 0 {
		return nil, fmt.Errorf("pm_sponsorUserOperation: empty paymasterAndData")
	}
	s := &Sponsorship{PaymasterAndData: out.PaymasterAndData}
	if out.PreVerificationGas != nil {
		s.PreVerificationGas = out.PreVerificationGas.ToInt()
	}
	if out.VerificationGasLimit != nil {
		s.VerificationGasLimit = out.VerificationGasLimit.ToInt()
	}
	if out.CallGasLimit != nil {
		s.CallGasLimit = out.CallGasLimit.ToInt()
	}
	return s, nil
}
