package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidTxRequest = errors.New("chain: invalid tx request")
	ErrMissingBaseFee   = errors.New("chain: missing baseFee in latest header")
)

// TxSigner signs transactions for a single from-address.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// TxRequest describes a contract call to broadcast.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate
}

// SendOptions tunes gas pricing of SendTx.
type SendOptions struct {
	GasLimitMultiplier float64
	MinTipCap          *big.Int
}

// DefaultSendOptions pads estimates by 20% and floors the tip at 1 gwei.
func DefaultSendOptions() SendOptions {
	return SendOptions{GasLimitMultiplier: 1.2, MinTipCap: big.NewInt(1_000_000_000)}
}

// SendTx estimates, prices, signs and broadcasts a dynamic-fee transaction.
func SendTx(ctx context.Context, b Backend, s TxSigner, req TxRequest, opts SendOptions) (common.Hash, error) {
	if b == nil || s == nil || (req.To == common.Address{}) {
		return common.Hash{}, ErrInvalidTxRequest
	}
	if opts.MinTipCap == nil {
		opts.MinTipCap = new(big.Int)
	}
	from := s.Address()
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	chainID, err := b.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain id: %w", err)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := b.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &req.To, Value: value, Data: req.Data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
		gasLimit = applyGasMultiplier(est, opts.GasLimitMultiplier)
	}

	tip, feeCap, err := SuggestFees(ctx, b, opts.MinTipCap)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := b.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := s.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := b.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}

// FeeSource is the chain surface needed to price a dynamic-fee transaction.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// SuggestFees returns tip = max(suggested, minTip) and feeCap = 2*baseFee + tip.
func SuggestFees(ctx context.Context, b FeeSource, minTip *big.Int) (*big.Int, *big.Int, error) {
	suggestedTip, err := b.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	header, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return nil, nil, ErrMissingBaseFee
	}
	tip := new(big.Int).Set(suggestedTip)
	if minTip != nil && tip.Cmp(minTip) < 0 {
		tip.Set(minTip)
	}
	feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return tip, feeCap, nil
}

// WaitOptions bounds receipt polling.
type WaitOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
}

// ErrReceiptTimeout means no receipt was observed within the wait timeout.
// The transaction may still be mined later.
var ErrReceiptTimeout = errors.New("chain: receipt not observed before timeout")

// WaitMined polls for the receipt of hash.
func WaitMined(ctx context.Context, r Reader, hash common.Hash, opts WaitOptions) (*types.Receipt, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = SleepCtx
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	for {
		receipt, err := r.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() != nil {
				return nil, ErrReceiptTimeout
			}
			return nil, err
		}
		if err := opts.Sleep(ctx, opts.PollInterval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrReceiptTimeout
			}
			return nil, err
		}
	}
}

// SleepCtx sleeps for d or until ctx is done.
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		return est
	}
	return out
}
