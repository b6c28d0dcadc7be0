package aa

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"raffleBridge/internal/chain"
	"raffleBridge/internal/contracts"
)

var (
	ErrInvalidConfig = errors.New("aa: invalid client config")
	// ErrOpPending means the operation was accepted but not observed on chain
	// before the wait timeout. It may still be included later.
	ErrOpPending = errors.New("aa: operation not observed before timeout")
)

// dummySignature has the shape of a real ECDSA signature so bundlers can
// simulate validation during gas estimation.
var dummySignature = hexutil.MustDecode("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

// Gas limits used when the bundler cannot estimate.
var (
	fallbackPreVerificationGas   = big.NewInt(50_000)
	fallbackVerificationGasLimit = big.NewInt(1_000_000)
	fallbackCallGasLimit         = big.NewInt(100_000)
)

// Config describes the account-abstraction deployment on one network.
type Config struct {
	EntryPoint common.Address
	Factory    common.Address
	Salt       *big.Int
	MinTipCap  *big.Int
	Wait       chain.WaitOptions
}

// Client drives one abstracted account owned by an in-memory key.
type Client struct {
	backend chain.Backend
	bundler Bundler
	key     *ecdsa.PrivateKey
	owner   *chain.LocalSigner
	sender  common.Address
	chainID *big.Int
	cfg     Config
	logger  *zap.Logger
}

// NewClient resolves the counterfactual account address of key's owner.
func NewClient(ctx context.Context, backend chain.Backend, bundler Bundler, key *ecdsa.PrivateKey, cfg Config, logger *zap.Logger) (*Client, error) {
	if backend == nil || key == nil {
		return nil, ErrInvalidConfig
	}
	if (cfg.EntryPoint == common.Address{}) || (cfg.Factory == common.Address{}) {
		return nil, fmt.Errorf("%w: entry point and factory are required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Salt == nil {
		cfg.Salt = new(big.Int)
	}
	if cfg.Wait.Timeout <= 0 {
		cfg.Wait.Timeout = 30 * time.Second
	}
	if cfg.Wait.PollInterval <= 0 {
		cfg.Wait.PollInterval = time.Second
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	owner := chain.NewLocalSigner(key)
	sender, err := contracts.CounterfactualAddress(ctx, backend, cfg.Factory, owner.Address(), cfg.Salt)
	if err != nil {
		return nil, fmt.Errorf("derive account address: %w", err)
	}
	return &Client{
		backend: backend,
		bundler: bundler,
		key:     key,
		owner:   owner,
		sender:  sender,
		chainID: chainID,
		cfg:     cfg,
		logger:  logger.With(zap.String("account", sender.Hex())),
	}, nil
}

// Address is the abstracted account address.
func (c *Client) Address() common.Address { return c.sender }

// Owner is the key address controlling the account.
func (c *Client) Owner() common.Address { return c.owner.Address() }

func (c *Client) EntryPoint() common.Address { return c.cfg.EntryPoint }

// BuildUserOp assembles an unsigned operation executing data on to.
func (c *Client) BuildUserOp(ctx context.Context, to common.Address, value *big.Int, data []byte) (*UserOperation, error) {
	if c.bundler == nil {
		return nil, ErrNoBundler
	}
	callData, err := contracts.PackExecute(to, value, data)
	if err != nil {
		return nil, err
	}

	initCode := []byte{}
	code, err := c.backend.CodeAt(ctx, c.sender, nil)
	if err != nil {
		return nil, fmt.Errorf("account code: %w", err)
	}
	if len(code) == 0 {
		create, err := contracts.PackCreateAccount(c.owner.Address(), c.cfg.Salt)
		if err != nil {
			return nil, err
		}
		initCode = append(c.cfg.Factory.Bytes(), create...)
	}

	nonce, err := contracts.AccountNonce(ctx, c.backend, c.cfg.EntryPoint, c.sender)
	if err != nil {
		return nil, fmt.Errorf("account nonce: %w", err)
	}
	tip, feeCap, err := chain.SuggestFees(ctx, c.backend, c.cfg.MinTipCap)
	if err != nil {
		return nil, err
	}

	op := &UserOperation{
		Sender:               c.sender,
		Nonce:                nonce,
		InitCode:             initCode,
		CallData:             callData,
		MaxFeePerGas:         feeCap,
		MaxPriorityFeePerGas: tip,
		PaymasterAndData:     []byte{},
		Signature:            dummySignature,
	}

	gas, err := c.bundler.EstimateUserOperationGas(ctx, op, c.cfg.EntryPoint)
	if err != nil {
		c.logger.Warn("user operation gas estimation failed, using static limits", zap.Error(err))
		op.PreVerificationGas = new(big.Int).Set(fallbackPreVerificationGas)
		op.VerificationGasLimit = new(big.Int).Set(fallbackVerificationGasLimit)
		op.CallGasLimit = new(big.Int).Set(fallbackCallGasLimit)
	} else {
		op.PreVerificationGas = gas.PreVerificationGas
		op.VerificationGasLimit = gas.VerificationGasLimit
		op.CallGasLimit = gas.CallGasLimit
	}

	sponsorship, err := c.bundler.SponsorUserOperation(ctx, op, c.cfg.EntryPoint)
	switch {
	case errors.Is(err, ErrNoPaymaster):
	case err != nil:
		c.logger.Warn("paymaster declined sponsorship", zap.Error(err))
	default:
		op.PaymasterAndData = sponsorship.PaymasterAndData
		if sponsorship.PreVerificationGas != nil {
			op.PreVerificationGas = sponsorship.PreVerificationGas
		}
		if sponsorship.VerificationGasLimit != nil {
			op.VerificationGasLimit = sponsorship.VerificationGasLimit
		}
		if sponsorship.CallGasLimit != nil {
			op.CallGasLimit = sponsorship.CallGasLimit
		}
	}
	op.Signature = nil
	return op, nil
}

// Sign sets the owner's personal-message signature over the operation hash.
func (c *Client) Sign(op *UserOperation) error {
	hash := op.Hash(c.cfg.EntryPoint, c.chainID)
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), c.key)
	if err != nil {
		return fmt.Errorf("sign user operation: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	op.Signature = sig
	return nil
}

// SendUserOp hands a signed operation to the bundler and returns its hash.
func (c *Client) SendUserOp(ctx context.Context, op *UserOperation) (common.Hash, error) {
	if c.bundler == nil {
		return common.Hash{}, ErrNoBundler
	}
	if len(op.Signature) == 0 {
		return common.Hash{}, fmt.Errorf("send user operation: unsigned")
	}
	return c.bundler.SendUserOperation(ctx, op, c.cfg.EntryPoint)
}

// OperationReceipt returns the receipt of hash, or nil when not yet included.
func (c *Client) OperationReceipt(ctx context.Context, hash common.Hash) (*OpReceipt, error) {
	if c.bundler == nil {
		return nil, ErrNoBundler
	}
	return c.bundler.GetUserOperationReceipt(ctx, hash)
}

// WaitUserOp polls the bundler until the operation is included.
// It returns ErrOpPending when the wait timeout elapses first.
func (c *Client) WaitUserOp(ctx context.Context, hash common.Hash) (*OpReceipt, error) {
	sleep := c.cfg.Wait.Sleep
	if sleep == nil {
		sleep = chain.SleepCtx
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Wait.Timeout)
	defer cancel()

	for {
		receipt, err := c.OperationReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrOpPending
			}
			c.logger.Debug("user operation receipt lookup failed", zap.Error(err))
		}
		if err := sleep(ctx, c.cfg.Wait.PollInterval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrOpPending
			}
			return nil, err
		}
	}
}

// SendTransaction executes the call with an owner-signed transaction
// against the account, deploying it first when needed.
func (c *Client) SendTransaction(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	opts := chain.DefaultSendOptions()
	if c.cfg.MinTipCap != nil {
		opts.MinTipCap = c.cfg.MinTipCap
	}

	code, err := c.backend.CodeAt(ctx, c.sender, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("account code: %w", err)
	}
	if len(code) == 0 {
		create, err := contracts.PackCreateAccount(c.owner.Address(), c.cfg.Salt)
		if err != nil {
			return common.Hash{}, err
		}
		deployHash, err := chain.SendTx(ctx, c.backend, c.owner, chain.TxRequest{To: c.cfg.Factory, Data: create}, opts)
		if err != nil {
			return common.Hash{}, fmt.Errorf("deploy account: %w", err)
		}
		receipt, err := chain.WaitMined(ctx, c.backend, deployHash, c.cfg.Wait)
		if err != nil {
			return common.Hash{}, fmt.Errorf("deploy account: %w", err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return common.Hash{}, fmt.Errorf("deploy account: reverted in %s", deployHash.Hex())
		}
		c.logger.Info("account deployed", zap.String("tx", deployHash.Hex()))
	}

	execute, err := contracts.PackExecute(to, value, data)
	if err != nil {
		return common.Hash{}, err
	}
	return chain.SendTx(ctx, c.backend, c.owner, chain.TxRequest{To: c.sender, Data: execute}, opts)
}

// WaitTransaction waits for a transaction sent by SendTransaction.
func (c *Client) WaitTransaction(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return chain.WaitMined(ctx, c.backend, hash, c.cfg.Wait)
}
