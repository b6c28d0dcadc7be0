// Package bridge sequences cross-network token transfers: allowance, fee
// quote, submission, ledger record and source-side settlement.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"raffleBridge/internal/chain"
	"raffleBridge/internal/contracts"
	"raffleBridge/internal/failure"
	"raffleBridge/internal/ledger"
	"raffleBridge/internal/network"
	"raffleBridge/internal/pipeline"
	"raffleBridge/internal/readmodel"
	"raffleBridge/internal/signer"
)

var (
	ErrAllowanceInsufficient = errors.New("bridge: allowance insufficient after approval")
	ErrFeeUnavailable        = errors.New("bridge: fee estimate unavailable")
	ErrSameNetwork           = errors.New("bridge: source and destination are the same network")
)

type Options struct {
	// ApprovalAmount is the allowance requested when the current one is
	// short. Nil means the maximum uint256; it is never below the transfer amount.
	ApprovalAmount *big.Int
}

// Orchestrator drives bridge transfers for the active signer.
type Orchestrator struct {
	registry *network.Registry
	chains   chain.Provider
	signers  pipeline.SignerSource
	pipeline *pipeline.Pipeline
	ledger   *ledger.Ledger
	reader   *readmodel.Reader
	opts     Options
	alive    func() bool
	logger   *zap.Logger
}

func New(registry *network.Registry, chains chain.Provider, signers pipeline.SignerSource, p *pipeline.Pipeline, l *ledger.Ledger, reader *readmodel.Reader, opts Options, alive func() bool, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alive == nil {
		alive = func() bool { return true }
	}
	return &Orchestrator{
		registry: registry,
		chains:   chains,
		signers:  signers,
		pipeline: p,
		ledger:   l,
		reader:   reader,
		opts:     opts,
		alive:    alive,
		logger:   logger,
	}
}

// route is the resolved configuration for one source/destination pair.
type route struct {
	source   network.Config
	dest     network.Config
	selector uint64
	bridge   common.Address
	token    common.Address
}

func (o *Orchestrator) resolve(source, dest uint64) (route, error) {
	src, err := o.registry.Resolve(source)
	if err != nil {
		return route{}, err
	}
	dst, err := o.registry.Resolve(dest)
	if err != nil {
		return route{}, err
	}
	if src.ID == dst.ID {
		return route{}, failure.New(failure.Unsupported, "resolve route", ErrSameNetwork)
	}
	selector, err := o.registry.ResolveSelector(dst.ID)
	if err != nil {
		return route{}, err
	}
	bridgeAddr, err := src.Address(network.ContractBridge)
	if err != nil {
		return route{}, err
	}
	tokenAddr, err := src.Address(network.ContractToken)
	if err != nil {
		return route{}, err
	}
	return route{source: src, dest: dst, selector: selector, bridge: bridgeAddr, token: tokenAddr}, nil
}

func (o *Orchestrator) owner(op string) (signer.Signer, error) {
	active, ok := o.signers.Active()
	if !ok {
		return nil, failure.New(failure.SignerUnavailable, op, signer.ErrNoSigner)
	}
	return active, nil
}

// EstimateFee quotes the messaging fee for moving amount to dest. A failed
// read yields an unavailable quote, not an error; configuration problems
// are errors.
func (o *Orchestrator) EstimateFee(ctx context.Context, source, dest uint64, amount *big.Int) (FeeQuote, error) {
	r, err := o.resolve(source, dest)
	if err != nil {
		return Unavailable(), err
	}
	receiver := common.Address{}
	if active, ok := o.signers.Active(); ok {
		receiver = active.Address()
	}
	return o.quote(ctx, r, receiver, amount), nil
}

func (o *Orchestrator) quote(ctx context.Context, r route, receiver common.Address, amount *big.Int) FeeQuote {
	backend, err := o.chains.Backend(ctx, r.source.ID)
	if err != nil {
		o.logger.Warn("fee estimate unavailable", zap.Uint64("network", r.source.ID), zap.Error(err))
		return Unavailable()
	}
	fee, err := contracts.NewBridge(r.bridge, backend).EstimateFee(ctx, r.selector, receiver, amount)
	if err != nil {
		o.logger.Warn("fee estimate unavailable",
			zap.Uint64("source", r.source.ID),
			zap.Uint64("destination", r.dest.ID),
			zap.Error(err),
		)
		return Unavailable()
	}
	return Quoted(fee)
}

// Transfer moves amount of the stable token from source to dest for the
// active signer. The returned transfer is Pending when source-side
// settlement was not observed in-call.
func (o *Orchestrator) Transfer(ctx context.Context, source, dest uint64, amount *big.Int) (ledger.BridgeTransfer, error) {
	const op = "bridge transfer"
	if amount == nil || amount.Sign() <= 0 {
		return ledger.BridgeTransfer{}, fmt.Errorf("%s: %w: must be positive", op, ErrInvalidAmount)
	}
	r, err := o.resolve(source, dest)
	if err != nil {
		return ledger.BridgeTransfer{}, err
	}
	active, err := o.owner(op)
	if err != nil {
		return ledger.BridgeTransfer{}, err
	}
	owner := active.Address()
	logger := o.logger.With(
		zap.Uint64("source", r.source.ID),
		zap.Uint64("destination", r.dest.ID),
		zap.String("amount", amount.String()),
		zap.String("owner", owner.Hex()),
	)

	if err := o.ensureAllowance(ctx, r.source.ID, r.token, owner, r.bridge, amount, logger); err != nil {
		return ledger.BridgeTransfer{}, err
	}

	quote := o.quote(ctx, r, owner, amount)
	fee, ok := quote.Amount()
	if !ok {
		return ledger.BridgeTransfer{}, failure.New(failure.FeeUnavailable, op, ErrFeeUnavailable)
	}

	data, err := contracts.PackBridgeTokens(r.selector, owner, amount)
	if err != nil {
		return ledger.BridgeTransfer{}, fmt.Errorf("pack bridgeTokens: %w", err)
	}
	ticket, err := o.pipeline.Send(ctx, pipeline.Call{
		Network: r.source.ID,
		Target:  r.bridge,
		Data:    data,
		Value:   fee,
		Label:   "bridgeTokens",
	})
	if err != nil {
		return ledger.BridgeTransfer{}, err
	}

	record := ledger.BridgeTransfer{
		OperationRef:       ticket.OperationRef(),
		SignerKind:         string(ticket.Kind),
		Fallback:           ticket.Fallback,
		SourceNetwork:      r.source.ID,
		DestinationNetwork: r.dest.ID,
		Amount:             amount,
		Fee:                fee,
	}
	if ticket.TxHash != (common.Hash{}) {
		record.TxHash = ticket.TxHash.Hex()
	}
	record, err = o.ledger.Append(ctx, record)
	if err != nil {
		if record.ID == "" {
			return ledger.BridgeTransfer{}, fmt.Errorf("record transfer: %w", err)
		}
		logger.Error("transfer recorded in memory only", zap.String("id", record.ID), zap.Error(err))
	}
	logger = logger.With(zap.String("id", record.ID), zap.String("operation", record.OperationRef))
	logger.Info("bridge transfer submitted", zap.String("fee", fee.String()))

	res, awaitErr := o.pipeline.Await(ctx, ticket)
	if !o.alive() {
		return record, awaitErr
	}
	if res.TxHash != (common.Hash{}) && res.TxHash.Hex() != record.TxHash {
		if err := o.ledger.SetTxHash(ctx, record.ID, res.TxHash.Hex()); err != nil {
			logger.Warn("record transfer tx hash", zap.Error(err))
		}
	}

	switch {
	case awaitErr != nil:
		msg := failure.ReasonOf(awaitErr)
		if msg == "" {
			msg = awaitErr.Error()
		}
		settled, _, err := o.ledger.Settle(ctx, record.ID, ledger.StatusFailed, msg)
		if err != nil {
			logger.Error("settle transfer", zap.Error(err))
		}
		o.refreshPools(ctx, r)
		return settled, awaitErr
	case !res.Confirmed:
		logger.Info("transfer may still be confirming", zap.NamedError("settlement", res.Settlement))
		current, _ := o.ledger.Get(record.ID)
		return current, nil
	default:
		settled, _, err := o.ledger.Settle(ctx, record.ID, ledger.StatusSuccess, "")
		if err != nil {
			logger.Error("settle transfer", zap.Error(err))
		}
		o.refreshPools(ctx, r)
		return settled, nil
	}
}

// ensureAllowance approves spender when the owner's allowance is short and
// re-reads it before any token-moving call.
func (o *Orchestrator) ensureAllowance(ctx context.Context, id uint64, tokenAddr, owner, spender common.Address, amount *big.Int, logger *zap.Logger) error {
	const op = "verify allowance"
	backend, err := o.chains.Backend(ctx, id)
	if err != nil {
		return failure.New(failure.Unsupported, op, err)
	}
	token := contracts.NewToken(tokenAddr, backend)
	current, err := token.Allowance(ctx, owner, spender)
	if err != nil {
		return failure.New(failure.Simulation, op, err)
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}

	approval := o.approvalAmount(amount)
	logger.Info("allowance short, requesting approval",
		zap.String("allowance", current.String()),
		zap.String("approval", approval.String()),
	)
	data, err := contracts.PackApprove(spender, approval)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	res, err := o.pipeline.Submit(ctx, pipeline.Call{
		Network: id,
		Target:  tokenAddr,
		Data:    data,
		Label:   "approve",
	})
	if err != nil {
		return err
	}
	if !res.Confirmed {
		logger.Warn("approval not confirmed yet", zap.NamedError("settlement", res.Settlement))
	}

	current, err = token.Allowance(ctx, owner, spender)
	if err != nil {
		return failure.New(failure.Simulation, op, err)
	}
	if current.Cmp(amount) < 0 {
		return failure.New(failure.Simulation, op,
			fmt.Errorf("%w: have %s, need %s", ErrAllowanceInsufficient, current, amount))
	}
	return nil
}

func (o *Orchestrator) approvalAmount(amount *big.Int) *big.Int {
	approval := o.opts.ApprovalAmount
	if approval == nil {
		approval = math.MaxBig256
	}
	if approval.Cmp(amount) < 0 {
		approval = amount
	}
	return new(big.Int).Set(approval)
}

// refreshPools re-reads pool liquidity on both ends of a transfer.
func (o *Orchestrator) refreshPools(ctx context.Context, r route) {
	o.RefreshPools(ctx, r.source.ID, r.dest.ID)
}

// RefreshPools force-reads pool liquidity on source and dest. Failures are logged.
func (o *Orchestrator) RefreshPools(ctx context.Context, source, dest uint64) {
	if o.reader == nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range []uint64{source, dest} {
		id := id
		g.Go(func() error {
			if _, err := o.reader.PoolLiquidity(gctx, id, true); err != nil {
				return fmt.Errorf("network %d: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Warn("pool liquidity refresh failed", zap.Error(err))
	}
}
