// Package pipeline submits contract writes through the active signer and
// tracks them to confirmation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"raffleBridge/internal/aa"
	"raffleBridge/internal/cache"
	"raffleBridge/internal/chain"
	"raffleBridge/internal/failure"
	"raffleBridge/internal/signer"
)

var ErrSignerChanged = errors.New("pipeline: signer changed during operation")

// SignerSource exposes the active signer and its generation.
type SignerSource interface {
	Active() (signer.Signer, bool)
	Current() (signer.Signer, uint64, bool)
	Generation() uint64
}

type Options struct {
	// Retry bounds construction of abstracted account clients.
	Retry RetryPolicy
	Wait  chain.WaitOptions
}

// Ticket identifies a submitted operation awaiting settlement.
type Ticket struct {
	Ref     string
	Network uint64
	Target  common.Address
	Kind    signer.Kind
	// OpHash is set for operations handed to a bundler.
	OpHash common.Hash
	// TxHash is set for transactions broadcast directly.
	TxHash common.Hash
	// Fallback marks an abstracted call sent as an owner transaction.
	Fallback bool

	client  *aa.Client
	backend chain.Backend
}

// OperationRef is the hash that identifies the operation on chain or at the bundler.
func (t *Ticket) OperationRef() string {
	if t.OpHash != (common.Hash{}) {
		return t.OpHash.Hex()
	}
	return t.TxHash.Hex()
}

// Result is the outcome of a submitted operation.
type Result struct {
	Ref       string
	OpHash    common.Hash
	TxHash    common.Hash
	Confirmed bool
	Receipt   *types.Receipt
	// Settlement is a SettlementPending failure when confirmation was not observed.
	Settlement error
}

// Pipeline drives calls through Built, Signed, Submitted and a terminal state.
type Pipeline struct {
	signers SignerSource
	chains  chain.Provider
	cache   *cache.Cache
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	ops   map[string]*PendingOperation
	hooks []func(PendingOperation)
}

func New(signers SignerSource, chains chain.Provider, c *cache.Cache, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	return &Pipeline{
		signers: signers,
		chains:  chains,
		cache:   c,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		ops:     make(map[string]*PendingOperation),
	}
}

// OnTransition registers fn to observe every state change.
func (p *Pipeline) OnTransition(fn func(PendingOperation)) {
	p.mu.Lock()
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

// Operation returns a copy of the tracked operation.
func (p *Pipeline) Operation(ref string) (PendingOperation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.ops[ref]
	if !ok {
		return PendingOperation{}, false
	}
	return op.copy(), true
}

// Submit sends call and waits for its settlement.
func (p *Pipeline) Submit(ctx context.Context, call Call) (Result, error) {
	ticket, err := p.Send(ctx, call)
	if err != nil {
		return Result{}, err
	}
	return p.Await(ctx, ticket)
}

// Send builds, signs and submits call with the active signer.
func (p *Pipeline) Send(ctx context.Context, call Call) (*Ticket, error) {
	active, gen, ok := p.signers.Current()
	if !ok {
		return nil, failure.New(failure.SignerUnavailable, "submit "+call.Label, signer.ErrNoSigner)
	}
	if call.Value == nil {
		call.Value = new(big.Int)
	}

	ref := uuid.NewString()
	p.track(ref, call, active.Kind())
	logger := p.logger.With(
		zap.String("ref", ref),
		zap.String("call", call.Label),
		zap.Uint64("network", call.Network),
		zap.String("target", call.Target.Hex()),
	)

	var (
		ticket *Ticket
		err    error
	)
	switch s := active.(type) {
	case *signer.Direct:
		ticket, err = p.sendDirect(ctx, ref, gen, s, call, logger)
	case *signer.Abstracted:
		ticket, err = p.sendAbstracted(ctx, ref, gen, s, call, logger)
	default:
		err = failure.New(failure.SignerUnavailable, "submit "+call.Label, fmt.Errorf("%w: %T", signer.ErrUnknownSigner, active))
	}
	if err != nil {
		p.fail(ref, err)
		if failure.Is(err, failure.UserDeclined) {
			logger.Info("user declined operation")
		} else {
			logger.Error("operation submission failed", zap.Error(err))
		}
		return nil, err
	}
	logger.Info("operation submitted",
		zap.String("opHash", ticket.OpHash.Hex()),
		zap.String("txHash", ticket.TxHash.Hex()),
		zap.Bool("fallback", ticket.Fallback),
	)
	return ticket, nil
}

func (p *Pipeline) sendDirect(ctx context.Context, ref string, gen uint64, s *signer.Direct, call Call, logger *zap.Logger) (*Ticket, error) {
	op := "submit " + call.Label
	backend, err := p.chains.Backend(ctx, call.Network)
	if err != nil {
		return nil, failure.New(failure.Unsupported, op, err)
	}

	msg := ethereum.CallMsg{From: s.Address(), To: &call.Target, Value: call.Value, Data: call.Data}
	if _, err := backend.CallContract(ctx, msg, nil); err != nil {
		reason, _ := chain.RevertReason(err)
		logger.Warn("simulation reverted", zap.String("reason", reason), zap.Error(err))
		return nil, failure.WithReason(failure.Simulation, op, reason, err)
	}

	hash, err := s.Wallet().SendCall(ctx, call.Network, chain.TxRequest{To: call.Target, Data: call.Data, Value: call.Value})
	if err != nil {
		if genErr := p.checkGeneration(gen); genErr != nil {
			return nil, failure.New(failure.SignerUnavailable, op, errors.Join(genErr, err))
		}
		if signer.IsUserRejection(err) {
			return nil, failure.New(failure.UserDeclined, op, err)
		}
		return nil, failure.New(failure.Submission, op, err)
	}
	// The wallet signs inside SendCall.
	if err := p.advance(ref, gen, StateSigned, nil); err != nil {
		return nil, err
	}
	if err := p.advance(ref, gen, StateSubmitted, func(o *PendingOperation) { o.TxHash = hash }); err != nil {
		return nil, err
	}
	return &Ticket{
		Ref:     ref,
		Network: call.Network,
		Target:  call.Target,
		Kind:    signer.KindDirect,
		TxHash:  hash,
		backend: backend,
	}, nil
}

func (p *Pipeline) sendAbstracted(ctx context.Context, ref string, gen uint64, s *signer.Abstracted, call Call, logger *zap.Logger) (*Ticket, error) {
	op := "submit " + call.Label
	var client *aa.Client
	err := p.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		client, err = s.Client(ctx, call.Network)
		if err != nil {
			logger.Warn("account client unavailable", zap.Error(err))
		}
		return err
	})
	if err != nil {
		if failure.Is(err, failure.Unsupported) {
			return nil, err
		}
		return nil, failure.New(failure.Submission, op, fmt.Errorf("account client: %w", err))
	}
	backend, err := p.chains.Backend(ctx, call.Network)
	if err != nil {
		return nil, failure.New(failure.Unsupported, op, err)
	}
	ticket := &Ticket{
		Ref:     ref,
		Network: call.Network,
		Target:  call.Target,
		Kind:    signer.KindAbstracted,
		client:  client,
		backend: backend,
	}

	opHash, primaryErr := p.sendUserOp(ctx, ref, gen, client, call)
	if primaryErr == nil {
		ticket.OpHash = opHash
		if err := p.advance(ref, gen, StateSubmitted, func(o *PendingOperation) { o.OpHash = opHash }); err != nil {
			return nil, err
		}
		return ticket, nil
	}
	if errors.Is(primaryErr, ErrSignerChanged) || signer.IsUserRejection(primaryErr) {
		return nil, p.classify(op, primaryErr)
	}

	logger.Warn("user operation failed, falling back to direct transaction", zap.Error(primaryErr))
	if err := p.checkGeneration(gen); err != nil {
		return nil, err
	}
	hash, err := client.SendTransaction(ctx, call.Target, call.Value, call.Data)
	if err != nil {
		if signer.IsUserRejection(err) {
			return nil, failure.New(failure.UserDeclined, op, err)
		}
		return nil, failure.New(failure.Submission, op, errors.Join(primaryErr, err))
	}
	ticket.TxHash = hash
	ticket.Fallback = true
	if err := p.advance(ref, gen, StateSubmitted, func(o *PendingOperation) { o.TxHash = hash }); err != nil {
		return nil, err
	}
	return ticket, nil
}

func (p *Pipeline) sendUserOp(ctx context.Context, ref string, gen uint64, client *aa.Client, call Call) (common.Hash, error) {
	userOp, err := client.BuildUserOp(ctx, call.Target, call.Value, call.Data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build: %w", err)
	}
	if err := client.Sign(userOp); err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	if err := p.advance(ref, gen, StateSigned, nil); err != nil {
		return common.Hash{}, err
	}
	hash, err := client.SendUserOp(ctx, userOp)
	if err != nil {
		return common.Hash{}, fmt.Errorf("send: %w", err)
	}
	return hash, nil
}

func (p *Pipeline) classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrSignerChanged):
		return failure.New(failure.SignerUnavailable, op, err)
	case signer.IsUserRejection(err):
		return failure.New(failure.UserDeclined, op, err)
	default:
		return failure.New(failure.Submission, op, err)
	}
}

// Await observes settlement of a submitted operation. A wait that ends
// without confirmation is not an error; the result carries SettlementPending.
func (p *Pipeline) Await(ctx context.Context, t *Ticket) (Result, error) {
	res := Result{Ref: t.Ref, OpHash: t.OpHash, TxHash: t.TxHash}
	logger := p.logger.With(zap.String("ref", t.Ref), zap.String("operation", t.OperationRef()))

	if t.OpHash != (common.Hash{}) && t.client != nil {
		opReceipt, err := t.client.WaitUserOp(ctx, t.OpHash)
		if err != nil {
			logger.Warn("operation submitted, confirmation not observed", zap.Error(err))
			res.Settlement = failure.New(failure.SettlementPending, "await", err)
			return res, nil
		}
		res.TxHash = opReceipt.TxHash()
		p.update(t.Ref, func(o *PendingOperation) { o.TxHash = res.TxHash })
		if !opReceipt.Success {
			err := failure.WithReason(failure.Reverted, "await", opReceipt.Reason, fmt.Errorf("user operation %s reverted", t.OpHash.Hex()))
			p.fail(t.Ref, err)
			return res, err
		}
		if receipt, err := t.backend.TransactionReceipt(ctx, res.TxHash); err == nil {
			res.Receipt = receipt
		}
		p.confirm(t, logger)
		res.Confirmed = true
		return res, nil
	}

	receipt, err := chain.WaitMined(ctx, t.backend, t.TxHash, p.opts.Wait)
	if err != nil {
		logger.Warn("transaction submitted, confirmation not observed", zap.Error(err))
		res.Settlement = failure.New(failure.SettlementPending, "await", err)
		return res, nil
	}
	res.Receipt = receipt
	if receipt.Status != types.ReceiptStatusSuccessful {
		err := failure.New(failure.Reverted, "await", fmt.Errorf("transaction %s reverted", t.TxHash.Hex()))
		p.fail(t.Ref, err)
		return res, err
	}
	p.confirm(t, logger)
	res.Confirmed = true
	return res, nil
}

func (p *Pipeline) confirm(t *Ticket, logger *zap.Logger) {
	if err := p.set(t.Ref, StateConfirmed, nil); err != nil {
		logger.Warn("record confirmation", zap.Error(err))
	}
	if p.cache != nil {
		n := p.cache.InvalidatePrefix(cache.Prefix(t.Network, t.Target))
		p.cache.RequestRefresh()
		logger.Debug("read model invalidated", zap.Int("entries", n))
	}
	logger.Info("operation confirmed")
}

func (p *Pipeline) track(ref string, call Call, kind signer.Kind) {
	op := PendingOperation{
		Ref:        ref,
		Label:      call.Label,
		Network:    call.Network,
		Target:     call.Target,
		Calldata:   common.CopyBytes(call.Data),
		Value:      new(big.Int).Set(call.Value),
		State:      StateBuilt,
		SignerKind: kind,
		UpdatedAt:  p.now(),
	}
	p.mu.Lock()
	p.ops[ref] = &op
	hooks := append([]func(PendingOperation){}, p.hooks...)
	p.mu.Unlock()
	for _, h := range hooks {
		h(op.copy())
	}
}

func (p *Pipeline) checkGeneration(gen uint64) error {
	if p.signers.Generation() != gen {
		return ErrSignerChanged
	}
	return nil
}

// advance moves ref to state if the signer has not changed since gen.
func (p *Pipeline) advance(ref string, gen uint64, state State, mutate func(*PendingOperation)) error {
	if err := p.checkGeneration(gen); err != nil {
		return failure.New(failure.SignerUnavailable, "advance to "+state.String(), err)
	}
	return p.set(ref, state, mutate)
}

func (p *Pipeline) fail(ref string, cause error) {
	_ = p.set(ref, StateFailed, func(o *PendingOperation) { o.Error = cause.Error() })
}

func (p *Pipeline) update(ref string, mutate func(*PendingOperation)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if op, ok := p.ops[ref]; ok {
		mutate(op)
	}
}

func (p *Pipeline) set(ref string, state State, mutate func(*PendingOperation)) error {
	p.mu.Lock()
	op, ok := p.ops[ref]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown operation %s", ref)
	}
	if !canAdvance(op.State, state) {
		from := op.State
		p.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, state)
	}
	op.State = state
	op.UpdatedAt = p.now()
	if mutate != nil {
		mutate(op)
	}
	snapshot := op.copy()
	hooks := append([]func(PendingOperation){}, p.hooks...)
	p.mu.Unlock()

	for _, h := range hooks {
		h(snapshot)
	}
	return nil
}
