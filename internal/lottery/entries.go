// Package lottery submits entry and cancellation calls for the active signer.
package lottery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"raffleBridge/internal/contracts"
	"raffleBridge/internal/failure"
	"raffleBridge/internal/network"
	"raffleBridge/internal/pipeline"
	"raffleBridge/internal/readmodel"
	"raffleBridge/internal/signer"
)

var ErrNotOpen = errors.New("lottery: raffle is not open")

// DefaultPendingWindow is how long an unconfirmed entry blocks a second one.
const DefaultPendingWindow = 5 * time.Minute

type Outcome string

const (
	OutcomeEntered        Outcome = "entered"
	OutcomeAlreadyEntered Outcome = "already_entered"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeNotEntered     Outcome = "not_entered"
	// OutcomeSubmitted means the call was sent but its confirmation was not observed.
	OutcomeSubmitted Outcome = "submitted"
)

type Result struct {
	Network     uint64         `json:"network"`
	Participant common.Address `json:"participant"`
	Outcome     Outcome        `json:"outcome"`
	Ref         string         `json:"ref,omitempty"`
	TxHash      common.Hash    `json:"txHash,omitempty"`
}

// Entries enters and leaves the lottery at most once per participant and round.
type Entries struct {
	registry      *network.Registry
	signers       pipeline.SignerSource
	pipeline      *pipeline.Pipeline
	reader        *readmodel.Reader
	pendingWindow time.Duration
	logger        *zap.Logger
	now           func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	// pending holds entries submitted without observed confirmation.
	pending map[string]time.Time
}

func NewEntries(registry *network.Registry, signers pipeline.SignerSource, p *pipeline.Pipeline, reader *readmodel.Reader, logger *zap.Logger) *Entries {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Entries{
		registry:      registry,
		signers:       signers,
		pipeline:      p,
		reader:        reader,
		pendingWindow: DefaultPendingWindow,
		logger:        logger,
		now:           time.Now,
		inflight:      make(map[string]struct{}),
		pending:       make(map[string]time.Time),
	}
}

func entryKey(id uint64, lottery, participant common.Address) string {
	return fmt.Sprintf("%d:%s:%s", id, lottery.Hex(), participant.Hex())
}

func (e *Entries) prepare(ctx context.Context, op string, id uint64) (common.Address, common.Address, error) {
	cfg, err := e.registry.Resolve(id)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	addr, err := cfg.Address(network.ContractLottery)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	active, ok := e.signers.Active()
	if !ok {
		return common.Address{}, common.Address{}, failure.New(failure.SignerUnavailable, op, signer.ErrNoSigner)
	}
	state, err := e.reader.LotteryState(ctx, id, true)
	if err != nil {
		return common.Address{}, common.Address{}, failure.New(failure.Simulation, op, fmt.Errorf("read raffle state: %w", err))
	}
	if state != contracts.RaffleOpen {
		return common.Address{}, common.Address{}, failure.WithReason(failure.Simulation, op, state.String(), ErrNotOpen)
	}
	return addr, active.Address(), nil
}

func (e *Entries) entered(ctx context.Context, id uint64, participant common.Address) (bool, error) {
	players, err := e.reader.Players(ctx, id, true)
	if err != nil {
		return false, err
	}
	for _, p := range players {
		if p == participant {
			return true, nil
		}
	}
	return false, nil
}

// Enter pays the entrance fee for the active signer. A participant already
// on the roster, or with an entry still in flight, gets OutcomeAlreadyEntered
// and no write is sent.
func (e *Entries) Enter(ctx context.Context, id uint64) (Result, error) {
	const op = "enter raffle"
	lotteryAddr, participant, err := e.prepare(ctx, op, id)
	if err != nil {
		return Result{}, err
	}
	res := Result{Network: id, Participant: participant}
	key := entryKey(id, lotteryAddr, participant)
	logger := e.logger.With(zap.Uint64("network", id), zap.String("participant", participant.Hex()))

	if !e.claim(key, true) {
		logger.Info("entry already in flight")
		res.Outcome = OutcomeAlreadyEntered
		return res, nil
	}
	defer e.release(key)

	already, err := e.entered(ctx, id, participant)
	if err != nil {
		return Result{}, failure.New(failure.Simulation, op, fmt.Errorf("read roster: %w", err))
	}
	if already {
		e.clearPending(key)
		logger.Info("participant already entered")
		res.Outcome = OutcomeAlreadyEntered
		return res, nil
	}

	fee, err := e.reader.EntranceFee(ctx, id, false)
	if err != nil {
		return Result{}, failure.New(failure.Simulation, op, fmt.Errorf("read entrance fee: %w", err))
	}
	data, err := contracts.PackEnterRaffle()
	if err != nil {
		return Result{}, fmt.Errorf("pack enterRaffle: %w", err)
	}
	submitted, err := e.pipeline.Submit(ctx, pipeline.Call{
		Network: id,
		Target:  lotteryAddr,
		Data:    data,
		Value:   fee,
		Label:   "enterRaffle",
	})
	if err != nil {
		return Result{}, err
	}
	res.Ref = submitted.Ref
	res.TxHash = submitted.TxHash
	if !submitted.Confirmed {
		e.markPending(key)
		res.Outcome = OutcomeSubmitted
		return res, nil
	}
	res.Outcome = OutcomeEntered
	e.refreshRoster(ctx, id, logger)
	return res, nil
}

// Cancel withdraws the active signer's entry.
func (e *Entries) Cancel(ctx context.Context, id uint64) (Result, error) {
	const op = "cancel entry"
	lotteryAddr, participant, err := e.prepare(ctx, op, id)
	if err != nil {
		return Result{}, err
	}
	res := Result{Network: id, Participant: participant}
	key := entryKey(id, lotteryAddr, participant)
	logger := e.logger.With(zap.Uint64("network", id), zap.String("participant", participant.Hex()))

	if !e.claim(key, false) {
		return Result{}, failure.New(failure.Submission, op, fmt.Errorf("entry operation already in flight"))
	}
	defer e.release(key)

	entered, err := e.entered(ctx, id, participant)
	if err != nil {
		return Result{}, failure.New(failure.Simulation, op, fmt.Errorf("read roster: %w", err))
	}
	if !entered {
		res.Outcome = OutcomeNotEntered
		return res, nil
	}

	data, err := contracts.PackCancelEntry()
	if err != nil {
		return Result{}, fmt.Errorf("pack cancelEntry: %w", err)
	}
	submitted, err := e.pipeline.Submit(ctx, pipeline.Call{Network: id, Target: lotteryAddr, Data: data, Label: "cancelEntry"})
	if err != nil {
		return Result{}, err
	}
	e.clearPending(key)
	res.Ref = submitted.Ref
	res.TxHash = submitted.TxHash
	res.Outcome = OutcomeCancelled
	if !submitted.Confirmed {
		res.Outcome = OutcomeSubmitted
		return res, nil
	}
	e.refreshRoster(ctx, id, logger)
	return res, nil
}

func (e *Entries) refreshRoster(ctx context.Context, id uint64, logger *zap.Logger) {
	if _, err := e.reader.Players(ctx, id, true); err != nil {
		logger.Warn("roster refresh failed", zap.Error(err))
	}
}

// claim marks key in flight. It fails while another call holds key or, when
// blockPending is set, an earlier entry is still awaiting confirmation.
func (e *Entries) claim(key string, blockPending bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	if at, ok := e.pending[key]; ok && blockPending {
		if e.now().Sub(at) < e.pendingWindow {
			return false
		}
		delete(e.pending, key)
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Entries) release(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

func (e *Entries) markPending(key string) {
	e.mu.Lock()
	e.pending[key] = e.now()
	e.mu.Unlock()
}

func (e *Entries) clearPending(key string) {
	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()
}
