// Package upkeep advances the lottery state machine once its readiness
// predicate holds.
package upkeep

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"raffleBridge/internal/chain"
	"raffleBridge/internal/contracts"
	"raffleBridge/internal/failure"
	"raffleBridge/internal/network"
	"raffleBridge/internal/pipeline"
)

type Outcome string

const (
	OutcomeTriggered   Outcome = "triggered"
	OutcomeNotEligible Outcome = "not_eligible"
	// OutcomeSubmitted means the call was sent but its confirmation was not observed.
	OutcomeSubmitted Outcome = "submitted"
)

type Result struct {
	Network uint64      `json:"network"`
	Outcome Outcome     `json:"outcome"`
	Ref     string      `json:"ref,omitempty"`
	TxHash  common.Hash `json:"txHash,omitempty"`
}

// Trigger submits performUpkeep only after a fresh eligibility check.
type Trigger struct {
	registry *network.Registry
	chains   chain.Provider
	pipeline *pipeline.Pipeline
	hooks    []func(context.Context, Result)
	logger   *zap.Logger
}

func New(registry *network.Registry, chains chain.Provider, p *pipeline.Pipeline, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{registry: registry, chains: chains, pipeline: p, logger: logger}
}

// OnResult registers fn to observe every trigger outcome.
func (t *Trigger) OnResult(fn func(context.Context, Result)) { t.hooks = append(t.hooks, fn) }

func (t *Trigger) lottery(ctx context.Context, id uint64) (*contracts.Lottery, error) {
	cfg, err := t.registry.Resolve(id)
	if err != nil {
		return nil, err
	}
	addr, err := cfg.Address(network.ContractLottery)
	if err != nil {
		return nil, err
	}
	backend, err := t.chains.Backend(ctx, id)
	if err != nil {
		return nil, failure.New(failure.Unsupported, "upkeep", err)
	}
	return contracts.NewLottery(addr, backend), nil
}

// CheckEligible runs the read-only checkUpkeep predicate.
func (t *Trigger) CheckEligible(ctx context.Context, id uint64) (bool, error) {
	lottery, err := t.lottery(ctx, id)
	if err != nil {
		return false, err
	}
	needed, _, err := lottery.CheckUpkeep(ctx)
	if err != nil {
		return false, fmt.Errorf("check upkeep: %w", err)
	}
	return needed, nil
}

// Trigger checks eligibility and, when eligible, submits performUpkeep with
// the returned perform data. An ineligible lottery is reported as
// OutcomeNotEligible without any write.
func (t *Trigger) Trigger(ctx context.Context, id uint64) (Result, error) {
	lottery, err := t.lottery(ctx, id)
	if err != nil {
		return Result{}, err
	}
	logger := t.logger.With(zap.Uint64("network", id), zap.String("lottery", lottery.Address.Hex()))

	needed, performData, err := lottery.CheckUpkeep(ctx)
	if err != nil {
		reason, _ := chain.RevertReason(err)
		return Result{}, failure.WithReason(failure.Simulation, "check upkeep", reason, err)
	}
	if !needed {
		logger.Info("upkeep not needed")
		res := Result{Network: id, Outcome: OutcomeNotEligible}
		t.emit(ctx, res)
		return res, nil
	}

	data, err := contracts.PackPerformUpkeep(performData)
	if err != nil {
		return Result{}, fmt.Errorf("pack performUpkeep: %w", err)
	}
	submitted, err := t.pipeline.Submit(ctx, pipeline.Call{
		Network: id,
		Target:  lottery.Address,
		Data:    data,
		Label:   "performUpkeep",
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{Network: id, Outcome: OutcomeTriggered, Ref: submitted.Ref, TxHash: submitted.TxHash}
	if !submitted.Confirmed {
		res.Outcome = OutcomeSubmitted
	}
	logger.Info("upkeep performed", zap.String("outcome", string(res.Outcome)), zap.String("txHash", res.TxHash.Hex()))
	t.emit(ctx, res)
	return res, nil
}

func (t *Trigger) emit(ctx context.Context, res Result) {
	for _, h := range t.hooks {
		h(ctx, res)
	}
}
