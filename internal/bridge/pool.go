package bridge

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"raffleBridge/internal/contracts"
	"raffleBridge/internal/failure"
	"raffleBridge/internal/network"
	"raffleBridge/internal/pipeline"
)

// InitializePool seeds the bridge pool on a network with amount of the token.
func (o *Orchestrator) InitializePool(ctx context.Context, id uint64, amount *big.Int) (pipeline.Result, error) {
	data, err := contracts.PackInitializePool(amount)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("pack initializePool: %w", err)
	}
	return o.fundPool(ctx, id, amount, data, "initializePool")
}

// ReplenishPool adds amount of the token to the bridge pool on a network.
func (o *Orchestrator) ReplenishPool(ctx context.Context, id uint64, amount *big.Int) (pipeline.Result, error) {
	data, err := contracts.PackReplenishPool(amount)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("pack replenishPool: %w", err)
	}
	return o.fundPool(ctx, id, amount, data, "replenishPool")
}

func (o *Orchestrator) fundPool(ctx context.Context, id uint64, amount *big.Int, data []byte, label string) (pipeline.Result, error) {
	op := "bridge " + label
	if amount == nil || amount.Sign() <= 0 {
		return pipeline.Result{}, fmt.Errorf("%s: %w: must be positive", op, ErrInvalidAmount)
	}
	cfg, err := o.registry.Resolve(id)
	if err != nil {
		return pipeline.Result{}, err
	}
	bridgeAddr, err := cfg.Address(network.ContractBridge)
	if err != nil {
		return pipeline.Result{}, err
	}
	tokenAddr, err := cfg.Address(network.ContractToken)
	if err != nil {
		return pipeline.Result{}, err
	}
	active, err := o.owner(op)
	if err != nil {
		return pipeline.Result{}, err
	}
	logger := o.logger.With(zap.Uint64("network", id), zap.String("call", label), zap.String("amount", amount.String()))
	if err := o.ensureAllowance(ctx, id, tokenAddr, active.Address(), bridgeAddr, amount, logger); err != nil {
		return pipeline.Result{}, err
	}
	res, err := o.pipeline.Submit(ctx, pipeline.Call{Network: id, Target: bridgeAddr, Data: data, Label: label})
	if err != nil {
		return res, err
	}
	if res.Confirmed && o.reader != nil {
		if _, err := o.reader.PoolLiquidity(ctx, id, true); err != nil {
			logger.Warn("pool liquidity refresh failed", zap.Error(err))
		}
	}
	return res, nil
}

// PoolBalance reads the bridge pool liquidity on a network.
func (o *Orchestrator) PoolBalance(ctx context.Context, id uint64, force bool) (*big.Int, error) {
	if o.reader != nil {
		return o.reader.PoolLiquidity(ctx, id, force)
	}
	cfg, err := o.registry.Resolve(id)
	if err != nil {
		return nil, err
	}
	bridgeAddr, err := cfg.Address(network.ContractBridge)
	if err != nil {
		return nil, err
	}
	backend, err := o.chains.Backend(ctx, id)
	if err != nil {
		return nil, failure.New(failure.Unsupported, "pool balance", err)
	}
	return contracts.NewBridge(bridgeAddr, backend).PoolBalance(ctx)
}

// DestinationInfo reads how the source bridge addresses dest.
func (o *Orchestrator) DestinationInfo(ctx context.Context, source, dest uint64) (contracts.DestinationInfo, error) {
	r, err := o.resolve(source, dest)
	if err != nil {
		return contracts.DestinationInfo{}, err
	}
	backend, err := o.chains.Backend(ctx, r.source.ID)
	if err != nil {
		return contracts.DestinationInfo{}, failure.New(failure.Unsupported, "destination info", err)
	}
	return contracts.NewBridge(r.bridge, backend).DestinationInfo(ctx, r.selector)
}
