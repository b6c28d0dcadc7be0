package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"raffleBridge/internal/chain"
	"raffleBridge/internal/network"
	"raffleBridge/internal/signer"
)

// DefaultTrackInterval is the pause between settlement checks of pending transfers.
const DefaultTrackInterval = 15 * time.Second

// Tracker settles Pending transfers whose confirmation was not observed in-call.
type Tracker struct {
	ledger    *Ledger
	registry  *network.Registry
	chains    chain.Provider
	bundlers  signer.BundlerFactory
	interval  time.Duration
	alive     func() bool
	onSettled func(context.Context, BridgeTransfer)
	logger    *zap.Logger
}

func NewTracker(l *Ledger, registry *network.Registry, chains chain.Provider, bundlers signer.BundlerFactory, interval time.Duration, alive func() bool, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultTrackInterval
	}
	if bundlers == nil {
		bundlers = signer.DefaultBundlerFactory
	}
	if alive == nil {
		alive = func() bool { return true }
	}
	return &Tracker{
		ledger:   l,
		registry: registry,
		chains:   chains,
		bundlers: bundlers,
		interval: interval,
		alive:    alive,
		logger:   logger,
	}
}

// OnSettled registers fn to run after a transfer reaches a final status.
func (t *Tracker) OnSettled(fn func(context.Context, BridgeTransfer)) { t.onSettled = fn }

// Resume loads the stored ledger and checks every pending transfer once.
func (t *Tracker) Resume(ctx context.Context) (int, error) {
	if err := t.ledger.Load(ctx); err != nil {
		return 0, err
	}
	pending := len(t.ledger.Pending())
	if pending > 0 {
		t.logger.Info("resuming pending transfers", zap.Int("count", pending))
	}
	return t.CheckOnce(ctx)
}

// Run checks pending transfers every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := t.CheckOnce(ctx); err != nil {
				t.logger.Warn("transfer check failed", zap.Error(err))
			}
		}
	}
}

// CheckOnce tries to settle every pending transfer and reports how many settled.
func (t *Tracker) CheckOnce(ctx context.Context) (int, error) {
	settled := 0
	var errs []error
	for _, tr := range t.ledger.Pending() {
		status, message, done, err := t.resolve(ctx, tr)
		if err != nil {
			errs = append(errs, fmt.Errorf("transfer %s: %w", tr.ID, err))
			continue
		}
		if !done {
			continue
		}
		if !t.alive() {
			return settled, errors.Join(errs...)
		}
		updated, changed, err := t.ledger.Settle(ctx, tr.ID, status, message)
		if err != nil {
			errs = append(errs, err)
		}
		if !changed {
			continue
		}
		settled++
		t.logger.Info("transfer settled",
			zap.String("id", updated.ID),
			zap.String("status", string(updated.Status)),
		)
		if t.onSettled != nil {
			t.onSettled(ctx, updated)
		}
	}
	return settled, errors.Join(errs...)
}

// resolve reports a final status for tr when the source-side outcome is known.
func (t *Tracker) resolve(ctx context.Context, tr BridgeTransfer) (Status, string, bool, error) {
	cfg, err := t.registry.Resolve(tr.SourceNetwork)
	if err != nil {
		return "", "", false, err
	}

	if tr.SignerKind == string(signer.KindAbstracted) && !tr.Fallback && tr.OperationRef != "" {
		bundler, err := t.bundlers(cfg)
		if err != nil {
			return "", "", false, err
		}
		receipt, err := bundler.GetUserOperationReceipt(ctx, common.HexToHash(tr.OperationRef))
		if err != nil || receipt == nil {
			return "", "", false, err
		}
		if tx := receipt.TxHash(); tx != (common.Hash{}) {
			if err := t.ledger.SetTxHash(ctx, tr.ID, tx.Hex()); err != nil {
				t.logger.Warn("record transfer tx hash", zap.Error(err))
			}
		}
		if !receipt.Success {
			return StatusFailed, receipt.Reason, true, nil
		}
		return StatusSuccess, "", true, nil
	}

	if tr.TxHash == "" {
		return "", "", false, nil
	}
	backend, err := t.chains.Backend(ctx, tr.SourceNetwork)
	if err != nil {
		return "", "", false, err
	}
	receipt, err := backend.TransactionReceipt(ctx, common.HexToHash(tr.TxHash))
	if errors.Is(err, ethereum.NotFound) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return StatusFailed, "source transaction reverted", true, nil
	}
	return StatusSuccess, "", true, nil
}
