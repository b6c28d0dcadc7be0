// Package indexer exports lottery and bridge contract logs to a log sink,
// resuming from per-network block markers.
package indexer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"raffleBridge/internal/chain"
	"raffleBridge/internal/contracts"
	"raffleBridge/internal/network"
	"raffleBridge/internal/pipeline"
	"raffleBridge/internal/storage"
)

// Subsystem is the marker namespace used by the runner.
const Subsystem = "watch"

// RunConfig holds runtime settings for one network.
type RunConfig struct {
	Network uint64
	// FromBlock overrides the stored marker when HasFrom is set.
	FromBlock    uint64
	HasFrom      bool
	Window       uint64
	PollInterval time.Duration
	Labels       map[common.Hash]string
	Retry        pipeline.RetryPolicy
}

// Runner streams contract logs of one network into a sink.
type Runner struct {
	cfg      RunConfig
	registry *network.Registry
	chains   chain.Provider
	markers  *storage.Markers
	sink     storage.LogSink
	logger   *zap.Logger
	now      func() time.Time
	seen     map[string]struct{}
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg RunConfig, registry *network.Registry, chains chain.Provider, markers *storage.Markers, sink storage.LogSink, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window == 0 {
		cfg.Window = chain.DefaultScanWindow
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = pipeline.DefaultRetryPolicy()
	}
	return &Runner{
		cfg:      cfg,
		registry: registry,
		chains:   chains,
		markers:  markers,
		sink:     sink,
		logger:   logger.With(zap.Uint64("network", cfg.Network)),
		now:      time.Now,
		seen:     make(map[string]struct{}),
	}
}

type target struct {
	backend  chain.Backend
	query    ethereum.FilterQuery
	contract map[common.Address]string
}

func (r *Runner) target(ctx context.Context) (target, error) {
	if r.sink == nil {
		return target{}, fmt.Errorf("log sink is nil")
	}
	cfg, err := r.registry.Resolve(r.cfg.Network)
	if err != nil {
		return target{}, err
	}
	contract := make(map[common.Address]string)
	var addresses []common.Address
	for _, role := range []network.Contract{network.ContractLottery, network.ContractBridge} {
		addr, err := cfg.Address(role)
		if err != nil {
			continue
		}
		contract[addr] = string(role)
		addresses = append(addresses, addr)
	}
	if len(addresses) == 0 {
		return target{}, fmt.Errorf("network %d has no lottery or bridge contract", r.cfg.Network)
	}
	topics, err := contracts.WatchedTopics()
	if err != nil {
		return target{}, fmt.Errorf("watched topics: %w", err)
	}
	for topic := range r.cfg.Labels {
		topics = append(topics, topic)
	}
	backend, err := r.chains.Backend(ctx, r.cfg.Network)
	if err != nil {
		return target{}, err
	}
	return target{
		backend:  backend,
		query:    ethereum.FilterQuery{Addresses: addresses, Topics: [][]common.Hash{topics}},
		contract: contract,
	}, nil
}

func (r *Runner) start(ctx context.Context, latest uint64) (uint64, error) {
	if r.cfg.HasFrom {
		return r.cfg.FromBlock, nil
	}
	marker, ok, err := r.markers.Load(ctx, Subsystem, r.cfg.Network)
	if err != nil {
		return 0, err
	}
	from := chain.ScanStart(latest, marker.LastObservedBlock, ok, r.cfg.Window)
	if ok {
		r.logger.Info("resume from marker", zap.Uint64("last_observed", marker.LastObservedBlock), zap.Uint64("from", from))
	}
	return from, nil
}

// Sync exports logs from the marker (bounded to one window below the head)
// up to the current head and returns the number of records written.
func (r *Runner) Sync(ctx context.Context) (int, error) {
	t, err := r.target(ctx)
	if err != nil {
		return 0, err
	}

	latest, err := t.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("get latest block: %w", err)
	}
	from, err := r.start(ctx, latest)
	if err != nil {
		return 0, err
	}
	if from > latest {
		r.logger.Info("nothing to sync", zap.Uint64("from", from), zap.Uint64("to", latest))
		return 0, nil
	}

	ranges, err := chain.SplitRange(from, latest, r.cfg.Window)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, br := range ranges {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		logs, err := r.filterLogsWithRetry(ctx, t, br)
		if err != nil {
			return total, fmt.Errorf("filter logs: %w", err)
		}
		n, err := r.write(t, logs)
		if err != nil {
			return total, err
		}
		total += n
		if err := r.markers.Save(ctx, Subsystem, r.cfg.Network, br.To); err != nil {
			return total, err
		}
		r.logger.Info("batch complete", zap.Int("logs", n), zap.Uint64("from", br.From), zap.Uint64("to", br.To))
	}
	return total, nil
}

// Follow syncs once and then tails new logs until ctx is done.
func (r *Runner) Follow(ctx context.Context) error {
	if _, err := r.Sync(ctx); err != nil {
		return err
	}
	t, err := r.target(ctx)
	if err != nil {
		return err
	}
	marker, ok, err := r.markers.Load(ctx, Subsystem, r.cfg.Network)
	if err != nil {
		return err
	}
	opts := chain.WatchOptions{PollInterval: r.cfg.PollInterval, Window: r.cfg.Window, Logger: r.logger}
	if ok {
		opts.FromBlock, opts.HasFrom = marker.LastObservedBlock+1, true
	}
	sub, err := chain.Watch(ctx, t.backend, t.query, opts)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case lg, open := <-sub.Logs():
			if !open {
				return nil
			}
			if _, err := r.write(t, []types.Log{lg}); err != nil {
				return err
			}
		case <-ticker.C:
			r.saveDelivered(ctx, sub)
		case <-ctx.Done():
			r.saveDelivered(context.WithoutCancel(ctx), sub)
			return nil
		}
	}
}

// saveDelivered advances the marker once every log up to the subscription's
// last delivered block has been consumed.
func (r *Runner) saveDelivered(ctx context.Context, sub *chain.Subscription) {
	last, ok := sub.LastBlock()
	if !ok || len(sub.Logs()) > 0 {
		return
	}
	if err := r.markers.Save(ctx, Subsystem, r.cfg.Network, last); err != nil {
		r.logger.Warn("save marker failed", zap.Error(err))
	}
}

func (r *Runner) write(t target, logs []types.Log) (int, error) {
	ingestedAt := r.now().UTC()
	records := make([]storage.LogRecord, 0, len(logs))
	for _, log := range logs {
		if r.isDuplicate(log) {
			continue
		}
		records = append(records, buildLogRecord(r.cfg.Network, t.contract[log.Address], log, r.cfg.Labels, ingestedAt))
	}
	if err := r.sink.PutLogBatch(records); err != nil {
		return 0, fmt.Errorf("store logs: %w", err)
	}
	return len(records), nil
}

func (r *Runner) filterLogsWithRetry(ctx context.Context, t target, br chain.BlockRange) ([]types.Log, error) {
	var logs []types.Log
	err := r.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		q := t.query
		q.FromBlock = new(big.Int).SetUint64(br.From)
		q.ToBlock = new(big.Int).SetUint64(br.To)
		var err error
		logs, err = t.backend.FilterLogs(ctx, q)
		if err != nil {
			r.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", br.From), zap.Uint64("to", br.To))
		}
		return err
	})
	return logs, err
}

func (r *Runner) isDuplicate(log types.Log) bool {
	id := fmt.Sprintf("%d:%s:%d", log.BlockNumber, log.TxHash.Hex(), log.Index)
	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = struct{}{}
	return false
}
