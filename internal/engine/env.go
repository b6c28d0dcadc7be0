// Package engine assembles the long-lived components from configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"raffleBridge/internal/bridge"
	"raffleBridge/internal/cache"
	"raffleBridge/internal/chain"
	"raffleBridge/internal/config"
	"raffleBridge/internal/ledger"
	"raffleBridge/internal/lottery"
	"raffleBridge/internal/network"
	"raffleBridge/internal/notify"
	"raffleBridge/internal/pipeline"
	"raffleBridge/internal/readmodel"
	"raffleBridge/internal/signer"
	"raffleBridge/internal/storage"
	"raffleBridge/internal/upkeep"
)

// Deps overrides collaborators that are otherwise built from Config.
type Deps struct {
	Registry  *network.Registry
	Chains    chain.Provider
	KV        storage.KV
	Identity  signer.IdentityProvider
	Bundlers  signer.BundlerFactory
	Publisher notify.Publisher
}

// Env owns every component of a running engine. Continuations check Alive
// before touching local state so nothing is written after Close.
type Env struct {
	Config    config.Config
	Logger    *zap.Logger
	Registry  *network.Registry
	Cache     *cache.Cache
	KV        storage.KV
	Chains    chain.Provider
	Markers   *storage.Markers
	Signers   *signer.Manager
	Pipeline  *pipeline.Pipeline
	Reader    *readmodel.Reader
	Refresher *readmodel.Refresher
	Ledger    *ledger.Ledger
	Tracker   *ledger.Tracker
	Bridge    *bridge.Orchestrator
	Upkeep    *upkeep.Trigger
	Entries   *lottery.Entries
	Notifier  *notify.Logged

	alive     atomic.Bool
	closeOnce sync.Once
	closers   []func() error
}

// New builds an Env from cfg, opening storage, RPC dialers and the publisher.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Env, error) {
	return NewWithDeps(ctx, cfg, Deps{}, logger)
}

// NewWithDeps builds an Env, preferring the collaborators set in deps.
func NewWithDeps(ctx context.Context, cfg config.Config, deps Deps, logger *zap.Logger) (*Env, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	env := &Env{Config: cfg, Logger: logger}
	env.alive.Store(true)

	if err := env.build(ctx, deps); err != nil {
		_ = env.Close()
		return nil, err
	}
	return env, nil
}

func (e *Env) build(ctx context.Context, deps Deps) error {
	cfg := e.Config
	logger := e.Logger

	e.Registry = deps.Registry
	if e.Registry == nil {
		registry, err := network.Load(cfg.NetworksFile)
		if err != nil {
			return fmt.Errorf("load networks: %w", err)
		}
		e.Registry = registry
	}

	e.KV = deps.KV
	if e.KV == nil {
		kv, err := OpenStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		e.KV = kv
		e.closers = append(e.closers, kv.Close)
	}

	e.Chains = deps.Chains
	if e.Chains == nil {
		dialer := chain.NewDialer(func(id uint64) (string, error) {
			nc, err := e.Registry.Resolve(id)
			if err != nil {
				return "", err
			}
			if nc.RPCEndpoint == "" {
				return "", fmt.Errorf("network %d has no rpc endpoint", id)
			}
			return nc.RPCEndpoint, nil
		})
		e.Chains = dialer
		e.closers = append(e.closers, func() error { dialer.Close(); return nil })
	}

	publisher := deps.Publisher
	if publisher == nil {
		pub, err := notify.New(notify.Config{
			Driver:  cfg.Notify.Driver,
			Topic:   cfg.Notify.Topic,
			Brokers: cfg.Notify.Brokers,
			TLS:     cfg.Notify.TLS,
		})
		if err != nil {
			return fmt.Errorf("open notifier: %w", err)
		}
		publisher = pub
	}
	e.Notifier = notify.NewLogged(publisher, cfg.Notify.Timeout, logger.Named("notify"))
	e.closers = append(e.closers, e.Notifier.Close)

	wait := chain.WaitOptions{PollInterval: cfg.WaitPoll, Timeout: cfg.WaitTimeout}
	bundlers := deps.Bundlers
	if bundlers == nil {
		bundlers = signer.DefaultBundlerFactory
	}
	identity := deps.Identity
	if identity == nil && cfg.Signer.Mode == config.SignerIdentity {
		identity = signer.NewEnvIdentityProvider()
	}
	settle := cfg.Signer.SettleDelay
	if settle == 0 {
		settle = -1
	}

	e.Cache = cache.New(logger.Named("cache"))
	e.Markers = storage.NewMarkers(e.KV)
	e.Signers = signer.NewManager(e.Registry, e.Chains, e.KV, identity, bundlers, signer.Options{
		HomeNetwork: cfg.HomeNetwork,
		SettleDelay: settle,
		Salt:        big.NewInt(cfg.Signer.Salt),
		Wait:        wait,
	}, logger.Named("signer"))
	e.Pipeline = pipeline.New(e.Signers, e.Chains, e.Cache, pipeline.Options{
		Retry: pipeline.RetryPolicy{MaxAttempts: cfg.MaxRetries, Backoff: cfg.RetryBackoff},
		Wait:  wait,
	}, logger.Named("pipeline"))
	e.Reader = readmodel.NewReader(e.Cache, e.Registry, e.Chains, e.Signers.Address, readmodel.DefaultTTLs(), logger.Named("readmodel"))
	e.Refresher = readmodel.NewRefresher(e.Reader, e.Cache, readmodel.RefresherConfig{
		Networks: e.Registry.IDs(),
		Interval: cfg.RefreshInterval,
		Timeout:  cfg.RefreshTimeout,
	}, e.Alive, logger.Named("refresher"))

	e.Ledger = ledger.New(e.KV, logger.Named("ledger"))
	if err := e.Ledger.Load(ctx); err != nil {
		return err
	}
	e.Tracker = ledger.NewTracker(e.Ledger, e.Registry, e.Chains, bundlers, cfg.TrackInterval, e.Alive, logger.Named("tracker"))

	approval, err := parseApproval(cfg.ApprovalAmount)
	if err != nil {
		return err
	}
	e.Bridge = bridge.New(e.Registry, e.Chains, e.Signers, e.Pipeline, e.Ledger, e.Reader, bridge.Options{ApprovalAmount: approval}, e.Alive, logger.Named("bridge"))
	e.Upkeep = upkeep.New(e.Registry, e.Chains, e.Pipeline, logger.Named("upkeep"))
	e.Entries = lottery.NewEntries(e.Registry, e.Signers, e.Pipeline, e.Reader, logger.Named("lottery"))
	e.Tracker.OnSettled(func(ctx context.Context, t ledger.BridgeTransfer) {
		e.Bridge.RefreshPools(ctx, t.SourceNetwork, t.DestinationNetwork)
	})

	e.publishEvents()
	return nil
}

func (e *Env) publishEvents() {
	e.Ledger.OnChange(func(t ledger.BridgeTransfer) {
		e.Notifier.Emit(context.Background(), notify.Event{
			Kind:    notify.KindTransfer,
			Subject: t.ID,
			Network: t.SourceNetwork,
			Status:  string(t.Status),
			At:      t.UpdatedAt,
			Data:    t,
		})
	})
	e.Upkeep.OnResult(func(ctx context.Context, r upkeep.Result) {
		e.Notifier.Emit(ctx, notify.Event{
			Kind:    notify.KindUpkeep,
			Subject: fmt.Sprintf("upkeep:%d", r.Network),
			Network: r.Network,
			Status:  string(r.Outcome),
			Data:    r,
		})
	})
}

// PublishEntry reports an entry outcome.
func (e *Env) PublishEntry(ctx context.Context, r lottery.Result) {
	e.Notifier.Emit(ctx, notify.Event{
		Kind:    notify.KindEntry,
		Subject: fmt.Sprintf("entry:%d:%s", r.Network, r.Participant.Hex()),
		Network: r.Network,
		Status:  string(r.Outcome),
		Data:    r,
	})
}

func parseApproval(input string) (*big.Int, error) {
	if input == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(input, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("invalid approval amount %q", input)
	}
	return v, nil
}

// ConnectSigner activates the signer described by the signer config.
// Mode "none" leaves the engine read-only.
func (e *Env) ConnectSigner(ctx context.Context) (signer.Signer, error) {
	cfg := e.Config.Signer
	switch cfg.Mode {
	case config.SignerNone:
		return nil, nil
	case config.SignerKey:
		if cfg.WalletKey == "" {
			return nil, errors.New("RAFFLE_WALLET_KEY is not set")
		}
		wallet, err := signer.KeyWalletFromHex(cfg.WalletKey, e.Chains, e.Config.HomeNetwork, chain.DefaultSendOptions())
		if err != nil {
			return nil, err
		}
		return e.Signers.ConnectWallet(ctx, wallet)
	case config.SignerIdentity:
		return e.Signers.Login(ctx, cfg.IdentityKind, cfg.IdentityHint)
	default:
		return nil, fmt.Errorf("unsupported signer mode %q", cfg.Mode)
	}
}

// Resume restarts tracking of transfers left Pending by an earlier run.
func (e *Env) Resume(ctx context.Context) (int, error) {
	return e.Tracker.Resume(ctx)
}

// Alive reports whether Close has not been called.
func (e *Env) Alive() bool { return e.alive.Load() }

// Close marks the engine dead and releases storage, RPC and publisher handles.
// Calls still in flight finish but do not mutate local state afterwards.
func (e *Env) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		e.alive.Store(false)
		for i := len(e.closers) - 1; i >= 0; i-- {
			if err := e.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Run drives the refresher and tracker until ctx is done.
func (e *Env) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Refresher.Run(ctx) })
	g.Go(func() error { return e.Tracker.Run(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
