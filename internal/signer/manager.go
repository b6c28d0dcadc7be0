package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"raffleBridge/internal/aa"
	"raffleBridge/internal/chain"
	"raffleBridge/internal/contracts"
	"raffleBridge/internal/failure"
	"raffleBridge/internal/network"
	"raffleBridge/internal/storage"
)

// DefaultSettleDelay lets the previous provider finish tearing down before
// the next session starts.
const DefaultSettleDelay = 500 * time.Millisecond

// BundlerFactory opens the bundler for a network.
type BundlerFactory func(cfg network.Config) (aa.Bundler, error)

// DefaultBundlerFactory uses the network's bundler and paymaster endpoints.
func DefaultBundlerFactory(cfg network.Config) (aa.Bundler, error) {
	return aa.NewBundlerClient(cfg.BundlerEndpoint, cfg.PaymasterEndpoint, 0)
}

type Options struct {
	// HomeNetwork derives the counterfactual account address at login.
	HomeNetwork uint64
	SettleDelay time.Duration
	Salt        *big.Int
	Wait        chain.WaitOptions
	MinTipCap   *big.Int
}

// Manager owns the single active signer.
type Manager struct {
	registry *network.Registry
	chains   chain.Provider
	kv       storage.KV
	identity IdentityProvider
	bundlers BundlerFactory
	opts     Options
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	switchMu   sync.Mutex
	mu         sync.RWMutex
	active     Signer
	generation atomic.Uint64
}

func NewManager(registry *network.Registry, chains chain.Provider, kv storage.KV, identity IdentityProvider, bundlers BundlerFactory, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bundlers == nil {
		bundlers = DefaultBundlerFactory
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Salt == nil {
		opts.Salt = new(big.Int)
	}
	return &Manager{
		registry: registry,
		chains:   chains,
		kv:       kv,
		identity: identity,
		bundlers: bundlers,
		opts:     opts,
		logger:   logger,
		sleep:    chain.SleepCtx,
	}
}

// SetSleep replaces the settle-delay sleeper.
func (m *Manager) SetSleep(sleep func(ctx context.Context, d time.Duration) error) { m.sleep = sleep }

// Active returns the current signer.
func (m *Manager) Active() (Signer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.active != nil
}

// Address returns the active signer's address.
func (m *Manager) Address() (common.Address, bool) {
	s, ok := m.Active()
	if !ok {
		return common.Address{}, false
	}
	return s.Address(), true
}

// Current returns the active signer together with the generation it was
// installed under.
func (m *Manager) Current() (Signer, uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.generation.Load(), m.active != nil
}

// Generation increments on every signer switch. Work started under an older
// generation must not advance.
func (m *Manager) Generation() uint64 { return m.generation.Load() }

// ConnectWallet makes w the active Direct signer.
func (m *Manager) ConnectWallet(ctx context.Context, w Wallet) (Signer, error) {
	if w == nil {
		return nil, failure.New(failure.SignerUnavailable, "connect wallet", ErrNoSigner)
	}
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	if err := m.teardown(ctx); err != nil {
		return nil, err
	}
	s := &Direct{address: w.Address(), wallet: w}
	m.install(s)
	m.logger.Info("wallet connected", zap.String("address", s.address.Hex()), zap.Uint64("chain", w.ChainID()))
	return s, nil
}

// Login establishes an identity session and makes its abstracted account active.
func (m *Manager) Login(ctx context.Context, kind, hint string) (Signer, error) {
	if m.identity == nil {
		return nil, failure.New(failure.SignerUnavailable, "login", fmt.Errorf("no identity provider"))
	}
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	if err := m.teardown(ctx); err != nil {
		return nil, err
	}

	session, err := m.identity.Login(ctx, kind, hint)
	if err != nil {
		if IsUserRejection(err) {
			return nil, failure.New(failure.UserDeclined, "login", err)
		}
		return nil, failure.New(failure.Submission, "login", err)
	}
	if session == nil || session.Key == nil {
		return nil, failure.New(failure.UserDeclined, "login", ErrUserRejected)
	}

	owner := crypto.PubkeyToAddress(session.Key.PublicKey)
	address, err := m.counterfactual(ctx, owner)
	if err != nil {
		return nil, failure.New(failure.Submission, "login", err)
	}

	info := SessionInfo{
		Address:       address.Hex(),
		IdentityLabel: session.IdentityLabel,
		ProviderKind:  session.ProviderKind,
		SavedAt:       time.Now().UTC(),
	}
	key := session.Key
	s := &Abstracted{
		address: address,
		session: info,
		clients: make(map[uint64]*aa.Client),
		build: func(ctx context.Context, id uint64) (*aa.Client, error) {
			return m.buildClient(ctx, id, key)
		},
	}
	if m.kv != nil {
		if err := storage.PutJSON(ctx, m.kv, storage.KeySessionInfo, info); err != nil {
			m.logger.Warn("save session info failed", zap.Error(err))
		}
	}
	m.install(s)
	m.logger.Info("identity session established",
		zap.String("address", address.Hex()),
		zap.String("provider", info.ProviderKind),
	)
	return s, nil
}

// Logout tears down the active signer and forgets the saved session.
func (m *Manager) Logout(ctx context.Context) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	if err := m.teardown(ctx); err != nil {
		return err
	}
	if m.kv != nil {
		return m.kv.Delete(ctx, storage.KeySessionInfo)
	}
	return nil
}

// SavedSession returns the persisted session info, if any.
func (m *Manager) SavedSession(ctx context.Context) (SessionInfo, bool, error) {
	var info SessionInfo
	if m.kv == nil {
		return info, false, nil
	}
	ok, err := storage.GetJSON(ctx, m.kv, storage.KeySessionInfo, &info)
	return info, ok, err
}

func (m *Manager) install(s Signer) {
	m.mu.Lock()
	m.generation.Add(1)
	m.active = s
	m.mu.Unlock()
}

// teardown disconnects the active signer and waits the settle delay.
// Callers hold switchMu.
func (m *Manager) teardown(ctx context.Context) error {
	m.mu.Lock()
	prev := m.active
	if prev != nil {
		m.generation.Add(1)
		m.active = nil
	}
	m.mu.Unlock()
	if prev == nil {
		return nil
	}

	switch s := prev.(type) {
	case *Direct:
		if err := s.wallet.Disconnect(ctx); err != nil {
			m.logger.Warn("wallet disconnect failed", zap.Error(err))
		}
	case *Abstracted:
		if m.identity != nil {
			if err := m.identity.Logout(ctx); err != nil {
				m.logger.Warn("identity logout failed", zap.Error(err))
			}
		}
		if m.kv != nil {
			if err := m.kv.Delete(ctx, storage.KeySessionInfo); err != nil {
				m.logger.Warn("delete session info failed", zap.Error(err))
			}
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownSigner, prev)
	}
	return m.sleep(ctx, m.opts.SettleDelay)
}

func (m *Manager) counterfactual(ctx context.Context, owner common.Address) (common.Address, error) {
	cfg, err := m.registry.Resolve(m.opts.HomeNetwork)
	if err != nil {
		return common.Address{}, err
	}
	backend, err := m.chains.Backend(ctx, cfg.ID)
	if err != nil {
		return common.Address{}, err
	}
	return contracts.CounterfactualAddress(ctx, backend, cfg.AccountFactory, owner, m.opts.Salt)
}

func (m *Manager) buildClient(ctx context.Context, id uint64, key *ecdsa.PrivateKey) (*aa.Client, error) {
	cfg, err := m.registry.Resolve(id)
	if err != nil {
		return nil, err
	}
	backend, err := m.chains.Backend(ctx, id)
	if err != nil {
		return nil, err
	}
	bundler, err := m.bundlers(cfg)
	if err != nil {
		return nil, fmt.Errorf("bundler for %s: %w", cfg.Name, err)
	}
	return aa.NewClient(ctx, backend, bundler, key, aa.Config{
		EntryPoint: cfg.EntryPoint,
		Factory:    cfg.AccountFactory,
		Salt:       m.opts.Salt,
		MinTipCap:  m.opts.MinTipCap,
		Wait:       m.opts.Wait,
	}, m.logger.With(zap.String("network", cfg.Name)))
}
