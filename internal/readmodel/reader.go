package readmodel

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"raffleBridge/internal/cache"
	"raffleBridge/internal/chain"
	"raffleBridge/internal/contracts"
	"raffleBridge/internal/network"
)

// TTLs sets how long each class of on-chain value stays fresh.
type TTLs struct {
	Balance   time.Duration
	State     time.Duration
	Static    time.Duration
	Roster    time.Duration
	Liquidity time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Balance:   15 * time.Second,
		State:     15 * time.Second,
		Static:    5 * time.Minute,
		Roster:    15 * time.Second,
		Liquidity: 30 * time.Second,
	}
}

// AccountFunc returns the address of the active signer, if any.
type AccountFunc func() (common.Address, bool)

// Snapshot is the read model of one network as seen by the active account.
type Snapshot struct {
	Network       uint64           `json:"network"`
	Account       *common.Address  `json:"account,omitempty"`
	NativeBalance *big.Int         `json:"nativeBalance,omitempty"`
	TokenBalance  *big.Int         `json:"tokenBalance,omitempty"`
	LotteryState  string           `json:"lotteryState,omitempty"`
	EntranceFee   *big.Int         `json:"entranceFee,omitempty"`
	Jackpot       *big.Int         `json:"jackpot,omitempty"`
	RecentWinner  *common.Address  `json:"recentWinner,omitempty"`
	Owner         *common.Address  `json:"owner,omitempty"`
	Players       []common.Address `json:"players"`
	PoolLiquidity *big.Int         `json:"poolLiquidity,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	// Errors lists fields that could not be read and had no cached value.
	Errors []string `json:"errors,omitempty"`
}

// Copy returns a deep copy.
func (s Snapshot) Copy() Snapshot {
	out := s
	out.Account = copyAddr(s.Account)
	out.RecentWinner = copyAddr(s.RecentWinner)
	out.Owner = copyAddr(s.Owner)
	out.NativeBalance = copyInt(s.NativeBalance)
	out.TokenBalance = copyInt(s.TokenBalance)
	out.EntranceFee = copyInt(s.EntranceFee)
	out.Jackpot = copyInt(s.Jackpot)
	out.PoolLiquidity = copyInt(s.PoolLiquidity)
	out.Players = append([]common.Address{}, s.Players...)
	out.Errors = append([]string(nil), s.Errors...)
	return out
}

func copyAddr(a *common.Address) *common.Address {
	if a == nil {
		return nil
	}
	v := *a
	return &v
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// Reader serves on-chain values through the shared cache.
type Reader struct {
	cache    *cache.Cache
	registry *network.Registry
	chains   chain.Provider
	account  AccountFunc
	ttl      TTLs
	logger   *zap.Logger
	now      func() time.Time
}

func NewReader(c *cache.Cache, registry *network.Registry, chains chain.Provider, account AccountFunc, ttl TTLs, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if account == nil {
		account = func() (common.Address, bool) { return common.Address{}, false }
	}
	return &Reader{
		cache:    c,
		registry: registry,
		chains:   chains,
		account:  account,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Reader) target(ctx context.Context, id uint64, role network.Contract) (network.Config, common.Address, chain.Backend, error) {
	cfg, err := r.registry.Resolve(id)
	if err != nil {
		return network.Config{}, common.Address{}, nil, err
	}
	addr, err := cfg.Address(role)
	if err != nil {
		return network.Config{}, common.Address{}, nil, err
	}
	backend, err := r.chains.Backend(ctx, id)
	if err != nil {
		return network.Config{}, common.Address{}, nil, err
	}
	return cfg, addr, backend, nil
}

// Players returns the lottery roster, probe-gated by the player count.
func (r *Reader) Players(ctx context.Context, id uint64, force bool) ([]common.Address, error) {
	_, addr, backend, err := r.target(ctx, id, network.ContractLottery)
	if err != nil {
		return nil, err
	}
	lottery := contracts.NewLottery(addr, backend)
	return cache.GetProbed(ctx, r.cache, cache.Key(id, addr, "players"),
		lottery.NumberOfPlayers, lottery.Players,
		cache.Options{TTL: r.ttl.Roster, ForceRefresh: force})
}

// LotteryState returns the raffle state.
func (r *Reader) LotteryState(ctx context.Context, id uint64, force bool) (contracts.RaffleState, error) {
	_, addr, backend, err := r.target(ctx, id, network.ContractLottery)
	if err != nil {
		return 0, err
	}
	lottery := contracts.NewLottery(addr, backend)
	return cache.Get(ctx, r.cache, cache.Key(id, addr, "state"), lottery.State,
		cache.Options{TTL: r.ttl.State, ForceRefresh: force})
}

// EntranceFee returns the lottery entrance fee.
func (r *Reader) EntranceFee(ctx context.Context, id uint64, force bool) (*big.Int, error) {
	_, addr, backend, err := r.target(ctx, id, network.ContractLottery)
	if err != nil {
		return nil, err
	}
	lottery := contracts.NewLottery(addr, backend)
	return cache.Get(ctx, r.cache, cache.Key(id, addr, "entranceFee"), lottery.EntranceFee,
		cache.Options{TTL: r.ttl.Static, ForceRefresh: force})
}

// PoolLiquidity returns the bridge pool balance on a network.
func (r *Reader) PoolLiquidity(ctx context.Context, id uint64, force bool) (*big.Int, error) {
	_, addr, backend, err := r.target(ctx, id, network.ContractBridge)
	if err != nil {
		return nil, err
	}
	bridge := contracts.NewBridge(addr, backend)
	return cache.Get(ctx, r.cache, cache.Key(id, addr, "poolBalance"), bridge.PoolBalance,
		cache.Options{TTL: r.ttl.Liquidity, ForceRefresh: force})
}

// TokenBalance returns the stable-token balance of account.
func (r *Reader) TokenBalance(ctx context.Context, id uint64, account common.Address, force bool) (*big.Int, error) {
	_, addr, backend, err := r.target(ctx, id, network.ContractToken)
	if err != nil {
		return nil, err
	}
	token := contracts.NewToken(addr, backend)
	return cache.Get(ctx, r.cache, cache.Key(id, addr, "balance:"+account.Hex()), func(ctx context.Context) (*big.Int, error) {
		return token.BalanceOf(ctx, account)
	}, cache.Options{TTL: r.ttl.Balance, ForceRefresh: force})
}

// NativeBalance returns the native-currency balance of account.
func (r *Reader) NativeBalance(ctx context.Context, id uint64, account common.Address, force bool) (*big.Int, error) {
	backend, err := r.chains.Backend(ctx, id)
	if err != nil {
		return nil, err
	}
	return cache.Get(ctx, r.cache, cache.Key(id, account, "native"), func(ctx context.Context) (*big.Int, error) {
		return backend.BalanceAt(ctx, account, nil)
	}, cache.Options{TTL: r.ttl.Balance, ForceRefresh: force})
}

// Snapshot reads every value of the network's read model. Individual field
// failures are reported in Snapshot.Errors and do not fail the snapshot.
func (r *Reader) Snapshot(ctx context.Context, id uint64, force bool) (Snapshot, error) {
	cfg, err := r.registry.Resolve(id)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Network: cfg.ID, Players: []common.Address{}}
	soft := func(field string, err error) {
		r.logger.Warn("snapshot field unavailable", zap.Uint64("network", id), zap.String("field", field), zap.Error(err))
		snap.Errors = append(snap.Errors, fmt.Sprintf("%s: %v", field, err))
	}

	if account, ok := r.account(); ok {
		snap.Account = &account
		if v, err := r.NativeBalance(ctx, id, account, force); err == nil {
			snap.NativeBalance = v
		} else {
			soft("nativeBalance", err)
		}
		if cfg.TokenContract != (common.Address{}) {
			if v, err := r.TokenBalance(ctx, id, account, force); err == nil {
				snap.TokenBalance = v
			} else {
				soft("tokenBalance", err)
			}
		}
	}

	if cfg.LotteryContract != (common.Address{}) {
		r.readLottery(ctx, cfg, force, &snap, soft)
	}

	if cfg.BridgeContract != (common.Address{}) {
		if v, err := r.PoolLiquidity(ctx, id, force); err == nil {
			snap.PoolLiquidity = v
		} else {
			soft("poolLiquidity", err)
		}
	}

	snap.UpdatedAt = r.now().UTC()
	return snap, nil
}

func (r *Reader) readLottery(ctx context.Context, cfg network.Config, force bool, snap *Snapshot, soft func(string, error)) {
	id := cfg.ID
	addr := cfg.LotteryContract
	backend, err := r.chains.Backend(ctx, id)
	if err != nil {
		soft("lottery", err)
		return
	}
	lottery := contracts.NewLottery(addr, backend)

	if state, err := r.LotteryState(ctx, id, force); err == nil {
		snap.LotteryState = state.String()
	} else {
		soft("lotteryState", err)
	}
	if fee, err := r.EntranceFee(ctx, id, force); err == nil {
		snap.EntranceFee = fee
	} else {
		soft("entranceFee", err)
	}

	jackpot, err := cache.Get(ctx, r.cache, cache.Key(id, addr, "jackpot"), func(ctx context.Context) (*big.Int, error) {
		return backend.BalanceAt(ctx, addr, nil)
	}, cache.Options{TTL: r.ttl.Balance, ForceRefresh: force})
	if err == nil {
		snap.Jackpot = jackpot
	} else {
		soft("jackpot", err)
	}

	winner, err := cache.Get(ctx, r.cache, cache.Key(id, addr, "recentWinner"), lottery.RecentWinner,
		cache.Options{TTL: r.ttl.State, ForceRefresh: force})
	if err == nil {
		if winner != (common.Address{}) {
			snap.RecentWinner = &winner
		}
	} else {
		soft("recentWinner", err)
	}

	owner, err := cache.Get(ctx, r.cache, cache.Key(id, addr, "owner"), lottery.Owner,
		cache.Options{TTL: r.ttl.Static, ForceRefresh: force})
	if err == nil {
		snap.Owner = &owner
	} else {
		soft("owner", err)
	}

	if players, err := r.Players(ctx, id, force); err == nil {
		snap.Players = players
	} else {
		soft("players", err)
	}
}
