package network

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"raffleBridge/internal/failure"
)

var (
	ErrNotSupported    = errors.New("network: not supported")
	ErrMissingContract = errors.New("network: missing contract address")
)

// DefaultTokenDecimals is the decimals of the bridged stable token.
const DefaultTokenDecimals = 6

// Contract names a deployed contract role on a network.
type Contract string

const (
	ContractLottery Contract = "lottery"
	ContractToken   Contract = "token"
	ContractBridge  Contract = "bridge"
)

// Config is the immutable description of one supported network.
type Config struct {
	ID                uint64
	Name              string
	RPCEndpoint       string
	LotteryContract   common.Address
	TokenContract     common.Address
	BridgeContract    common.Address
	RoutingSelector   uint64
	BlockExplorerBase string

	// Abstracted-account infrastructure.
	EntryPoint        common.Address
	AccountFactory    common.Address
	BundlerEndpoint   string
	PaymasterEndpoint string

	TokenDecimals uint8
}

// Address returns the contract address for a role, or ErrMissingContract.
func (c Config) Address(role Contract) (common.Address, error) {
	var addr common.Address
	switch role {
	case ContractLottery:
		addr = c.LotteryContract
	case ContractToken:
		addr = c.TokenContract
	case ContractBridge:
		addr = c.BridgeContract
	default:
		return common.Address{}, fmt.Errorf("%w: unknown role %q", ErrMissingContract, role)
	}
	if addr == (common.Address{}) {
		return common.Address{}, failure.New(failure.Unsupported, "resolve contract",
			fmt.Errorf("%w: %s on %s", ErrMissingContract, role, c.Name))
	}
	return addr, nil
}

// TxURL links a transaction hash on the network's block explorer.
func (c Config) TxURL(hash common.Hash) string {
	if c.BlockExplorerBase == "" {
		return ""
	}
	return strings.TrimRight(c.BlockExplorerBase, "/") + "/tx/" + hash.Hex()
}

// Registry maps network ids to their configuration. It is read-only after construction.
type Registry struct {
	byID       map[uint64]Config
	byName     map[string]uint64
	bySelector map[uint64]uint64
}

// NewRegistry builds a registry, rejecting duplicate ids, names or selectors.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{
		byID:       make(map[uint64]Config, len(configs)),
		byName:     make(map[string]uint64, len(configs)),
		bySelector: make(map[uint64]uint64, len(configs)),
	}
	for _, cfg := range configs {
		if cfg.ID == 0 {
			return nil, fmt.Errorf("network id is required")
		}
		if _, ok := r.byID[cfg.ID]; ok {
			return nil, fmt.Errorf("duplicate network id %d", cfg.ID)
		}
		if cfg.TokenDecimals == 0 {
			cfg.TokenDecimals = DefaultTokenDecimals
		}
		name := strings.ToLower(strings.TrimSpace(cfg.Name))
		if name != "" {
			if _, ok := r.byName[name]; ok {
				return nil, fmt.Errorf("duplicate network name %q", cfg.Name)
			}
			r.byName[name] = cfg.ID
		}
		if cfg.RoutingSelector != 0 {
			if other, ok := r.bySelector[cfg.RoutingSelector]; ok {
				return nil, fmt.Errorf("routing selector %d shared by %d and %d", cfg.RoutingSelector, other, cfg.ID)
			}
			r.bySelector[cfg.RoutingSelector] = cfg.ID
		}
		r.byID[cfg.ID] = cfg
	}
	return r, nil
}

// Resolve returns the configuration for id. Unknown ids are a hard stop.
func (r *Registry) Resolve(id uint64) (Config, error) {
	cfg, ok := r.byID[id]
	if !ok {
		return Config{}, failure.New(failure.Unsupported, "resolve network", fmt.Errorf("%w: %d", ErrNotSupported, id))
	}
	return cfg, nil
}

// ResolveSelector returns the routing selector used to address id through the bridge.
func (r *Registry) ResolveSelector(id uint64) (uint64, error) {
	cfg, err := r.Resolve(id)
	if err != nil {
		return 0, err
	}
	if cfg.RoutingSelector == 0 {
		return 0, failure.New(failure.Unsupported, "resolve selector", fmt.Errorf("%w: no routing selector for %s", ErrNotSupported, cfg.Name))
	}
	return cfg.RoutingSelector, nil
}

// BySelector maps a routing selector back to its network.
func (r *Registry) BySelector(selector uint64) (Config, error) {
	id, ok := r.bySelector[selector]
	if !ok {
		return Config{}, failure.New(failure.Unsupported, "resolve selector", fmt.Errorf("%w: selector %d", ErrNotSupported, selector))
	}
	return r.byID[id], nil
}

// Lookup resolves a network by numeric id or by name.
func (r *Registry) Lookup(input string) (Config, error) {
	input = strings.TrimSpace(input)
	if id, err := strconv.ParseUint(input, 10, 64); err == nil {
		return r.Resolve(id)
	}
	id, ok := r.byName[strings.ToLower(input)]
	if !ok {
		return Config{}, failure.New(failure.Unsupported, "resolve network", fmt.Errorf("%w: %q", ErrNotSupported, input))
	}
	return r.byID[id], nil
}

// IDs returns the supported network ids in ascending order.
func (r *Registry) IDs() []uint64 {
	ids := make([]uint64, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// All returns every configuration ordered by id.
func (r *Registry) All() []Config {
	ids := r.IDs()
	out := make([]Config, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id])
	}
	return out
}
