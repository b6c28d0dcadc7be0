package network

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

var (
	defaultEntryPoint     = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	defaultAccountFactory = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
)

// Defaults returns the built-in networks. Contract addresses are deployment
// specific and must come from the registry file.
func Defaults() []Config {
	return []Config{
		{
			ID:                11155111,
			Name:              "sepolia",
			RPCEndpoint:       "https://ethereum-sepolia-rpc.publicnode.com",
			RoutingSelector:   16015286601757825753,
			BlockExplorerBase: "https://sepolia.etherscan.io",
			EntryPoint:        defaultEntryPoint,
			AccountFactory:    defaultAccountFactory,
			TokenDecimals:     DefaultTokenDecimals,
		},
		{
			ID:                43113,
			Name:              "fuji",
			RPCEndpoint:       "https://api.avax-test.network/ext/bc/C/rpc",
			RoutingSelector:   14767482510784806043,
			BlockExplorerBase: "https://testnet.snowtrace.io",
			EntryPoint:        defaultEntryPoint,
			AccountFactory:    defaultAccountFactory,
			TokenDecimals:     DefaultTokenDecimals,
		},
		{
			ID:                84532,
			Name:              "base-sepolia",
			RPCEndpoint:       "https://sepolia.base.org",
			RoutingSelector:   10344971235874465080,
			BlockExplorerBase: "https://sepolia.basescan.org",
			EntryPoint:        defaultEntryPoint,
			AccountFactory:    defaultAccountFactory,
			TokenDecimals:     DefaultTokenDecimals,
		},
	}
}

type fileNetwork struct {
	ID             uint64 `yaml:"id"`
	Name           string `yaml:"name"`
	RPC            string `yaml:"rpc"`
	Lottery        string `yaml:"lottery"`
	Token          string `yaml:"token"`
	Bridge         string `yaml:"bridge"`
	Selector       string `yaml:"selector"`
	Explorer       string `yaml:"explorer"`
	EntryPoint     string `yaml:"entry_point"`
	AccountFactory string `yaml:"account_factory"`
	Bundler        string `yaml:"bundler"`
	Paymaster      string `yaml:"paymaster"`
	TokenDecimals  uint8  `yaml:"token_decimals"`
}

type registryFile struct {
	Networks []fileNetwork `yaml:"networks"`
}

// envOverlay carries per-network endpoint overrides, e.g. RAFFLE_NETWORK_43113_RPC.
// Endpoints often embed provider API keys and are kept out of the file.
type envOverlay struct {
	RPC       string `envconfig:"RPC"`
	Bundler   string `envconfig:"BUNDLER"`
	Paymaster string `envconfig:"PAYMASTER"`
}

// Load builds a registry from the built-in defaults merged with the YAML file
// at path (optional) and per-network environment overrides.
func Load(path string) (*Registry, error) {
	merged := make(map[uint64]Config)
	order := make([]uint64, 0, 4)
	for _, cfg := range Defaults() {
		merged[cfg.ID] = cfg
		order = append(order, cfg.ID)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read registry: %w", err)
		}
		var file registryFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse registry: %w", err)
		}
		for _, fn := range file.Networks {
			base, known := merged[fn.ID]
			cfg, err := applyFileNetwork(base, fn)
			if err != nil {
				return nil, fmt.Errorf("network %d: %w", fn.ID, err)
			}
			if !known {
				order = append(order, fn.ID)
			}
			merged[fn.ID] = cfg
		}
	}

	configs := make([]Config, 0, len(order))
	for _, id := range order {
		cfg := merged[id]
		var overlay envOverlay
		if err := envconfig.Process(fmt.Sprintf("RAFFLE_NETWORK_%d", id), &overlay); err != nil {
			return nil, fmt.Errorf("network %d env: %w", id, err)
		}
		if overlay.RPC != "" {
			cfg.RPCEndpoint = overlay.RPC
		}
		if overlay.Bundler != "" {
			cfg.BundlerEndpoint = overlay.Bundler
		}
		if overlay.Paymaster != "" {
			cfg.PaymasterEndpoint = overlay.Paymaster
		}
		configs = append(configs, cfg)
	}
	return NewRegistry(configs)
}

func applyFileNetwork(cfg Config, fn fileNetwork) (Config, error) {
	cfg.ID = fn.ID
	if fn.Name != "" {
		cfg.Name = fn.Name
	}
	if fn.RPC != "" {
		cfg.RPCEndpoint = fn.RPC
	}
	if fn.Explorer != "" {
		cfg.BlockExplorerBase = fn.Explorer
	}
	if fn.Bundler != "" {
		cfg.BundlerEndpoint = fn.Bundler
	}
	if fn.Paymaster != "" {
		cfg.PaymasterEndpoint = fn.Paymaster
	}
	if fn.TokenDecimals != 0 {
		cfg.TokenDecimals = fn.TokenDecimals
	}
	if fn.Selector != "" {
		selector, err := strconv.ParseUint(strings.TrimSpace(fn.Selector), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid selector %q: %w", fn.Selector, err)
		}
		cfg.RoutingSelector = selector
	}

	targets := []struct {
		field string
		value string
		dst   *common.Address
	}{
		{"lottery", fn.Lottery, &cfg.LotteryContract},
		{"token", fn.Token, &cfg.TokenContract},
		{"bridge", fn.Bridge, &cfg.BridgeContract},
		{"entry_point", fn.EntryPoint, &cfg.EntryPoint},
		{"account_factory", fn.AccountFactory, &cfg.AccountFactory},
	}
	for _, target := range targets {
		if target.value == "" {
			continue
		}
		addr, err := parseAddress(target.value)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", target.field, err)
		}
		*target.dst = addr
	}
	return cfg, nil
}

func parseAddress(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address: %s", input)
	}
	addr := common.HexToAddress(input)
	if err := ethav.Validate(addr.Hex()); err != nil {
		return common.Address{}, fmt.Errorf("invalid address %s: %w", input, err)
	}
	return addr, nil
}
