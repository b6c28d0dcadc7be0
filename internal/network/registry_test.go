package network

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"raffleBridge/internal/failure"
)

func TestResolveUnknownNetwork(t *testing.T) {
	reg, err := NewRegistry(Defaults())
	require.NoError(t, err)

	_, err = reg.Resolve(1)
	require.ErrorIs(t, err, ErrNotSupported)
	require.True(t, failure.Is(err, failure.Unsupported))
}

func TestMissingContractIsUnsupported(t *testing.T) {
	reg, err := NewRegistry(Defaults())
	require.NoError(t, err)

	cfg, err := reg.Resolve(43113)
	require.NoError(t, err)
	_, err = cfg.Address(ContractBridge)
	require.ErrorIs(t, err, ErrMissingContract)
	require.True(t, failure.Is(err, failure.Unsupported))
}

func TestSelectorLookups(t *testing.T) {
	reg, err := NewRegistry(Defaults())
	require.NoError(t, err)

	sel, err := reg.ResolveSelector(84532)
	require.NoError(t, err)
	require.Equal(t, uint64(10344971235874465080), sel)

	cfg, err := reg.BySelector(16015286601757825753)
	require.NoError(t, err)
	require.Equal(t, uint64(11155111), cfg.ID)

	require.Equal(t, []uint64{43113, 84532, 11155111}, reg.IDs())
}

func TestLookupByName(t *testing.T) {
	reg, err := NewRegistry(Defaults())
	require.NoError(t, err)

	for _, input := range []string{"fuji", "FUJI", "43113"} {
		cfg, err := reg.Lookup(input)
		require.NoError(t, err, input)
		require.Equal(t, uint64(43113), cfg.ID)
	}
	_, err = reg.Lookup("mainnet")
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]Config{{ID: 1, Name: "a"}, {ID: 1, Name: "b"}})
	require.Error(t, err)
	_, err = NewRegistry([]Config{{ID: 1, RoutingSelector: 7}, {ID: 2, RoutingSelector: 7}})
	require.Error(t, err)
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	doc := `networks:
  - id: 43113
    lottery: "0x1111111111111111111111111111111111111111"
    token: "0x2222222222222222222222222222222222222222"
    bridge: "0x3333333333333333333333333333333333333333"
    bundler: "https://bundler.example/fuji"
  - id: 31337
    name: local
    rpc: "http://127.0.0.1:8545"
    selector: "42"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	t.Setenv("RAFFLE_NETWORK_43113_RPC", "https://rpc.example/fuji")

	reg, err := Load(path)
	require.NoError(t, err)

	fuji, err := reg.Resolve(43113)
	require.NoError(t, err)
	require.Equal(t, "https://rpc.example/fuji", fuji.RPCEndpoint)
	require.Equal(t, "https://bundler.example/fuji", fuji.BundlerEndpoint)
	require.Equal(t, common.HexToAddress("0x3333333333333333333333333333333333333333"), fuji.BridgeContract)
	require.Equal(t, uint8(DefaultTokenDecimals), fuji.TokenDecimals)

	local, err := reg.Lookup("local")
	require.NoError(t, err)
	require.Equal(t, uint64(42), local.RoutingSelector)
}

func TestLoadRejectsBadAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("networks:\n  - id: 43113\n    token: \"0x12\"\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestTxURL(t *testing.T) {
	cfg := Config{BlockExplorerBase: "https://testnet.snowtrace.io/"}
	require.Equal(t, "https://testnet.snowtrace.io/tx/"+common.Hash{1}.Hex(), cfg.TxURL(common.Hash{1}))
}
