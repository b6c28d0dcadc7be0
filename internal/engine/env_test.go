package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"raffleBridge/internal/chain"
	"raffleBridge/internal/chain/chaintest"
	"raffleBridge/internal/config"
	"raffleBridge/internal/contracts"
	"raffleBridge/internal/ledger"
	"raffleBridge/internal/network"
	"raffleBridge/internal/notify"
	"raffleBridge/internal/signer"
	"raffleBridge/internal/storage"
	"raffleBridge/internal/upkeep"
)

const fuji = 43113

var lotteryAddr = common.HexToAddress("0x00000000000000000000000000000000000010ee")

func newEnv(t *testing.T, cfg config.Config) (*Env, *chaintest.Backend, *bytes.Buffer) {
	t.Helper()
	registry, err := network.NewRegistry([]network.Config{{ID: fuji, Name: "fuji", LotteryContract: lotteryAddr}})
	require.NoError(t, err)
	backend := chaintest.New(fuji)
	var out bytes.Buffer
	pub, err := notify.New(notify.Config{Driver: notify.DriverStdio, Writer: &out})
	require.NoError(t, err)

	cfg.HomeNetwork = fuji
	env, err := NewWithDeps(context.Background(), cfg, Deps{
		Registry:  registry,
		Chains:    chain.Static{fuji: backend},
		KV:        storage.NewMemoryKV(),
		Publisher: pub,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env, backend, &out
}

func events(t *testing.T, out *bytes.Buffer) []notify.Event {
	t.Helper()
	var evs []notify.Event
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var ev notify.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		evs = append(evs, ev)
	}
	return evs
}

func TestLedgerChangesArePublished(t *testing.T) {
	env, _, out := newEnv(t, config.Config{})
	ctx := context.Background()

	tr, err := env.Ledger.Append(ctx, ledger.BridgeTransfer{SourceNetwork: fuji, DestinationNetwork: 11155111, Amount: big.NewInt(5)})
	require.NoError(t, err)
	_, _, err = env.Ledger.Settle(ctx, tr.ID, ledger.StatusSuccess, "")
	require.NoError(t, err)

	evs := events(t, out)
	require.Len(t, evs, 2)
	require.Equal(t, notify.KindTransfer, evs[0].Kind)
	require.Equal(t, tr.ID, evs[0].Subject)
	require.Equal(t, "pending", evs[0].Status)
	require.Equal(t, "success", evs[1].Status)
}

func TestUpkeepResultsArePublished(t *testing.T) {
	env, backend, out := newEnv(t, config.Config{})
	lotteryABI, err := contracts.LotteryABI()
	require.NoError(t, err)
	backend.Returns(lotteryAddr, lotteryABI, "checkUpkeep", false, []byte{})

	res, err := env.Upkeep.Trigger(context.Background(), fuji)
	require.NoError(t, err)
	require.Equal(t, upkeep.OutcomeNotEligible, res.Outcome)

	evs := events(t, out)
	require.Len(t, evs, 1)
	require.Equal(t, notify.KindUpkeep, evs[0].Kind)
	require.Equal(t, "not_eligible", evs[0].Status)
}

func TestTrackerSettlementRefreshesPools(t *testing.T) {
	const sepolia = 11155111
	fujiBridge := common.HexToAddress("0x00000000000000000000000000000000000b41d9")
	sepoliaBridge := common.HexToAddress("0x00000000000000000000000000000000000b41da")
	registry, err := network.NewRegistry([]network.Config{
		{ID: fuji, Name: "fuji", BridgeContract: fujiBridge, RoutingSelector: 14767482510784806043},
		{ID: sepolia, Name: "sepolia", BridgeContract: sepoliaBridge, RoutingSelector: 16015286601757825753},
	})
	require.NoError(t, err)
	bridgeABI, err := contracts.BridgeABI()
	require.NoError(t, err)
	src, dst := chaintest.New(fuji), chaintest.New(sepolia)
	src.Returns(fujiBridge, bridgeABI, "poolBalance", big.NewInt(100))
	dst.Returns(sepoliaBridge, bridgeABI, "poolBalance", big.NewInt(200))

	env, err := NewWithDeps(context.Background(), config.Config{HomeNetwork: fuji}, Deps{
		Registry: registry,
		Chains:   chain.Static{fuji: src, sepolia: dst},
		KV:       storage.NewMemoryKV(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	ctx := context.Background()

	_, err = env.Reader.PoolLiquidity(ctx, fuji, false)
	require.NoError(t, err)
	_, err = env.Reader.PoolLiquidity(ctx, sepolia, false)
	require.NoError(t, err)
	require.Equal(t, 1, src.Calls(fujiBridge, bridgeABI, "poolBalance"))
	require.Equal(t, 1, dst.Calls(sepoliaBridge, bridgeABI, "poolBalance"))

	txHash := common.HexToHash("0x0b41d9")
	_, err = env.Ledger.Append(ctx, ledger.BridgeTransfer{
		SourceNetwork:      fuji,
		DestinationNetwork: sepolia,
		Amount:             big.NewInt(5),
		SignerKind:         string(signer.KindDirect),
		TxHash:             txHash.Hex(),
	})
	require.NoError(t, err)
	src.SetReceipt(txHash, 1)

	settled, err := env.Tracker.CheckOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, settled)
	require.Equal(t, 2, src.Calls(fujiBridge, bridgeABI, "poolBalance"))
	require.Equal(t, 2, dst.Calls(sepoliaBridge, bridgeABI, "poolBalance"))
}

func TestConnectSigner(t *testing.T) {
	env, _, _ := newEnv(t, config.Config{Signer: config.SignerConfig{Mode: config.SignerNone}})
	s, err := env.ConnectSigner(context.Background())
	require.NoError(t, err)
	require.Nil(t, s)

	env, _, _ = newEnv(t, config.Config{Signer: config.SignerConfig{Mode: config.SignerKey}})
	_, err = env.ConnectSigner(context.Background())
	require.ErrorContains(t, err, "RAFFLE_WALLET_KEY")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	env, _, _ = newEnv(t, config.Config{Signer: config.SignerConfig{
		Mode:      config.SignerKey,
		WalletKey: "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
	}})
	s, err = env.ConnectSigner(context.Background())
	require.NoError(t, err)
	require.Equal(t, signer.KindDirect, s.Kind())
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())
}

func TestCloseStopsLiveness(t *testing.T) {
	env, _, _ := newEnv(t, config.Config{})
	require.True(t, env.Alive())
	require.NoError(t, env.Close())
	require.False(t, env.Alive())
	require.NoError(t, env.Close())
}

func TestRunStopsOnCancel(t *testing.T) {
	env, _, _ := newEnv(t, config.Config{RefreshInterval: time.Hour, TrackInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}

func TestRejectsBadApprovalAmount(t *testing.T) {
	registry, err := network.NewRegistry([]network.Config{{ID: fuji, Name: "fuji"}})
	require.NoError(t, err)
	_, err = NewWithDeps(context.Background(), config.Config{ApprovalAmount: "-1"}, Deps{
		Registry: registry,
		Chains:   chain.Static{},
		KV:       storage.NewMemoryKV(),
	}, nil)
	require.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	kv, err := OpenStore(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &storage.MemoryKV{}, kv)

	kv, err = OpenStore(ctx, config.StoreConfig{Driver: "file", Path: filepath.Join(dir, "state.json")})
	require.NoError(t, err)
	require.NoError(t, storage.PutJSON(ctx, kv, storage.KeySessionInfo, map[string]string{"address": "0x1"}))

	kv, err = OpenStore(ctx, config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "db", "raffle.db")})
	require.NoError(t, err)
	require.NoError(t, kv.Close())

	_, err = OpenStore(ctx, config.StoreConfig{Driver: "etcd"})
	require.Error(t, err)
}
