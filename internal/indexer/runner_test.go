package indexer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"raffleBridge/internal/chain"
	"raffleBridge/internal/chain/chaintest"
	"raffleBridge/internal/network"
	"raffleBridge/internal/storage"
)

const fuji = 43113

var (
	lotteryAddr = common.HexToAddress("0x00000000000000000000000000000000000010ee")
	bridgeAddr  = common.HexToAddress("0x000000000000000000000000000000000000b41d")
	entered     = crypto.Keccak256Hash([]byte("RaffleEntered(address)"))
)

type memorySink struct {
	mu      sync.Mutex
	records []storage.LogRecord
}

func (s *memorySink) PutLogBatch(logs []storage.LogRecord) error {
	s.mu.Lock()
	s.records = append(s.records, logs...)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) all() []storage.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.LogRecord(nil), s.records...)
}

func newRunner(t *testing.T, cfg RunConfig) (*Runner, *chaintest.Backend, *storage.Markers, *memorySink) {
	t.Helper()
	registry, err := network.NewRegistry([]network.Config{{ID: fuji, Name: "fuji", LotteryContract: lotteryAddr, BridgeContract: bridgeAddr}})
	require.NoError(t, err)
	backend := chaintest.New(fuji)
	markers := storage.NewMarkers(storage.NewMemoryKV())
	sink := &memorySink{}
	cfg.Network = fuji
	return NewRunner(cfg, registry, chain.Static{fuji: backend}, markers, sink, nil), backend, markers, sink
}

func logAt(addr common.Address, block uint64, index uint, topic common.Hash) types.Log {
	return types.Log{
		Address:     addr,
		BlockNumber: block,
		TxHash:      common.BigToHash(common.Big1),
		Index:       index,
		Topics:      []common.Hash{topic},
	}
}

func TestSyncBoundedWindowAndMarker(t *testing.T) {
	runner, backend, markers, sink := newRunner(t, RunConfig{Window: 500})
	ctx := context.Background()
	backend.SetHead(2000)
	backend.AddLogs(
		logAt(lotteryAddr, 100, 0, entered),
		logAt(lotteryAddr, 1600, 1, entered),
		logAt(bridgeAddr, 1999, 2, entered),
	)

	n, err := runner.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	records := sink.all()
	require.Equal(t, uint64(1600), records[0].BlockNumber)
	require.Equal(t, "RaffleEntered", records[0].Event)
	require.Equal(t, "lottery", records[0].Contract)
	require.Equal(t, "bridge", records[1].Contract)

	marker, ok, err := markers.Load(ctx, Subsystem, fuji)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2000), marker.LastObservedBlock)

	n, err = runner.Sync(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSyncResumesFromMarkerAndSkipsDuplicates(t *testing.T) {
	runner, backend, markers, sink := newRunner(t, RunConfig{Window: 100})
	ctx := context.Background()
	require.NoError(t, markers.Save(ctx, Subsystem, fuji, 950))
	backend.SetHead(1000)
	dup := logAt(lotteryAddr, 960, 0, entered)
	backend.AddLogs(logAt(lotteryAddr, 940, 0, entered), dup, dup)

	n, err := runner.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(960), sink.all()[0].BlockNumber)
}

func TestSyncLabelsCustomTopics(t *testing.T) {
	custom := crypto.Keccak256Hash([]byte("Custom()"))
	labels, err := ParseLabels(map[string]string{custom.Hex(): " Custom "})
	require.NoError(t, err)
	runner, backend, _, sink := newRunner(t, RunConfig{Labels: labels, HasFrom: true, FromBlock: 5})
	backend.SetHead(10)
	backend.AddLogs(logAt(lotteryAddr, 6, 0, custom))

	_, err = runner.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Custom", sink.all()[0].Event)

	_, err = ParseLabels(map[string]string{"0x01": "short"})
	require.Error(t, err)
}

func TestFollowTailsNewLogs(t *testing.T) {
	runner, backend, markers, sink := newRunner(t, RunConfig{PollInterval: time.Millisecond})
	backend.SetHead(10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- runner.Follow(ctx) }()

	backend.AddLogs(logAt(lotteryAddr, 12, 0, entered))
	backend.SetHead(12)
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		m, _, _ := markers.Load(context.Background(), Subsystem, fuji)
		return m.LastObservedBlock == 12
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
