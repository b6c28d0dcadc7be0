package ledger

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"raffleBridge/internal/aa"
	"raffleBridge/internal/chain"
	"raffleBridge/internal/chain/chaintest"
	"raffleBridge/internal/network"
	"raffleBridge/internal/storage"
)

const (
	sepolia = 11155111
	fuji    = 43113
)

func newTransfer(amount int64) BridgeTransfer {
	return BridgeTransfer{
		TxHash:             common.HexToHash("0x01").Hex(),
		SourceNetwork:      fuji,
		DestinationNetwork: sepolia,
		Amount:             big.NewInt(amount),
		SignerKind:         "direct",
	}
}

func TestAppendPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	kv, err := storage.NewFileKV(path)
	require.NoError(t, err)

	l := New(kv, nil)
	first, err := l.Append(ctx, newTransfer(1_000_000))
	require.NoError(t, err)
	require.Equal(t, StatusPending, first.Status)
	require.NotEmpty(t, first.ID)
	_, err = l.Append(ctx, newTransfer(2_000_000))
	require.NoError(t, err)

	reopened, err := storage.NewFileKV(path)
	require.NoError(t, err)
	l2 := New(reopened, nil)
	require.NoError(t, l2.Load(ctx))
	list := l2.List()
	require.Len(t, list, 2)
	require.Equal(t, first.ID, list[0].ID)
	require.Equal(t, int64(2_000_000), list[1].Amount.Int64())
}

func TestSettleIsTerminalOnce(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemoryKV(), nil)
	var seen []Status
	l.OnChange(func(tr BridgeTransfer) { seen = append(seen, tr.Status) })

	tr, err := l.Append(ctx, newTransfer(5))
	require.NoError(t, err)

	settled, changed, err := l.Settle(ctx, tr.ID, StatusSuccess, "")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, StatusSuccess, settled.Status)

	again, changed, err := l.Settle(ctx, tr.ID, StatusFailed, "late failure")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, StatusSuccess, again.Status)
	require.Empty(t, again.Message)

	require.NoError(t, l.SetTxHash(ctx, tr.ID, "0xfeed"))
	got, ok := l.Get(tr.ID)
	require.True(t, ok)
	require.Equal(t, tr.TxHash, got.TxHash)

	require.Equal(t, []Status{StatusPending, StatusSuccess}, seen)
	require.Empty(t, l.Pending())
}

func TestSettleRejectsUnknownAndNonFinal(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemoryKV(), nil)
	_, _, err := l.Settle(ctx, "missing", StatusFailed, "")
	require.ErrorIs(t, err, ErrNotFound)

	tr, err := l.Append(ctx, newTransfer(1))
	require.NoError(t, err)
	_, _, err = l.Settle(ctx, tr.ID, StatusPending, "")
	require.Error(t, err)
}

func TestAppendCopiesAmount(t *testing.T) {
	l := New(nil, nil)
	in := newTransfer(7)
	tr, err := l.Append(context.Background(), in)
	require.NoError(t, err)
	in.Amount.SetInt64(99)
	tr.Amount.SetInt64(98)

	got, _ := l.Get(tr.ID)
	require.Equal(t, int64(7), got.Amount.Int64())
}

type receiptBundler struct {
	aa.Bundler
	receipts map[common.Hash]*aa.OpReceipt
}

func (b receiptBundler) GetUserOperationReceipt(_ context.Context, hash common.Hash) (*aa.OpReceipt, error) {
	return b.receipts[hash], nil
}

func TestTrackerSettlesFromReceipts(t *testing.T) {
	ctx := context.Background()
	registry, err := network.NewRegistry([]network.Config{{ID: fuji, Name: "fuji"}, {ID: sepolia, Name: "sepolia"}})
	require.NoError(t, err)
	backend := chaintest.New(fuji)

	kv := storage.NewMemoryKV()
	seed := New(kv, nil)

	mined := newTransfer(1)
	mined.TxHash = common.HexToHash("0xaa").Hex()
	backend.SetReceipt(common.HexToHash("0xaa"), types.ReceiptStatusSuccessful)
	reverted := newTransfer(2)
	reverted.TxHash = common.HexToHash("0xbb").Hex()
	backend.SetReceipt(common.HexToHash("0xbb"), types.ReceiptStatusFailed)
	unseen := newTransfer(3)
	unseen.TxHash = common.HexToHash("0xcc").Hex()

	opHash := common.HexToHash("0xdd")
	viaBundler := newTransfer(4)
	viaBundler.TxHash = ""
	viaBundler.SignerKind = "abstracted"
	viaBundler.OperationRef = opHash.Hex()
	opReceipt := &aa.OpReceipt{UserOpHash: opHash, Success: true}
	opReceipt.Receipt.TransactionHash = common.HexToHash("0xee")

	var ids []string
	for _, tr := range []BridgeTransfer{mined, reverted, unseen, viaBundler} {
		out, err := seed.Append(ctx, tr)
		require.NoError(t, err)
		ids = append(ids, out.ID)
	}

	l := New(kv, nil)
	bundlers := func(network.Config) (aa.Bundler, error) {
		return receiptBundler{receipts: map[common.Hash]*aa.OpReceipt{opHash: opReceipt}}, nil
	}
	tracker := NewTracker(l, registry, chain.Static{fuji: backend}, bundlers, time.Second, nil, nil)
	var settled []string
	tracker.OnSettled(func(_ context.Context, tr BridgeTransfer) { settled = append(settled, tr.ID) })

	n, err := tracker.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.ElementsMatch(t, []string{ids[0], ids[1], ids[3]}, settled)

	get := func(id string) BridgeTransfer {
		tr, ok := l.Get(id)
		require.True(t, ok)
		return tr
	}
	require.Equal(t, StatusSuccess, get(ids[0]).Status)
	require.Equal(t, StatusFailed, get(ids[1]).Status)
	require.Equal(t, StatusPending, get(ids[2]).Status)
	require.Equal(t, StatusSuccess, get(ids[3]).Status)
	require.Equal(t, common.HexToHash("0xee").Hex(), get(ids[3]).TxHash)

	n, err = tracker.CheckOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTrackerHoldsWhenNotAlive(t *testing.T) {
	ctx := context.Background()
	registry, err := network.NewRegistry([]network.Config{{ID: fuji, Name: "fuji"}})
	require.NoError(t, err)
	backend := chaintest.New(fuji)
	backend.SetReceipt(common.HexToHash("0x01"), types.ReceiptStatusSuccessful)

	l := New(storage.NewMemoryKV(), nil)
	tr, err := l.Append(ctx, newTransfer(1))
	require.NoError(t, err)

	tracker := NewTracker(l, registry, chain.Static{fuji: backend}, nil, 0, func() bool { return false }, nil)
	n, err := tracker.CheckOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	got, _ := l.Get(tr.ID)
	require.Equal(t, StatusPending, got.Status)
}
