package chain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestWatchDeliversInOrderWithinWindow(t *testing.T) {
	r := &fakeReader{
		head: 1_200,
		logs: []types.Log{
			{BlockNumber: 650, Index: 0},
			{BlockNumber: 800, Index: 1},
			{BlockNumber: 1_199, Index: 2},
		},
	}

	sub, err := Watch(context.Background(), r, ethereum.FilterQuery{}, WatchOptions{
		Buffer:       1,
		PollInterval: 10 * time.Millisecond,
		Window:       300,
		FromBlock:    600,
		HasFrom:      true,
	})
	require.NoError(t, err)

	var got []uint64
	for len(got) < 3 {
		select {
		case lg := <-sub.Logs():
			got = append(got, lg.BlockNumber)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.Equal(t, []uint64{650, 800, 1_199}, got)
	last, ok := sub.LastBlock()
	require.True(t, ok)
	require.Equal(t, uint64(1_200), last)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queries {
		require.LessOrEqual(t, q.ToBlock.Uint64()-q.FromBlock.Uint64()+1, uint64(300))
	}
	_, open := <-sub.Logs()
	require.False(t, open)
}

func TestWaitMinedTimesOut(t *testing.T) {
	r := &fakeReader{}
	_, err := WaitMined(context.Background(), r, common.Hash{1}, WaitOptions{
		PollInterval: time.Millisecond,
		Timeout:      20 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrReceiptTimeout)
}

func TestWaitMinedReturnsReceipt(t *testing.T) {
	h := common.Hash{2}
	r := &fakeReader{receipts: map[common.Hash]*types.Receipt{h: {Status: types.ReceiptStatusSuccessful}}}
	receipt, err := WaitMined(context.Background(), r, h, WaitOptions{PollInterval: time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}

func TestRevertReason(t *testing.T) {
	// Error(string) selector + abi-encoded "Raffle__NotOpen"
	payload := "0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"000000000000000000000000000000000000000000000000000000000000000f" +
		"526166666c655f5f4e6f744f70656e0000000000000000000000000000000000"

	reason, ok := RevertReason(dataErr{msg: "execution reverted", data: payload})
	require.True(t, ok)
	require.Equal(t, "Raffle__NotOpen", reason)

	reason, ok = RevertReason(fmt.Errorf("call: %w", dataErr{msg: "execution reverted", data: "0xdeadbeef"}))
	require.True(t, ok)
	require.Equal(t, "custom error 0xdeadbeef", reason)

	reason, ok = RevertReason(fmt.Errorf("execution reverted: not owner"))
	require.True(t, ok)
	require.Equal(t, "not owner", reason)

	_, ok = RevertReason(errBoom)
	require.False(t, ok)
}
