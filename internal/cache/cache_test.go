package cache

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache() (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(nil)
	c.SetClock(clock.Now)
	return c, clock
}

func counter(v int64) (func(context.Context) (*big.Int, error), *atomic.Int32) {
	calls := &atomic.Int32{}
	return func(context.Context) (*big.Int, error) {
		calls.Add(1)
		return big.NewInt(v + int64(calls.Load())), nil
	}, calls
}

func TestGetHonoursTTL(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache()
	fetch, calls := counter(100)
	opts := Options{TTL: 30 * time.Second}

	v, err := Get(ctx, c, "k", fetch, opts)
	require.NoError(t, err)
	require.Equal(t, int64(101), v.Int64())

	clock.Advance(10 * time.Second)
	v, err = Get(ctx, c, "k", fetch, opts)
	require.NoError(t, err)
	require.Equal(t, int64(101), v.Int64())
	require.Equal(t, int32(1), calls.Load())

	clock.Advance(25 * time.Second)
	v, err = Get(ctx, c, "k", fetch, opts)
	require.NoError(t, err)
	require.Equal(t, int64(102), v.Int64())
	require.Equal(t, int32(2), calls.Load())
}

func TestRequestRefreshBypassesOnce(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()
	fetch, calls := counter(0)
	opts := Options{TTL: time.Hour}

	_, err := Get(ctx, c, "k", fetch, opts)
	require.NoError(t, err)

	c.RequestRefresh()
	c.RequestRefresh()
	require.True(t, c.RefreshPending())
	select {
	case <-c.Notify():
	default:
		t.Fatal("expected refresh notification")
	}

	_, err = Get(ctx, c, "k", fetch, opts)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.False(t, c.RefreshPending())

	_, err = Get(ctx, c, "k", fetch, opts)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestForceRefreshOption(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()
	fetch, calls := counter(0)

	_, _ = Get(ctx, c, "k", fetch, Options{TTL: time.Hour})
	_, _ = Get(ctx, c, "k", fetch, Options{TTL: time.Hour, ForceRefresh: true})
	require.Equal(t, int32(2), calls.Load())
}

func TestStaleValueOnFetchFailure(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache()
	opts := Options{TTL: time.Second}

	_, err := Get(ctx, c, "k", func(context.Context) (string, error) { return "good", nil }, opts)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	v, err := Get(ctx, c, "k", func(context.Context) (string, error) { return "", errors.New("429 too many requests") }, opts)
	require.NoError(t, err)
	require.Equal(t, "good", v)

	_, err = Get(ctx, c, "other", func(context.Context) (string, error) { return "", errors.New("down") }, opts)
	require.Error(t, err)
}

func TestValuesAreCopiedOut(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()
	opts := Options{TTL: time.Hour}

	v, err := Get(ctx, c, "k", func(context.Context) (*big.Int, error) { return big.NewInt(7), nil }, opts)
	require.NoError(t, err)
	v.SetInt64(99)

	again, err := Get(ctx, c, "k", func(context.Context) (*big.Int, error) { return big.NewInt(8), nil }, opts)
	require.NoError(t, err)
	require.Equal(t, int64(7), again.Int64())

	roster, err := Get(ctx, c, "r", func(context.Context) ([]common.Address, error) {
		return []common.Address{{1}}, nil
	}, opts)
	require.NoError(t, err)
	roster[0] = common.Address{2}
	roster2, _ := Get(ctx, c, "r", func(context.Context) ([]common.Address, error) { return nil, nil }, opts)
	require.Equal(t, common.Address{1}, roster2[0])
}

func TestGetProbedSkipsFetchWhenProbeUnchanged(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache()
	opts := Options{TTL: time.Second}
	count := uint64(2)
	var fetches atomic.Int32
	probe := func(context.Context) (uint64, error) { return count, nil }
	fetch := func(context.Context) ([]common.Address, error) {
		fetches.Add(1)
		return make([]common.Address, count), nil
	}

	roster, err := GetProbed(ctx, c, "players", probe, fetch, opts)
	require.NoError(t, err)
	require.Len(t, roster, 2)

	clock.Advance(time.Minute)
	_, err = GetProbed(ctx, c, "players", probe, fetch, opts)
	require.NoError(t, err)
	require.Equal(t, int32(1), fetches.Load())

	count = 3
	clock.Advance(time.Minute)
	roster, err = GetProbed(ctx, c, "players", probe, fetch, opts)
	require.NoError(t, err)
	require.Len(t, roster, 3)
	require.Equal(t, int32(2), fetches.Load())
}

func TestInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()
	lottery := common.HexToAddress("0x1000000000000000000000000000000000000001")
	token := common.HexToAddress("0x2000000000000000000000000000000000000002")
	get := func(context.Context) (int, error) { return 1, nil }

	_, _ = Get(ctx, c, Key(43113, lottery, "players"), get, Options{TTL: time.Hour})
	_, _ = Get(ctx, c, Key(43113, lottery, "fee"), get, Options{TTL: time.Hour})
	_, _ = Get(ctx, c, Key(43113, token, "balance"), get, Options{TTL: time.Hour})

	require.Equal(t, 2, c.InvalidatePrefix(Prefix(43113, lottery)))
	require.Equal(t, 1, c.Len())
}

func TestConcurrentFetchesCollapse(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()
	release := make(chan struct{})
	var fetches atomic.Int32
	fetch := func(context.Context) (int, error) {
		fetches.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Get(ctx, c, "k", fetch, Options{TTL: time.Hour})
			if err == nil {
				results[i] = v
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), fetches.Load())
	for _, v := range results {
		require.Equal(t, 42, v)
	}
}
