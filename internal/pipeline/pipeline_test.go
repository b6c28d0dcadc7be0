package pipeline

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"raffleBridge/internal/aa"
	"raffleBridge/internal/cache"
	"raffleBridge/internal/chain"
	"raffleBridge/internal/chain/chaintest"
	"raffleBridge/internal/contracts"
	"raffleBridge/internal/failure"
	"raffleBridge/internal/network"
	"raffleBridge/internal/signer"
	"raffleBridge/internal/storage"
)

const fuji = 43113

var (
	entryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	factory    = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
	account    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	lottery    = common.HexToAddress("0x00000000000000000000000000000000000010ee")
	opHash     = common.HexToHash("0x0bad")
	bundleTx   = common.HexToHash("0x0b0b")
)

type keyIdentity struct{ key *ecdsa.PrivateKey }

func (k keyIdentity) Login(context.Context, string, string) (*signer.Session, error) {
	return &signer.Session{ProviderKind: "google", Key: k.key}, nil
}

func (keyIdentity) Logout(context.Context) error { return nil }

type fakeBundler struct {
	mu      sync.Mutex
	sendErr error
	sent    int
	failed  bool
}

func (b *fakeBundler) SendUserOperation(context.Context, *aa.UserOperation, common.Address) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return common.Hash{}, b.sendErr
	}
	b.sent++
	return opHash, nil
}

func (b *fakeBundler) EstimateUserOperationGas(context.Context, *aa.UserOperation, common.Address) (aa.GasEstimate, error) {
	return aa.GasEstimate{PreVerificationGas: big.NewInt(1), VerificationGasLimit: big.NewInt(1), CallGasLimit: big.NewInt(1)}, nil
}

func (b *fakeBundler) GetUserOperationReceipt(_ context.Context, hash common.Hash) (*aa.OpReceipt, error) {
	r := &aa.OpReceipt{UserOpHash: hash, Success: !b.failed}
	if b.failed {
		r.Reason = "Raffle__NotOpen"
	}
	r.Receipt.TransactionHash = bundleTx
	return r, nil
}

func (b *fakeBundler) SponsorUserOperation(context.Context, *aa.UserOperation, common.Address) (*aa.Sponsorship, error) {
	return nil, aa.ErrNoPaymaster
}

// hookWallet runs onSend before delegating, to simulate mid-flight events.
type hookWallet struct {
	*signer.KeyWallet
	onSend func()
	err    error
}

func (w *hookWallet) SendCall(ctx context.Context, network uint64, req chain.TxRequest) (common.Hash, error) {
	if w.onSend != nil {
		w.onSend()
	}
	if w.err != nil {
		return common.Hash{}, w.err
	}
	return w.KeyWallet.SendCall(ctx, network, req)
}

type rpcErr struct{ code int }

func (e rpcErr) Error() string  { return fmt.Sprintf("provider error %d", e.code) }
func (e rpcErr) ErrorCode() int { return e.code }

type fixture struct {
	backend  *chaintest.Backend
	logs     *observer.ObservedLogs
	// bundlerFails is the number of bundler constructions that fail before one succeeds.
	bundlerFails int
	bundlerCalls int
	cache    *cache.Cache
	manager  *signer.Manager
	pipeline *Pipeline
	bundler  *fakeBundler
	states   []State
	mu       sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := network.NewRegistry([]network.Config{{
		ID:              fuji,
		Name:            "fuji",
		LotteryContract: lottery,
		EntryPoint:      entryPoint,
		AccountFactory:  factory,
	}})
	require.NoError(t, err)

	backend := chaintest.New(fuji)
	lotteryABI, err := contracts.LotteryABI()
	require.NoError(t, err)
	accountABI, err := contracts.AccountABI()
	require.NoError(t, err)
	backend.Handle(lottery, lotteryABI, "enterRaffle", func(ethereum.CallMsg, []interface{}) ([]interface{}, error) {
		return nil, nil
	})
	backend.Returns(factory, accountABI, "getAddress", account)
	backend.Returns(factory, accountABI, "createAccount", account)
	backend.Returns(entryPoint, accountABI, "getNonce", big.NewInt(0))
	backend.Handle(account, accountABI, "execute", func(ethereum.CallMsg, []interface{}) ([]interface{}, error) {
		return nil, nil
	})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend.SetBalance(crypto.PubkeyToAddress(key.PublicKey), big.NewInt(1e18))

	wait := chain.WaitOptions{PollInterval: time.Millisecond, Timeout: 30 * time.Millisecond}
	f := &fixture{backend: backend, cache: cache.New(nil), bundler: &fakeBundler{}}
	chains := chain.Static{fuji: backend}
	f.manager = signer.NewManager(registry, chains, storage.NewMemoryKV(), keyIdentity{key: key},
		func(network.Config) (aa.Bundler, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.bundlerCalls++
			if f.bundlerCalls <= f.bundlerFails {
				return nil, errors.New("bundler endpoint unreachable")
			}
			return f.bundler, nil
		},
		signer.Options{HomeNetwork: fuji, SettleDelay: -1, Wait: wait}, nil)
	core, logs := observer.New(zap.DebugLevel)
	f.logs = logs
	f.pipeline = New(f.manager, chains, f.cache, Options{
		Retry: RetryPolicy{MaxAttempts: 3},
		Wait:  wait,
	}, zap.New(core))
	f.pipeline.OnTransition(func(op PendingOperation) {
		f.mu.Lock()
		f.states = append(f.states, op.State)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) connect(t *testing.T, mutate func(*hookWallet)) *hookWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	kw, err := signer.NewKeyWallet(key, chain.Static{fuji: f.backend}, fuji, chain.DefaultSendOptions())
	require.NoError(t, err)
	w := &hookWallet{KeyWallet: kw}
	if mutate != nil {
		mutate(w)
	}
	_, err = f.manager.ConnectWallet(context.Background(), w)
	require.NoError(t, err)
	return w
}

func (f *fixture) seen() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.states...)
}

func enterCall(t *testing.T) Call {
	t.Helper()
	data, err := contracts.PackEnterRaffle()
	require.NoError(t, err)
	return Call{Network: fuji, Target: lottery, Data: data, Value: big.NewInt(10), Label: "enterRaffle"}
}

func TestSubmitWithoutSigner(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Submit(context.Background(), enterCall(t))
	require.True(t, failure.Is(err, failure.SignerUnavailable))
	require.Empty(t, f.seen())
}

func TestDirectSubmitConfirmsAndInvalidates(t *testing.T) {
	f := newFixture(t)
	f.connect(t, nil)
	ctx := context.Background()

	key := cache.Key(fuji, lottery, "players")
	_, err := cache.Get(ctx, f.cache, key, func(context.Context) (int, error) { return 1, nil }, cache.Options{TTL: time.Hour})
	require.NoError(t, err)

	res, err := f.pipeline.Submit(ctx, enterCall(t))
	require.NoError(t, err)
	require.True(t, res.Confirmed)
	require.NoError(t, res.Settlement)
	require.Equal(t, []string{"enterRaffle"}, f.backend.SentMethods())
	require.Equal(t, []State{StateBuilt, StateSigned, StateSubmitted, StateConfirmed}, f.seen())

	op, ok := f.pipeline.Operation(res.Ref)
	require.True(t, ok)
	require.Equal(t, StateConfirmed, op.State)
	require.Equal(t, res.TxHash, op.TxHash)

	require.Zero(t, f.cache.Len())
	require.True(t, f.cache.RefreshPending())
}

func TestDirectSimulationRevertNeverSends(t *testing.T) {
	f := newFixture(t)
	f.connect(t, nil)
	lotteryABI, err := contracts.LotteryABI()
	require.NoError(t, err)
	f.backend.Handle(lottery, lotteryABI, "enterRaffle", func(ethereum.CallMsg, []interface{}) ([]interface{}, error) {
		return nil, errors.New("execution reverted: Raffle__NotOpen")
	})

	_, err = f.pipeline.Submit(context.Background(), enterCall(t))
	require.True(t, failure.Is(err, failure.Simulation))
	require.Equal(t, "Raffle__NotOpen", failure.ReasonOf(err))
	require.Empty(t, f.backend.Sent())
	require.Equal(t, []State{StateBuilt, StateFailed}, f.seen())
}

func TestDirectRevertedIsDistinct(t *testing.T) {
	f := newFixture(t)
	f.connect(t, nil)
	f.backend.MineStatus = 0

	res, err := f.pipeline.Submit(context.Background(), enterCall(t))
	require.True(t, failure.Is(err, failure.Reverted))
	require.False(t, res.Confirmed)
	op, ok := f.pipeline.Operation(res.Ref)
	require.True(t, ok)
	require.Equal(t, StateFailed, op.State)
}

func TestDirectUnobservedSettlementIsPending(t *testing.T) {
	f := newFixture(t)
	f.connect(t, nil)
	f.backend.AutoMine = false

	res, err := f.pipeline.Submit(context.Background(), enterCall(t))
	require.NoError(t, err)
	require.False(t, res.Confirmed)
	require.True(t, failure.Is(res.Settlement, failure.SettlementPending))
	op, _ := f.pipeline.Operation(res.Ref)
	require.Equal(t, StateSubmitted, op.State)
}

func TestUserRejectionIsDeclined(t *testing.T) {
	f := newFixture(t)
	f.connect(t, func(w *hookWallet) { w.err = rpcErr{code: 4001} })

	_, err := f.pipeline.Submit(context.Background(), enterCall(t))
	require.True(t, failure.Is(err, failure.UserDeclined))
	require.Equal(t, []State{StateBuilt, StateFailed}, f.seen())
}

func TestSignerSwitchStopsOperation(t *testing.T) {
	f := newFixture(t)
	f.connect(t, func(w *hookWallet) {
		w.onSend = func() { _ = f.manager.Logout(context.Background()) }
	})

	_, err := f.pipeline.Submit(context.Background(), enterCall(t))
	require.True(t, failure.Is(err, failure.SignerUnavailable))
	require.ErrorIs(t, err, ErrSignerChanged)
	require.Empty(t, f.backend.Sent())
	states := f.seen()
	require.Equal(t, StateFailed, states[len(states)-1])
}

func TestAbstractedSubmitThroughBundler(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Login(context.Background(), "google", "")
	require.NoError(t, err)

	res, err := f.pipeline.Submit(context.Background(), enterCall(t))
	require.NoError(t, err)
	require.True(t, res.Confirmed)
	require.Equal(t, opHash, res.OpHash)
	require.Equal(t, bundleTx, res.TxHash)
	require.Equal(t, 1, f.bundler.sent)
	require.Empty(t, f.backend.Sent())
	require.Equal(t, []State{StateBuilt, StateSigned, StateSubmitted, StateConfirmed}, f.seen())
}

func TestAbstractedRevertedOperation(t *testing.T) {
	f := newFixture(t)
	f.bundler.failed = true
	_, err := f.manager.Login(context.Background(), "google", "")
	require.NoError(t, err)

	_, err = f.pipeline.Submit(context.Background(), enterCall(t))
	require.True(t, failure.Is(err, failure.Reverted))
	require.Equal(t, "Raffle__NotOpen", failure.ReasonOf(err))
}

func TestAbstractedFallsBackToDirectTransaction(t *testing.T) {
	f := newFixture(t)
	f.bundler.sendErr = errors.New("AA21 didn't pay prefund")
	_, err := f.manager.Login(context.Background(), "google", "")
	require.NoError(t, err)

	ticket, err := f.pipeline.Send(context.Background(), enterCall(t))
	require.NoError(t, err)
	require.True(t, ticket.Fallback)
	require.Equal(t, ticket.TxHash.Hex(), ticket.OperationRef())
	require.Equal(t, []string{"createAccount", "execute"}, f.backend.SentMethods())

	res, err := f.pipeline.Await(context.Background(), ticket)
	require.NoError(t, err)
	require.True(t, res.Confirmed)
}

func TestAbstractedUnsupportedNetworkIsNotRetried(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Login(context.Background(), "google", "")
	require.NoError(t, err)

	call := enterCall(t)
	call.Network = 999999
	_, err = f.pipeline.Submit(context.Background(), call)
	require.True(t, failure.Is(err, failure.Unsupported))
	require.Equal(t, 1, f.logs.FilterMessage("account client unavailable").Len())
	require.Zero(t, f.bundlerCalls)
}

func TestAbstractedClientBuildRetries(t *testing.T) {
	t.Run("succeeds within attempts", func(t *testing.T) {
		f := newFixture(t)
		f.bundlerFails = 2
		_, err := f.manager.Login(context.Background(), "google", "")
		require.NoError(t, err)

		res, err := f.pipeline.Submit(context.Background(), enterCall(t))
		require.NoError(t, err)
		require.True(t, res.Confirmed)
		require.Equal(t, 3, f.bundlerCalls)
		require.Equal(t, 1, f.bundler.sent)
	})

	t.Run("surfaces submission after attempts", func(t *testing.T) {
		f := newFixture(t)
		f.bundlerFails = 3
		_, err := f.manager.Login(context.Background(), "google", "")
		require.NoError(t, err)

		_, err = f.pipeline.Submit(context.Background(), enterCall(t))
		require.True(t, failure.Is(err, failure.Submission))
		require.Equal(t, 3, f.bundlerCalls)
		require.Zero(t, f.bundler.sent)
		require.Empty(t, f.backend.Sent())
		require.Equal(t, []State{StateBuilt, StateFailed}, f.seen())
	})
}

func TestStateOnlyAdvances(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateBuilt, StateSigned, true},
		{StateSigned, StateSubmitted, true},
		{StateSubmitted, StateConfirmed, true},
		{StateBuilt, StateFailed, true},
		{StateSubmitted, StateSigned, false},
		{StateConfirmed, StateFailed, false},
		{StateFailed, StateConfirmed, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			require.Equal(t, tt.ok, canAdvance(tt.from, tt.to))
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	calls := 0
	err := RetryPolicy{MaxAttempts: 3}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("dial")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = RetryPolicy{MaxAttempts: 3}.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("dial")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	calls = 0
	err = RetryPolicy{MaxAttempts: 3}.Do(context.Background(), func(context.Context) error {
		calls++
		return failure.New(failure.Unsupported, "resolve network", errors.New("unknown"))
	})
	require.True(t, failure.Is(err, failure.Unsupported))
	require.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = RetryPolicy{MaxAttempts: 3, Backoff: time.Hour}.Do(ctx, func(context.Context) error { return errors.New("dial") })
	require.ErrorIs(t, err, context.Canceled)
}
