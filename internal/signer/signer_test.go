package signer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"raffleBridge/internal/aa"
	"raffleBridge/internal/chain"
	"raffleBridge/internal/chain/chaintest"
	"raffleBridge/internal/contracts"
	"raffleBridge/internal/failure"
	"raffleBridge/internal/network"
	"raffleBridge/internal/storage"
)

const fuji = 43113

var (
	entryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	factory    = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
	account    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

type staticIdentity struct {
	session *Session
	err     error
	logouts int
}

func (s *staticIdentity) Login(context.Context, string, string) (*Session, error) {
	return s.session, s.err
}

func (s *staticIdentity) Logout(context.Context) error {
	s.logouts++
	return nil
}

type nopBundler struct{ aa.Bundler }

type fixture struct {
	manager  *Manager
	backend  *chaintest.Backend
	kv       *storage.MemoryKV
	identity *staticIdentity
	sleeps   []time.Duration
	builds   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := network.NewRegistry([]network.Config{{
		ID:             fuji,
		Name:           "fuji",
		EntryPoint:     entryPoint,
		AccountFactory: factory,
	}})
	require.NoError(t, err)

	parsed, err := contracts.AccountABI()
	require.NoError(t, err)
	backend := chaintest.New(fuji)
	backend.Returns(factory, parsed, "getAddress", account)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		backend:  backend,
		kv:       storage.NewMemoryKV(),
		identity: &staticIdentity{session: &Session{ProviderKind: "google", IdentityLabel: "ada@example.com", Key: key}},
	}
	bundlers := func(network.Config) (aa.Bundler, error) {
		f.builds++
		return nopBundler{}, nil
	}
	f.manager = NewManager(registry, chain.Static{fuji: backend}, f.kv, f.identity, bundlers, Options{HomeNetwork: fuji}, nil)
	f.manager.SetSleep(func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	})
	return f
}

func (f *fixture) wallet(t *testing.T) *KeyWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w, err := NewKeyWallet(key, chain.Static{fuji: f.backend}, fuji, chain.DefaultSendOptions())
	require.NoError(t, err)
	return w
}

func TestNoActiveSignerInitially(t *testing.T) {
	f := newFixture(t)
	_, ok := f.manager.Active()
	require.False(t, ok)
	_, ok = f.manager.Address()
	require.False(t, ok)
}

func TestConnectWalletIsDirect(t *testing.T) {
	f := newFixture(t)
	w := f.wallet(t)

	s, err := f.manager.ConnectWallet(context.Background(), w)
	require.NoError(t, err)
	require.Equal(t, KindDirect, s.Kind())
	addr, ok := f.manager.Address()
	require.True(t, ok)
	require.Equal(t, w.Address(), addr)
	require.Empty(t, f.sleeps)
}

func TestLoginSwitchesFromWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.wallet(t)
	_, err := f.manager.ConnectWallet(ctx, w)
	require.NoError(t, err)
	before := f.manager.Generation()

	s, err := f.manager.Login(ctx, "google", "")
	require.NoError(t, err)
	require.Equal(t, KindAbstracted, s.Kind())
	require.Equal(t, account, s.Address())
	require.Greater(t, f.manager.Generation(), before)
	require.Equal(t, []time.Duration{DefaultSettleDelay}, f.sleeps)

	_, err = w.SendCall(ctx, fuji, chain.TxRequest{To: account})
	require.ErrorIs(t, err, ErrWalletDisconnected)

	info, ok, err := f.manager.SavedSession(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, account.Hex(), info.Address)
	require.Equal(t, "ada@example.com", info.IdentityLabel)
}

func TestCurrentPairsSignerWithItsGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wallets := make([]*KeyWallet, 20)
	for i := range wallets {
		wallets[i] = f.wallet(t)
	}

	seen := make(map[common.Address]map[uint64]struct{})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			s, gen, ok := f.manager.Current()
			if !ok {
				continue
			}
			if seen[s.Address()] == nil {
				seen[s.Address()] = make(map[uint64]struct{})
			}
			seen[s.Address()][gen] = struct{}{}
		}
	}()

	for _, w := range wallets {
		_, err := f.manager.ConnectWallet(ctx, w)
		require.NoError(t, err)
	}
	close(stop)
	<-done

	for addr, gens := range seen {
		require.Len(t, gens, 1, addr.Hex())
	}
	s, gen, ok := f.manager.Current()
	require.True(t, ok)
	require.Equal(t, wallets[len(wallets)-1].Address(), s.Address())
	require.Equal(t, f.manager.Generation(), gen)
}

func TestLogoutForgetsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Login(ctx, "google", "")
	require.NoError(t, err)

	require.NoError(t, f.manager.Logout(ctx))
	require.Equal(t, 1, f.identity.logouts)
	_, ok := f.manager.Active()
	require.False(t, ok)
	_, ok, err = f.manager.SavedSession(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoginAbandonedIsDeclined(t *testing.T) {
	f := newFixture(t)
	f.identity.session = nil

	_, err := f.manager.Login(context.Background(), "google", "")
	require.True(t, failure.Is(err, failure.UserDeclined))
}

func TestLoginProviderFailureIsSubmission(t *testing.T) {
	f := newFixture(t)
	f.identity.session = nil
	f.identity.err = errors.New("popup blocked")

	_, err := f.manager.Login(context.Background(), "google", "")
	require.True(t, failure.Is(err, failure.Submission))
}

func TestAbstractedClientBuiltLazilyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.manager.Login(ctx, "google", "")
	require.NoError(t, err)
	require.Zero(t, f.builds)

	abstracted := s.(*Abstracted)
	c1, err := abstracted.Client(ctx, fuji)
	require.NoError(t, err)
	c2, err := abstracted.Client(ctx, fuji)
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, 1, f.builds)

	_, err = abstracted.Client(ctx, 1)
	require.True(t, failure.Is(err, failure.Unsupported))
}

type codedErr struct{ code int }

func (e codedErr) Error() string  { return fmt.Sprintf("code %d", e.code) }
func (e codedErr) ErrorCode() int { return e.code }

func TestIsUserRejection(t *testing.T) {
	require.True(t, IsUserRejection(ErrUserRejected))
	require.True(t, IsUserRejection(fmt.Errorf("send: %w", codedErr{code: 4001})))
	require.False(t, IsUserRejection(codedErr{code: -32000}))
	require.False(t, IsUserRejection(nil))
}

type bogus struct{}

func (bogus) Address() common.Address { return common.Address{} }
func (bogus) Kind() Kind              { return "bogus" }
func (bogus) sealed()                 {}

func TestDescribeRejectsUnknownKind(t *testing.T) {
	_, err := Describe(bogus{})
	require.ErrorIs(t, err, ErrUnknownSigner)

	desc, err := Describe(&Direct{address: account})
	require.NoError(t, err)
	require.Equal(t, "direct", desc["kind"])
}

func TestEnvIdentityProvider(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("RAFFLE_IDENTITY_GOOGLE_KEY", common.Bytes2Hex(crypto.FromECDSA(key)))

	p := NewEnvIdentityProvider()
	session, err := p.Login(context.Background(), "google", "ada@example.com")
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(session.Key.PublicKey))
	require.Equal(t, "ada@example.com", session.IdentityLabel)

	session, err = p.Login(context.Background(), "email", "")
	require.NoError(t, err)
	require.Nil(t, session)
}

func TestKeyWalletSignMessage(t *testing.T) {
	f := newFixture(t)
	w := f.wallet(t)
	msg := []byte("enter raffle")

	sig, err := w.SignMessage(context.Background(), msg)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	require.NoError(t, err)
	require.Equal(t, w.Address(), crypto.PubkeyToAddress(*pub))
	require.Equal(t, uint64(fuji), w.ChainID())
}
