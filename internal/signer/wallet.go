package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"raffleBridge/internal/chain"
)

var ErrWalletDisconnected = errors.New("signer: wallet disconnected")

// Wallet is an externally owned signing provider.
type Wallet interface {
	Address() common.Address
	// ChainID is the network the wallet currently points at.
	ChainID() uint64
	SendCall(ctx context.Context, network uint64, req chain.TxRequest) (common.Hash, error)
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	SignTypedDataHash(ctx context.Context, hash common.Hash) ([]byte, error)
	Disconnect(ctx context.Context) error
}

// KeyWallet is a Wallet backed by a local private key.
type KeyWallet struct {
	signer *chain.LocalSigner
	key    *ecdsa.PrivateKey
	chains chain.Provider
	opts   chain.SendOptions

	mu           sync.Mutex
	network      uint64
	disconnected bool
}

var _ Wallet = (*KeyWallet)(nil)

func NewKeyWallet(key *ecdsa.PrivateKey, chains chain.Provider, network uint64, opts chain.SendOptions) (*KeyWallet, error) {
	if key == nil || chains == nil {
		return nil, chain.ErrInvalidSigner
	}
	return &KeyWallet{
		signer:  chain.NewLocalSigner(key),
		key:     key,
		chains:  chains,
		opts:    opts,
		network: network,
	}, nil
}

// KeyWalletFromHex parses a hex private key.
func KeyWalletFromHex(hexKey string, chains chain.Provider, network uint64, opts chain.SendOptions) (*KeyWallet, error) {
	key, err := crypto.HexToECDSA(trimHex(hexKey))
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}
	return NewKeyWallet(key, chains, network, opts)
}

func (w *KeyWallet) Address() common.Address { return w.signer.Address() }

func (w *KeyWallet) ChainID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.network
}

func (w *KeyWallet) SendCall(ctx context.Context, network uint64, req chain.TxRequest) (common.Hash, error) {
	w.mu.Lock()
	if w.disconnected {
		w.mu.Unlock()
		return common.Hash{}, ErrWalletDisconnected
	}
	w.network = network
	w.mu.Unlock()

	backend, err := w.chains.Backend(ctx, network)
	if err != nil {
		return common.Hash{}, err
	}
	return chain.SendTx(ctx, backend, w.signer, req, w.opts)
}

func (w *KeyWallet) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	return w.sign(accounts.TextHash(msg))
}

func (w *KeyWallet) SignTypedDataHash(_ context.Context, hash common.Hash) ([]byte, error) {
	return w.sign(hash.Bytes())
}

func (w *KeyWallet) sign(digest []byte) ([]byte, error) {
	w.mu.Lock()
	closed := w.disconnected
	w.mu.Unlock()
	if closed {
		return nil, ErrWalletDisconnected
	}
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (w *KeyWallet) Disconnect(context.Context) error {
	w.mu.Lock()
	w.disconnected = true
	w.mu.Unlock()
	return nil
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
