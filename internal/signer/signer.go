// Package signer tracks the active signing capability: a directly connected
// wallet or an identity session controlling an abstracted account.
package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"raffleBridge/internal/aa"
)

var (
	ErrNoSigner      = errors.New("signer: no active signer")
	ErrUnknownSigner = errors.New("signer: unknown signer kind")
	// ErrUserRejected means a human declined a signing or login prompt.
	ErrUserRejected = errors.New("signer: user rejected request")
)

// userRejectedCode is the EIP-1193 provider error code for a rejected request.
const userRejectedCode = 4001

// IsUserRejection reports whether err is a declined prompt.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserRejected) {
		return true
	}
	var coded interface{ ErrorCode() int }
	return errors.As(err, &coded) && coded.ErrorCode() == userRejectedCode
}

type Kind string

const (
	KindDirect     Kind = "direct"
	KindAbstracted Kind = "abstracted"
)

// Signer is either Direct or Abstracted.
type Signer interface {
	Address() common.Address
	Kind() Kind
	sealed()
}

// Direct signs with an externally owned wallet.
type Direct struct {
	address common.Address
	wallet  Wallet
}

func (d *Direct) Address() common.Address { return d.address }
func (d *Direct) Kind() Kind              { return KindDirect }
func (d *Direct) Wallet() Wallet          { return d.wallet }
func (*Direct) sealed()                   {}

// Abstracted signs through an account-abstraction client derived from an identity session.
type Abstracted struct {
	address common.Address
	session SessionInfo
	build   func(ctx context.Context, network uint64) (*aa.Client, error)

	mu      sync.Mutex
	clients map[uint64]*aa.Client
}

func (a *Abstracted) Address() common.Address { return a.address }
func (a *Abstracted) Kind() Kind              { return KindAbstracted }
func (a *Abstracted) Session() SessionInfo    { return a.session }
func (*Abstracted) sealed()                   {}

// Client returns the account client for network, constructing it on first use.
// A failed construction is not cached.
func (a *Abstracted) Client(ctx context.Context, network uint64) (*aa.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[network]; ok {
		return c, nil
	}
	c, err := a.build(ctx, network)
	if err != nil {
		return nil, err
	}
	if c.Address() != a.address {
		return nil, fmt.Errorf("account address on network %d is %s, expected %s", network, c.Address().Hex(), a.address.Hex())
	}
	a.clients[network] = c
	return c, nil
}

// Describe renders a signer for logs and API responses.
func Describe(s Signer) (map[string]string, error) {
	switch v := s.(type) {
	case *Direct:
		return map[string]string{"kind": string(KindDirect), "address": v.address.Hex()}, nil
	case *Abstracted:
		return map[string]string{
			"kind":          string(KindAbstracted),
			"address":       v.address.Hex(),
			"identityLabel": v.session.IdentityLabel,
			"providerKind":  v.session.ProviderKind,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownSigner, s)
	}
}
