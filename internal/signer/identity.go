package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/kelseyhightower/envconfig"
)

// Session is an authenticated identity with its derived key material.
type Session struct {
	ProviderKind  string
	IdentityLabel string
	Key           *ecdsa.PrivateKey
}

// SessionInfo is the persisted, key-free description of a login.
type SessionInfo struct {
	Address       string    `json:"address"`
	IdentityLabel string    `json:"identityLabel"`
	ProviderKind  string    `json:"providerKind"`
	SavedAt       time.Time `json:"savedAt"`
}

// IdentityProvider yields signing keys for identity logins.
// Login returns a nil session when the user abandoned the flow.
type IdentityProvider interface {
	Login(ctx context.Context, kind, hint string) (*Session, error)
	Logout(ctx context.Context) error
}

type identityEnv struct {
	Key   string `envconfig:"KEY"`
	Label string `envconfig:"LABEL"`
}

// EnvIdentityProvider reads per-provider keys from the environment, e.g.
// RAFFLE_IDENTITY_GOOGLE_KEY and RAFFLE_IDENTITY_GOOGLE_LABEL.
type EnvIdentityProvider struct {
	Prefix string
}

func NewEnvIdentityProvider() *EnvIdentityProvider {
	return &EnvIdentityProvider{Prefix: "RAFFLE_IDENTITY"}
}

func (p *EnvIdentityProvider) Login(_ context.Context, kind, hint string) (*Session, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return nil, fmt.Errorf("identity provider kind is required")
	}
	prefix := p.Prefix + "_" + strings.ToUpper(strings.ReplaceAll(kind, "-", "_"))

	var env identityEnv
	if err := envconfig.Process(prefix, &env); err != nil {
		return nil, fmt.Errorf("identity %s env: %w", kind, err)
	}
	if env.Key == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(trimHex(env.Key))
	if err != nil {
		return nil, fmt.Errorf("identity %s key: %w", kind, err)
	}
	label := env.Label
	if label == "" {
		label = hint
	}
	return &Session{ProviderKind: kind, IdentityLabel: label, Key: key}, nil
}

func (p *EnvIdentityProvider) Logout(context.Context) error { return nil }
