package chain

import (
	"context"
	"fmt"
	"sync"
)

// Provider hands out the backend of a network.
type Provider interface {
	Backend(ctx context.Context, network uint64) (Backend, error)
}

// Static serves fixed backends. Useful for tests and single-network tools.
type Static map[uint64]Backend

func (s Static) Backend(_ context.Context, network uint64) (Backend, error) {
	b, ok := s[network]
	if !ok {
		return nil, fmt.Errorf("no backend for network %d", network)
	}
	return b, nil
}

// Dialer dials one RPC client per network on first use and reuses it.
type Dialer struct {
	endpoint func(network uint64) (string, error)

	mu      sync.Mutex
	clients map[uint64]*Client
}

// NewDialer builds a dialer resolving RPC endpoints through endpoint.
func NewDialer(endpoint func(network uint64) (string, error)) *Dialer {
	return &Dialer{endpoint: endpoint, clients: make(map[uint64]*Client)}
}

func (d *Dialer) Backend(ctx context.Context, network uint64) (Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[network]; ok {
		return c, nil
	}
	url, err := d.endpoint(network)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect rpc for network %d: %w", network, err)
	}
	d.clients[network] = c
	return c, nil
}

// Close closes every dialed client.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, c := range d.clients {
		c.Close()
		delete(d.clients, id)
	}
}
