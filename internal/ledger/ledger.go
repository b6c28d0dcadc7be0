// Package ledger records bridge transfers and their settlement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"raffleBridge/internal/storage"
)

var ErrNotFound = errors.New("ledger: transfer not found")

// Status is the settlement state of a transfer. Success and Failed are final.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// BridgeTransfer is one cross-network token movement.
type BridgeTransfer struct {
	ID                 string    `json:"id"`
	TxHash             string    `json:"txHash"`
	OperationRef       string    `json:"operationRef"`
	SignerKind         string    `json:"signerKind"`
	Fallback           bool      `json:"fallback,omitempty"`
	SourceNetwork      uint64    `json:"sourceNetwork"`
	DestinationNetwork uint64    `json:"destinationNetwork"`
	Amount             *big.Int  `json:"amount"`
	Fee                *big.Int  `json:"fee,omitempty"`
	Status             Status    `json:"status"`
	Message            string    `json:"message,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func (t BridgeTransfer) copy() BridgeTransfer {
	out := t
	if t.Amount != nil {
		out.Amount = new(big.Int).Set(t.Amount)
	}
	if t.Fee != nil {
		out.Fee = new(big.Int).Set(t.Fee)
	}
	return out
}

// Ledger keeps transfers in memory and mirrors the ordered list to storage
// under storage.KeyBridgeLedger. All writes are serialized.
type Ledger struct {
	kv     storage.KV
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	transfers []BridgeTransfer
	index     map[string]int
	hooks     []func(BridgeTransfer)
}

func New(kv storage.KV, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		kv:     kv,
		logger: logger,
		now:    time.Now,
		index:  make(map[string]int),
	}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// OnChange registers fn to observe every append and status change.
func (l *Ledger) OnChange(fn func(BridgeTransfer)) {
	l.mu.Lock()
	l.hooks = append(l.hooks, fn)
	l.mu.Unlock()
}

// Load replaces the in-memory list with the stored one.
func (l *Ledger) Load(ctx context.Context) error {
	if l.kv == nil {
		return nil
	}
	var stored []BridgeTransfer
	if _, err := storage.GetJSON(ctx, l.kv, storage.KeyBridgeLedger, &stored); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transfers = stored
	l.index = make(map[string]int, len(stored))
	for i, t := range stored {
		l.index[t.ID] = i
	}
	return nil
}

// Append records a new Pending transfer and persists the ledger.
func (l *Ledger) Append(ctx context.Context, t BridgeTransfer) (BridgeTransfer, error) {
	now := l.now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Status = StatusPending

	l.mu.Lock()
	if _, exists := l.index[t.ID]; exists {
		l.mu.Unlock()
		return BridgeTransfer{}, fmt.Errorf("append transfer: duplicate id %s", t.ID)
	}
	l.index[t.ID] = len(l.transfers)
	l.transfers = append(l.transfers, t.copy())
	err := l.persistLocked(ctx)
	hooks := append([]func(BridgeTransfer){}, l.hooks...)
	l.mu.Unlock()

	l.emit(hooks, t)
	return t.copy(), err
}

// Settle moves a Pending transfer to a terminal status. A transfer that is
// already settled is returned unchanged with changed=false.
func (l *Ledger) Settle(ctx context.Context, id string, status Status, message string) (BridgeTransfer, bool, error) {
	if !status.Terminal() {
		return BridgeTransfer{}, false, fmt.Errorf("settle transfer: %q is not a final status", status)
	}

	l.mu.Lock()
	i, ok := l.index[id]
	if !ok {
		l.mu.Unlock()
		return BridgeTransfer{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	current := l.transfers[i]
	if current.Status.Terminal() {
		l.mu.Unlock()
		return current.copy(), false, nil
	}
	current.Status = status
	current.Message = message
	current.UpdatedAt = l.now().UTC()
	l.transfers[i] = current
	err := l.persistLocked(ctx)
	hooks := append([]func(BridgeTransfer){}, l.hooks...)
	l.mu.Unlock()

	l.emit(hooks, current)
	return current.copy(), true, err
}

// SetTxHash records the transaction that carried an abstracted transfer.
func (l *Ledger) SetTxHash(ctx context.Context, id, txHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if l.transfers[i].Status.Terminal() || l.transfers[i].TxHash == txHash {
		return nil
	}
	l.transfers[i].TxHash = txHash
	l.transfers[i].UpdatedAt = l.now().UTC()
	return l.persistLocked(ctx)
}

func (l *Ledger) Get(id string) (BridgeTransfer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return BridgeTransfer{}, false
	}
	return l.transfers[i].copy(), true
}

// List returns all transfers in creation order.
func (l *Ledger) List() []BridgeTransfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]BridgeTransfer, 0, len(l.transfers))
	for _, t := range l.transfers {
		out = append(out, t.copy())
	}
	return out
}

// Pending returns transfers still awaiting settlement.
func (l *Ledger) Pending() []BridgeTransfer {
	var out []BridgeTransfer
	for _, t := range l.List() {
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	return out
}

func (l *Ledger) persistLocked(ctx context.Context) error {
	if l.kv == nil {
		return nil
	}
	if err := storage.PutJSON(ctx, l.kv, storage.KeyBridgeLedger, l.transfers); err != nil {
		l.logger.Error("persist ledger failed", zap.Error(err))
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

func (l *Ledger) emit(hooks []func(BridgeTransfer), t BridgeTransfer) {
	for _, h := range hooks {
		h(t.copy())
	}
}
