// Package chaintest provides an in-memory chain.Backend for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Handler answers a decoded contract call. msg carries sender and value.
type Handler func(msg ethereum.CallMsg, args []interface{}) ([]interface{}, error)

type route struct {
	method abi.Method
	fn     Handler
}

// Sent is a broadcast transaction as seen by the backend.
type Sent struct {
	Tx     *types.Transaction
	From   common.Address
	Method string
}

// Backend is a scripted chain. The zero value is not usable; call New.
type Backend struct {
	mu sync.Mutex

	chainID  *big.Int
	head     uint64
	balances map[common.Address]*big.Int
	code     map[common.Address][]byte
	routes   map[string]route
	calls    map[string]int
	sent     []Sent
	receipts map[common.Hash]*types.Receipt
	logs     []types.Log

	// AutoMine produces a receipt for every broadcast transaction.
	AutoMine bool
	// MineStatus is the status used by AutoMine.
	MineStatus uint64
	SendErr    error
	HeadErr    error
}

func New(chainID int64) *Backend {
	return &Backend{
		chainID:    big.NewInt(chainID),
		head:       1_000,
		balances:   make(map[common.Address]*big.Int),
		code:       make(map[common.Address][]byte),
		routes:     make(map[string]route),
		calls:      make(map[string]int),
		receipts:   make(map[common.Hash]*types.Receipt),
		AutoMine:   true,
		MineStatus: types.ReceiptStatusSuccessful,
	}
}

func routeKey(to common.Address, selector []byte) string {
	return to.Hex() + ":" + common.Bytes2Hex(selector)
}

// Handle registers fn for method of parsed at address to.
func (b *Backend) Handle(to common.Address, parsed abi.ABI, method string, fn Handler) {
	m, ok := parsed.Methods[method]
	if !ok {
		panic(fmt.Sprintf("chaintest: unknown method %s", method))
	}
	b.mu.Lock()
	b.routes[routeKey(to, m.ID)] = route{method: m, fn: fn}
	b.mu.Unlock()
}

// Returns registers a constant response.
func (b *Backend) Returns(to common.Address, parsed abi.ABI, method string, out ...interface{}) {
	b.Handle(to, parsed, method, func(ethereum.CallMsg, []interface{}) ([]interface{}, error) {
		return out, nil
	})
}

// Calls reports how many eth_calls hit method at to.
func (b *Backend) Calls(to common.Address, parsed abi.ABI, method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[routeKey(to, parsed.Methods[method].ID)]
}

// Sent returns broadcast transactions in order.
func (b *Backend) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

// SentMethods lists the method names of broadcast transactions.
func (b *Backend) SentMethods() []string {
	var out []string
	for _, s := range b.Sent() {
		out = append(out, s.Method)
	}
	return out
}

func (b *Backend) SetBalance(addr common.Address, v *big.Int) {
	b.mu.Lock()
	b.balances[addr] = new(big.Int).Set(v)
	b.mu.Unlock()
}

func (b *Backend) SetCode(addr common.Address, code []byte) {
	b.mu.Lock()
	b.code[addr] = code
	b.mu.Unlock()
}

func (b *Backend) SetHead(n uint64) {
	b.mu.Lock()
	b.head = n
	b.mu.Unlock()
}

func (b *Backend) AddLogs(logs ...types.Log) {
	b.mu.Lock()
	b.logs = append(b.logs, logs...)
	b.mu.Unlock()
}

// SetReceipt installs a receipt for hash.
func (b *Backend) SetReceipt(hash common.Hash, status uint64) {
	b.mu.Lock()
	b.receipts[hash] = &types.Receipt{TxHash: hash, Status: status, BlockNumber: new(big.Int).SetUint64(b.head)}
	b.mu.Unlock()
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.HeadErr != nil {
		return 0, b.HeadErr
	}
	return b.head, nil
}

func (b *Backend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(b.head), BaseFee: big.NewInt(25_000_000_000)}, nil
}

func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.balances[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (b *Backend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.code[account], nil
}

// ErrUnhandled is returned for calls without a registered handler.
var ErrUnhandled = errors.New("execution reverted: unhandled call")

func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, ErrUnhandled
	}
	key := routeKey(*msg.To, msg.Data[:4])
	b.mu.Lock()
	r, ok := b.routes[key]
	b.calls[key]++
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnhandled
	}

	args, err := r.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("chaintest: unpack %s: %w", r.method.Name, err)
	}
	out, err := r.fn(msg, args)
	if err != nil {
		return nil, err
	}
	return r.method.Outputs.Pack(out...)
}

func (b *Backend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Log
	for _, lg := range b.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[hash]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, ethereum.NotFound
}

func (b *Backend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_500_000_000), nil
}

func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if _, err := b.CallContract(ctx, msg, nil); err != nil {
		return 0, err
	}
	return 100_000, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return b.SendErr
	}
	from, _ := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	method := ""
	if tx.To() != nil && len(tx.Data()) >= 4 {
		if r, ok := b.routes[routeKey(*tx.To(), tx.Data()[:4])]; ok {
			method = r.method.Name
		}
	}
	b.sent = append(b.sent, Sent{Tx: tx, From: from, Method: method})
	if b.AutoMine {
		b.head++
		b.receipts[tx.Hash()] = &types.Receipt{
			TxHash:      tx.Hash(),
			Status:      b.MineStatus,
			BlockNumber: new(big.Int).SetUint64(b.head),
		}
	}
	return nil
}
