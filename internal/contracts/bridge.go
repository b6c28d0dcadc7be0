package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DestinationInfo is the bridge's registration of a remote network.
type DestinationInfo struct {
	Receiver common.Address `json:"receiver"`
	Enabled  bool           `json:"enabled"`
}

// Bridge binds the read surface of the token bridge contract.
type Bridge struct {
	Address common.Address
	caller  Caller
}

func NewBridge(address common.Address, caller Caller) *Bridge {
	return &Bridge{Address: address, caller: caller}
}

// EstimateFee returns the native-currency messaging fee for a transfer.
func (b *Bridge) EstimateFee(ctx context.Context, selector uint64, receiver common.Address, amount *big.Int) (*big.Int, error) {
	parsed, err := BridgeABI()
	if err != nil {
		return nil, fmt.Errorf("parse bridge abi: %w", err)
	}
	values, err := callMethod(ctx, b.caller, b.Address, parsed, "estimateFee", selector, receiver, amount)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

func (b *Bridge) PoolBalance(ctx context.Context) (*big.Int, error) {
	parsed, err := BridgeABI()
	if err != nil {
		return nil, fmt.Errorf("parse bridge abi: %w", err)
	}
	values, err := callMethod(ctx, b.caller, b.Address, parsed, "poolBalance")
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

func (b *Bridge) DestinationInfo(ctx context.Context, selector uint64) (DestinationInfo, error) {
	parsed, err := BridgeABI()
	if err != nil {
		return DestinationInfo{}, fmt.Errorf("parse bridge abi: %w", err)
	}
	values, err := callMethod(ctx, b.caller, b.Address, parsed, "destinationInfo", selector)
	if err != nil {
		return DestinationInfo{}, err
	}
	if len(values) < 2 {
		return DestinationInfo{}, fmt.Errorf("destinationInfo: expected 2 values, got %d", len(values))
	}
	receiver, err := asAddress(values[0])
	if err != nil {
		return DestinationInfo{}, err
	}
	enabled, err := asBool(values[1])
	if err != nil {
		return DestinationInfo{}, err
	}
	return DestinationInfo{Receiver: receiver, Enabled: enabled}, nil
}

func PackBridgeTokens(selector uint64, receiver common.Address, amount *big.Int) ([]byte, error) {
	return pack(bridgeABI, "bridgeTokens", selector, receiver, amount)
}

func PackInitializePool(amount *big.Int) ([]byte, error) {
	return pack(bridgeABI, "initializePool", amount)
}

func PackReplenishPool(amount *big.Int) ([]byte, error) {
	return pack(bridgeABI, "replenishPool", amount)
}
