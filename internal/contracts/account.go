package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AccountNonce reads the entry point nonce of sender for key 0.
func AccountNonce(ctx context.Context, c Caller, entryPoint, sender common.Address) (*big.Int, error) {
	parsed, err := AccountABI()
	if err != nil {
		return nil, fmt.Errorf("parse account abi: %w", err)
	}
	values, err := callMethod(ctx, c, entryPoint, parsed, "getNonce", sender, new(big.Int))
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// CounterfactualAddress asks the factory for the deterministic account address of owner.
func CounterfactualAddress(ctx context.Context, c Caller, factory, owner common.Address, salt *big.Int) (common.Address, error) {
	parsed, err := AccountABI()
	if err != nil {
		return common.Address{}, fmt.Errorf("parse account abi: %w", err)
	}
	if salt == nil {
		salt = new(big.Int)
	}
	values, err := callMethod(ctx, c, factory, parsed, "getAddress", owner, salt)
	if err != nil {
		return common.Address{}, err
	}
	return asAddress(values[0])
}

func PackCreateAccount(owner common.Address, salt *big.Int) ([]byte, error) {
	if salt == nil {
		salt = new(big.Int)
	}
	return pack(accountABI, "createAccount", owner, salt)
}

// PackExecute wraps a call for execution by the abstracted account.
func PackExecute(dest common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	if data == nil {
		data = []byte{}
	}
	return pack(accountABI, "execute", dest, value, data)
}
