package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token binds the ERC-20 surface of the bridged stable token.
type Token struct {
	Address common.Address
	caller  Caller
}

func NewToken(address common.Address, caller Caller) *Token {
	return &Token{Address: address, caller: caller}
}

func (t *Token) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	parsed, err := TokenABI()
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	values, err := callMethod(ctx, t.caller, t.Address, parsed, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// Allowance is always read from chain; allowances are never cached.
func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	parsed, err := TokenABI()
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	values, err := callMethod(ctx, t.caller, t.Address, parsed, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return pack(tokenABI, "approve", spender, amount)
}

func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return pack(tokenABI, "transfer", to, amount)
}
