package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RaffleState mirrors the lottery contract's state enum.
type RaffleState uint8

const (
	RaffleOpen RaffleState = iota
	RaffleCalculating
)

func (s RaffleState) String() string {
	switch s {
	case RaffleOpen:
		return "open"
	case RaffleCalculating:
		return "calculating"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Lottery binds the read surface of a deployed lottery contract.
type Lottery struct {
	Address common.Address
	caller  Caller
}

func NewLottery(address common.Address, caller Caller) *Lottery {
	return &Lottery{Address: address, caller: caller}
}

func (l *Lottery) uint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	parsed, err := LotteryABI()
	if err != nil {
		return nil, fmt.Errorf("parse lottery abi: %w", err)
	}
	values, err := callMethod(ctx, l.caller, l.Address, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

func (l *Lottery) address(ctx context.Context, method string, args ...interface{}) (common.Address, error) {
	parsed, err := LotteryABI()
	if err != nil {
		return common.Address{}, fmt.Errorf("parse lottery abi: %w", err)
	}
	values, err := callMethod(ctx, l.caller, l.Address, parsed, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	return asAddress(values[0])
}

func (l *Lottery) EntranceFee(ctx context.Context) (*big.Int, error) {
	return l.uint(ctx, "entranceFee")
}

func (l *Lottery) NumberOfPlayers(ctx context.Context) (uint64, error) {
	n, err := l.uint(ctx, "numberOfPlayers")
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("player count overflows uint64: %s", n)
	}
	return n.Uint64(), nil
}

func (l *Lottery) Player(ctx context.Context, index uint64) (common.Address, error) {
	return l.address(ctx, "players", new(big.Int).SetUint64(index))
}

// Players reads the full roster. It costs one call per player plus the count.
func (l *Lottery) Players(ctx context.Context) ([]common.Address, error) {
	n, err := l.NumberOfPlayers(ctx)
	if err != nil {
		return nil, err
	}
	players := make([]common.Address, 0, n)
	for i := uint64(0); i < n; i++ {
		p, err := l.Player(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("player %d: %w", i, err)
		}
		players = append(players, p)
	}
	return players, nil
}

func (l *Lottery) State(ctx context.Context) (RaffleState, error) {
	n, err := l.uint(ctx, "raffleState")
	if err != nil {
		return 0, err
	}
	return RaffleState(n.Uint64()), nil
}

func (l *Lottery) RecentWinner(ctx context.Context) (common.Address, error) {
	return l.address(ctx, "recentWinner")
}

func (l *Lottery) Owner(ctx context.Context) (common.Address, error) {
	return l.address(ctx, "owner")
}

// CheckUpkeep runs the read-only automation pre-flight with empty check data.
func (l *Lottery) CheckUpkeep(ctx context.Context) (bool, []byte, error) {
	parsed, err := LotteryABI()
	if err != nil {
		return false, nil, fmt.Errorf("parse lottery abi: %w", err)
	}
	values, err := callMethod(ctx, l.caller, l.Address, parsed, "checkUpkeep", []byte{})
	if err != nil {
		return false, nil, err
	}
	needed, err := asBool(values[0])
	if err != nil {
		return false, nil, err
	}
	var performData []byte
	if len(values) > 1 {
		performData, _ = values[1].([]byte)
	}
	return needed, performData, nil
}

func PackEnterRaffle() ([]byte, error) { return pack(lotteryABI, "enterRaffle") }

func PackCancelEntry() ([]byte, error) { return pack(lotteryABI, "cancelEntry") }

func PackPerformUpkeep(performData []byte) ([]byte, error) {
	if performData == nil {
		performData = []byte{}
	}
	return pack(lotteryABI, "performUpkeep", performData)
}
