package contracts

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const lotteryABIJSON = `[
  {"inputs": [], "name": "entranceFee", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "numberOfPlayers", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "index", "type": "uint256"}], "name": "players", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "raffleState", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "recentWinner", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "owner", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "checkData", "type": "bytes"}], "name": "checkUpkeep",
   "outputs": [{"name": "upkeepNeeded", "type": "bool"}, {"name": "performData", "type": "bytes"}],
   "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "enterRaffle", "outputs": [], "stateMutability": "payable", "type": "function"},
  {"inputs": [], "name": "cancelEntry", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "performData", "type": "bytes"}], "name": "performUpkeep", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {"anonymous": false, "inputs": [{"indexed": true, "name": "player", "type": "address"}], "name": "RaffleEntered", "type": "event"},
  {"anonymous": false, "inputs": [{"indexed": true, "name": "player", "type": "address"}], "name": "EntryCancelled", "type": "event"},
  {"anonymous": false, "inputs": [{"indexed": true, "name": "winner", "type": "address"}], "name": "WinnerPicked", "type": "event"}
]`

const tokenABIJSON = `[
  {"inputs": [{"name": "account", "type": "address"}], "name": "balanceOf", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "owner", "type": "address"}, {"name": "spender", "type": "address"}], "name": "allowance", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "spender", "type": "address"}, {"name": "amount", "type": "uint256"}], "name": "approve", "outputs": [{"type": "bool"}], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "to", "type": "address"}, {"name": "amount", "type": "uint256"}], "name": "transfer", "outputs": [{"type": "bool"}], "stateMutability": "nonpayable", "type": "function"},
  {"anonymous": false, "inputs": [
    {"indexed": true, "name": "from", "type": "address"},
    {"indexed": true, "name": "to", "type": "address"},
    {"indexed": false, "name": "value", "type": "uint256"}
  ], "name": "Transfer", "type": "event"}
]`

const bridgeABIJSON = `[
  {"inputs": [
    {"name": "destinationChainSelector", "type": "uint64"},
    {"name": "receiver", "type": "address"},
    {"name": "amount", "type": "uint256"}
  ], "name": "estimateFee", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "poolBalance", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "destinationChainSelector", "type": "uint64"}], "name": "destinationInfo",
   "outputs": [{"name": "receiver", "type": "address"}, {"name": "enabled", "type": "bool"}],
   "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "amount", "type": "uint256"}], "name": "initializePool", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "amount", "type": "uint256"}], "name": "replenishPool", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [
    {"name": "destinationChainSelector", "type": "uint64"},
    {"name": "receiver", "type": "address"},
    {"name": "amount", "type": "uint256"}
  ], "name": "bridgeTokens", "outputs": [{"name": "messageId", "type": "bytes32"}], "stateMutability": "payable", "type": "function"},
  {"anonymous": false, "inputs": [
    {"indexed": true, "name": "messageId", "type": "bytes32"},
    {"indexed": true, "name": "destinationChainSelector", "type": "uint64"},
    {"indexed": false, "name": "receiver", "type": "address"},
    {"indexed": false, "name": "amount", "type": "uint256"},
    {"indexed": false, "name": "fees", "type": "uint256"}
  ], "name": "TokensBridged", "type": "event"},
  {"anonymous": false, "inputs": [
    {"indexed": true, "name": "messageId", "type": "bytes32"},
    {"indexed": true, "name": "sourceChainSelector", "type": "uint64"},
    {"indexed": false, "name": "receiver", "type": "address"},
    {"indexed": false, "name": "amount", "type": "uint256"}
  ], "name": "TokensReleased", "type": "event"}
]`

// Account-abstraction surface: EntryPoint v0.6, SimpleAccountFactory and SimpleAccount.
const accountABIJSON = `[
  {"inputs": [{"name": "sender", "type": "address"}, {"name": "key", "type": "uint192"}], "name": "getNonce", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "owner", "type": "address"}, {"name": "salt", "type": "uint256"}], "name": "getAddress", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "owner", "type": "address"}, {"name": "salt", "type": "uint256"}], "name": "createAccount", "outputs": [{"type": "address"}], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "dest", "type": "address"}, {"name": "value", "type": "uint256"}, {"name": "func", "type": "bytes"}], "name": "execute", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
]`

type lazyABI struct {
	raw  string
	once sync.Once
	abi  abi.ABI
	err  error
}

func (l *lazyABI) get() (abi.ABI, error) {
	l.once.Do(func() {
		l.abi, l.err = abi.JSON(strings.NewReader(l.raw))
	})
	return l.abi, l.err
}

var (
	lotteryABI = &lazyABI{raw: lotteryABIJSON}
	tokenABI   = &lazyABI{raw: tokenABIJSON}
	bridgeABI  = &lazyABI{raw: bridgeABIJSON}
	accountABI = &lazyABI{raw: accountABIJSON}
)

// LotteryABI returns the parsed lottery ABI.
func LotteryABI() (abi.ABI, error) { return lotteryABI.get() }

// TokenABI returns the parsed ERC-20 ABI.
func TokenABI() (abi.ABI, error) { return tokenABI.get() }

// BridgeABI returns the parsed bridge ABI.
func BridgeABI() (abi.ABI, error) { return bridgeABI.get() }

// AccountABI returns the parsed abstracted-account ABI.
func AccountABI() (abi.ABI, error) { return accountABI.get() }
