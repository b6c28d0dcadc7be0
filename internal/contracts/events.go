package contracts

import (
	"github.com/ethereum/go-ethereum/common"
)

// EventName resolves a topic0 to an event name across the lottery, token and
// bridge ABIs.
func EventName(topic0 common.Hash) (string, bool) {
	for _, l := range []*lazyABI{lotteryABI, bridgeABI, tokenABI} {
		parsed, err := l.get()
		if err != nil {
			continue
		}
		if ev, err := parsed.EventByID(topic0); err == nil {
			return ev.Name, true
		}
	}
	return "", false
}

// WatchedTopics returns topic0 hashes of the lottery and bridge events.
func WatchedTopics() ([]common.Hash, error) {
	var topics []common.Hash
	for _, l := range []*lazyABI{lotteryABI, bridgeABI} {
		parsed, err := l.get()
		if err != nil {
			return nil, err
		}
		for _, ev := range parsed.Events {
			topics = append(topics, ev.ID)
		}
	}
	return topics, nil
}
