package indexer

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParseLabels converts a topic0 -> event name map, as read from config, into hashes.
func ParseLabels(inputs map[string]string) (map[common.Hash]string, error) {
	out := make(map[common.Hash]string, len(inputs))
	for topic, name := range inputs {
		hash, err := ParseTopic0(topic)
		if err != nil {
			return nil, err
		}
		out[hash] = strings.TrimSpace(name)
	}
	return out, nil
}

// ParseTopic0 converts a hex topic0 into common.Hash.
func ParseTopic0(input string) (common.Hash, error) {
	input = strings.TrimSpace(input)
	data, err := hexutil.Decode(input)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid topic0: %s", input)
	}
	if len(data) != 32 {
		return common.Hash{}, fmt.Errorf("invalid topic0 length: %s", input)
	}
	return common.BytesToHash(data), nil
}
