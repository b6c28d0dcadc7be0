package indexer

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"raffleBridge/internal/contracts"
	"raffleBridge/internal/storage"
)

func buildLogRecord(network uint64, contract string, log types.Log, labels map[common.Hash]string, ingestedAt time.Time) storage.LogRecord {
	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}

	return storage.LogRecord{
		Network:     network,
		Contract:    contract,
		Event:       eventName(log, labels),
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		Address:     log.Address.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(log.Data),
		Removed:     log.Removed,
		IngestedAt:  ingestedAt.UTC().Format(time.RFC3339Nano),
	}
}

func eventName(log types.Log, labels map[common.Hash]string) string {
	if len(log.Topics) == 0 {
		return ""
	}
	if name, ok := labels[log.Topics[0]]; ok {
		return name
	}
	name, _ := contracts.EventName(log.Topics[0])
	return name
}
