package storage

// LogRecord is the normalized representation of a watched contract log.
type LogRecord struct {
	Network     uint64   `json:"network"`
	Contract    string   `json:"contract"`
	Event       string   `json:"event,omitempty"`
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint64   `json:"log_index"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	Removed     bool     `json:"removed"`
	IngestedAt  string   `json:"ingested_at"`
}

// LogSink receives batches of watched logs.
type LogSink interface {
	PutLogBatch(logs []LogRecord) error
}
