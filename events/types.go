package events

import "time"

type EventType string

const (
	EventBlockConfirmed      EventType = "block_confirmed"
	EventBlockRejected       EventType = "block_rejected"
	EventTransactionIncluded EventType = "transaction_included"
)

// LedgerEvent is what subscribers receive: enough to render status changes
// without reaching back into the core.
type LedgerEvent struct {
	Type      EventType `json:"type"`
	Sequence  uint64    `json:"sequence"`
	BlockHash string    `json:"block_hash,omitempty"`
	TxID      string    `json:"tx_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
