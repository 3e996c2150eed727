package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Transaction kinds. The payload is opaque to the core; the kind tells the
// admin layer how to render it.
type TxKind string

const (
	TxKindRecordIssuance   TxKind = "RECORD_ISSUANCE"
	TxKindNodeRegistration TxKind = "NODE_REGISTRATION"
	TxKindDocumentRequest  TxKind = "DOCUMENT_REQUEST"
	TxKindRequestClosed    TxKind = "REQUEST_CLOSED"
	TxKindGenesisInit      TxKind = "GENESIS_INITIALIZATION"
)

type TxStatus string

const (
	TxStatusPending  TxStatus = "PENDING"
	TxStatusIncluded TxStatus = "INCLUDED"
)

// IDPrefix is prepended to every generated node and transaction id.
const IDPrefix = "fl"

type Transaction struct {
	ID        string          `json:"id"`
	Kind      TxKind          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Submitter string          `json:"submitter"`
	Timestamp time.Time       `json:"timestamp"`
	Status    TxStatus        `json:"status"`
}

func NewTransaction(kind TxKind, payload json.RawMessage, submitter string) *Transaction {
	return &Transaction{
		ID:        NewID(),
		Kind:      kind,
		Payload:   payload,
		Submitter: submitter,
		Timestamp: time.Now().UTC(),
		Status:    TxStatusPending,
	}
}

// NewID returns a prefixed, time-ordered unique id.
func NewID() string {
	return IDPrefix + uuid.Must(uuid.NewV7()).String()
}

// ValidKind reports whether k is one of the known transaction kinds.
func ValidKind(k TxKind) bool {
	switch k {
	case TxKindRecordIssuance, TxKindNodeRegistration, TxKindDocumentRequest, TxKindRequestClosed, TxKindGenesisInit:
		return true
	}
	return false
}
