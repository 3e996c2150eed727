package network

import (
	"encoding/json"
	"fmt"

	"folioledger/block"
	"folioledger/jsonx"
	"folioledger/types"
)

// Message types carried on the peer link. Every frame is an Envelope with a
// type tag and a JSON payload.
const (
	MsgHandshake    = "handshake"
	MsgHandshakeAck = "handshake_ack"
	MsgBlockRequest = "block_request"
	MsgBlockData    = "block_data"
	MsgCatchupDone  = "catchup_done"
	MsgBlockPush    = "block_push"
	MsgBlockAck     = "block_ack"
	MsgTxSubmit     = "tx_submit"
	MsgTxResult     = "tx_result"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{Type: msgType, Payload: data}, nil
}

func (e *Envelope) Decode(v interface{}) error {
	if err := jsonx.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// HandshakeMsg opens a peer link. NodeID is empty on first-time registration;
// NextSequence is the sequence the sender wants next (local tip + 1, zero for
// an empty ledger).
type HandshakeMsg struct {
	NodeID       string `json:"node_id"`
	Role         string `json:"role"`
	NextSequence uint64 `json:"next_sequence"`
}

type HandshakeAckMsg struct {
	NodeID       string `json:"node_id"`
	Accepted     bool   `json:"accepted"`
	ErrorCode    string `json:"error_code,omitempty"`
	Message      string `json:"message,omitempty"`
	NextSequence uint64 `json:"next_sequence"`
}

// BlockRequestMsg asks the authority to resume streaming from FromSequence.
// Sent by a miner that observes a gap.
type BlockRequestMsg struct {
	FromSequence uint64 `json:"from_sequence"`
}

type BlockDataMsg struct {
	Block *block.Block `json:"block"`
}

type CatchupDoneMsg struct {
	NextSequence uint64 `json:"next_sequence"`
}

type BlockPushMsg struct {
	Block *block.Block `json:"block"`
}

// BlockAckMsg acknowledges one block, from catch-up or a live push. A
// negative ack carries the failure code.
type BlockAckMsg struct {
	NodeID    string `json:"node_id"`
	Sequence  uint64 `json:"sequence"`
	OK        bool   `json:"ok"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TxSubmitMsg forwards a transaction accepted at a miner to the authority
// pool.
type TxSubmitMsg struct {
	Tx *types.Transaction `json:"tx"`
}

type TxResultMsg struct {
	TxID      string `json:"tx_id"`
	OK        bool   `json:"ok"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}
