package block

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"folioledger/types"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
)

// Block is an ordered, hash-linked batch of transactions. Sequence numbers
// are gapless from 0 (genesis); PrevHash is the zero array for genesis only.
type Block struct {
	Sequence     uint64               `json:"sequence"`
	PrevHash     [32]byte             `json:"prev_hash"`
	Transactions []*types.Transaction `json:"transactions"`
	ProducerID   string               `json:"producer_id"`
	Timestamp    time.Time            `json:"timestamp"`
	Hash         [32]byte             `json:"hash"`
	Signature    []byte               `json:"signature,omitempty"`
	Status       Status               `json:"status"`
}

func AssembleBlock(
	sequence uint64,
	prevHash [32]byte,
	producerID string,
	txs []*types.Transaction,
) *Block {
	b := &Block{
		Sequence:     sequence,
		PrevHash:     prevHash,
		Transactions: txs,
		ProducerID:   producerID,
		Timestamp:    time.Now().UTC(),
		Status:       StatusPending,
	}
	b.Hash = b.ComputeHash()
	return b
}

// Genesis builds the sequence-0 block carrying the network initialization
// transaction.
func Genesis(producerID string) *Block {
	init := types.NewTransaction(types.TxKindGenesisInit, nil, producerID)
	init.Status = types.TxStatusIncluded
	return AssembleBlock(0, [32]byte{}, producerID, []*types.Transaction{init})
}

// ComputeHash covers every field except Hash, Signature and Status. It is
// the linkage hash: a block's PrevHash must equal its predecessor's
// ComputeHash result.
func (b *Block) ComputeHash() [32]byte {
	h := sha256.New()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, b.Sequence)
	h.Write(buf)
	h.Write(b.PrevHash[:])
	h.Write([]byte(b.ProducerID))
	binary.BigEndian.PutUint64(buf, uint64(b.Timestamp.UnixNano()))
	h.Write(buf)
	for _, tx := range b.Transactions {
		h.Write([]byte(tx.ID))
		h.Write([]byte(tx.Kind))
		h.Write([]byte(tx.Submitter))
		h.Write(tx.Payload)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (b *Block) Sign(privKey ed25519.PrivateKey) {
	b.Signature = ed25519.Sign(privKey, b.Hash[:])
}

func (b *Block) VerifySignature(pubKey ed25519.PublicKey) bool {
	return ed25519.Verify(pubKey, b.Hash[:], b.Signature)
}

func (b *Block) HashHex() string {
	return hex.EncodeToString(b.Hash[:])
}

// TxIDs returns the ids of the block's transactions in ledger order.
func (b *Block) TxIDs() []string {
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.ID
	}
	return ids
}
