package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"

	"folioledger/block"
	"folioledger/db"
	"folioledger/errors"
	"folioledger/jsonx"
	"folioledger/logx"
	"folioledger/monitoring"
	"folioledger/types"
)

const (
	PrefixBlock = "b:"
	PrefixTxSeq = "t:"
	PrefixMeta  = "m:"
	MetaKeyTip  = "tip"
)

// Ledger is the durable, append-only block sequence plus the index of
// included transaction ids. All mutation goes through a single mutex; an
// append is committed as one synced batch, so a block is never half-written.
type Ledger struct {
	mu       sync.RWMutex
	provider db.IterableProvider
	tip      *block.Block // nil while the store is empty
}

func NewLedger(provider db.IterableProvider) (*Ledger, error) {
	l := &Ledger{provider: provider}
	if err := l.loadTip(); err != nil {
		return nil, fmt.Errorf("failed to load ledger metadata: %w", err)
	}
	return l, nil
}

func (l *Ledger) loadTip() error {
	value, err := l.provider.Get([]byte(PrefixMeta + MetaKeyTip))
	if err != nil {
		return err
	}
	if value == nil {
		// Empty store: tip stays at the genesis-predecessor sentinel.
		return nil
	}
	if len(value) != 8 {
		return errors.NewError(errors.ErrCodeStartupIntegrity, fmt.Sprintf("invalid tip metadata length %d", len(value)))
	}
	seq := binary.BigEndian.Uint64(value)
	blk, err := l.readBlock(seq)
	if err != nil {
		return err
	}
	l.tip = blk
	monitoring.SetTipSequence(seq)
	return nil
}

func seqToBlockKey(seq uint64) []byte {
	key := make([]byte, len(PrefixBlock)+8)
	copy(key, PrefixBlock)
	binary.BigEndian.PutUint64(key[len(PrefixBlock):], seq)
	return key
}

func txIndexKey(id string) []byte {
	return []byte(PrefixTxSeq + id)
}

func (l *Ledger) readBlock(seq uint64) (*block.Block, error) {
	value, err := l.provider.Get(seqToBlockKey(seq))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, errors.NewError(errors.ErrCodeNotFound, fmt.Sprintf("block %d not found", seq))
	}
	var blk block.Block
	if err := jsonx.Unmarshal(value, &blk); err != nil {
		return nil, errors.NewError(errors.ErrCodeChainIntegrity, fmt.Sprintf("block %d is unreadable: %v", seq, err))
	}
	return &blk, nil
}

// Append validates linkage and sequence against the current tip, persists
// the block and its transaction index entries in one synced batch, and makes
// the block the new tip. The block's transactions are marked INCLUDED.
func (l *Ledger) Append(blk *block.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	expectedSeq := uint64(0)
	var expectedPrev [32]byte
	if l.tip != nil {
		expectedSeq = l.tip.Sequence + 1
		expectedPrev = l.tip.Hash
	}

	if blk.Sequence != expectedSeq {
		return errors.NewError(errors.ErrCodeSequenceMismatch,
			fmt.Sprintf("expected sequence %d, got %d", expectedSeq, blk.Sequence))
	}
	if blk.PrevHash != expectedPrev {
		return errors.NewError(errors.ErrCodeChainLinkage,
			fmt.Sprintf("previous hash of block %d does not match tip content hash", blk.Sequence))
	}
	if blk.ComputeHash() != blk.Hash {
		return errors.NewError(errors.ErrCodeChainIntegrity,
			fmt.Sprintf("content hash of block %d does not match its fields", blk.Sequence))
	}
	for _, tx := range blk.Transactions {
		seen, err := l.provider.Has(txIndexKey(tx.ID))
		if err != nil {
			return err
		}
		if seen {
			return errors.NewError(errors.ErrCodeDuplicateTransaction,
				fmt.Sprintf("transaction %s is already included in a block", tx.ID))
		}
	}

	for _, tx := range blk.Transactions {
		tx.Status = types.TxStatusIncluded
	}
	value, err := jsonx.Marshal(blk)
	if err != nil {
		return fmt.Errorf("marshal block %d: %w", blk.Sequence, err)
	}

	batch := l.provider.Batch()
	batch.Put(seqToBlockKey(blk.Sequence), value)
	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, blk.Sequence)
	for _, tx := range blk.Transactions {
		batch.Put(txIndexKey(tx.ID), seqBuf)
	}
	batch.Put([]byte(PrefixMeta+MetaKeyTip), seqBuf)
	if err := batch.Write(); err != nil {
		return fmt.Errorf("persist block %d: %w", blk.Sequence, err)
	}

	l.tip = blk
	monitoring.SetTipSequence(blk.Sequence)
	logx.Info("LEDGER", "Appended block ", blk.Sequence, " (", blk.Status, ") with ", len(blk.Transactions), " txs")
	return nil
}

// Get returns the block at the given sequence number.
func (l *Ledger) Get(seq uint64) (*block.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.readBlock(seq)
}

// Tip returns the highest-sequence block, or nil while the store is empty.
func (l *Ledger) Tip() *block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tip
}

// TipSequence returns the tip's sequence number and whether the store holds
// any block at all.
func (l *Ledger) TipSequence() (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.tip == nil {
		return 0, false
	}
	return l.tip.Sequence, true
}

// MarkConfirmed promotes the block at seq to CONFIRMED and rewrites it.
func (l *Ledger) MarkConfirmed(seq uint64) error {
	return l.setStatus(seq, block.StatusConfirmed)
}

func (l *Ledger) setStatus(seq uint64, status block.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	blk, err := l.readBlock(seq)
	if err != nil {
		return err
	}
	blk.Status = status
	value, err := jsonx.Marshal(blk)
	if err != nil {
		return fmt.Errorf("marshal block %d: %w", seq, err)
	}
	if err := l.provider.Put(seqToBlockKey(seq), value); err != nil {
		return fmt.Errorf("persist block %d status: %w", seq, err)
	}
	if l.tip != nil && l.tip.Sequence == seq {
		l.tip = blk
	}
	return nil
}

// RejectTip removes a locally-pending tip after a quorum integrity failure
// and returns the removed block so its transactions can be re-batched. It
// refuses to touch anything but a PENDING tip: confirmed blocks are
// immutable.
func (l *Ledger) RejectTip(seq uint64) (*block.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tip == nil || l.tip.Sequence != seq {
		return nil, errors.NewError(errors.ErrCodeNotFound, fmt.Sprintf("block %d is not the tip", seq))
	}
	if l.tip.Status != block.StatusPending {
		return nil, errors.NewError(errors.ErrCodeChainIntegrity,
			fmt.Sprintf("block %d is %s and cannot be rolled back", seq, l.tip.Status))
	}

	removed := l.tip
	batch := l.provider.Batch()
	batch.Delete(seqToBlockKey(seq))
	for _, tx := range removed.Transactions {
		batch.Delete(txIndexKey(tx.ID))
	}
	if seq == 0 {
		batch.Delete([]byte(PrefixMeta + MetaKeyTip))
	} else {
		seqBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBuf, seq-1)
		batch.Put([]byte(PrefixMeta+MetaKeyTip), seqBuf)
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("roll back block %d: %w", seq, err)
	}

	if seq == 0 {
		l.tip = nil
		monitoring.SetTipSequence(0)
	} else {
		prev, err := l.readBlock(seq - 1)
		if err != nil {
			return nil, err
		}
		l.tip = prev
		monitoring.SetTipSequence(prev.Sequence)
	}
	logx.Warn("LEDGER", "Rolled back pending block ", seq)
	return removed, nil
}

// VerifyChain walks the whole sequence from 0 to the tip and fails at the
// first linkage or content-hash mismatch, naming the offending sequence.
func (l *Ledger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.tip == nil {
		return nil
	}
	var prevHash [32]byte
	for seq := uint64(0); seq <= l.tip.Sequence; seq++ {
		blk, err := l.readBlock(seq)
		if err != nil {
			return errors.NewError(errors.ErrCodeChainIntegrity, fmt.Sprintf("missing block %d", seq))
		}
		if blk.PrevHash != prevHash {
			return errors.NewError(errors.ErrCodeChainIntegrity,
				fmt.Sprintf("block %d previous hash does not match block %d", seq, seq-1))
		}
		if blk.ComputeHash() != blk.Hash {
			return errors.NewError(errors.ErrCodeChainIntegrity,
				fmt.Sprintf("block %d content hash mismatch", seq))
		}
		prevHash = blk.Hash
	}
	return nil
}

// HasTx reports whether a transaction id is already included in any block.
func (l *Ledger) HasTx(id string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.provider.Has(txIndexKey(id))
}

// TxBlock returns the sequence number of the block containing the given
// transaction id.
func (l *Ledger) TxBlock(id string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	value, err := l.provider.Get(txIndexKey(id))
	if err != nil {
		return 0, err
	}
	if value == nil {
		return 0, errors.NewError(errors.ErrCodeNotFound, fmt.Sprintf("transaction %s not found", id))
	}
	return binary.BigEndian.Uint64(value), nil
}

// Blocks returns up to limit blocks starting at from, in sequence order.
func (l *Ledger) Blocks(from uint64, limit int) ([]*block.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.tip == nil {
		return nil, nil
	}
	blocks := make([]*block.Block, 0, limit)
	for seq := from; seq <= l.tip.Sequence && len(blocks) < limit; seq++ {
		blk, err := l.readBlock(seq)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, blk)
	}
	return blocks, nil
}

// Close closes the underlying database provider.
func (l *Ledger) Close() {
	if err := l.provider.Close(); err != nil {
		logx.Error("LEDGER", "Failed to close provider: ", err)
	}
}
