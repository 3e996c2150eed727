package mempool

import (
	"fmt"
	"sync"

	"folioledger/errors"
	"folioledger/logx"
	"folioledger/monitoring"
	"folioledger/types"
)

// IncludedChecker answers whether a transaction id was already committed to
// a block. The ledger store provides it.
type IncludedChecker func(id string) (bool, error)

// Mempool holds pending transactions awaiting inclusion in a block, in
// submission order. Draining and submitting serialize through one mutex so
// the block producer can never race a concurrent submit.
type Mempool struct {
	mu       sync.Mutex
	txs      []*types.Transaction
	byID     map[string]*types.Transaction
	maxTxs   int
	included IncludedChecker
}

// NewMempool creates an empty pool. maxTxs <= 0 means unbounded.
func NewMempool(maxTxs int, included IncludedChecker) *Mempool {
	return &Mempool{
		txs:      make([]*types.Transaction, 0),
		byID:     make(map[string]*types.Transaction),
		maxTxs:   maxTxs,
		included: included,
	}
}

// Submit queues a transaction. A transaction id that is already pending or
// already included in a block is rejected.
func (m *Mempool) Submit(tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[tx.ID]; exists {
		monitoring.IncreaseRejectedTxCount(monitoring.TxDuplicated)
		return errors.NewError(errors.ErrCodeDuplicateTransaction,
			fmt.Sprintf("transaction %s is already pending", tx.ID))
	}
	if m.included != nil {
		seen, err := m.included(tx.ID)
		if err != nil {
			return fmt.Errorf("check included transactions: %w", err)
		}
		if seen {
			monitoring.IncreaseRejectedTxCount(monitoring.TxDuplicated)
			return errors.NewError(errors.ErrCodeDuplicateTransaction,
				fmt.Sprintf("transaction %s is already included in a block", tx.ID))
		}
	}
	if m.maxTxs > 0 && len(m.txs) >= m.maxTxs {
		monitoring.IncreaseRejectedTxCount(monitoring.TxPoolFull)
		return errors.NewError(errors.ErrCodePoolFull,
			fmt.Sprintf("pool holds %d transactions", len(m.txs)))
	}

	tx.Status = types.TxStatusPending
	m.txs = append(m.txs, tx)
	m.byID[tx.ID] = tx
	monitoring.SetPoolSize(len(m.txs))
	return nil
}

// Drain removes and returns up to max pending transactions in submission
// order.
func (m *Mempool) Drain(max int) []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.txs) == 0 {
		return nil
	}
	if max <= 0 || max > len(m.txs) {
		max = len(m.txs)
	}
	batch := make([]*types.Transaction, max)
	copy(batch, m.txs[:max])
	m.txs = append(m.txs[:0], m.txs[max:]...)
	for _, tx := range batch {
		delete(m.byID, tx.ID)
	}
	monitoring.SetPoolSize(len(m.txs))
	return batch
}

// Requeue returns transactions from a rejected block to the front of the
// pool, preserving their original order, so they lead the next batch.
func (m *Mempool) Requeue(txs []*types.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	front := make([]*types.Transaction, 0, len(txs)+len(m.txs))
	for _, tx := range txs {
		if _, exists := m.byID[tx.ID]; exists {
			continue
		}
		tx.Status = types.TxStatusPending
		front = append(front, tx)
		m.byID[tx.ID] = tx
	}
	m.txs = append(front, m.txs...)
	monitoring.SetPoolSize(len(m.txs))
	logx.Warn("MEMPOOL", "Requeued ", len(front), " transactions from rejected block")
}

// Evict removes a transaction that failed validation downstream and returns
// the eviction error for the submitter path.
func (m *Mempool) Evict(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[id]; !exists {
		return errors.NewError(errors.ErrCodeNotFound, fmt.Sprintf("transaction %s is not pending", id))
	}
	delete(m.byID, id)
	for i, tx := range m.txs {
		if tx.ID == id {
			m.txs = append(m.txs[:i], m.txs[i+1:]...)
			break
		}
	}
	monitoring.SetPoolSize(len(m.txs))
	monitoring.IncreaseRejectedTxCount(monitoring.TxEvicted)
	return errors.NewError(errors.ErrCodeEvicted, fmt.Sprintf("transaction %s was evicted", id))
}

// Get returns the pending transaction with the given id, if any.
func (m *Mempool) Get(id string) (*types.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	return tx, ok
}

// Len returns the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// Pending returns a copy of the pending transactions in submission order.
func (m *Mempool) Pending() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Transaction, len(m.txs))
	copy(out, m.txs)
	return out
}

// Restore replaces the pool contents from a snapshot.
func (m *Mempool) Restore(txs []*types.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs = m.txs[:0]
	m.byID = make(map[string]*types.Transaction, len(txs))
	for _, tx := range txs {
		m.txs = append(m.txs, tx)
		m.byID[tx.ID] = tx
	}
	monitoring.SetPoolSize(len(m.txs))
}
