package producer

import (
	"fmt"
	"sync"

	"folioledger/logx"
)

// quorumTracker counts per-block acknowledgements from miners. Acks arriving
// through catch-up count the same as acks from a live push, so a block left
// pending by a disconnect can still reach quorum once the miner returns.
type quorumTracker struct {
	mu       sync.Mutex
	acks     map[uint64]map[string]bool // sequence → minerID
	required map[uint64]int
}

func newQuorumTracker() *quorumTracker {
	return &quorumTracker{
		acks:     make(map[uint64]map[string]bool),
		required: make(map[uint64]int),
	}
}

// Require records how many acks the block at seq needs. Zero means the block
// confirms without any miner.
func (q *quorumTracker) Require(seq uint64, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.required[seq] = n
	logx.Info("QUORUM", fmt.Sprintf("sequence=%d required=%d", seq, n))
}

// AddAck registers one miner's ack and reports whether quorum is reached.
// Duplicate acks from the same miner are ignored.
func (q *quorumTracker) AddAck(seq uint64, minerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	need, tracked := q.required[seq]
	if !tracked {
		return false
	}
	seqAcks, ok := q.acks[seq]
	if !ok {
		seqAcks = make(map[string]bool)
		q.acks[seq] = seqAcks
	}
	if seqAcks[minerID] {
		logx.Debug("QUORUM", fmt.Sprintf("duplicate ack from %s for sequence %d", minerID, seq))
		return false
	}
	seqAcks[minerID] = true

	count := len(seqAcks)
	logx.Info("QUORUM", fmt.Sprintf("sequence=%d acks=%d/%d", seq, count, need))
	return count >= need
}

// Reached reports whether the block already has enough acks.
func (q *quorumTracker) Reached(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	need, tracked := q.required[seq]
	if !tracked {
		return false
	}
	return len(q.acks[seq]) >= need
}

// Clear drops all tracking for a settled sequence.
func (q *quorumTracker) Clear(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.acks, seq)
	delete(q.required, seq)
}
