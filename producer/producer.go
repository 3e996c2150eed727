package producer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math"
	"time"

	"folioledger/block"
	"folioledger/config"
	"folioledger/directory"
	"folioledger/errors"
	"folioledger/events"
	"folioledger/exception"
	"folioledger/ledger"
	"folioledger/logx"
	"folioledger/mempool"
	"folioledger/monitoring"
	"folioledger/snapshot"
)

// Broadcaster pushes a freshly produced block to every synced miner.
type Broadcaster interface {
	BroadcastBlock(blk *block.Block)
}

// Producer runs the authority's batch loop: drain the pool, assemble and
// sign a block, append it as pending, then wait for miner acks before
// confirming. At most one candidate is in flight at a time.
type Producer struct {
	ledger    *ledger.Ledger
	mempool   *mempool.Mempool
	directory *directory.Directory
	eventBus  *events.EventBus
	bcast     Broadcaster
	quorum    *quorumTracker

	nodeID      string
	privKey     ed25519.PrivateKey
	cfg         *config.ProducerConfig
	snapshotDir string

	kick chan struct{}
}

func NewProducer(
	led *ledger.Ledger,
	pool *mempool.Mempool,
	dir *directory.Directory,
	bus *events.EventBus,
	bcast Broadcaster,
	nodeID string,
	privKey ed25519.PrivateKey,
	cfg *config.ProducerConfig,
	snapshotDir string,
) *Producer {
	return &Producer{
		ledger:      led,
		mempool:     pool,
		directory:   dir,
		eventBus:    bus,
		bcast:       bcast,
		quorum:      newQuorumTracker(),
		nodeID:      nodeID,
		privKey:     privKey,
		cfg:         cfg,
		snapshotDir: snapshotDir,
		kick:        make(chan struct{}, 1),
	}
}

// Kick nudges the batch loop ahead of the next tick. Used when the pool
// reaches a full batch.
func (p *Producer) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drives the batch loop until ctx is cancelled. On startup a pending tip
// left over from a previous run is re-registered for quorum so returning
// miners can still settle it.
func (p *Producer) Run(ctx context.Context) {
	p.recoverPendingTip()

	interval := time.Duration(p.cfg.BatchIntervalMs) * time.Millisecond
	batchTicker := time.NewTicker(interval)
	defer batchTicker.Stop()

	logx.Info("PRODUCER", fmt.Sprintf("Batch loop started | interval=%s | batch_max=%d", interval, p.cfg.BatchMaxSize))
	for {
		select {
		case <-ctx.Done():
			logx.Info("PRODUCER", "Batch loop stopped")
			return
		case <-batchTicker.C:
			p.tryProduce()
		case <-p.kick:
			p.tryProduce()
		}
	}
}

func (p *Producer) recoverPendingTip() {
	tip := p.ledger.Tip()
	if tip == nil || tip.Status != block.StatusPending {
		return
	}
	required := p.requiredAcks()
	p.quorum.Require(tip.Sequence, required)
	monitoring.SetPendingBlockCount(1)
	logx.Warn("PRODUCER", fmt.Sprintf("Recovered pending tip | sequence=%d | required_acks=%d", tip.Sequence, required))
	if required == 0 {
		p.confirm(tip.Sequence)
	}
}

// hasPendingCandidate reports whether the tip is still awaiting quorum.
func (p *Producer) hasPendingCandidate() bool {
	tip := p.ledger.Tip()
	return tip != nil && tip.Status == block.StatusPending
}

// requiredAcks sizes the quorum over every registered miner, disconnected
// ones included. A block produced while the only miner is away stays pending
// until that miner returns and acknowledges it; only an empty directory
// confirms without acks.
func (p *Producer) requiredAcks() int {
	registered := len(p.directory.RegisteredMiners())
	if registered == 0 {
		return 0
	}
	required := int(math.Ceil(p.cfg.QuorumFraction * float64(registered)))
	if required < 1 {
		required = 1
	}
	return required
}

func (p *Producer) tryProduce() {
	if p.hasPendingCandidate() {
		logx.Debug("PRODUCER", "Candidate still pending, skipping batch")
		return
	}

	batch := p.mempool.Drain(p.cfg.BatchMaxSize)
	if len(batch) == 0 {
		return
	}
	monitoring.SetPoolSize(p.mempool.Len())

	var sequence uint64
	var prevHash [32]byte
	if tip := p.ledger.Tip(); tip != nil {
		sequence = tip.Sequence + 1
		prevHash = tip.Hash
	}

	blk := block.AssembleBlock(sequence, prevHash, p.nodeID, batch)
	blk.Sign(p.privKey)

	required := p.requiredAcks()
	p.quorum.Require(blk.Sequence, required)

	if err := p.ledger.Append(blk); err != nil {
		logx.Error("PRODUCER", fmt.Sprintf("Failed to append candidate | sequence=%d | err=%v", blk.Sequence, err))
		p.quorum.Clear(blk.Sequence)
		p.mempool.Requeue(batch)
		return
	}
	monitoring.SetTipSequence(blk.Sequence)
	monitoring.SetPendingBlockCount(1)
	logx.Info("PRODUCER", fmt.Sprintf("Produced block | sequence=%d | txs=%d | hash=%s | required_acks=%d | synced_miners=%d",
		blk.Sequence, len(blk.Transactions), blk.HashHex(), required, len(p.directory.SyncedMiners())))

	if required == 0 {
		p.confirm(blk.Sequence)
		return
	}
	if p.bcast != nil {
		p.bcast.BroadcastBlock(blk)
	}
}

// OnAck routes a miner's block acknowledgement. A positive ack counts toward
// quorum; a negative ack rejects the candidate outright.
func (p *Producer) OnAck(minerID string, seq uint64, ok bool, reason string) {
	if !ok {
		logx.Warn("PRODUCER", fmt.Sprintf("Miner rejected block | miner=%s | sequence=%d | reason=%s", minerID, seq, reason))
		p.reject(seq, reason)
		return
	}
	if p.quorum.AddAck(seq, minerID) {
		p.confirm(seq)
	}
}

func (p *Producer) confirm(seq uint64) {
	blk, err := p.ledger.Get(seq)
	if err != nil || blk.Status != block.StatusPending {
		return
	}
	if err := p.ledger.MarkConfirmed(seq); err != nil {
		logx.Error("PRODUCER", fmt.Sprintf("Failed to confirm block | sequence=%d | err=%v", seq, err))
		return
	}
	p.quorum.Clear(seq)
	monitoring.IncreaseConfirmedBlockCount()
	monitoring.SetPendingBlockCount(0)
	logx.Info("PRODUCER", fmt.Sprintf("Block confirmed | sequence=%d | hash=%s", seq, blk.HashHex()))

	p.eventBus.Publish(events.LedgerEvent{
		Type:      events.EventBlockConfirmed,
		Sequence:  seq,
		BlockHash: blk.HashHex(),
	})
	for _, tx := range blk.Transactions {
		p.eventBus.Publish(events.LedgerEvent{
			Type:     events.EventTransactionIncluded,
			Sequence: seq,
			TxID:     tx.ID,
		})
	}

	exception.SafeGo("snapshot-chain", func() {
		if _, err := snapshot.WriteChain(p.snapshotDir, p.ledger); err != nil {
			logx.Error("PRODUCER", "Failed to write chain snapshot: ", err)
		}
	})
}

func (p *Producer) reject(seq uint64, reason string) {
	blk, err := p.ledger.RejectTip(seq)
	if err != nil {
		if !errors.HasCode(err, errors.ErrCodeNotFound) {
			logx.Error("PRODUCER", fmt.Sprintf("Failed to reject block | sequence=%d | err=%v", seq, err))
		}
		return
	}
	p.quorum.Clear(seq)
	p.mempool.Requeue(blk.Transactions)
	monitoring.IncreaseRejectedBlockCount()
	monitoring.SetPendingBlockCount(0)
	monitoring.SetPoolSize(p.mempool.Len())
	if tip, ok := p.ledger.TipSequence(); ok {
		monitoring.SetTipSequence(tip)
	} else {
		monitoring.SetTipSequence(0)
	}
	logx.Warn("PRODUCER", fmt.Sprintf("Block rejected, transactions requeued | sequence=%d | txs=%d | reason=%s",
		seq, len(blk.Transactions), reason))

	p.eventBus.Publish(events.LedgerEvent{
		Type:      events.EventBlockRejected,
		Sequence:  seq,
		BlockHash: blk.HashHex(),
	})
}
