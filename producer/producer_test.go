package producer

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folioledger/block"
	"folioledger/config"
	"folioledger/db"
	"folioledger/directory"
	"folioledger/events"
	"folioledger/ledger"
	"folioledger/mempool"
	"folioledger/types"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	blocks []*block.Block
}

func (r *recordingBroadcaster) BroadcastBlock(blk *block.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, blk)
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}

type fixture struct {
	led   *ledger.Ledger
	pool  *mempool.Mempool
	dir   *directory.Directory
	bcast *recordingBroadcaster
	prod  *Producer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider, err := db.NewLevelDBProvider(t.TempDir())
	require.NoError(t, err)
	led, err := ledger.NewLedger(provider)
	require.NoError(t, err)
	t.Cleanup(led.Close)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	genesis := block.Genesis("authority-1")
	genesis.Sign(priv)
	genesis.Status = block.StatusConfirmed
	require.NoError(t, led.Append(genesis))

	pool := mempool.NewMempool(0, led.HasTx)
	dir := directory.NewDirectory()
	bcast := &recordingBroadcaster{}
	cfg := &config.ProducerConfig{
		BatchIntervalMs: 50,
		BatchMaxSize:    64,
		QuorumFraction:  1.0,
	}
	prod := NewProducer(led, pool, dir, events.NewEventBus(), bcast, "authority-1", priv, cfg, t.TempDir())
	return &fixture{led: led, pool: pool, dir: dir, bcast: bcast, prod: prod}
}

func (f *fixture) submit(t *testing.T) *types.Transaction {
	t.Helper()
	tx := types.NewTransaction(types.TxKindRecordIssuance, []byte(`{"doc":"x"}`), "registrar-1")
	require.NoError(t, f.pool.Submit(tx))
	return tx
}

func (f *fixture) addSyncedMiner(t *testing.T, id string) string {
	t.Helper()
	minerID, err := f.dir.Register(types.NodeRecord{ID: id, Role: types.RoleArchivalMiner})
	require.NoError(t, err)
	f.dir.SetState(minerID, types.ConnSynced)
	return minerID
}

func TestProduceConfirmsWithoutMiners(t *testing.T) {
	f := newFixture(t)
	a := f.submit(t)
	b := f.submit(t)

	f.prod.tryProduce()

	tip, ok := f.led.TipSequence()
	require.True(t, ok)
	assert.Equal(t, uint64(1), tip)
	assert.Equal(t, 0, f.pool.Len())

	blk, err := f.led.Get(1)
	require.NoError(t, err)
	assert.Equal(t, block.StatusConfirmed, blk.Status)
	assert.Equal(t, []string{a.ID, b.ID}, blk.TxIDs())
	for _, tx := range blk.Transactions {
		assert.Equal(t, types.TxStatusIncluded, tx.Status)
	}
	assert.Equal(t, 0, f.bcast.count())
}

func TestProduceWaitsForQuorum(t *testing.T) {
	f := newFixture(t)
	minerID := f.addSyncedMiner(t, "flminer-1")
	f.submit(t)

	f.prod.tryProduce()

	blk, err := f.led.Get(1)
	require.NoError(t, err)
	assert.Equal(t, block.StatusPending, blk.Status)
	assert.Equal(t, 1, f.bcast.count())

	// A second batch cannot start while the candidate is pending.
	f.submit(t)
	f.prod.tryProduce()
	tip, _ := f.led.TipSequence()
	assert.Equal(t, uint64(1), tip)

	f.prod.OnAck(minerID, 1, true, "")
	blk, err = f.led.Get(1)
	require.NoError(t, err)
	assert.Equal(t, block.StatusConfirmed, blk.Status)
}

func TestDuplicateAckDoesNotConfirm(t *testing.T) {
	f := newFixture(t)
	minerA := f.addSyncedMiner(t, "flminer-a")
	f.addSyncedMiner(t, "flminer-b")
	f.submit(t)

	f.prod.tryProduce()

	f.prod.OnAck(minerA, 1, true, "")
	f.prod.OnAck(minerA, 1, true, "")
	blk, err := f.led.Get(1)
	require.NoError(t, err)
	assert.Equal(t, block.StatusPending, blk.Status)
}

func TestNegativeAckRejectsAndRequeues(t *testing.T) {
	f := newFixture(t)
	minerID := f.addSyncedMiner(t, "flminer-1")
	tx := f.submit(t)

	f.prod.tryProduce()
	require.Equal(t, 0, f.pool.Len())

	f.prod.OnAck(minerID, 1, false, "chain linkage broken")

	tip, ok := f.led.TipSequence()
	require.True(t, ok)
	assert.Equal(t, uint64(0), tip)

	pending := f.pool.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, tx.ID, pending[0].ID)
	assert.Equal(t, types.TxStatusPending, pending[0].Status)
}

func TestRecoverPendingTipWithoutMiners(t *testing.T) {
	f := newFixture(t)
	minerID := f.addSyncedMiner(t, "flminer-1")
	f.submit(t)
	f.prod.tryProduce()

	// The miner goes away before acking; its ack requirement was fixed at
	// proposal time, so the block stays pending.
	f.dir.SetState(minerID, types.ConnDisconnected)
	blk, err := f.led.Get(1)
	require.NoError(t, err)
	assert.Equal(t, block.StatusPending, blk.Status)

	// A late ack from the returning miner settles it.
	f.prod.OnAck(minerID, 1, true, "")
	blk, err = f.led.Get(1)
	require.NoError(t, err)
	assert.Equal(t, block.StatusConfirmed, blk.Status)
}

func TestDisconnectedMinerKeepsBlockPending(t *testing.T) {
	f := newFixture(t)
	minerID := f.addSyncedMiner(t, "flminer-1")
	f.dir.SetState(minerID, types.ConnDisconnected)
	f.submit(t)

	f.prod.tryProduce()

	blk, err := f.led.Get(1)
	require.NoError(t, err)
	assert.Equal(t, block.StatusPending, blk.Status)

	// Neither further batch ticks nor a restart recovery confirm it while
	// the registered miner has not acked.
	f.prod.tryProduce()
	f.prod.recoverPendingTip()
	blk, err = f.led.Get(1)
	require.NoError(t, err)
	assert.Equal(t, block.StatusPending, blk.Status)

	// The ack gathered during the miner's later catch-up settles it.
	f.prod.OnAck(minerID, 1, true, "")
	blk, err = f.led.Get(1)
	require.NoError(t, err)
	assert.Equal(t, block.StatusConfirmed, blk.Status)
}

func TestEmptyPoolProducesNothing(t *testing.T) {
	f := newFixture(t)
	f.prod.tryProduce()

	tip, ok := f.led.TipSequence()
	require.True(t, ok)
	assert.Equal(t, uint64(0), tip)
}
