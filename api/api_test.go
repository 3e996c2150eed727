package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folioledger/block"
	"folioledger/db"
	"folioledger/directory"
	"folioledger/errors"
	"folioledger/events"
	"folioledger/jsonx"
	"folioledger/ledger"
	"folioledger/mempool"
	"folioledger/types"
)

type poolSubmitter struct {
	pool *mempool.Mempool
}

func (p *poolSubmitter) SubmitTx(ctx context.Context, tx *types.Transaction) error {
	return p.pool.Submit(tx)
}

func newTestServer(t *testing.T) (*APIServer, *ledger.Ledger, *mempool.Mempool) {
	t.Helper()
	provider, err := db.NewLevelDBProvider(t.TempDir())
	require.NoError(t, err)
	led, err := ledger.NewLedger(provider)
	require.NoError(t, err)
	t.Cleanup(led.Close)

	genesis := block.Genesis("flauth-1")
	genesis.Status = block.StatusConfirmed
	require.NoError(t, led.Append(genesis))

	pool := mempool.NewMempool(0, led.HasTx)
	srv := &APIServer{
		Submitter: &poolSubmitter{pool: pool},
		Mempool:   pool,
		Ledger:    led,
		Directory: directory.NewDirectory(),
		EventBus:  events.NewEventBus(),
		NodeID:    func() string { return "flauth-1" },
		Role:      types.RoleAuthority,
	}
	return srv, led, pool
}

func TestSubmitTransaction(t *testing.T) {
	srv, _, pool := newTestServer(t)

	body := `{"kind":"RECORD_ISSUANCE","payload":{"document":"diploma-001"},"submitter":"registrar-1"}`
	req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleTransactions(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var tx types.Transaction
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &tx))
	assert.True(t, strings.HasPrefix(tx.ID, types.IDPrefix))
	assert.Equal(t, types.TxStatusPending, tx.Status)
	assert.Equal(t, 1, pool.Len())
}

func TestSubmitTransactionRejectsUnknownKind(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"kind":"MINT_COINS","submitter":"registrar-1"}`
	req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleTransactions(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransactionStatusLookup(t *testing.T) {
	srv, led, pool := newTestServer(t)

	pending := types.NewTransaction(types.TxKindDocumentRequest, []byte(`{"q":1}`), "registrar-2")
	require.NoError(t, pool.Submit(pending))

	req := httptest.NewRequest(http.MethodGet, "/transactions/"+pending.ID, nil)
	rec := httptest.NewRecorder()
	srv.handleTransactionByID(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res TxStatusResponse
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, types.TxStatusPending, res.Tx.Status)
	assert.Nil(t, res.BlockSequence)

	// Included transactions resolve to their block.
	included := types.NewTransaction(types.TxKindRecordIssuance, []byte(`{"doc":"x"}`), "registrar-1")
	tip := led.Tip()
	blk := block.AssembleBlock(tip.Sequence+1, tip.Hash, "flauth-1", []*types.Transaction{included})
	require.NoError(t, led.Append(blk))

	req = httptest.NewRequest(http.MethodGet, "/transactions/"+included.ID, nil)
	rec = httptest.NewRecorder()
	srv.handleTransactionByID(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.BlockSequence)
	assert.Equal(t, uint64(1), *res.BlockSequence)
	assert.Equal(t, types.TxStatusIncluded, res.Tx.Status)
}

func TestTransactionStatusNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/transactions/fl-missing", nil)
	rec := httptest.NewRecorder()
	srv.handleTransactionByID(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvictTransaction(t *testing.T) {
	srv, _, pool := newTestServer(t)

	tx := types.NewTransaction(types.TxKindRecordIssuance, []byte(`{"doc":"x"}`), "registrar-1")
	require.NoError(t, pool.Submit(tx))

	req := httptest.NewRequest(http.MethodDelete, "/transactions/"+tx.ID, nil)
	rec := httptest.NewRecorder()
	srv.handleTransactionByID(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var report errors.LedgerError
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, errors.ErrCodeEvicted, report.Code)
	assert.Equal(t, 0, pool.Len())

	// A second eviction has nothing left to remove.
	req = httptest.NewRequest(http.MethodDelete, "/transactions/"+tx.ID, nil)
	rec = httptest.NewRecorder()
	srv.handleTransactionByID(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlockEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/blocks/0", nil)
	rec := httptest.NewRecorder()
	srv.handleBlockBySequence(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var blk block.Block
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &blk))
	assert.Equal(t, uint64(0), blk.Sequence)

	req = httptest.NewRequest(http.MethodGet, "/blocks/99", nil)
	rec = httptest.NewRecorder()
	srv.handleBlockBySequence(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/blocks?from=0&limit=10", nil)
	rec = httptest.NewRecorder()
	srv.handleBlocks(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var blocks []*block.Block
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &blocks))
	assert.Len(t, blocks, 1)
}

func TestInfo(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()
	srv.handleInfo(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info NodeInfo
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "flauth-1", info.NodeID)
	assert.Equal(t, string(types.RoleAuthority), info.Role)
	assert.Equal(t, uint64(1), info.ChainLength)
}
