package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"folioledger/directory"
	"folioledger/errors"
	"folioledger/events"
	"folioledger/exception"
	"folioledger/jsonx"
	"folioledger/ledger"
	"folioledger/logx"
	"folioledger/mempool"
	"folioledger/monitoring"
	"folioledger/types"
)

// TxSubmitter accepts a transaction for eventual inclusion. On the authority
// it feeds the pool directly; on a miner it forwards over the authority link.
type TxSubmitter interface {
	SubmitTx(ctx context.Context, tx *types.Transaction) error
}

// NodeInfo is the /info response.
type NodeInfo struct {
	NodeID      string `json:"node_id"`
	Role        string `json:"role"`
	TipSequence uint64 `json:"tip_sequence"`
	TipHash     string `json:"tip_hash,omitempty"`
	ChainLength uint64 `json:"chain_length"`
	PoolSize    int    `json:"pool_size"`
	SyncState   string `json:"sync_state,omitempty"`
}

type TxSubmitRequest struct {
	ID        string      `json:"id,omitempty"`
	Kind      string      `json:"kind"`
	Payload   interface{} `json:"payload"`
	Submitter string      `json:"submitter"`
}

type TxStatusResponse struct {
	Tx            *types.Transaction `json:"tx"`
	BlockSequence *uint64            `json:"block_sequence,omitempty"`
}

// APIServer exposes the admin surface over HTTP. Pool is nil on miners; they
// have no local pool and forward submissions instead.
type APIServer struct {
	Submitter  TxSubmitter
	Mempool    *mempool.Mempool
	Ledger     *ledger.Ledger
	Directory  *directory.Directory
	EventBus   *events.EventBus
	ListenAddr string

	NodeID    func() string
	Role      types.NodeRole
	SyncState func() types.ConnState

	httpSrv *http.Server
}

// Start serves until ctx is cancelled.
func (s *APIServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions", s.handleTransactions)
	mux.HandleFunc("/transactions/", s.handleTransactionByID)
	mux.HandleFunc("/blocks", s.handleBlocks)
	mux.HandleFunc("/blocks/", s.handleBlockBySequence)
	mux.HandleFunc("/nodes", s.handleNodes)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", monitoring.Handler())

	s.httpSrv = &http.Server{Addr: s.ListenAddr, Handler: mux}
	exception.SafeGo("api-server-shutdown", func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			logx.Error("API", "Shutdown: ", err)
		}
	})

	logx.Info("API", "Listening on ", s.ListenAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeDuplicateTransaction, errors.ErrCodeDuplicateNode:
		status = http.StatusConflict
	case errors.ErrCodePoolFull, errors.ErrCodeEvicted:
		status = http.StatusTooManyRequests
	case errors.ErrCodeConfiguration:
		status = http.StatusBadRequest
	case errors.ErrCodePeerTimeout:
		status = http.StatusServiceUnavailable
	}
	var le *errors.LedgerError
	if e, ok := err.(*errors.LedgerError); ok {
		le = e
	} else {
		le = &errors.LedgerError{Code: errors.ErrCodeInternal, Message: err.Error()}
	}
	writeJSON(w, status, le)
}

func (s *APIServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitTransaction(w, r)
	case http.MethodGet:
		s.listPending(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *APIServer) submitTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "Empty body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req TxSubmitRequest
	if err := jsonx.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !types.ValidKind(types.TxKind(req.Kind)) {
		http.Error(w, fmt.Sprintf("Unknown transaction kind %q", req.Kind), http.StatusBadRequest)
		return
	}
	payload, err := jsonx.Marshal(req.Payload)
	if err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	tx := types.NewTransaction(types.TxKind(req.Kind), payload, req.Submitter)
	if req.ID != "" {
		// Caller-supplied ids make resubmission after a restart detectable
		// through the duplicate checks.
		tx.ID = req.ID
	}
	if err := s.Submitter.SubmitTx(r.Context(), tx); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

func (s *APIServer) listPending(w http.ResponseWriter, r *http.Request) {
	if s.Mempool == nil {
		writeJSON(w, http.StatusOK, []*types.Transaction{})
		return
	}
	writeJSON(w, http.StatusOK, s.Mempool.Pending())
}

func (s *APIServer) handleTransactionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/transactions/")
	if id == "" {
		http.Error(w, "Missing transaction id", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.transactionStatus(w, id)
	case http.MethodDelete:
		s.evictTransaction(w, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *APIServer) transactionStatus(w http.ResponseWriter, id string) {
	if s.Mempool != nil {
		if tx, ok := s.Mempool.Get(id); ok {
			writeJSON(w, http.StatusOK, TxStatusResponse{Tx: tx})
			return
		}
	}

	seq, err := s.Ledger.TxBlock(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	blk, err := s.Ledger.Get(seq)
	if err != nil {
		writeErr(w, err)
		return
	}
	for _, tx := range blk.Transactions {
		if tx.ID == id {
			writeJSON(w, http.StatusOK, TxStatusResponse{Tx: tx, BlockSequence: &seq})
			return
		}
	}
	writeErr(w, errors.NewError(errors.ErrCodeNotFound, fmt.Sprintf("transaction %s not found", id)))
}

// evictTransaction removes a pending transaction that failed validation
// downstream. The eviction report is the response body, not a failure: the
// operator asked for exactly this outcome.
func (s *APIServer) evictTransaction(w http.ResponseWriter, id string) {
	if s.Mempool == nil {
		writeErr(w, errors.NewError(errors.ErrCodeNotFound, "node holds no local transaction pool"))
		return
	}
	err := s.Mempool.Evict(id)
	if errors.HasCode(err, errors.ErrCodeEvicted) {
		writeJSON(w, http.StatusOK, err)
		return
	}
	writeErr(w, err)
}

func (s *APIServer) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from, err := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		from = 0
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	blocks, err := s.Ledger.Blocks(from, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *APIServer) handleBlockBySequence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	seqStr := strings.TrimPrefix(r.URL.Path, "/blocks/")
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		http.Error(w, "Invalid block sequence", http.StatusBadRequest)
		return
	}
	blk, err := s.Ledger.Get(seq)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blk)
}

func (s *APIServer) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Directory.Snapshot())
}

func (s *APIServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info := NodeInfo{
		NodeID: s.NodeID(),
		Role:   string(s.Role),
	}
	if tip := s.Ledger.Tip(); tip != nil {
		info.TipSequence = tip.Sequence
		info.TipHash = tip.HashHex()
		info.ChainLength = tip.Sequence + 1
	}
	if s.Mempool != nil {
		info.PoolSize = s.Mempool.Len()
	}
	if s.SyncState != nil {
		info.SyncState = string(s.SyncState())
	}
	writeJSON(w, http.StatusOK, info)
}

// handleEvents streams ledger events as server-sent events until the client
// goes away.
func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, ch := s.EventBus.Subscribe()
	defer s.EventBus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			data, err := jsonx.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
