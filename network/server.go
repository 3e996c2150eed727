package network

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"folioledger/block"
	"folioledger/config"
	"folioledger/directory"
	"folioledger/errors"
	"folioledger/exception"
	"folioledger/ledger"
	"folioledger/logx"
	"folioledger/mempool"
	"folioledger/types"
)

const streamBatchSize = 64

// AckSink receives block acknowledgements from miner sessions.
type AckSink interface {
	OnAck(minerID string, seq uint64, ok bool, reason string)
}

// Server is the authority side of the sync protocol. Each miner connection is
// served by one session goroutine plus a writer goroutine; no session state
// survives a disconnect.
type Server struct {
	ledger    *ledger.Ledger
	pool      *mempool.Mempool
	directory *directory.Directory
	acks      AckSink
	cfg       *config.SyncConfig
	poolKick  func()

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu       sync.RWMutex
	sessions map[string]*serverSession
}

func NewServer(
	led *ledger.Ledger,
	pool *mempool.Mempool,
	dir *directory.Directory,
	acks AckSink,
	cfg *config.SyncConfig,
	poolKick func(),
) *Server {
	return &Server{
		ledger:    led,
		pool:      pool,
		directory: dir,
		acks:      acks,
		cfg:       cfg,
		poolKick:  poolKick,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*serverSession),
	}
}

// SetAckSink wires the producer after construction. The producer needs the
// server as its broadcaster, so one of the two is attached late.
func (s *Server) SetAckSink(acks AckSink) {
	s.acks = acks
}

// Start serves the peer endpoint at addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	exception.SafeGo("peer-server-shutdown", func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			logx.Error("NETWORK", "Peer server shutdown: ", err)
		}
	})

	logx.Info("NETWORK", "Peer server listening on ", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Error("NETWORK", "Upgrade failed: ", err)
		return
	}
	remote := r.RemoteAddr
	exception.SafeGo("peer-session", func() {
		s.serve(conn, remote)
	})
}

func (s *Server) timeout() time.Duration {
	return time.Duration(s.cfg.PeerTimeoutMs) * time.Millisecond
}

func (s *Server) serve(conn *websocket.Conn, remote string) {
	defer conn.Close()

	hs, err := s.readHandshake(conn)
	if err != nil {
		logx.Warn("NETWORK", fmt.Sprintf("Handshake failed | remote=%s | err=%v", remote, err))
		return
	}

	minerID, rejectErr := s.admit(hs, remote)
	if rejectErr != nil {
		s.rejectHandshake(conn, rejectErr)
		return
	}

	sess := newServerSession(s, conn, minerID)
	if !s.addSession(sess) {
		s.rejectHandshake(conn, errors.NewError(errors.ErrCodeDuplicateNode,
			fmt.Sprintf("miner %s already has a live session", minerID)))
		s.directory.SetState(minerID, types.ConnDisconnected)
		return
	}
	defer s.dropSession(sess)

	ack := HandshakeAckMsg{NodeID: minerID, Accepted: true, NextSequence: s.nextSequence()}
	env, err := NewEnvelope(MsgHandshakeAck, ack)
	if err != nil || !sess.send(env) {
		return
	}
	logx.Info("NETWORK", fmt.Sprintf("Miner connected | miner=%s | remote=%s | from_sequence=%d", minerID, remote, hs.NextSequence))

	exception.SafeGo("peer-writer-"+minerID, sess.writeLoop)

	s.directory.SetState(minerID, types.ConnSyncing)
	if hs.NextSequence > s.nextSequence() {
		if err := s.requestMissing(sess, hs.NextSequence); err != nil {
			logx.Warn("NETWORK", fmt.Sprintf("Reverse catch-up failed | miner=%s | err=%v", minerID, err))
			return
		}
	}
	if !s.streamFrom(sess, hs.NextSequence) {
		return
	}
	sess.markSynced()
	s.directory.SetState(minerID, types.ConnSynced)

	s.readLoop(sess)
}

func (s *Server) readHandshake(conn *websocket.Conn) (*HandshakeMsg, error) {
	conn.SetReadDeadline(time.Now().Add(s.timeout()))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	if env.Type != MsgHandshake {
		return nil, errors.NewError(errors.ErrCodeProtocolViolation,
			fmt.Sprintf("expected %s, got %s", MsgHandshake, env.Type))
	}
	var hs HandshakeMsg
	if err := env.Decode(&hs); err != nil {
		return nil, err
	}
	return &hs, nil
}

// admit validates the handshake and registers the miner in the directory.
func (s *Server) admit(hs *HandshakeMsg, remote string) (string, error) {
	if types.NodeRole(hs.Role) != types.RoleArchivalMiner {
		return "", errors.NewError(errors.ErrCodeHandshakeRejected,
			fmt.Sprintf("role %q cannot join as a peer", hs.Role))
	}
	if s.sessionCount() >= s.cfg.MaxConnectedMiners {
		return "", errors.NewError(errors.ErrCodeHandshakeRejected,
			fmt.Sprintf("miner limit of %d reached", s.cfg.MaxConnectedMiners))
	}

	host, portStr, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	port, _ := strconv.Atoi(portStr)

	minerID, err := s.directory.Register(types.NodeRecord{
		ID:    hs.NodeID,
		Role:  types.RoleArchivalMiner,
		Host:  host,
		Port:  port,
		State: types.ConnConnecting,
	})
	if err != nil {
		return "", errors.NewError(errors.ErrCodeHandshakeRejected, err.Error())
	}
	return minerID, nil
}

func (s *Server) rejectHandshake(conn *websocket.Conn, rejectErr error) {
	ack := HandshakeAckMsg{
		Accepted:  false,
		ErrorCode: string(errors.CodeOf(rejectErr)),
		Message:   rejectErr.Error(),
	}
	if env, err := NewEnvelope(MsgHandshakeAck, ack); err == nil {
		conn.SetWriteDeadline(time.Now().Add(s.timeout()))
		conn.WriteJSON(env)
	}
	logx.Warn("NETWORK", "Handshake rejected: ", rejectErr)
}

func (s *Server) nextSequence() uint64 {
	if tip, ok := s.ledger.TipSequence(); ok {
		return tip + 1
	}
	return 0
}

// requestMissing runs the reverse direction of catch-up: the miner holds
// blocks the authority lost, usually after the authority restored an older
// snapshot. The authority requests and appends them before serving anything.
// No other frame type is legal until the gap is closed.
func (s *Server) requestMissing(sess *serverSession, minerNext uint64) error {
	env, err := NewEnvelope(MsgBlockRequest, BlockRequestMsg{FromSequence: s.nextSequence()})
	if err != nil {
		return err
	}
	if !sess.send(env) {
		return errors.NewError(errors.ErrCodePeerTimeout, "session closed during reverse catch-up")
	}
	logx.Info("NETWORK", fmt.Sprintf("Requesting missing blocks | miner=%s | from=%d | until=%d",
		sess.minerID, s.nextSequence(), minerNext-1))

	for s.nextSequence() < minerNext {
		sess.conn.SetReadDeadline(time.Now().Add(s.timeout()))
		var frame Envelope
		if err := sess.conn.ReadJSON(&frame); err != nil {
			return err
		}
		if frame.Type != MsgBlockData {
			return errors.NewError(errors.ErrCodeProtocolViolation,
				fmt.Sprintf("expected %s during reverse catch-up, got %s", MsgBlockData, frame.Type))
		}
		var msg BlockDataMsg
		if err := frame.Decode(&msg); err != nil || msg.Block == nil {
			return errors.NewError(errors.ErrCodeProtocolViolation, "bad block frame")
		}
		if err := s.ledger.Append(msg.Block); err != nil {
			return err
		}
	}
	return nil
}

// streamFrom sends every block from the given sequence up to the current tip,
// then a catchup_done marker. Returns false when the session died mid-stream.
func (s *Server) streamFrom(sess *serverSession, from uint64) bool {
	next := from
	for {
		tip, ok := s.ledger.TipSequence()
		if !ok || next > tip {
			break
		}
		blocks, err := s.ledger.Blocks(next, streamBatchSize)
		if err != nil {
			logx.Error("NETWORK", fmt.Sprintf("Catch-up read failed | miner=%s | from=%d | err=%v", sess.minerID, next, err))
			return false
		}
		for _, blk := range blocks {
			env, err := NewEnvelope(MsgBlockData, BlockDataMsg{Block: blk})
			if err != nil || !sess.send(env) {
				return false
			}
			next = blk.Sequence + 1
		}
	}
	env, err := NewEnvelope(MsgCatchupDone, CatchupDoneMsg{NextSequence: next})
	if err != nil {
		return false
	}
	logx.Info("NETWORK", fmt.Sprintf("Catch-up complete | miner=%s | next_sequence=%d", sess.minerID, next))
	return sess.send(env)
}

func (s *Server) readLoop(sess *serverSession) {
	conn := sess.conn
	conn.SetReadDeadline(time.Now().Add(s.timeout()))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.timeout()))
		s.directory.MarkSeen(sess.minerID)
		return nil
	})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			logx.Info("NETWORK", fmt.Sprintf("Miner link closed | miner=%s | err=%v", sess.minerID, err))
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.timeout()))
		s.directory.MarkSeen(sess.minerID)

		switch env.Type {
		case MsgBlockAck:
			var ack BlockAckMsg
			if err := env.Decode(&ack); err != nil {
				logx.Warn("NETWORK", "Bad block ack: ", err)
				continue
			}
			if s.acks != nil {
				s.acks.OnAck(sess.minerID, ack.Sequence, ack.OK, ack.Message)
			}
		case MsgBlockRequest:
			var req BlockRequestMsg
			if err := env.Decode(&req); err != nil {
				logx.Warn("NETWORK", "Bad block request: ", err)
				continue
			}
			if !s.streamFrom(sess, req.FromSequence) {
				return
			}
		case MsgTxSubmit:
			var sub TxSubmitMsg
			if err := env.Decode(&sub); err != nil || sub.Tx == nil {
				logx.Warn("NETWORK", "Bad tx submit: ", err)
				continue
			}
			s.handleTxSubmit(sess, sub.Tx)
		default:
			logx.Warn("NETWORK", fmt.Sprintf("Protocol violation, dropping link | miner=%s | type=%s", sess.minerID, env.Type))
			return
		}
	}
}

func (s *Server) handleTxSubmit(sess *serverSession, tx *types.Transaction) {
	result := TxResultMsg{TxID: tx.ID, OK: true}
	if err := s.pool.Submit(tx); err != nil {
		result.OK = false
		result.ErrorCode = string(errors.CodeOf(err))
		result.Message = err.Error()
	} else if s.poolKick != nil {
		s.poolKick()
	}
	if env, err := NewEnvelope(MsgTxResult, result); err == nil {
		sess.send(env)
	}
}

// BroadcastBlock pushes a block to every synced miner session.
func (s *Server) BroadcastBlock(blk *block.Block) {
	env, err := NewEnvelope(MsgBlockPush, BlockPushMsg{Block: blk})
	if err != nil {
		logx.Error("NETWORK", "Failed to encode block push: ", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.isSynced() {
			sess.send(env)
		}
	}
}

func (s *Server) sessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) addSession(sess *serverSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.minerID]; exists {
		return false
	}
	s.sessions[sess.minerID] = sess
	return true
}

func (s *Server) dropSession(sess *serverSession) {
	s.mu.Lock()
	if s.sessions[sess.minerID] == sess {
		delete(s.sessions, sess.minerID)
	}
	s.mu.Unlock()
	sess.close()
	s.directory.SetState(sess.minerID, types.ConnDisconnected)
	logx.Info("NETWORK", "Miner disconnected: ", sess.minerID)
}
