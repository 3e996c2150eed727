package network

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"folioledger/logx"
)

const outboundBufferSize = 128

// serverSession is the authority's per-miner connection state. The writer
// goroutine owns all writes; other goroutines enqueue on outbound. A full
// outbound buffer closes the session rather than blocking the caller.
type serverSession struct {
	server  *Server
	conn    *websocket.Conn
	minerID string

	outbound  chan *Envelope
	done      chan struct{}
	closeOnce sync.Once
	synced    atomic.Bool
}

func newServerSession(s *Server, conn *websocket.Conn, minerID string) *serverSession {
	return &serverSession{
		server:   s,
		conn:     conn,
		minerID:  minerID,
		outbound: make(chan *Envelope, outboundBufferSize),
		done:     make(chan struct{}),
	}
}

func (sess *serverSession) markSynced() {
	sess.synced.Store(true)
}

func (sess *serverSession) isSynced() bool {
	return sess.synced.Load()
}

func (sess *serverSession) send(env *Envelope) bool {
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.outbound <- env:
		return true
	default:
		logx.Warn("NETWORK", "Outbound buffer full, dropping link: ", sess.minerID)
		sess.close()
		return false
	}
}

func (sess *serverSession) close() {
	sess.closeOnce.Do(func() {
		close(sess.done)
		sess.conn.Close()
	})
}

func (sess *serverSession) writeLoop() {
	timeout := sess.server.timeout()
	pingTicker := time.NewTicker(timeout / 2)
	defer pingTicker.Stop()
	defer sess.close()

	for {
		select {
		case <-sess.done:
			return
		case env := <-sess.outbound:
			sess.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := sess.conn.WriteJSON(env); err != nil {
				logx.Warn("NETWORK", "Write failed, dropping link: ", sess.minerID, " ", err)
				return
			}
		case <-pingTicker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
