package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"folioledger/block"
	"folioledger/config"
	"folioledger/errors"
	"folioledger/events"
	"folioledger/exception"
	"folioledger/ledger"
	"folioledger/logx"
	"folioledger/monitoring"
	"folioledger/snapshot"
	"folioledger/types"
)

const nodeIDFileName = "node-id"

// Client is the miner side of the sync protocol. It holds one link to the
// authority, reconnecting with backoff, and walks the connection through
// handshake, catch-up and steady state. Nothing about a connection survives a
// disconnect except the assigned node id.
type Client struct {
	ledger       *ledger.Ledger
	bus          *events.EventBus
	nodeCfg      *config.NodeConfig
	syncCfg      *config.SyncConfig
	authorityPub ed25519.PublicKey
	dataDir      string

	mu       sync.Mutex
	nodeID   string
	state    types.ConnState
	conn     *websocket.Conn
	writeMu  sync.Mutex
	txWaiter map[string]chan TxResultMsg
}

func NewClient(
	led *ledger.Ledger,
	bus *events.EventBus,
	nodeCfg *config.NodeConfig,
	syncCfg *config.SyncConfig,
	authorityPub ed25519.PublicKey,
) *Client {
	c := &Client{
		ledger:       led,
		bus:          bus,
		nodeCfg:      nodeCfg,
		syncCfg:      syncCfg,
		authorityPub: authorityPub,
		dataDir:      nodeCfg.DataDir,
		state:        types.ConnDisconnected,
		txWaiter:     make(map[string]chan TxResultMsg),
	}
	c.nodeID = c.loadNodeID()
	return c
}

// loadNodeID prefers the configured id, falling back to the id assigned by
// the authority on a previous run.
func (c *Client) loadNodeID() string {
	if c.nodeCfg.SelfNode.ID != "" {
		return c.nodeCfg.SelfNode.ID
	}
	data, err := os.ReadFile(filepath.Join(c.dataDir, nodeIDFileName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *Client) persistNodeID(id string) {
	path := filepath.Join(c.dataDir, nodeIDFileName)
	if err := os.WriteFile(path, []byte(id), 0644); err != nil {
		logx.Error("NETWORK", "Failed to persist node id: ", err)
	}
}

func (c *Client) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

func (c *Client) State() types.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(state types.ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	logx.Info("NETWORK", "Authority link state: ", string(state))
}

func (c *Client) timeout() time.Duration {
	return time.Duration(c.syncCfg.PeerTimeoutMs) * time.Millisecond
}

// Run keeps the authority link alive until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Duration(c.syncCfg.ReconnectBackoffMs) * time.Millisecond
	for {
		if err := c.connectAndServe(ctx); err != nil {
			logx.Warn("NETWORK", "Authority link lost: ", err)
		}
		c.setState(types.ConnDisconnected)
		monitoring.SetSyncedPeerCount(0)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	c.setState(types.ConnConnecting)

	u := url.URL{Scheme: "ws", Host: c.nodeCfg.Authority.Addr, Path: "/ws"}
	dialer := websocket.Dialer{HandshakeTimeout: c.timeout()}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	connDone := make(chan struct{})
	defer close(connDone)
	exception.SafeGo("authority-link-closer", func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	})

	if err := c.handshake(conn); err != nil {
		return err
	}

	c.setState(types.ConnSyncing)
	return c.readLoop(conn)
}

func (c *Client) nextSequence() uint64 {
	if tip, ok := c.ledger.TipSequence(); ok {
		return tip + 1
	}
	return 0
}

func (c *Client) handshake(conn *websocket.Conn) error {
	hs := HandshakeMsg{
		NodeID:       c.NodeID(),
		Role:         string(types.RoleArchivalMiner),
		NextSequence: c.nextSequence(),
	}
	env, err := NewEnvelope(MsgHandshake, hs)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.timeout()))
	if err := conn.WriteJSON(env); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.timeout()))
	var ackEnv Envelope
	if err := conn.ReadJSON(&ackEnv); err != nil {
		return err
	}
	if ackEnv.Type != MsgHandshakeAck {
		return errors.NewError(errors.ErrCodeProtocolViolation,
			fmt.Sprintf("expected %s, got %s", MsgHandshakeAck, ackEnv.Type))
	}
	var ack HandshakeAckMsg
	if err := ackEnv.Decode(&ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return errors.NewError(errors.ErrCodeHandshakeRejected, ack.Message)
	}

	c.mu.Lock()
	assigned := ack.NodeID != "" && ack.NodeID != c.nodeID
	if assigned {
		c.nodeID = ack.NodeID
	}
	c.mu.Unlock()
	if assigned {
		c.persistNodeID(ack.NodeID)
		logx.Info("NETWORK", "Assigned node id: ", ack.NodeID)
	}
	logx.Info("NETWORK", fmt.Sprintf("Handshake accepted | node_id=%s | authority_next_sequence=%d", ack.NodeID, ack.NextSequence))
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.timeout()))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.timeout()))
		conn.SetWriteDeadline(time.Now().Add(c.timeout()))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.timeout()))
	})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.timeout()))

		switch env.Type {
		case MsgBlockData, MsgBlockPush:
			var msg BlockDataMsg
			if err := env.Decode(&msg); err != nil || msg.Block == nil {
				return errors.NewError(errors.ErrCodeProtocolViolation, "bad block frame")
			}
			if err := c.applyBlock(msg.Block); err != nil {
				return err
			}
		case MsgBlockRequest:
			var req BlockRequestMsg
			if err := env.Decode(&req); err != nil {
				return errors.NewError(errors.ErrCodeProtocolViolation, "bad block request")
			}
			if err := c.streamBlocks(req.FromSequence); err != nil {
				return err
			}
		case MsgCatchupDone:
			c.setState(types.ConnSynced)
			monitoring.SetSyncedPeerCount(1)
			logx.Info("NETWORK", "Caught up with authority | tip_sequence=", c.nextSequence())
		case MsgTxResult:
			var res TxResultMsg
			if err := env.Decode(&res); err != nil {
				continue
			}
			c.deliverTxResult(res)
		default:
			return errors.NewError(errors.ErrCodeProtocolViolation,
				fmt.Sprintf("unexpected message type %s", env.Type))
		}
	}
}

// applyBlock verifies and appends one streamed or pushed block, then acks it.
// An already-held block is acked as success only when it matches the stored
// one hash-for-hash, so a re-stream after a gap repair still settles quorum
// but a replacement block at a held height is refused as divergence. A gap
// triggers a block_request instead of an ack.
func (c *Client) applyBlock(blk *block.Block) error {
	next := c.nextSequence()
	if blk.Sequence < next {
		held, err := c.ledger.Get(blk.Sequence)
		if err != nil {
			return err
		}
		if held.Hash != blk.Hash {
			err := errors.NewError(errors.ErrCodeChainIntegrity,
				fmt.Sprintf("block %d does not match the held block", blk.Sequence))
			c.sendBlockAck(BlockAckMsg{
				NodeID: c.NodeID(), Sequence: blk.Sequence,
				ErrorCode: string(errors.ErrCodeChainIntegrity), Message: err.Error(),
			})
			return err
		}
		return c.sendBlockAck(BlockAckMsg{NodeID: c.NodeID(), Sequence: blk.Sequence, OK: true})
	}
	if blk.Sequence > next {
		logx.Warn("NETWORK", fmt.Sprintf("Sequence gap | got=%d | want=%d", blk.Sequence, next))
		env, err := NewEnvelope(MsgBlockRequest, BlockRequestMsg{FromSequence: next})
		if err != nil {
			return err
		}
		return c.writeEnvelope(env)
	}

	if !blk.VerifySignature(c.authorityPub) {
		err := errors.NewError(errors.ErrCodeChainIntegrity,
			fmt.Sprintf("block %d signature does not verify", blk.Sequence))
		c.sendBlockAck(BlockAckMsg{
			NodeID: c.NodeID(), Sequence: blk.Sequence,
			ErrorCode: string(errors.ErrCodeChainIntegrity), Message: err.Error(),
		})
		return err
	}

	blk.Status = block.StatusConfirmed
	if err := c.ledger.Append(blk); err != nil {
		c.sendBlockAck(BlockAckMsg{
			NodeID: c.NodeID(), Sequence: blk.Sequence,
			ErrorCode: string(errors.CodeOf(err)), Message: err.Error(),
		})
		return err
	}
	monitoring.SetTipSequence(blk.Sequence)
	monitoring.IncreaseConfirmedBlockCount()

	c.bus.Publish(events.LedgerEvent{
		Type:      events.EventBlockConfirmed,
		Sequence:  blk.Sequence,
		BlockHash: blk.HashHex(),
	})
	for _, tx := range blk.Transactions {
		c.bus.Publish(events.LedgerEvent{
			Type:     events.EventTransactionIncluded,
			Sequence: blk.Sequence,
			TxID:     tx.ID,
		})
	}

	exception.SafeGo("snapshot-chain", func() {
		if _, err := snapshot.WriteChain(c.dataDir, c.ledger); err != nil {
			logx.Error("NETWORK", "Failed to write chain snapshot: ", err)
		}
	})

	return c.sendBlockAck(BlockAckMsg{NodeID: c.NodeID(), Sequence: blk.Sequence, OK: true})
}

// streamBlocks serves the authority's reverse catch-up request from the local
// chain.
func (c *Client) streamBlocks(from uint64) error {
	tip, ok := c.ledger.TipSequence()
	if !ok || from > tip {
		return nil
	}
	blocks, err := c.ledger.Blocks(from, int(tip-from)+1)
	if err != nil {
		return err
	}
	for _, blk := range blocks {
		env, err := NewEnvelope(MsgBlockData, BlockDataMsg{Block: blk})
		if err != nil {
			return err
		}
		if err := c.writeEnvelope(env); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendBlockAck(ack BlockAckMsg) error {
	env, err := NewEnvelope(MsgBlockAck, ack)
	if err != nil {
		return err
	}
	return c.writeEnvelope(env)
}

func (c *Client) writeEnvelope(env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.NewError(errors.ErrCodePeerTimeout, "authority link is down")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.timeout()))
	return conn.WriteJSON(env)
}

// SubmitTx forwards a locally accepted transaction to the authority pool and
// waits for the authority's verdict.
func (c *Client) SubmitTx(ctx context.Context, tx *types.Transaction) error {
	if c.State() != types.ConnSynced {
		return errors.NewError(errors.ErrCodePeerTimeout, "not synced with authority")
	}

	resultCh := make(chan TxResultMsg, 1)
	c.mu.Lock()
	c.txWaiter[tx.ID] = resultCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.txWaiter, tx.ID)
		c.mu.Unlock()
	}()

	env, err := NewEnvelope(MsgTxSubmit, TxSubmitMsg{Tx: tx})
	if err != nil {
		return err
	}
	if err := c.writeEnvelope(env); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.timeout()):
		return errors.NewError(errors.ErrCodePeerTimeout, "authority did not answer the submission")
	case res := <-resultCh:
		if !res.OK {
			return errors.NewError(errors.LedgerErrorCode(res.ErrorCode), res.Message)
		}
		return nil
	}
}

func (c *Client) deliverTxResult(res TxResultMsg) {
	c.mu.Lock()
	ch, ok := c.txWaiter[res.TxID]
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}
