package directory

import (
	"fmt"
	"sync"
	"time"

	"folioledger/errors"
	"folioledger/logx"
	"folioledger/monitoring"
	"folioledger/types"
)

// Directory tracks every node known to this process. The authority holds one
// record per registered miner plus itself; a miner holds itself and the
// authority. Records are never deleted on disconnect, only transitioned to
// DISCONNECTED, so registration history survives.
type Directory struct {
	mu    sync.RWMutex
	nodes map[string]*types.NodeRecord
}

func NewDirectory() *Directory {
	return &Directory{nodes: make(map[string]*types.NodeRecord)}
}

// Register inserts or re-activates a node record. A record whose id is
// already in a non-DISCONNECTED state is refused: one live connection per
// node. An empty id means first-time registration and gets an assigned id,
// stable for the node's lifetime.
func (d *Directory) Register(rec types.NodeRecord) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rec.ID == "" {
		rec.ID = types.NewID()
	}
	if existing, ok := d.nodes[rec.ID]; ok {
		if existing.State != types.ConnDisconnected {
			return "", errors.NewError(errors.ErrCodeDuplicateNode,
				fmt.Sprintf("node %s is already %s", rec.ID, existing.State))
		}
		// Reconnect: keep the original registration timestamp.
		rec.RegisteredAt = existing.RegisteredAt
	} else if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now().UTC()
	}
	rec.LastSeen = time.Now().UTC()
	if rec.State == "" {
		rec.State = types.ConnConnecting
	}

	stored := rec
	d.nodes[rec.ID] = &stored
	logx.Info("DIRECTORY", "Registered node ", rec.ID, " role=", rec.Role, " state=", rec.State)
	return rec.ID, nil
}

// MarkSeen updates last-seen and promotes DISCONNECTED records back to
// CONNECTING.
func (d *Directory) MarkSeen(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.nodes[id]
	if !ok {
		return
	}
	rec.LastSeen = time.Now().UTC()
	if rec.State == types.ConnDisconnected {
		rec.State = types.ConnConnecting
	}
}

// SetState transitions a node's connection state.
func (d *Directory) SetState(id string, state types.ConnState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.nodes[id]
	if !ok {
		return
	}
	if rec.State != state {
		logx.Debug("DIRECTORY", "Node ", id, " ", rec.State, " -> ", state)
	}
	rec.State = state
	rec.LastSeen = time.Now().UTC()
	d.updateSyncedGaugeLocked()
}

func (d *Directory) updateSyncedGaugeLocked() {
	synced := 0
	for _, rec := range d.nodes {
		if rec.Role == types.RoleArchivalMiner && rec.State == types.ConnSynced {
			synced++
		}
	}
	monitoring.SetSyncedPeerCount(synced)
}

// Get returns a copy of the record for id.
func (d *Directory) Get(id string) (types.NodeRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.nodes[id]
	if !ok {
		return types.NodeRecord{}, false
	}
	return *rec, true
}

// Snapshot returns an immutable view of all node records.
func (d *Directory) Snapshot() []types.NodeRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]types.NodeRecord, 0, len(d.nodes))
	for _, rec := range d.nodes {
		out = append(out, *rec)
	}
	return out
}

// SyncedMiners returns the ids of miners currently in SYNCED state.
func (d *Directory) SyncedMiners() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.nodes))
	for id, rec := range d.nodes {
		if rec.Role == types.RoleArchivalMiner && rec.State == types.ConnSynced {
			out = append(out, id)
		}
	}
	return out
}

// RegisteredMiners returns the ids of every registered miner, connected or
// not. Quorum sizing counts them all: a miner that went away still owes an
// acknowledgement.
func (d *Directory) RegisteredMiners() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.nodes))
	for id, rec := range d.nodes {
		if rec.Role == types.RoleArchivalMiner {
			out = append(out, id)
		}
	}
	return out
}

// Restore replaces the directory contents from a snapshot. Connection states
// are reset to DISCONNECTED: no connection survives a restart.
func (d *Directory) Restore(records []types.NodeRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nodes = make(map[string]*types.NodeRecord, len(records))
	for _, rec := range records {
		stored := rec
		stored.State = types.ConnDisconnected
		d.nodes[rec.ID] = &stored
	}
	d.updateSyncedGaugeLocked()
}
