package types

import "time"

type NodeRole string

const (
	RoleAuthority     NodeRole = "AUTHORITY"
	RoleArchivalMiner NodeRole = "ARCHIVAL_MINER"
)

func ValidRole(r NodeRole) bool {
	return r == RoleAuthority || r == RoleArchivalMiner
}

// ConnState is the directory-visible connection state of a peer. The sync
// engine drives the transitions; the directory only records them.
type ConnState string

const (
	ConnDisconnected ConnState = "DISCONNECTED"
	ConnConnecting   ConnState = "CONNECTING"
	ConnSyncing      ConnState = "SYNCING"
	ConnSynced       ConnState = "SYNCED"
)

type NodeRecord struct {
	ID           string    `json:"id"`
	Role         NodeRole  `json:"role"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	State        ConnState `json:"state"`
}
