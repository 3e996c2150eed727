package config

// Persisted file names. The chain snapshot and node database correspond to
// the operator-seeded snapshot sets used by the deployment tooling.
const (
	ChainSnapshotFileName = "folioledger-chain.json"
	NodeDatabaseFileName  = "folioledger-node.json"
	BlockDBDirName        = "blocks"

	DefaultEnvFileName = ".env"
)

// Tuning defaults, applied when the INI file or a key is absent.
const (
	DefaultBatchIntervalMs    = 1000
	DefaultBatchMaxSize       = 64
	DefaultQuorumFraction     = 1.0
	DefaultPeerTimeoutMs      = 5000
	DefaultReconnectBackoffMs = 2000
	DefaultMaxConnectedMiners = 4
	DefaultMempoolMaxTxs      = 10000
)
