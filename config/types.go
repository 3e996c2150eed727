package config

// SelfNodeConfig describes the local node.
type SelfNodeConfig struct {
	ID          string `yaml:"id"`
	Role        string `yaml:"role"`
	ListenAddr  string `yaml:"listen_addr"`
	APIAddr     string `yaml:"api_addr"`
	PrivKeyPath string `yaml:"privkey_path"`
}

// AuthorityConfig tells a miner where the authority lives and which key
// signs its blocks.
type AuthorityConfig struct {
	Addr   string `yaml:"addr"`
	PubKey string `yaml:"pubkey"`
}

// NodeConfig holds the configuration from node.yml
type NodeConfig struct {
	SelfNode  SelfNodeConfig  `yaml:"self_node"`
	Authority AuthorityConfig `yaml:"authority_node"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	EnvFile   string          `yaml:"env_file"`
}

// ConfigFile is the top-level structure for node.yml
type ConfigFile struct {
	Config NodeConfig `yaml:"config"`
}

type ProducerConfig struct {
	BatchIntervalMs int     `ini:"batch_interval_ms"`
	BatchMaxSize    int     `ini:"batch_max_size"`
	QuorumFraction  float64 `ini:"quorum_fraction"`
}

type SyncConfig struct {
	PeerTimeoutMs      int `ini:"peer_timeout_ms"`
	ReconnectBackoffMs int `ini:"reconnect_backoff_ms"`
	MaxConnectedMiners int `ini:"max_connected_miners"`
}

type MempoolConfig struct {
	MaxTxs int `ini:"max_txs"`
}
