package config

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"folioledger/errors"
	"folioledger/logx"
	"folioledger/types"
)

// LoadNodeConfig reads and parses the node.yml file and validates the role
// constraints: the role must be known, and a miner must name an authority
// address.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open node config: %w", err)
	}
	defer file.Close()

	var cfgFile ConfigFile
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfgFile); err != nil {
		return nil, fmt.Errorf("decode node config: %w", err)
	}
	cfg := &cfgFile.Config

	role := types.NodeRole(cfg.SelfNode.Role)
	if !types.ValidRole(role) {
		return nil, errors.NewError(errors.ErrCodeConfiguration,
			fmt.Sprintf("unknown node role %q", cfg.SelfNode.Role))
	}
	if role == types.RoleArchivalMiner && cfg.Authority.Addr == "" {
		return nil, errors.NewError(errors.ErrCodeConfiguration,
			"archival miner requires an authority_node address")
	}
	if cfg.SelfNode.ListenAddr == "" && role == types.RoleAuthority {
		return nil, errors.NewError(errors.ErrCodeConfiguration,
			"authority requires a listen_addr")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	logx.Info("CONFIG", "Loaded node config: role=", cfg.SelfNode.Role, " listen=", cfg.SelfNode.ListenAddr)
	return cfg, nil
}

// Role returns the typed node role.
func (c *NodeConfig) Role() types.NodeRole {
	return types.NodeRole(c.SelfNode.Role)
}

// LoadProducerConfig reads block producer tuning from an .ini file. A
// missing file yields the defaults.
func LoadProducerConfig(path string) (*ProducerConfig, error) {
	producerCfg := &ProducerConfig{
		BatchIntervalMs: DefaultBatchIntervalMs,
		BatchMaxSize:    DefaultBatchMaxSize,
		QuorumFraction:  DefaultQuorumFraction,
	}
	cfg, err := ini.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return producerCfg, nil
		}
		return nil, err
	}
	if err := cfg.Section("producer").MapTo(producerCfg); err != nil {
		return nil, err
	}
	if producerCfg.QuorumFraction <= 0 || producerCfg.QuorumFraction > 1 {
		return nil, errors.NewError(errors.ErrCodeConfiguration,
			fmt.Sprintf("quorum_fraction %v must be in (0, 1]", producerCfg.QuorumFraction))
	}
	return producerCfg, nil
}

// LoadSyncConfig reads sync engine tuning from an .ini file.
func LoadSyncConfig(path string) (*SyncConfig, error) {
	syncCfg := &SyncConfig{
		PeerTimeoutMs:      DefaultPeerTimeoutMs,
		ReconnectBackoffMs: DefaultReconnectBackoffMs,
		MaxConnectedMiners: DefaultMaxConnectedMiners,
	}
	cfg, err := ini.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return syncCfg, nil
		}
		return nil, err
	}
	if err := cfg.Section("sync").MapTo(syncCfg); err != nil {
		return nil, err
	}
	return syncCfg, nil
}

// LoadMempoolConfig reads pool tuning from an .ini file.
func LoadMempoolConfig(path string) (*MempoolConfig, error) {
	mempoolCfg := &MempoolConfig{MaxTxs: DefaultMempoolMaxTxs}
	cfg, err := ini.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mempoolCfg, nil
		}
		return nil, err
	}
	if err := cfg.Section("mempool").MapTo(mempoolCfg); err != nil {
		return nil, err
	}
	return mempoolCfg, nil
}

// LoadEd25519PrivKey loads an Ed25519 private key from a file (expects hex
// encoding).
func LoadEd25519PrivKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(key), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(key), nil
}

// ParseEd25519PubKey decodes a hex-encoded public key from the config.
func ParseEd25519PubKey(hexKey string) (ed25519.PublicKey, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(key), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment. The
// contents are opaque to the node; the credential collaborator reads them
// from the environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if err := os.Setenv(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
