package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folioledger/errors"
	"folioledger/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadNodeConfigAuthority(t *testing.T) {
	path := writeFile(t, "node.yml", `
config:
  self_node:
    id: "flauth-1"
    role: "AUTHORITY"
    listen_addr: ":9100"
    api_addr: ":8080"
    privkey_path: "data/privkey.txt"
  data_dir: "/tmp/fl-data"
  log_level: "DEBUG"
`)
	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAuthority, cfg.Role())
	assert.Equal(t, ":9100", cfg.SelfNode.ListenAddr)
	assert.Equal(t, "/tmp/fl-data", cfg.DataDir)
}

func TestLoadNodeConfigMinerNeedsAuthority(t *testing.T) {
	path := writeFile(t, "node.yml", `
config:
  self_node:
    role: "ARCHIVAL_MINER"
    api_addr: ":8081"
`)
	_, err := LoadNodeConfig(path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfiguration))
}

func TestLoadNodeConfigUnknownRole(t *testing.T) {
	path := writeFile(t, "node.yml", `
config:
  self_node:
    role: "OBSERVER"
`)
	_, err := LoadNodeConfig(path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfiguration))
}

func TestLoadNodeConfigDefaultsDataDir(t *testing.T) {
	path := writeFile(t, "node.yml", `
config:
  self_node:
    role: "ARCHIVAL_MINER"
  authority_node:
    addr: "127.0.0.1:9100"
`)
	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
}

func TestLoadProducerConfig(t *testing.T) {
	path := writeFile(t, "tuning.ini", `
[producer]
batch_interval_ms = 250
batch_max_size = 16
quorum_fraction = 0.5
`)
	cfg, err := LoadProducerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.BatchIntervalMs)
	assert.Equal(t, 16, cfg.BatchMaxSize)
	assert.Equal(t, 0.5, cfg.QuorumFraction)
}

func TestLoadProducerConfigDefaultsOnMissingFile(t *testing.T) {
	cfg, err := LoadProducerConfig(filepath.Join(t.TempDir(), "missing.ini"))
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchIntervalMs, cfg.BatchIntervalMs)
	assert.Equal(t, DefaultBatchMaxSize, cfg.BatchMaxSize)
	assert.Equal(t, DefaultQuorumFraction, cfg.QuorumFraction)
}

func TestLoadProducerConfigRejectsBadQuorum(t *testing.T) {
	path := writeFile(t, "tuning.ini", `
[producer]
quorum_fraction = 1.5
`)
	_, err := LoadProducerConfig(path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfiguration))
}

func TestLoadSyncConfig(t *testing.T) {
	path := writeFile(t, "tuning.ini", `
[sync]
peer_timeout_ms = 1234
max_connected_miners = 2
`)
	cfg, err := LoadSyncConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.PeerTimeoutMs)
	assert.Equal(t, 2, cfg.MaxConnectedMiners)
	assert.Equal(t, DefaultReconnectBackoffMs, cfg.ReconnectBackoffMs)
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, ".env", `
# deployment credentials
FOLIO_API_TOKEN=abc123
FOLIO_REGION = eu-west

malformed line
`)
	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "abc123", os.Getenv("FOLIO_API_TOKEN"))
	assert.Equal(t, "eu-west", os.Getenv("FOLIO_REGION"))
	t.Cleanup(func() {
		os.Unsetenv("FOLIO_API_TOKEN")
		os.Unsetenv("FOLIO_REGION")
	})
}

func TestLoadEnvFileMissingIsOK(t *testing.T) {
	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
}

func TestKeyRoundTrip(t *testing.T) {
	pubHex := "3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29"
	pub, err := ParseEd25519PubKey(pubHex)
	require.NoError(t, err)
	assert.Len(t, []byte(pub), 32)

	_, err = ParseEd25519PubKey("zznothex")
	require.Error(t, err)
}
