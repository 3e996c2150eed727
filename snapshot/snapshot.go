package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"folioledger/block"
	"folioledger/config"
	"folioledger/errors"
	"folioledger/jsonx"
	"folioledger/ledger"
	"folioledger/logx"
	"folioledger/types"
)

// ChainFile is the on-disk chain snapshot. The signature covers the serialized
// block list; a mismatch at load time means the file was tampered with or
// truncated, and the node must not start from it.
type ChainFile struct {
	Signature string         `json:"signature"`
	Blocks    []*block.Block `json:"blocks"`
}

// NodeFile carries the volatile node state that survives a restart: pending
// pool transactions and the directory records.
type NodeFile struct {
	Pool  []*types.Transaction `json:"pool"`
	Nodes []types.NodeRecord   `json:"nodes"`
}

func ChainPath(dir string) string {
	return filepath.Join(dir, config.ChainSnapshotFileName)
}

func NodePath(dir string) string {
	return filepath.Join(dir, config.NodeDatabaseFileName)
}

// ComputeChainSignature hashes the serialized block list.
func ComputeChainSignature(blocks []*block.Block) (string, error) {
	data, err := jsonx.Marshal(blocks)
	if err != nil {
		return "", fmt.Errorf("marshal blocks for signature: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// WriteChain dumps the whole chain to the snapshot file. The write goes
// through a temp file and rename so a crash mid-write never leaves a
// half-written snapshot behind.
func WriteChain(dir string, led *ledger.Ledger) (string, error) {
	tip, ok := led.TipSequence()
	var blocks []*block.Block
	if ok {
		var err error
		blocks, err = led.Blocks(0, int(tip)+1)
		if err != nil {
			return "", fmt.Errorf("collect blocks: %w", err)
		}
	}

	sig, err := ComputeChainSignature(blocks)
	if err != nil {
		return "", err
	}
	file := ChainFile{Signature: sig, Blocks: blocks}
	path := ChainPath(dir)
	if err := writeJSONAtomic(path, file); err != nil {
		return "", err
	}
	logx.Info("SNAPSHOT", fmt.Sprintf("Wrote chain snapshot | path=%s | blocks=%d", path, len(blocks)))
	return path, nil
}

// ReadChain loads and verifies the chain snapshot. A missing file returns
// (nil, nil): the caller starts from genesis. Any parse failure or signature
// mismatch is a startup integrity error.
func ReadChain(dir string) (*ChainFile, error) {
	path := ChainPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewError(errors.ErrCodeStartupIntegrity,
			fmt.Sprintf("read chain snapshot %s: %v", path, err))
	}

	var file ChainFile
	if err := jsonx.Unmarshal(data, &file); err != nil {
		return nil, errors.NewError(errors.ErrCodeStartupIntegrity,
			fmt.Sprintf("chain snapshot %s is not valid JSON: %v", path, err))
	}

	sig, err := ComputeChainSignature(file.Blocks)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStartupIntegrity,
			fmt.Sprintf("chain snapshot %s: %v", path, err))
	}
	if sig != file.Signature {
		return nil, errors.NewError(errors.ErrCodeStartupIntegrity,
			fmt.Sprintf("chain snapshot %s signature mismatch", path))
	}
	return &file, nil
}

// WriteNode persists the pool and directory state.
func WriteNode(dir string, pool []*types.Transaction, nodes []types.NodeRecord) (string, error) {
	path := NodePath(dir)
	if err := writeJSONAtomic(path, NodeFile{Pool: pool, Nodes: nodes}); err != nil {
		return "", err
	}
	logx.Info("SNAPSHOT", fmt.Sprintf("Wrote node database | path=%s | pool=%d | nodes=%d", path, len(pool), len(nodes)))
	return path, nil
}

// ReadNode loads the node database. Missing file returns (nil, nil); a node
// database that fails to parse is discarded with a warning rather than
// blocking startup, since everything in it can be rebuilt.
func ReadNode(dir string) (*NodeFile, error) {
	path := NodePath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var file NodeFile
	if err := jsonx.Unmarshal(data, &file); err != nil {
		logx.Warn("SNAPSHOT", fmt.Sprintf("Discarding unreadable node database | path=%s | err=%v", path, err))
		return nil, nil
	}
	return &file, nil
}

func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	data, err := jsonx.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write snapshot file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	return nil
}
