package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"folioledger/api"
	"folioledger/block"
	"folioledger/config"
	"folioledger/db"
	"folioledger/directory"
	"folioledger/errors"
	"folioledger/events"
	"folioledger/exception"
	"folioledger/ledger"
	"folioledger/logx"
	"folioledger/mempool"
	"folioledger/monitoring"
	"folioledger/network"
	"folioledger/producer"
	"folioledger/snapshot"
	"folioledger/types"
)

// Runtime wires the node together for one role and owns its lifecycle. The
// authority carries the pool, producer and peer server; a miner carries the
// authority link instead.
type Runtime struct {
	cfg       *config.NodeConfig
	nodeID    string
	ledger    *ledger.Ledger
	pool      *mempool.Mempool
	directory *directory.Directory
	bus       *events.EventBus

	prod   *producer.Producer
	server *network.Server
	client *network.Client
	apiSrv *api.APIServer

	restoredPool []*types.Transaction
}

func NewRuntime(cfg *config.NodeConfig, configDir string) (*Runtime, error) {
	if err := config.LoadEnvFile(envFilePath(cfg)); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	logx.SetLevel(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	provider, err := db.NewLevelDBProvider(filepath.Join(cfg.DataDir, config.BlockDBDirName))
	if err != nil {
		return nil, fmt.Errorf("open block database: %w", err)
	}
	led, err := ledger.NewLedger(provider)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	rt := &Runtime{
		cfg:       cfg,
		ledger:    led,
		directory: directory.NewDirectory(),
		bus:       events.NewEventBus(),
	}

	if err := rt.restoreState(); err != nil {
		return nil, err
	}

	tuningPath := filepath.Join(configDir, "tuning.ini")
	switch cfg.Role() {
	case types.RoleAuthority:
		err = rt.wireAuthority(tuningPath)
	case types.RoleArchivalMiner:
		err = rt.wireMiner(tuningPath)
	default:
		err = errors.NewError(errors.ErrCodeConfiguration, "unknown role")
	}
	if err != nil {
		return nil, err
	}

	monitoring.SetNodeUp(float64(time.Now().Unix()))
	if tip, ok := led.TipSequence(); ok {
		monitoring.SetTipSequence(tip)
	}
	return rt, nil
}

func envFilePath(cfg *config.NodeConfig) string {
	if cfg.EnvFile != "" {
		return cfg.EnvFile
	}
	return config.DefaultEnvFileName
}

// restoreState seeds an empty ledger from the chain snapshot, verifies the
// whole chain, and reloads pool and directory state. A snapshot that fails
// its signature check stops the node before it can serve anything.
func (rt *Runtime) restoreState() error {
	chainFile, err := snapshot.ReadChain(rt.cfg.DataDir)
	if err != nil {
		return err
	}

	_, hasTip := rt.ledger.TipSequence()
	if !hasTip && chainFile != nil {
		logx.Info("NODE", fmt.Sprintf("Seeding ledger from chain snapshot | blocks=%d", len(chainFile.Blocks)))
		for _, blk := range chainFile.Blocks {
			if err := rt.ledger.Append(blk); err != nil {
				return errors.NewError(errors.ErrCodeStartupIntegrity,
					fmt.Sprintf("seed block %d: %v", blk.Sequence, err))
			}
		}
	}

	if err := rt.ledger.VerifyChain(); err != nil {
		return errors.NewError(errors.ErrCodeStartupIntegrity,
			fmt.Sprintf("chain verification failed: %v", err))
	}

	nodeFile, err := snapshot.ReadNode(rt.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("read node database: %w", err)
	}
	if nodeFile != nil {
		rt.directory.Restore(nodeFile.Nodes)
		rt.restoredPool = nodeFile.Pool
	}
	return nil
}

func (rt *Runtime) wireAuthority(tuningPath string) error {
	rt.nodeID = rt.cfg.SelfNode.ID
	if rt.nodeID == "" {
		rt.nodeID = types.NewID()
		logx.Warn("NODE", "No node id configured, generated ", rt.nodeID)
	}

	privKey, err := config.LoadEd25519PrivKey(rt.cfg.SelfNode.PrivKeyPath)
	if err != nil {
		return fmt.Errorf("load private key: %w", err)
	}

	producerCfg, err := config.LoadProducerConfig(tuningPath)
	if err != nil {
		return fmt.Errorf("load producer config: %w", err)
	}
	syncCfg, err := config.LoadSyncConfig(tuningPath)
	if err != nil {
		return fmt.Errorf("load sync config: %w", err)
	}
	mempoolCfg, err := config.LoadMempoolConfig(tuningPath)
	if err != nil {
		return fmt.Errorf("load mempool config: %w", err)
	}

	rt.pool = mempool.NewMempool(mempoolCfg.MaxTxs, rt.ledger.HasTx)
	rt.pool.Restore(rt.restoredPool)

	// The genesis block exists before any miner can connect.
	if _, ok := rt.ledger.TipSequence(); !ok {
		genesis := block.Genesis(rt.nodeID)
		genesis.Sign(privKey)
		genesis.Status = block.StatusConfirmed
		if err := rt.ledger.Append(genesis); err != nil {
			return fmt.Errorf("append genesis block: %w", err)
		}
		logx.Info("NODE", "Initialized new chain | genesis_hash=", genesis.HashHex())
	}

	rt.server = network.NewServer(rt.ledger, rt.pool, rt.directory, nil, syncCfg, func() {
		if rt.prod != nil {
			rt.prod.Kick()
		}
	})
	rt.prod = producer.NewProducer(
		rt.ledger, rt.pool, rt.directory, rt.bus, rt.server,
		rt.nodeID, privKey, producerCfg, rt.cfg.DataDir,
	)
	rt.server.SetAckSink(rt.prod)

	rt.apiSrv = &api.APIServer{
		Submitter:  &authoritySubmitter{pool: rt.pool, prod: rt.prod, batchMax: producerCfg.BatchMaxSize},
		Mempool:    rt.pool,
		Ledger:     rt.ledger,
		Directory:  rt.directory,
		EventBus:   rt.bus,
		ListenAddr: rt.cfg.SelfNode.APIAddr,
		NodeID:     func() string { return rt.nodeID },
		Role:       types.RoleAuthority,
	}
	return nil
}

func (rt *Runtime) wireMiner(tuningPath string) error {
	syncCfg, err := config.LoadSyncConfig(tuningPath)
	if err != nil {
		return fmt.Errorf("load sync config: %w", err)
	}
	authorityPub, err := config.ParseEd25519PubKey(rt.cfg.Authority.PubKey)
	if err != nil {
		return fmt.Errorf("parse authority public key: %w", err)
	}

	rt.client = network.NewClient(rt.ledger, rt.bus, rt.cfg, syncCfg, authorityPub)

	rt.apiSrv = &api.APIServer{
		Submitter:  rt.client,
		Ledger:     rt.ledger,
		Directory:  rt.directory,
		EventBus:   rt.bus,
		ListenAddr: rt.cfg.SelfNode.APIAddr,
		NodeID:     rt.client.NodeID,
		Role:       types.RoleArchivalMiner,
		SyncState:  rt.client.State,
	}
	return nil
}

// Run starts every service for the configured role and blocks until ctx is
// cancelled, then persists state and shuts down.
func (rt *Runtime) Run(ctx context.Context) error {
	logx.Info("NODE", fmt.Sprintf("Starting | role=%s | data_dir=%s", rt.cfg.SelfNode.Role, rt.cfg.DataDir))

	if rt.server != nil {
		exception.SafeGoWithPanic("peer-server", func() {
			if err := rt.server.Start(ctx, rt.cfg.SelfNode.ListenAddr); err != nil {
				logx.Error("NODE", "Peer server failed: ", err)
				panic(err)
			}
		})
	}
	if rt.prod != nil {
		exception.SafeGo("block-producer", func() { rt.prod.Run(ctx) })
	}
	if rt.client != nil {
		exception.SafeGo("authority-link", func() { rt.client.Run(ctx) })
	}
	if rt.apiSrv != nil && rt.apiSrv.ListenAddr != "" {
		exception.SafeGoWithPanic("api-server", func() {
			if err := rt.apiSrv.Start(ctx); err != nil {
				logx.Error("NODE", "API server failed: ", err)
				panic(err)
			}
		})
	}

	<-ctx.Done()
	logx.Info("NODE", "Shutting down")
	rt.shutdown()
	return nil
}

func (rt *Runtime) shutdown() {
	shutdownStart := time.Now()

	if _, err := snapshot.WriteChain(rt.cfg.DataDir, rt.ledger); err != nil {
		logx.Error("NODE", "Failed to write chain snapshot: ", err)
	}
	var pending []*types.Transaction
	if rt.pool != nil {
		pending = rt.pool.Pending()
	}
	if _, err := snapshot.WriteNode(rt.cfg.DataDir, pending, rt.directory.Snapshot()); err != nil {
		logx.Error("NODE", "Failed to write node database: ", err)
	}

	rt.ledger.Close()
	logx.Info("NODE", "Shutdown complete in ", time.Since(shutdownStart))
}

// authoritySubmitter feeds the local pool and nudges the producer when a full
// batch is waiting.
type authoritySubmitter struct {
	pool     *mempool.Mempool
	prod     *producer.Producer
	batchMax int
}

func (a *authoritySubmitter) SubmitTx(ctx context.Context, tx *types.Transaction) error {
	if err := a.pool.Submit(tx); err != nil {
		return err
	}
	if a.pool.Len() >= a.batchMax {
		a.prod.Kick()
	}
	return nil
}
