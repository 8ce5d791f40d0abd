package main

import (
	"context"
	"crypto/sha256"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dappnorth/nftmarketd/params"
	"github.com/dappnorth/nftmarketd/pkg/api"
	"github.com/dappnorth/nftmarketd/pkg/app/market"
	"github.com/dappnorth/nftmarketd/pkg/app/market/registry"
	"github.com/dappnorth/nftmarketd/pkg/crypto"
	"github.com/dappnorth/nftmarketd/pkg/ledger"
	"github.com/dappnorth/nftmarketd/pkg/p2p"
	"github.com/dappnorth/nftmarketd/pkg/storage"
	"github.com/dappnorth/nftmarketd/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLogger(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	if !common.IsHexAddress(cfg.Market.FeeAccount) ||
		!common.IsHexAddress(cfg.Market.CustodyAddress) ||
		!common.IsHexAddress(cfg.Market.RegistryAddress) {
		sugar.Fatalw("invalid_address_config",
			"fee_account", cfg.Market.FeeAccount,
			"custody", cfg.Market.CustodyAddress,
			"registry", cfg.Market.RegistryAddress)
	}
	feeAccount := common.HexToAddress(cfg.Market.FeeAccount)
	custody := common.HexToAddress(cfg.Market.CustodyAddress)
	registryAddr := common.HexToAddress(cfg.Market.RegistryAddress)

	// ---- Application: marketplace + asset registry ----
	app, err := market.NewApp(feeAccount, custody, cfg.Market.FeePercent)
	if err != nil {
		sugar.Fatalw("app_init_failed", "err", err)
	}
	app.Logger = sugar
	app.AttachRegistry(registryAddr, registry.New(cfg.Market.RegistryName, cfg.Market.RegistrySymbol))

	sugar.Infow("marketplace_configured",
		"fee_account", feeAccount.Hex(),
		"fee_percent", cfg.Market.FeePercent,
		"custody", custody.Hex(),
		"registry", registryAddr.Hex())

	// ---- Storage ----
	if err := os.MkdirAll(filepath.Dir(cfg.Node.DBPath), 0755); err != nil {
		sugar.Fatalw("data_dir_failed", "err", err)
	}
	store, err := storage.NewPebbleStore(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("store_init_failed", "err", err)
	}
	defer store.Close()

	wal, err := storage.NewFileWAL(cfg.Node.WALPath)
	if err != nil {
		sugar.Fatalw("wal_init_failed", "err", err)
	}

	// ---- Sequencer ----
	seed := sha256.Sum256([]byte(cfg.Node.SequencerSeed))
	blsSigner := crypto.NewBLSSignerFromSeed(seed[:])

	engine := ledger.NewEngine(app, ledger.NewMempool(), store, "sequencer")
	engine.Logger = sugar
	engine.WAL = wal
	engine.Signer = blsSigner
	engine.MinBlockTime = cfg.Node.MinBlockTime

	// Rebuild state from the committed chain, then discard the replayed
	// events: they were persisted and published when first committed.
	if err := engine.Replay(); err != nil {
		sugar.Fatalw("replay_failed", "err", err)
	}
	app.TakeEvents()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Gossip publisher (optional) ----
	var publisher *p2p.Publisher
	if cfg.Node.P2PListen != "" {
		publisher, err = p2p.NewPublisher(ctx, p2p.Config{
			ListenAddr: cfg.Node.P2PListen,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("p2p_init_failed", "err", err)
		}
		defer publisher.Close()
	} else {
		sugar.Info("p2p_disabled")
	}

	// ---- API server ----
	apiServer := api.NewServer(app, engine, store)
	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr)
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// Events leave the core only after their block is durably committed.
	engine.OnBlockCommit = func(b ledger.Block) {
		evs := app.TakeEvents()
		if len(evs) == 0 {
			return
		}
		if err := store.SaveEvents(evs); err != nil {
			sugar.Errorw("event_log_write_failed", "height", b.Height, "err", err)
		}
		apiServer.BroadcastEvents(evs)
		if publisher != nil {
			publisher.PublishAll(ctx, evs)
		}
	}

	sugar.Infow("node_starting",
		"min_block_time_ms", cfg.Node.MinBlockTime.Milliseconds(),
		"height", engine.Height())

	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		sugar.Fatalw("engine_failed", "err", err)
	}
}
