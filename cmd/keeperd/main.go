package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/condorder/params"
	"github.com/uhyunpark/condorder/pkg/access"
	"github.com/uhyunpark/condorder/pkg/api"
	"github.com/uhyunpark/condorder/pkg/crypto"
	"github.com/uhyunpark/condorder/pkg/events"
	"github.com/uhyunpark/condorder/pkg/iceberg"
	"github.com/uhyunpark/condorder/pkg/keeper"
	"github.com/uhyunpark/condorder/pkg/limitorder"
	"github.com/uhyunpark/condorder/pkg/metrics"
	"github.com/uhyunpark/condorder/pkg/oco"
	"github.com/uhyunpark/condorder/pkg/oracle"
	"github.com/uhyunpark/condorder/pkg/router"
	"github.com/uhyunpark/condorder/pkg/stoploss"
	"github.com/uhyunpark/condorder/pkg/storage"
	"github.com/uhyunpark/condorder/pkg/twap"
	"github.com/uhyunpark/condorder/pkg/util"
	"github.com/uhyunpark/condorder/pkg/vault"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	deployment := &params.Deployment{}
	if cfg.Node.DeploymentFile != "" {
		deployment, err = params.LoadDeployment(cfg.Node.DeploymentFile)
		if err != nil {
			sugar.Fatalw("deployment_load_failed", "file", cfg.Node.DeploymentFile, "err", err)
		}
		sugar.Infow("deployment_loaded",
			"feeds", len(deployment.Feeds),
			"routers", len(deployment.Routers),
			"keepers", len(deployment.Keepers))
	}

	// ---- Persistence ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "state"))
	if err != nil {
		sugar.Fatalw("store_open_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	// ---- Events: log, journal, API stream ----
	bus := events.NewBus()
	bus.Subscribe(events.LogSink(logger.Named("events")))
	if cfg.Node.JournalFile != "" {
		journal, err := storage.NewFileJournal(cfg.Node.JournalFile)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "file", cfg.Node.JournalFile, "err", err)
		}
		defer journal.Close()
		bus.Subscribe(journal.Append)
	}
	metrics.Init()

	clock := util.RealClock{}
	ext := cfg.Extensions
	now := util.Unix(clock)

	// ---- Collaborators: feeds, ledger, routers, keepers ----
	registry := oracle.NewRegistry()
	resolver := oracle.NewResolver(registry, clock, ext.Owner, ext.DefaultHeartbeat)
	for _, f := range deployment.Feeds {
		if err := registry.Register(f.Addr(), oracle.NewStaticFeed(f.Decimals, f.AnswerInt(), now)); err != nil {
			sugar.Fatalw("feed_register_failed", "feed", f.Address, "err", err)
		}
		if f.Heartbeat > 0 {
			if err := resolver.SetHeartbeat(ext.Owner, f.Addr(), f.Heartbeat); err != nil {
				sugar.Fatalw("heartbeat_set_failed", "feed", f.Address, "err", err)
			}
		}
	}

	ledger := vault.NewLedger()
	for _, b := range deployment.Balances {
		ledger.Mint(common.HexToAddress(b.Token), common.HexToAddress(b.Holder), b.AmountInt())
	}
	routers := make(map[common.Address]router.Router, len(deployment.Routers))
	for _, r := range deployment.Routers {
		routers[r.Addr()] = &router.FixedRateRouter{Address: r.Addr(), Vault: ledger, Rate: r.RateInt()}
	}

	keeperAddrs := deployment.KeeperAddrs()
	if cfg.Keeper.Enabled {
		keeperAddrs = append(keeperAddrs, cfg.Keeper.Address)
	}
	keepers := access.NewKeepers(ext.Owner, keeperAddrs...)
	sugar.Infow("keepers_authorized", "owner", keepers.Owner().Hex(), "count", len(keepers.List()))

	// ---- Engines ----
	stopLoss := stoploss.NewEngine(stoploss.Options{
		Protocol: ext.Protocol,
		Owner:    ext.Owner,
		Custody:  ext.Custody,
		Prices:   resolver,
		Tracker: twap.NewTracker(twap.Config{
			Window:     ext.TwapWindow,
			Recency:    ext.TwapRecency,
			MaxSamples: ext.TwapMaxSamples,
		}, clock),
		Vault:   ledger,
		Routers: routers,
		Store:   store,
		Events:  bus,
		Clock:   clock,
		Logger:  logger,
	})
	for _, r := range deployment.Routers {
		if !r.Approved {
			continue
		}
		if err := stopLoss.SetRouterApproval(ext.Owner, r.Addr(), true); err != nil {
			sugar.Fatalw("router_approval_failed", "router", r.Address, "err", err)
		}
	}

	icebergs := iceberg.NewEngine(iceberg.Options{
		Protocol: ext.Protocol,
		Keepers:  keepers,
		Store:    store,
		Events:   bus,
		Clock:    clock,
		Logger:   logger,
	})

	gasCap := new(uint256.Int).Mul(uint256.NewInt(ext.MaxGasPriceGwei), uint256.NewInt(1_000_000_000))
	pairs := oco.NewEngine(oco.Options{
		Protocol:          ext.Protocol,
		Keepers:           keepers,
		Canceller:         limitorder.NewInvalidator(),
		Store:             store,
		Events:            bus,
		Clock:             clock,
		Logger:            logger,
		CancellationDelay: ext.CancellationDelay,
		MaxGasPriceCap:    gasCap,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for name, l := range map[string]interface{ Load(context.Context) error }{
		"stoploss": stopLoss,
		"iceberg":  icebergs,
		"oco":      pairs,
	} {
		if err := l.Load(ctx); err != nil {
			sugar.Fatalw("state_restore_failed", "engine", name, "err", err)
		}
	}
	sugar.Infow("state_restored",
		"stoploss", len(stopLoss.Hashes()),
		"icebergs", len(icebergs.Hashes()),
		"ocos", len(pairs.IDs()))

	// ---- Keeper ----
	checker := keeper.NewChecker(icebergs, pairs, clock, cfg.Keeper.MaxBatch, logger)
	runner := keeper.NewRunner(checker, cfg.Keeper.Address, cfg.Keeper.Interval, logger)
	if cfg.Keeper.Enabled {
		go func() {
			if err := runner.Run(ctx); err != nil {
				sugar.Errorw("keeper_failed", "err", err)
			}
		}()
	} else {
		sugar.Info("keeper_disabled")
	}

	// ---- API ----
	server := api.NewServer(api.Deps{
		StopLoss:       stopLoss,
		Icebergs:       icebergs,
		Pairs:          pairs,
		Checker:        checker,
		Reports:        runner,
		Auth:           crypto.NewAuthenticator(clock),
		Bus:            bus,
		Clock:          clock,
		Logger:         logger,
		AllowedOrigins: cfg.API.AllowedOrigins,
	})
	sugar.Infow("keeperd_starting",
		"api", cfg.API.Addr,
		"protocol", ext.Protocol.Hex(),
		"keeper", cfg.Keeper.Address.Hex(),
		"interval", cfg.Keeper.Interval.String())

	if err := server.Start(ctx, cfg.API.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Errorw("api_server_failed", "err", err)
	}
	sugar.Infow("keeperd_stopped", "interrupted", ctx.Err() != nil)
}
