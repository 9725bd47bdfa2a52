package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"adledger/core/events"
	"adledger/core/state"
	"adledger/core/types"
	"adledger/gateway/auth"
	"adledger/native/escrow"
	"adledger/native/roles"
	"adledger/observability/logging"
	"adledger/observability/otel"
	"adledger/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "escrowd.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup("escrowd", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdownTelemetry, err := otel.Init(ctx, otel.Config{
			ServiceName: "escrowd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
		})
		if err != nil {
			logger.Error("init telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	ledgerDB, err := storage.NewLevelDB(cfg.LedgerDBPath)
	if err != nil {
		logger.Error("open ledger database", "error", err)
		os.Exit(1)
	}
	defer ledgerDB.Close()

	manager := state.NewManager(ledgerDB)
	if err := applyGenesisAllocations(manager, cfg.GenesisAccounts); err != nil {
		logger.Error("apply genesis allocations", "error", err)
		os.Exit(1)
	}
	registry := roles.NewRegistry(manager)
	if err := registry.Bootstrap(cfg.GenesisAdmin); err != nil && !errors.Is(err, roles.ErrAlreadyInitialized) {
		logger.Error("bootstrap roles", "error", err)
		os.Exit(1)
	}

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetRoles(registry)
	engine.SetEmitter(&logEmitter{logger: logger})

	store, err := NewSQLiteStore(cfg.GatewayDBPath)
	if err != nil {
		logger.Error("open sqlite store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var noncePersistence auth.NoncePersistence
	if cfg.NonceDBPath != "" {
		persistence, err := auth.NewLevelDBNoncePersistence(cfg.NonceDBPath)
		if err != nil {
			logger.Error("open nonce store", "error", err)
			os.Exit(1)
		}
		defer persistence.Close()
		noncePersistence = persistence
	}

	authenticator := auth.NewAuthenticator(cfg.Credentials, cfg.TimestampSkew, cfg.NonceTTL, cfg.NonceCapacity, nil, noncePersistence)
	adminVerifier, err := NewAdminVerifier(cfg.AdminJWTSecret, nil)
	if err != nil {
		logger.Error("configure admin verifier", "error", err)
		os.Exit(1)
	}

	server := NewServer(authenticator, engine, registry, store, adminVerifier, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server, "escrowd"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("escrowd listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down escrowd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}

var genesisAppliedKey = []byte("genesis/applied")

// applyGenesisAllocations credits the configured starting balances exactly
// once per ledger database, so restarts never mint again.
func applyGenesisAllocations(manager *state.Manager, allocs []GenesisAllocation) error {
	if len(allocs) == 0 {
		return nil
	}
	var applied bool
	ok, err := manager.KVGet(genesisAppliedKey, &applied)
	if err != nil {
		return err
	}
	if ok && applied {
		return nil
	}
	manager.Begin()
	for _, alloc := range allocs {
		acc, err := manager.GetAccount(alloc.Address[:])
		if err != nil {
			manager.Rollback()
			return err
		}
		acc.Balance = new(big.Int).Add(acc.Balance, alloc.Balance)
		if err := manager.PutAccount(alloc.Address[:], acc); err != nil {
			manager.Rollback()
			return err
		}
	}
	applied = true
	if err := manager.KVPut(genesisAppliedKey, &applied); err != nil {
		manager.Rollback()
		return err
	}
	return manager.Commit()
}

// logEmitter forwards ledger events to the structured log so operators can
// follow escrow lifecycle transitions without an indexer.
type logEmitter struct {
	logger *slog.Logger
}

func (l *logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		l.logger.Info("ledger event", "type", evt.EventType())
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}
	args := make([]any, 0, 2+2*len(payload.Attributes))
	args = append(args, "type", payload.Type)
	for key, value := range payload.Attributes {
		args = append(args, key, value)
	}
	l.logger.Info("ledger event", args...)
}
