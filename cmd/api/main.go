package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"settlement-core/internal/chain"
	"settlement-core/internal/config"
	"settlement-core/internal/db"
	"settlement-core/internal/handlers"
	"settlement-core/internal/logger"
	"settlement-core/internal/monitoring"
	"settlement-core/internal/oracle"
	"settlement-core/internal/services"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()
	if envErr != nil {
		zlog.Info("no .env file found, using environment variables")
	}

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.New(registry)

	database, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL, zlog.Named("db"))
	if err != nil {
		return err
	}

	var (
		redisService *services.RedisService
		store        services.SessionStore
	)
	if cfg.RedisURL != "" {
		redisService, err = services.NewRedisService(cfg)
		if err != nil {
			return err
		}
		defer redisService.Close()
		store = services.NewRedisSessionStore(redisService.Client())
		zlog.Info("sessions stored in redis")
	} else {
		store = services.NewMemorySessionStore()
		zlog.Info("REDIS_URL not set, sessions kept in memory and rate limiting disabled")
	}

	provider, err := newOracleProvider(cfg)
	if err != nil {
		return err
	}
	budget, err := cfg.FeeBudget()
	if err != nil {
		return err
	}
	rng := oracle.NewClient(provider, oracle.Config{
		Timeout:      cfg.OracleTimeout,
		PollInterval: cfg.OraclePollInterval,
		FeeBudget:    budget,
	}, zlog.Named("oracle"), metrics)

	source, err := newDepositSource(cfg)
	if err != nil {
		return err
	}

	var custody services.Custody
	if cfg.KeystoreDir != "" {
		custody = services.NewKeystoreCustody(cfg.KeystoreDir, cfg.KeystorePassphrase)
	} else {
		if cfg.DepositMode == config.ModeEthereum {
			zlog.Warn("KEYSTORE_DIR not set, deposit keys will not survive a restart")
		}
		custody = services.NewEphemeralCustody()
	}

	ledger := services.NewLedger(database, custody, zlog.Named("ledger"), metrics)
	sessions := services.NewSessionManager(ledger, store, rng, cfg.SessionTTL, zlog.Named("sessions"), metrics)
	if redisService != nil {
		sessions.SetLease(services.NewRedisUserLease(redisService.Client(), cfg.SessionLeaseTTL))
	}
	monitor := services.NewDepositMonitor(database, ledger, source, services.DepositMonitorConfig{
		Interval:      cfg.DepositInterval,
		Confirmations: cfg.DepositConfirmations,
	}, zlog.Named("deposits"), metrics)

	hub := handlers.NewWebSocketHub(zlog.Named("ws"))
	ledger.SetNotifier(hub)
	sessions.SetNotifier(hub)
	monitor.SetNotifier(hub)

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	background(hub.Run)
	background(monitor.Run)
	background(func(ctx context.Context) {
		sessions.RunSweeper(ctx, cfg.SessionSweepInterval)
	})
	background(func(ctx context.Context) {
		runReconciler(ctx, ledger, cfg.ReconcileInterval, zlog.Named("ledger"))
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.Dependencies{
		Ledger:      ledger,
		Sessions:    sessions,
		Monitor:     monitor,
		JWT:         services.NewJWTService(cfg),
		Hub:         hub,
		AdminSecret: cfg.AdminSecret,
		Redis:       redisService,
		Metrics:     metrics,
		Gatherer:    registry,
		Log:         zlog,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("oracle_mode", cfg.OracleMode),
			zap.String("deposit_mode", cfg.DepositMode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
	}

	zlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("http shutdown", zap.Error(err))
	}
	stop()
	wg.Wait()
	return nil
}

func newOracleProvider(cfg *config.Config) (oracle.Provider, error) {
	if cfg.OracleMode == config.ModeEthereum {
		return oracle.DialEthProvider(oracle.EthConfig{
			RPCURL:     cfg.OracleRPCURL,
			Contract:   cfg.OracleContract,
			PrivateKey: cfg.OraclePrivateKey,
			ChainID:    cfg.OracleChainID,
		})
	}
	return oracle.NewSimulatedProvider(nil, 1), nil
}

func newDepositSource(cfg *config.Config) (chain.Source, error) {
	if cfg.DepositMode == config.ModeEthereum {
		return chain.DialEthSource(cfg.DepositRPCURL)
	}
	return chain.NewSimulatedSource(), nil
}

// runReconciler checks every user's balance against their transactions on
// each tick. Inconsistent users are frozen by the ledger itself.
func runReconciler(ctx context.Context, ledger *services.Ledger, interval time.Duration, zlog *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bad, err := ledger.ReconcileAll(ctx)
			if err != nil && ctx.Err() == nil {
				zlog.Warn("reconciliation failed", zap.Error(err))
				continue
			}
			if bad > 0 {
				zlog.Error("reconciliation found inconsistent users", zap.Int("users", bad))
			}
		}
	}
}
