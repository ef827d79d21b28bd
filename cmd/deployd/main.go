package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/api/middleware"
	"github.com/neuralcloud/deployd/internal/api/server"
	"github.com/neuralcloud/deployd/internal/chain"
	"github.com/neuralcloud/deployd/internal/config"
	"github.com/neuralcloud/deployd/internal/deployment"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/ledger"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/pricing"
	"github.com/neuralcloud/deployd/internal/providers/jetstream"
	"github.com/neuralcloud/deployd/internal/ratelimit"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/store"
	"github.com/neuralcloud/deployd/internal/sweeper"
	"github.com/neuralcloud/deployd/internal/txlog"
	"github.com/neuralcloud/deployd/internal/webhook"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadDeploydConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "deployd",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting deployd",
		zap.String("store", cfg.Store.Backend),
		zap.String("chain", cfg.Chain.Mode))

	clock := adapter.NewClock()

	// Initialize store
	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to open store", zap.Error(err))
	}
	defer func() {
		if err := dataStore.Close(); err != nil {
			logger.Error(err, zap.String("component", "store"))
		}
	}()

	// Initialize wallet
	wallet, closeWallet, err := openWallet(ctx, cfg, clock)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to initialize wallet", zap.Error(err))
	}
	defer closeWallet()

	// Events go to the in-process broadcaster for SSE streams and, when configured, to JetStream and webhooks
	broadcaster := messaging.NewBroadcaster()
	publishers := []messaging.Publisher{broadcaster}
	if cfg.NATS.URL != "" {
		js, err := jetstream.NewPublisher(ctx, jetstream.Config{
			URL:            cfg.NATS.URL,
			StreamName:     cfg.NATS.StreamName,
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectionName: cfg.NATS.ConnectionName,
		}, adapter.NewNatsJetStream(), adapter.NewJSON())
		if err != nil {
			logger.FatalCtx(ctx, "Failed to create JetStream publisher", zap.Error(err))
		}
		publishers = append(publishers, js)
		logger.InfoCtx(ctx, "Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		logger.WarnCtx(ctx, "NATS URL not configured, events are only streamed in-process")
	}
	if len(cfg.Webhook.Endpoints) > 0 {
		notifier, err := newWebhookNotifier(cfg, clock)
		if err != nil {
			logger.FatalCtx(ctx, "Failed to configure webhooks", zap.Error(err))
		}
		publishers = append(publishers, notifier)
		logger.InfoCtx(ctx, "Webhook delivery enabled", zap.Int("endpoints", len(cfg.Webhook.Endpoints)))
	}
	publisher := messaging.Fanout(publishers...)
	defer publisher.Close()

	promoCredits, _ := cfg.Deployment.PromoCredits()
	stableBalances, _ := cfg.Deployment.SimulatedBalances()
	delete(stableBalances, domain.AssetETH)

	log := txlog.New(clock)
	coordinator := deployment.NewCoordinator(deployment.Deps{
		Clock:     clock,
		Ledger:    ledger.New(),
		Log:       log,
		Registry:  registry.New(clock, log, nil),
		Pricer:    pricing.NewPricer(pricing.NewFixedRateSource(cfg.Pricing.ETHPrice())),
		Wallet:    wallet,
		Store:     dataStore,
		Publisher: publisher,
	}, deployment.Config{
		PlatformWallet:      cfg.Chain.PlatformWallet,
		ConfirmationTimeout: cfg.Deployment.ConfirmationTimeout,
		PersistRetries:      cfg.Deployment.PersistRetries,
		PromoCredits:        promoCredits,
		StableBalances:      stableBalances,
	})
	defer coordinator.Close()

	// Restore persisted accounts before serving
	if err := coordinator.Load(ctx); err != nil {
		logger.FatalCtx(ctx, "Failed to load persisted state", zap.Error(err))
	}

	errCh := make(chan error, 2)

	// Start the pending payment sweeper
	var paymentSweeper sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		paymentSweeper = sweeper.NewPaymentSweeper(&sweeper.PaymentSweeperConfig{
			Interval:       cfg.Sweeper.Interval,
			BatchSize:      cfg.Sweeper.BatchSize,
			WorkerPoolSize: cfg.Sweeper.Worker.WorkerPoolSize,
			QueueSize:      cfg.Sweeper.Worker.WorkerQueueSize,
			StaleAfter:     cfg.Sweeper.StaleAfter,
		}, coordinator, clock)
		go func() {
			if err := paymentSweeper.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", paymentSweeper.Name(), err)
			}
		}()
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = newRateLimiter(cfg.RateLimit, clock)
		if err != nil {
			logger.FatalCtx(ctx, "Failed to create rate limiter", zap.Error(err))
		}
		defer limiter.Close()
	}

	// Create and start server
	srv := server.New(server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		MetricsPath:  cfg.Server.MetricsPath,
		CORSOrigins:  cfg.Server.CORSOrigins,
		Auth: middleware.AuthConfig{
			JWTPublicKey: cfg.Auth.JWTPublicKey,
			APIKeys:      cfg.Auth.APIKeys,
		},
		RateLimiter: limiter,
	}, coordinator, broadcaster)

	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "server"))
	}

	// Create shutdown context with timeout (don't use canceled ctx)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Close the streams first, they would hold the server shutdown open
	broadcaster.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(shutdownCtx, err, zap.String("component", "server"))
	}
	if paymentSweeper != nil {
		if err := paymentSweeper.Stop(shutdownCtx); err != nil {
			logger.ErrorCtx(shutdownCtx, err, zap.String("component", paymentSweeper.Name()))
		}
	}
	cancel()

	// Use non-context logger for final message since original ctx is canceled
	logger.Info("deployd stopped")
}

// openStore opens the configured persistence backend
func openStore(ctx context.Context, cfg *config.DeploydConfig) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
			return nil, fmt.Errorf("failed to configure connection pool: %w", err)
		}
		if err := store.Migrate(ctx, db); err != nil {
			return nil, err
		}
		logger.InfoCtx(ctx, "Connected to database",
			zap.String("host", cfg.Database.Host),
			zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
			zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
		)
		return store.NewPGStore(db), nil

	case config.StoreBackendBadger:
		st, err := store.NewBadgerStore(store.BadgerOptions{
			Dir:      cfg.Badger.Dir,
			InMemory: cfg.Badger.InMemory,
		})
		if err != nil {
			return nil, err
		}
		logger.InfoCtx(ctx, "Opened badger store", zap.String("dir", cfg.Badger.Dir), zap.Bool("in_memory", cfg.Badger.InMemory))
		return st, nil

	default:
		logger.WarnCtx(ctx, "Using the memory store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}
}

// newRateLimiter creates the per-account limiter, shared through Redis when a URL is configured
func newRateLimiter(cfg config.RateLimitConfig, clock adapter.Clock) (ratelimit.Limiter, error) {
	var rc adapter.RedisClient
	if cfg.RedisURL != "" {
		var err error
		rc, err = adapter.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
	}
	return ratelimit.New(ratelimit.Config{
		RequestsPerSecond:   cfg.RequestsPerSecond,
		Burst:               cfg.Burst,
		KeyPrefix:           cfg.KeyPrefix,
		EnableLocalFallback: cfg.EnableLocalFallback,
	}, rc, clock)
}

// newWebhookNotifier creates the signed webhook publisher for the configured endpoints
func newWebhookNotifier(cfg *config.DeploydConfig, clock adapter.Clock) (*webhook.Notifier, error) {
	endpoints := make([]webhook.Endpoint, 0, len(cfg.Webhook.Endpoints))
	for i, e := range cfg.Webhook.Endpoints {
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("endpoint-%d", i)
		}
		accounts := make([]string, 0, len(e.Accounts))
		for _, account := range e.Accounts {
			normalized, err := domain.NormalizeAccount(account)
			if err != nil {
				return nil, fmt.Errorf("webhook endpoint %s: %w", id, err)
			}
			accounts = append(accounts, normalized)
		}
		endpoints = append(endpoints, webhook.Endpoint{
			ID:         id,
			URL:        e.URL,
			Secret:     e.Secret,
			EventTypes: e.EventTypes,
			Accounts:   accounts,
		})
	}

	return webhook.NewNotifier(webhook.Config{
		Endpoints:      endpoints,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		Timeout:        cfg.Webhook.Timeout,
		RetryInterval:  cfg.Webhook.RetryInterval,
		WorkerPoolSize: cfg.Webhook.Worker.WorkerPoolSize,
		QueueSize:      cfg.Webhook.Worker.WorkerQueueSize,
	}, webhook.NewSigner(adapter.NewJSON(), adapter.NewJCS()), clock), nil
}

// openWallet creates the configured wallet and returns its release function
func openWallet(ctx context.Context, cfg *config.DeploydConfig, clock adapter.Clock) (chain.Wallet, func(), error) {
	if cfg.Chain.Mode != config.ChainModeEthereum {
		balances, _ := cfg.Deployment.SimulatedBalances()
		wallet := chain.NewSimulatedWallet(clock, chain.SimulatedOptions{
			Delay:           cfg.Chain.SimulatedDelay,
			Manual:          cfg.Chain.SimulatedManual,
			StartingBalance: balances[domain.AssetETH],
		})
		return wallet, func() {}, nil
	}

	wallet, closeClient, err := chain.DialEthereumWallet(ctx, adapter.NewEthClientDialer(), cfg.Ethereum.RPCURL, clock,
		cfg.Ethereum.ChainID, cfg.Ethereum.SignerKeys, chain.EthereumOptions{
			Confirmations: cfg.Ethereum.Confirmations,
			PollInterval:  cfg.Ethereum.PollInterval,
			GasLimit:      cfg.Ethereum.GasLimit,
		})
	if err != nil {
		return nil, nil, err
	}

	logger.InfoCtx(ctx, "Connected to ethereum node", zap.String("chain", string(cfg.Ethereum.ChainID)))
	return wallet, closeClient, nil
}
