package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/Checker-Finance/p2p-autotrader/internal/api"
	"github.com/Checker-Finance/p2p-autotrader/internal/chat"
	"github.com/Checker-Finance/p2p-autotrader/internal/jobs"
	"github.com/Checker-Finance/p2p-autotrader/internal/ledger"
	"github.com/Checker-Finance/p2p-autotrader/internal/marketplace"
	"github.com/Checker-Finance/p2p-autotrader/internal/orders"
	"github.com/Checker-Finance/p2p-autotrader/internal/positioning"
	"github.com/Checker-Finance/p2p-autotrader/internal/publisher"
	"github.com/Checker-Finance/p2p-autotrader/internal/rabbitmq"
	"github.com/Checker-Finance/p2p-autotrader/internal/rate"
	"github.com/Checker-Finance/p2p-autotrader/internal/release"
	internalsecrets "github.com/Checker-Finance/p2p-autotrader/internal/secrets"
	"github.com/Checker-Finance/p2p-autotrader/internal/store"
	"github.com/Checker-Finance/p2p-autotrader/internal/twofa"
	"github.com/Checker-Finance/p2p-autotrader/pkg/config"
	"github.com/Checker-Finance/p2p-autotrader/pkg/eventbus"
	"github.com/Checker-Finance/p2p-autotrader/pkg/logger"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
	"github.com/Checker-Finance/p2p-autotrader/pkg/secrets"
	"github.com/Checker-Finance/p2p-autotrader/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.Account, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Infow("starting [p2p-autotrader]...", "account", cfg.Account, "venue", cfg.Venue)
	logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))

	// --- AWS Secrets Manager provider ---
	awsProvider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
	if err != nil {
		logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
	}

	// --- Account credentials (cached in-memory) ---
	credCache := secrets.NewCache[marketplace.Credentials](cfg.CacheTTL)
	stopCleaner := make(chan struct{})
	go credCache.StartCleaner(cfg.CleanupFreq, stopCleaner)

	resolver := internalsecrets.NewAWSResolver(
		logger.Named("secrets"),
		cfg.Env,
		cfg.Venue,
		awsProvider,
		credCache,
		marketplace.ParseCredentials,
	)
	if _, err := resolver.Resolve(ctx, cfg.Account); err != nil {
		logg.Fatalw("failed to resolve account credentials",
			"secret", resolver.SecretName(cfg.Account),
			"error", err)
	}

	// --- Rate limiter ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.MarketRequestsPerSecond,
		Burst:             cfg.MarketBurst,
		Cooldown:          2 * time.Second,
	})

	// --- Marketplace client ---
	market := marketplace.NewClient(logger.Named("marketplace"), rateMgr, resolver, cfg.Account, marketplace.Options{
		RetryMax: cfg.MarketRetryMax,
		Timeout:  cfg.MarketHTTPTimeout,
	})

	// --- Store (Redis + Postgres hybrid) ---
	st, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisDB, cfg.RedisPass, cfg.DatabaseURL, store.PGPoolConfig{
		MaxConns:          int32(cfg.PGMaxConns),
		MinConns:          int32(cfg.PGMinConns),
		MaxConnLifetime:   cfg.PGMaxConnLifetime,
		MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
		HealthCheckPeriod: cfg.PGHealthCheckPeriod,
	}, cfg.ClaimTTL, logger.Named("store"))
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}

	var ledgerDB ledger.DB
	if st.PG != nil {
		ledgerDB = st.PG
	} else {
		logg.Warn("postgres unavailable; release ledger disabled")
	}
	eventLedger := ledger.NewEventWriter(ledgerDB, logger.Named("ledger"))

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName+"-"+cfg.Account))
	if err != nil {
		logg.Fatalw("failed to connect to NATS", "error", err)
	}

	// --- Publisher ---
	pub, err := publisher.New(nc, cfg.EventSubjectPrefix, cfg.ServiceName, cfg.Account, logger.Named("publisher"))
	if err != nil {
		logg.Fatalw("failed to init publisher", "error", err)
	}

	// --- Event buses ---
	releaseBus := eventbus.New[model.ReleaseEvent]()
	priceBus := eventbus.New[model.PriceUpdateEvent]()

	// Subscribers run until their bus is closed during shutdown.
	var sinks errgroup.Group
	natsReleases := releaseBus.Subscribe("nats", 256)
	ledgerReleases := releaseBus.Subscribe("ledger", 256)
	natsPrices := priceBus.Subscribe("nats", 256)
	sinks.Go(func() error { pub.ForwardReleaseEvents(natsReleases); return nil })
	sinks.Go(func() error { eventLedger.Run(ledgerReleases); return nil })
	sinks.Go(func() error { pub.ForwardPriceUpdates(natsPrices); return nil })

	var alerts *rabbitmq.AlertPublisher
	if cfg.RabbitMQURL != "" {
		alerts, err = rabbitmq.NewAlertPublisher(cfg.RabbitMQURL, cfg.AlertQueue, logger.Named("alerts"))
		if err != nil {
			logg.Fatalw("failed to init alert publisher", "error", err)
		}
		alertEvents := releaseBus.Subscribe("alerts", 64)
		sinks.Go(func() error { alerts.Run(alertEvents); return nil })
	}

	g, gctx := errgroup.WithContext(ctx)

	// Pricing and per-product release limits share one settings file.
	settings := positioning.NewFileSource(logger.Named("positioning"), cfg.PositioningConfig)

	// --- Positioning engine ---
	var adManagers []*positioning.AdManager
	if cfg.PositioningEnabled {
		fetcher := positioning.NewFetcher(logger.Named("fetcher"), market, cfg.FetchTimeout)
		smart := positioning.NewSmartStrategy(fetcher, cfg.SmartPageRows)
		follow := positioning.FollowWithFallback{
			Follow: positioning.NewFollowStrategy(fetcher, cfg.FollowMaxPages, cfg.FollowPageRows, cfg.CallDelay),
			Smart:  smart,
		}

		for _, side := range []model.Side{model.SideBuy, model.SideSell} {
			m := positioning.NewAdManager(logger.Named("admanager"), positioning.ManagerConfig{
				Side:          side,
				DefaultFiat:   cfg.Fiat,
				Interval:      cfg.PricingInterval,
				CallDelay:     cfg.CallDelay,
				UpdateTimeout: cfg.UpdateTimeout,
			}, market, settings, smart, follow, priceBus)
			adManagers = append(adManagers, m)
			g.Go(func() error { m.Start(gctx); return nil })
		}
	} else {
		logg.Warn("positioning disabled (POSITIONING_ENABLED=false)")
	}

	// --- Auto-release orchestrator ---
	registry := release.NewRegistry()
	orchestrator := release.NewOrchestrator(logger.Named("release"), release.Config{
		Account:          cfg.Account,
		AuthType:         cfg.AuthType,
		AmountTolerance:  cfg.AmountTolerance,
		NameThreshold:    cfg.NameThreshold,
		MaxAutoRelease:   cfg.MaxAutoRelease,
		LowRiskThreshold: cfg.LowRiskThreshold,
		Risk: release.RiskThresholds{
			MinTotalOrders:    cfg.MinTotalOrders,
			MinOrders30d:      cfg.MinOrders30d,
			MinAccountAgeDays: cfg.MinAccountAgeDays,
			MinPositiveRate:   cfg.MinPositiveRate,
		},
		MaxReleaseAttempts:  cfg.MaxReleaseAttempts,
		CallTimeout:         cfg.FetchTimeout,
		ReleaseTimeout:      cfg.ReleaseTimeout,
		RetryDelay:          cfg.RetryDelay,
		StepAttempts:        cfg.StepAttempts,
		StepRetryDelay:      cfg.StepRetryDelay,
		UnmatchedPaymentTTL: cfg.UnmatchedPaymentTTL,
	},
		market,
		twofa.NewTOTPProvider(logger.Named("twofa"), resolver, cfg.Account),
		st,
		registry,
		st,
		releaseBus,
		release.WithPaymentPool(st),
		release.WithStatsCache(st, cfg.StatsCacheTTL),
		release.WithLimitSource(positioning.NewLimitSource(logger.Named("limits"), settings)),
	)

	refresher := jobs.NewRegistryRefresher(logger.Named("registry"), st, registry, pub, cfg.RegistryRefresh)
	g.Go(func() error { refresher.Start(gctx); return nil })

	var (
		poller   *orders.Poller
		watcher  *chat.Watcher
		consumer *rabbitmq.Consumer
	)
	if cfg.AutoReleaseEnabled {
		// Payments acknowledged before a restart must be back in the pool
		// before intake resumes.
		restored, err := orchestrator.Restore(ctx)
		if err != nil {
			logg.Fatalw("failed to restore unmatched payments", "error", err)
		}
		logg.Infow("unmatched payment pool restored", "payments", restored)

		watcher = chat.NewWatcher(logger.Named("chat"), chat.Config{
			Interval:    cfg.ChatPollInterval,
			CallTimeout: cfg.FetchTimeout,
		}, market, st, pub)
		chatEvents := releaseBus.Subscribe("chat", 256)
		sinks.Go(func() error { watcher.Follow(chatEvents); return nil })
		g.Go(func() error { watcher.Start(gctx); return nil })

		poller = orders.NewPoller(logger.Named("orders"), orders.Config{
			Interval:             cfg.OrderPollInterval,
			CallTimeout:          cfg.FetchTimeout,
			ReceiptFallbackAfter: cfg.ReceiptFallbackAfter,
		}, market, orchestrator, watcher)
		g.Go(func() error { poller.Start(gctx); return nil })

		if cfg.RabbitMQURL != "" {
			consumer, err = rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.PaymentQueue, orchestrator, logger.Named("payments"))
			if err != nil {
				logg.Fatalw("failed to init payment consumer", "error", err)
			}
			if err := consumer.Start(gctx); err != nil {
				logg.Fatalw("failed to start payment consumer", "error", err)
			}
		} else {
			logg.Warn("RABBITMQ_URL not configured; bank payments arrive via webhook only")
		}
	} else {
		logg.Warn("auto-release disabled (AUTO_RELEASE_ENABLED=false)")
	}

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})

	adSources := make([]api.AdSource, 0, len(adManagers))
	for _, m := range adManagers {
		adSources = append(adSources, m)
	}
	readHandler := api.NewReadHandler(logger.Named("api"), orchestrator, eventLedger, adSources...)

	var webhookHandler *api.BankWebhookHandler
	if cfg.AutoReleaseEnabled {
		webhookHandler = api.NewBankWebhookHandler(logger.Named("webhook"), orchestrator,
			cfg.BankWebhookSecret, cfg.BankWebhookSigHeader)
		if cfg.BankWebhookSecret == "" {
			logg.Warn("BANK_WEBHOOK_SECRET not configured; webhook signatures are not verified")
		}
	}
	api.RegisterRoutes(app, nc, st, readHandler, webhookHandler)

	g.Go(func() error {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			return fmt.Errorf("fiber listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	// --- Main process stays alive until interrupted ---
	logg.Infow("[p2p-autotrader] running",
		"nats", cfg.NATSURL,
		"env", cfg.Env,
		"positioning", cfg.PositioningEnabled,
		"auto_release", cfg.AutoReleaseEnabled,
		"port", cfg.Port)

	if err := g.Wait(); err != nil {
		logg.Errorw("component failed", "error", err)
	}
	logg.Info("shutting down [p2p-autotrader]...")

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logg.Warnw("rabbitmq.consumer_close_failed", "error", err)
		}
	}
	orchestrator.Close()
	releaseBus.Close()
	priceBus.Close()
	_ = sinks.Wait()

	close(stopCleaner)
	if alerts != nil {
		if err := alerts.Close(); err != nil {
			logg.Warnw("rabbitmq.alerts_close_failed", "error", err)
		}
	}
	pub.Close()
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
}
