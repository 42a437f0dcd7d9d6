package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bot-otp/internal/cache"
	"bot-otp/internal/config"
	"bot-otp/internal/convo"
	"bot-otp/internal/deposit"
	"bot-otp/internal/guard"
	"bot-otp/internal/httpserver"
	"bot-otp/internal/ledger"
	"bot-otp/internal/logging"
	"bot-otp/internal/metrics"
	"bot-otp/internal/order"
	"bot-otp/internal/payment"
	"bot-otp/internal/queue"
	"bot-otp/internal/rental"
	"bot-otp/internal/store"
	"bot-otp/internal/wa"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting otp bot", "env", cfg.AppEnv)

	if cfg.PublicBaseURL != "" {
		webhookURL := strings.TrimRight(cfg.PublicBaseURL, "/") + "/webhook/payment"
		logger.Info("public base url configured", "base_url", cfg.PublicBaseURL, "webhook_url", webhookURL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
			Prefix:   cfg.RedisPrefix,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	locks := guard.NewRegistry(logger, metricRegistry)
	go locks.Run(ctx, cfg.JanitorInterval)

	accounts := ledger.New(st, logger, metricRegistry)

	rentalClient := rental.New(rental.Config{
		BaseURL:    cfg.RentalBaseURL,
		APIKey:     cfg.RentalAPIKey,
		Timeout:    cfg.RentalTimeout,
		CatalogTTL: cfg.RentalCatalogTTL,
	}, logger, metricRegistry, redisClient)

	paymentClient := payment.New(payment.Config{
		BaseURL: cfg.PaymentBaseURL,
		APIKey:  cfg.PaymentAPIKey,
		Method:  cfg.PaymentMethod,
		Timeout: cfg.PaymentTimeout,
	}, logger, metricRegistry)

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	orders := order.New(st, rentalClient, accounts, locks, waClient, metricRegistry, logger, order.Config{
		PollInterval:    cfg.OrderPollInterval,
		MaxAttempts:     cfg.OrderMaxAttempts,
		MinCancelAge:    cfg.OrderMinCancelAge,
		ConfirmRetries:  cfg.OrderConfirmRetries,
		RefundRetries:   cfg.RefundRetries,
		RefundBackoff:   cfg.RefundBackoff,
		ProviderTimeout: cfg.RentalTimeout,
		LockTTL:         cfg.LockTTL,
	})
	if err := orders.Start(ctx); err != nil {
		return fmt.Errorf("recover orders: %w", err)
	}

	deposits := deposit.New(paymentClient, accounts, locks, waClient, metricRegistry, logger, deposit.Config{
		PollInterval:    cfg.DepositPollInterval,
		MaxAge:          cfg.DepositMaxAge,
		Grace:           cfg.DepositGrace,
		MinAmount:       cfg.DepositMinAmount,
		MaxAmount:       cfg.DepositMaxAmount,
		Concurrency:     cfg.DepositConcurrency,
		ProviderTimeout: cfg.PaymentTimeout,
		LockTTL:         cfg.LockTTL,
	})
	go deposits.Run(ctx)

	tasks := queue.New(cfg.QueueConcurrency, func(name string, err error) {
		logger.Error("task failed", "task", name, "error", err)
	}, logger, metricRegistry)

	convoEngine := convo.New(st, accounts, orders, deposits, rentalClient, waClient, tasks, metricRegistry, logger, convo.EngineConfig{
		DefaultCountry: cfg.RentalCountry,
	})
	waClient.SetEventHandler(convoEngine)

	webhookHandler := payment.NewWebhookHandler(logger, metricRegistry, cfg.PaymentWebhookUsernameMD5, cfg.PaymentWebhookPasswordMD5, deposits)

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		PaymentWebhook: webhookHandler,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Admin:          convoEngine,
		Accounts:       accounts,
		Services:       rentalClient,
		AdminToken:     cfg.AdminToken,
		DefaultCountry: cfg.RentalCountry,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		logger.Error("task queue shutdown error", "error", err)
	}
	if err := orders.Stop(shutdownCtx); err != nil {
		logger.Error("order manager shutdown error", "error", err)
	}

	return nil
}
