package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"otp-gateway/internal/agent"
	"otp-gateway/internal/api"
	"otp-gateway/internal/bodycrypt"
	"otp-gateway/internal/config"
	"otp-gateway/internal/dispatch/email"
	"otp-gateway/internal/dispatch/telegram"
	"otp-gateway/internal/dlo"
	"otp-gateway/internal/health"
	"otp-gateway/internal/observability"
	"otp-gateway/internal/pipeline"
	"otp-gateway/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting OTP forwarding gateway", zap.String("version", agent.GatewayVersion))

	metrics := observability.NewMetrics()

	// Body cipher. A bad key degrades to pass-through rather than refusing
	// to start: forwarding plaintext beats forwarding nothing.
	cipher, err := bodycrypt.New(cfg.FernetEncryptionKey)
	if err != nil {
		logger.Warn("encryption key invalid, bodies pass through unencrypted", zap.Error(err))
	}

	// Redis backs the Dead Letter Office. Unreachable Redis degrades the
	// DLO to its volatile in-memory map.
	ctx := context.Background()
	rdb, err := dlo.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, dead letter office is volatile", zap.Error(err))
		rdb = nil
	}
	store := dlo.NewStore(rdb, cfg.DLOTTLHours, logger)

	incidentAgent := agent.New(agent.Config{
		WebhookURL:    cfg.N8NWebhookURL,
		WebhookSecret: cfg.N8NWebhookSecret,
		Cooldown:      time.Duration(cfg.AlertCooldownSeconds) * time.Second,
	}, logger)

	// Health surface
	registry := health.NewRegistry()
	registry.OnRegister(func(nodeID string) {
		logger.Info("edge node registered", zap.String("node_id", nodeID))
	})

	q := queue.New(cfg.QueueMaxSize, 0)

	monitor := health.NewMonitor(logger, registry, q.Depth, cfg.QueueMaxSize, health.Thresholds{
		BatteryLowPercent: cfg.BatteryLowThreshold,
		SignalLowDBM:      cfg.SignalLowThreshold,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second,
	}, time.Duration(cfg.HealthCheckIntervalSeconds)*time.Second)

	monitor.OnAlert(func(alertType string, issues []string, report health.Report) {
		alertCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		incidentAgent.TriggerAlert(alertCtx, alertType, issues, report)
	})

	// Delivery pipeline
	pipe := pipeline.New(logger, q, metrics, cfg.ConsumerConcurrency)

	tg := telegram.New(telegram.Config{
		BotToken: cfg.TelegramBotToken,
		ChatID:   cfg.TelegramChatID,
	}, cipher, metrics, logger)
	pipe.RegisterPrimary(tg)

	em := email.New(email.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		Recipient: cfg.EmailRecipient,
	}, cipher, logger)
	pipe.RegisterFallback(em)

	pipe.RegisterDeadLetterSink(store)

	if err := pipe.Start(); err != nil {
		logger.Fatal("pipeline start failed", zap.Error(err))
	}
	monitor.Start()

	// Scheduled DLO expiry sweep
	purgeStop := make(chan struct{})
	go runPurgeLoop(store, logger, purgeStop)

	// HTTP ingress
	handlers := api.NewHandlers(
		logger, pipe, registry, monitor, store, incidentAgent,
		cipher, tg, em, cfg.MaxRetryAttempts,
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("fiber error", zap.Error(err))
			return c.Status(500).JSON(fiber.Map{"error": "internal server error"})
		},
	})

	api.SetupRoutes(app, logger, metrics, handlers)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("server start failed", zap.Error(err))
		}
	}()

	logger.Info("gateway started", zap.String("port", cfg.Port))

	// Graceful shutdown: stop ingress first, drain the pipeline, then
	// release everything else.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	close(purgeStop)
	monitor.Stop()
	pipe.Stop(30 * time.Second)

	tg.Close()
	incidentAgent.Close()
	if rdb != nil {
		rdb.Close()
	}

	logger.Info("gateway stopped")
}

// runPurgeLoop sweeps expired dead letters at a tenth of the TTL, no more
// often than hourly.
func runPurgeLoop(store *dlo.Store, logger *zap.Logger, stop <-chan struct{}) {
	interval := store.TTL() / 10
	if interval < time.Hour {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			store.PurgeExpired(ctx)
			cancel()
		}
	}
}
