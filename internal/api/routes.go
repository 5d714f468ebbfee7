package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"otp-gateway/internal/observability"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
) {
	// Set up middleware
	SetupMiddleware(app, logger, metrics)

	// Health endpoints
	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)

	// Service descriptor
	app.Get("/", handlers.Root)

	// Prometheus exposition
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(
		metrics.Registry,
		promhttp.HandlerOpts{},
	)))

	// API routes
	api := app.Group("/api")

	api.Post("/sms/inbound", handlers.ReceiveSMS)
	api.Post("/telemetry", handlers.ReceiveTelemetry)
	api.Get("/health", handlers.Health)
	api.Get("/metrics", handlers.AggregatedMetrics)
	api.Get("/incidents", handlers.Incidents)

	// Dead Letter Office
	dlo := api.Group("/dlo")
	dlo.Get("/", handlers.ListDeadLetters)
	dlo.Post("/:sms_id/retry", handlers.RetryDeadLetter)
	dlo.Delete("/", handlers.PurgeDeadLetters)
}
