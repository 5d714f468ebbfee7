package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-gateway/internal/agent"
	"otp-gateway/internal/bodycrypt"
	"otp-gateway/internal/dispatch/email"
	"otp-gateway/internal/dispatch/telegram"
	"otp-gateway/internal/dlo"
	"otp-gateway/internal/health"
	"otp-gateway/internal/messages"
	"otp-gateway/internal/pipeline"
	"otp-gateway/internal/queue"
)

type Handlers struct {
	logger     *zap.Logger
	pipeline   *pipeline.Pipeline
	registry   *health.Registry
	monitor    *health.Monitor
	store      *dlo.Store
	agent      *agent.Agent
	cipher     *bodycrypt.Cipher
	telegram   *telegram.Dispatcher
	email      *email.Dispatcher
	maxRetries int
}

func NewHandlers(
	logger *zap.Logger,
	p *pipeline.Pipeline,
	registry *health.Registry,
	monitor *health.Monitor,
	store *dlo.Store,
	a *agent.Agent,
	cipher *bodycrypt.Cipher,
	tg *telegram.Dispatcher,
	em *email.Dispatcher,
	maxRetries int,
) *Handlers {
	return &Handlers{
		logger:     logger,
		pipeline:   p,
		registry:   registry,
		monitor:    monitor,
		store:      store,
		agent:      a,
		cipher:     cipher,
		telegram:   tg,
		email:      em,
		maxRetries: maxRetries,
	}
}

type apiResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// InboundSMSRequest arrives from the MQTT-HTTP bridge or a direct call.
// Body is treated as ciphertext; it is never echoed back or logged.
type InboundSMSRequest struct {
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
	SMSID     string `json:"sms_id"`
	NodeID    string `json:"node_id"`
	Encrypted bool   `json:"encrypted"`
	Priority  string `json:"priority"`
}

// ReceiveSMS handles POST /api/sms/inbound: build the pipeline message
// and enqueue it. 200 on accept, 429 under backpressure, 503 while the
// pipeline is not ready.
func (h *Handlers) ReceiveSMS(c *fiber.Ctx) error {
	if h.pipeline == nil {
		return c.Status(503).JSON(fiber.Map{"error": "pipeline not initialized"})
	}

	var req InboundSMSRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.Sender == "" || req.Body == "" {
		return c.Status(400).JSON(fiber.Map{"error": "missing required fields"})
	}

	smsID := req.SMSID
	if smsID == "" {
		smsID = "api-" + uuid.NewString()
	}

	body := req.Body
	if !req.Encrypted && h.cipher.Enabled() {
		body = h.cipher.Encrypt(body)
	}

	msg := messages.NewMessage(
		smsID,
		req.Sender,
		body,
		req.Timestamp,
		req.NodeID,
		h.maxRetries,
		messages.ParsePriority(strings.ToLower(req.Priority)),
	)

	if err := h.pipeline.Enqueue(c.Context(), msg); err != nil {
		if errors.Is(err, queue.ErrFull) {
			return c.Status(429).JSON(fiber.Map{"error": "queue is full, backpressure active"})
		}
		if errors.Is(err, queue.ErrClosed) {
			return c.Status(503).JSON(fiber.Map{"error": "pipeline shutting down"})
		}
		h.logger.Error("enqueue failed", zap.String("sms_id", msg.SMSID), zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(apiResponse{
		Success: true,
		Message: fmt.Sprintf("SMS %s enqueued for delivery", msg.SMSID),
		Data: map[string]any{
			"sms_id":      msg.SMSID,
			"queue_depth": h.pipeline.Metrics().QueueDepth,
		},
	})
}

// ReceiveTelemetry handles POST /api/telemetry. Absent fields retain the
// node's previous values.
func (h *Handlers) ReceiveTelemetry(c *fiber.Ctx) error {
	var req health.TelemetryUpdate
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.NodeID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "node_id is required"})
	}

	h.registry.Update(req)
	return c.JSON(apiResponse{Success: true, Message: "Telemetry recorded", Data: map[string]any{}})
}

// Health handles GET /api/health with a fresh evaluation.
func (h *Handlers) Health(c *fiber.Ctx) error {
	if h.monitor == nil {
		return c.JSON(fiber.Map{"status": "starting", "timestamp": time.Now().Unix()})
	}
	return c.JSON(h.monitor.Evaluate())
}

// ListDeadLetters handles GET /api/dlo. Bodies are redacted.
func (h *Handlers) ListDeadLetters(c *fiber.Ctx) error {
	letters := h.store.ListAll(c.Context())
	return c.JSON(apiResponse{
		Success: true,
		Message: fmt.Sprintf("%d dead-lettered messages", len(letters)),
		Data:    map[string]any{"dead_letters": letters, "count": len(letters)},
	})
}

// RetryDeadLetter handles POST /api/dlo/:sms_id/retry.
func (h *Handlers) RetryDeadLetter(c *fiber.Ctx) error {
	smsID := c.Params("sms_id")
	ok := h.store.Retry(c.Context(), smsID, h.maxRetries, h.pipeline.Enqueue)
	if !ok {
		return c.Status(404).JSON(fiber.Map{"error": fmt.Sprintf("SMS %s not found in DLO", smsID)})
	}
	return c.JSON(apiResponse{
		Success: true,
		Message: fmt.Sprintf("SMS %s re-enqueued from DLO", smsID),
		Data:    map[string]any{"sms_id": smsID},
	})
}

// PurgeDeadLetters handles DELETE /api/dlo.
func (h *Handlers) PurgeDeadLetters(c *fiber.Ctx) error {
	count := h.store.PurgeAll(c.Context())
	return c.JSON(apiResponse{
		Success: true,
		Message: fmt.Sprintf("Purged %d dead letters", count),
		Data:    map[string]any{"purged": count},
	})
}

// AggregatedMetrics handles GET /api/metrics: one JSON document with the
// counters of every subsystem.
func (h *Handlers) AggregatedMetrics(c *fiber.Ctx) error {
	out := fiber.Map{
		"timestamp": time.Now().Unix(),
		"queue":     h.pipeline.Metrics(),
		"dlo":       h.store.Metrics(c.Context()),
		"agent":     h.agent.Metrics(),
	}
	if h.telegram != nil {
		out["telegram"] = h.telegram.Metrics()
	}
	if h.email != nil {
		out["email"] = h.email.Metrics()
	}
	return c.JSON(out)
}

// Incidents handles GET /api/incidents?limit=N.
func (h *Handlers) Incidents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	incidents := h.agent.Incidents(limit)
	return c.JSON(fiber.Map{"incidents": incidents, "count": len(incidents)})
}

// HealthCheck is the liveness probe.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
}

// ReadyCheck reports readiness once the pipeline is running.
func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	if h.pipeline == nil || !h.pipeline.Metrics().Running {
		return c.Status(503).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// Root describes the service.
func (h *Handlers) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "OTP Forwarding Gateway",
		"version": agent.GatewayVersion,
		"health":  "/api/health",
	})
}
