// Package agent is the incident engine: it receives health alerts, maps
// them to a severity and a corrective action, enforces per-category
// cooldowns and fires signed webhooks at the automation endpoint.
package agent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-gateway/internal/health"
)

const GatewayVersion = "1.0.0"

type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

type Action string

const (
	ActionRestartNetworkSwitch Action = "restart_network_switch"
	ActionRestartGatewayNode   Action = "restart_gateway_node"
	ActionSendPushNotification Action = "send_push_notification"
	ActionSendEscalationEmail  Action = "send_escalation_email"
	ActionDrainMessageQueue    Action = "drain_message_queue"
	ActionLogIncident          Action = "log_incident"
	ActionNoAction             Action = "no_action"
)

// Incident records a detected issue and the action chosen for it.
// Resolved is reserved; nothing sets it.
type Incident struct {
	IncidentID          string   `json:"incident_id"`
	AlertType           string   `json:"alert_type"`
	Severity            Severity `json:"severity"`
	Issues              []string `json:"issues"`
	Action              Action   `json:"action"`
	Timestamp           int64    `json:"timestamp"`
	WebhookSent         bool     `json:"webhook_sent"`
	WebhookResponseCode int      `json:"webhook_response_code"`
	Resolved            bool     `json:"resolved"`
}

type Config struct {
	WebhookURL    string
	WebhookSecret string
	Cooldown      time.Duration
	MaxIncidents  int
}

type Agent struct {
	cfg    Config
	logger *zap.Logger

	clientOnce sync.Once
	client     *http.Client

	mu            sync.Mutex
	lastAlertTime map[string]time.Time
	incidents     []Incident

	totalAlerts        int64
	totalSuppressed    int64
	totalWebhooksSent  int64
	totalWebhookErrors int64
}

func New(cfg Config, logger *zap.Logger) *Agent {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 300 * time.Second
	}
	if cfg.MaxIncidents <= 0 {
		cfg.MaxIncidents = 100
	}
	return &Agent{
		cfg:           cfg,
		logger:        logger,
		lastAlertTime: make(map[string]time.Time),
	}
}

func (a *Agent) httpClient() *http.Client {
	a.clientOnce.Do(func() {
		a.client = &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		}
	})
	return a.client
}

// TriggerAlert processes one health alert. Returns nil when the alert is
// suppressed by the per-type cooldown.
func (a *Agent) TriggerAlert(ctx context.Context, alertType string, issues []string, report health.Report) *Incident {
	now := time.Now()

	a.mu.Lock()
	a.totalAlerts++
	if last, ok := a.lastAlertTime[alertType]; ok && now.Sub(last) < a.cfg.Cooldown {
		a.totalSuppressed++
		remaining := a.cfg.Cooldown - now.Sub(last)
		a.mu.Unlock()
		a.logger.Info("alert suppressed",
			zap.String("alert_type", alertType),
			zap.Duration("cooldown_remaining", remaining))
		return nil
	}
	a.lastAlertTime[alertType] = now
	a.mu.Unlock()

	incident := Incident{
		IncidentID: incidentID(alertType, now.Unix()),
		AlertType:  alertType,
		Severity:   evaluateSeverity(alertType, issues),
		Issues:     issues,
		Action:     determineAction(issues),
		Timestamp:  now.Unix(),
	}

	a.logger.Warn("incident",
		zap.String("incident_id", incident.IncidentID),
		zap.String("severity", string(incident.Severity)),
		zap.String("action", string(incident.Action)),
		zap.Strings("issues", issues))

	if a.cfg.WebhookURL != "" {
		a.sendWebhook(ctx, &incident, report)
	} else {
		a.logger.Warn("no webhook URL configured, incident logged only",
			zap.String("incident_id", incident.IncidentID))
	}

	a.mu.Lock()
	a.incidents = append(a.incidents, incident)
	if len(a.incidents) > a.cfg.MaxIncidents {
		a.incidents = a.incidents[len(a.incidents)-a.cfg.MaxIncidents:]
	}
	a.mu.Unlock()

	return &incident
}

// evaluateSeverity inspects the concatenated issue text, first match wins.
func evaluateSeverity(alertType string, issues []string) Severity {
	text := strings.ToLower(strings.Join(issues, " "))

	switch {
	case strings.Contains(text, "heartbeat timeout"):
		return SeverityCritical
	case strings.Contains(text, "battery") && strings.Contains(text, "low"):
		return SeverityWarning
	case strings.Contains(text, "queue near capacity"):
		return SeverityEmergency
	case alertType == "critical":
		return SeverityCritical
	case alertType == "degraded":
		return SeverityWarning
	}
	return SeverityInfo
}

// determineAction maps issues to a corrective action, first match wins.
func determineAction(issues []string) Action {
	text := strings.ToLower(strings.Join(issues, " "))

	switch {
	case strings.Contains(text, "heartbeat timeout"):
		return ActionRestartNetworkSwitch
	case strings.Contains(text, "queue near capacity"):
		return ActionDrainMessageQueue
	case strings.Contains(text, "battery low"):
		return ActionSendPushNotification
	case strings.Contains(text, "signal weak"):
		return ActionRestartNetworkSwitch
	case strings.Contains(text, "watchdog resets"):
		return ActionRestartGatewayNode
	}
	return ActionLogIncident
}

// incidentID derives a 12-hex-char uppercase digest from the alert type
// and timestamp. Same-second collisions per type are prevented by the
// cooldown.
func incidentID(alertType string, timestamp int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d", alertType, timestamp)))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:12])
}

func (a *Agent) sendWebhook(ctx context.Context, incident *Incident, report health.Report) {
	a.mu.Lock()
	alerts, suppressed := a.totalAlerts, a.totalSuppressed
	a.mu.Unlock()

	payload := map[string]any{
		"event":         "gateway_alert",
		"incident":      incident,
		"health_report": report,
		"metadata": map[string]any{
			"gateway_version":  GatewayVersion,
			"total_alerts":     alerts,
			"total_suppressed": suppressed,
		},
	}

	body, err := CanonicalJSON(payload)
	if err != nil {
		a.logger.Error("webhook payload marshal failed", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		a.logger.Error("webhook request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Event", "alert")
	req.Header.Set("X-Incident-ID", incident.IncidentID)

	if a.cfg.WebhookSecret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(a.cfg.WebhookSecret, body))
	}

	resp, err := a.httpClient().Do(req)
	if err != nil {
		a.mu.Lock()
		a.totalWebhookErrors++
		a.mu.Unlock()
		a.logger.Error("webhook failed",
			zap.String("incident_id", incident.IncidentID),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()

	incident.WebhookSent = true
	incident.WebhookResponseCode = resp.StatusCode
	a.mu.Lock()
	a.totalWebhooksSent++
	a.mu.Unlock()

	if resp.StatusCode == http.StatusOK {
		a.logger.Info("webhook delivered",
			zap.String("incident_id", incident.IncidentID),
			zap.String("action", string(incident.Action)))
	} else {
		a.logger.Error("webhook returned non-200",
			zap.String("incident_id", incident.IncidentID),
			zap.Int("status", resp.StatusCode))
	}
}

// CanonicalJSON produces a byte-stable serialization: the value is
// round-tripped through generic maps so encoding/json sorts every object
// key recursively.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Sign computes the lowercase hex HMAC-SHA256 of the canonical payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Incidents returns the most recent incidents, newest last.
func (a *Agent) Incidents(limit int) []Incident {
	if limit <= 0 {
		limit = 20
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start := 0
	if len(a.incidents) > limit {
		start = len(a.incidents) - limit
	}
	out := make([]Incident, len(a.incidents)-start)
	copy(out, a.incidents[start:])
	return out
}

// Close releases pooled connections. Idempotent.
func (a *Agent) Close() {
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
}

type Metrics struct {
	TotalAlerts        int64 `json:"total_alerts"`
	TotalSuppressed    int64 `json:"total_suppressed"`
	TotalWebhooksSent  int64 `json:"total_webhooks_sent"`
	TotalWebhookErrors int64 `json:"total_webhook_errors"`
	ActiveIncidents    int   `json:"active_incidents"`
}

func (a *Agent) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	active := 0
	for _, i := range a.incidents {
		if !i.Resolved {
			active++
		}
	}
	return Metrics{
		TotalAlerts:        a.totalAlerts,
		TotalSuppressed:    a.totalSuppressed,
		TotalWebhooksSent:  a.totalWebhooksSent,
		TotalWebhookErrors: a.totalWebhookErrors,
		ActiveIncidents:    active,
	}
}
