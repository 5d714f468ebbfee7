package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"go.uber.org/zap"

	"otp-gateway/internal/health"
)

func testReport() health.Report {
	return health.Report{
		Status:    health.StatusCritical,
		Timestamp: time.Now().Unix(),
		Issues:    []string{"Node node-1: heartbeat timeout (300s ago)"},
		Nodes:     map[string]health.NodeReport{},
		Queue:     health.QueueReport{MaxSize: 100},
	}
}

func TestEvaluateSeverity(t *testing.T) {
	tests := []struct {
		name      string
		alertType string
		issues    []string
		expected  Severity
	}{
		{"heartbeat is critical", "degraded", []string{"Node n1: heartbeat timeout (200s ago)"}, SeverityCritical},
		{"battery low is warning", "critical", []string{"Node n1: battery low (8%)"}, SeverityWarning},
		{"queue capacity is emergency", "degraded", []string{"Queue near capacity (95/100)"}, SeverityEmergency},
		{"critical type fallback", "critical", []string{"Node n1: signal weak (-110 dBm)"}, SeverityCritical},
		{"degraded type fallback", "degraded", []string{"Node n1: signal weak (-110 dBm)"}, SeverityWarning},
		{"unmatched is info", "other", []string{"something else"}, SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evaluateSeverity(tt.alertType, tt.issues); got != tt.expected {
				t.Errorf("evaluateSeverity = %s, expected %s", got, tt.expected)
			}
		})
	}
}

func TestDetermineAction(t *testing.T) {
	tests := []struct {
		name     string
		issues   []string
		expected Action
	}{
		{"heartbeat restarts switch", []string{"Node n1: heartbeat timeout (200s ago)"}, ActionRestartNetworkSwitch},
		{"queue drains", []string{"Queue near capacity (95/100)"}, ActionDrainMessageQueue},
		{"battery notifies", []string{"Node n1: battery low (8%)"}, ActionSendPushNotification},
		{"signal restarts switch", []string{"Node n1: signal weak (-110 dBm)"}, ActionRestartNetworkSwitch},
		{"watchdog restarts node", []string{"Node n1: excessive watchdog resets (7)"}, ActionRestartGatewayNode},
		{"heartbeat wins over battery", []string{"Node n1: battery low (8%)", "Node n2: heartbeat timeout (200s ago)"}, ActionRestartNetworkSwitch},
		{"unmatched logs", []string{"something else"}, ActionLogIncident},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := determineAction(tt.issues); got != tt.expected {
				t.Errorf("determineAction = %s, expected %s", got, tt.expected)
			}
		})
	}
}

func TestIncidentIDFormat(t *testing.T) {
	id := incidentID("critical", 1767346800)
	if !regexp.MustCompile(`^[0-9A-F]{12}$`).MatchString(id) {
		t.Errorf("Expected 12 uppercase hex chars, got %q", id)
	}

	if incidentID("critical", 1767346800) != id {
		t.Error("Expected deterministic incident id")
	}
	if incidentID("degraded", 1767346800) == id {
		t.Error("Expected different id for a different alert type")
	}
}

func TestCooldownSuppresses(t *testing.T) {
	a := New(Config{Cooldown: time.Hour}, zap.NewNop())
	ctx := context.Background()

	if inc := a.TriggerAlert(ctx, "critical", []string{"x"}, testReport()); inc == nil {
		t.Fatal("Expected first alert to produce an incident")
	}
	if inc := a.TriggerAlert(ctx, "critical", []string{"x"}, testReport()); inc != nil {
		t.Error("Expected second alert of the same type to be suppressed")
	}
	if inc := a.TriggerAlert(ctx, "degraded", []string{"x"}, testReport()); inc == nil {
		t.Error("Expected a different alert type to pass the cooldown")
	}

	m := a.Metrics()
	if m.TotalAlerts != 3 || m.TotalSuppressed != 1 {
		t.Errorf("Unexpected metrics %+v", m)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
	}))
	defer server.Close()

	a := New(Config{
		WebhookURL:    server.URL,
		WebhookSecret: "s3cret",
		Cooldown:      time.Hour,
	}, zap.NewNop())
	defer a.Close()

	inc := a.TriggerAlert(context.Background(), "critical",
		[]string{"Node node-1: heartbeat timeout (300s ago)"}, testReport())
	if inc == nil {
		t.Fatal("Expected incident")
	}

	if !inc.WebhookSent {
		t.Error("Expected webhook_sent true")
	}
	if inc.WebhookResponseCode != 200 {
		t.Errorf("Expected response code 200, got %d", inc.WebhookResponseCode)
	}

	if gotHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("Unexpected content type %q", gotHeaders.Get("Content-Type"))
	}
	if gotHeaders.Get("X-Gateway-Event") != "alert" {
		t.Errorf("Unexpected event header %q", gotHeaders.Get("X-Gateway-Event"))
	}
	if gotHeaders.Get("X-Incident-ID") != inc.IncidentID {
		t.Errorf("Incident id header mismatch: %q vs %q", gotHeaders.Get("X-Incident-ID"), inc.IncidentID)
	}

	// The signature must verify against the body exactly as received.
	expected := "sha256=" + Sign("s3cret", gotBody)
	if gotHeaders.Get("X-Webhook-Signature") != expected {
		t.Errorf("Signature mismatch: %q vs %q", gotHeaders.Get("X-Webhook-Signature"), expected)
	}

	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["event"] != "gateway_alert" {
		t.Errorf("Unexpected event %v", payload["event"])
	}
	if _, ok := payload["incident"]; !ok {
		t.Error("Expected incident in the payload")
	}
	if _, ok := payload["health_report"]; !ok {
		t.Error("Expected health_report in the payload")
	}

	if m := a.Metrics(); m.TotalWebhooksSent != 1 {
		t.Errorf("Expected total_webhooks_sent 1, got %d", m.TotalWebhooksSent)
	}
}

func TestWebhookUnreachable(t *testing.T) {
	a := New(Config{
		WebhookURL: "http://127.0.0.1:1/webhook",
		Cooldown:   time.Hour,
	}, zap.NewNop())
	defer a.Close()

	inc := a.TriggerAlert(context.Background(), "critical", []string{"x"}, testReport())
	if inc == nil {
		t.Fatal("Expected incident despite webhook failure")
	}
	if inc.WebhookSent {
		t.Error("Expected webhook_sent false")
	}
	if m := a.Metrics(); m.TotalWebhookErrors != 1 {
		t.Errorf("Expected total_webhook_errors 1, got %d", m.TotalWebhookErrors)
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	payload := struct {
		Zebra  int            `json:"zebra"`
		Alpha  int            `json:"alpha"`
		Nested map[string]int `json:"nested"`
	}{1, 2, map[string]int{"b": 1, "a": 2}}

	raw, err := CanonicalJSON(payload)
	if err != nil {
		t.Fatal(err)
	}

	expected := `{"alpha":2,"nested":{"a":2,"b":1},"zebra":1}`
	if string(raw) != expected {
		t.Errorf("CanonicalJSON = %s, expected %s", raw, expected)
	}
}

func TestSign(t *testing.T) {
	// Known HMAC-SHA256 vector.
	got := Sign("key", []byte("The quick brown fox jumps over the lazy dog"))
	expected := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != expected {
		t.Errorf("Sign = %s, expected %s", got, expected)
	}
}

func TestIncidentsLimit(t *testing.T) {
	a := New(Config{Cooldown: time.Nanosecond}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if inc := a.TriggerAlert(ctx, "critical", []string{"x"}, testReport()); inc == nil {
			t.Fatal("Expected incident")
		}
		time.Sleep(time.Millisecond)
	}

	if got := a.Incidents(3); len(got) != 3 {
		t.Errorf("Expected 3 incidents, got %d", len(got))
	}
	if got := a.Incidents(0); len(got) != 5 {
		t.Errorf("Expected default limit to return all 5, got %d", len(got))
	}
}
