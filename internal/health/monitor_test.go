package health

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func defaultThresholds() Thresholds {
	return Thresholds{
		BatteryLowPercent: 20,
		SignalLowDBM:      -100,
		HeartbeatTimeout:  120 * time.Second,
	}
}

func newTestMonitor(registry *Registry, depth func() int, queueMax int) *Monitor {
	return NewMonitor(zap.NewNop(), registry, depth, queueMax, defaultThresholds(), time.Minute)
}

func addNode(r *Registry, id string, mutate func(*NodeTelemetry)) {
	node := &NodeTelemetry{
		NodeID:    id,
		BatteryMV: 4000,
		WifiRSSI:  -60,
		LastSeen:  time.Now().Unix(),
	}
	if mutate != nil {
		mutate(node)
	}
	r.mu.Lock()
	r.nodes[id] = node
	r.mu.Unlock()
}

func hasIssue(report Report, substr string) bool {
	for _, issue := range report.Issues {
		if strings.Contains(issue, substr) {
			return true
		}
	}
	return false
}

func TestBatteryPercent(t *testing.T) {
	tests := []struct {
		mv       int
		expected int
	}{
		{2900, 0},
		{3000, 0},
		{3240, 20},
		{3600, 50},
		{4200, 100},
		{4500, 100},
	}

	for _, tt := range tests {
		n := NodeTelemetry{BatteryMV: tt.mv}
		if got := n.BatteryPercent(); got != tt.expected {
			t.Errorf("BatteryPercent(%dmV) = %d, expected %d", tt.mv, got, tt.expected)
		}
	}
}

func TestEvaluateNoNodes(t *testing.T) {
	m := newTestMonitor(NewRegistry(), func() int { return 0 }, 100)

	report := m.Evaluate()
	if report.Status != StatusUnknown {
		t.Errorf("Expected unknown, got %s", report.Status)
	}
	if !hasIssue(report, "No edge nodes registered") {
		t.Errorf("Expected no-nodes issue, got %v", report.Issues)
	}
}

func TestEvaluateHealthy(t *testing.T) {
	r := NewRegistry()
	addNode(r, "node-1", nil)
	m := newTestMonitor(r, func() int { return 0 }, 100)

	report := m.Evaluate()
	if report.Status != StatusHealthy {
		t.Errorf("Expected healthy, got %s (%v)", report.Status, report.Issues)
	}
	if len(report.Issues) != 0 {
		t.Errorf("Expected no issues, got %v", report.Issues)
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	r := NewRegistry()
	addNode(r, "node-1", func(n *NodeTelemetry) {
		n.LastSeen = time.Now().Add(-5 * time.Minute).Unix()
	})
	m := newTestMonitor(r, func() int { return 0 }, 100)

	report := m.Evaluate()
	if report.Status != StatusCritical {
		t.Errorf("Expected critical, got %s", report.Status)
	}
	if !hasIssue(report, "heartbeat timeout") {
		t.Errorf("Expected heartbeat issue, got %v", report.Issues)
	}
}

func TestBatteryLow(t *testing.T) {
	r := NewRegistry()
	addNode(r, "node-1", func(n *NodeTelemetry) {
		n.BatteryMV = 3100 // 8%
	})
	m := newTestMonitor(r, func() int { return 0 }, 100)

	report := m.Evaluate()
	if report.Status != StatusDegraded {
		t.Errorf("Expected degraded, got %s", report.Status)
	}
	if !hasIssue(report, "battery low") {
		t.Errorf("Expected battery issue, got %v", report.Issues)
	}
}

func TestBatteryAtThresholdIsHealthy(t *testing.T) {
	r := NewRegistry()
	addNode(r, "node-1", func(n *NodeTelemetry) {
		n.BatteryMV = 3240 // exactly 20%, threshold comparison is strict
	})
	m := newTestMonitor(r, func() int { return 0 }, 100)

	if report := m.Evaluate(); report.Status != StatusHealthy {
		t.Errorf("Expected healthy at exactly the threshold, got %s (%v)", report.Status, report.Issues)
	}
}

func TestHeartbeatShadowsBattery(t *testing.T) {
	r := NewRegistry()
	addNode(r, "node-1", func(n *NodeTelemetry) {
		n.LastSeen = time.Now().Add(-5 * time.Minute).Unix()
		n.BatteryMV = 3100
	})
	m := newTestMonitor(r, func() int { return 0 }, 100)

	report := m.Evaluate()
	if !hasIssue(report, "heartbeat timeout") {
		t.Errorf("Expected heartbeat issue, got %v", report.Issues)
	}
	if hasIssue(report, "battery low") {
		t.Errorf("Battery check must not fire for an unreachable node, got %v", report.Issues)
	}
}

func TestSignalWeak(t *testing.T) {
	r := NewRegistry()
	addNode(r, "node-1", func(n *NodeTelemetry) {
		n.WifiRSSI = -110
	})
	m := newTestMonitor(r, func() int { return 0 }, 100)

	report := m.Evaluate()
	if report.Status != StatusDegraded {
		t.Errorf("Expected degraded, got %s", report.Status)
	}
	if !hasIssue(report, "signal weak") {
		t.Errorf("Expected signal issue, got %v", report.Issues)
	}
}

func TestRSSISentinelIgnored(t *testing.T) {
	r := NewRegistry()
	addNode(r, "node-1", func(n *NodeTelemetry) {
		n.WifiRSSI = RSSIUnknown
	})
	m := newTestMonitor(r, func() int { return 0 }, 100)

	if report := m.Evaluate(); hasIssue(report, "signal weak") {
		t.Errorf("Sentinel RSSI must not count as weak signal, got %v", report.Issues)
	}
}

func TestWatchdogResets(t *testing.T) {
	r := NewRegistry()
	addNode(r, "node-1", func(n *NodeTelemetry) {
		n.WdtResets = 6
	})
	m := newTestMonitor(r, func() int { return 0 }, 100)

	report := m.Evaluate()
	if report.Status != StatusDegraded {
		t.Errorf("Expected degraded, got %s", report.Status)
	}
	if !hasIssue(report, "watchdog resets") {
		t.Errorf("Expected watchdog issue, got %v", report.Issues)
	}
}

func TestQueueThresholds(t *testing.T) {
	tests := []struct {
		name     string
		depth    int
		expected Status
	}{
		{"empty", 0, StatusHealthy},
		{"at 70 percent", 70, StatusHealthy},
		{"above 70 percent", 71, StatusDegraded},
		{"at 90 percent", 90, StatusDegraded},
		{"above 90 percent", 91, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			addNode(r, "node-1", nil)
			m := newTestMonitor(r, func() int { return tt.depth }, 100)

			report := m.Evaluate()
			if report.Status != tt.expected {
				t.Errorf("depth %d: expected %s, got %s (%v)", tt.depth, tt.expected, report.Status, report.Issues)
			}
			if report.Queue.Depth != tt.depth {
				t.Errorf("Expected queue depth %d in report, got %d", tt.depth, report.Queue.Depth)
			}
		})
	}
}

func TestQueueUtilizationRounding(t *testing.T) {
	r := NewRegistry()
	addNode(r, "node-1", nil)
	m := newTestMonitor(r, func() int { return 1 }, 3)

	report := m.Evaluate()
	if report.Queue.UtilizationPercent != 33.3 {
		t.Errorf("Expected utilization 33.3, got %v", report.Queue.UtilizationPercent)
	}
}

func TestRegistryUpdateMergesFields(t *testing.T) {
	r := NewRegistry()

	mv := 3900
	r.Update(TelemetryUpdate{NodeID: "node-1", BatteryMV: &mv})

	rssi := -80
	r.Update(TelemetryUpdate{NodeID: "node-1", WifiRSSI: &rssi})

	snap := r.Snapshot()
	node, ok := snap["node-1"]
	if !ok {
		t.Fatal("Expected node registered")
	}
	if node.BatteryMV != 3900 {
		t.Errorf("Expected battery retained across updates, got %d", node.BatteryMV)
	}
	if node.WifiRSSI != -80 {
		t.Errorf("Expected rssi updated, got %d", node.WifiRSSI)
	}
	if node.LastSeen == 0 {
		t.Error("Expected last_seen stamped")
	}
}

func TestRegistryNewNodeStartsWithSentinelRSSI(t *testing.T) {
	r := NewRegistry()
	r.Update(TelemetryUpdate{NodeID: "node-1"})

	if got := r.Snapshot()["node-1"].WifiRSSI; got != RSSIUnknown {
		t.Errorf("Expected sentinel rssi %d, got %d", RSSIUnknown, got)
	}
}

func TestRegistryOnRegisterFiresOnce(t *testing.T) {
	r := NewRegistry()
	registered := 0
	r.OnRegister(func(string) { registered++ })

	r.Update(TelemetryUpdate{NodeID: "node-1"})
	r.Update(TelemetryUpdate{NodeID: "node-1"})

	if registered != 1 {
		t.Errorf("Expected one register callback, got %d", registered)
	}
}

func TestCheckFiresAlert(t *testing.T) {
	r := NewRegistry()
	addNode(r, "node-1", func(n *NodeTelemetry) {
		n.LastSeen = time.Now().Add(-5 * time.Minute).Unix()
	})
	m := newTestMonitor(r, func() int { return 0 }, 100)

	var gotType string
	var gotIssues []string
	m.OnAlert(func(alertType string, issues []string, report Report) {
		gotType = alertType
		gotIssues = issues
	})

	m.check()

	if gotType != "critical" {
		t.Errorf("Expected critical alert, got %q", gotType)
	}
	if len(gotIssues) == 0 {
		t.Error("Expected issues passed to the alert listener")
	}
}

func TestCheckSurvivesPanickingListener(t *testing.T) {
	r := NewRegistry()
	addNode(r, "node-1", func(n *NodeTelemetry) {
		n.LastSeen = time.Now().Add(-5 * time.Minute).Unix()
	})
	m := newTestMonitor(r, func() int { return 0 }, 100)
	m.OnAlert(func(string, []string, Report) { panic("listener bug") })

	m.check() // must not propagate
}

func TestStatusMarshalText(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusHealthy, "healthy"},
		{StatusDegraded, "degraded"},
		{StatusCritical, "critical"},
		{StatusUnknown, "unknown"},
	}

	for _, tt := range tests {
		raw, err := tt.status.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		if string(raw) != tt.expected {
			t.Errorf("MarshalText(%d) = %s, expected %s", tt.status, raw, tt.expected)
		}
	}
}
