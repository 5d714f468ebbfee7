package health

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status severity is encoded explicitly: escalation compares ranks, never
// declaration order.
type Status int

const (
	StatusHealthy  Status = 0
	StatusDegraded Status = 1
	StatusCritical Status = 2
	StatusUnknown  Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type NodeReport struct {
	BatteryPercent int   `json:"battery_percent"`
	BatteryMV      int   `json:"battery_mv"`
	WifiRSSI       int   `json:"wifi_rssi"`
	UptimeSec      int   `json:"uptime_sec"`
	WdtResets      int   `json:"wdt_resets"`
	LastSeen       int64 `json:"last_seen"`
	LastSeenAgoSec int64 `json:"last_seen_ago_sec"`
	HeapFree       int   `json:"heap_free"`
}

type QueueReport struct {
	Depth              int     `json:"depth"`
	MaxSize            int     `json:"max_size"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

type Report struct {
	Status    Status                `json:"status"`
	Timestamp int64                 `json:"timestamp"`
	Issues    []string              `json:"issues"`
	Nodes     map[string]NodeReport `json:"nodes"`
	Queue     QueueReport           `json:"queue"`
}

type Thresholds struct {
	BatteryLowPercent int
	SignalLowDBM      int
	HeartbeatTimeout  time.Duration
}

// AlertFunc receives the status name, the issue list and the full report
// whenever an evaluation lands on degraded or critical.
type AlertFunc func(alertType string, issues []string, report Report)

// Monitor periodically classifies system state from edge-node telemetry
// and queue depth.
type Monitor struct {
	logger     *zap.Logger
	registry   *Registry
	queueDepth func() int
	queueMax   int
	thresholds Thresholds
	interval   time.Duration

	mu      sync.Mutex
	onAlert AlertFunc

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMonitor(logger *zap.Logger, registry *Registry, queueDepth func() int, queueMax int, thresholds Thresholds, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		logger:     logger,
		registry:   registry,
		queueDepth: queueDepth,
		queueMax:   queueMax,
		thresholds: thresholds,
		interval:   interval,
		stop:       make(chan struct{}),
	}
}

func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	m.onAlert = fn
	m.mu.Unlock()
}

// Evaluate computes the current health report. Status is the highest
// severity observed; Unknown only when no nodes are registered.
func (m *Monitor) Evaluate() Report {
	now := time.Now().Unix()
	nodes := m.registry.Snapshot()
	depth := m.queueDepth()

	status := StatusHealthy
	issues := make([]string, 0)
	nodeReports := make(map[string]NodeReport, len(nodes))

	escalate := func(to Status) {
		if to > status {
			status = to
		}
	}

	for id, node := range nodes {
		ago := now - node.LastSeen

		if ago > int64(m.thresholds.HeartbeatTimeout/time.Second) {
			issues = append(issues, fmt.Sprintf("Node %s: heartbeat timeout (%ds ago)", id, ago))
			escalate(StatusCritical)
		} else if node.BatteryPercent() < m.thresholds.BatteryLowPercent {
			issues = append(issues, fmt.Sprintf("Node %s: battery low (%d%%)", id, node.BatteryPercent()))
			escalate(StatusDegraded)
		}

		if node.WifiRSSI < m.thresholds.SignalLowDBM && node.WifiRSSI > RSSIUnknown {
			issues = append(issues, fmt.Sprintf("Node %s: signal weak (%d dBm)", id, node.WifiRSSI))
			escalate(StatusDegraded)
		}

		if node.WdtResets > 5 {
			issues = append(issues, fmt.Sprintf("Node %s: excessive watchdog resets (%d)", id, node.WdtResets))
			escalate(StatusDegraded)
		}

		nodeReports[id] = NodeReport{
			BatteryPercent: node.BatteryPercent(),
			BatteryMV:      node.BatteryMV,
			WifiRSSI:       node.WifiRSSI,
			UptimeSec:      node.UptimeSec,
			WdtResets:      node.WdtResets,
			LastSeen:       node.LastSeen,
			LastSeenAgoSec: ago,
			HeapFree:       node.HeapFree,
		}
	}

	utilization := 0.0
	if m.queueMax > 0 {
		ratio := float64(depth) / float64(m.queueMax)
		if ratio > 0.9 {
			issues = append(issues, fmt.Sprintf("Queue near capacity (%d/%d)", depth, m.queueMax))
			escalate(StatusCritical)
		} else if ratio > 0.7 {
			issues = append(issues, fmt.Sprintf("Queue elevated (%d/%d)", depth, m.queueMax))
			escalate(StatusDegraded)
		}
		utilization = math.Round(ratio*1000) / 10
	}

	if len(nodes) == 0 {
		status = StatusUnknown
		issues = append(issues, "No edge nodes registered")
	}

	return Report{
		Status:    status,
		Timestamp: now,
		Issues:    issues,
		Nodes:     nodeReports,
		Queue: QueueReport{
			Depth:              depth,
			MaxSize:            m.queueMax,
			UtilizationPercent: utilization,
		},
	}
}

// Start runs the periodic check loop. Panics inside an iteration are
// caught so the loop survives a misbehaving alert listener.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("health monitor started", zap.Duration("interval", m.interval))
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check panic", zap.Any("panic", r))
		}
	}()

	report := m.Evaluate()
	if report.Status != StatusDegraded && report.Status != StatusCritical {
		return
	}

	m.mu.Lock()
	onAlert := m.onAlert
	m.mu.Unlock()
	if onAlert != nil {
		onAlert(report.Status.String(), report.Issues, report)
	}
}
