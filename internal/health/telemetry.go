package health

import (
	"sync"
	"time"
)

// RSSIUnknown is the sentinel an edge node reports before it has a signal
// reading. Never treated as a weak signal.
const RSSIUnknown = -127

// NodeTelemetry is the latest sample from one edge node.
type NodeTelemetry struct {
	NodeID       string `json:"node_id"`
	BatteryMV    int    `json:"battery_mv"`
	WifiRSSI     int    `json:"wifi_rssi"`
	WifiState    int    `json:"wifi_state"`
	Reconnects   int    `json:"reconnects"`
	WdtResets    int    `json:"wdt_resets"`
	StoredSMSIDs int    `json:"stored_sms_ids"`
	UptimeSec    int    `json:"uptime_sec"`
	HeapFree     int    `json:"heap_free"`
	LastSeen     int64  `json:"last_seen"`
}

// BatteryPercent estimates charge from voltage (3.0V = 0%, 4.2V = 100%).
func (n NodeTelemetry) BatteryPercent() int {
	if n.BatteryMV <= 3000 {
		return 0
	}
	if n.BatteryMV >= 4200 {
		return 100
	}
	return (n.BatteryMV - 3000) / 12
}

// TelemetryUpdate carries one ingress sample. Nil fields retain the
// node's prior values.
type TelemetryUpdate struct {
	NodeID       string `json:"node_id"`
	BatteryMV    *int   `json:"battery_mv"`
	WifiRSSI     *int   `json:"wifi_rssi"`
	WifiState    *int   `json:"wifi_state"`
	Reconnects   *int   `json:"reconnects"`
	WdtResets    *int   `json:"wdt_resets"`
	StoredSMSIDs *int   `json:"stored_sms_ids"`
	UptimeSec    *int   `json:"uptime_sec"`
	HeapFree     *int   `json:"heap_free"`
}

// Registry keeps the latest telemetry per node. Mutated by the telemetry
// ingress path, read by the evaluator; all access is serialized.
type Registry struct {
	mu    sync.Mutex
	nodes map[string]*NodeTelemetry

	onRegister func(nodeID string)
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*NodeTelemetry)}
}

// OnRegister installs a hook called once per newly seen node.
func (r *Registry) OnRegister(fn func(nodeID string)) {
	r.mu.Lock()
	r.onRegister = fn
	r.mu.Unlock()
}

// Update merges a sample into the node's record, auto-registering unseen
// nodes and refreshing last_seen.
func (r *Registry) Update(u TelemetryUpdate) {
	nodeID := u.NodeID
	if nodeID == "" {
		nodeID = "unknown"
	}

	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeTelemetry{NodeID: nodeID, WifiRSSI: RSSIUnknown}
		r.nodes[nodeID] = node
	}

	if u.BatteryMV != nil {
		node.BatteryMV = *u.BatteryMV
	}
	if u.WifiRSSI != nil {
		node.WifiRSSI = *u.WifiRSSI
	}
	if u.WifiState != nil {
		node.WifiState = *u.WifiState
	}
	if u.Reconnects != nil {
		node.Reconnects = *u.Reconnects
	}
	if u.WdtResets != nil {
		node.WdtResets = *u.WdtResets
	}
	if u.StoredSMSIDs != nil {
		node.StoredSMSIDs = *u.StoredSMSIDs
	}
	if u.UptimeSec != nil {
		node.UptimeSec = *u.UptimeSec
	}
	if u.HeapFree != nil {
		node.HeapFree = *u.HeapFree
	}
	node.LastSeen = time.Now().Unix()

	hook := r.onRegister
	r.mu.Unlock()

	if !ok && hook != nil {
		hook(nodeID)
	}
}

// Snapshot returns a copy of all node records for the evaluator.
func (r *Registry) Snapshot() map[string]NodeTelemetry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]NodeTelemetry, len(r.nodes))
	for id, node := range r.nodes {
		out[id] = *node
	}
	return out
}
