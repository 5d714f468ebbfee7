package messages

import (
	"time"
)

// RedactedBody replaces the message body in every externally visible
// serialization. The real body leaves the process only toward a delivery
// channel or the dead letter store.
const RedactedBody = "[ENCRYPTED]"

type Status string

const (
	StatusQueued       Status = "queued"
	StatusProcessing   Status = "processing"
	StatusDelivered    Status = "delivered"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Priority orders messages in the queue. Lower value dequeues first.
type Priority int

const (
	PriorityHigh   Priority = 0 // OTP messages, time-sensitive
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2 // telemetry / system messages
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps an ingress priority string. Unknown values map to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Message is an SMS in flight through the delivery pipeline. Body holds
// ciphertext and carries `json:"-"` so no marshal path can leak it; the
// dead letter store converts to a DeadLetter explicitly when it must
// persist the body.
type Message struct {
	SMSID      string   `json:"sms_id"`
	Sender     string   `json:"sender"`
	Body       string   `json:"-"`
	Timestamp  string   `json:"timestamp"`
	NodeID     string   `json:"node_id"`
	Status     Status   `json:"status"`
	RetryCount int      `json:"retry_count"`
	MaxRetries int      `json:"max_retries"`
	CreatedAt  int64    `json:"created_at"`
	LastError  string   `json:"last_error,omitempty"`
	Priority   Priority `json:"priority"`
}

// NewMessage stamps defaults for a freshly accepted message.
func NewMessage(smsID, sender, body, timestamp, nodeID string, maxRetries int, priority Priority) *Message {
	if timestamp == "" {
		timestamp = time.Now().Format("2006-01-02 15:04:05")
	}
	return &Message{
		SMSID:      smsID,
		Sender:     sender,
		Body:       body,
		Timestamp:  timestamp,
		NodeID:     nodeID,
		Status:     StatusQueued,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().Unix(),
		Priority:   priority,
	}
}

func (m *Message) Retriable() bool {
	return m.RetryCount < m.MaxRetries
}

// DeadLetter is a message that exhausted its delivery retries. The body
// stays in the record (still ciphertext) so a manual retry can re-inject
// it; Redacted must be applied before any external serialization.
type DeadLetter struct {
	SMSID            string `json:"sms_id"`
	Sender           string `json:"sender"`
	Body             string `json:"body"`
	Timestamp        string `json:"timestamp"`
	NodeID           string `json:"node_id"`
	RetryCount       int    `json:"retry_count"`
	LastError        string `json:"last_error"`
	DeadLetteredAt   int64  `json:"dead_lettered_at"`
	ManualRetryCount int    `json:"manual_retry_count"`
}

// NewDeadLetter captures the message state at the moment of dead-lettering.
func NewDeadLetter(m *Message) DeadLetter {
	return DeadLetter{
		SMSID:          m.SMSID,
		Sender:         m.Sender,
		Body:           m.Body,
		Timestamp:      m.Timestamp,
		NodeID:         m.NodeID,
		RetryCount:     m.RetryCount,
		LastError:      m.LastError,
		DeadLetteredAt: time.Now().Unix(),
	}
}

// Redacted returns a copy safe for logs and API responses.
func (d DeadLetter) Redacted() DeadLetter {
	d.Body = RedactedBody
	return d
}

// Reinject builds a fresh pipeline message from a dead letter for a
// manual retry. Retries reset to zero.
func (d DeadLetter) Reinject(maxRetries int) *Message {
	return &Message{
		SMSID:      d.SMSID,
		Sender:     d.Sender,
		Body:       d.Body,
		Timestamp:  d.Timestamp,
		NodeID:     d.NodeID,
		Status:     StatusQueued,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().Unix(),
		Priority:   PriorityNormal,
	}
}
