// Package telegram sends pipeline messages to the Telegram Bot API with
// client-side pacing and server-signalled backoff.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"otp-gateway/internal/bodycrypt"
	"otp-gateway/internal/messages"
	"otp-gateway/internal/observability"
)

// DefaultAPIBase is the Telegram Bot API endpoint. Overridable for tests.
const DefaultAPIBase = "https://api.telegram.org"

// The Bot API allows 30 messages per second to the same chat.
const minSendInterval = time.Second / 30

type Config struct {
	BotToken    string
	ChatID      string
	APIBase     string
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type Dispatcher struct {
	cfg     Config
	logger  *zap.Logger
	cipher  *bodycrypt.Cipher
	metrics *observability.Metrics

	clientOnce sync.Once
	client     *http.Client

	// pacing: lastSend is the reserved slot of the most recent send.
	mu       sync.Mutex
	lastSend time.Time

	totalSent        int64
	totalRateLimited int64
	totalErrors      int64
}

func New(cfg Config, cipher *bodycrypt.Cipher, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Dispatcher{cfg: cfg, cipher: cipher, metrics: metrics, logger: logger}
}

func (d *Dispatcher) Name() string {
	return "telegram"
}

// httpClient lazily builds the pooled client: 10 connections, 5 kept
// alive, 10s dial, 30s total per request.
func (d *Dispatcher) httpClient() *http.Client {
	d.clientOnce.Do(func() {
		d.client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				MaxConnsPerHost:     10,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	})
	return d.client
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type rateLimitResponse struct {
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Deliver posts the message to sendMessage. Returns false without touching
// the network when credentials are unconfigured; otherwise retries up to
// the attempt budget and reports exhaustion as an error.
func (d *Dispatcher) Deliver(ctx context.Context, msg *messages.Message) (bool, error) {
	if d.cfg.BotToken == "" || d.cfg.ChatID == "" {
		return false, nil
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:                d.cfg.ChatID,
		Text:                  d.formatMessage(msg),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return false, fmt.Errorf("telegram: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", d.cfg.APIBase, d.cfg.BotToken)

	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		if err := d.throttle(ctx); err != nil {
			return false, err
		}

		status, retryAfter, err := d.post(ctx, url, body)
		switch {
		case err != nil:
			atomic.AddInt64(&d.totalErrors, 1)
			d.logger.Error("telegram transport error",
				zap.String("sms_id", msg.SMSID),
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", d.cfg.MaxRetries),
				zap.Error(err))

		case status == http.StatusOK:
			atomic.AddInt64(&d.totalSent, 1)
			d.logger.Info("telegram delivered sms",
				zap.String("sms_id", msg.SMSID),
				zap.Int("attempt", attempt+1))
			return true, nil

		case status == http.StatusTooManyRequests:
			atomic.AddInt64(&d.totalRateLimited, 1)
			if d.metrics != nil {
				d.metrics.RateLimitedTotal.Inc()
			}
			backoff := d.backoff(attempt)
			if server := time.Duration(retryAfter) * time.Second; server > backoff {
				backoff = server
			}
			d.logger.Warn("telegram rate limited",
				zap.String("sms_id", msg.SMSID),
				zap.Duration("backoff", backoff),
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", d.cfg.MaxRetries))
			if !sleepCtx(ctx, backoff) {
				return false, ctx.Err()
			}
			continue

		default:
			atomic.AddInt64(&d.totalErrors, 1)
			d.logger.Error("telegram unexpected status",
				zap.String("sms_id", msg.SMSID),
				zap.Int("status", status),
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", d.cfg.MaxRetries))
		}

		if attempt < d.cfg.MaxRetries-1 {
			if !sleepCtx(ctx, d.backoff(attempt)) {
				return false, ctx.Err()
			}
		}
	}

	return false, fmt.Errorf("telegram: all %d attempts exhausted", d.cfg.MaxRetries)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (status, retryAfter int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var rl rateLimitResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&rl); decodeErr == nil {
			retryAfter = rl.Parameters.RetryAfter
		}
	}
	return resp.StatusCode, retryAfter, nil
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	backoff := d.cfg.BaseBackoff << uint(attempt)
	if backoff > d.cfg.MaxBackoff || backoff <= 0 {
		backoff = d.cfg.MaxBackoff
	}
	return backoff
}

// throttle reserves the next send slot so concurrent workers stay under
// the 30 req/s cap, then sleeps until the slot arrives.
func (d *Dispatcher) throttle(ctx context.Context) error {
	d.mu.Lock()
	now := time.Now()
	next := d.lastSend.Add(minSendInterval)
	if next.Before(now) {
		next = now
	}
	d.lastSend = next
	d.mu.Unlock()

	if wait := time.Until(next); wait > 0 {
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}
	return nil
}

// formatMessage decrypts the body in memory and renders the HTML template.
func (d *Dispatcher) formatMessage(msg *messages.Message) string {
	body := d.cipher.Decrypt(msg.Body)
	return fmt.Sprintf(
		"📱 <b>SMS Gateway Alert</b>\n\n"+
			"<b>From:</b> <code>%s</code>\n"+
			"<b>Time:</b> %s\n"+
			"<b>Node:</b> %s\n\n"+
			"<b>Message:</b>\n<code>%s</code>\n\n"+
			"<i>ID: %s</i>",
		html.EscapeString(msg.Sender),
		html.EscapeString(msg.Timestamp),
		html.EscapeString(msg.NodeID),
		html.EscapeString(body),
		html.EscapeString(msg.SMSID),
	)
}

// Close releases pooled connections. Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		d.client.CloseIdleConnections()
	}
}

type Metrics struct {
	TotalSent        int64 `json:"total_sent"`
	TotalRateLimited int64 `json:"total_rate_limited"`
	TotalErrors      int64 `json:"total_errors"`
}

func (d *Dispatcher) Metrics() Metrics {
	return Metrics{
		TotalSent:        atomic.LoadInt64(&d.totalSent),
		TotalRateLimited: atomic.LoadInt64(&d.totalRateLimited),
		TotalErrors:      atomic.LoadInt64(&d.totalErrors),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
