// Package email is the fallback delivery channel: the message body is
// surfaced to the configured recipient over SMTP when the primary channel
// is unavailable. The body still never reaches a log line.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"sync/atomic"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"otp-gateway/internal/bodycrypt"
	"otp-gateway/internal/messages"
)

const maxAttempts = 3

type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	Recipient string
}

// submitFunc hands a fully built RFC 5322 message to an SMTP submission
// path. Swappable in tests.
type submitFunc func(ctx context.Context, cfg Config, from string, to []string, r io.Reader) error

type Dispatcher struct {
	cfg    Config
	logger *zap.Logger
	cipher *bodycrypt.Cipher
	submit submitFunc

	totalSent   int64
	totalErrors int64
}

func New(cfg Config, cipher *bodycrypt.Cipher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		cipher: cipher,
		logger: logger,
		submit: submitSTARTTLS,
	}
}

func (d *Dispatcher) Name() string {
	return "email"
}

func (d *Dispatcher) configured() bool {
	return d.cfg.Host != "" && d.cfg.Username != "" && d.cfg.Password != "" && d.cfg.Recipient != ""
}

// Deliver attempts the SMTP submission up to three times with exponential
// sleeps between tries. Returns false immediately when unconfigured.
func (d *Dispatcher) Deliver(ctx context.Context, msg *messages.Message) (bool, error) {
	if !d.configured() {
		return false, nil
	}

	raw, err := d.buildMail(msg)
	if err != nil {
		return false, fmt.Errorf("email: build message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := d.submit(ctx, d.cfg, d.cfg.Username, []string{d.cfg.Recipient}, bytes.NewReader(raw))
		if err == nil {
			atomic.AddInt64(&d.totalSent, 1)
			d.logger.Info("email delivered sms",
				zap.String("sms_id", msg.SMSID),
				zap.Int("attempt", attempt+1))
			return true, nil
		}

		lastErr = err
		atomic.AddInt64(&d.totalErrors, 1)
		d.logger.Error("email delivery failed",
			zap.String("sms_id", msg.SMSID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err))

		if attempt < maxAttempts-1 {
			sleep := time.Duration(1<<uint(attempt)) * time.Second
			timer := time.NewTimer(sleep)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return false, ctx.Err()
			}
		}
	}

	return false, fmt.Errorf("email: %d attempts exhausted: %w", maxAttempts, lastErr)
}

// buildMail renders a multipart/alternative message with plain and HTML
// parts. The body is decrypted in memory here, at the delivery act.
func (d *Dispatcher) buildMail(msg *messages.Message) ([]byte, error) {
	body := d.cipher.Decrypt(msg.Body)

	var buf bytes.Buffer
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(fmt.Sprintf("📱 SMS Gateway: Message from %s", msg.Sender))
	h.SetAddressList("From", []*mail.Address{{Address: d.cfg.Username}})
	h.SetAddressList("To", []*mail.Address{{Address: d.cfg.Recipient}})

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}

	var plainHeader mail.InlineHeader
	plainHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(plainHeader)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(pw,
		"SMS Gateway Notification\n\nFrom: %s\nTime: %s\nNode: %s\n\nMessage:\n%s\n\nSMS ID: %s\n",
		msg.Sender, msg.Timestamp, msg.NodeID, body, msg.SMSID)
	pw.Close()

	var htmlHeader mail.InlineHeader
	htmlHeader.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	hw, err := iw.CreatePart(htmlHeader)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(hw,
		"<html><body><h2>📱 SMS Gateway Alert</h2>"+
			"<table><tr><td><b>From:</b></td><td><code>%s</code></td></tr>"+
			"<tr><td><b>Time:</b></td><td>%s</td></tr>"+
			"<tr><td><b>Node:</b></td><td>%s</td></tr></table>"+
			"<blockquote style=\"white-space: pre-wrap;\">%s</blockquote>"+
			"<p style=\"color: #6c757d; font-size: 12px;\">ID: %s</p>"+
			"</body></html>",
		html.EscapeString(msg.Sender),
		html.EscapeString(msg.Timestamp),
		html.EscapeString(msg.NodeID),
		html.EscapeString(body),
		html.EscapeString(msg.SMSID))
	hw.Close()

	iw.Close()
	mw.Close()
	return buf.Bytes(), nil
}

// submitSTARTTLS performs the real submission: STARTTLS, SASL PLAIN, one
// message, quit.
func submitSTARTTLS(_ context.Context, cfg Config, from string, to []string, r io.Reader) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c, err := smtp.DialStartTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer c.Close()

	if err := c.Auth(sasl.NewPlainClient("", cfg.Username, cfg.Password)); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.SendMail(from, to, r); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return c.Quit()
}

type Metrics struct {
	TotalSent   int64 `json:"total_sent"`
	TotalErrors int64 `json:"total_errors"`
}

func (d *Dispatcher) Metrics() Metrics {
	return Metrics{
		TotalSent:   atomic.LoadInt64(&d.totalSent),
		TotalErrors: atomic.LoadInt64(&d.totalErrors),
	}
}
