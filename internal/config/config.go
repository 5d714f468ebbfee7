package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Telegram Bot
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN" default:""`
	TelegramChatID   string `envconfig:"TELEGRAM_CHAT_ID" default:""`

	// Redis (Dead Letter Office backend)
	RedisURL string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`

	// MQTT ingress broker. The bridge that feeds /api/sms/inbound runs as a
	// separate process; the options are parsed here so one env file serves both.
	MQTTBrokerHost     string `envconfig:"MQTT_BROKER_HOST" default:"localhost"`
	MQTTBrokerPort     int    `envconfig:"MQTT_BROKER_PORT" default:"1883"`
	MQTTTopicSMS       string `envconfig:"MQTT_TOPIC_SMS" default:"gateway/sms/inbound"`
	MQTTTopicTelemetry string `envconfig:"MQTT_TOPIC_TELEMETRY" default:"gateway/telemetry"`

	// n8n webhook (incident automation)
	N8NWebhookURL    string `envconfig:"N8N_WEBHOOK_URL" default:""`
	N8NWebhookSecret string `envconfig:"N8N_WEBHOOK_SECRET" default:""`

	// Email fallback
	SMTPHost       string `envconfig:"SMTP_HOST" default:"smtp.gmail.com"`
	SMTPPort       int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername   string `envconfig:"SMTP_USERNAME" default:""`
	SMTPPassword   string `envconfig:"SMTP_PASSWORD" default:""`
	EmailRecipient string `envconfig:"EMAIL_RECIPIENT" default:""`

	// Encryption
	FernetEncryptionKey string `envconfig:"FERNET_ENCRYPTION_KEY" default:""`

	// Queue & Processing
	QueueMaxSize        int `envconfig:"QUEUE_MAX_SIZE" default:"10000"`
	MaxRetryAttempts    int `envconfig:"MAX_RETRY_ATTEMPTS" default:"5"`
	DLOTTLHours         int `envconfig:"DLO_TTL_HOURS" default:"72"`
	ConsumerConcurrency int `envconfig:"CONSUMER_CONCURRENCY" default:"3"`

	// Health & Alerts
	HealthCheckIntervalSeconds int `envconfig:"HEALTH_CHECK_INTERVAL_SECONDS" default:"30"`
	BatteryLowThreshold        int `envconfig:"BATTERY_LOW_THRESHOLD" default:"20"`
	SignalLowThreshold         int `envconfig:"SIGNAL_LOW_THRESHOLD" default:"-100"`
	HeartbeatTimeoutSeconds    int `envconfig:"HEARTBEAT_TIMEOUT_SECONDS" default:"120"`
	AlertCooldownSeconds       int `envconfig:"ALERT_COOLDOWN_SECONDS" default:"300"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
