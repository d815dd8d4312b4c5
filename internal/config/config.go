package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@priomail.local"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount int           `envconfig:"WORKER_COUNT" default:"1"`
	RateLimit   int           `envconfig:"RATE_LIMIT" default:"10"`
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	BackoffUnit time.Duration `envconfig:"BACKOFF_UNIT" default:"1s"`
	SendTimeout time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	PollTimeout time.Duration `envconfig:"POLL_TIMEOUT" default:"1s"`

	// ----------------------------
	// Status persistence
	// ----------------------------
	StoreBackend     string        `envconfig:"STORE_BACKEND" default:"file"`
	StatusFile       string        `envconfig:"STATUS_FILE" default:"data/email_statuses.json"`
	SnapshotInterval time.Duration `envconfig:"SNAPSHOT_INTERVAL" default:"60s"`
	DatabaseURL      string        `envconfig:"DATABASE_URL" default:""`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
