package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Secrets
	// ----------------------------
	// SecretKey is the hex-encoded 32-byte key used to open stored SMTP
	// passwords.
	SecretKey string `envconfig:"SECRET_KEY" required:"true"`

	// ----------------------------
	// Dispatch
	// ----------------------------
	SendIntervalMS      int           `envconfig:"SEND_INTERVAL_MS" default:"400"`
	LockStaleAfter      time.Duration `envconfig:"LOCK_STALE_AFTER" default:"30m"`
	SendRetryMaxElapsed time.Duration `envconfig:"SEND_RETRY_MAX_ELAPSED" default:"5s"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	// DatabaseURL is optional; without it the server runs on the in-memory
	// store, which is only useful for development.
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}

// SendInterval returns the inter-send throttle as a duration.
func (c *Config) SendInterval() time.Duration {
	return time.Duration(c.SendIntervalMS) * time.Millisecond
}
