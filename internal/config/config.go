package config

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	// Server
	ServerPort int `envconfig:"SERVER_PORT" default:"8006"`

	// Database
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"geofy"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"geofy"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// External imagery tool
	GEHIBinary string `envconfig:"GEHI_BINARY" default:"/usr/local/bin/gehistoricalimagery"`

	// Working files
	TempStoragePath string `envconfig:"TEMP_STORAGE_PATH" default:"./storage/temp"`

	// Supported capture window
	YearMin int `envconfig:"IMAGERY_YEAR_MIN" default:"2018"`
	YearMax int `envconfig:"IMAGERY_YEAR_MAX" default:"2025"`

	// Media host
	CloudinaryCloudName string `envconfig:"CLOUDINARY_CLOUD_NAME"`
	CloudinaryAPIKey    string `envconfig:"CLOUDINARY_API_KEY"`
	CloudinaryAPISecret string `envconfig:"CLOUDINARY_API_SECRET"`

	// Change analysis
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`

	// Webhooks
	WebhookSigningSecret      string `envconfig:"WEBHOOK_SIGNING_SECRET"`
	WebhookTimeoutSeconds     int    `envconfig:"WEBHOOK_REQUEST_TIMEOUT_SECONDS" default:"30"`
	WebhookMaxAttempts        int    `envconfig:"WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookBackoffBaseSeconds int    `envconfig:"WEBHOOK_BACKOFF_BASE_SECONDS" default:"2"`
	WebhookUserAgent          string `envconfig:"WEBHOOK_USER_AGENT" default:"Geofy-Imagery-API/1.0 (+https://geofy.example)"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may come from the shell instead; a missing .env is fine.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.GEHIBinary == "" {
		return fmt.Errorf("%w: GEHI_BINARY", ErrMissingRequired)
	}
	if c.YearMin > c.YearMax {
		return fmt.Errorf("IMAGERY_YEAR_MIN %d exceeds IMAGERY_YEAR_MAX %d", c.YearMin, c.YearMax)
	}
	return nil
}
