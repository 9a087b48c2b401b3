package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// CORS configuration
	CORS CORSConfig

	// Payment processor configuration
	Payment PaymentConfig

	// Booking policy configuration
	Booking BookingConfig

	// Background job schedules
	Jobs JobsConfig

	// Event publishing configuration
	Messaging MessagingConfig

	// Tracing configuration
	Tracing TracingConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"` // development, staging, production
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`          // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string        `envconfig:"DATABASE_URL"`
	Driver             string        `envconfig:"DATABASE_DRIVER" default:"pgx"` // pgx or postgres (lib/pq)
	MaxConnections     int           `envconfig:"DATABASE_MAX_CONNECTIONS" default:"10"`
	MaxIdleConnections int           `envconfig:"DATABASE_MAX_IDLE_CONNECTIONS" default:"5"`
	ConnMaxLifetime    time.Duration `envconfig:"DATABASE_CONN_MAX_LIFETIME" default:"5m"`
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret            string        `envconfig:"JWT_SECRET"`
	Issuer            string        `envconfig:"JWT_ISSUER" default:"tsh-booking"`
	AccessTokenExpiry time.Duration `envconfig:"JWT_ACCESS_TOKEN_EXPIRY" default:"1h"`
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	AllowedMethods []string `envconfig:"CORS_ALLOWED_METHODS" default:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders []string `envconfig:"CORS_ALLOWED_HEADERS" default:"Content-Type,Authorization"`
}

// PaymentConfig holds the payment processor credentials
type PaymentConfig struct {
	BaseURL       string        `envconfig:"PAYMENT_API_BASE_URL" default:"https://api.stripe.com/v1"`
	SecretKey     string        `envconfig:"PAYMENT_SECRET_KEY"`     // SECRET - never expose to client
	WebhookSecret string        `envconfig:"PAYMENT_WEBHOOK_SECRET"` // HMAC key for webhook signatures
	Currency      string        `envconfig:"PAYMENT_CURRENCY" default:"dkk"`
	Timeout       time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"30s"`
}

// BookingConfig holds the venue's timeline policy
type BookingConfig struct {
	Timezone        string        `envconfig:"BOOKING_TIMEZONE" default:"UTC"`
	OpeningHour     int           `envconfig:"BOOKING_OPENING_HOUR" default:"9"`
	ClosingHour     int           `envconfig:"BOOKING_CLOSING_HOUR" default:"22"`
	BufferMinutes   int           `envconfig:"BOOKING_BUFFER_MINUTES" default:"30"`
	PendingTTL      time.Duration `envconfig:"BOOKING_PENDING_TTL" default:"30m"`
	OperationBudget time.Duration `envconfig:"BOOKING_OPERATION_TIMEOUT" default:"20s"`
}

// JobsConfig holds cron schedules (seconds precision)
type JobsConfig struct {
	Enabled          bool   `envconfig:"JOBS_ENABLED" default:"true"`
	PendingSweepSpec string `envconfig:"JOBS_PENDING_SWEEP" default:"0 * * * * *"`
	QuotaResetSpec   string `envconfig:"JOBS_QUOTA_RESET" default:"0 0 0 1 * *"`
}

// MessagingConfig holds RabbitMQ settings. An empty URL disables publishing.
type MessagingConfig struct {
	RabbitMQURL string `envconfig:"RABBITMQ_URL"`
	Exchange    string `envconfig:"RABBITMQ_EXCHANGE" default:"booking.events"`
}

// TracingConfig holds OpenTelemetry settings. An empty endpoint disables tracing.
type TracingConfig struct {
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `envconfig:"OTEL_SERVICE_NAME" default:"tsh-booking"`
}

// Location resolves the business timezone
func (b BookingConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid BOOKING_TIMEZONE %q: %w", b.Timezone, err)
	}
	return loc, nil
}

// BufferDuration returns the buffer length as a duration
func (b BookingConfig) BufferDuration() time.Duration {
	return time.Duration(b.BufferMinutes) * time.Minute
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config, err := FromEnv()
	if err != nil {
		return nil, err
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// FromEnv populates the configuration from the process environment without validating it
func FromEnv() (*Config, error) {
	config := &Config{}
	if err := envconfig.Process("", config); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Database.Driver != "pgx" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid DATABASE_DRIVER: %s (must be 'pgx' or 'postgres')", c.Database.Driver)
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Server.Environment == "production" {
		if c.Payment.SecretKey == "" {
			return fmt.Errorf("PAYMENT_SECRET_KEY is required in production")
		}
		if c.Payment.WebhookSecret == "" {
			return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required in production")
		}
	}

	if c.Booking.OpeningHour < 0 || c.Booking.ClosingHour > 24 || c.Booking.OpeningHour >= c.Booking.ClosingHour {
		return fmt.Errorf("invalid business hours: %d-%d", c.Booking.OpeningHour, c.Booking.ClosingHour)
	}

	if c.Booking.BufferMinutes <= 0 {
		return fmt.Errorf("BOOKING_BUFFER_MINUTES must be positive")
	}

	if _, err := c.Booking.Location(); err != nil {
		return err
	}

	return nil
}
