// Package config loads process configuration from the environment. A local
// .env file, when present, is read first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/carrental/internal/reservation/domain"
)

// Config captures every tunable of the reservation service, the gateway and
// rentalctl. Empty PostgresDSN selects the in-memory repository.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	PostgresDSN string
	RedisAddr   string
	NATSURL     string
	EventsTopic string

	HoldDefaultTTL time.Duration
	HoldMaxTTL     time.Duration

	RetryMaxAttempts int
	RetryBackoff     time.Duration
	BreakerFailures  int
	BreakerTimeout   time.Duration

	SweepInterval time.Duration
	SweepBatch    int

	OutboxPoll  time.Duration
	OutboxBatch int
	OutboxRetry int

	IdempotencyTTL time.Duration
	RunMigrations  bool

	Gateway  GatewayConfig
	Settings domain.Settings
}

// GatewayConfig holds the api gateway's own knobs.
type GatewayConfig struct {
	Addr            string
	UpstreamURL     string
	JWTSecret       string
	ReadRate        float64
	ReadBurst       float64
	WriteRate       float64
	WriteBurst      float64
	UpstreamTimeout time.Duration
}

func defaults() Config {
	return Config{
		HTTPAddr:         ":8080",
		ShutdownTimeout:  10 * time.Second,
		LogLevel:         "info",
		EventsTopic:      "rental.events",
		HoldDefaultTTL:   15 * time.Minute,
		HoldMaxTTL:       time.Hour,
		RetryMaxAttempts: 3,
		RetryBackoff:     50 * time.Millisecond,
		BreakerFailures:  5,
		BreakerTimeout:   10 * time.Second,
		SweepInterval:    30 * time.Second,
		SweepBatch:       500,
		OutboxPoll:       200 * time.Millisecond,
		OutboxBatch:      100,
		OutboxRetry:      3,
		IdempotencyTTL:   24 * time.Hour,
		Gateway: GatewayConfig{
			Addr:            ":8088",
			UpstreamURL:     "http://localhost:8080",
			ReadRate:        50,
			ReadBurst:       100,
			WriteRate:       10,
			WriteBurst:      20,
			UpstreamTimeout: 10 * time.Second,
		},
		Settings: domain.Settings{Currency: "USD"},
	}
}

// Load reads the environment over the defaults. Every malformed variable is
// reported, not just the first.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	var errs []error

	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setDuration(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.PostgresDSN = firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))
	setString(&cfg.EventsTopic, "EVENTS_TOPIC")

	setDuration(&cfg.HoldDefaultTTL, "HOLD_DEFAULT_TTL", &errs)
	setDuration(&cfg.HoldMaxTTL, "HOLD_MAX_TTL", &errs)

	setInt(&cfg.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS", &errs)
	setDuration(&cfg.RetryBackoff, "RETRY_BACKOFF", &errs)
	setInt(&cfg.BreakerFailures, "BREAKER_FAILURES", &errs)
	setDuration(&cfg.BreakerTimeout, "BREAKER_TIMEOUT", &errs)

	setDuration(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setInt(&cfg.SweepBatch, "SWEEP_BATCH", &errs)

	setDuration(&cfg.OutboxPoll, "OUTBOX_POLL", &errs)
	setInt(&cfg.OutboxBatch, "OUTBOX_BATCH", &errs)
	setInt(&cfg.OutboxRetry, "OUTBOX_RETRY_MAX", &errs)

	setDuration(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", &errs)
	setBool(&cfg.RunMigrations, "MIGRATE", &errs)

	setString(&cfg.Gateway.Addr, "GATEWAY_ADDR")
	setString(&cfg.Gateway.UpstreamURL, "RESERVATION_SERVICE_URL")
	cfg.Gateway.JWTSecret = os.Getenv("JWT_SECRET")
	setFloat(&cfg.Gateway.ReadRate, "RATE_READ_RPS", &errs)
	setFloat(&cfg.Gateway.ReadBurst, "RATE_READ_BURST", &errs)
	setFloat(&cfg.Gateway.WriteRate, "RATE_WRITE_RPS", &errs)
	setFloat(&cfg.Gateway.WriteBurst, "RATE_WRITE_BURST", &errs)
	setDuration(&cfg.Gateway.UpstreamTimeout, "GATEWAY_UPSTREAM_TIMEOUT", &errs)

	if v := strings.TrimSpace(os.Getenv("CURRENCY")); v != "" {
		cfg.Settings.Currency = strings.ToUpper(v)
	}
	setBool(&cfg.Settings.MaintenanceMode, "MAINTENANCE_MODE", &errs)

	if cfg.HoldDefaultTTL <= 0 {
		errs = append(errs, errors.New("HOLD_DEFAULT_TTL must be > 0"))
	}
	if cfg.HoldMaxTTL < cfg.HoldDefaultTTL {
		errs = append(errs, errors.New("HOLD_MAX_TTL must be >= HOLD_DEFAULT_TTL"))
	}
	if cfg.RetryMaxAttempts <= 0 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.BreakerFailures <= 0 {
		errs = append(errs, errors.New("BREAKER_FAILURES must be > 0"))
	}
	if cfg.SweepInterval < 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must not be negative"))
	}
	if len(cfg.Settings.Currency) != 3 {
		errs = append(errs, fmt.Errorf("CURRENCY must be an ISO 4217 code, got %q", cfg.Settings.Currency))
	}

	return cfg, errors.Join(errs...)
}

func setDuration(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setInt(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setFloat(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setBool(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setString(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
