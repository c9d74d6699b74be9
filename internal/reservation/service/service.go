package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/carrental/internal/reservation/domain"
)

// Config carries the tunables of the reservation service.
type Config struct {
	DefaultHoldTTL time.Duration
	MaxHoldTTL     time.Duration

	// RetryMaxAttempts bounds attempts of one operation when storage is
	// unavailable; RetryBackoff is the first wait and doubles per attempt.
	RetryMaxAttempts int
	RetryBackoff     time.Duration

	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Settings domain.Settings
}

func (c Config) withDefaults() Config {
	if c.DefaultHoldTTL <= 0 {
		c.DefaultHoldTTL = 15 * time.Minute
	}
	if c.MaxHoldTTL <= 0 {
		c.MaxHoldTTL = time.Hour
	}
	if c.MaxHoldTTL < c.DefaultHoldTTL {
		c.MaxHoldTTL = c.DefaultHoldTTL
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 10 * time.Second
	}
	if c.Settings.Currency == "" {
		c.Settings.Currency = "USD"
	}
	return c
}

// Service coordinates holds, bookings and the conflict checks between them.
type Service struct {
	repo    domain.Repository
	events  domain.EventPublisher
	clock   domain.Clock
	idem    domain.IdempotencyRepository
	logger  *zap.Logger
	cfg     Config
	breaker *gobreaker.CircuitBreaker[struct{}]
	tracer  trace.Tracer
}

// New constructs a Service with the required collaborators. events, idem and
// logger may be nil.
func New(repo domain.Repository, events domain.EventPublisher, clock domain.Clock, idem domain.IdempotencyRepository, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if events == nil {
		events = noopPublisher{}
	}
	cfg = cfg.withDefaults()
	logger = logger.Named("reservation")

	s := &Service{
		repo:   repo,
		events: events,
		clock:  clock,
		idem:   idem,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("reservation.service"),
	}
	s.breaker = newBreaker(cfg, logger)
	return s
}

// Settings returns the operator settings in effect.
func (s *Service) Settings() domain.Settings {
	return s.cfg.Settings
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.ReservationEvent) error { return nil }

// idempotencyKey scopes a client key to the operation and the caller, so two
// customers reusing the same key never see each other's responses.
func idempotencyKey(op string, customerID uuid.UUID, key string) string {
	if key == "" {
		return ""
	}
	return op + ":" + customerID.String() + ":" + key
}

// idempotentEntry stores the response with a fingerprint of the request that
// produced it.
type idempotentEntry struct {
	Request  string          `json:"request"`
	Response json.RawMessage `json:"response"`
}

var errKeyReused = &domain.ValidationError{Field: "idempotency_key", Reason: "already used for a different request"}

// cached loads the response stored under key into out. A key stored for a
// different request is a ValidationError.
func (s *Service) cached(ctx context.Context, key, request string, out any) (bool, error) {
	if key == "" || s.idem == nil {
		return false, nil
	}
	payload, ok, err := s.idem.GetResponse(ctx, key)
	if err != nil {
		s.logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	if !ok {
		return false, nil
	}
	var entry idempotentEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		s.logger.Warn("idempotency payload unreadable", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	if entry.Request != request {
		return false, errKeyReused
	}
	if err := json.Unmarshal(entry.Response, out); err != nil {
		s.logger.Warn("idempotency payload unreadable", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (s *Service) remember(ctx context.Context, key, request string, v any) {
	if key == "" || s.idem == nil {
		return
	}
	response, err := json.Marshal(v)
	if err != nil {
		return
	}
	payload, err := json.Marshal(idempotentEntry{Request: request, Response: response})
	if err != nil {
		return
	}
	if err := s.idem.PutResponse(ctx, key, payload); err != nil {
		s.logger.Warn("idempotency store failed", zap.String("key", key), zap.Error(err))
	}
}
