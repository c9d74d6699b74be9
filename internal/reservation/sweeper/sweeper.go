// Package sweeper removes expired holds in the background.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/carrental/internal/reservation/domain"
)

var (
	holdsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservation_holds_swept_total",
		Help: "Total number of expired holds removed by the sweeper.",
	})
	sweepFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservation_sweep_fail_total",
		Help: "Total number of failed sweep passes.",
	})
)

// Config defines tunables for the sweeper.
type Config struct {
	// Interval between passes in Run. Zero disables the loop.
	Interval  time.Duration
	BatchSize int
}

// Sweeper deletes holds whose expiry has passed. Several sweepers may run at
// once, against each other and against in-flight commits: a hold locked by a
// commit is skipped, and a hold is only ever deleted once.
type Sweeper struct {
	repo   domain.Repository
	events domain.EventPublisher
	clock  domain.Clock
	logger *zap.Logger
	cfg    Config
	tracer trace.Tracer
}

func New(repo domain.Repository, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger, cfg Config) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Sweeper{
		repo:   repo,
		events: events,
		clock:  clock,
		logger: logger.Named("sweeper"),
		cfg:    cfg,
		tracer: otel.Tracer("reservation.sweeper"),
	}
}

// SweepExpired removes every hold expired at the time of the call and returns
// how many it removed.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "sweeper.pass")
	defer span.End()

	now := s.clock.Now()
	total := 0
	for {
		n, err := s.sweepBatch(ctx, now)
		total += n
		if err != nil {
			span.RecordError(err)
			return total, err
		}
		if n < s.cfg.BatchSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("holds.swept", total))
	if total > 0 {
		holdsSweptTotal.Add(float64(total))
		s.logger.Info("expired holds swept", zap.Int("count", total))
	}
	return total, nil
}

func (s *Sweeper) sweepBatch(ctx context.Context, now time.Time) (int, error) {
	var removed []domain.Hold
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		removed, err = s.repo.DeleteExpiredHolds(ctx, now, s.cfg.BatchSize)
		if err != nil || s.events == nil {
			return err
		}
		for vehicleID, ids := range groupByVehicle(removed) {
			if err := s.events.Publish(ctx, domain.ReservationEvent{
				Type:      domain.EventHoldsExpired,
				VehicleID: vehicleID,
				Payload:   map[string]any{"hold_ids": ids, "count": len(ids)},
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(removed), nil
}

func groupByVehicle(holds []domain.Hold) map[uuid.UUID][]string {
	out := make(map[uuid.UUID][]string)
	for _, h := range holds {
		out[h.VehicleID] = append(out[h.VehicleID], h.ID.String())
	}
	return out
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		s.logger.Info("sweeper disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
			sweepFailTotal.Inc()
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
