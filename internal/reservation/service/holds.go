package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/carrental/internal/reservation/domain"
)

// CreateHoldRequest asks for a vehicle to be held for a date range.
type CreateHoldRequest struct {
	VehicleID  uuid.UUID
	CustomerID uuid.UUID
	Range      domain.DateRange
	// TTL <= 0 selects the configured default.
	TTL time.Duration
}

func (r CreateHoldRequest) validate() error {
	if r.VehicleID == uuid.Nil {
		return &domain.ValidationError{Field: "vehicle_id", Reason: "required"}
	}
	if r.CustomerID == uuid.Nil {
		return &domain.ValidationError{Field: "customer_id", Reason: "required"}
	}
	return r.Range.Validate()
}

func (r CreateHoldRequest) fingerprint() string {
	return fmt.Sprintf("%s|%s|%d", r.VehicleID, r.Range, r.TTL)
}

func (s *Service) holdTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.cfg.DefaultHoldTTL
	}
	if ttl > s.cfg.MaxHoldTTL {
		return s.cfg.MaxHoldTTL
	}
	return ttl
}

// CreateHold places a provisional hold on the vehicle. The vehicle row is
// locked for the duration of the check and insert, so two overlapping requests
// for the same vehicle can never both succeed.
func (s *Service) CreateHold(ctx context.Context, key string, req CreateHoldRequest) (domain.Hold, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.CreateHold")
	defer span.End()
	span.SetAttributes(attribute.String("vehicle_id", req.VehicleID.String()))

	if s.cfg.Settings.MaintenanceMode {
		return domain.Hold{}, domain.ErrMaintenanceMode
	}
	if err := req.validate(); err != nil {
		return domain.Hold{}, err
	}
	key = idempotencyKey("hold", req.CustomerID, key)
	fingerprint := req.fingerprint()
	var hold domain.Hold
	if ok, err := s.cached(ctx, key, fingerprint, &hold); err != nil {
		return domain.Hold{}, err
	} else if ok {
		// The hold may have been released, committed or expired since.
		return s.GetHold(ctx, hold.ID)
	}

	ttl := s.holdTTL(req.TTL)
	err := s.run(ctx, "create_hold", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context) error {
			if _, err := s.repo.LockVehicle(ctx, req.VehicleID); err != nil {
				return err
			}
			now := s.clock.Now()
			// Expired rows still occupy the exclusion constraint until removed.
			if _, err := s.repo.DeleteExpiredVehicleHolds(ctx, req.VehicleID, now); err != nil {
				return err
			}
			if err := s.checkConflict(ctx, "create_hold", req.VehicleID, req.Range, uuid.Nil, now); err != nil {
				return err
			}
			hold = domain.Hold{
				ID:         uuid.New(),
				VehicleID:  req.VehicleID,
				CustomerID: req.CustomerID,
				Range:      req.Range,
				CreatedAt:  now,
				ExpiresAt:  now.Add(ttl),
			}
			if err := s.repo.CreateHold(ctx, hold); err != nil {
				return err
			}
			return s.events.Publish(ctx, domain.ReservationEvent{
				Type:      domain.EventHoldCreated,
				VehicleID: hold.VehicleID,
				HoldID:    hold.ID,
				Payload: map[string]any{
					"customer_id": hold.CustomerID.String(),
					"range":       hold.Range.String(),
					"expires_at":  hold.ExpiresAt,
				},
				CreatedAt: now,
			})
		})
	})
	if err != nil {
		span.RecordError(err)
		return domain.Hold{}, err
	}

	holdsCreatedTotal.Inc()
	s.logger.Info("hold created",
		zap.String("hold_id", hold.ID.String()),
		zap.String("vehicle_id", hold.VehicleID.String()),
		zap.Stringer("range", hold.Range),
		zap.Time("expires_at", hold.ExpiresAt),
	)
	s.remember(ctx, key, fingerprint, hold)
	return hold, nil
}

// GetHold returns the hold. A hold past its expiry is reported as expired even
// if the sweeper has not removed it yet.
func (s *Service) GetHold(ctx context.Context, holdID uuid.UUID) (domain.Hold, error) {
	var hold domain.Hold
	err := s.run(ctx, "get_hold", func(ctx context.Context) error {
		var err error
		hold, err = s.repo.GetHold(ctx, holdID)
		return err
	})
	if err != nil {
		return domain.Hold{}, err
	}
	if hold.Expired(s.clock.Now()) {
		return hold, domain.ErrHoldExpired
	}
	return hold, nil
}

// ReleaseHold deletes the hold. Releasing an unknown or already released hold
// succeeds, and so does releasing another customer's hold, which is left in
// place. A zero customerID skips the ownership check.
func (s *Service) ReleaseHold(ctx context.Context, holdID, customerID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "reservation.ReleaseHold")
	defer span.End()

	return s.run(ctx, "release_hold", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context) error {
			hold, err := s.repo.GetHold(ctx, holdID)
			if errors.Is(err, domain.ErrHoldNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !ownedBy(hold, customerID) {
				s.logger.Warn("release of foreign hold ignored",
					zap.String("hold_id", holdID.String()),
					zap.String("customer_id", customerID.String()),
				)
				return nil
			}
			deleted, err := s.repo.DeleteHold(ctx, holdID)
			if err != nil || !deleted {
				return err
			}
			s.logger.Info("hold released", zap.String("hold_id", holdID.String()))
			return s.events.Publish(ctx, domain.ReservationEvent{
				Type:      domain.EventHoldReleased,
				VehicleID: hold.VehicleID,
				HoldID:    hold.ID,
				CreatedAt: s.clock.Now(),
			})
		})
	})
}

// ExtendHold pushes the expiry of a live hold to now+ttl. The range is checked
// again, ignoring the hold itself, so an extension never outlives a conflict.
// Another customer's hold is reported as not found.
func (s *Service) ExtendHold(ctx context.Context, holdID, customerID uuid.UUID, ttl time.Duration) (domain.Hold, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.ExtendHold")
	defer span.End()

	ttl = s.holdTTL(ttl)
	var hold domain.Hold
	err := s.run(ctx, "extend_hold", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context) error {
			h, err := s.repo.GetHold(ctx, holdID)
			if err != nil {
				return err
			}
			if !ownedBy(h, customerID) {
				return domain.ErrHoldNotFound
			}
			if _, err := s.repo.LockVehicle(ctx, h.VehicleID); err != nil {
				return err
			}
			if h, err = s.repo.GetHoldForUpdate(ctx, holdID); err != nil {
				return err
			}
			now := s.clock.Now()
			if h.Expired(now) {
				return domain.ErrHoldExpired
			}
			if err := s.checkConflict(ctx, "extend_hold", h.VehicleID, h.Range, h.ID, now); err != nil {
				return err
			}
			h.ExpiresAt = now.Add(ttl)
			if err := s.repo.UpdateHoldExpiry(ctx, h.ID, h.ExpiresAt); err != nil {
				return err
			}
			hold = h
			return s.events.Publish(ctx, domain.ReservationEvent{
				Type:      domain.EventHoldExtended,
				VehicleID: h.VehicleID,
				HoldID:    h.ID,
				Payload:   map[string]any{"expires_at": h.ExpiresAt},
				CreatedAt: now,
			})
		})
	})
	if err != nil {
		span.RecordError(err)
		return domain.Hold{}, err
	}
	s.logger.Info("hold extended", zap.String("hold_id", hold.ID.String()), zap.Time("expires_at", hold.ExpiresAt))
	return hold, nil
}

// ownedBy reports whether customerID may act on the hold. uuid.Nil stands for
// an agent acting on the customer's behalf.
func ownedBy(hold domain.Hold, customerID uuid.UUID) bool {
	return customerID == uuid.Nil || hold.CustomerID == customerID
}
