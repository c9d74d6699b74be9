package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/carrental/internal/reservation/domain"
)

// CommitBookingRequest converts a live hold into a booking.
type CommitBookingRequest struct {
	HoldID     uuid.UUID
	CustomerID uuid.UUID
	// TotalCostCents of zero prices the booking at the vehicle's daily rate.
	TotalCostCents int64
	Notes          string
}

func (r CommitBookingRequest) fingerprint() string {
	return fmt.Sprintf("%s|%d|%s", r.HoldID, r.TotalCostCents, r.Notes)
}

// CommitBooking turns the hold into a pending booking. The vehicle row is
// locked before the hold row, the same order CreateHold uses, and the hold
// row lock keeps the sweeper off it until the commit finishes. The booking
// insert and hold delete share one transaction.
func (s *Service) CommitBooking(ctx context.Context, key string, req CommitBookingRequest) (domain.Booking, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.CommitBooking")
	defer span.End()
	span.SetAttributes(attribute.String("hold_id", req.HoldID.String()))

	if req.HoldID == uuid.Nil {
		return domain.Booking{}, &domain.ValidationError{Field: "hold_id", Reason: "required"}
	}
	if req.TotalCostCents < 0 {
		return domain.Booking{}, &domain.ValidationError{Field: "total_cost_cents", Reason: "must not be negative"}
	}
	key = idempotencyKey("commit", req.CustomerID, key)
	fingerprint := req.fingerprint()
	var booking domain.Booking
	if ok, err := s.cached(ctx, key, fingerprint, &booking); err != nil {
		return domain.Booking{}, err
	} else if ok {
		return booking, nil
	}

	err := s.run(ctx, "commit_booking", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context) error {
			hold, err := s.repo.GetHold(ctx, req.HoldID)
			if err != nil {
				return err
			}
			if !ownedBy(hold, req.CustomerID) {
				return domain.ErrHoldNotFound
			}
			vehicle, err := s.repo.LockVehicle(ctx, hold.VehicleID)
			if err != nil {
				return err
			}
			if hold, err = s.repo.GetHoldForUpdate(ctx, req.HoldID); err != nil {
				return err
			}
			now := s.clock.Now()
			if hold.Expired(now) {
				return domain.ErrHoldExpired
			}
			if err := s.checkConflict(ctx, "commit_booking", hold.VehicleID, hold.Range, hold.ID, now); err != nil {
				return err
			}

			cost := req.TotalCostCents
			if cost == 0 {
				cost = vehicle.DailyRateCents * int64(hold.Range.Nights())
			}
			booking = domain.Booking{
				ID:             uuid.New(),
				VehicleID:      hold.VehicleID,
				CustomerID:     hold.CustomerID,
				HoldID:         hold.ID,
				Range:          hold.Range,
				Status:         domain.BookingPending,
				TotalCostCents: cost,
				Currency:       s.cfg.Settings.Currency,
				Notes:          req.Notes,
				CreatedAt:      now,
				UpdatedAt:      now,
				Version:        1,
			}
			if err := s.repo.CreateBooking(ctx, booking); err != nil {
				return err
			}
			if _, err := s.repo.DeleteHold(ctx, hold.ID); err != nil {
				return err
			}
			return s.events.Publish(ctx, domain.ReservationEvent{
				Type:      domain.EventBookingCommitted,
				VehicleID: booking.VehicleID,
				HoldID:    hold.ID,
				BookingID: booking.ID,
				Payload: map[string]any{
					"customer_id":      booking.CustomerID.String(),
					"range":            booking.Range.String(),
					"total_cost_cents": booking.TotalCostCents,
					"currency":         booking.Currency,
				},
				CreatedAt: now,
			})
		})
	})
	if err != nil {
		span.RecordError(err)
		return domain.Booking{}, err
	}

	bookingsCommittedTotal.Inc()
	s.logger.Info("booking committed",
		zap.String("booking_id", booking.ID.String()),
		zap.String("hold_id", booking.HoldID.String()),
		zap.String("vehicle_id", booking.VehicleID.String()),
		zap.Int64("total_cost_cents", booking.TotalCostCents),
	)
	s.remember(ctx, key, fingerprint, booking)
	return booking, nil
}
