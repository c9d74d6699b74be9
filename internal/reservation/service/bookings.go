package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/carrental/internal/reservation/domain"
)

// GetBooking retrieves a booking by identifier.
func (s *Service) GetBooking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	var booking domain.Booking
	err := s.run(ctx, "get_booking", func(ctx context.Context) error {
		var err error
		booking, err = s.repo.GetBooking(ctx, bookingID)
		return err
	})
	return booking, err
}

// ListVehicleBookings returns every booking of the vehicle, terminal ones
// included, ordered by start date.
func (s *Service) ListVehicleBookings(ctx context.Context, vehicleID uuid.UUID) ([]domain.Booking, error) {
	var bookings []domain.Booking
	err := s.run(ctx, "list_bookings", func(ctx context.Context) error {
		if _, err := s.repo.GetVehicle(ctx, vehicleID); err != nil {
			return err
		}
		var err error
		bookings, err = s.repo.ListVehicleBookings(ctx, vehicleID)
		return err
	})
	return bookings, err
}

// TransitionBooking moves the booking to next. Asking for the current status is
// a no-op; anything the status machine forbids fails with ErrInvalidTransition
// and leaves the booking unchanged.
func (s *Service) TransitionBooking(ctx context.Context, bookingID uuid.UUID, next domain.BookingStatus) (domain.Booking, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.TransitionBooking")
	defer span.End()

	if !next.Valid() {
		return domain.Booking{}, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", next)}
	}

	var (
		updated domain.Booking
		from    domain.BookingStatus
	)
	err := s.run(ctx, "transition_booking", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context) error {
			b, err := s.repo.GetBooking(ctx, bookingID)
			if err != nil {
				return err
			}
			vehicle, err := s.repo.LockVehicle(ctx, b.VehicleID)
			if err != nil {
				return err
			}
			if b, err = s.repo.GetBookingForUpdate(ctx, bookingID); err != nil {
				return err
			}
			from = b.Status
			if from == next {
				updated = b
				return nil
			}
			if !from.CanTransitionTo(next) {
				return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, next)
			}

			now := s.clock.Now()
			if updated, err = s.repo.UpdateBookingStatus(ctx, bookingID, next, now); err != nil {
				return err
			}
			if status, ok := vehicleStatusAfter(vehicle.Status, from, next); ok {
				if err := s.repo.UpdateVehicleStatus(ctx, b.VehicleID, status, now); err != nil {
					return err
				}
			}
			return s.events.Publish(ctx, domain.ReservationEvent{
				Type:      domain.EventBookingStatusChanged,
				VehicleID: updated.VehicleID,
				BookingID: updated.ID,
				Payload:   map[string]any{"from": string(from), "to": string(next)},
				CreatedAt: now,
			})
		})
	})
	if err != nil {
		span.RecordError(err)
		return domain.Booking{}, err
	}
	if from != next {
		s.logger.Info("booking status changed",
			zap.String("booking_id", bookingID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(next)),
		)
	}
	return updated, nil
}

// vehicleStatusAfter maps a booking transition onto the cached vehicle status.
// Only available<->rented is driven by bookings; maintenance and
// out_of_service are set by fleet operators and left alone.
func vehicleStatusAfter(current domain.VehicleStatus, from, to domain.BookingStatus) (domain.VehicleStatus, bool) {
	switch {
	case to == domain.BookingActive && current == domain.VehicleAvailable:
		return domain.VehicleRented, true
	case from == domain.BookingActive && current == domain.VehicleRented &&
		(to == domain.BookingCompleted || to == domain.BookingCancelled):
		return domain.VehicleAvailable, true
	default:
		return "", false
	}
}

// UpsertVehicleRequest registers or updates a fleet vehicle.
type UpsertVehicleRequest struct {
	ID             uuid.UUID
	Status         domain.VehicleStatus
	DailyRateCents int64
}

func (s *Service) UpsertVehicle(ctx context.Context, req UpsertVehicleRequest) (domain.Vehicle, error) {
	if req.ID == uuid.Nil {
		return domain.Vehicle{}, &domain.ValidationError{Field: "id", Reason: "required"}
	}
	if req.Status == "" {
		req.Status = domain.VehicleAvailable
	}
	if !req.Status.Valid() {
		return domain.Vehicle{}, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", req.Status)}
	}
	if req.DailyRateCents < 0 {
		return domain.Vehicle{}, &domain.ValidationError{Field: "daily_rate_cents", Reason: "must not be negative"}
	}

	now := s.clock.Now()
	var vehicle domain.Vehicle
	err := s.run(ctx, "upsert_vehicle", func(ctx context.Context) error {
		var err error
		vehicle, err = s.repo.UpsertVehicle(ctx, domain.Vehicle{
			ID:             req.ID,
			Status:         req.Status,
			DailyRateCents: req.DailyRateCents,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		return err
	})
	return vehicle, err
}
