package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/carrental/internal/reservation/domain"
)

func (s *Service) checkConflict(ctx context.Context, op string, vehicleID uuid.UUID, candidate domain.DateRange, excluding uuid.UUID, now time.Time) error {
	occupied, err := s.repo.OccupiedRanges(ctx, vehicleID, now)
	if err != nil {
		return err
	}
	if hit, ok := domain.FindConflict(occupied, candidate, excluding); ok {
		conflictsTotal.WithLabelValues(op).Inc()
		return &domain.ConflictError{VehicleID: vehicleID, Range: candidate, Conflicting: hit.Range}
	}
	return nil
}

// HasConflict reports whether candidate overlaps an occupied range of the
// vehicle, ignoring the hold excludingHoldID (uuid.Nil ignores nothing). The
// answer is advisory; CreateHold and CommitBooking re-check under lock.
func (s *Service) HasConflict(ctx context.Context, vehicleID uuid.UUID, candidate domain.DateRange, excludingHoldID uuid.UUID) (bool, domain.Occupancy, error) {
	if err := candidate.Validate(); err != nil {
		return false, domain.Occupancy{}, err
	}
	var (
		hit   domain.Occupancy
		found bool
	)
	err := s.run(ctx, "has_conflict", func(ctx context.Context) error {
		occupied, err := s.repo.OccupiedRanges(ctx, vehicleID, s.clock.Now())
		if err != nil {
			return err
		}
		hit, found = domain.FindConflict(occupied, candidate, excludingHoldID)
		return nil
	})
	return found, hit, err
}

// OccupiedRanges lists live holds and occupying bookings of the vehicle sorted
// by start date.
func (s *Service) OccupiedRanges(ctx context.Context, vehicleID uuid.UUID) ([]domain.Occupancy, error) {
	var occupied []domain.Occupancy
	err := s.run(ctx, "occupied_ranges", func(ctx context.Context) error {
		if _, err := s.repo.GetVehicle(ctx, vehicleID); err != nil {
			return err
		}
		var err error
		occupied, err = s.repo.OccupiedRanges(ctx, vehicleID, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return occupied, nil
}
