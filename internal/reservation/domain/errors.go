package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("date range conflicts with an existing reservation")
	ErrHoldNotFound       = errors.New("hold not found")
	ErrHoldExpired        = errors.New("hold expired")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBookingNotFound    = errors.New("booking not found")
	ErrVehicleNotFound    = errors.New("vehicle not found")
	ErrInvalidTransition  = errors.New("invalid booking status transition")
	ErrMaintenanceMode    = errors.New("reservations are paused for maintenance")
)

// ValidationError describes a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError is returned when a candidate range overlaps an occupied one.
// Conflicting is zero when the overlap was detected by a storage constraint
// rather than by the conflict checker.
type ConflictError struct {
	VehicleID   uuid.UUID
	Range       DateRange
	Conflicting DateRange
}

func (e *ConflictError) Error() string {
	if e.Conflicting.Start.IsZero() {
		return fmt.Sprintf("vehicle %s: %s overlaps an existing reservation", e.VehicleID, e.Range)
	}
	return fmt.Sprintf("vehicle %s: %s overlaps %s", e.VehicleID, e.Range, e.Conflicting)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// StorageError wraps a failure of the persistence collaborator so callers can
// match it with errors.Is(err, ErrStorageUnavailable).
func StorageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
