package domain

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

type VehicleStatus string

const (
	VehicleAvailable    VehicleStatus = "available"
	VehicleRented       VehicleStatus = "rented"
	VehicleMaintenance  VehicleStatus = "maintenance"
	VehicleOutOfService VehicleStatus = "out_of_service"
)

func (s VehicleStatus) Valid() bool {
	switch s {
	case VehicleAvailable, VehicleRented, VehicleMaintenance, VehicleOutOfService:
		return true
	default:
		return false
	}
}

// Vehicle is owned by the fleet. Status is informational only; occupancy is
// decided by holds and bookings.
type Vehicle struct {
	ID             uuid.UUID     `json:"id"`
	Status         VehicleStatus `json:"status"`
	DailyRateCents int64         `json:"daily_rate_cents"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Hold is a time-boxed provisional reservation taken while a customer checks out.
type Hold struct {
	ID         uuid.UUID `json:"id"`
	VehicleID  uuid.UUID `json:"vehicle_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	Range      DateRange `json:"range"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the hold is dead at now. A hold stops counting the
// instant its expiry is reached.
func (h Hold) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

type Booking struct {
	ID             uuid.UUID     `json:"id"`
	VehicleID      uuid.UUID     `json:"vehicle_id"`
	CustomerID     uuid.UUID     `json:"customer_id"`
	HoldID         uuid.UUID     `json:"hold_id"`
	Range          DateRange     `json:"range"`
	Status         BookingStatus `json:"status"`
	TotalCostCents int64         `json:"total_cost_cents"`
	Currency       string        `json:"currency"`
	Notes          string        `json:"notes,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Version        int64         `json:"version"`
}

type OccupancyKind string

const (
	OccupancyHold    OccupancyKind = "hold"
	OccupancyBooking OccupancyKind = "booking"
)

// Occupancy is one occupied range of a vehicle as seen by the interval store.
type Occupancy struct {
	ID    uuid.UUID     `json:"id"`
	Kind  OccupancyKind `json:"kind"`
	Range DateRange     `json:"range"`
}

// SortOccupancy orders by start date, then end date.
func SortOccupancy(occ []Occupancy) {
	sort.Slice(occ, func(i, j int) bool {
		if occ[i].Range.Start.Equal(occ[j].Range.Start) {
			return occ[i].Range.End.Before(occ[j].Range.End)
		}
		return occ[i].Range.Start.Before(occ[j].Range.Start)
	})
}

// FindConflict returns the first occupied range overlapping candidate,
// ignoring the hold identified by excluding.
func FindConflict(occupied []Occupancy, candidate DateRange, excluding uuid.UUID) (Occupancy, bool) {
	for _, occ := range occupied {
		if excluding != uuid.Nil && occ.Kind == OccupancyHold && occ.ID == excluding {
			continue
		}
		if Overlaps(occ.Range, candidate) {
			return occ, true
		}
	}
	return Occupancy{}, false
}

type EventType string

const (
	EventHoldCreated          EventType = "HoldCreated"
	EventHoldExtended         EventType = "HoldExtended"
	EventHoldReleased         EventType = "HoldReleased"
	EventBookingCommitted     EventType = "BookingCommitted"
	EventBookingStatusChanged EventType = "BookingStatusChanged"
	EventHoldsExpired         EventType = "HoldsExpired"
)

type ReservationEvent struct {
	Type      EventType      `json:"type"`
	VehicleID uuid.UUID      `json:"vehicle_id"`
	HoldID    uuid.UUID      `json:"hold_id,omitempty"`
	BookingID uuid.UUID      `json:"booking_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Repository is the persistence collaborator. Every method participates in the
// transaction carried by ctx when called inside WithTx.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// LockVehicle serializes writers of one vehicle until the transaction ends.
	LockVehicle(ctx context.Context, vehicleID uuid.UUID) (Vehicle, error)
	GetVehicle(ctx context.Context, vehicleID uuid.UUID) (Vehicle, error)
	UpsertVehicle(ctx context.Context, vehicle Vehicle) (Vehicle, error)
	UpdateVehicleStatus(ctx context.Context, vehicleID uuid.UUID, status VehicleStatus, at time.Time) error

	OccupiedRanges(ctx context.Context, vehicleID uuid.UUID, now time.Time) ([]Occupancy, error)

	CreateHold(ctx context.Context, hold Hold) error
	GetHold(ctx context.Context, holdID uuid.UUID) (Hold, error)
	GetHoldForUpdate(ctx context.Context, holdID uuid.UUID) (Hold, error)
	UpdateHoldExpiry(ctx context.Context, holdID uuid.UUID, expiresAt time.Time) error
	DeleteHold(ctx context.Context, holdID uuid.UUID) (bool, error)
	DeleteExpiredVehicleHolds(ctx context.Context, vehicleID uuid.UUID, now time.Time) (int, error)
	DeleteExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error)

	CreateBooking(ctx context.Context, booking Booking) error
	GetBooking(ctx context.Context, bookingID uuid.UUID) (Booking, error)
	GetBookingForUpdate(ctx context.Context, bookingID uuid.UUID) (Booking, error)
	UpdateBookingStatus(ctx context.Context, bookingID uuid.UUID, status BookingStatus, at time.Time) (Booking, error)
	ListVehicleBookings(ctx context.Context, vehicleID uuid.UUID) ([]Booking, error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event ReservationEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Settings are the operator knobs passed explicitly to the service.
type Settings struct {
	Currency        string
	MaintenanceMode bool
}
