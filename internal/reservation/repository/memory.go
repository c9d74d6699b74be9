package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/carrental/internal/reservation/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests and
// local demos. Writers are serialized by WithTx, and inserts enforce the same
// no-overlap rule the Postgres exclusion constraints do.
type MemoryRepository struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	vehicles map[uuid.UUID]domain.Vehicle
	holds    map[uuid.UUID]domain.Hold
	bookings map[uuid.UUID]domain.Booking
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		vehicles: make(map[uuid.UUID]domain.Vehicle),
		holds:    make(map[uuid.UUID]domain.Hold),
		bookings: make(map[uuid.UUID]domain.Booking),
	}
}

type memTxKey struct{}

type memTx struct {
	undo        []func()
	afterCommit []func()
}

func txFromContext(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// record registers a compensating action. Callers hold m.mu.
func record(ctx context.Context, fn func()) {
	if tx := txFromContext(ctx); tx != nil {
		tx.undo = append(tx.undo, fn)
	}
}

// WithTx runs fn as a single writer. Nested calls join the outer transaction.
// When fn fails every write it made is undone. Work deferred with
// PublishAfterCommit runs once the writer lock is released, and only on
// success.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx := &memTx{}
	if err := m.runTx(ctx, tx, fn); err != nil {
		return err
	}
	for _, hook := range tx.afterCommit {
		hook()
	}
	return nil
}

func (m *MemoryRepository) runTx(ctx context.Context, tx *memTx, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		m.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

type afterCommitPublisher struct {
	next domain.EventPublisher
}

// PublishAfterCommit wraps next so events published inside a memory
// transaction are held back until it commits and dropped if it rolls back.
// Outside a transaction events go straight to next.
func PublishAfterCommit(next domain.EventPublisher) domain.EventPublisher {
	return &afterCommitPublisher{next: next}
}

func (p *afterCommitPublisher) Publish(ctx context.Context, event domain.ReservationEvent) error {
	if p.next == nil {
		return nil
	}
	tx := txFromContext(ctx)
	if tx == nil {
		return p.next.Publish(ctx, event)
	}
	// Detach from the finished transaction so next may open its own.
	detached := context.WithValue(ctx, memTxKey{}, (*memTx)(nil))
	tx.afterCommit = append(tx.afterCommit, func() {
		_ = p.next.Publish(detached, event)
	})
	return nil
}

// LockVehicle returns the vehicle. The transaction mutex already serializes
// writers, so there is nothing else to lock.
func (m *MemoryRepository) LockVehicle(ctx context.Context, vehicleID uuid.UUID) (domain.Vehicle, error) {
	return m.GetVehicle(ctx, vehicleID)
}

func (m *MemoryRepository) GetVehicle(_ context.Context, vehicleID uuid.UUID) (domain.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return domain.Vehicle{}, domain.ErrVehicleNotFound
	}
	return v, nil
}

func (m *MemoryRepository) UpsertVehicle(ctx context.Context, vehicle domain.Vehicle) (domain.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.vehicles[vehicle.ID]
	if existed {
		vehicle.CreatedAt = prev.CreatedAt
	}
	m.vehicles[vehicle.ID] = vehicle
	record(ctx, func() {
		if existed {
			m.vehicles[vehicle.ID] = prev
		} else {
			delete(m.vehicles, vehicle.ID)
		}
	})
	return vehicle, nil
}

func (m *MemoryRepository) UpdateVehicleStatus(ctx context.Context, vehicleID uuid.UUID, status domain.VehicleStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.vehicles[vehicleID]
	if !ok {
		return domain.ErrVehicleNotFound
	}
	next := prev
	next.Status = status
	next.UpdatedAt = at
	m.vehicles[vehicleID] = next
	record(ctx, func() { m.vehicles[vehicleID] = prev })
	return nil
}

// OccupiedRanges returns live holds and active-state bookings sorted by start.
func (m *MemoryRepository) OccupiedRanges(_ context.Context, vehicleID uuid.UUID, now time.Time) ([]domain.Occupancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var occ []domain.Occupancy
	for _, h := range m.holds {
		if h.VehicleID == vehicleID && !h.Expired(now) {
			occ = append(occ, domain.Occupancy{ID: h.ID, Kind: domain.OccupancyHold, Range: h.Range})
		}
	}
	for _, b := range m.bookings {
		if b.VehicleID == vehicleID && b.Status.Occupies() {
			occ = append(occ, domain.Occupancy{ID: b.ID, Kind: domain.OccupancyBooking, Range: b.Range})
		}
	}
	domain.SortOccupancy(occ)
	return occ, nil
}

// CreateHold rejects overlap with any stored hold of the vehicle, expired or
// not, mirroring the exclusion constraint on the holds table.
func (m *MemoryRepository) CreateHold(ctx context.Context, hold domain.Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vehicles[hold.VehicleID]; !ok {
		return domain.ErrVehicleNotFound
	}
	for _, h := range m.holds {
		if h.VehicleID == hold.VehicleID && domain.Overlaps(h.Range, hold.Range) {
			return &domain.ConflictError{VehicleID: hold.VehicleID, Range: hold.Range, Conflicting: h.Range}
		}
	}
	m.holds[hold.ID] = hold
	record(ctx, func() { delete(m.holds, hold.ID) })
	return nil
}

func (m *MemoryRepository) GetHold(_ context.Context, holdID uuid.UUID) (domain.Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holds[holdID]
	if !ok {
		return domain.Hold{}, domain.ErrHoldNotFound
	}
	return h, nil
}

func (m *MemoryRepository) GetHoldForUpdate(ctx context.Context, holdID uuid.UUID) (domain.Hold, error) {
	return m.GetHold(ctx, holdID)
}

func (m *MemoryRepository) UpdateHoldExpiry(ctx context.Context, holdID uuid.UUID, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.holds[holdID]
	if !ok {
		return domain.ErrHoldNotFound
	}
	next := prev
	next.ExpiresAt = expiresAt
	m.holds[holdID] = next
	record(ctx, func() { m.holds[holdID] = prev })
	return nil
}

func (m *MemoryRepository) DeleteHold(ctx context.Context, holdID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.holds[holdID]
	if !ok {
		return false, nil
	}
	delete(m.holds, holdID)
	record(ctx, func() { m.holds[holdID] = prev })
	return true, nil
}

func (m *MemoryRepository) DeleteExpiredVehicleHolds(ctx context.Context, vehicleID uuid.UUID, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, h := range m.holds {
		if h.VehicleID != vehicleID || !h.Expired(now) {
			continue
		}
		delete(m.holds, id)
		prev := h
		record(ctx, func() { m.holds[prev.ID] = prev })
		n++
	}
	return n, nil
}

func (m *MemoryRepository) DeleteExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []domain.Hold
	for id, h := range m.holds {
		if limit > 0 && len(removed) >= limit {
			break
		}
		if !h.Expired(now) {
			continue
		}
		delete(m.holds, id)
		prev := h
		record(ctx, func() { m.holds[prev.ID] = prev })
		removed = append(removed, h)
	}
	return removed, nil
}

// CreateBooking rejects overlap with other active-state bookings of the vehicle.
func (m *MemoryRepository) CreateBooking(ctx context.Context, booking domain.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if booking.Status.Occupies() {
		for _, b := range m.bookings {
			if b.VehicleID == booking.VehicleID && b.Status.Occupies() && domain.Overlaps(b.Range, booking.Range) {
				return &domain.ConflictError{VehicleID: booking.VehicleID, Range: booking.Range, Conflicting: b.Range}
			}
		}
	}
	m.bookings[booking.ID] = booking
	record(ctx, func() { delete(m.bookings, booking.ID) })
	return nil
}

func (m *MemoryRepository) GetBooking(_ context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	return b, nil
}

func (m *MemoryRepository) GetBookingForUpdate(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	return m.GetBooking(ctx, bookingID)
}

// UpdateBookingStatus replaces the status and bumps the version.
func (m *MemoryRepository) UpdateBookingStatus(ctx context.Context, bookingID uuid.UUID, status domain.BookingStatus, at time.Time) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.bookings[bookingID]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	next := prev
	next.Status = status
	next.UpdatedAt = at
	next.Version = prev.Version + 1
	m.bookings[bookingID] = next
	record(ctx, func() { m.bookings[bookingID] = prev })
	return next, nil
}

func (m *MemoryRepository) ListVehicleBookings(_ context.Context, vehicleID uuid.UUID) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Booking
	for _, b := range m.bookings {
		if b.VehicleID == vehicleID {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func sortBookings(bookings []domain.Booking) {
	sort.Slice(bookings, func(i, j int) bool {
		return bookings[i].Range.Start.Before(bookings[j].Range.Start)
	})
}
