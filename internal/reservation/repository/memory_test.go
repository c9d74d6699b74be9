package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/carrental/internal/reservation/domain"
	"github.com/example/carrental/internal/reservation/repository"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func dates(t *testing.T, start, end string) domain.DateRange {
	t.Helper()
	r, err := domain.ParseDateRange(start, end)
	require.NoError(t, err)
	return r
}

func seedVehicle(t *testing.T, repo *repository.MemoryRepository) uuid.UUID {
	t.Helper()
	v, err := repo.UpsertVehicle(context.Background(), domain.Vehicle{ID: uuid.New(), Status: domain.VehicleAvailable, DailyRateCents: 4500})
	require.NoError(t, err)
	return v.ID
}

func TestMemoryRepositoryOccupiedRanges(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	vehicleID := seedVehicle(t, repo)

	live := domain.Hold{ID: uuid.New(), VehicleID: vehicleID, Range: dates(t, "2024-02-10", "2024-02-12"), ExpiresAt: now.Add(time.Minute)}
	expired := domain.Hold{ID: uuid.New(), VehicleID: vehicleID, Range: dates(t, "2024-03-01", "2024-03-02"), ExpiresAt: now}
	require.NoError(t, repo.CreateHold(ctx, live))
	require.NoError(t, repo.CreateHold(ctx, expired))

	pending := domain.Booking{ID: uuid.New(), VehicleID: vehicleID, Range: dates(t, "2024-01-05", "2024-01-07"), Status: domain.BookingPending}
	cancelled := domain.Booking{ID: uuid.New(), VehicleID: vehicleID, Range: dates(t, "2024-01-05", "2024-01-07"), Status: domain.BookingCancelled}
	require.NoError(t, repo.CreateBooking(ctx, cancelled))
	require.NoError(t, repo.CreateBooking(ctx, pending))

	occ, err := repo.OccupiedRanges(ctx, vehicleID, now)
	require.NoError(t, err)
	require.Len(t, occ, 2)
	require.Equal(t, pending.ID, occ[0].ID)
	require.Equal(t, domain.OccupancyBooking, occ[0].Kind)
	require.Equal(t, live.ID, occ[1].ID)
	require.Equal(t, domain.OccupancyHold, occ[1].Kind)
}

func TestMemoryRepositoryRejectsOverlappingInserts(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	vehicleID := seedVehicle(t, repo)

	require.NoError(t, repo.CreateHold(ctx, domain.Hold{ID: uuid.New(), VehicleID: vehicleID, Range: dates(t, "2024-02-01", "2024-02-05"), ExpiresAt: now.Add(time.Hour)}))
	err := repo.CreateHold(ctx, domain.Hold{ID: uuid.New(), VehicleID: vehicleID, Range: dates(t, "2024-02-04", "2024-02-06"), ExpiresAt: now.Add(time.Hour)})
	require.ErrorIs(t, err, domain.ErrConflict)

	// adjacent is fine
	require.NoError(t, repo.CreateHold(ctx, domain.Hold{ID: uuid.New(), VehicleID: vehicleID, Range: dates(t, "2024-02-05", "2024-02-06"), ExpiresAt: now.Add(time.Hour)}))

	require.NoError(t, repo.CreateBooking(ctx, domain.Booking{ID: uuid.New(), VehicleID: vehicleID, Range: dates(t, "2024-04-01", "2024-04-03"), Status: domain.BookingConfirmed}))
	err = repo.CreateBooking(ctx, domain.Booking{ID: uuid.New(), VehicleID: vehicleID, Range: dates(t, "2024-04-02", "2024-04-04"), Status: domain.BookingPending})
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "2024-04-01/2024-04-03", conflict.Conflicting.String())

	err = repo.CreateHold(ctx, domain.Hold{ID: uuid.New(), VehicleID: uuid.New(), Range: dates(t, "2024-02-01", "2024-02-05")})
	require.ErrorIs(t, err, domain.ErrVehicleNotFound)
}

func TestMemoryRepositoryRollsBackFailedTx(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	vehicleID := seedVehicle(t, repo)

	holdID := uuid.New()
	require.NoError(t, repo.CreateHold(ctx, domain.Hold{ID: holdID, VehicleID: vehicleID, Range: dates(t, "2024-02-01", "2024-02-05"), ExpiresAt: now.Add(time.Hour)}))

	boom := errors.New("boom")
	bookingID := uuid.New()
	err := repo.WithTx(ctx, func(txCtx context.Context) error {
		require.NoError(t, repo.CreateBooking(txCtx, domain.Booking{ID: bookingID, VehicleID: vehicleID, Range: dates(t, "2024-02-01", "2024-02-05"), Status: domain.BookingPending}))
		deleted, err := repo.DeleteHold(txCtx, holdID)
		require.NoError(t, err)
		require.True(t, deleted)
		require.NoError(t, repo.UpdateVehicleStatus(txCtx, vehicleID, domain.VehicleRented, now))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.GetBooking(ctx, bookingID)
	require.ErrorIs(t, err, domain.ErrBookingNotFound)
	_, err = repo.GetHold(ctx, holdID)
	require.NoError(t, err)
	v, err := repo.GetVehicle(ctx, vehicleID)
	require.NoError(t, err)
	require.Equal(t, domain.VehicleAvailable, v.Status)
}

func TestMemoryRepositoryDeleteExpiredHolds(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	vehicleID := seedVehicle(t, repo)

	for i := 0; i < 3; i++ {
		start := now.AddDate(0, 0, i*2)
		r, err := domain.NewDateRange(start, start.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.NoError(t, repo.CreateHold(ctx, domain.Hold{ID: uuid.New(), VehicleID: vehicleID, Range: r, ExpiresAt: now.Add(-time.Minute)}))
	}
	keep := domain.Hold{ID: uuid.New(), VehicleID: vehicleID, Range: dates(t, "2024-05-01", "2024-05-02"), ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, repo.CreateHold(ctx, keep))

	removed, err := repo.DeleteExpiredHolds(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, removed, 2)

	removed, err = repo.DeleteExpiredHolds(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, removed, 1)

	_, err = repo.GetHold(ctx, keep.ID)
	require.NoError(t, err)

	deleted, err := repo.DeleteHold(ctx, uuid.New())
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestMemoryRepositoryBookingStatusVersion(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	vehicleID := seedVehicle(t, repo)

	b := domain.Booking{ID: uuid.New(), VehicleID: vehicleID, Range: dates(t, "2024-02-01", "2024-02-05"), Status: domain.BookingPending, Version: 1}
	require.NoError(t, repo.CreateBooking(ctx, b))

	updated, err := repo.UpdateBookingStatus(ctx, b.ID, domain.BookingConfirmed, now)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.Equal(t, domain.BookingConfirmed, updated.Status)

	list, err := repo.ListVehicleBookings(ctx, vehicleID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

type recordingPublisher struct {
	mu      sync.Mutex
	events  []domain.ReservationEvent
	onEvent func(ctx context.Context)
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.ReservationEvent) error {
	if p.onEvent != nil {
		p.onEvent(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestPublishAfterCommitWaitsForCommit(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	next := &recordingPublisher{}
	events := repository.PublishAfterCommit(next)

	err := repo.WithTx(ctx, func(txCtx context.Context) error {
		require.NoError(t, events.Publish(txCtx, domain.ReservationEvent{Type: domain.EventHoldCreated}))
		require.Zero(t, next.count(), "nothing leaves before commit")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, next.count())

	boom := errors.New("boom")
	err = repo.WithTx(ctx, func(txCtx context.Context) error {
		require.NoError(t, events.Publish(txCtx, domain.ReservationEvent{Type: domain.EventHoldReleased}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, next.count(), "rolled back events are dropped")

	require.NoError(t, events.Publish(ctx, domain.ReservationEvent{Type: domain.EventHoldsExpired}))
	require.Equal(t, 2, next.count())
}

func TestPublishAfterCommitRunsOutsideWriterLock(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	vehicleID := seedVehicle(t, repo)

	// a slow publisher that needs the writer lock itself must not block on it
	var nestedErr error
	next := &recordingPublisher{onEvent: func(ctx context.Context) {
		nestedErr = repo.WithTx(ctx, func(txCtx context.Context) error {
			return repo.UpdateVehicleStatus(txCtx, vehicleID, domain.VehicleRented, now)
		})
	}}
	events := repository.PublishAfterCommit(next)

	done := make(chan error, 1)
	go func() {
		done <- repo.WithTx(ctx, func(txCtx context.Context) error {
			return events.Publish(txCtx, domain.ReservationEvent{Type: domain.EventHoldCreated, VehicleID: vehicleID})
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
		require.NoError(t, nestedErr)
	case <-time.After(2 * time.Second):
		t.Fatal("publish ran while the writer lock was held")
	}
	require.Equal(t, 1, next.count())
	v, err := repo.GetVehicle(ctx, vehicleID)
	require.NoError(t, err)
	require.Equal(t, domain.VehicleRented, v.Status)
}
