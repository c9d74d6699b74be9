package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/carrental/internal/reservation/domain"
	"github.com/example/carrental/internal/reservation/repository"
	"github.com/example/carrental/internal/reservation/service"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.ReservationEvent
}

func (s *stubPublisher) Publish(_ context.Context, event domain.ReservationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubPublisher) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// flakyRepo fails LockVehicle with an unavailable-storage error a set number of
// times before delegating.
type flakyRepo struct {
	*repository.MemoryRepository
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyRepo) LockVehicle(ctx context.Context, vehicleID uuid.UUID) (domain.Vehicle, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return domain.Vehicle{}, domain.StorageError("lock vehicle", errors.New("connection reset by peer"))
	}
	return f.MemoryRepository.LockVehicle(ctx, vehicleID)
}

type fixture struct {
	svc       *service.Service
	repo      *repository.MemoryRepository
	publisher *stubPublisher
	clock     *stubClock
	vehicleID uuid.UUID
}

func newFixture(t *testing.T, cfg service.Config) fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	return newFixtureWithRepo(t, repo, repo, cfg)
}

func newFixtureWithRepo(t *testing.T, repo domain.Repository, mem *repository.MemoryRepository, cfg service.Config) fixture {
	t.Helper()
	clock := &stubClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	publisher := &stubPublisher{}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	svc := service.New(repo, publisher, clock, repository.NewMemoryIdempotencyRepo(0), nil, cfg)

	v, err := svc.UpsertVehicle(context.Background(), service.UpsertVehicleRequest{ID: uuid.New(), DailyRateCents: 5000})
	require.NoError(t, err)
	return fixture{svc: svc, repo: mem, publisher: publisher, clock: clock, vehicleID: v.ID}
}

func dates(t *testing.T, start, end string) domain.DateRange {
	t.Helper()
	r, err := domain.ParseDateRange(start, end)
	require.NoError(t, err)
	return r
}

func (f fixture) hold(t *testing.T, start, end string) domain.Hold {
	t.Helper()
	h, err := f.svc.CreateHold(context.Background(), "", service.CreateHoldRequest{
		VehicleID:  f.vehicleID,
		CustomerID: uuid.New(),
		Range:      dates(t, start, end),
	})
	require.NoError(t, err)
	return h
}

func TestCreateHoldPublishesAndReplaysIdempotencyKey(t *testing.T) {
	f := newFixture(t, service.Config{DefaultHoldTTL: 10 * time.Minute})
	ctx := context.Background()
	req := service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: uuid.New(), Range: dates(t, "2024-03-10", "2024-03-14")}

	hold, err := f.svc.CreateHold(ctx, "key-1", req)
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Add(10*time.Minute), hold.ExpiresAt)

	// a retried request with the same key returns the same hold instead of conflicting
	again, err := f.svc.CreateHold(ctx, "key-1", req)
	require.NoError(t, err)
	require.Equal(t, hold.ID, again.ID)

	require.Equal(t, []domain.EventType{domain.EventHoldCreated}, f.publisher.types())
}

func TestCreateHoldKeyIsScopedToCustomer(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	aliceHold, err := f.svc.CreateHold(ctx, "k", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: alice, Range: dates(t, "2024-03-10", "2024-03-12")})
	require.NoError(t, err)
	bobHold, err := f.svc.CreateHold(ctx, "k", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: bob, Range: dates(t, "2024-03-20", "2024-03-22")})
	require.NoError(t, err)
	require.NotEqual(t, aliceHold.ID, bobHold.ID)
	require.Equal(t, bob, bobHold.CustomerID)

	// same customer and key, different range
	_, err = f.svc.CreateHold(ctx, "k", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: alice, Range: dates(t, "2024-04-01", "2024-04-02")})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateHoldReplayReportsCurrentHoldState(t *testing.T) {
	f := newFixture(t, service.Config{DefaultHoldTTL: time.Minute})
	ctx := context.Background()
	req := service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: uuid.New(), Range: dates(t, "2024-03-10", "2024-03-12")}

	released, err := f.svc.CreateHold(ctx, "released", req)
	require.NoError(t, err)
	require.NoError(t, f.svc.ReleaseHold(ctx, released.ID, req.CustomerID))
	_, err = f.svc.CreateHold(ctx, "released", req)
	require.ErrorIs(t, err, domain.ErrHoldNotFound)

	expiring, err := f.svc.CreateHold(ctx, "expiring", req)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	replay, err := f.svc.CreateHold(ctx, "expiring", req)
	require.ErrorIs(t, err, domain.ErrHoldExpired)
	require.Equal(t, expiring.ID, replay.ID)
}

func TestCreateHoldTTLIsCapped(t *testing.T) {
	f := newFixture(t, service.Config{DefaultHoldTTL: time.Minute, MaxHoldTTL: 5 * time.Minute})
	hold, err := f.svc.CreateHold(context.Background(), "", service.CreateHoldRequest{
		VehicleID: f.vehicleID, CustomerID: uuid.New(), Range: dates(t, "2024-03-10", "2024-03-11"), TTL: 24 * time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Add(5*time.Minute), hold.ExpiresAt)
}

func TestCreateHoldRejectsOverlap(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()
	f.hold(t, "2024-03-10", "2024-03-14")

	_, err := f.svc.CreateHold(ctx, "", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: uuid.New(), Range: dates(t, "2024-03-13", "2024-03-16")})
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "2024-03-10/2024-03-14", conflict.Conflicting.String())
	require.Equal(t, "2024-03-13/2024-03-16", conflict.Range.String())

	// returning on the 14th and leaving on the 14th share no night
	f.hold(t, "2024-03-14", "2024-03-16")
}

func TestCreateHoldValidation(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()

	_, err := f.svc.CreateHold(ctx, "", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: uuid.New(), Range: domain.DateRange{
		Start: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
	}})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.CreateHold(ctx, "", service.CreateHoldRequest{VehicleID: f.vehicleID, Range: dates(t, "2024-03-10", "2024-03-11")})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "customer_id", verr.Field)

	_, err = f.svc.CreateHold(ctx, "", service.CreateHoldRequest{VehicleID: uuid.New(), CustomerID: uuid.New(), Range: dates(t, "2024-03-10", "2024-03-11")})
	require.ErrorIs(t, err, domain.ErrVehicleNotFound)
}

func TestCreateHoldReclaimsExpiredHolds(t *testing.T) {
	f := newFixture(t, service.Config{DefaultHoldTTL: time.Minute})
	stale := f.hold(t, "2024-03-10", "2024-03-14")

	f.clock.Advance(time.Minute)
	fresh := f.hold(t, "2024-03-10", "2024-03-14")
	require.NotEqual(t, stale.ID, fresh.ID)

	_, err := f.repo.GetHold(context.Background(), stale.ID)
	require.ErrorIs(t, err, domain.ErrHoldNotFound)
}

func TestCreateHoldRaceHasOneWinner(t *testing.T) {
	f := newFixture(t, service.Config{})
	contested := dates(t, "2024-04-01", "2024-04-05")

	const workers = 32
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
		others    = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateHold(context.Background(), "", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: uuid.New(), Range: contested})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrConflict):
				conflicts.Add(1)
			default:
				others <- err
			}
		}()
	}
	wg.Wait()
	close(others)
	for err := range others {
		t.Fatalf("unexpected error: %v", err)
	}
	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(workers-1), conflicts.Load())
}

func TestConcurrentHoldsAndCommitsNeverOverlap(t *testing.T) {
	f := newFixture(t, service.Config{})
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		start := base.AddDate(0, 0, i%10)
		r, err := domain.NewDateRange(start, start.AddDate(0, 0, 1+i%3))
		require.NoError(t, err)
		wg.Add(1)
		go func(r domain.DateRange, commit bool) {
			defer wg.Done()
			customer := uuid.New()
			h, err := f.svc.CreateHold(context.Background(), "", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: customer, Range: r})
			if err != nil || !commit {
				return
			}
			_, _ = f.svc.CommitBooking(context.Background(), "", service.CommitBookingRequest{HoldID: h.ID, CustomerID: customer})
		}(r, i%2 == 0)
	}
	wg.Wait()

	occupied, err := f.svc.OccupiedRanges(context.Background(), f.vehicleID)
	require.NoError(t, err)
	require.NotEmpty(t, occupied)
	for i := range occupied {
		for j := i + 1; j < len(occupied); j++ {
			require.False(t, domain.Overlaps(occupied[i].Range, occupied[j].Range), "%s overlaps %s", occupied[i].Range, occupied[j].Range)
		}
	}
}

func TestCommitAfterTTLFailsWithHoldExpired(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real hold to expire")
	}
	repo := repository.NewMemoryRepository()
	svc := service.New(repo, nil, domain.SystemClock{}, nil, nil, service.Config{})
	ctx := context.Background()
	vehicle, err := svc.UpsertVehicle(ctx, service.UpsertVehicleRequest{ID: uuid.New(), DailyRateCents: 3000})
	require.NoError(t, err)

	customer := uuid.New()
	hold, err := svc.CreateHold(ctx, "", service.CreateHoldRequest{VehicleID: vehicle.ID, CustomerID: customer, Range: dates(t, "2030-01-01", "2030-01-03"), TTL: time.Second})
	require.NoError(t, err)

	time.Sleep(2 * time.Second)

	_, err = svc.CommitBooking(ctx, "", service.CommitBookingRequest{HoldID: hold.ID, CustomerID: customer})
	require.ErrorIs(t, err, domain.ErrHoldExpired)

	bookings, err := svc.ListVehicleBookings(ctx, vehicle.ID)
	require.NoError(t, err)
	require.Empty(t, bookings)
}

func TestCommitAtExactExpiryFails(t *testing.T) {
	f := newFixture(t, service.Config{DefaultHoldTTL: time.Minute})
	h := f.hold(t, "2024-03-10", "2024-03-12")

	f.clock.Advance(time.Minute)
	_, err := f.svc.CommitBooking(context.Background(), "", service.CommitBookingRequest{HoldID: h.ID})
	require.ErrorIs(t, err, domain.ErrHoldExpired)

	_, err = f.svc.GetHold(context.Background(), h.ID)
	require.ErrorIs(t, err, domain.ErrHoldExpired)
}

func TestCommitBookingConsumesHold(t *testing.T) {
	f := newFixture(t, service.Config{Settings: domain.Settings{Currency: "EUR"}})
	ctx := context.Background()
	customer := uuid.New()
	hold, err := f.svc.CreateHold(ctx, "", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: customer, Range: dates(t, "2024-03-10", "2024-03-13")})
	require.NoError(t, err)

	_, err = f.svc.CommitBooking(ctx, "", service.CommitBookingRequest{HoldID: hold.ID, CustomerID: uuid.New()})
	require.ErrorIs(t, err, domain.ErrHoldNotFound, "another customer's hold is invisible")

	commit := service.CommitBookingRequest{HoldID: hold.ID, CustomerID: customer, Notes: "child seat"}
	booking, err := f.svc.CommitBooking(ctx, "commit-1", commit)
	require.NoError(t, err)
	require.Equal(t, domain.BookingPending, booking.Status)
	require.Equal(t, hold.Range, booking.Range)
	require.Equal(t, int64(3*5000), booking.TotalCostCents)
	require.Equal(t, "EUR", booking.Currency)
	require.Equal(t, hold.ID, booking.HoldID)

	_, err = f.svc.GetHold(ctx, hold.ID)
	require.ErrorIs(t, err, domain.ErrHoldNotFound)

	replay, err := f.svc.CommitBooking(ctx, "commit-1", commit)
	require.NoError(t, err)
	require.Equal(t, booking.ID, replay.ID)

	_, err = f.svc.CommitBooking(ctx, "", service.CommitBookingRequest{HoldID: hold.ID, CustomerID: customer})
	require.ErrorIs(t, err, domain.ErrHoldNotFound)

	require.Equal(t, []domain.EventType{domain.EventHoldCreated, domain.EventBookingCommitted}, f.publisher.types())
}

func TestCommitBookingKeyIsScopedToCustomerAndHold(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()
	aliceHold := f.hold(t, "2024-03-10", "2024-03-12")
	bobHold := f.hold(t, "2024-03-20", "2024-03-22")

	aliceBooking, err := f.svc.CommitBooking(ctx, "c", service.CommitBookingRequest{HoldID: aliceHold.ID, CustomerID: aliceHold.CustomerID})
	require.NoError(t, err)
	bobBooking, err := f.svc.CommitBooking(ctx, "c", service.CommitBookingRequest{HoldID: bobHold.ID, CustomerID: bobHold.CustomerID})
	require.NoError(t, err)
	require.NotEqual(t, aliceBooking.ID, bobBooking.ID)
	require.Equal(t, bobHold.ID, bobBooking.HoldID)

	_, err = f.svc.GetHold(ctx, bobHold.ID)
	require.ErrorIs(t, err, domain.ErrHoldNotFound, "bob's hold was consumed by his own commit")

	// alice reusing her key for another hold is rejected and leaves that hold alone
	other, err := f.svc.CreateHold(ctx, "", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: aliceHold.CustomerID, Range: dates(t, "2024-04-01", "2024-04-03")})
	require.NoError(t, err)
	_, err = f.svc.CommitBooking(ctx, "c", service.CommitBookingRequest{HoldID: other.ID, CustomerID: aliceHold.CustomerID})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "idempotency_key", verr.Field)
	_, err = f.svc.GetHold(ctx, other.ID)
	require.NoError(t, err)
}

func TestCommitDetectsBookingWrittenAroundTheHold(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()
	hold := f.hold(t, "2024-03-10", "2024-03-13")

	require.NoError(t, f.repo.CreateBooking(ctx, domain.Booking{
		ID: uuid.New(), VehicleID: f.vehicleID, Range: dates(t, "2024-03-12", "2024-03-15"), Status: domain.BookingConfirmed,
	}))

	_, err := f.svc.CommitBooking(ctx, "", service.CommitBookingRequest{HoldID: hold.ID})
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "2024-03-12/2024-03-15", conflict.Conflicting.String())

	// the failed commit left the hold in place
	_, err = f.svc.GetHold(ctx, hold.ID)
	require.NoError(t, err)
}

func TestReleaseHoldIsIdempotent(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()
	hold := f.hold(t, "2024-03-10", "2024-03-13")

	require.NoError(t, f.svc.ReleaseHold(ctx, hold.ID, hold.CustomerID))
	require.NoError(t, f.svc.ReleaseHold(ctx, hold.ID, hold.CustomerID))
	require.NoError(t, f.svc.ReleaseHold(ctx, uuid.New(), uuid.Nil))

	_, err := f.svc.GetHold(ctx, hold.ID)
	require.ErrorIs(t, err, domain.ErrHoldNotFound)
	require.Equal(t, []domain.EventType{domain.EventHoldCreated, domain.EventHoldReleased}, f.publisher.types())

	// the range is free again
	f.hold(t, "2024-03-10", "2024-03-13")
}

func TestExtendHold(t *testing.T) {
	f := newFixture(t, service.Config{DefaultHoldTTL: time.Minute, MaxHoldTTL: time.Hour})
	ctx := context.Background()
	hold := f.hold(t, "2024-03-10", "2024-03-13")

	f.clock.Advance(30 * time.Second)
	extended, err := f.svc.ExtendHold(ctx, hold.ID, hold.CustomerID, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Add(10*time.Minute), extended.ExpiresAt)

	f.clock.Advance(10 * time.Minute)
	_, err = f.svc.ExtendHold(ctx, hold.ID, uuid.Nil, time.Minute)
	require.ErrorIs(t, err, domain.ErrHoldExpired)

	_, err = f.svc.ExtendHold(ctx, uuid.New(), uuid.Nil, time.Minute)
	require.ErrorIs(t, err, domain.ErrHoldNotFound)
}

func TestReleaseAndExtendCheckOwnership(t *testing.T) {
	f := newFixture(t, service.Config{DefaultHoldTTL: time.Minute, MaxHoldTTL: time.Hour})
	ctx := context.Background()
	hold := f.hold(t, "2024-03-10", "2024-03-13")
	stranger := uuid.New()

	_, err := f.svc.ExtendHold(ctx, hold.ID, stranger, 10*time.Minute)
	require.ErrorIs(t, err, domain.ErrHoldNotFound)

	require.NoError(t, f.svc.ReleaseHold(ctx, hold.ID, stranger))
	still, err := f.svc.GetHold(ctx, hold.ID)
	require.NoError(t, err)
	require.Equal(t, hold.ExpiresAt, still.ExpiresAt)
	require.Equal(t, []domain.EventType{domain.EventHoldCreated}, f.publisher.types())

	// uuid.Nil acts on the customer's behalf
	_, err = f.svc.ExtendHold(ctx, hold.ID, uuid.Nil, 10*time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.svc.ReleaseHold(ctx, hold.ID, uuid.Nil))
	_, err = f.svc.GetHold(ctx, hold.ID)
	require.ErrorIs(t, err, domain.ErrHoldNotFound)
}

func TestHasConflictExcludesOwnHold(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()
	hold := f.hold(t, "2024-03-10", "2024-03-13")

	found, hit, err := f.svc.HasConflict(ctx, f.vehicleID, dates(t, "2024-03-11", "2024-03-12"), uuid.Nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, hold.ID, hit.ID)

	found, _, err = f.svc.HasConflict(ctx, f.vehicleID, dates(t, "2024-03-11", "2024-03-12"), hold.ID)
	require.NoError(t, err)
	require.False(t, found)

	_, _, err = f.svc.HasConflict(ctx, f.vehicleID, domain.DateRange{}, uuid.Nil)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestTransitionBooking(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()
	hold := f.hold(t, "2024-03-10", "2024-03-13")
	booking, err := f.svc.CommitBooking(ctx, "", service.CommitBookingRequest{HoldID: hold.ID})
	require.NoError(t, err)

	_, err = f.svc.TransitionBooking(ctx, booking.ID, domain.BookingCompleted)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	unchanged, err := f.svc.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BookingPending, unchanged.Status)

	for _, next := range []domain.BookingStatus{domain.BookingConfirmed, domain.BookingActive} {
		booking, err = f.svc.TransitionBooking(ctx, booking.ID, next)
		require.NoError(t, err)
		require.Equal(t, next, booking.Status)
	}
	v, err := f.repo.GetVehicle(ctx, f.vehicleID)
	require.NoError(t, err)
	require.Equal(t, domain.VehicleRented, v.Status)

	booking, err = f.svc.TransitionBooking(ctx, booking.ID, domain.BookingCompleted)
	require.NoError(t, err)
	require.Equal(t, int64(4), booking.Version)
	v, err = f.repo.GetVehicle(ctx, f.vehicleID)
	require.NoError(t, err)
	require.Equal(t, domain.VehicleAvailable, v.Status)

	for _, next := range []domain.BookingStatus{domain.BookingPending, domain.BookingActive, domain.BookingCancelled} {
		_, err = f.svc.TransitionBooking(ctx, booking.ID, next)
		require.ErrorIs(t, err, domain.ErrInvalidTransition, "completed -> %s", next)
	}

	_, err = f.svc.TransitionBooking(ctx, booking.ID, domain.BookingStatus("lost"))
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.TransitionBooking(ctx, uuid.New(), domain.BookingConfirmed)
	require.ErrorIs(t, err, domain.ErrBookingNotFound)
}

func TestTransitionBookingKeepsOperatorVehicleStatus(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()
	hold := f.hold(t, "2024-03-10", "2024-03-13")
	booking, err := f.svc.CommitBooking(ctx, "", service.CommitBookingRequest{HoldID: hold.ID})
	require.NoError(t, err)
	for _, next := range []domain.BookingStatus{domain.BookingConfirmed, domain.BookingActive} {
		_, err = f.svc.TransitionBooking(ctx, booking.ID, next)
		require.NoError(t, err)
	}

	// the car went to the workshop while still out on rental
	_, err = f.svc.UpsertVehicle(ctx, service.UpsertVehicleRequest{ID: f.vehicleID, Status: domain.VehicleMaintenance, DailyRateCents: 5000})
	require.NoError(t, err)

	_, err = f.svc.TransitionBooking(ctx, booking.ID, domain.BookingCompleted)
	require.NoError(t, err)
	v, err := f.repo.GetVehicle(ctx, f.vehicleID)
	require.NoError(t, err)
	require.Equal(t, domain.VehicleMaintenance, v.Status)

	// an out-of-service car is not flipped to rented either
	hold = f.hold(t, "2024-03-20", "2024-03-22")
	booking, err = f.svc.CommitBooking(ctx, "", service.CommitBookingRequest{HoldID: hold.ID})
	require.NoError(t, err)
	_, err = f.svc.UpsertVehicle(ctx, service.UpsertVehicleRequest{ID: f.vehicleID, Status: domain.VehicleOutOfService, DailyRateCents: 5000})
	require.NoError(t, err)
	for _, next := range []domain.BookingStatus{domain.BookingConfirmed, domain.BookingActive} {
		_, err = f.svc.TransitionBooking(ctx, booking.ID, next)
		require.NoError(t, err)
	}
	v, err = f.repo.GetVehicle(ctx, f.vehicleID)
	require.NoError(t, err)
	require.Equal(t, domain.VehicleOutOfService, v.Status)
}

func TestCancelledBookingFreesRange(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()
	hold := f.hold(t, "2024-03-10", "2024-03-13")
	booking, err := f.svc.CommitBooking(ctx, "", service.CommitBookingRequest{HoldID: hold.ID})
	require.NoError(t, err)

	_, err = f.svc.CreateHold(ctx, "", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: uuid.New(), Range: hold.Range})
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.svc.TransitionBooking(ctx, booking.ID, domain.BookingCancelled)
	require.NoError(t, err)
	_, err = f.svc.TransitionBooking(ctx, booking.ID, domain.BookingConfirmed)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	f.hold(t, "2024-03-10", "2024-03-13")
}

func TestStorageUnavailableIsRetried(t *testing.T) {
	mem := repository.NewMemoryRepository()
	flaky := &flakyRepo{MemoryRepository: mem}
	f := newFixtureWithRepo(t, flaky, mem, service.Config{RetryMaxAttempts: 3})

	flaky.failures.Store(2)
	f.hold(t, "2024-03-10", "2024-03-13")
	require.Equal(t, int32(3), flaky.calls.Load())

	flaky.calls.Store(0)
	flaky.failures.Store(5)
	_, err := f.svc.CreateHold(context.Background(), "", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: uuid.New(), Range: dates(t, "2024-04-10", "2024-04-13")})
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	require.Equal(t, int32(3), flaky.calls.Load())
}

func TestDomainErrorsAreNotRetried(t *testing.T) {
	mem := repository.NewMemoryRepository()
	flaky := &flakyRepo{MemoryRepository: mem}
	f := newFixtureWithRepo(t, flaky, mem, service.Config{RetryMaxAttempts: 5})
	f.hold(t, "2024-03-10", "2024-03-13")

	flaky.calls.Store(0)
	_, err := f.svc.CreateHold(context.Background(), "", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: uuid.New(), Range: dates(t, "2024-03-11", "2024-03-12")})
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Equal(t, int32(1), flaky.calls.Load())
}

func TestBreakerOpensAfterRepeatedStorageFailures(t *testing.T) {
	mem := repository.NewMemoryRepository()
	flaky := &flakyRepo{MemoryRepository: mem}
	f := newFixtureWithRepo(t, flaky, mem, service.Config{RetryMaxAttempts: 1, BreakerFailures: 2, BreakerTimeout: time.Hour})
	req := service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: uuid.New(), Range: dates(t, "2024-03-10", "2024-03-13")}

	flaky.failures.Store(2)
	for i := 0; i < 2; i++ {
		_, err := f.svc.CreateHold(context.Background(), "", req)
		require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	}
	require.Equal(t, int32(2), flaky.calls.Load())

	// storage has recovered, but the open breaker short-circuits the call
	_, err := f.svc.CreateHold(context.Background(), "", req)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	require.Equal(t, int32(2), flaky.calls.Load())
}

func TestMaintenanceModeRejectsNewHolds(t *testing.T) {
	f := newFixture(t, service.Config{Settings: domain.Settings{MaintenanceMode: true}})
	_, err := f.svc.CreateHold(context.Background(), "", service.CreateHoldRequest{VehicleID: f.vehicleID, CustomerID: uuid.New(), Range: dates(t, "2024-03-10", "2024-03-13")})
	require.ErrorIs(t, err, domain.ErrMaintenanceMode)
}

func TestUpsertVehicleValidation(t *testing.T) {
	f := newFixture(t, service.Config{})
	_, err := f.svc.UpsertVehicle(context.Background(), service.UpsertVehicleRequest{ID: uuid.New(), Status: "sunk"})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.UpsertVehicle(context.Background(), service.UpsertVehicleRequest{ID: uuid.New(), DailyRateCents: -1})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.OccupiedRanges(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrVehicleNotFound)
}
