package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/carrental/internal/reservation/domain"
)

// Repository implements domain.Repository on Postgres. Per-vehicle writers are
// serialized by locking the vehicle row, and the exclusion constraints on holds
// and bookings are the final guard against overlapping ranges.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const vehicleColumns = `id, status, daily_rate_cents, created_at, updated_at`

func scanVehicle(row pgx.Row) (domain.Vehicle, error) {
	var v domain.Vehicle
	var status string
	if err := row.Scan(&v.ID, &status, &v.DailyRateCents, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return domain.Vehicle{}, err
	}
	v.Status = domain.VehicleStatus(status)
	return v, nil
}

func (r *Repository) LockVehicle(ctx context.Context, vehicleID uuid.UUID) (domain.Vehicle, error) {
	query := `SELECT ` + vehicleColumns + ` FROM vehicles WHERE id = $1 FOR UPDATE`
	v, err := scanVehicle(conn(ctx, r.pool).QueryRow(ctx, query, vehicleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Vehicle{}, domain.ErrVehicleNotFound
		}
		return domain.Vehicle{}, mapError("lock vehicle", err)
	}
	return v, nil
}

func (r *Repository) GetVehicle(ctx context.Context, vehicleID uuid.UUID) (domain.Vehicle, error) {
	query := `SELECT ` + vehicleColumns + ` FROM vehicles WHERE id = $1`
	v, err := scanVehicle(conn(ctx, r.pool).QueryRow(ctx, query, vehicleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Vehicle{}, domain.ErrVehicleNotFound
		}
		return domain.Vehicle{}, mapError("get vehicle", err)
	}
	return v, nil
}

func (r *Repository) UpsertVehicle(ctx context.Context, vehicle domain.Vehicle) (domain.Vehicle, error) {
	query := `
INSERT INTO vehicles (id, status, daily_rate_cents, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status, daily_rate_cents = EXCLUDED.daily_rate_cents, updated_at = EXCLUDED.updated_at
RETURNING ` + vehicleColumns

	v, err := scanVehicle(conn(ctx, r.pool).QueryRow(ctx, query,
		vehicle.ID, string(vehicle.Status), vehicle.DailyRateCents, vehicle.CreatedAt, vehicle.UpdatedAt))
	if err != nil {
		return domain.Vehicle{}, mapError("upsert vehicle", err)
	}
	return v, nil
}

func (r *Repository) UpdateVehicleStatus(ctx context.Context, vehicleID uuid.UUID, status domain.VehicleStatus, at time.Time) error {
	const stmt = `UPDATE vehicles SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := conn(ctx, r.pool).Exec(ctx, stmt, vehicleID, string(status), at)
	if err != nil {
		return mapError("update vehicle status", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVehicleNotFound
	}
	return nil
}

func (r *Repository) OccupiedRanges(ctx context.Context, vehicleID uuid.UUID, now time.Time) ([]domain.Occupancy, error) {
	const query = `
SELECT id, 'hold' AS kind, start_date, end_date
FROM holds
WHERE vehicle_id = $1 AND expires_at > $2
UNION ALL
SELECT id, 'booking' AS kind, start_date, end_date
FROM bookings
WHERE vehicle_id = $1 AND status IN ('pending', 'confirmed', 'active')
ORDER BY start_date, end_date`

	rows, err := conn(ctx, r.pool).Query(ctx, query, vehicleID, now)
	if err != nil {
		return nil, mapError("occupied ranges", err)
	}
	defer rows.Close()

	var occ []domain.Occupancy
	for rows.Next() {
		var o domain.Occupancy
		var kind string
		if err := rows.Scan(&o.ID, &kind, &o.Range.Start, &o.Range.End); err != nil {
			return nil, mapError("scan occupied range", err)
		}
		o.Kind = domain.OccupancyKind(kind)
		occ = append(occ, o)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate occupied ranges", err)
	}
	return occ, nil
}

const holdColumns = `id, vehicle_id, customer_id, start_date, end_date, created_at, expires_at`

func scanHold(row pgx.Row) (domain.Hold, error) {
	var h domain.Hold
	err := row.Scan(&h.ID, &h.VehicleID, &h.CustomerID, &h.Range.Start, &h.Range.End, &h.CreatedAt, &h.ExpiresAt)
	return h, err
}

func (r *Repository) CreateHold(ctx context.Context, hold domain.Hold) error {
	const stmt = `
INSERT INTO holds (id, vehicle_id, customer_id, start_date, end_date, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := conn(ctx, r.pool).Exec(ctx, stmt,
		hold.ID, hold.VehicleID, hold.CustomerID, hold.Range.Start, hold.Range.End, hold.CreatedAt, hold.ExpiresAt)
	if err != nil {
		if isExclusionViolation(err) {
			return &domain.ConflictError{VehicleID: hold.VehicleID, Range: hold.Range}
		}
		if isForeignKeyViolation(err) {
			return domain.ErrVehicleNotFound
		}
		return mapError("create hold", err)
	}
	return nil
}

func (r *Repository) GetHold(ctx context.Context, holdID uuid.UUID) (domain.Hold, error) {
	return r.getHold(ctx, holdID, `SELECT `+holdColumns+` FROM holds WHERE id = $1`)
}

func (r *Repository) GetHoldForUpdate(ctx context.Context, holdID uuid.UUID) (domain.Hold, error) {
	return r.getHold(ctx, holdID, `SELECT `+holdColumns+` FROM holds WHERE id = $1 FOR UPDATE`)
}

func (r *Repository) getHold(ctx context.Context, holdID uuid.UUID, query string) (domain.Hold, error) {
	h, err := scanHold(conn(ctx, r.pool).QueryRow(ctx, query, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Hold{}, domain.ErrHoldNotFound
		}
		return domain.Hold{}, mapError("get hold", err)
	}
	return h, nil
}

func (r *Repository) UpdateHoldExpiry(ctx context.Context, holdID uuid.UUID, expiresAt time.Time) error {
	const stmt = `UPDATE holds SET expires_at = $2 WHERE id = $1`
	tag, err := conn(ctx, r.pool).Exec(ctx, stmt, holdID, expiresAt)
	if err != nil {
		return mapError("update hold expiry", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrHoldNotFound
	}
	return nil
}

func (r *Repository) DeleteHold(ctx context.Context, holdID uuid.UUID) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM holds WHERE id = $1`, holdID)
	if err != nil {
		return false, mapError("delete hold", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) DeleteExpiredVehicleHolds(ctx context.Context, vehicleID uuid.UUID, now time.Time) (int, error) {
	const stmt = `DELETE FROM holds WHERE vehicle_id = $1 AND expires_at <= $2`
	tag, err := conn(ctx, r.pool).Exec(ctx, stmt, vehicleID, now)
	if err != nil {
		return 0, mapError("delete expired vehicle holds", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpiredHolds removes up to limit expired holds. Rows locked by an
// in-flight commit are skipped; the commit decides their fate.
func (r *Repository) DeleteExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error) {
	query := `
DELETE FROM holds
WHERE id IN (
	SELECT id FROM holds
	WHERE expires_at <= $1
	ORDER BY expires_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + holdColumns

	rows, err := conn(ctx, r.pool).Query(ctx, query, now, limit)
	if err != nil {
		return nil, mapError("delete expired holds", err)
	}
	defer rows.Close()

	var removed []domain.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, mapError("scan expired hold", err)
		}
		removed = append(removed, h)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate expired holds", err)
	}
	return removed, nil
}

const bookingColumns = `id, vehicle_id, customer_id, hold_id, start_date, end_date, status,
total_cost_cents, currency, notes, created_at, updated_at, version`

func scanBooking(row pgx.Row) (domain.Booking, error) {
	var b domain.Booking
	var status string
	err := row.Scan(&b.ID, &b.VehicleID, &b.CustomerID, &b.HoldID, &b.Range.Start, &b.Range.End, &status,
		&b.TotalCostCents, &b.Currency, &b.Notes, &b.CreatedAt, &b.UpdatedAt, &b.Version)
	if err != nil {
		return domain.Booking{}, err
	}
	b.Status = domain.BookingStatus(status)
	return b, nil
}

func (r *Repository) CreateBooking(ctx context.Context, booking domain.Booking) error {
	const stmt = `
INSERT INTO bookings (id, vehicle_id, customer_id, hold_id, start_date, end_date, status,
	total_cost_cents, currency, notes, created_at, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := conn(ctx, r.pool).Exec(ctx, stmt,
		booking.ID, booking.VehicleID, booking.CustomerID, booking.HoldID, booking.Range.Start, booking.Range.End,
		string(booking.Status), booking.TotalCostCents, booking.Currency, booking.Notes,
		booking.CreatedAt, booking.UpdatedAt, booking.Version)
	if err != nil {
		if isExclusionViolation(err) {
			return &domain.ConflictError{VehicleID: booking.VehicleID, Range: booking.Range}
		}
		if isForeignKeyViolation(err) {
			return domain.ErrVehicleNotFound
		}
		return mapError("create booking", err)
	}
	return nil
}

func (r *Repository) GetBooking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	return r.getBooking(ctx, bookingID, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`)
}

func (r *Repository) GetBookingForUpdate(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	return r.getBooking(ctx, bookingID, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`)
}

func (r *Repository) getBooking(ctx context.Context, bookingID uuid.UUID, query string) (domain.Booking, error) {
	b, err := scanBooking(conn(ctx, r.pool).QueryRow(ctx, query, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Booking{}, domain.ErrBookingNotFound
		}
		return domain.Booking{}, mapError("get booking", err)
	}
	return b, nil
}

func (r *Repository) UpdateBookingStatus(ctx context.Context, bookingID uuid.UUID, status domain.BookingStatus, at time.Time) (domain.Booking, error) {
	query := `
UPDATE bookings SET status = $2, updated_at = $3, version = version + 1
WHERE id = $1
RETURNING ` + bookingColumns

	b, err := scanBooking(conn(ctx, r.pool).QueryRow(ctx, query, bookingID, string(status), at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Booking{}, domain.ErrBookingNotFound
		}
		if isExclusionViolation(err) {
			return domain.Booking{}, fmt.Errorf("%w: booking %s", domain.ErrConflict, bookingID)
		}
		return domain.Booking{}, mapError("update booking status", err)
	}
	return b, nil
}

func (r *Repository) ListVehicleBookings(ctx context.Context, vehicleID uuid.UUID) ([]domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE vehicle_id = $1 ORDER BY start_date, created_at`
	rows, err := conn(ctx, r.pool).Query(ctx, query, vehicleID)
	if err != nil {
		return nil, mapError("list bookings", err)
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, mapError("scan booking", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate bookings", err)
	}
	return out, nil
}
