package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cimillas/impftermin/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const slotColumns = `id, location, disease, starts_at, duration_minutes,
	capacity_first, capacity_second, capacity_booster, created_at`

const terminColumns = `id, slot_id, class, booked, COALESCE(booked_by, ''),
	COALESCE(reserved_by, ''), reserved_at, offset_minutes`

// noResult excludes Termine carrying a vaccination record.
const noResult = `NOT EXISTS (SELECT 1 FROM vaccination_records v WHERE v.termin_id = termine.id)`

// TerminRepository implements the booking protocol's store primitives.
// Every state change is a conditional UPDATE; a false result means the row
// no longer matched the caller's pre-read.
type TerminRepository struct {
	pool *pgxpool.Pool
}

func NewTerminRepository(pool *pgxpool.Pool) *TerminRepository {
	return &TerminRepository{pool: pool}
}

func (r *TerminRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *TerminRepository) GetSlot(ctx context.Context, slotID string) (domain.Slot, error) {
	return getSlot(ctx, db(ctx, r.pool), slotID, false)
}

// LockSlot takes a row lock on the slot for the rest of the transaction.
func (r *TerminRepository) LockSlot(ctx context.Context, slotID string) (domain.Slot, error) {
	return getSlot(ctx, db(ctx, r.pool), slotID, true)
}

func (r *TerminRepository) GetTerminForUpdate(ctx context.Context, terminID string) (domain.Termin, error) {
	return lockTermin(ctx, db(ctx, r.pool), terminID)
}

func (r *TerminRepository) FindReservedTermin(ctx context.Context, slotID string, class domain.AppointmentClass, caseID string, expiredBefore time.Time) (*domain.Termin, error) {
	query := `
SELECT ` + terminColumns + `
FROM termine
WHERE slot_id = $1 AND class = $2 AND reserved_by = $3 AND booked = FALSE AND reserved_at >= $4
ORDER BY id
LIMIT 1`

	t, err := scanTermin(db(ctx, r.pool).QueryRow(ctx, query, slotID, string(class), caseID, expiredBefore))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapTxError("find reserved termin", err)
	}
	return &t, nil
}

const freeTermineQuery = `
SELECT ` + terminColumns + `
FROM termine
WHERE slot_id = $1 AND class = $2 AND booked = FALSE
  AND ($3::boolean OR reserved_by IS NULL OR reserved_at < $4)
  AND ` + noResult + `
ORDER BY id`

// FirstFreeTermin returns the free Termin with the lowest id. With q.Lock
// the row is locked and rows locked by other transactions are skipped, so a
// waiter never wakes up to a row that was booked meanwhile.
func (r *TerminRepository) FirstFreeTermin(ctx context.Context, q domain.TerminQuery) (*domain.Termin, error) {
	query := freeTermineQuery + `
LIMIT 1`
	if q.Lock {
		query += `
FOR UPDATE SKIP LOCKED`
	}
	t, err := scanTermin(db(ctx, r.pool).QueryRow(ctx, query, q.SlotID, string(q.Class), q.IgnoreReservations, q.ExpiredBefore))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapTxError("first free termin", err)
	}
	return &t, nil
}

func (r *TerminRepository) ListFreeTermine(ctx context.Context, q domain.TerminQuery) ([]domain.Termin, error) {
	rows, err := db(ctx, r.pool).Query(ctx, freeTermineQuery, q.SlotID, string(q.Class), q.IgnoreReservations, q.ExpiredBefore)
	if err != nil {
		return nil, mapTxError("list free termine", err)
	}
	return collectTermine(rows, "free termine")
}

func (r *TerminRepository) CountBooked(ctx context.Context, slotID string) (int, error) {
	const query = `SELECT COUNT(*) FROM termine WHERE slot_id = $1 AND booked = TRUE`
	var n int
	if err := db(ctx, r.pool).QueryRow(ctx, query, slotID).Scan(&n); err != nil {
		return 0, mapTxError("count booked", err)
	}
	return n, nil
}

func (r *TerminRepository) HasResult(ctx context.Context, terminID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM vaccination_records WHERE termin_id = $1)`
	var exists bool
	if err := db(ctx, r.pool).QueryRow(ctx, query, terminID).Scan(&exists); err != nil {
		return false, mapTxError("has result", err)
	}
	return exists, nil
}

func (r *TerminRepository) SetReservation(ctx context.Context, u domain.ReservationUpdate) (bool, error) {
	stmt := `
UPDATE termine
SET reserved_by = $2, reserved_at = $3
WHERE id = $1 AND booked = FALSE
  AND (reserved_by IS NULL OR reserved_by = $2 OR reserved_at < $4)
  AND ` + noResult

	tag, err := db(ctx, r.pool).Exec(ctx, stmt, u.TerminID, u.CaseID, u.ReservedAt, u.ExpiredBefore)
	if err != nil {
		return false, mapTxError("set reservation", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClearReservations drops every hold of caseID for class, except on
// exceptTerminID when it is set.
func (r *TerminRepository) ClearReservations(ctx context.Context, caseID string, class domain.AppointmentClass, exceptTerminID string) (int, error) {
	const stmt = `
UPDATE termine
SET reserved_by = NULL, reserved_at = NULL
WHERE reserved_by = $1 AND class = $2 AND ($3::uuid IS NULL OR id <> $3::uuid)`

	var except *string
	if exceptTerminID != "" {
		except = &exceptTerminID
	}
	tag, err := db(ctx, r.pool).Exec(ctx, stmt, caseID, string(class), except)
	if err != nil {
		return 0, mapTxError("clear reservations", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *TerminRepository) MarkBooked(ctx context.Context, u domain.BookingUpdate) (bool, error) {
	stmt := `
UPDATE termine
SET booked = TRUE, booked_by = $2, offset_minutes = $3, reserved_by = NULL, reserved_at = NULL
WHERE id = $1 AND booked = FALSE
  AND ($4::boolean OR reserved_by IS NULL OR reserved_by = $2 OR reserved_at < $5)
  AND ` + noResult

	tag, err := db(ctx, r.pool).Exec(ctx, stmt, u.TerminID, u.CaseID, u.OffsetMinutes, u.IgnoreReservations, u.ExpiredBefore)
	if err != nil {
		return false, mapTxError("mark booked", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TerminRepository) MarkFree(ctx context.Context, terminID string) (bool, error) {
	stmt := `
UPDATE termine
SET booked = FALSE, booked_by = NULL, reserved_by = NULL, reserved_at = NULL, offset_minutes = 0
WHERE id = $1 AND ` + noResult

	tag, err := db(ctx, r.pool).Exec(ctx, stmt, terminID)
	if err != nil {
		return false, mapTxError("mark free", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TerminRepository) ClearExpiredReservations(ctx context.Context, cutoff time.Time) (int, error) {
	const stmt = `
UPDATE termine
SET reserved_by = NULL, reserved_at = NULL
WHERE reserved_by IS NOT NULL AND booked = FALSE AND reserved_at < $1`

	tag, err := db(ctx, r.pool).Exec(ctx, stmt, cutoff)
	if err != nil {
		return 0, mapTxError("clear expired reservations", err)
	}
	return int(tag.RowsAffected()), nil
}

func getSlot(ctx context.Context, q querier, slotID string, lock bool) (domain.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	s, err := scanSlot(q.QueryRow(ctx, query, slotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Slot{}, domain.ErrSlotNotFound
		}
		return domain.Slot{}, mapTxError("get slot", err)
	}
	return s, nil
}

// lockTermin reads a Termin and row-locks it for the rest of the transaction.
func lockTermin(ctx context.Context, q querier, terminID string) (domain.Termin, error) {
	query := `SELECT ` + terminColumns + ` FROM termine WHERE id = $1 FOR UPDATE`
	t, err := scanTermin(q.QueryRow(ctx, query, terminID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Termin{}, domain.ErrTerminNotFound
		}
		return domain.Termin{}, mapTxError("get termin", err)
	}
	return t, nil
}

func scanSlot(row pgx.Row) (domain.Slot, error) {
	var s domain.Slot
	err := row.Scan(
		&s.ID,
		&s.Location,
		&s.Disease,
		&s.StartsAt,
		&s.DurationMinutes,
		&s.CapacityFirst,
		&s.CapacitySecond,
		&s.CapacityBooster,
		&s.CreatedAt,
	)
	return s, err
}

func scanTermin(row pgx.Row) (domain.Termin, error) {
	var (
		t     domain.Termin
		class string
	)
	err := row.Scan(&t.ID, &t.SlotID, &class, &t.Booked, &t.BookedBy, &t.ReservedBy, &t.ReservedAt, &t.OffsetMinutes)
	t.Class = domain.AppointmentClass(class)
	return t, err
}

func collectTermine(rows pgx.Rows, what string) ([]domain.Termin, error) {
	defer rows.Close()

	var termine []domain.Termin
	for rows.Next() {
		t, err := scanTermin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		termine = append(termine, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapTxError("iterate "+what, err)
	}
	return termine, nil
}
