package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cimillas/impftermin/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AdminRepository struct {
	pool *pgxpool.Pool
}

func NewAdminRepository(pool *pgxpool.Pool) *AdminRepository {
	return &AdminRepository{pool: pool}
}

// CreateSlot inserts the slot and its Termine in one transaction.
func (r *AdminRepository) CreateSlot(ctx context.Context, slot domain.Slot, termine []domain.Termin) error {
	return withTx(ctx, r.pool, func(txCtx context.Context) error {
		tx := txFromContext(txCtx)

		const stmt = `
INSERT INTO slots (id, location, disease, starts_at, duration_minutes,
	capacity_first, capacity_second, capacity_booster, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		_, err := tx.Exec(txCtx, stmt,
			slot.ID,
			slot.Location,
			slot.Disease,
			slot.StartsAt,
			slot.DurationMinutes,
			slot.CapacityFirst,
			slot.CapacitySecond,
			slot.CapacityBooster,
			slot.CreatedAt,
		)
		if err != nil {
			return mapTxError("create slot", err)
		}

		const termStmt = `INSERT INTO termine (id, slot_id, class) VALUES ($1, $2, $3)`
		batch := &pgx.Batch{}
		for _, t := range termine {
			batch.Queue(termStmt, t.ID, slot.ID, string(t.Class))
		}
		br := tx.SendBatch(txCtx, batch)
		for range termine {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return mapTxError("create termine", err)
			}
		}
		if err := br.Close(); err != nil {
			return mapTxError("create termine", err)
		}
		return nil
	})
}

func (r *AdminRepository) GetSlot(ctx context.Context, slotID string) (domain.Slot, error) {
	return getSlot(ctx, db(ctx, r.pool), slotID, false)
}

func (r *AdminRepository) ListSlots(ctx context.Context) ([]domain.Slot, error) {
	const query = `SELECT ` + slotColumns + ` FROM slots ORDER BY starts_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var slots []domain.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate slots: %w", rows.Err())
	}
	return slots, nil
}

func (r *AdminRepository) ListTermine(ctx context.Context, slotID string) ([]domain.Termin, error) {
	const query = `SELECT ` + terminColumns + ` FROM termine WHERE slot_id = $1 ORDER BY class, id`
	rows, err := r.pool.Query(ctx, query, slotID)
	if err != nil {
		return nil, mapTxError("list termine", err)
	}
	return collectTermine(rows, "termine")
}

// RecordResult stores the vaccination record of a booked Termin.
func (r *AdminRepository) RecordResult(ctx context.Context, terminID string, recordedAt time.Time) error {
	return withTx(ctx, r.pool, func(txCtx context.Context) error {
		q := db(txCtx, r.pool)
		t, err := lockTermin(txCtx, q, terminID)
		if err != nil {
			return err
		}
		if !t.Booked {
			return domain.ErrTerminNotBooked
		}

		const stmt = `
INSERT INTO vaccination_records (termin_id, recorded_at)
SELECT id, $2 FROM termine WHERE id = $1 AND booked = TRUE`
		tag, err := q.Exec(txCtx, stmt, terminID, recordedAt)
		if err != nil {
			switch {
			case isUniqueViolation(err):
				return domain.ErrResultExists
			case isForeignKeyViolation(err):
				return domain.ErrTerminNotFound
			}
			return mapTxError("record result", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrTerminNotBooked
		}
		return nil
	})
}
