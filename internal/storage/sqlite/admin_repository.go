package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/cimillas/impftermin/internal/domain"
	"gorm.io/gorm"
)

const createBatchSize = 200

// CreateSlot inserts the slot and its Termine in one transaction.
func (s *Store) CreateSlot(ctx context.Context, slot domain.Slot, termine []domain.Termin) error {
	return s.WithTx(ctx, func(txCtx context.Context) error {
		row := slotToRow(slot)
		if err := s.conn(txCtx).Create(&row).Error; err != nil {
			return mapError("create slot", err)
		}
		if len(termine) == 0 {
			return nil
		}
		rows := make([]terminRow, 0, len(termine))
		for _, t := range termine {
			rows = append(rows, terminRow{ID: t.ID, SlotID: slot.ID, Class: string(t.Class)})
		}
		if err := s.conn(txCtx).CreateInBatches(rows, createBatchSize).Error; err != nil {
			return mapError("create termine", err)
		}
		return nil
	})
}

func (s *Store) ListSlots(ctx context.Context) ([]domain.Slot, error) {
	var rows []slotRow
	if err := s.conn(ctx).Order("starts_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, mapError("list slots", err)
	}
	out := make([]domain.Slot, 0, len(rows))
	for _, r := range rows {
		out = append(out, slotFromRow(r))
	}
	return out, nil
}

func (s *Store) ListTermine(ctx context.Context, slotID string) ([]domain.Termin, error) {
	var rows []terminRow
	if err := s.conn(ctx).Where("slot_id = ?", slotID).Order("class, id").Find(&rows).Error; err != nil {
		return nil, mapError("list termine", err)
	}
	out := make([]domain.Termin, 0, len(rows))
	for _, r := range rows {
		out = append(out, terminFromRow(r))
	}
	return out, nil
}

// RecordResult stores the vaccination record of a booked Termin.
func (s *Store) RecordResult(ctx context.Context, terminID string, recordedAt time.Time) error {
	return s.WithTx(ctx, func(txCtx context.Context) error {
		t, err := s.GetTermin(txCtx, terminID)
		if err != nil {
			return err
		}
		if !t.Booked {
			return domain.ErrTerminNotBooked
		}
		exists, err := s.HasResult(txCtx, terminID)
		if err != nil {
			return err
		}
		if exists {
			return domain.ErrResultExists
		}
		res := s.conn(txCtx).Exec(
			"INSERT INTO vaccination_records (termin_id, recorded_at) SELECT id, ? FROM termine WHERE id = ? AND booked = ?",
			recordedAt.UTC(), terminID, true,
		)
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return domain.ErrResultExists
		}
		if res.Error != nil {
			return mapError("record result", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrTerminNotBooked
		}
		return nil
	})
}
