package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/cimillas/impftermin/internal/domain"
	"gorm.io/gorm"
)

const noResult = "NOT EXISTS (SELECT 1 FROM vaccination_records v WHERE v.termin_id = termine.id)"

func (s *Store) GetSlot(ctx context.Context, slotID string) (domain.Slot, error) {
	var row slotRow
	if err := s.conn(ctx).First(&row, "id = ?", slotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Slot{}, domain.ErrSlotNotFound
		}
		return domain.Slot{}, mapError("get slot", err)
	}
	return slotFromRow(row), nil
}

// LockSlot is GetSlot: the single connection already excludes every other
// transaction.
func (s *Store) LockSlot(ctx context.Context, slotID string) (domain.Slot, error) {
	return s.GetSlot(ctx, slotID)
}

func (s *Store) GetTermin(ctx context.Context, terminID string) (domain.Termin, error) {
	var row terminRow
	if err := s.conn(ctx).First(&row, "id = ?", terminID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Termin{}, domain.ErrTerminNotFound
		}
		return domain.Termin{}, mapError("get termin", err)
	}
	return terminFromRow(row), nil
}

func (s *Store) GetTerminForUpdate(ctx context.Context, terminID string) (domain.Termin, error) {
	return s.GetTermin(ctx, terminID)
}

func (s *Store) FindReservedTermin(ctx context.Context, slotID string, class domain.AppointmentClass, caseID string, expiredBefore time.Time) (*domain.Termin, error) {
	var row terminRow
	err := s.conn(ctx).
		Where("slot_id = ? AND class = ? AND booked = ?", slotID, string(class), false).
		Where("reserved_by = ? AND reserved_at >= ?", caseID, nanos(expiredBefore)).
		Order("id").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, mapError("find reserved termin", err)
	}
	t := terminFromRow(row)
	return &t, nil
}

func (s *Store) freeTermine(ctx context.Context, q domain.TerminQuery) *gorm.DB {
	tx := s.conn(ctx).
		Model(&terminRow{}).
		Where("slot_id = ? AND class = ? AND booked = ?", q.SlotID, string(q.Class), false).
		Where(noResult)
	if !q.IgnoreReservations {
		tx = tx.Where("(reserved_by IS NULL OR reserved_at < ?)", nanos(q.ExpiredBefore))
	}
	return tx.Order("id")
}

func (s *Store) FirstFreeTermin(ctx context.Context, q domain.TerminQuery) (*domain.Termin, error) {
	var rows []terminRow
	if err := s.freeTermine(ctx, q).Limit(1).Find(&rows).Error; err != nil {
		return nil, mapError("first free termin", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	t := terminFromRow(rows[0])
	return &t, nil
}

func (s *Store) ListFreeTermine(ctx context.Context, q domain.TerminQuery) ([]domain.Termin, error) {
	var rows []terminRow
	if err := s.freeTermine(ctx, q).Find(&rows).Error; err != nil {
		return nil, mapError("list free termine", err)
	}
	out := make([]domain.Termin, 0, len(rows))
	for _, r := range rows {
		out = append(out, terminFromRow(r))
	}
	return out, nil
}

func (s *Store) CountBooked(ctx context.Context, slotID string) (int, error) {
	var n int64
	err := s.conn(ctx).
		Model(&terminRow{}).
		Where("slot_id = ? AND booked = ?", slotID, true).
		Count(&n).Error
	if err != nil {
		return 0, mapError("count booked", err)
	}
	return int(n), nil
}

func (s *Store) HasResult(ctx context.Context, terminID string) (bool, error) {
	var n int64
	if err := s.conn(ctx).Model(&vaccinationRecordRow{}).Where("termin_id = ?", terminID).Count(&n).Error; err != nil {
		return false, mapError("has result", err)
	}
	return n > 0, nil
}

func (s *Store) SetReservation(ctx context.Context, u domain.ReservationUpdate) (bool, error) {
	res := s.conn(ctx).
		Model(&terminRow{}).
		Where("id = ? AND booked = ?", u.TerminID, false).
		Where("(reserved_by IS NULL OR reserved_by = ? OR reserved_at < ?)", u.CaseID, nanos(u.ExpiredBefore)).
		Where(noResult).
		Updates(map[string]any{
			"reserved_by": u.CaseID,
			"reserved_at": nanos(u.ReservedAt),
		})
	if res.Error != nil {
		return false, mapError("set reservation", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ClearReservations(ctx context.Context, caseID string, class domain.AppointmentClass, exceptTerminID string) (int, error) {
	tx := s.conn(ctx).
		Model(&terminRow{}).
		Where("reserved_by = ? AND class = ?", caseID, string(class))
	if exceptTerminID != "" {
		tx = tx.Where("id <> ?", exceptTerminID)
	}
	res := tx.Updates(map[string]any{"reserved_by": nil, "reserved_at": nil})
	if res.Error != nil {
		return 0, mapError("clear reservations", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) MarkBooked(ctx context.Context, u domain.BookingUpdate) (bool, error) {
	tx := s.conn(ctx).
		Model(&terminRow{}).
		Where("id = ? AND booked = ?", u.TerminID, false).
		Where(noResult)
	if !u.IgnoreReservations {
		tx = tx.Where("(reserved_by IS NULL OR reserved_by = ? OR reserved_at < ?)", u.CaseID, nanos(u.ExpiredBefore))
	}
	res := tx.Updates(map[string]any{
		"booked":         true,
		"booked_by":      u.CaseID,
		"offset_minutes": u.OffsetMinutes,
		"reserved_by":    nil,
		"reserved_at":    nil,
	})
	if res.Error != nil {
		return false, mapError("mark booked", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) MarkFree(ctx context.Context, terminID string) (bool, error) {
	res := s.conn(ctx).
		Model(&terminRow{}).
		Where("id = ?", terminID).
		Where(noResult).
		Updates(map[string]any{
			"booked":         false,
			"booked_by":      nil,
			"reserved_by":    nil,
			"reserved_at":    nil,
			"offset_minutes": 0,
		})
	if res.Error != nil {
		return false, mapError("mark free", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ClearExpiredReservations(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.conn(ctx).
		Model(&terminRow{}).
		Where("reserved_by IS NOT NULL AND booked = ? AND reserved_at < ?", false, nanos(cutoff)).
		Updates(map[string]any{"reserved_by": nil, "reserved_at": nil})
	if res.Error != nil {
		return 0, mapError("clear expired reservations", res.Error)
	}
	return int(res.RowsAffected), nil
}
