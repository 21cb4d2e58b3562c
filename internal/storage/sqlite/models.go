package sqlite

import (
	"time"

	"github.com/cimillas/impftermin/internal/domain"
)

type slotRow struct {
	ID              string    `gorm:"primaryKey;type:text"`
	Location        string    `gorm:"not null"`
	Disease         string    `gorm:"not null"`
	StartsAt        time.Time `gorm:"not null;index"`
	DurationMinutes int       `gorm:"not null"`
	CapacityFirst   int       `gorm:"not null;default:0"`
	CapacitySecond  int       `gorm:"not null;default:0"`
	CapacityBooster int       `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (slotRow) TableName() string { return "slots" }

// terminRow keeps reserved_at as unix nanoseconds so cutoff comparisons
// are numeric.
type terminRow struct {
	ID            string  `gorm:"primaryKey;type:text"`
	SlotID        string  `gorm:"not null;index:idx_termine_free,priority:1"`
	Class         string  `gorm:"not null;index:idx_termine_free,priority:2"`
	Booked        bool    `gorm:"not null;default:false;index:idx_termine_free,priority:3"`
	BookedBy      *string
	ReservedBy    *string `gorm:"index"`
	ReservedAt    *int64  `gorm:"index"`
	OffsetMinutes int     `gorm:"not null;default:0"`
}

func (terminRow) TableName() string { return "termine" }

type vaccinationRecordRow struct {
	TerminID   string    `gorm:"primaryKey;type:text"`
	RecordedAt time.Time `gorm:"not null"`
}

func (vaccinationRecordRow) TableName() string { return "vaccination_records" }

func slotFromRow(r slotRow) domain.Slot {
	return domain.Slot{
		ID:              r.ID,
		Location:        r.Location,
		Disease:         r.Disease,
		StartsAt:        r.StartsAt.UTC(),
		DurationMinutes: r.DurationMinutes,
		CapacityFirst:   r.CapacityFirst,
		CapacitySecond:  r.CapacitySecond,
		CapacityBooster: r.CapacityBooster,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func slotToRow(s domain.Slot) slotRow {
	return slotRow{
		ID:              s.ID,
		Location:        s.Location,
		Disease:         s.Disease,
		StartsAt:        s.StartsAt.UTC(),
		DurationMinutes: s.DurationMinutes,
		CapacityFirst:   s.CapacityFirst,
		CapacitySecond:  s.CapacitySecond,
		CapacityBooster: s.CapacityBooster,
		CreatedAt:       s.CreatedAt.UTC(),
	}
}

func terminFromRow(r terminRow) domain.Termin {
	t := domain.Termin{
		ID:            r.ID,
		SlotID:        r.SlotID,
		Class:         domain.AppointmentClass(r.Class),
		Booked:        r.Booked,
		OffsetMinutes: r.OffsetMinutes,
	}
	if r.BookedBy != nil {
		t.BookedBy = *r.BookedBy
	}
	if r.ReservedBy != nil {
		t.ReservedBy = *r.ReservedBy
	}
	if r.ReservedAt != nil {
		at := time.Unix(0, *r.ReservedAt).UTC()
		t.ReservedAt = &at
	}
	return t
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}
