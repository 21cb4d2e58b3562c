package app

import (
	"context"
	"strings"
	"time"

	"github.com/cimillas/impftermin/internal/clock"
	"github.com/cimillas/impftermin/internal/domain"
)

type AdminRepository interface {
	CreateSlot(ctx context.Context, slot domain.Slot, termine []domain.Termin) error
	ListSlots(ctx context.Context) ([]domain.Slot, error)
	GetSlot(ctx context.Context, slotID string) (domain.Slot, error)
	ListTermine(ctx context.Context, slotID string) ([]domain.Termin, error)
	RecordResult(ctx context.Context, terminID string, recordedAt time.Time) error
}

type AdminService struct {
	repo         AdminRepository
	reservations *ReservationManager
	clock        clock.Clock
}

func NewAdminService(repo AdminRepository, reservations *ReservationManager, clk clock.Clock) *AdminService {
	return &AdminService{
		repo:         repo,
		reservations: reservations,
		clock:        clk,
	}
}

type CreateSlotInput struct {
	Location        string
	Disease         string
	StartsAt        *time.Time
	DurationMinutes int
	CapacityFirst   int
	CapacitySecond  int
	CapacityBooster int
}

// CreateSlot plans a slot and one free Termin per unit of capacity.
func (s *AdminService) CreateSlot(ctx context.Context, in CreateSlotInput) (domain.Slot, error) {
	location := strings.TrimSpace(in.Location)
	if location == "" {
		return domain.Slot{}, domain.ErrLocationRequired
	}
	disease := strings.TrimSpace(in.Disease)
	if disease == "" {
		return domain.Slot{}, domain.ErrDiseaseRequired
	}
	if in.DurationMinutes <= 0 {
		return domain.Slot{}, domain.ErrInvalidDuration
	}
	if in.CapacityFirst < 0 || in.CapacitySecond < 0 || in.CapacityBooster < 0 {
		return domain.Slot{}, domain.ErrInvalidCapacity
	}
	if in.CapacityFirst+in.CapacitySecond+in.CapacityBooster == 0 {
		return domain.Slot{}, domain.ErrInvalidCapacity
	}

	now := s.clock.Now()
	startsAt := now
	if in.StartsAt != nil {
		startsAt = in.StartsAt.UTC()
	}

	slot := domain.Slot{
		ID:              newID(),
		Location:        location,
		Disease:         disease,
		StartsAt:        startsAt,
		DurationMinutes: in.DurationMinutes,
		CapacityFirst:   in.CapacityFirst,
		CapacitySecond:  in.CapacitySecond,
		CapacityBooster: in.CapacityBooster,
		CreatedAt:       now,
	}

	termine := make([]domain.Termin, 0, slot.TotalCapacity())
	for _, class := range domain.AppointmentClasses {
		for i := 0; i < slot.Capacity(class); i++ {
			termine = append(termine, domain.Termin{
				ID:     newID(),
				SlotID: slot.ID,
				Class:  class,
			})
		}
	}

	if err := s.repo.CreateSlot(ctx, slot, termine); err != nil {
		return domain.Slot{}, err
	}
	return slot, nil
}

func (s *AdminService) ListSlots(ctx context.Context) ([]domain.Slot, error) {
	return s.repo.ListSlots(ctx)
}

func (s *AdminService) ListTermine(ctx context.Context, slotID string) ([]domain.Termin, error) {
	if err := validateID(slotID); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetSlot(ctx, slotID); err != nil {
		return nil, err
	}
	return s.repo.ListTermine(ctx, slotID)
}

// Availability counts Termin states per class as allocation sees them now.
// Expired reservations count as free.
func (s *AdminService) Availability(ctx context.Context, slotID string) ([]domain.SlotAvailability, error) {
	if err := validateID(slotID); err != nil {
		return nil, err
	}
	slot, err := s.repo.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	termine, err := s.repo.ListTermine(ctx, slotID)
	if err != nil {
		return nil, err
	}

	byClass := make(map[domain.AppointmentClass]*domain.SlotAvailability)
	out := make([]domain.SlotAvailability, 0, len(domain.AppointmentClasses))
	for _, class := range domain.AppointmentClasses {
		byClass[class] = &domain.SlotAvailability{
			SlotID:   slot.ID,
			Class:    class,
			Capacity: slot.Capacity(class),
		}
	}
	for _, t := range termine {
		a, ok := byClass[t.Class]
		if !ok {
			continue
		}
		switch s.reservations.State(t) {
		case domain.TerminBooked:
			a.Booked++
		case domain.TerminReserved:
			a.Reserved++
		default:
			a.Free++
		}
	}
	for _, class := range domain.AppointmentClasses {
		out = append(out, *byClass[class])
	}
	return out, nil
}

// RecordResult attaches a vaccination record to a Termin. From then on the
// Termin can no longer be released or booked again.
func (s *AdminService) RecordResult(ctx context.Context, terminID string) error {
	if err := validateID(terminID); err != nil {
		return err
	}
	return s.repo.RecordResult(ctx, terminID, s.clock.Now())
}
