package app

import (
	"context"
	"strings"

	"github.com/cimillas/impftermin/internal/domain"
)

// SlotAllocator finds a bookable Termin for a case. It performs reads only;
// writes happen in the booking protocol.
type SlotAllocator struct {
	repo         AllocationRepository
	strategy     SelectionStrategy
	reservations *ReservationManager
}

func NewSlotAllocator(repo AllocationRepository, strategy SelectionStrategy, reservations *ReservationManager) *SlotAllocator {
	if strategy == nil {
		strategy = LockedSelection{}
	}
	return &SlotAllocator{
		repo:         repo,
		strategy:     strategy,
		reservations: reservations,
	}
}

func (a *SlotAllocator) Strategy() SelectionStrategy { return a.strategy }

type AcquireInput struct {
	CaseID  string
	SlotID  string
	Disease string
	Class   domain.AppointmentClass
}

func (in AcquireInput) validate() error {
	if err := validateCaseID(in.CaseID); err != nil {
		return err
	}
	if err := validateID(in.SlotID); err != nil {
		return err
	}
	if !in.Class.Valid() {
		return domain.ErrInvalidClass
	}
	return nil
}

// Acquire returns the Termin the case already holds in this slot and class,
// or a free one chosen by the strategy. Holds of the case in other classes
// are not consulted. The locked strategy keeps its row locks until the
// enclosing transaction ends.
func (a *SlotAllocator) Acquire(ctx context.Context, in AcquireInput) (domain.Termin, error) {
	if err := in.validate(); err != nil {
		return domain.Termin{}, err
	}

	slot, err := a.repo.GetSlot(ctx, in.SlotID)
	if err != nil {
		return domain.Termin{}, err
	}
	if in.Disease != "" && !strings.EqualFold(in.Disease, slot.Disease) {
		return domain.Termin{}, domain.ErrDiseaseMismatch
	}
	if !slot.Supports(in.Class) {
		return domain.Termin{}, domain.ErrClassNotSupported
	}

	q := domain.TerminQuery{
		SlotID:             slot.ID,
		Class:              in.Class,
		IgnoreReservations: !a.reservations.Enabled(),
	}
	if a.reservations.Enabled() {
		q.ExpiredBefore = a.reservations.Cutoff()
		own, err := a.repo.FindReservedTermin(ctx, slot.ID, in.Class, in.CaseID, q.ExpiredBefore)
		if err != nil {
			return domain.Termin{}, err
		}
		if own != nil {
			return *own, nil
		}
	}

	termin, err := a.strategy.Select(ctx, a.repo, q)
	if err != nil {
		return domain.Termin{}, err
	}
	if termin == nil {
		return domain.Termin{}, domain.ErrNoCapacity
	}
	return *termin, nil
}
