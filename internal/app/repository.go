package app

import (
	"context"
	"time"

	"github.com/cimillas/impftermin/internal/domain"
)

// TxRunner runs fn inside one store transaction. Nested calls join the
// transaction already carried by ctx.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SelectionRepository is what a SelectionStrategy may read.
type SelectionRepository interface {
	LockSlot(ctx context.Context, slotID string) (domain.Slot, error)
	FirstFreeTermin(ctx context.Context, q domain.TerminQuery) (*domain.Termin, error)
	ListFreeTermine(ctx context.Context, q domain.TerminQuery) ([]domain.Termin, error)
}

type AllocationRepository interface {
	SelectionRepository
	GetSlot(ctx context.Context, slotID string) (domain.Slot, error)
	FindReservedTermin(ctx context.Context, slotID string, class domain.AppointmentClass, caseID string, expiredBefore time.Time) (*domain.Termin, error)
}

// ReservationRepository holds the only writes allowed on holder/timestamp.
type ReservationRepository interface {
	HasResult(ctx context.Context, terminID string) (bool, error)
	SetReservation(ctx context.Context, u domain.ReservationUpdate) (bool, error)
	ClearReservations(ctx context.Context, caseID string, class domain.AppointmentClass, exceptTerminID string) (int, error)
}

type BookingRepository interface {
	TxRunner
	AllocationRepository
	ReservationRepository
	GetTerminForUpdate(ctx context.Context, terminID string) (domain.Termin, error)
	CountBooked(ctx context.Context, slotID string) (int, error)
	MarkBooked(ctx context.Context, u domain.BookingUpdate) (bool, error)
	MarkFree(ctx context.Context, terminID string) (bool, error)
}

type SweepRepository interface {
	ClearExpiredReservations(ctx context.Context, cutoff time.Time) (int, error)
}
