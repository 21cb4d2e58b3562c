package app

import (
	"errors"

	"github.com/cimillas/impftermin/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// operationsTotal counts booking protocol calls by operation and outcome.
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termin_operations_total",
			Help: "Booking protocol operations by outcome.",
		},
		[]string{"operation", "strategy", "outcome"},
	)

	commitRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termin_commit_retries_total",
			Help: "Transactions retried after a lost race or store contention.",
		},
		[]string{"operation"},
	)

	offsetAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termin_offset_assignments_total",
			Help: "Offsets assigned at booking time by mode.",
		},
		[]string{"mode"},
	)

	sweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_sweeps_total",
			Help: "Expiry sweeps by outcome.",
		},
		[]string{"outcome"},
	)

	expiredReservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reservations_expired_total",
			Help: "Reservations cleared by the expiry sweeper.",
		},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal, commitRetries, offsetAssignments, sweepsTotal, expiredReservations)
}

// outcomeLabel keeps the outcome label set bounded.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, domain.ErrReservationConflict):
		return "reservation_conflict"
	case errors.Is(err, domain.ErrTerminTaken):
		return "termin_taken"
	case errors.Is(err, domain.ErrAlreadyBooked):
		return "already_booked"
	case errors.Is(err, domain.ErrHasResult):
		return "has_result"
	case errors.Is(err, domain.ErrTryAgain):
		return "try_again"
	case errors.Is(err, domain.ErrSlotNotFound), errors.Is(err, domain.ErrTerminNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidClass),
		errors.Is(err, domain.ErrCaseIDRequired),
		errors.Is(err, domain.ErrClassNotSupported),
		errors.Is(err, domain.ErrDiseaseMismatch),
		errors.Is(err, domain.ErrClassMismatch),
		errors.Is(err, domain.ErrSameTermin),
		errors.Is(err, domain.ErrNotBookedByCase):
		return "invalid"
	default:
		return "error"
	}
}
