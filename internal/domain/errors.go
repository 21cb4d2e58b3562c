package domain

import "errors"

var (
	ErrSlotNotFound      = errors.New("slot not found")
	ErrTerminNotFound    = errors.New("termin not found")
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidClass      = errors.New("invalid appointment class")
	ErrClassNotSupported = errors.New("appointment class not supported by slot")
	ErrDiseaseMismatch   = errors.New("slot belongs to a different disease")
	ErrCaseIDRequired    = errors.New("case id required")
	ErrInvalidCapacity   = errors.New("invalid capacity")
	ErrInvalidDuration   = errors.New("invalid slot duration")
	ErrLocationRequired  = errors.New("location required")
	ErrDiseaseRequired   = errors.New("disease required")
	ErrSameTermin        = errors.New("source and target termin are the same")
	ErrClassMismatch     = errors.New("termine belong to different appointment classes")
	ErrNotBookedByCase   = errors.New("termin is not booked by this case")
	ErrResultExists      = errors.New("termin already carries a vaccination record")
	ErrTerminNotBooked   = errors.New("termin is not booked")
)

// Allocation and booking outcomes.
var (
	// ErrNoCapacity means no eligible Termin exists. It is an expected outcome.
	ErrNoCapacity          = errors.New("no capacity")
	ErrReservationConflict = errors.New("termin is reserved by another case")
	ErrTerminTaken         = errors.New("termin is booked by another case")
	// ErrAlreadyBooked rejects booking a Termin that carries a vaccination record.
	ErrAlreadyBooked = errors.New("termin carries a vaccination record and cannot be booked")
	// ErrHasResult rejects releasing a Termin that carries a vaccination record.
	ErrHasResult = errors.New("termin carries a vaccination record and cannot be released")
	// ErrTryAgain is returned once the commit retry budget is exhausted.
	ErrTryAgain = errors.New("allocation contended, try again")
)

// Transient store conditions, retried by the booking protocol.
var (
	ErrContention    = errors.New("store contention")
	ErrWriteConflict = errors.New("conditional write lost a race")
)

// IsTransient reports whether err should be retried with a fresh transaction.
func IsTransient(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, ErrWriteConflict)
}
