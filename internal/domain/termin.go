package domain

import "time"

type TerminState string

const (
	TerminFree     TerminState = "free"
	TerminReserved TerminState = "reserved"
	TerminBooked   TerminState = "booked"
)

// Termin is one bookable unit inside a Slot. Reservation fields live on the
// row itself so hold, book and release are single-row updates.
type Termin struct {
	ID            string
	SlotID        string
	Class         AppointmentClass
	Booked        bool
	BookedBy      string
	ReservedBy    string
	ReservedAt    *time.Time
	OffsetMinutes int
}

// ReservationExpired reports whether the reservation is older than ttl.
// A Termin without a holder counts as expired.
func (t Termin) ReservationExpired(now time.Time, ttl time.Duration) bool {
	if t.ReservedBy == "" || t.ReservedAt == nil {
		return true
	}
	return now.Sub(*t.ReservedAt) > ttl
}

// HeldBy returns the case holding a live reservation, or "".
func (t Termin) HeldBy(now time.Time, ttl time.Duration) string {
	if t.ReservationExpired(now, ttl) {
		return ""
	}
	return t.ReservedBy
}

func (t Termin) State(now time.Time, ttl time.Duration) TerminState {
	switch {
	case t.Booked:
		return TerminBooked
	case t.HeldBy(now, ttl) != "":
		return TerminReserved
	default:
		return TerminFree
	}
}

// AppointmentTime is the slot start shifted by the assigned offset.
func (t Termin) AppointmentTime(slot Slot) time.Time {
	return slot.StartsAt.Add(time.Duration(t.OffsetMinutes) * time.Minute)
}

// TerminQuery selects free Termine of one slot and class.
type TerminQuery struct {
	SlotID string
	Class  AppointmentClass
	// ExpiredBefore treats reservations stamped before it as free.
	ExpiredBefore time.Time
	// IgnoreReservations treats every unbooked Termin as free.
	IgnoreReservations bool
	// Lock takes a row lock on the selected Termin.
	Lock bool
}

// BookingUpdate is the conditional write that flips a Termin to booked.
type BookingUpdate struct {
	TerminID      string
	CaseID        string
	OffsetMinutes int
	// ExpiredBefore and IgnoreReservations guard against a live foreign hold.
	ExpiredBefore      time.Time
	IgnoreReservations bool
}

// ReservationUpdate is the conditional write that stamps a holder.
type ReservationUpdate struct {
	TerminID      string
	CaseID        string
	ReservedAt    time.Time
	ExpiredBefore time.Time
}
