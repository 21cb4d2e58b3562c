package domain

import (
	"fmt"
	"strings"
	"time"
)

// AppointmentClass selects the capacity pool a Termin belongs to.
type AppointmentClass string

const (
	ClassFirst   AppointmentClass = "first"
	ClassSecond  AppointmentClass = "second"
	ClassBooster AppointmentClass = "booster"
)

// AppointmentClasses lists every class in capacity-planning order.
var AppointmentClasses = []AppointmentClass{ClassFirst, ClassSecond, ClassBooster}

func ParseAppointmentClass(s string) (AppointmentClass, error) {
	switch c := AppointmentClass(strings.ToLower(strings.TrimSpace(s))); c {
	case ClassFirst, ClassSecond, ClassBooster:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidClass, s)
	}
}

func (c AppointmentClass) Valid() bool {
	switch c {
	case ClassFirst, ClassSecond, ClassBooster:
		return true
	}
	return false
}

// Slot is a time window at a location for one disease program. It owns one
// Termin per unit of capacity.
type Slot struct {
	ID              string
	Location        string
	Disease         string
	StartsAt        time.Time
	DurationMinutes int
	CapacityFirst   int
	CapacitySecond  int
	CapacityBooster int
	CreatedAt       time.Time
}

func (s Slot) Capacity(class AppointmentClass) int {
	switch class {
	case ClassFirst:
		return s.CapacityFirst
	case ClassSecond:
		return s.CapacitySecond
	case ClassBooster:
		return s.CapacityBooster
	}
	return 0
}

func (s Slot) TotalCapacity() int {
	return s.CapacityFirst + s.CapacitySecond + s.CapacityBooster
}

// Supports reports whether the slot has any capacity for class.
func (s Slot) Supports(class AppointmentClass) bool {
	return s.Capacity(class) > 0
}

func (s Slot) EndsAt() time.Time {
	return s.StartsAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// SlotAvailability summarizes Termin states of a slot for one class.
type SlotAvailability struct {
	SlotID   string
	Class    AppointmentClass
	Capacity int
	Booked   int
	Reserved int
	Free     int
}
