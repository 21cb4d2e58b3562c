package app

import (
	"context"
	"time"

	"github.com/cimillas/impftermin/internal/domain"
)

// AllocationEvent is one booking protocol outcome, as reported to a
// StatsRecorder.
type AllocationEvent struct {
	Operation string
	SlotID    string
	Class     domain.AppointmentClass
	Outcome   string
	At        time.Time
}

// StatsRecorder receives per-slot outcome events. Recording errors are
// logged and never fail the operation.
type StatsRecorder interface {
	Record(ctx context.Context, ev AllocationEvent) error
}
