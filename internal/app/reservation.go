package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cimillas/impftermin/internal/clock"
	"github.com/cimillas/impftermin/internal/domain"
)

const defaultReservationTTL = 10 * time.Minute

// ReservationManager grants and clears short-lived holds stored on the
// Termin row. It owns no state besides its configuration.
type ReservationManager struct {
	repo    ReservationRepository
	clock   clock.Clock
	ttl     time.Duration
	enabled bool
}

type ReservationOption func(*ReservationManager)

// WithReservationTTL overrides the default hold lifetime.
func WithReservationTTL(d time.Duration) ReservationOption {
	return func(m *ReservationManager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithReservationsEnabled toggles holds globally. Disabled managers never
// write and report every Termin as not held.
func WithReservationsEnabled(enabled bool) ReservationOption {
	return func(m *ReservationManager) {
		m.enabled = enabled
	}
}

func NewReservationManager(repo ReservationRepository, clk clock.Clock, opts ...ReservationOption) *ReservationManager {
	m := &ReservationManager{
		repo:    repo,
		clock:   clk,
		ttl:     defaultReservationTTL,
		enabled: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ReservationManager) Enabled() bool      { return m.enabled }
func (m *ReservationManager) TTL() time.Duration { return m.ttl }

// Cutoff is the stamp before which reservations count as expired.
func (m *ReservationManager) Cutoff() time.Time {
	return m.clock.Now().Add(-m.ttl)
}

func (m *ReservationManager) IsExpired(t domain.Termin) bool {
	if !m.enabled {
		return false
	}
	return t.ReservationExpired(m.clock.Now(), m.ttl)
}

func (m *ReservationManager) IsHeldByOther(caseID string, t domain.Termin) bool {
	if !m.enabled {
		return false
	}
	holder := t.HeldBy(m.clock.Now(), m.ttl)
	return holder != "" && holder != caseID
}

// State classifies t the way allocation sees it right now.
func (m *ReservationManager) State(t domain.Termin) domain.TerminState {
	if !m.enabled {
		if t.Booked {
			return domain.TerminBooked
		}
		return domain.TerminFree
	}
	return t.State(m.clock.Now(), m.ttl)
}

// Hold stamps caseID as holder of t. Any other hold of the same case for
// the same appointment class is cleared first, so a case holds at most one
// Termin per class. The returned Termin carries the new reservation.
func (m *ReservationManager) Hold(ctx context.Context, caseID string, t domain.Termin) (domain.Termin, error) {
	if !m.enabled {
		return t, nil
	}
	if err := validateCaseID(caseID); err != nil {
		return domain.Termin{}, err
	}

	hasResult, err := m.repo.HasResult(ctx, t.ID)
	if err != nil {
		return domain.Termin{}, err
	}
	if hasResult {
		return domain.Termin{}, domain.ErrReservationConflict
	}
	if t.Booked {
		if t.BookedBy == caseID {
			return t, nil
		}
		return domain.Termin{}, domain.ErrTerminTaken
	}
	if m.IsHeldByOther(caseID, t) {
		return domain.Termin{}, domain.ErrReservationConflict
	}

	now := m.clock.Now()
	if _, err := m.repo.ClearReservations(ctx, caseID, t.Class, t.ID); err != nil {
		return domain.Termin{}, fmt.Errorf("clear previous reservations: %w", err)
	}
	ok, err := m.repo.SetReservation(ctx, domain.ReservationUpdate{
		TerminID:      t.ID,
		CaseID:        caseID,
		ReservedAt:    now,
		ExpiredBefore: now.Add(-m.ttl),
	})
	if err != nil {
		return domain.Termin{}, err
	}
	if !ok {
		return domain.Termin{}, domain.ErrWriteConflict
	}

	t.ReservedBy = caseID
	t.ReservedAt = &now
	return t, nil
}

// Release drops every hold of caseID for class. It returns how many
// Termine were cleared; zero is not an error.
func (m *ReservationManager) Release(ctx context.Context, caseID string, class domain.AppointmentClass) (int, error) {
	if !m.enabled {
		return 0, nil
	}
	if err := validateCaseID(caseID); err != nil {
		return 0, err
	}
	if !class.Valid() {
		return 0, domain.ErrInvalidClass
	}
	n, err := m.repo.ClearReservations(ctx, caseID, class, "")
	if err != nil {
		return 0, fmt.Errorf("release reservations: %w", err)
	}
	return n, nil
}
