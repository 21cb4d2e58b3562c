package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cimillas/impftermin/internal/clock"
	"github.com/cimillas/impftermin/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultCommitRetries = 3

var tracer = otel.Tracer("github.com/cimillas/impftermin/internal/app")

// BookingService moves Termine between free, reserved and booked. Every
// transition is a conditional write re-validated at commit, so a stale read
// from a non-locking strategy costs a retry, never a double booking.
type BookingService struct {
	repo         BookingRepository
	allocator    *SlotAllocator
	reservations *ReservationManager
	offsets      *OffsetAssigner
	clock        clock.Clock
	retries      int
	logger       zerolog.Logger
	stats        StatsRecorder
}

type BookingOption func(*BookingService)

// WithCommitRetries bounds how often a transaction is retried after a lost
// race or store contention.
func WithCommitRetries(n int) BookingOption {
	return func(s *BookingService) {
		if n >= 0 {
			s.retries = n
		}
	}
}

func WithLogger(l zerolog.Logger) BookingOption {
	return func(s *BookingService) {
		s.logger = l
	}
}

func WithStatsRecorder(r StatsRecorder) BookingOption {
	return func(s *BookingService) {
		s.stats = r
	}
}

func NewBookingService(
	repo BookingRepository,
	allocator *SlotAllocator,
	reservations *ReservationManager,
	offsets *OffsetAssigner,
	clk clock.Clock,
	opts ...BookingOption,
) *BookingService {
	s := &BookingService{
		repo:         repo,
		allocator:    allocator,
		reservations: reservations,
		offsets:      offsets,
		clock:        clk,
		retries:      defaultCommitRetries,
		logger:       log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ReserveResult struct {
	Termin domain.Termin
	// ExpiresAt is nil when reservations are disabled.
	ExpiresAt *time.Time
	// Created is false when the case re-entered its own live reservation.
	Created bool
}

type BookInput struct {
	CaseID   string
	TerminID string
}

type BookResult struct {
	Termin          domain.Termin
	Slot            domain.Slot
	AppointmentTime time.Time
	// Created is false when the Termin was already booked by the same case.
	Created bool
}

type MoveInput struct {
	CaseID       string
	FromTerminID string
	ToTerminID   string
}

// Acquire exposes the allocator without side effects.
func (s *BookingService) Acquire(ctx context.Context, in AcquireInput) (termin domain.Termin, err error) {
	ctx, span := s.startSpan(ctx, "booking.Acquire", attribute.String("slot.id", in.SlotID), attribute.String("class", string(in.Class)))
	defer func() { s.finish(ctx, span, "acquire", in.SlotID, in.Class, err) }()

	return s.allocator.Acquire(ctx, in)
}

// Reserve acquires a Termin and holds it for the case. Calling it again for
// the same case, slot and class returns the same Termin while the hold lives.
func (s *BookingService) Reserve(ctx context.Context, in AcquireInput) (res ReserveResult, err error) {
	ctx, span := s.startSpan(ctx, "booking.Reserve", attribute.String("slot.id", in.SlotID), attribute.String("class", string(in.Class)))
	defer func() { s.finish(ctx, span, "reserve", in.SlotID, in.Class, err) }()

	err = s.inTx(ctx, "reserve", func(txCtx context.Context) error {
		termin, err := s.allocator.Acquire(txCtx, in)
		if err != nil {
			return err
		}
		if !s.reservations.Enabled() {
			res = ReserveResult{Termin: termin}
			return nil
		}
		if termin.ReservedBy == in.CaseID && !s.reservations.IsExpired(termin) {
			res = ReserveResult{Termin: termin}
			return nil
		}
		held, err := s.reservations.Hold(txCtx, in.CaseID, termin)
		if err != nil {
			return err
		}
		res = ReserveResult{Termin: held, Created: true}
		return nil
	})
	if err != nil {
		return ReserveResult{}, err
	}
	if res.Termin.ReservedAt != nil {
		expires := res.Termin.ReservedAt.Add(s.reservations.TTL())
		res.ExpiresAt = &expires
	}
	return res, nil
}

// Book books a specific Termin for the case.
func (s *BookingService) Book(ctx context.Context, in BookInput) (res BookResult, err error) {
	ctx, span := s.startSpan(ctx, "booking.Book", attribute.String("termin.id", in.TerminID))
	defer func() { s.finish(ctx, span, "book", res.Termin.SlotID, res.Termin.Class, err) }()

	if err := validateCaseID(in.CaseID); err != nil {
		return BookResult{}, err
	}
	if err := validateID(in.TerminID); err != nil {
		return BookResult{}, err
	}

	err = s.inTx(ctx, "book", func(txCtx context.Context) error {
		termin, err := s.repo.GetTerminForUpdate(txCtx, in.TerminID)
		if err != nil {
			return err
		}
		res, err = s.book(txCtx, in.CaseID, termin)
		return err
	})
	if err != nil {
		return BookResult{}, err
	}
	return res, nil
}

// AcquireAndBook acquires and books in one transaction per attempt.
func (s *BookingService) AcquireAndBook(ctx context.Context, in AcquireInput) (res BookResult, err error) {
	ctx, span := s.startSpan(ctx, "booking.AcquireAndBook", attribute.String("slot.id", in.SlotID), attribute.String("class", string(in.Class)))
	defer func() { s.finish(ctx, span, "acquire_book", in.SlotID, in.Class, err) }()

	err = s.inTx(ctx, "acquire_book", func(txCtx context.Context) error {
		termin, err := s.allocator.Acquire(txCtx, in)
		if err != nil {
			return err
		}
		res, err = s.book(txCtx, in.CaseID, termin)
		if errors.Is(err, domain.ErrTerminTaken) || errors.Is(err, domain.ErrReservationConflict) {
			// The candidate went stale between selection and booking.
			return domain.ErrWriteConflict
		}
		return err
	})
	if err != nil {
		return BookResult{}, err
	}
	return res, nil
}

// Release returns a Termin to the free pool. Termine carrying a vaccination
// record are never released.
func (s *BookingService) Release(ctx context.Context, terminID string) (released domain.Termin, err error) {
	ctx, span := s.startSpan(ctx, "booking.Release", attribute.String("termin.id", terminID))
	defer func() { s.finish(ctx, span, "release", released.SlotID, released.Class, err) }()

	if err := validateID(terminID); err != nil {
		return domain.Termin{}, err
	}

	err = s.inTx(ctx, "release", func(txCtx context.Context) error {
		termin, err := s.repo.GetTerminForUpdate(txCtx, terminID)
		if err != nil {
			return err
		}
		hasResult, err := s.repo.HasResult(txCtx, termin.ID)
		if err != nil {
			return err
		}
		if hasResult {
			return domain.ErrHasResult
		}
		if !termin.Booked && termin.ReservedBy == "" && termin.OffsetMinutes == 0 {
			released = termin
			return nil
		}

		ok, err := s.repo.MarkFree(txCtx, termin.ID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrWriteConflict
		}
		termin.Booked = false
		termin.BookedBy = ""
		termin.ReservedBy = ""
		termin.ReservedAt = nil
		termin.OffsetMinutes = 0
		released = termin
		return nil
	})
	if err != nil {
		return domain.Termin{}, err
	}
	return released, nil
}

// ReleaseReservations drops every hold of the case for class.
func (s *BookingService) ReleaseReservations(ctx context.Context, caseID string, class domain.AppointmentClass) (n int, err error) {
	ctx, span := s.startSpan(ctx, "booking.ReleaseReservations", attribute.String("class", string(class)))
	defer func() { s.finish(ctx, span, "release_reservations", "", class, err) }()

	if err := validateCaseID(caseID); err != nil {
		return 0, err
	}
	if !class.Valid() {
		return 0, domain.ErrInvalidClass
	}
	err = s.inTx(ctx, "release_reservations", func(txCtx context.Context) error {
		var err error
		n, err = s.reservations.Release(txCtx, caseID, class)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Move releases the case's booking on one Termin and books another of the
// same class. The target is checked before anything is released. The steps
// run in separate transactions; when booking the target fails the old
// Termin is restored with its original offset on a best-effort basis.
func (s *BookingService) Move(ctx context.Context, in MoveInput) (res BookResult, err error) {
	ctx, span := s.startSpan(ctx, "booking.Move",
		attribute.String("termin.from", in.FromTerminID),
		attribute.String("termin.to", in.ToTerminID),
	)
	defer func() { s.finish(ctx, span, "move", res.Termin.SlotID, res.Termin.Class, err) }()

	if err := validateCaseID(in.CaseID); err != nil {
		return BookResult{}, err
	}
	if err := validateID(in.FromTerminID); err != nil {
		return BookResult{}, err
	}
	if err := validateID(in.ToTerminID); err != nil {
		return BookResult{}, err
	}
	if in.FromTerminID == in.ToTerminID {
		return BookResult{}, domain.ErrSameTermin
	}

	var (
		from, to domain.Termin
		repeat   bool
	)
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		if from, err = s.repo.GetTerminForUpdate(txCtx, in.FromTerminID); err != nil {
			return err
		}
		if to, err = s.repo.GetTerminForUpdate(txCtx, in.ToTerminID); err != nil {
			return err
		}
		if from.Class != to.Class {
			return domain.ErrClassMismatch
		}
		fromOwned := from.Booked && from.BookedBy == in.CaseID
		if to.Booked && to.BookedBy == in.CaseID && !fromOwned {
			repeat = true
			return nil
		}
		if !fromOwned {
			return domain.ErrNotBookedByCase
		}
		return s.checkBookable(txCtx, in.CaseID, to)
	})
	if err != nil {
		return BookResult{}, err
	}
	if repeat {
		return s.Book(ctx, BookInput{CaseID: in.CaseID, TerminID: to.ID})
	}

	if _, err := s.Release(ctx, from.ID); err != nil {
		return BookResult{}, err
	}
	res, err = s.Book(ctx, BookInput{CaseID: in.CaseID, TerminID: to.ID})
	if err != nil {
		if restoreErr := s.restore(ctx, in.CaseID, from); restoreErr != nil {
			s.logger.Error().
				Err(restoreErr).
				Str("case_id", in.CaseID).
				Str("termin_id", from.ID).
				Msg("move: restoring previous booking failed")
		}
		return BookResult{}, err
	}
	return res, nil
}

// checkBookable reports why caseID could not book t, or nil.
func (s *BookingService) checkBookable(ctx context.Context, caseID string, t domain.Termin) error {
	hasResult, err := s.repo.HasResult(ctx, t.ID)
	if err != nil {
		return err
	}
	if hasResult {
		return domain.ErrAlreadyBooked
	}
	if t.Booked && t.BookedBy != caseID {
		return domain.ErrTerminTaken
	}
	if s.reservations.IsHeldByOther(caseID, t) {
		return domain.ErrReservationConflict
	}
	return nil
}

// restore re-books a released Termin for caseID with the offset it had
// before, so a failed move leaves the appointment time unchanged.
func (s *BookingService) restore(ctx context.Context, caseID string, t domain.Termin) error {
	return s.inTx(ctx, "move_restore", func(txCtx context.Context) error {
		upd := domain.BookingUpdate{
			TerminID:           t.ID,
			CaseID:             caseID,
			OffsetMinutes:      t.OffsetMinutes,
			IgnoreReservations: !s.reservations.Enabled(),
		}
		if s.reservations.Enabled() {
			upd.ExpiredBefore = s.reservations.Cutoff()
		}
		ok, err := s.repo.MarkBooked(txCtx, upd)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrTerminTaken
		}
		return nil
	})
}

// book applies the booking preconditions to t and commits with a
// conditional write. t may be stale; the write re-checks everything.
func (s *BookingService) book(ctx context.Context, caseID string, t domain.Termin) (BookResult, error) {
	if err := validateCaseID(caseID); err != nil {
		return BookResult{}, err
	}
	slot, err := s.repo.GetSlot(ctx, t.SlotID)
	if err != nil {
		return BookResult{}, err
	}
	if t.Booked && t.BookedBy == caseID {
		return BookResult{Termin: t, Slot: slot, AppointmentTime: t.AppointmentTime(slot)}, nil
	}

	if err := s.checkBookable(ctx, caseID, t); err != nil {
		return BookResult{}, err
	}

	// Round-robin offsets depend on the booked count, so concurrent bookings
	// of the same slot must not read it at the same time.
	if s.offsets.Deterministic(slot) {
		if slot, err = s.repo.LockSlot(ctx, slot.ID); err != nil {
			return BookResult{}, err
		}
	}
	offset, err := s.offsets.Assign(ctx, slot, func(ctx context.Context) (int, error) {
		return s.repo.CountBooked(ctx, slot.ID)
	})
	if err != nil {
		return BookResult{}, err
	}

	upd := domain.BookingUpdate{
		TerminID:           t.ID,
		CaseID:             caseID,
		OffsetMinutes:      offset,
		IgnoreReservations: !s.reservations.Enabled(),
	}
	if s.reservations.Enabled() {
		upd.ExpiredBefore = s.reservations.Cutoff()
	}
	ok, err := s.repo.MarkBooked(ctx, upd)
	if err != nil {
		return BookResult{}, err
	}
	if !ok {
		return BookResult{}, domain.ErrWriteConflict
	}
	if _, err := s.reservations.Release(ctx, caseID, t.Class); err != nil {
		return BookResult{}, err
	}

	t.Booked = true
	t.BookedBy = caseID
	t.OffsetMinutes = offset
	t.ReservedBy = ""
	t.ReservedAt = nil
	return BookResult{
		Termin:          t,
		Slot:            slot,
		AppointmentTime: t.AppointmentTime(slot),
		Created:         true,
	}, nil
}

// inTx runs fn in a fresh transaction per attempt and retries transient
// failures. An exhausted budget is reported as ErrTryAgain.
func (s *BookingService) inTx(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			commitRetries.WithLabelValues(op).Inc()
			s.logger.Debug().
				Err(err).
				Str("operation", op).
				Int("attempt", attempt).
				Msg("retrying transaction")
		}
		err = s.repo.WithTx(ctx, fn)
		if err == nil || !domain.IsTransient(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrTryAgain, err)
}

func (s *BookingService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("strategy", s.allocator.Strategy().Name()))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish records metrics, stats and logs for one operation and ends span.
func (s *BookingService) finish(ctx context.Context, span trace.Span, op, slotID string, class domain.AppointmentClass, err error) {
	defer span.End()

	outcome := outcomeLabel(err)
	operationsTotal.WithLabelValues(op, s.allocator.Strategy().Name(), outcome).Inc()

	if err != nil {
		span.RecordError(err)
		if outcome == "error" {
			span.SetStatus(codes.Error, err.Error())
		}
	}

	switch {
	case errors.Is(err, domain.ErrAlreadyBooked), errors.Is(err, domain.ErrHasResult):
		s.logger.Error().Err(err).Str("operation", op).Str("slot_id", slotID).Msg("vaccination record blocks termin change")
	case outcome == "error":
		s.logger.Error().Err(err).Str("operation", op).Str("slot_id", slotID).Msg("booking operation failed")
	case err != nil:
		s.logger.Debug().Err(err).Str("operation", op).Str("slot_id", slotID).Msg("booking operation rejected")
	}

	if s.stats == nil || slotID == "" {
		return
	}
	ev := AllocationEvent{
		Operation: op,
		SlotID:    slotID,
		Class:     class,
		Outcome:   outcome,
		At:        s.clock.Now(),
	}
	if recErr := s.stats.Record(ctx, ev); recErr != nil {
		s.logger.Warn().Err(recErr).Str("operation", op).Msg("record allocation stats")
	}
}
