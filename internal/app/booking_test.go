package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cimillas/impftermin/internal/clock"
	"github.com/cimillas/impftermin/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type bookingFixture struct {
	store *fakeStore
	clock *clock.Manual
	svc   *BookingService
}

func newBookingFixture(t *testing.T, strategy SelectionStrategy, opts ...ReservationOption) bookingFixture {
	t.Helper()
	store := newFakeStore()
	clk := clock.NewManual(testNow)
	reservations := NewReservationManager(store, clk, opts...)
	svc := NewBookingService(
		store,
		NewSlotAllocator(store, strategy, reservations),
		reservations,
		NewOffsetAssigner(3, 20),
		clk,
		WithLogger(zerolog.Nop()),
	)
	return bookingFixture{store: store, clock: clk, svc: svc}
}

type recordingStats struct {
	mu     sync.Mutex
	events []AllocationEvent
	err    error
}

func (r *recordingStats) Record(ctx context.Context, ev AllocationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestBookingService_ReserveIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	slot := f.store.seedSlot(t, 3, 0, 0)
	in := AcquireInput{CaseID: "case-1", SlotID: slot.ID, Class: domain.ClassFirst}

	first, err := f.svc.Reserve(context.Background(), in)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected new reservation")
	}
	if first.ExpiresAt == nil || !first.ExpiresAt.Equal(testNow.Add(defaultReservationTTL)) {
		t.Fatalf("unexpected expiry %v", first.ExpiresAt)
	}

	f.clock.Advance(time.Minute)
	second, err := f.svc.Reserve(context.Background(), in)
	if err != nil {
		t.Fatalf("reserve again: %v", err)
	}
	if second.Created {
		t.Fatalf("expected existing reservation")
	}
	if second.Termin.ID != first.Termin.ID {
		t.Fatalf("expected same termin %s, got %s", first.Termin.ID, second.Termin.ID)
	}
}

func TestBookingService_ReserveDisabledDoesNotWrite(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{}, WithReservationsEnabled(false))
	slot := f.store.seedSlot(t, 1, 0, 0)

	res, err := f.svc.Reserve(context.Background(), AcquireInput{CaseID: "case-1", SlotID: slot.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Created || res.ExpiresAt != nil {
		t.Fatalf("expected read-only result, got %+v", res)
	}
	if got := f.store.termin(t, res.Termin.ID); got.ReservedBy != "" {
		t.Fatalf("expected no reservation written, got %q", got.ReservedBy)
	}
}

func TestBookingService_BookReservedTermin(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	slot := f.store.seedSlot(t, 2, 1, 0)
	ctx := context.Background()

	reserved, err := f.svc.Reserve(ctx, AcquireInput{CaseID: "case-1", SlotID: slot.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := f.svc.Book(ctx, BookInput{CaseID: "case-1", TerminID: reserved.Termin.ID})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if !res.Created {
		t.Fatalf("expected booking to be created")
	}
	if !res.AppointmentTime.Equal(slot.StartsAt) {
		t.Fatalf("expected first booking at slot start, got %v", res.AppointmentTime)
	}

	stored := f.store.termin(t, reserved.Termin.ID)
	if !stored.Booked || stored.BookedBy != "case-1" {
		t.Fatalf("expected termin booked by case-1, got %+v", stored)
	}
	if stored.ReservedBy != "" || stored.ReservedAt != nil {
		t.Fatalf("expected reservation cleared on booking, got %+v", stored)
	}
}

func TestBookingService_BookIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	slot := f.store.seedSlot(t, 3, 0, 0)
	termin := firstTermin(t, f.store, slot.ID, domain.ClassFirst)
	ctx := context.Background()

	first, err := f.svc.Book(ctx, BookInput{CaseID: "case-1", TerminID: termin.ID})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	second, err := f.svc.Book(ctx, BookInput{CaseID: "case-1", TerminID: termin.ID})
	if err != nil {
		t.Fatalf("book again: %v", err)
	}
	if second.Created {
		t.Fatalf("expected repeated booking to report existing")
	}
	if second.Termin.OffsetMinutes != first.Termin.OffsetMinutes {
		t.Fatalf("expected offset to stay %d, got %d", first.Termin.OffsetMinutes, second.Termin.OffsetMinutes)
	}
}

func TestBookingService_BookPreconditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(store *fakeStore, id string)
		want    error
	}{
		{
			name: "vaccination record",
			prepare: func(store *fakeStore, id string) {
				store.results[id] = testNow
			},
			want: domain.ErrAlreadyBooked,
		},
		{
			name: "booked by other case",
			prepare: func(store *fakeStore, id string) {
				store.update(id, func(t *domain.Termin) { t.Booked = true; t.BookedBy = "case-2" })
			},
			want: domain.ErrTerminTaken,
		},
		{
			name: "held by other case",
			prepare: func(store *fakeStore, id string) {
				at := testNow.Add(-5 * time.Minute)
				store.update(id, func(t *domain.Termin) { t.ReservedBy = "case-2"; t.ReservedAt = &at })
			},
			want: domain.ErrReservationConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newBookingFixture(t, FirstMatchSelection{})
			slot := f.store.seedSlot(t, 1, 0, 0)
			termin := firstTermin(t, f.store, slot.ID, domain.ClassFirst)
			tt.prepare(f.store, termin.ID)

			_, err := f.svc.Book(context.Background(), BookInput{CaseID: "case-1", TerminID: termin.ID})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBookingService_BookExpiredForeignHold(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	slot := f.store.seedSlot(t, 1, 0, 0)
	termin := firstTermin(t, f.store, slot.ID, domain.ClassFirst)
	at := testNow.Add(-11 * time.Minute)
	f.store.update(termin.ID, func(t *domain.Termin) { t.ReservedBy = "case-2"; t.ReservedAt = &at })

	if _, err := f.svc.Book(context.Background(), BookInput{CaseID: "case-1", TerminID: termin.ID}); err != nil {
		t.Fatalf("book: %v", err)
	}
}

func TestBookingService_BookValidation(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	if _, err := f.svc.Book(context.Background(), BookInput{CaseID: "", TerminID: "x"}); !errors.Is(err, domain.ErrCaseIDRequired) {
		t.Fatalf("expected ErrCaseIDRequired, got %v", err)
	}
	if _, err := f.svc.Book(context.Background(), BookInput{CaseID: "c", TerminID: "x"}); !errors.Is(err, domain.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestBookingService_BookClearsOtherReservationsOfClass(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	slotA := f.store.seedSlot(t, 1, 1, 0)
	slotB := f.store.seedSlot(t, 1, 0, 0)
	ctx := context.Background()

	heldA, err := f.svc.Reserve(ctx, AcquireInput{CaseID: "case-1", SlotID: slotA.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	heldSecond, err := f.svc.Reserve(ctx, AcquireInput{CaseID: "case-1", SlotID: slotA.ID, Class: domain.ClassSecond})
	if err != nil {
		t.Fatalf("reserve second: %v", err)
	}
	if _, err := f.svc.AcquireAndBook(ctx, AcquireInput{CaseID: "case-1", SlotID: slotB.ID, Class: domain.ClassFirst}); err != nil {
		t.Fatalf("book: %v", err)
	}

	if got := f.store.termin(t, heldA.Termin.ID).ReservedBy; got != "" {
		t.Fatalf("expected first-class hold released, got %q", got)
	}
	if got := f.store.termin(t, heldSecond.Termin.ID).ReservedBy; got != "case-1" {
		t.Fatalf("expected second-class hold kept, got %q", got)
	}
}

func TestBookingService_AcquireAndBookAssignsOffsets(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, LockedSelection{})
	slot := f.store.seedSlot(t, 4, 0, 0)

	var offsets []int
	for i := 0; i < 4; i++ {
		res, err := f.svc.AcquireAndBook(context.Background(), AcquireInput{
			CaseID: fmt.Sprintf("case-%d", i),
			SlotID: slot.ID,
			Class:  domain.ClassFirst,
		})
		if err != nil {
			t.Fatalf("book %d: %v", i, err)
		}
		offsets = append(offsets, res.Termin.OffsetMinutes)
	}
	want := []int{0, 10, 20, 0}
	for i := range want {
		if offsets[i] != want[i] {
			t.Fatalf("expected offsets %v, got %v", want, offsets)
		}
	}

	_, err := f.svc.AcquireAndBook(context.Background(), AcquireInput{CaseID: "late", SlotID: slot.ID, Class: domain.ClassFirst})
	if !errors.Is(err, domain.ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
}

func TestBookingService_RetriesLostRace(t *testing.T) {
	f := newBookingFixture(t, FirstMatchSelection{})
	slot := f.store.seedSlot(t, 2, 0, 0)
	f.store.failNextBookings = 2

	before := testutil.ToFloat64(commitRetries.WithLabelValues("acquire_book"))
	res, err := f.svc.AcquireAndBook(context.Background(), AcquireInput{CaseID: "case-1", SlotID: slot.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if !res.Created {
		t.Fatalf("expected booking")
	}
	if after := testutil.ToFloat64(commitRetries.WithLabelValues("acquire_book")); after != before+2 {
		t.Fatalf("expected 2 retries, got %v", after-before)
	}
	if n := len(f.store.bookedBy(slot.ID)); n != 1 {
		t.Fatalf("expected one booked termin, got %d", n)
	}
}

func TestBookingService_RetriesExhausted(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, RandomSelection{})
	slot := f.store.seedSlot(t, 2, 0, 0)
	f.store.failNextBookings = 100

	_, err := f.svc.AcquireAndBook(context.Background(), AcquireInput{CaseID: "case-1", SlotID: slot.ID, Class: domain.ClassFirst})
	if !errors.Is(err, domain.ErrTryAgain) {
		t.Fatalf("expected ErrTryAgain, got %v", err)
	}
	if errors.Is(err, domain.ErrNoCapacity) {
		t.Fatalf("try-again must be distinct from no capacity")
	}
	if f.store.txCalls != defaultCommitRetries+1 {
		t.Fatalf("expected %d attempts, got %d", defaultCommitRetries+1, f.store.txCalls)
	}
	if n := len(f.store.bookedBy(slot.ID)); n != 0 {
		t.Fatalf("expected nothing booked, got %d", n)
	}
}

func TestBookingService_RetriesContention(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, LockedSelection{})
	slot := f.store.seedSlot(t, 1, 0, 0)
	f.store.failNextTx = 1

	if _, err := f.svc.AcquireAndBook(context.Background(), AcquireInput{CaseID: "case-1", SlotID: slot.ID, Class: domain.ClassFirst}); err != nil {
		t.Fatalf("book: %v", err)
	}
}

func TestBookingService_Release(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	slot := f.store.seedSlot(t, 3, 0, 0)
	ctx := context.Background()

	var booked []BookResult
	for i := 0; i < 2; i++ {
		res, err := f.svc.AcquireAndBook(ctx, AcquireInput{CaseID: fmt.Sprintf("case-%d", i), SlotID: slot.ID, Class: domain.ClassFirst})
		if err != nil {
			t.Fatalf("book: %v", err)
		}
		booked = append(booked, res)
	}
	if booked[1].Termin.OffsetMinutes == 0 {
		t.Fatalf("expected non-zero offset for second booking")
	}

	released, err := f.svc.Release(ctx, booked[1].Termin.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Booked || released.BookedBy != "" || released.OffsetMinutes != 0 {
		t.Fatalf("expected free termin, got %+v", released)
	}
	stored := f.store.termin(t, booked[1].Termin.ID)
	if stored.Booked || stored.OffsetMinutes != 0 {
		t.Fatalf("expected stored termin free with zero offset, got %+v", stored)
	}

	if _, err := f.svc.Release(ctx, booked[1].Termin.ID); err != nil {
		t.Fatalf("expected idempotent release, got %v", err)
	}
}

func TestBookingService_ReleaseWithResult(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	slot := f.store.seedSlot(t, 1, 0, 0)
	ctx := context.Background()

	res, err := f.svc.AcquireAndBook(ctx, AcquireInput{CaseID: "case-1", SlotID: slot.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if err := f.store.RecordResult(ctx, res.Termin.ID, testNow); err != nil {
		t.Fatalf("record result: %v", err)
	}

	if _, err := f.svc.Release(ctx, res.Termin.ID); !errors.Is(err, domain.ErrHasResult) {
		t.Fatalf("expected ErrHasResult, got %v", err)
	}
	stored := f.store.termin(t, res.Termin.ID)
	if !stored.Booked || stored.OffsetMinutes != res.Termin.OffsetMinutes {
		t.Fatalf("expected termin untouched, got %+v", stored)
	}
	if _, err := f.svc.Book(ctx, BookInput{CaseID: "case-2", TerminID: res.Termin.ID}); !errors.Is(err, domain.ErrAlreadyBooked) {
		t.Fatalf("expected ErrAlreadyBooked, got %v", err)
	}
}

func TestBookingService_ReleaseReservations(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	slot := f.store.seedSlot(t, 1, 0, 0)
	ctx := context.Background()

	held, err := f.svc.Reserve(ctx, AcquireInput{CaseID: "case-1", SlotID: slot.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	n, err := f.svc.ReleaseReservations(ctx, "case-1", domain.ClassFirst)
	if err != nil {
		t.Fatalf("release reservations: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
	if got := f.store.termin(t, held.Termin.ID).ReservedBy; got != "" {
		t.Fatalf("expected hold cleared, got %q", got)
	}
}

func TestBookingService_Move(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	slotA := f.store.seedSlot(t, 1, 0, 0)
	slotB := f.store.seedSlot(t, 1, 1, 0)
	ctx := context.Background()

	from, err := f.svc.AcquireAndBook(ctx, AcquireInput{CaseID: "case-1", SlotID: slotA.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	to := firstTermin(t, f.store, slotB.ID, domain.ClassFirst)
	second := firstTermin(t, f.store, slotB.ID, domain.ClassSecond)

	if _, err := f.svc.Move(ctx, MoveInput{CaseID: "case-1", FromTerminID: from.Termin.ID, ToTerminID: second.ID}); !errors.Is(err, domain.ErrClassMismatch) {
		t.Fatalf("expected ErrClassMismatch, got %v", err)
	}
	if _, err := f.svc.Move(ctx, MoveInput{CaseID: "case-2", FromTerminID: from.Termin.ID, ToTerminID: to.ID}); !errors.Is(err, domain.ErrNotBookedByCase) {
		t.Fatalf("expected ErrNotBookedByCase, got %v", err)
	}
	if _, err := f.svc.Move(ctx, MoveInput{CaseID: "case-1", FromTerminID: to.ID, ToTerminID: to.ID}); !errors.Is(err, domain.ErrSameTermin) {
		t.Fatalf("expected ErrSameTermin, got %v", err)
	}

	moved, err := f.svc.Move(ctx, MoveInput{CaseID: "case-1", FromTerminID: from.Termin.ID, ToTerminID: to.ID})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Termin.ID != to.ID || !moved.Created {
		t.Fatalf("expected booking on %s, got %+v", to.ID, moved)
	}
	if f.store.termin(t, from.Termin.ID).Booked {
		t.Fatalf("expected old termin released")
	}

	again, err := f.svc.Move(ctx, MoveInput{CaseID: "case-1", FromTerminID: from.Termin.ID, ToTerminID: to.ID})
	if err != nil {
		t.Fatalf("repeat move: %v", err)
	}
	if again.Created {
		t.Fatalf("expected repeated move to report existing booking")
	}
}

func TestBookingService_MoveChecksTargetBeforeRelease(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	slot := f.store.seedSlot(t, 3, 0, 0)
	ctx := context.Background()

	a, err := f.svc.AcquireAndBook(ctx, AcquireInput{CaseID: "case-a", SlotID: slot.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("book a: %v", err)
	}
	b, err := f.svc.AcquireAndBook(ctx, AcquireInput{CaseID: "case-b", SlotID: slot.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("book b: %v", err)
	}
	held, err := f.svc.Reserve(ctx, AcquireInput{CaseID: "case-c", SlotID: slot.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("reserve c: %v", err)
	}
	if a.Termin.OffsetMinutes != 0 || b.Termin.OffsetMinutes != 10 {
		t.Fatalf("expected offsets 0 and 10, got %d and %d", a.Termin.OffsetMinutes, b.Termin.OffsetMinutes)
	}

	tests := []struct {
		name    string
		to      string
		wantErr error
	}{
		{name: "target held by another case", to: held.Termin.ID, wantErr: domain.ErrReservationConflict},
		{name: "target booked by another case", to: b.Termin.ID, wantErr: domain.ErrTerminTaken},
	}
	for _, tt := range tests {
		txBefore := f.store.txCalls
		_, err := f.svc.Move(ctx, MoveInput{CaseID: "case-a", FromTerminID: a.Termin.ID, ToTerminID: tt.to})
		if !errors.Is(err, tt.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.wantErr, err)
		}
		if f.store.txCalls != txBefore+1 {
			t.Fatalf("%s: expected only the check transaction, got %d", tt.name, f.store.txCalls-txBefore)
		}
		got := f.store.termin(t, a.Termin.ID)
		if !got.Booked || got.BookedBy != "case-a" || got.OffsetMinutes != 0 {
			t.Fatalf("%s: expected booking untouched, got %+v", tt.name, got)
		}
	}
}

func TestBookingService_MoveRestoresOriginalOffset(t *testing.T) {
	t.Parallel()

	f := newBookingFixture(t, FirstMatchSelection{})
	slot := f.store.seedSlot(t, 3, 0, 0)
	ctx := context.Background()

	a, err := f.svc.AcquireAndBook(ctx, AcquireInput{CaseID: "case-a", SlotID: slot.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("book a: %v", err)
	}
	if _, err := f.svc.AcquireAndBook(ctx, AcquireInput{CaseID: "case-b", SlotID: slot.ID, Class: domain.ClassFirst}); err != nil {
		t.Fatalf("book b: %v", err)
	}
	free, err := f.svc.Acquire(ctx, AcquireInput{CaseID: "case-a", SlotID: slot.ID, Class: domain.ClassFirst})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Every booking attempt on the target loses its race; the restore write
	// after that goes through.
	f.store.failNextBookings = defaultCommitRetries + 1
	if _, err := f.svc.Move(ctx, MoveInput{CaseID: "case-a", FromTerminID: a.Termin.ID, ToTerminID: free.ID}); !errors.Is(err, domain.ErrTryAgain) {
		t.Fatalf("expected ErrTryAgain, got %v", err)
	}

	got := f.store.termin(t, a.Termin.ID)
	if !got.Booked || got.BookedBy != "case-a" {
		t.Fatalf("expected previous booking restored, got %+v", got)
	}
	if got.OffsetMinutes != a.Termin.OffsetMinutes {
		t.Fatalf("expected offset %d kept, got %d", a.Termin.OffsetMinutes, got.OffsetMinutes)
	}
	if f.store.termin(t, free.ID).Booked {
		t.Fatalf("expected target left free")
	}
}

func TestBookingService_DeterministicOffsetLocksSlot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		capacity  int
		wantLocks int
	}{
		{name: "below threshold", capacity: 2, wantLocks: 1},
		{name: "at threshold", capacity: 20, wantLocks: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newBookingFixture(t, FirstMatchSelection{})
			slot := f.store.seedSlot(t, tt.capacity, 0, 0)
			termin := firstTermin(t, f.store, slot.ID, domain.ClassFirst)

			if _, err := f.svc.Book(context.Background(), BookInput{CaseID: "case-1", TerminID: termin.ID}); err != nil {
				t.Fatalf("book: %v", err)
			}
			if f.store.lockSlotCalls != tt.wantLocks {
				t.Fatalf("expected %d slot locks, got %d", tt.wantLocks, f.store.lockSlotCalls)
			}
		})
	}
}

func TestBookingService_RecordsStats(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	clk := clock.NewManual(testNow)
	reservations := NewReservationManager(store, clk)
	stats := &recordingStats{err: errors.New("redis down")}
	svc := NewBookingService(store, NewSlotAllocator(store, nil, reservations), reservations, NewOffsetAssigner(3, 20), clk,
		WithLogger(zerolog.Nop()),
		WithStatsRecorder(stats),
	)
	slot := store.seedSlot(t, 1, 0, 0)
	in := AcquireInput{CaseID: "case-1", SlotID: slot.ID, Class: domain.ClassFirst}

	if _, err := svc.AcquireAndBook(context.Background(), in); err != nil {
		t.Fatalf("stats failure must not fail booking: %v", err)
	}
	in.CaseID = "case-2"
	if _, err := svc.AcquireAndBook(context.Background(), in); !errors.Is(err, domain.ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	if len(stats.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(stats.events))
	}
	if stats.events[0].Outcome != "ok" || stats.events[1].Outcome != "no_capacity" {
		t.Fatalf("unexpected outcomes %+v", stats.events)
	}
	if stats.events[0].SlotID != slot.ID || !stats.events[0].At.Equal(testNow) {
		t.Fatalf("unexpected event %+v", stats.events[0])
	}
}

// Concurrent bookers never exceed capacity and never share a Termin,
// whatever the strategy.
func TestBookingService_ConcurrentBookingsRespectCapacity(t *testing.T) {
	t.Parallel()

	strategies := []SelectionStrategy{LockedSelection{}, NewRandomSelection(nil), FirstMatchSelection{}}
	for _, strategy := range strategies {
		t.Run(strategy.Name(), func(t *testing.T) {
			t.Parallel()

			f := newBookingFixture(t, strategy)
			slot := f.store.seedSlot(t, 10, 0, 0)

			const workers = 40
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				ok       int
				terminOf = make(map[string]string)
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					caseID := fmt.Sprintf("case-%d", i)
					res, err := f.svc.AcquireAndBook(context.Background(), AcquireInput{CaseID: caseID, SlotID: slot.ID, Class: domain.ClassFirst})
					if err != nil {
						if !errors.Is(err, domain.ErrNoCapacity) && !errors.Is(err, domain.ErrTryAgain) {
							t.Errorf("unexpected error: %v", err)
						}
						return
					}
					mu.Lock()
					ok++
					terminOf[caseID] = res.Termin.ID
					mu.Unlock()
				}(i)
			}
			wg.Wait()

			booked := f.store.bookedBy(slot.ID)
			if len(booked) != 10 || ok != 10 {
				t.Fatalf("expected exactly 10 bookings, got %d stored and %d successful", len(booked), ok)
			}
			for caseID, terminID := range terminOf {
				if booked[terminID] != caseID {
					t.Fatalf("termin %s booked by %q, expected %q", terminID, booked[terminID], caseID)
				}
			}
		})
	}
}
