package app

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cimillas/impftermin/internal/domain"
	"github.com/google/uuid"
)

type fakeTxKey struct{}

// fakeStore is an in-memory capacity store. Transactions are serialized and
// rolled back from a snapshot when fn fails.
type fakeStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	slots   map[string]domain.Slot
	termine map[string]domain.Termin
	results map[string]time.Time

	lockSlotCalls int
	lastQuery     domain.TerminQuery
	txCalls       int

	// failNextBookings makes the next MarkBooked calls lose their race.
	failNextBookings int
	// failNextTx makes the next WithTx calls fail with ErrContention.
	failNextTx int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		slots:   make(map[string]domain.Slot),
		termine: make(map[string]domain.Termin),
		results: make(map[string]time.Time),
	}
}

// seedSlot stores a slot with one free Termin per unit of capacity.
func (f *fakeStore) seedSlot(t *testing.T, first, second, booster int) domain.Slot {
	t.Helper()
	slot := domain.Slot{
		ID:              uuid.NewString(),
		Location:        "Impfzentrum Mitte",
		Disease:         "covid",
		StartsAt:        time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
		CapacityFirst:   first,
		CapacitySecond:  second,
		CapacityBooster: booster,
	}
	var termine []domain.Termin
	for _, class := range domain.AppointmentClasses {
		for i := 0; i < slot.Capacity(class); i++ {
			termine = append(termine, domain.Termin{ID: uuid.NewString(), SlotID: slot.ID, Class: class})
		}
	}
	if err := f.CreateSlot(context.Background(), slot, termine); err != nil {
		t.Fatalf("seed slot: %v", err)
	}
	return slot
}

func (f *fakeStore) termin(t *testing.T, id string) domain.Termin {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	termin, ok := f.termine[id]
	if !ok {
		t.Fatalf("termin %s not found", id)
	}
	return termin
}

func (f *fakeStore) update(id string, fn func(*domain.Termin)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.termine[id]
	fn(&t)
	f.termine[id] = t
}

func (f *fakeStore) sortedTermine(slotID string, class domain.AppointmentClass) []domain.Termin {
	var out []domain.Termin
	for _, t := range f.termine {
		if t.SlotID == slotID && (class == "" || t.Class == class) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(fakeTxKey{}) != nil {
		return fn(ctx)
	}
	f.txMu.Lock()
	defer f.txMu.Unlock()

	f.mu.Lock()
	f.txCalls++
	if f.failNextTx > 0 {
		f.failNextTx--
		f.mu.Unlock()
		return domain.ErrContention
	}
	snapshot := make(map[string]domain.Termin, len(f.termine))
	for id, t := range f.termine {
		snapshot[id] = t
	}
	f.mu.Unlock()

	if err := fn(context.WithValue(ctx, fakeTxKey{}, true)); err != nil {
		f.mu.Lock()
		f.termine = snapshot
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeStore) GetSlot(ctx context.Context, slotID string) (domain.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot, ok := f.slots[slotID]
	if !ok {
		return domain.Slot{}, domain.ErrSlotNotFound
	}
	return slot, nil
}

func (f *fakeStore) LockSlot(ctx context.Context, slotID string) (domain.Slot, error) {
	f.mu.Lock()
	f.lockSlotCalls++
	f.mu.Unlock()
	return f.GetSlot(ctx, slotID)
}

func freeFor(t domain.Termin, q domain.TerminQuery) bool {
	if t.Booked {
		return false
	}
	if q.IgnoreReservations || t.ReservedBy == "" || t.ReservedAt == nil {
		return true
	}
	return t.ReservedAt.Before(q.ExpiredBefore)
}

func (f *fakeStore) FirstFreeTermin(ctx context.Context, q domain.TerminQuery) (*domain.Termin, error) {
	free, err := f.ListFreeTermine(ctx, q)
	if err != nil || len(free) == 0 {
		return nil, err
	}
	return &free[0], nil
}

func (f *fakeStore) ListFreeTermine(ctx context.Context, q domain.TerminQuery) ([]domain.Termin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	var out []domain.Termin
	for _, t := range f.sortedTermine(q.SlotID, q.Class) {
		if freeFor(t, q) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) FindReservedTermin(ctx context.Context, slotID string, class domain.AppointmentClass, caseID string, expiredBefore time.Time) (*domain.Termin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.sortedTermine(slotID, class) {
		if !t.Booked && t.ReservedBy == caseID && t.ReservedAt != nil && !t.ReservedAt.Before(expiredBefore) {
			return &t, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) HasResult(ctx context.Context, terminID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.results[terminID]
	return ok, nil
}

func (f *fakeStore) SetReservation(ctx context.Context, u domain.ReservationUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.termine[u.TerminID]
	if !ok || t.Booked {
		return false, nil
	}
	if _, has := f.results[t.ID]; has {
		return false, nil
	}
	if t.ReservedBy != "" && t.ReservedBy != u.CaseID && t.ReservedAt != nil && !t.ReservedAt.Before(u.ExpiredBefore) {
		return false, nil
	}
	at := u.ReservedAt
	t.ReservedBy = u.CaseID
	t.ReservedAt = &at
	f.termine[t.ID] = t
	return true, nil
}

func (f *fakeStore) ClearReservations(ctx context.Context, caseID string, class domain.AppointmentClass, exceptTerminID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, t := range f.termine {
		if t.ReservedBy == caseID && t.Class == class && id != exceptTerminID {
			t.ReservedBy = ""
			t.ReservedAt = nil
			f.termine[id] = t
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetTerminForUpdate(ctx context.Context, terminID string) (domain.Termin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.termine[terminID]
	if !ok {
		return domain.Termin{}, domain.ErrTerminNotFound
	}
	return t, nil
}

func (f *fakeStore) CountBooked(ctx context.Context, slotID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.termine {
		if t.SlotID == slotID && t.Booked {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) MarkBooked(ctx context.Context, u domain.BookingUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextBookings > 0 {
		f.failNextBookings--
		return false, nil
	}
	t, ok := f.termine[u.TerminID]
	if !ok || t.Booked {
		return false, nil
	}
	if _, has := f.results[t.ID]; has {
		return false, nil
	}
	if !u.IgnoreReservations && t.ReservedBy != "" && t.ReservedBy != u.CaseID &&
		t.ReservedAt != nil && !t.ReservedAt.Before(u.ExpiredBefore) {
		return false, nil
	}
	t.Booked = true
	t.BookedBy = u.CaseID
	t.OffsetMinutes = u.OffsetMinutes
	t.ReservedBy = ""
	t.ReservedAt = nil
	f.termine[t.ID] = t
	return true, nil
}

func (f *fakeStore) MarkFree(ctx context.Context, terminID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.termine[terminID]
	if !ok {
		return false, nil
	}
	if _, has := f.results[terminID]; has {
		return false, nil
	}
	t.Booked = false
	t.BookedBy = ""
	t.ReservedBy = ""
	t.ReservedAt = nil
	t.OffsetMinutes = 0
	f.termine[terminID] = t
	return true, nil
}

func (f *fakeStore) ClearExpiredReservations(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, t := range f.termine {
		if !t.Booked && t.ReservedBy != "" && t.ReservedAt != nil && t.ReservedAt.Before(cutoff) {
			t.ReservedBy = ""
			t.ReservedAt = nil
			f.termine[id] = t
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CreateSlot(ctx context.Context, slot domain.Slot, termine []domain.Termin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots[slot.ID] = slot
	for _, t := range termine {
		f.termine[t.ID] = t
	}
	return nil
}

func (f *fakeStore) ListSlots(ctx context.Context) ([]domain.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Slot, 0, len(f.slots))
	for _, s := range f.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (f *fakeStore) ListTermine(ctx context.Context, slotID string) ([]domain.Termin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedTermine(slotID, ""), nil
}

func (f *fakeStore) RecordResult(ctx context.Context, terminID string, recordedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.termine[terminID]
	if !ok {
		return domain.ErrTerminNotFound
	}
	if !t.Booked {
		return domain.ErrTerminNotBooked
	}
	if _, ok := f.results[terminID]; ok {
		return domain.ErrResultExists
	}
	f.results[terminID] = recordedAt
	return nil
}

func (f *fakeStore) bookedBy(slotID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for _, t := range f.termine {
		if t.SlotID == slotID && t.Booked {
			out[t.ID] = t.BookedBy
		}
	}
	return out
}
