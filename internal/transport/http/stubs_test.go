package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cimillas/impftermin/internal/app"
	"github.com/cimillas/impftermin/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubBooking struct {
	acquire        func(app.AcquireInput) (domain.Termin, error)
	reserve        func(app.AcquireInput) (app.ReserveResult, error)
	book           func(app.BookInput) (app.BookResult, error)
	acquireAndBook func(app.AcquireInput) (app.BookResult, error)
	release        func(string) (domain.Termin, error)
	releaseRes     func(string, domain.AppointmentClass) (int, error)
	move           func(app.MoveInput) (app.BookResult, error)
}

func (s stubBooking) Acquire(_ context.Context, in app.AcquireInput) (domain.Termin, error) {
	return s.acquire(in)
}

func (s stubBooking) Reserve(_ context.Context, in app.AcquireInput) (app.ReserveResult, error) {
	return s.reserve(in)
}

func (s stubBooking) Book(_ context.Context, in app.BookInput) (app.BookResult, error) {
	return s.book(in)
}

func (s stubBooking) AcquireAndBook(_ context.Context, in app.AcquireInput) (app.BookResult, error) {
	return s.acquireAndBook(in)
}

func (s stubBooking) Release(_ context.Context, id string) (domain.Termin, error) {
	return s.release(id)
}

func (s stubBooking) ReleaseReservations(_ context.Context, caseID string, class domain.AppointmentClass) (int, error) {
	return s.releaseRes(caseID, class)
}

func (s stubBooking) Move(_ context.Context, in app.MoveInput) (app.BookResult, error) {
	return s.move(in)
}

type stubAdmin struct {
	createSlot   func(app.CreateSlotInput) (domain.Slot, error)
	listSlots    func() ([]domain.Slot, error)
	listTermine  func(string) ([]domain.Termin, error)
	availability func(string) ([]domain.SlotAvailability, error)
	recordResult func(string) error
}

func (s stubAdmin) CreateSlot(_ context.Context, in app.CreateSlotInput) (domain.Slot, error) {
	return s.createSlot(in)
}

func (s stubAdmin) ListSlots(context.Context) ([]domain.Slot, error) {
	return s.listSlots()
}

func (s stubAdmin) ListTermine(_ context.Context, slotID string) ([]domain.Termin, error) {
	return s.listTermine(slotID)
}

func (s stubAdmin) Availability(_ context.Context, slotID string) ([]domain.SlotAvailability, error) {
	return s.availability(slotID)
}

func (s stubAdmin) RecordResult(_ context.Context, terminID string) error {
	return s.recordResult(terminID)
}

type sweepFunc func(context.Context) (int, error)

func (f sweepFunc) Sweep(ctx context.Context) (int, error) { return f(ctx) }

type statsFunc func(context.Context, string) (map[string]int64, error)

func (f statsFunc) SlotCounts(ctx context.Context, slotID string) (map[string]int64, error) {
	return f(ctx, slotID)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(svc Services) *gin.Engine {
	return NewRouter(svc, RouterConfig{Logger: zerolog.Nop(), ServiceName: "impftermin-test"})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}
