package http

import (
	"context"
	"net/http"
	"time"

	"github.com/cimillas/impftermin/internal/app"
	"github.com/cimillas/impftermin/internal/domain"
	"github.com/gin-gonic/gin"
)

// BookingService is the booking protocol as seen by the HTTP layer.
type BookingService interface {
	Acquire(ctx context.Context, in app.AcquireInput) (domain.Termin, error)
	Reserve(ctx context.Context, in app.AcquireInput) (app.ReserveResult, error)
	Book(ctx context.Context, in app.BookInput) (app.BookResult, error)
	AcquireAndBook(ctx context.Context, in app.AcquireInput) (app.BookResult, error)
	Release(ctx context.Context, terminID string) (domain.Termin, error)
	ReleaseReservations(ctx context.Context, caseID string, class domain.AppointmentClass) (int, error)
	Move(ctx context.Context, in app.MoveInput) (app.BookResult, error)
}

type slotRequest struct {
	CaseID  string `json:"case_id"`
	Class   string `json:"class"`
	Disease string `json:"disease"`
}

type caseRequest struct {
	CaseID string `json:"case_id"`
}

type moveRequest struct {
	FromTerminID string `json:"from_termin_id"`
	ToTerminID   string `json:"to_termin_id"`
}

type terminResponse struct {
	ID            string     `json:"id"`
	SlotID        string     `json:"slot_id"`
	Class         string     `json:"class"`
	Booked        bool       `json:"booked"`
	BookedBy      string     `json:"booked_by,omitempty"`
	ReservedBy    string     `json:"reserved_by,omitempty"`
	ReservedAt    *time.Time `json:"reserved_at,omitempty"`
	OffsetMinutes int        `json:"offset_minutes"`
}

type reservationResponse struct {
	Termin    terminResponse `json:"termin"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Created   bool           `json:"created"`
}

type bookingResponse struct {
	Termin          terminResponse `json:"termin"`
	AppointmentTime time.Time      `json:"appointment_time"`
	Location        string         `json:"location"`
	Disease         string         `json:"disease"`
	Created         bool           `json:"created"`
}

func toTerminResponse(t domain.Termin) terminResponse {
	return terminResponse{
		ID:            t.ID,
		SlotID:        t.SlotID,
		Class:         string(t.Class),
		Booked:        t.Booked,
		BookedBy:      t.BookedBy,
		ReservedBy:    t.ReservedBy,
		ReservedAt:    t.ReservedAt,
		OffsetMinutes: t.OffsetMinutes,
	}
}

func toBookingResponse(res app.BookResult) bookingResponse {
	return bookingResponse{
		Termin:          toTerminResponse(res.Termin),
		AppointmentTime: res.AppointmentTime,
		Location:        res.Slot.Location,
		Disease:         res.Slot.Disease,
		Created:         res.Created,
	}
}

// bindAcquire reads the slot id from the path and the case, class and
// disease from the body.
func bindAcquire(c *gin.Context) (app.AcquireInput, bool) {
	var req slotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return app.AcquireInput{}, false
	}
	class, err := domain.ParseAppointmentClass(req.Class)
	if err != nil {
		writeError(c, err)
		return app.AcquireInput{}, false
	}
	return app.AcquireInput{
		CaseID:  req.CaseID,
		SlotID:  c.Param("slot_id"),
		Disease: req.Disease,
		Class:   class,
	}, true
}

func createdOrOK(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

// HandleAcquire answers which Termin the case would get, without writing.
func HandleAcquire(svc BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		in, ok := bindAcquire(c)
		if !ok {
			return
		}
		t, err := svc.Acquire(c.Request.Context(), in)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toTerminResponse(t))
	}
}

func HandleReserve(svc BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		in, ok := bindAcquire(c)
		if !ok {
			return
		}
		res, err := svc.Reserve(c.Request.Context(), in)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(createdOrOK(res.Created), reservationResponse{
			Termin:    toTerminResponse(res.Termin),
			ExpiresAt: res.ExpiresAt,
			Created:   res.Created,
		})
	}
}

func HandleAcquireAndBook(svc BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		in, ok := bindAcquire(c)
		if !ok {
			return
		}
		res, err := svc.AcquireAndBook(c.Request.Context(), in)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(createdOrOK(res.Created), toBookingResponse(res))
	}
}

func HandleBook(svc BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req caseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		res, err := svc.Book(c.Request.Context(), app.BookInput{CaseID: req.CaseID, TerminID: c.Param("termin_id")})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(createdOrOK(res.Created), toBookingResponse(res))
	}
}

func HandleRelease(svc BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.Release(c.Request.Context(), c.Param("termin_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toTerminResponse(t))
	}
}

func HandleReleaseReservations(svc BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		class, err := domain.ParseAppointmentClass(c.Param("class"))
		if err != nil {
			writeError(c, err)
			return
		}
		n, err := svc.ReleaseReservations(c.Request.Context(), c.Param("case_id"), class)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"released": n})
	}
}

func HandleMove(svc BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req moveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		res, err := svc.Move(c.Request.Context(), app.MoveInput{
			CaseID:       c.Param("case_id"),
			FromTerminID: req.FromTerminID,
			ToTerminID:   req.ToTerminID,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toBookingResponse(res))
	}
}
