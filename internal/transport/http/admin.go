package http

import (
	"context"
	"net/http"
	"time"

	"github.com/cimillas/impftermin/internal/app"
	"github.com/cimillas/impftermin/internal/domain"
	"github.com/gin-gonic/gin"
)

// AdminService covers slot setup and the result-recording hook.
type AdminService interface {
	CreateSlot(ctx context.Context, in app.CreateSlotInput) (domain.Slot, error)
	ListSlots(ctx context.Context) ([]domain.Slot, error)
	ListTermine(ctx context.Context, slotID string) ([]domain.Termin, error)
	Availability(ctx context.Context, slotID string) ([]domain.SlotAvailability, error)
	RecordResult(ctx context.Context, terminID string) error
}

// Sweeper clears expired reservations on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SlotStats reads per-slot allocation counters.
type SlotStats interface {
	SlotCounts(ctx context.Context, slotID string) (map[string]int64, error)
}

type createSlotRequest struct {
	Location        string `json:"location"`
	Disease         string `json:"disease"`
	StartsAt        string `json:"starts_at"`
	DurationMinutes int    `json:"duration_minutes"`
	CapacityFirst   int    `json:"capacity_first"`
	CapacitySecond  int    `json:"capacity_second"`
	CapacityBooster int    `json:"capacity_booster"`
}

type slotResponse struct {
	ID              string    `json:"id"`
	Location        string    `json:"location"`
	Disease         string    `json:"disease"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	DurationMinutes int       `json:"duration_minutes"`
	CapacityFirst   int       `json:"capacity_first"`
	CapacitySecond  int       `json:"capacity_second"`
	CapacityBooster int       `json:"capacity_booster"`
}

type availabilityResponse struct {
	Class    string `json:"class"`
	Capacity int    `json:"capacity"`
	Booked   int    `json:"booked"`
	Reserved int    `json:"reserved"`
	Free     int    `json:"free"`
}

func toSlotResponse(s domain.Slot) slotResponse {
	return slotResponse{
		ID:              s.ID,
		Location:        s.Location,
		Disease:         s.Disease,
		StartsAt:        s.StartsAt,
		EndsAt:          s.EndsAt(),
		DurationMinutes: s.DurationMinutes,
		CapacityFirst:   s.CapacityFirst,
		CapacitySecond:  s.CapacitySecond,
		CapacityBooster: s.CapacityBooster,
	}
}

func HandleCreateSlot(svc AdminService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSlotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		var startsAt *time.Time
		if req.StartsAt != "" {
			parsed, err := time.Parse(time.RFC3339, req.StartsAt)
			if err != nil {
				fail(c, http.StatusBadRequest, codeInvalidStartsAt, "invalid starts_at format")
				return
			}
			startsAt = &parsed
		}

		slot, err := svc.CreateSlot(c.Request.Context(), app.CreateSlotInput{
			Location:        req.Location,
			Disease:         req.Disease,
			StartsAt:        startsAt,
			DurationMinutes: req.DurationMinutes,
			CapacityFirst:   req.CapacityFirst,
			CapacitySecond:  req.CapacitySecond,
			CapacityBooster: req.CapacityBooster,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toSlotResponse(slot))
	}
}

func HandleListSlots(svc AdminService) gin.HandlerFunc {
	return func(c *gin.Context) {
		slots, err := svc.ListSlots(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		resp := make([]slotResponse, 0, len(slots))
		for _, s := range slots {
			resp = append(resp, toSlotResponse(s))
		}
		c.JSON(http.StatusOK, resp)
	}
}

func HandleListTermine(svc AdminService) gin.HandlerFunc {
	return func(c *gin.Context) {
		termine, err := svc.ListTermine(c.Request.Context(), c.Param("slot_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		resp := make([]terminResponse, 0, len(termine))
		for _, t := range termine {
			resp = append(resp, toTerminResponse(t))
		}
		c.JSON(http.StatusOK, resp)
	}
}

func HandleAvailability(svc AdminService) gin.HandlerFunc {
	return func(c *gin.Context) {
		avail, err := svc.Availability(c.Request.Context(), c.Param("slot_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		resp := make([]availabilityResponse, 0, len(avail))
		for _, a := range avail {
			resp = append(resp, availabilityResponse{
				Class:    string(a.Class),
				Capacity: a.Capacity,
				Booked:   a.Booked,
				Reserved: a.Reserved,
				Free:     a.Free,
			})
		}
		c.JSON(http.StatusOK, gin.H{"slot_id": c.Param("slot_id"), "classes": resp})
	}
}

func HandleRecordResult(svc AdminService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.RecordResult(c.Request.Context(), c.Param("termin_id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func HandleSweep(svc Sweeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.Sweep(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cleared": n})
	}
}

// HandleSlotStats serves the allocation counters of a slot. A nil stats
// source answers 404.
func HandleSlotStats(stats SlotStats) gin.HandlerFunc {
	return func(c *gin.Context) {
		if stats == nil {
			fail(c, http.StatusNotFound, codeStatsDisabled, "allocation stats are disabled")
			return
		}
		counts, err := stats.SlotCounts(c.Request.Context(), c.Param("slot_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"slot_id": c.Param("slot_id"), "counts": counts})
	}
}
