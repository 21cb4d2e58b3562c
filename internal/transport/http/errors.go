package http

import (
	"errors"
	"net/http"

	"github.com/cimillas/impftermin/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	codeMethodNotAllowed   = "method_not_allowed"
	codeNotFound           = "not_found"
	codeInvalidRequestBody = "invalid_request_body"
	codeInvalidStartsAt    = "invalid_starts_at"
	codeRateLimited        = "rate_limited"
	codeInternalError      = "internal_error"

	codeInvalidID           = "invalid_id"
	codeInvalidClass        = "invalid_class"
	codeClassNotSupported   = "class_not_supported"
	codeDiseaseMismatch     = "disease_mismatch"
	codeCaseIDRequired      = "case_id_required"
	codeInvalidCapacity     = "invalid_capacity"
	codeInvalidDuration     = "invalid_duration"
	codeLocationRequired    = "location_required"
	codeDiseaseRequired     = "disease_required"
	codeSameTermin          = "same_termin"
	codeClassMismatch       = "class_mismatch"
	codeSlotNotFound        = "slot_not_found"
	codeTerminNotFound      = "termin_not_found"
	codeNotBookedByCase     = "not_booked_by_case"
	codeTerminNotBooked     = "termin_not_booked"
	codeResultExists        = "result_exists"
	codeNoCapacity          = "no_capacity"
	codeReservationConflict = "reservation_conflict"
	codeTerminTaken         = "termin_taken"
	codeAlreadyBooked       = "already_booked"
	codeHasResult           = "has_result"
	codeTryAgain            = "try_again"
	codeStatsDisabled       = "stats_disabled"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// Order matters: ErrTryAgain wraps the transient cause, so it is matched first.
var errorMappings = []errorMapping{
	{domain.ErrTryAgain, http.StatusServiceUnavailable, codeTryAgain},
	{domain.ErrNoCapacity, http.StatusConflict, codeNoCapacity},
	{domain.ErrReservationConflict, http.StatusConflict, codeReservationConflict},
	{domain.ErrTerminTaken, http.StatusConflict, codeTerminTaken},
	{domain.ErrAlreadyBooked, http.StatusConflict, codeAlreadyBooked},
	{domain.ErrHasResult, http.StatusConflict, codeHasResult},
	{domain.ErrResultExists, http.StatusConflict, codeResultExists},
	{domain.ErrNotBookedByCase, http.StatusConflict, codeNotBookedByCase},
	{domain.ErrTerminNotBooked, http.StatusConflict, codeTerminNotBooked},
	{domain.ErrSlotNotFound, http.StatusNotFound, codeSlotNotFound},
	{domain.ErrTerminNotFound, http.StatusNotFound, codeTerminNotFound},
	{domain.ErrInvalidID, http.StatusBadRequest, codeInvalidID},
	{domain.ErrInvalidClass, http.StatusBadRequest, codeInvalidClass},
	{domain.ErrClassNotSupported, http.StatusBadRequest, codeClassNotSupported},
	{domain.ErrDiseaseMismatch, http.StatusBadRequest, codeDiseaseMismatch},
	{domain.ErrCaseIDRequired, http.StatusBadRequest, codeCaseIDRequired},
	{domain.ErrInvalidCapacity, http.StatusBadRequest, codeInvalidCapacity},
	{domain.ErrInvalidDuration, http.StatusBadRequest, codeInvalidDuration},
	{domain.ErrLocationRequired, http.StatusBadRequest, codeLocationRequired},
	{domain.ErrDiseaseRequired, http.StatusBadRequest, codeDiseaseRequired},
	{domain.ErrSameTermin, http.StatusBadRequest, codeSameTermin},
	{domain.ErrClassMismatch, http.StatusBadRequest, codeClassMismatch},
}

// classify maps a service error to its HTTP status and stable code.
// Transient store errors never escape the retry loop, so anything left
// unmatched is internal.
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, codeInternalError
}

func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: c.Writer.Header().Get(requestIDHeader),
	})
}

// writeError answers with the mapped status and code. Internal errors are
// logged on the request logger and hidden from the caller.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		LoggerFrom(c).Error().Err(err).Msg("request failed")
		fail(c, status, code, "internal error")
		return
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	fail(c, status, code, err.Error())
}
