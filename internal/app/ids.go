package app

import (
	"strings"

	"github.com/cimillas/impftermin/internal/domain"
	"github.com/google/uuid"
)

func newID() string {
	return uuid.NewString()
}

// validateID rejects ids that no store could hold, before any query runs.
func validateID(id string) error {
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		return domain.ErrInvalidID
	}
	return nil
}

func validateCaseID(caseID string) error {
	if strings.TrimSpace(caseID) == "" {
		return domain.ErrCaseIDRequired
	}
	return nil
}
