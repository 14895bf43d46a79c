package compliance

import (
	"time"

	"github.com/upb/phi-audit-core/services"
)

func validateRange(from, to *time.Time) error {
	if from != nil && to != nil && from.After(*to) {
		return services.NewValidationError("date_range", "start date must not be after end date")
	}
	return nil
}
