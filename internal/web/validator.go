package web

import (
	"fmt"
	"time"
)

const maxTimeRange = 2 * 365 * 24 * time.Hour

// RequestValidator handles input validation for statistics queries.
type RequestValidator struct {
	validWindows      map[string]bool
	validAggregations map[string]bool
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{
		validWindows: map[string]bool{
			"1h": true,
			"1d": true,
		},
		validAggregations: map[string]bool{
			"MIN": true,
			"MAX": true,
			"AVG": true,
			"SUM": true,
		},
	}
}

// Validate checks if the request parameters are valid
func (v *RequestValidator) Validate(start, end time.Time, window, aggregation string) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("missing timestamp")
	}

	if start.After(end) {
		return fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxTimeRange {
		return fmt.Errorf("time range exceeds maximum allowed")
	}

	if !v.validWindows[window] {
		return fmt.Errorf("invalid window: %s", window)
	}

	if !v.validAggregations[aggregation] {
		return fmt.Errorf("invalid aggregation: %s", aggregation)
	}

	return nil
}
