package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// checkPositiveDuration appends an error when value is set but is not a
// positive duration. Empty values are left for defaults.
func checkPositiveDuration(errs ValidationErrors, field, value string) ValidationErrors {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	// WORKSPACE_ID is required and must be a UUID
	if cfg.WorkspaceIDStr == "" {
		errs = append(errs, ValidationError{
			Field:   "WORKSPACE_ID",
			Message: "required",
		})
	} else if _, err := uuid.Parse(cfg.WorkspaceIDStr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "WORKSPACE_ID",
			Message: fmt.Sprintf("invalid UUID: %v", err),
		})
	}

	errs = checkPositiveDuration(errs, "TICK_INTERVAL", cfg.TickIntervalStr)
	errs = checkPositiveDuration(errs, "SCHEDULE_LOOKBACK", cfg.ScheduleLookbackStr)
	errs = checkPositiveDuration(errs, "STALE_RETRY_THRESHOLD", cfg.StaleRetryThresholdStr)
	errs = checkPositiveDuration(errs, "DB_OP_TIMEOUT", cfg.DBOpTimeoutStr)
	errs = checkPositiveDuration(errs, "SWEEP_INTERVAL", cfg.SweepIntervalStr)
	errs = checkPositiveDuration(errs, "SWEEP_THRESHOLD", cfg.SweepThresholdStr)

	// SWEEP_THRESHOLD must exceed STALE_RETRY_THRESHOLD, otherwise the
	// sweeper abandons runs the scheduler is still allowed to retry.
	stale, errStale := time.ParseDuration(cfg.StaleRetryThresholdStr)
	sweep, errSweep := time.ParseDuration(cfg.SweepThresholdStr)
	if errStale == nil && errSweep == nil && stale > 0 && sweep > 0 && sweep <= stale {
		errs = append(errs, ValidationError{
			Field:   "SWEEP_THRESHOLD",
			Message: fmt.Sprintf("must exceed STALE_RETRY_THRESHOLD (%s)", cfg.StaleRetryThresholdStr),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
