package session

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError rejects user input before anything is persisted. It is
// reported back to the submitting user verbatim.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateNew checks a task declaration without touching storage.
func ValidateNew(task string, durationMinutes int) error {
	if strings.TrimSpace(task) == "" {
		return &ValidationError{Field: "task", Reason: "must not be empty"}
	}
	if durationMinutes < MinDuration || durationMinutes > MaxDuration {
		return &ValidationError{
			Field:  "duration",
			Reason: fmt.Sprintf("must be between %d and %d minutes", MinDuration, MaxDuration),
		}
	}
	return nil
}
