package scheduling

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrUnavailable     = errors.New("store unavailable")
	ErrValidation      = errors.New("validation failed")
)

// ConflictError is returned when a patient or doctor is already booked at
// the requested date and time.
type ConflictError struct {
	Party         Party
	AppointmentID uuid.UUID
}

func (e *ConflictError) Error() string {
	if e.AppointmentID != uuid.Nil {
		return fmt.Sprintf("%s already booked (appointment %s)", e.Party, e.AppointmentID)
	}
	return fmt.Sprintf("%s already booked", e.Party)
}

// Code is the caller-facing error code, e.g. "patient_conflict".
func (e *ConflictError) Code() string {
	return string(e.Party) + "_conflict"
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
