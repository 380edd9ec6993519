package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// ScheduleRepository reads clinic working hours. Schedules are edited by
// the clinic settings flow; the engine never writes them.
type ScheduleRepository interface {
	GetClinicSchedule(ctx context.Context, clinicID uuid.UUID) (RawSchedule, error)
}

// AppointmentRepository is the appointment store. Implementations return
// ErrNotFound for missing rows, *ConflictError when an active-slot
// uniqueness guard rejects an insert, and wrap any other store failure
// with ErrUnavailable.
type AppointmentRepository interface {
	Query(ctx context.Context, q AppointmentQuery) ([]*Appointment, error)
	ListActiveThrough(ctx context.Context, clinicID uuid.UUID, through string) ([]*Appointment, error)
	Insert(ctx context.Context, a *Appointment) (uuid.UUID, error)
	// BatchUpdateStatus moves the still-active rows among ids to status and
	// returns the ids it changed.
	BatchUpdateStatus(ctx context.Context, clinicID uuid.UUID, ids []uuid.UUID, status Status) ([]uuid.UUID, error)
	GetByID(ctx context.Context, clinicID, id uuid.UUID) (*Appointment, error)
	UpdateStatus(ctx context.Context, clinicID, id uuid.UUID, from, to Status) (bool, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error)
}
