package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// ConflictDetector is the booking pre-check. It is not atomic with the
// insert; the active-slot unique indexes are the authoritative guard.
type ConflictDetector struct {
	appointments AppointmentRepository
}

func NewConflictDetector(appt AppointmentRepository) *ConflictDetector {
	return &ConflictDetector{appointments: appt}
}

// Check returns the conflict a booking of patientID with doctorID at
// date/clock would cause, or nil when the slot is free for both. A patient
// conflict is reported ahead of a doctor conflict.
func (d *ConflictDetector) Check(ctx context.Context, clinicID uuid.UUID, date, clock string, patientID, doctorID uuid.UUID) (*Conflict, error) {
	rows, err := d.appointments.Query(ctx, AppointmentQuery{
		ClinicID:  clinicID,
		Date:      date,
		Time:      clock,
		StatusIn:  ActiveStatuses,
		DoctorID:  doctorID,
		PatientID: patientID,
	})
	if err != nil {
		return nil, err
	}

	var doctorConflict *Conflict
	for _, a := range rows {
		if truncateClock(a.Time) != truncateClock(clock) || !a.Status.IsActive() {
			continue
		}
		if patientID != uuid.Nil && a.PatientID == patientID {
			return &Conflict{Party: PartyPatient, AppointmentID: a.ID}, nil
		}
		if doctorConflict == nil && doctorID != uuid.Nil && a.DoctorID == doctorID {
			doctorConflict = &Conflict{Party: PartyDoctor, AppointmentID: a.ID}
		}
	}
	return doctorConflict, nil
}
