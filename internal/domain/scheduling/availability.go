package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/scheduler/internal/platform/reqcache"
)

// requestCachedSchedules memoizes schedule reads in the per-request cache,
// so a request that resolves several dates reads the clinic schedule once.
// Without a request cache in ctx every call goes to the store.
type requestCachedSchedules struct {
	next ScheduleRepository
}

func (r requestCachedSchedules) GetClinicSchedule(ctx context.Context, clinicID uuid.UUID) (RawSchedule, error) {
	rc := reqcache.FromContext(ctx)
	if rc == nil {
		return r.next.GetClinicSchedule(ctx, clinicID)
	}
	key := "schedule:" + clinicID.String()
	if v, ok := rc.Get(key); ok {
		return v.(RawSchedule), nil
	}
	sched, err := r.next.GetClinicSchedule(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	rc.Set(key, sched)
	return sched, nil
}

// AvailabilityResolver computes the free slots of a clinic day for a doctor
// and/or a patient.
type AvailabilityResolver struct {
	schedules    ScheduleRepository
	appointments AppointmentRepository
	slotMinutes  int
	logger       zerolog.Logger
}

func NewAvailabilityResolver(sched ScheduleRepository, appt AppointmentRepository, slotMinutes int, logger zerolog.Logger) *AvailabilityResolver {
	if slotMinutes <= 0 {
		slotMinutes = DefaultSlotMinutes
	}
	return &AvailabilityResolver{
		schedules:    requestCachedSchedules{next: sched},
		appointments: appt,
		slotMinutes:  slotMinutes,
		logger:       logger,
	}
}

// Resolve returns the ascending free slot start times on date. A slot is
// taken when either the doctor or the patient already has an active
// appointment at that time. A closed day yields an empty, non-nil list.
func (r *AvailabilityResolver) Resolve(ctx context.Context, clinicID uuid.UUID, date string, doctorID, patientID uuid.UUID) ([]string, error) {
	day, err := checkSlotQuery(clinicID, date, doctorID, patientID)
	if err != nil {
		return nil, err
	}

	sched, err := r.schedules.GetClinicSchedule(ctx, clinicID)
	if err != nil {
		return nil, err
	}

	weekday := WeekdayKey(day)
	intervals, repairs := SanitizeDay(sched[weekday])
	r.logRepairs(clinicID, weekday, repairs)

	all := GenerateSlots(intervals, r.slotMinutes)
	if len(all) == 0 {
		return []string{}, nil
	}

	booked, err := r.appointments.Query(ctx, AppointmentQuery{
		ClinicID:  clinicID,
		Date:      date,
		StatusIn:  ActiveStatuses,
		DoctorID:  doctorID,
		PatientID: patientID,
	})
	if err != nil {
		return nil, err
	}

	taken := make(map[string]struct{}, len(booked))
	for _, a := range booked {
		taken[truncateClock(a.Time)] = struct{}{}
	}

	free := make([]string, 0, len(all))
	for _, slot := range all {
		if _, ok := taken[slot]; !ok {
			free = append(free, slot)
		}
	}
	return free, nil
}

// checkSlotQuery validates the arguments of a single-day slot lookup and
// returns the parsed date.
func checkSlotQuery(clinicID uuid.UUID, date string, doctorID, patientID uuid.UUID) (time.Time, error) {
	if clinicID == uuid.Nil {
		return time.Time{}, invalidArgument("clinic_id is required")
	}
	if date == "" {
		return time.Time{}, invalidArgument("date is required")
	}
	day, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, invalidArgument("date must be YYYY-MM-DD")
	}
	if doctorID == uuid.Nil && patientID == uuid.Nil {
		return time.Time{}, invalidArgument("doctor_id or patient_id is required")
	}
	return day, nil
}

// Schedule returns the sanitized weekly schedule of a clinic.
func (r *AvailabilityResolver) Schedule(ctx context.Context, clinicID uuid.UUID) (SanitizedSchedule, error) {
	if clinicID == uuid.Nil {
		return SanitizedSchedule{}, invalidArgument("clinic_id is required")
	}
	sched, err := r.schedules.GetClinicSchedule(ctx, clinicID)
	if err != nil {
		return SanitizedSchedule{}, err
	}
	out := SanitizeSchedule(sched)
	for _, rp := range out.Repairs {
		r.logRepairs(clinicID, rp.Weekday, []Repair{rp})
	}
	return out, nil
}

func (r *AvailabilityResolver) logRepairs(clinicID uuid.UUID, weekday string, repairs []Repair) {
	for _, rp := range repairs {
		evt := r.logger.Warn().
			Str("clinic_id", clinicID.String()).
			Str("weekday", weekday).
			Str("original_start", rp.Original.Start).
			Str("original_end", rp.Original.End).
			Str("reason", rp.Reason)
		if rp.Repaired != nil {
			evt = evt.Str("repaired_start", rp.Repaired.Start).Str("repaired_end", rp.Repaired.End)
		}
		evt.Msg("clinic schedule repaired heuristically")
	}
}
