package scheduling

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Wire layouts for dates and clock times.
const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled  Status = "Scheduled"
	StatusInProgress Status = "In-progress"
	StatusCompleted  Status = "Completed"
	StatusCanceled   Status = "Canceled"
)

// ActiveStatuses are the statuses that occupy a slot.
var ActiveStatuses = []Status{StatusScheduled, StatusInProgress}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// IsActive reports whether an appointment in this status blocks its slot.
func (s Status) IsActive() bool {
	return s == StatusScheduled || s == StatusInProgress
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// allowedTransitions lists the user-initiated status changes. Auto-completion
// bypasses this table and only ever moves active rows to Completed.
var allowedTransitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusCanceled},
	StatusInProgress: {StatusCompleted, StatusCanceled},
}

// CanTransition reports whether a user may move an appointment from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, to := range allowedTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Appointment maps to the appointments table.
type Appointment struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	ClinicID           uuid.UUID `db:"clinic_id" json:"clinic_id"`
	PatientID          uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID           uuid.UUID `db:"doctor_id" json:"doctor_id"`
	Date               string    `db:"appointment_date" json:"date"`
	Time               string    `db:"appointment_time" json:"time"`
	Status             Status    `db:"status" json:"status"`
	ServiceDescription string    `db:"service_description" json:"service_description,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// StartsAt combines the appointment date and clock time in loc.
func (a *Appointment) StartsAt(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+ClockLayout, a.Date+" "+truncateClock(a.Time), loc)
}

// truncateClock cuts a stored time such as "09:30:00" down to "09:30".
func truncateClock(t string) string {
	if len(t) > 5 {
		return t[:5]
	}
	return t
}

// Interval is a sanitized opening period [Start, End) in canonical HH:MM.
type Interval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// RawInterval is an opening period as stored by the clinic settings flow.
// Bounds may be in any loose format (9am, 21:00, 0930); they are normalized
// by SanitizeDay.
type RawInterval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// UnmarshalJSON accepts string, numeric or null bounds so a single odd row
// never makes a whole schedule unreadable.
func (r *RawInterval) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		// Not an object; leave both bounds empty so the sanitizer drops it.
		*r = RawInterval{}
		return nil
	}
	r.Start = looseString(fields["start"])
	r.End = looseString(fields["end"])
	return nil
}

func looseString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if f, err := n.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return ""
}

// Weekdays in the order used for schedule keys.
var Weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// WeekdayKey returns the lower-case English weekday name used as schedule key.
func WeekdayKey(d time.Time) string {
	return strings.ToLower(d.Weekday().String())
}

// RawSchedule is a clinic's weekly working hours as stored.
type RawSchedule map[string][]RawInterval

// UnmarshalJSON lower-cases weekday keys and skips days whose value is not a
// list of intervals.
func (s *RawSchedule) UnmarshalJSON(data []byte) error {
	var days map[string]json.RawMessage
	if err := json.Unmarshal(data, &days); err != nil {
		return err
	}
	out := make(RawSchedule, len(days))
	for day, raw := range days {
		var intervals []RawInterval
		if err := json.Unmarshal(raw, &intervals); err != nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(day))
		out[key] = append(out[key], intervals...)
	}
	*s = out
	return nil
}

// WeeklySchedule maps weekday keys to sorted, non-overlapping intervals.
type WeeklySchedule map[string][]Interval

// Party identifies which side of an appointment is double-booked.
type Party string

const (
	PartyPatient Party = "patient"
	PartyDoctor  Party = "doctor"
)

// Conflict describes an existing active appointment that collides with a
// candidate booking.
type Conflict struct {
	Party         Party     `json:"party"`
	AppointmentID uuid.UUID `json:"appointment_id"`
}

// AppointmentQuery selects appointments on one clinic day. When both
// DoctorID and PatientID are set, rows matching either party are returned.
type AppointmentQuery struct {
	ClinicID  uuid.UUID
	Date      string
	Time      string
	StatusIn  []Status
	DoctorID  uuid.UUID
	PatientID uuid.UUID
}

// ListFilter narrows appointment listings. Zero values mean "any".
type ListFilter struct {
	ClinicID  uuid.UUID
	Date      string
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Status    Status
}

// CreateAppointmentInput is the booking payload.
type CreateAppointmentInput struct {
	PatientID          string `json:"patient_id" validate:"required,uuid"`
	DoctorID           string `json:"doctor_id" validate:"required,uuid"`
	Date               string `json:"date" validate:"required,datetime=2006-01-02"`
	Time               string `json:"time" validate:"required,clock"`
	ServiceDescription string `json:"service_description" validate:"max=500"`
}

// Repair records a heuristic correction applied to a stored interval.
type Repair struct {
	Weekday  string      `json:"weekday,omitempty"`
	Original RawInterval `json:"original"`
	Repaired *Interval   `json:"repaired,omitempty"`
	Reason   string      `json:"reason"`
}

// SanitizedSchedule is the cleaned weekly schedule together with the
// repairs applied while producing it.
type SanitizedSchedule struct {
	Days    WeeklySchedule `json:"days"`
	Repairs []Repair       `json:"repairs"`
}
