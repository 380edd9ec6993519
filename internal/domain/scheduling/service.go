package scheduling

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Routing keys of the domain events published by the service.
const (
	EventAppointmentCreated       = "appointment.created"
	EventAppointmentStatusChanged = "appointment.status_changed"
	EventAppointmentAutoCompleted = "appointment.auto_completed"
)

// MaxWeekDays bounds GetWeekAvailability.
const MaxWeekDays = 14

// Locker serializes concurrent bookings of the same slot. ok is false when
// another holder owns key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Publisher emits domain events. Publishing is best-effort.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}

// AppointmentEvent is the payload of every appointment event.
type AppointmentEvent struct {
	Type           string      `json:"type"`
	ClinicID       uuid.UUID   `json:"clinic_id"`
	AppointmentIDs []uuid.UUID `json:"appointment_ids"`
	Status         Status      `json:"status"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

// ClinicKey scopes the event to its clinic for per-clinic subscribers.
func (e AppointmentEvent) ClinicKey() string { return e.ClinicID.String() }

// Settings tunes the engine.
type Settings struct {
	SlotMinutes     int
	CompletionGrace time.Duration
	Location        *time.Location
	LockTTL         time.Duration
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithPublisher(p Publisher) Option { return func(s *Service) { s.events = p } }

type Service struct {
	appointments AppointmentRepository
	availability *AvailabilityResolver
	conflicts    *ConflictDetector
	completer    *AutoCompleter
	locker       Locker
	events       Publisher
	validate     *validator.Validate
	logger       zerolog.Logger
	now          func() time.Time
	lockTTL      time.Duration
}

func NewService(sched ScheduleRepository, appt AppointmentRepository, cfg Settings, opts ...Option) *Service {
	s := &Service{
		appointments: appt,
		logger:       zerolog.Nop(),
		now:          time.Now,
		lockTTL:      cfg.LockTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 10 * time.Second
	}
	s.availability = NewAvailabilityResolver(sched, appt, cfg.SlotMinutes, s.logger)
	s.conflicts = NewConflictDetector(appt)
	s.completer = NewAutoCompleter(appt, cfg.CompletionGrace, cfg.Location, s.now, s.logger)
	s.validate = newValidator()
	return s
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		return clockPattern.MatchString(fl.Field().String())
	})
	return v
}

// -- Availability --

// GetAvailableSlots returns the free slots of date for a doctor and/or a
// patient. Arguments are checked before elapsed appointments are
// auto-completed, so rejected lookups never write.
func (s *Service) GetAvailableSlots(ctx context.Context, clinicID uuid.UUID, date string, doctorID, patientID uuid.UUID) ([]string, error) {
	if _, err := checkSlotQuery(clinicID, date, doctorID, patientID); err != nil {
		return nil, err
	}
	if _, err := s.RefreshAppointmentStatuses(ctx, clinicID); err != nil {
		return nil, err
	}
	return s.availability.Resolve(ctx, clinicID, date, doctorID, patientID)
}

// GetWeekAvailability resolves free slots for days consecutive dates
// starting at start, keyed by date.
func (s *Service) GetWeekAvailability(ctx context.Context, clinicID uuid.UUID, start string, days int, doctorID, patientID uuid.UUID) (map[string][]string, error) {
	first, err := time.Parse(DateLayout, start)
	if err != nil {
		return nil, invalidArgument("start must be YYYY-MM-DD")
	}
	if days <= 0 {
		days = 7
	}
	if days > MaxWeekDays {
		return nil, invalidArgument("days must be at most %d", MaxWeekDays)
	}
	if doctorID == uuid.Nil && patientID == uuid.Nil {
		return nil, invalidArgument("doctor_id or patient_id is required")
	}
	if _, err := s.RefreshAppointmentStatuses(ctx, clinicID); err != nil {
		return nil, err
	}
	// Warm the request cache so the fan-out below shares one schedule read.
	if _, err := s.availability.schedules.GetClinicSchedule(ctx, clinicID); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	out := make(map[string][]string, days)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := 0; i < days; i++ {
		date := first.AddDate(0, 0, i).Format(DateLayout)
		g.Go(func() error {
			slots, err := s.availability.Resolve(gctx, clinicID, date, doctorID, patientID)
			if err != nil {
				return err
			}
			mu.Lock()
			out[date] = slots
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSanitizedSchedule returns the cleaned weekly schedule and the repairs
// applied to the stored hours.
func (s *Service) GetSanitizedSchedule(ctx context.Context, clinicID uuid.UUID) (SanitizedSchedule, error) {
	return s.availability.Schedule(ctx, clinicID)
}

// -- Appointments --

// CreateAppointment books a new Scheduled appointment after checking that
// neither the patient nor the doctor is already booked at that time.
func (s *Service) CreateAppointment(ctx context.Context, clinicID uuid.UUID, in CreateAppointmentInput) (*Appointment, error) {
	if clinicID == uuid.Nil {
		return nil, invalidArgument("clinic_id is required")
	}
	if strings.TrimSpace(in.Time) != "" {
		in.Time = NormalizeTime(strings.TrimSpace(in.Time))
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, describeValidation(err)
	}
	patientID, _ := uuid.Parse(in.PatientID)
	doctorID, _ := uuid.Parse(in.DoctorID)

	unlock, err := s.lockSlot(ctx, clinicID, in.Date, in.Time, patientID, doctorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conflict, err := s.conflicts.Check(ctx, clinicID, in.Date, in.Time, patientID, doctorID)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return nil, &ConflictError{Party: conflict.Party, AppointmentID: conflict.AppointmentID}
	}

	appt := &Appointment{
		ClinicID:           clinicID,
		PatientID:          patientID,
		DoctorID:           doctorID,
		Date:               in.Date,
		Time:               in.Time,
		Status:             StatusScheduled,
		ServiceDescription: strings.TrimSpace(in.ServiceDescription),
	}
	id, err := s.appointments.Insert(ctx, appt)
	if err != nil {
		return nil, err
	}
	appt.ID = id

	s.publish(ctx, EventAppointmentCreated, clinicID, []uuid.UUID{id}, StatusScheduled)
	return appt, nil
}

// lockSlot takes the patient and doctor slot locks, in that order. Lock
// backend failures are logged and the booking proceeds on the database
// guard alone.
func (s *Service) lockSlot(ctx context.Context, clinicID uuid.UUID, date, clock string, patientID, doctorID uuid.UUID) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	var releases []func(context.Context) error
	unlock := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			if err := releases[i](context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn().Err(err).Msg("release booking lock")
			}
		}
	}

	parties := []struct {
		party Party
		id    uuid.UUID
	}{{PartyPatient, patientID}, {PartyDoctor, doctorID}}
	for _, p := range parties {
		key := fmt.Sprintf("booking:%s:%s:%s:%s:%s", clinicID, date, clock, p.party, p.id)
		release, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("booking lock unavailable")
			continue
		}
		if !ok {
			unlock()
			return nil, &ConflictError{Party: p.party}
		}
		releases = append(releases, release)
	}
	return unlock, nil
}

// UpdateAppointmentStatus applies a user-initiated status change.
func (s *Service) UpdateAppointmentStatus(ctx context.Context, clinicID, id uuid.UUID, status Status) (*Appointment, error) {
	if !status.Valid() {
		return nil, validationError("invalid status %q", status)
	}
	appt, err := s.GetAppointment(ctx, clinicID, id)
	if err != nil {
		return nil, err
	}
	if appt.Status == status {
		return appt, nil
	}
	if !appt.Status.CanTransition(status) {
		return nil, validationError("cannot change status from %s to %s", appt.Status, status)
	}
	ok, err := s.appointments.UpdateStatus(ctx, clinicID, id, appt.Status, status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, validationError("appointment status changed concurrently")
	}
	appt.Status = status
	s.publish(ctx, EventAppointmentStatusChanged, clinicID, []uuid.UUID{id}, status)
	return appt, nil
}

// GetAppointment returns one appointment with an up-to-date status.
func (s *Service) GetAppointment(ctx context.Context, clinicID, id uuid.UUID) (*Appointment, error) {
	if _, err := s.RefreshAppointmentStatuses(ctx, clinicID); err != nil {
		return nil, err
	}
	return s.appointments.GetByID(ctx, clinicID, id)
}

// ListAppointments lists a clinic's appointments with up-to-date statuses.
func (s *Service) ListAppointments(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, validationError("invalid status %q", f.Status)
	}
	if _, err := s.RefreshAppointmentStatuses(ctx, f.ClinicID); err != nil {
		return nil, 0, err
	}
	return s.appointments.List(ctx, f, limit, offset)
}

// RefreshAppointmentStatuses auto-completes elapsed appointments and
// returns how many rows changed.
func (s *Service) RefreshAppointmentStatuses(ctx context.Context, clinicID uuid.UUID) (int, error) {
	if clinicID == uuid.Nil {
		return 0, invalidArgument("clinic_id is required")
	}
	ids, n, err := s.completer.Sweep(ctx, clinicID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, EventAppointmentAutoCompleted, clinicID, ids, StatusCompleted)
	}
	return n, nil
}

func (s *Service) publish(ctx context.Context, routingKey string, clinicID uuid.UUID, ids []uuid.UUID, status Status) {
	if s.events == nil {
		return
	}
	evt := AppointmentEvent{
		Type:           routingKey,
		ClinicID:       clinicID,
		AppointmentIDs: ids,
		Status:         status,
		OccurredAt:     s.now().UTC(),
	}
	if err := s.events.Publish(ctx, routingKey, evt); err != nil {
		s.logger.Warn().Err(err).Str("event", routingKey).Msg("publish appointment event")
	}
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return validationError("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return validationError("%s", strings.Join(msgs, "; "))
}
