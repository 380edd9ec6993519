package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repositories --

type mockScheduleRepo struct {
	mu     sync.Mutex
	scheds map[uuid.UUID]RawSchedule
	calls  int
	err    error
}

func newMockScheduleRepo() *mockScheduleRepo {
	return &mockScheduleRepo{scheds: make(map[uuid.UUID]RawSchedule)}
}

func (m *mockScheduleRepo) GetClinicSchedule(_ context.Context, clinicID uuid.UUID) (RawSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.scheds[clinicID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *mockScheduleRepo) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockAppointmentRepo struct {
	mu        sync.Mutex
	appts     map[uuid.UUID]*Appointment
	queryErr  error
	insertErr error
	updateErr error

	// beforeBatch runs ahead of BatchUpdateStatus to simulate a concurrent writer.
	beforeBatch func()
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{appts: make(map[uuid.UUID]*Appointment)}
}

// add stores a copy of a and returns its id.
func (m *mockAppointmentRepo) add(a Appointment) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	m.appts[a.ID] = &a
	return a.ID
}

func (m *mockAppointmentRepo) status(id uuid.UUID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.appts[id]; ok {
		return a.Status
	}
	return ""
}

func hasStatus(s Status, in []Status) bool {
	for _, x := range in {
		if x == s {
			return true
		}
	}
	return false
}

func (m *mockAppointmentRepo) sorted(keep func(a *Appointment) bool) []*Appointment {
	var out []*Appointment
	for _, a := range m.appts {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Time < out[j].Time
	})
	return out
}

func (m *mockAppointmentRepo) Query(_ context.Context, q AppointmentQuery) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.sorted(func(a *Appointment) bool {
		if a.ClinicID != q.ClinicID || a.Date != q.Date || !hasStatus(a.Status, q.StatusIn) {
			return false
		}
		if q.Time != "" && truncateClock(a.Time) != q.Time {
			return false
		}
		return (q.DoctorID != uuid.Nil && a.DoctorID == q.DoctorID) ||
			(q.PatientID != uuid.Nil && a.PatientID == q.PatientID)
	}), nil
}

func (m *mockAppointmentRepo) ListActiveThrough(_ context.Context, clinicID uuid.UUID, through string) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.sorted(func(a *Appointment) bool {
		return a.ClinicID == clinicID && a.Status.IsActive() && a.Date <= through
	}), nil
}

func (m *mockAppointmentRepo) Insert(_ context.Context, a *Appointment) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return uuid.Nil, m.insertErr
	}
	// Mirrors the active-slot unique indexes.
	for _, x := range m.appts {
		if x.ClinicID != a.ClinicID || x.Date != a.Date || x.Time != a.Time || !x.Status.IsActive() {
			continue
		}
		if x.PatientID == a.PatientID {
			return uuid.Nil, &ConflictError{Party: PartyPatient}
		}
		if x.DoctorID == a.DoctorID {
			return uuid.Nil, &ConflictError{Party: PartyDoctor}
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.appts[a.ID] = &cp
	return a.ID, nil
}

func (m *mockAppointmentRepo) BatchUpdateStatus(_ context.Context, clinicID uuid.UUID, ids []uuid.UUID, status Status) ([]uuid.UUID, error) {
	if m.beforeBatch != nil {
		m.beforeBatch()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	var updated []uuid.UUID
	for _, id := range ids {
		if a, ok := m.appts[id]; ok && a.ClinicID == clinicID && a.Status.IsActive() {
			a.Status = status
			updated = append(updated, id)
		}
	}
	return updated, nil
}

func (m *mockAppointmentRepo) setStatus(id uuid.UUID, st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.appts[id]; ok {
		a.Status = st
	}
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, clinicID, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.ClinicID != clinicID {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) UpdateStatus(_ context.Context, clinicID, id uuid.UUID, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return false, m.updateErr
	}
	a, ok := m.appts[id]
	if !ok || a.ClinicID != clinicID || a.Status != from {
		return false, nil
	}
	a.Status = to
	return true, nil
}

func (m *mockAppointmentRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, 0, m.queryErr
	}
	all := m.sorted(func(a *Appointment) bool {
		return a.ClinicID == f.ClinicID &&
			(f.Date == "" || a.Date == f.Date) &&
			(f.DoctorID == uuid.Nil || a.DoctorID == f.DoctorID) &&
			(f.PatientID == uuid.Nil || a.PatientID == f.PatientID) &&
			(f.Status == "" || a.Status == f.Status)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

type mockLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	acquired []string
	released []string
}

func newMockLocker() *mockLocker {
	return &mockLocker{held: make(map[string]bool)}
}

func (l *mockLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.released = append(l.released, key)
		return nil
	}, true, nil
}

type publishedEvent struct {
	routingKey string
	event      AppointmentEvent
}

type mockPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *mockPublisher) Publish(_ context.Context, routingKey string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	evt, _ := payload.(AppointmentEvent)
	p.events = append(p.events, publishedEvent{routingKey: routingKey, event: evt})
	return nil
}

// -- Fixtures --

// testNow is Monday 2024-05-06 10:00 UTC.
var testNow = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

const (
	testMonday  = "2024-05-06"
	testTuesday = "2024-05-07"
	testSunday  = "2024-05-05"
)

func weekdaySchedule() RawSchedule {
	day := []RawInterval{{Start: "09:00", End: "17:00"}}
	return RawSchedule{
		"monday":    day,
		"tuesday":   day,
		"wednesday": day,
		"thursday":  day,
		"friday":    day,
		"sunday":    {},
	}
}

type testEnv struct {
	clinicID  uuid.UUID
	schedules *mockScheduleRepo
	appts     *mockAppointmentRepo
	locker    *mockLocker
	events    *mockPublisher
	svc       *Service
}

func newTestEnv() *testEnv {
	env := &testEnv{
		clinicID:  uuid.New(),
		schedules: newMockScheduleRepo(),
		appts:     newMockAppointmentRepo(),
		locker:    newMockLocker(),
		events:    &mockPublisher{},
	}
	env.schedules.scheds[env.clinicID] = weekdaySchedule()
	env.svc = NewService(env.schedules, env.appts,
		Settings{SlotMinutes: 30, CompletionGrace: time.Hour, Location: time.UTC},
		WithClock(func() time.Time { return testNow }),
		WithLocker(env.locker),
		WithPublisher(env.events),
	)
	return env
}
