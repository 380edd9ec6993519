package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Unique indexes guarding active slots; see migrations/001_scheduling.sql.
const (
	doctorSlotConstraint  = "appointments_doctor_active_slot"
	patientSlotConstraint = "appointments_patient_active_slot"
	uniqueViolation       = "23505"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func storeError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ db queryable }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository { return &scheduleRepoPG{db: pool} }

func (r *scheduleRepoPG) GetClinicSchedule(ctx context.Context, clinicID uuid.UUID) (RawSchedule, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT working_hours FROM clinics WHERE id = $1`, clinicID).Scan(&raw)
	if err != nil {
		return nil, storeError("get clinic schedule", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("clinic %s has no schedule: %w", clinicID, ErrNotFound)
	}
	var sched RawSchedule
	if err := json.Unmarshal(raw, &sched); err != nil {
		// Unreadable hours behave like a clinic that is closed every day.
		return RawSchedule{}, nil
	}
	return sched, nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ db queryable }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{db: pool}
}

const apptCols = `id, clinic_id, patient_id, doctor_id,
	to_char(appointment_date, 'YYYY-MM-DD'), to_char(appointment_time, 'HH24:MI'),
	status, COALESCE(service_description, ''), created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.ClinicID, &a.PatientID, &a.DoctorID, &a.Date, &a.Time,
		&status, &a.ServiceDescription, &a.CreatedAt, &a.UpdatedAt)
	a.Status = Status(status)
	return &a, err
}

func (r *appointmentRepoPG) collect(rows pgx.Rows, op string) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return items, nil
}

func (r *appointmentRepoPG) Query(ctx context.Context, q AppointmentQuery) ([]*Appointment, error) {
	query := `SELECT ` + apptCols + ` FROM appointments
		WHERE clinic_id = $1 AND appointment_date = $2::date AND status = ANY($3)`
	args := []interface{}{q.ClinicID, q.Date, statusStrings(q.StatusIn)}
	idx := 4

	if q.Time != "" {
		query += fmt.Sprintf(` AND appointment_time = $%d::time`, idx)
		args = append(args, q.Time)
		idx++
	}
	switch {
	case q.DoctorID != uuid.Nil && q.PatientID != uuid.Nil:
		query += fmt.Sprintf(` AND (doctor_id = $%d OR patient_id = $%d)`, idx, idx+1)
		args = append(args, q.DoctorID, q.PatientID)
	case q.DoctorID != uuid.Nil:
		query += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, q.DoctorID)
	case q.PatientID != uuid.Nil:
		query += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, q.PatientID)
	}
	query += ` ORDER BY appointment_time, created_at`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("query appointments", err)
	}
	return r.collect(rows, "query appointments")
}

func (r *appointmentRepoPG) ListActiveThrough(ctx context.Context, clinicID uuid.UUID, through string) ([]*Appointment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE clinic_id = $1 AND status = ANY($2) AND appointment_date <= $3::date`,
		clinicID, statusStrings(ActiveStatuses), through)
	if err != nil {
		return nil, storeError("list due appointments", err)
	}
	return r.collect(rows, "list due appointments")
}

func (r *appointmentRepoPG) Insert(ctx context.Context, a *Appointment) (uuid.UUID, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO appointments (id, clinic_id, patient_id, doctor_id, appointment_date,
			appointment_time, status, service_description)
		VALUES ($1,$2,$3,$4,$5::date,$6::time,$7,NULLIF($8, ''))
		RETURNING created_at, updated_at`,
		a.ID, a.ClinicID, a.PatientID, a.DoctorID, a.Date, a.Time, string(a.Status), a.ServiceDescription,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case patientSlotConstraint:
				return uuid.Nil, &ConflictError{Party: PartyPatient}
			case doctorSlotConstraint:
				return uuid.Nil, &ConflictError{Party: PartyDoctor}
			}
		}
		return uuid.Nil, storeError("insert appointment", err)
	}
	return a.ID, nil
}

func (r *appointmentRepoPG) BatchUpdateStatus(ctx context.Context, clinicID uuid.UUID, ids []uuid.UUID, status Status) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	rows, err := r.db.Query(ctx, `
		UPDATE appointments SET status = $1, updated_at = NOW()
		WHERE clinic_id = $2 AND id = ANY($3::uuid[]) AND status = ANY($4)
		RETURNING id`,
		string(status), clinicID, strIDs, statusStrings(ActiveStatuses))
	if err != nil {
		return nil, storeError("batch update status", err)
	}
	updated, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, storeError("batch update status", err)
	}
	return updated, nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, clinicID, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.db.QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE clinic_id = $1 AND id = $2`, clinicID, id))
	if err != nil {
		return nil, storeError("get appointment", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, clinicID, id uuid.UUID, from, to Status) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments SET status = $1, updated_at = NOW()
		WHERE clinic_id = $2 AND id = $3 AND status = $4`,
		string(to), clinicID, id, string(from))
	if err != nil {
		return false, storeError("update appointment status", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *appointmentRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE clinic_id = $1`
	args := []interface{}{f.ClinicID}
	idx := 2

	if f.Date != "" {
		where += fmt.Sprintf(` AND appointment_date = $%d::date`, idx)
		args = append(args, f.Date)
		idx++
	}
	if f.DoctorID != uuid.Nil {
		where += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, f.DoctorID)
		idx++
	}
	if f.PatientID != uuid.Nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, f.PatientID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(f.Status))
		idx++
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, storeError("count appointments", err)
	}

	query := `SELECT ` + apptCols + ` FROM appointments` + where +
		fmt.Sprintf(` ORDER BY appointment_date DESC, appointment_time DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, storeError("list appointments", err)
	}
	items, err := r.collect(rows, "list appointments")
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
