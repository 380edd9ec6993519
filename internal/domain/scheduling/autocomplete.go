package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultCompletionGrace is how long after its start an active appointment
// is considered finished.
const DefaultCompletionGrace = time.Hour

// AutoCompleter moves elapsed Scheduled/In-progress appointments to
// Completed. It keeps no state and is safe to interrupt and re-run.
type AutoCompleter struct {
	appointments AppointmentRepository
	grace        time.Duration
	loc          *time.Location
	now          func() time.Time
	logger       zerolog.Logger
}

func NewAutoCompleter(appt AppointmentRepository, grace time.Duration, loc *time.Location, now func() time.Time, logger zerolog.Logger) *AutoCompleter {
	if grace <= 0 {
		grace = DefaultCompletionGrace
	}
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &AutoCompleter{appointments: appt, grace: grace, loc: loc, now: now, logger: logger}
}

// Sweep completes every active appointment of the clinic whose start lies
// more than the grace window in the past, returning the ids the store
// actually changed.
func (a *AutoCompleter) Sweep(ctx context.Context, clinicID uuid.UUID) ([]uuid.UUID, int, error) {
	now := a.now().In(a.loc)
	due, err := a.appointments.ListActiveThrough(ctx, clinicID, now.Format(DateLayout))
	if err != nil {
		return nil, 0, err
	}

	var ids []uuid.UUID
	for _, appt := range due {
		if !appt.Status.IsActive() {
			continue
		}
		startsAt, err := appt.StartsAt(a.loc)
		if err != nil {
			a.logger.Warn().Err(err).
				Str("appointment_id", appt.ID.String()).
				Msg("skipping appointment with unparseable date/time")
			continue
		}
		if now.Sub(startsAt) > a.grace {
			ids = append(ids, appt.ID)
		}
	}
	if len(ids) == 0 {
		return nil, 0, nil
	}

	updated, err := a.appointments.BatchUpdateStatus(ctx, clinicID, ids, StatusCompleted)
	if err != nil {
		return nil, 0, err
	}
	// Rows finished or canceled by another request meanwhile are not ours.
	if len(updated) > 0 {
		a.logger.Info().Str("clinic_id", clinicID.String()).Int("updated", len(updated)).Msg("appointments auto-completed")
	}
	return updated, len(updated), nil
}
