package scheduling

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicflow/scheduler/internal/platform/auth"
	"github.com/clinicflow/scheduler/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.ViewerRoles...))
	readGroup.GET("/availability", h.GetAvailability)
	readGroup.GET("/availability/week", h.GetWeekAvailability)
	readGroup.GET("/schedule", h.GetSchedule)
	readGroup.GET("/appointments", h.ListAppointments)
	readGroup.GET("/appointments/:id", h.GetAppointment)

	writeGroup := api.Group("", auth.RequireRole(auth.BookerRoles...))
	writeGroup.POST("/appointments", h.CreateAppointment)
	writeGroup.POST("/appointments/refresh", h.RefreshAppointmentStatuses)
	writeGroup.PATCH("/appointments/:id/status", h.UpdateAppointmentStatus)
}

func (h *Handler) GetAvailability(c echo.Context) error {
	doctorID, patientID, err := partyParams(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	slots, err := h.svc.GetAvailableSlots(ctx, auth.ClinicIDFromContext(ctx), c.QueryParam("date"), doctorID, patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"slots": slots})
}

func (h *Handler) GetWeekAvailability(c echo.Context) error {
	doctorID, patientID, err := partyParams(c)
	if err != nil {
		return err
	}
	days := 0
	if raw := c.QueryParam("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil || days <= 0 {
			return validationHTTPError("days must be a positive integer")
		}
	}
	ctx := c.Request().Context()
	byDate, err := h.svc.GetWeekAvailability(ctx, auth.ClinicIDFromContext(ctx), c.QueryParam("start"), days, doctorID, patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"days": byDate})
}

func (h *Handler) GetSchedule(c echo.Context) error {
	ctx := c.Request().Context()
	sched, err := h.svc.GetSanitizedSchedule(ctx, auth.ClinicIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sched)
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var in CreateAppointmentInput
	if err := c.Bind(&in); err != nil {
		return validationHTTPError("malformed appointment payload")
	}
	ctx := c.Request().Context()
	appt, err := h.svc.CreateAppointment(ctx, auth.ClinicIDFromContext(ctx), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"id": appt.ID, "appointment": appt})
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	appt, err := h.svc.GetAppointment(ctx, auth.ClinicIDFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	doctorID, patientID, err := partyParams(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	f := ListFilter{
		ClinicID:  auth.ClinicIDFromContext(ctx),
		Date:      c.QueryParam("date"),
		DoctorID:  doctorID,
		PatientID: patientID,
		Status:    Status(c.QueryParam("status")),
	}
	items, total, err := h.svc.ListAppointments(ctx, f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

type statusUpdate struct {
	Status Status `json:"status"`
}

func (h *Handler) UpdateAppointmentStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body statusUpdate
	if err := c.Bind(&body); err != nil {
		return validationHTTPError("malformed status payload")
	}
	ctx := c.Request().Context()
	appt, err := h.svc.UpdateAppointmentStatus(ctx, auth.ClinicIDFromContext(ctx), id, body.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) RefreshAppointmentStatuses(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := h.svc.RefreshAppointmentStatuses(ctx, auth.ClinicIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": n})
}

func partyParams(c echo.Context) (doctorID, patientID uuid.UUID, err error) {
	if raw := c.QueryParam("doctor_id"); raw != "" {
		if doctorID, err = uuid.Parse(raw); err != nil {
			return uuid.Nil, uuid.Nil, validationHTTPError("invalid doctor_id")
		}
	}
	if raw := c.QueryParam("patient_id"); raw != "" {
		if patientID, err = uuid.Parse(raw); err != nil {
			return uuid.Nil, uuid.Nil, validationHTTPError("invalid patient_id")
		}
	}
	return doctorID, patientID, nil
}

func validationHTTPError(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"error": "validation", "message": msg})
}

// httpError maps engine errors onto HTTP responses. Conflicts name the
// double-booked party; store failures get a generic retryable message.
func httpError(err error) error {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"error":   conflict.Code(),
			"message": conflict.Error(),
		})
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrValidation):
		return validationHTTPError(err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, map[string]string{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, map[string]string{
			"error":   "unavailable",
			"message": "scheduling data is temporarily unavailable, please retry",
		})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
