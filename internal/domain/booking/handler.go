package booking

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/booking/internal/platform/auth"
	"github.com/clinicdesk/booking/internal/platform/telemetry"
	"github.com/clinicdesk/booking/internal/platform/websocket"
	"github.com/clinicdesk/booking/pkg/pagination"
)

type Handler struct {
	svc     *Service
	metrics *telemetry.Metrics
}

func NewHandler(svc *Service, metrics *telemetry.Metrics) *Handler {
	return &Handler{svc: svc, metrics: metrics}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/appointments", h.Book)

	// Patient-scoped endpoints – the patient themselves or staff
	patients := api.Group("/patients/:patientId", auth.RequirePatientMatch("patientId"))
	patients.GET("/appointments", h.ListAppointments)
	patients.GET("/appointments/:appointmentId", h.GetAppointment)
	patients.DELETE("/appointments/:appointmentId", h.Cancel)

	doctors := api.Group("/doctors/:doctorId")
	doctors.GET("/days", h.GetDays)
	doctors.GET("/days/watch", h.WatchDays)
	doctors.PUT("/days", h.ProvisionDays, auth.RequireRole(auth.RoleStaff))
	doctors.GET("/agenda", h.Agenda, auth.RequireRole(auth.RoleStaff))
}

// -- Appointment Handlers --

func (h *Handler) Book(c echo.Context) error {
	var a Appointment
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if !auth.HasRole(ctx, auth.RoleStaff) && auth.UserIDFromContext(ctx) != a.PatientID {
		return echo.NewHTTPError(http.StatusForbidden, "not allowed to book for this patient")
	}
	booked, err := h.svc.Book(ctx, &a)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, booked)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	p := pagination.FromContext(c)
	appts, err := h.svc.ListByPatient(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(appts, p))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	a, err := h.svc.GetAppointment(c.Request().Context(), c.Param("patientId"), c.Param("appointmentId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// Cancel answers 200 with the CancelResult, or 404 with the same body when the
// appointment does not exist.
func (h *Handler) Cancel(c echo.Context) error {
	result, err := h.svc.Cancel(c.Request().Context(), c.Param("patientId"), c.Param("appointmentId"))
	if err != nil {
		return httpError(err)
	}
	if !result.OK {
		return c.JSON(http.StatusNotFound, result)
	}
	return c.JSON(http.StatusOK, result)
}

// -- Doctor Handlers --

func (h *Handler) GetDays(c echo.Context) error {
	days, err := h.svc.Days(c.Request().Context(), c.Param("doctorId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"doctorId": c.Param("doctorId"), "days": days})
}

type provisionRequest struct {
	Days []string `json:"days"`
}

func (h *Handler) ProvisionDays(c echo.Context) error {
	var req provisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	days, err := h.svc.ProvisionDays(c.Request().Context(), c.Param("doctorId"), req.Days)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"doctorId": c.Param("doctorId"), "days": days})
}

// WatchDays upgrades to a websocket and streams the doctor's schedule on
// every change.
func (h *Handler) WatchDays(c echo.Context) error {
	done := h.metrics.WatcherOpened()
	defer done()

	doctorID := c.Param("doctorId")
	err := websocket.Stream(c, func(ctx context.Context) (<-chan []AvailabilityDay, error) {
		return h.svc.WatchDays(ctx, doctorID)
	})
	if err != nil && !c.Response().Committed {
		return httpError(err)
	}
	return nil
}

func (h *Handler) Agenda(c echo.Context) error {
	p := pagination.FromContext(c)
	entries, err := h.svc.DoctorAgenda(c.Request().Context(), c.Param("doctorId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(entries, p))
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	var (
		ve *ValidationError
		nf *NotFoundError
		su *SlotUnavailableError
		te *TimeoutError
		re *RemoteStoreError
	)
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &nf):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &su):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &re):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return err
}
