package scheduling

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/slotsync/internal/domain/booking"
	"github.com/ehr/slotsync/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every signed-in role
	readGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleRegistrar, auth.RolePatient))
	readGroup.GET("/doctors/:uuid/availability", h.GetDoctorAvailability)
	readGroup.GET("/departments/:id/schedule", h.GetCombinedSchedule)

	// Write endpoints – patients book for themselves, staff on their behalf
	writeGroup := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RolePatient))
	writeGroup.POST("/appointments", h.BookAppointment)
	writeGroup.PUT("/appointments/:id/reschedule", h.RescheduleAppointment)
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidRange), errors.Is(err, ErrOutsideHorizon):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrDoctorNotFound), errors.Is(err, ErrAppointmentNotFound), errors.Is(err, ErrSlotNotOffered):
		return http.StatusNotFound
	case errors.Is(err, ErrSlotTaken), errors.Is(err, ErrSlotClaimed), errors.Is(err, ErrAppointmentInactive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// -- Availability Handlers --

func (h *Handler) GetDoctorAvailability(c echo.Context) error {
	w, err := h.svc.GetDoctorAvailability(c.Request().Context(),
		c.Param("uuid"), c.QueryParam("start_date"), c.QueryParam("end_date"))
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) GetCombinedSchedule(c echo.Context) error {
	items, err := h.svc.GetCombinedSchedule(c.Request().Context(),
		c.Param("id"), c.QueryParam("start_date"), c.QueryParam("end_date"))
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// -- Booking Handlers --

// bookingFailure writes the booking result body clients read the message
// from. Status codes still carry the failure class.
func bookingFailure(c echo.Context, err error) error {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		c.Logger().Error(err)
		msg = "failed to book appointment"
	}
	return c.JSON(code, booking.BookingResult{Success: false, Message: msg})
}

func (h *Handler) BookAppointment(c echo.Context) error {
	var req booking.BookingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, booking.BookingResult{Success: false, Message: "invalid request body"})
	}
	res, err := h.svc.BookAppointment(c.Request().Context(), req)
	if err != nil {
		return bookingFailure(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	var req booking.RescheduleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, booking.BookingResult{Success: false, Message: "invalid request body"})
	}
	res, err := h.svc.RescheduleAppointment(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return bookingFailure(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
