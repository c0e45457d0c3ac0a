package lifecycle

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/team-bethany-and-thomas/healthapp/internal/domain/intake"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/apperr"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/auth"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/middleware"
	"github.com/team-bethany-and-thomas/healthapp/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Patient endpoints. Admins pass every role check.
	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.GET("/providers/:provider_id/availability", h.Availability)
	patient.GET("/providers/:provider_id/slots/check", h.CheckSlot)
	patient.POST("/appointments", h.BookAppointment)
	patient.GET("/appointments", h.ListAppointments)
	patient.GET("/appointments/:appointment_id/flow", h.FlowStatus)
	patient.GET("/appointments/:appointment_id/intake", h.LatestIntake)
	patient.POST("/appointments/:appointment_id/cancel", h.CancelAppointment)
	patient.POST("/appointments/:appointment_id/reschedule", h.RescheduleAppointment)
	patient.GET("/intake/:form_id", h.GetIntakeForm)
	patient.PUT("/intake/:form_id/sections/:section", h.SaveSection)
	patient.POST("/intake/:form_id/submit", h.SubmitIntake)
	patient.POST("/intake/:form_id/reopen", h.ReopenIntake)
	patient.POST("/intake/:form_id/resubmit", h.ResubmitIntake)
	patient.GET("/patients/me/medical-history", h.MedicalHistory)

	// Clinic endpoints.
	staff := api.Group("", auth.RequireRole(auth.RoleProvider, auth.RoleStaff))
	staff.POST("/appointments/:appointment_id/confirm", h.ConfirmAppointment)
	staff.POST("/appointments/:appointment_id/complete", h.CompleteAppointment)
	staff.POST("/appointments/:appointment_id/no-show", h.MarkNoShow)
}

// -- Availability --

func (h *Handler) Availability(c echo.Context) error {
	providerID, err := idParam(c, "provider_id")
	if err != nil {
		return err
	}
	typeID, err := optionalID(c, "appointment_type_id")
	if err != nil {
		return err
	}
	av, err := h.svc.AvailableSlots(c.Request().Context(), providerID, c.QueryParam("date"), typeID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, av)
}

func (h *Handler) CheckSlot(c echo.Context) error {
	providerID, err := idParam(c, "provider_id")
	if err != nil {
		return err
	}
	typeID, err := optionalID(c, "appointment_type_id")
	if err != nil {
		return err
	}
	exclude, err := optionalID(c, "exclude_appointment_id")
	if err != nil {
		return err
	}
	sc, err := h.svc.CanBookAppointment(c.Request().Context(), providerID,
		c.QueryParam("date"), c.QueryParam("time"), typeID, exclude)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

// -- Appointments --

func (h *Handler) BookAppointment(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}
	var in BookingInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}
	in.PatientID = patientID
	res, err := h.svc.BookAppointmentWithIntake(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}
	pg, err := pagination.FromContext(c)
	if err != nil {
		return badRequest(err.Error())
	}
	items, total, err := h.svc.ListPatientAppointments(c.Request().Context(), patientID, c.QueryParam("status"), pg)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) FlowStatus(c echo.Context) error {
	patientID, apptID, err := callerAndID(c, "appointment_id")
	if err != nil {
		return err
	}
	fs, err := h.svc.GetAppointmentFlowStatus(c.Request().Context(), apptID, patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, fs)
}

func (h *Handler) LatestIntake(c echo.Context) error {
	patientID, apptID, err := callerAndID(c, "appointment_id")
	if err != nil {
		return err
	}
	f, err := h.svc.GetLatestIntakeVersion(c.Request().Context(), patientID, apptID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	patientID, apptID, err := callerAndID(c, "appointment_id")
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := bindOptional(c, &body); err != nil {
		return err
	}
	a, err := h.svc.CancelAppointmentWithIntake(c.Request().Context(), apptID, patientID, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	patientID, apptID, err := callerAndID(c, "appointment_id")
	if err != nil {
		return err
	}
	var in RescheduleInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}
	in.AppointmentID, in.PatientID = apptID, patientID
	a, err := h.svc.RescheduleAppointmentWithIntake(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ConfirmAppointment(c echo.Context) error {
	apptID, err := idParam(c, "appointment_id")
	if err != nil {
		return err
	}
	a, err := h.svc.ConfirmAppointment(c.Request().Context(), apptID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	apptID, err := idParam(c, "appointment_id")
	if err != nil {
		return err
	}
	a, err := h.svc.CompleteAppointment(c.Request().Context(), apptID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	apptID, err := idParam(c, "appointment_id")
	if err != nil {
		return err
	}
	a, err := h.svc.MarkNoShow(c.Request().Context(), apptID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- Intake forms --

func (h *Handler) GetIntakeForm(c echo.Context) error {
	patientID, formID, err := callerAndID(c, "form_id")
	if err != nil {
		return err
	}
	f, err := h.svc.GetIntakeForm(c.Request().Context(), formID, patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.formView(f))
}

func (h *Handler) SaveSection(c echo.Context) error {
	patientID, formID, err := callerAndID(c, "form_id")
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return badRequest("could not read request body")
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return badRequest("section data is required")
	}
	f, err := h.svc.SaveIntakeSection(c.Request().Context(), formID, patientID, c.Param("section"), json.RawMessage(raw))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.formView(f))
}

type submitBody struct {
	FormData *intake.Payload `json:"form_data"`
}

func (h *Handler) SubmitIntake(c echo.Context) error {
	patientID, formID, err := callerAndID(c, "form_id")
	if err != nil {
		return err
	}
	var body submitBody
	if err := bindOptional(c, &body); err != nil {
		return err
	}
	f, err := h.svc.CompleteAppointmentIntake(c.Request().Context(), formID, patientID, body.FormData)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.formView(f))
}

func (h *Handler) ResubmitIntake(c echo.Context) error {
	patientID, formID, err := callerAndID(c, "form_id")
	if err != nil {
		return err
	}
	var body submitBody
	if err := bindOptional(c, &body); err != nil {
		return err
	}
	f, err := h.svc.ResubmitIntakeForm(c.Request().Context(), formID, patientID, body.FormData)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.formView(f))
}

func (h *Handler) ReopenIntake(c echo.Context) error {
	patientID, formID, err := callerAndID(c, "form_id")
	if err != nil {
		return err
	}
	var body struct {
		RevisionReason string `json:"revision_reason"`
	}
	if err := bindOptional(c, &body); err != nil {
		return err
	}
	f, err := h.svc.ReopenIntakeFormForEditing(c.Request().Context(), formID, patientID, body.RevisionReason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.formView(f))
}

func (h *Handler) MedicalHistory(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetMedicalHistory(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// formResponse adds the derived flags the portal needs to a form.
type formResponse struct {
	*intake.Form
	CanEdit   bool   `json:"can_edit"`
	CanReopen bool   `json:"can_reopen"`
	FormURL   string `json:"form_url"`
}

func (h *Handler) formView(f *intake.Form) formResponse {
	return formResponse{Form: f, CanEdit: intake.CanEdit(f.Status), CanReopen: intake.CanReopen(f.Status), FormURL: h.svc.FormURL(f)}
}

// -- Helpers --

func callerID(c echo.Context) (int64, error) {
	id, err := auth.PatientIDFromContext(c.Request().Context())
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, middleware.ErrorBody{
			Error:   "unauthorized",
			Message: "authentication required",
		})
	}
	return id, nil
}

func callerAndID(c echo.Context, param string) (int64, int64, error) {
	patientID, err := callerID(c)
	if err != nil {
		return 0, 0, err
	}
	id, err := idParam(c, param)
	if err != nil {
		return 0, 0, err
	}
	return patientID, id, nil
}

func idParam(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid " + name)
	}
	return id, nil
}

func optionalID(c echo.Context, name string) (int64, error) {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, badRequest("invalid " + name)
	}
	return id, nil
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c echo.Context, dst interface{}) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(dst); err != nil {
		return badRequest("invalid request body")
	}
	return nil
}

func badRequest(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, middleware.ErrorBody{
		Error:   apperr.KindValidation.String(),
		Message: msg,
	})
}

// httpError maps a classified error to its HTTP status. The cause is kept
// as the internal error for the request log only.
func httpError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	kind := apperr.KindOf(err)
	body := middleware.ErrorBody{Error: kind.String(), Message: apperr.MessageOf(err)}
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindConflict, apperr.KindFormNotEditable:
		status = http.StatusConflict
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindDependencyFailure:
		status = http.StatusServiceUnavailable
	default:
		body.Error = "internal_error"
		body.Message = "internal server error"
	}
	return echo.NewHTTPError(status, body).SetInternal(err)
}
