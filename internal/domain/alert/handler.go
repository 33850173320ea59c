package alert

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/dashboard-realtime/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/alerts", h.ListAlerts)
	api.GET("/alerts/counts", h.GetCounts)
	api.GET("/alerts/:id", h.GetAlert)
	api.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
	api.POST("/alerts/:id/resolve", h.ResolveAlert)
	api.POST("/alerts/:id/dismiss", h.DismissAlert)
}

type resolveBody struct {
	ResolutionNotes string `json:"resolution_notes"`
}

func (h *Handler) ListAlerts(c echo.Context) error {
	f := Filter{
		PatientID: c.QueryParam("patient_id"),
		Type:      c.QueryParam("type"),
		Severity:  Severity(c.QueryParam("severity")),
		Status:    Status(c.QueryParam("status")),
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid severity")
	}
	if f.Status != "" && !f.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}

	pg := pagination.FromContext(c)
	items := h.svc.List(f)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}

func (h *Handler) GetCounts(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Counts())
}

func (h *Handler) GetAlert(c echo.Context) error {
	a, ok := h.svc.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "alert not found")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) AcknowledgeAlert(c echo.Context) error {
	a, err := h.svc.Acknowledge(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ResolveAlert(c echo.Context) error {
	var body resolveBody
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	a, err := h.svc.Resolve(c.Request().Context(), c.Param("id"), body.ResolutionNotes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DismissAlert(c echo.Context) error {
	if err := h.svc.Dismiss(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrAlertNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "alert not found")
	case errors.Is(err, ErrAuthRejected):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	default:
		var opErr *OperationError
		if errors.As(err, &opErr) {
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
