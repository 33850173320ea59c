package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHandler(t *testing.T, backend Backend) (*Handler, *Pipeline) {
	t.Helper()
	p, _ := newTestPipeline(50)
	p.Ingest(Alert{ID: "a1", Type: "lab_result", Severity: SeverityHigh, PatientID: "p1"}, SourcePush)
	p.Ingest(Alert{ID: "a2", Type: "coverage", Severity: SeverityLow, PatientID: "p2"}, SourcePush)
	p.Ingest(Alert{ID: "a3", Type: "coverage", Severity: SeverityLow, PatientID: "p1"}, SourcePush)
	return NewHandler(NewService(p, backend, zerolog.Nop())), p
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_ListAlerts(t *testing.T) {
	h, _ := newTestHandler(t, &backendSpy{})
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/alerts?patient_id=p1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListAlerts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Data  []Alert `json:"data"`
		Total int     `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 {
		t.Fatalf("expected total 2, got %d", body.Total)
	}
	for _, a := range body.Data {
		if a.PatientID != "p1" {
			t.Fatalf("filter leaked alert %+v", a)
		}
	}
}

func TestHandler_ListAlerts_Paginates(t *testing.T) {
	h, _ := newTestHandler(t, &backendSpy{})
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/alerts?limit=2&offset=2", nil)
	rec := httptest.NewRecorder()
	if err := h.ListAlerts(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Data  []Alert `json:"data"`
		Total int     `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 3 || len(body.Data) != 1 {
		t.Fatalf("expected 1 of 3 alerts, got %d of %d", len(body.Data), body.Total)
	}
}

func TestHandler_ListAlerts_InvalidSeverity(t *testing.T) {
	h, _ := newTestHandler(t, &backendSpy{})
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/alerts?severity=urgent", nil)
	err := h.ListAlerts(e.NewContext(req, httptest.NewRecorder()))
	if code := httpCode(t, err); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestHandler_GetAlert_NotFound(t *testing.T) {
	h, _ := newTestHandler(t, &backendSpy{})
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("missing")

	if code := httpCode(t, h.GetAlert(c)); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestHandler_AcknowledgeAlert(t *testing.T) {
	h, p := newTestHandler(t, &backendSpy{})
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("a1")

	if err := h.AcknowledgeAlert(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got, _ := p.Get("a1"); got.Status != StatusAcknowledged {
		t.Fatalf("expected acknowledged, got %s", got.Status)
	}
}

func TestHandler_ResolveAlert_WithNotes(t *testing.T) {
	h, p := newTestHandler(t, &backendSpy{})
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"resolution_notes":"reviewed"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("a2")

	if err := h.ResolveAlert(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := p.Get("a2")
	if got.Status != StatusResolved || got.ResolutionNotes != "reviewed" {
		t.Fatalf("unexpected alert %+v", got)
	}
}

func TestHandler_BackendErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"auth", &OperationError{Op: "acknowledge", StatusCode: 401, Err: ErrAuthRejected}, http.StatusUnauthorized},
		{"upstream", &OperationError{Op: "acknowledge", StatusCode: 500, Err: errors.New("boom")}, http.StatusBadGateway},
		{"other", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, &backendSpy{err: tt.err})
			e := echo.New()

			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues("a1")

			if code := httpCode(t, h.AcknowledgeAlert(c)); code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestHandler_DismissAlert(t *testing.T) {
	h, p := newTestHandler(t, &backendSpy{})
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("a3")

	if err := h.DismissAlert(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := p.Get("a3"); ok {
		t.Fatal("expected alert dismissed")
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _ := newTestHandler(t, &backendSpy{})
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{}
	for _, route := range []string{
		"GET:/api/v1/alerts",
		"GET:/api/v1/alerts/counts",
		"GET:/api/v1/alerts/:id",
		"POST:/api/v1/alerts/:id/acknowledge",
		"POST:/api/v1/alerts/:id/resolve",
		"POST:/api/v1/alerts/:id/dismiss",
	} {
		want[route] = false
	}
	for _, r := range e.Routes() {
		key := r.Method + ":" + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("missing route %s", route)
		}
	}
}
