package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/dashboard-realtime/internal/domain/alert"
	"github.com/ehr/dashboard-realtime/internal/domain/rules"
	"github.com/ehr/dashboard-realtime/internal/platform/db"
	"github.com/ehr/dashboard-realtime/internal/platform/middleware"
	"github.com/ehr/dashboard-realtime/internal/platform/websocket"
)

// EventAlertChanged is the hub event carrying an alert.Change.
const EventAlertChanged = "alert_changed"

const shutdownTimeout = 10 * time.Second

func (s *Session) newGateway(logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: s.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", s.handleHealth)

	api := e.Group("/api/v1/live")
	api.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	api.Use(middleware.RequestTimeout(s.cfg.APITimeout + 5*time.Second))
	api.Use(middleware.BodyLimit("1M"))
	alert.NewHandler(s.Service).RegisterRoutes(api)
	api.POST("/documents", s.handleDocument)
	api.POST("/patterns/reload", s.handleReloadPatterns)

	websocket.NewHandler(s.Hub, s.cfg.CORSOrigins).RegisterRoutes(e.Group(""))
	return e
}

// Handler exposes the gateway for tests and embedding.
func (s *Session) Handler() http.Handler {
	return s.echo
}

func (s *Session) serve(ctx context.Context) error {
	addr := ":" + s.cfg.Port
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("gateway listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// publishChange fans a pipeline change out to the alerts topic and, for
// patient alerts, the patient's topic.
func (s *Session) publishChange(c alert.Change) {
	data, err := json.Marshal(c)
	if err != nil {
		s.logger.Error().Err(err).Str("alert_id", c.Alert.ID).Msg("encoding alert change")
		return
	}
	ctx := context.Background()
	s.Hub.Publish(ctx, websocket.Event{Type: EventAlertChanged, Topic: websocket.TopicAlerts, Data: data})
	if c.Alert.PatientID != "" {
		topic := websocket.TopicForPatient(c.Alert.PatientID)
		s.Hub.Publish(ctx, websocket.Event{Type: EventAlertChanged, Topic: topic, Data: data})
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

type healthResponse struct {
	Status        string           `json:"status"`
	Connection    websocket.Status `json:"connection"`
	Alerts        alert.Counts     `json:"alerts"`
	Clients       int              `json:"clients"`
	Subscriptions int              `json:"subscriptions"`
	Patterns      int              `json:"patterns"`
	DemoMode      bool             `json:"demo_mode"`
	PollFailures  int64            `json:"poll_failures"`
	PollPaused    bool             `json:"poll_paused"`
	Database      *db.PoolStats    `json:"database,omitempty"`
}

func (s *Session) handleHealth(c echo.Context) error {
	st := s.Manager.Status()
	resp := healthResponse{
		Status:        "ok",
		Connection:    st,
		Alerts:        s.Pipeline.Counts(),
		Clients:       s.Hub.ClientCount(),
		Subscriptions: len(s.Registry.Entities()),
		Patterns:      len(s.Patterns()),
		DemoMode:      s.Poller.DemoActive(),
		PollFailures:  s.Poller.ConsecutiveFailures(),
		PollPaused:    s.Poller.AuthPaused(),
	}
	if s.pool != nil {
		resp.Database = db.Check(c.Request().Context(), s.pool)
		if !resp.Database.Healthy {
			resp.Status = "degraded"
		}
	}
	if st.State != websocket.StateConnected || st.NeedsReauth || resp.DemoMode || resp.PollPaused {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

type documentResponse struct {
	DocumentID string        `json:"document_id"`
	Alerts     []alert.Alert `json:"alerts"`
	Errors     []string      `json:"errors,omitempty"`
}

func (s *Session) handleDocument(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	doc, err := rules.ParseDocument(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	generated, errs := s.EvaluateDocument(doc)
	resp := documentResponse{DocumentID: doc.ID, Alerts: generated}
	if resp.Alerts == nil {
		resp.Alerts = []alert.Alert{}
	}
	for _, e := range errs {
		resp.Errors = append(resp.Errors, e.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Session) handleReloadPatterns(c echo.Context) error {
	if err := s.ReloadPatterns(c.Request().Context()); err != nil {
		s.logger.Error().Err(err).Msg("reloading patterns")
		return echo.NewHTTPError(http.StatusBadGateway, "pattern catalog could not be loaded")
	}
	return c.JSON(http.StatusOK, map[string]int{"patterns": len(s.Patterns())})
}
