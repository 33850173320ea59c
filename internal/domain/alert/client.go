package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// OperationError reports a failed call to the alerts API.
type OperationError struct {
	Op         string
	AlertID    string
	StatusCode int
	Err        error
}

func (e *OperationError) Error() string {
	msg := "alert api " + e.Op
	if e.AlertID != "" {
		msg += " " + e.AlertID
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error { return e.Err }

// Query filters a List call.
type Query struct {
	PatientID string
	Type      string
	Severity  Severity
	Status    Status
}

// ListResponse is the body of GET /api/v1/alerts.
type ListResponse struct {
	Alerts []Alert `json:"alerts"`
	Total  int     `json:"total"`
}

type resolveRequest struct {
	ResolutionNotes string `json:"resolution_notes,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	Token      func() string
	Timeout    time.Duration
	RetryCount int
}

// Client talks to the alerts REST API with the session's bearer credential.
type Client struct {
	http   *resty.Client
	token  func() string
	logger zerolog.Logger
}

func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		http:   httpClient,
		token:  cfg.Token,
		logger: logger.With().Str("component", "alert-client").Logger(),
	}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx).SetError(&apiError{})
	if tok := c.token(); tok != "" {
		r.SetAuthToken(tok)
	}
	return r
}

// List fetches alerts matching q.
func (c *Client) List(ctx context.Context, q Query) (*ListResponse, error) {
	var out ListResponse
	req := c.request(ctx).SetResult(&out)
	if q.PatientID != "" {
		req.SetQueryParam("patient_id", q.PatientID)
	}
	if q.Type != "" {
		req.SetQueryParam("type", q.Type)
	}
	if q.Severity != "" {
		req.SetQueryParam("severity", string(q.Severity))
	}
	if q.Status != "" {
		req.SetQueryParam("status", string(q.Status))
	}

	resp, err := req.Get("/api/v1/alerts")
	if err := c.check("list", "", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Acknowledge acknowledges an alert upstream.
func (c *Client) Acknowledge(ctx context.Context, id string) error {
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		Post("/api/v1/alerts/{id}/acknowledge")
	return c.check("acknowledge", id, resp, err)
}

// Resolve resolves an alert upstream with optional notes.
func (c *Client) Resolve(ctx context.Context, id, notes string) error {
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetBody(resolveRequest{ResolutionNotes: notes}).
		Post("/api/v1/alerts/{id}/resolve")
	return c.check("resolve", id, resp, err)
}

func (c *Client) check(op, id string, resp *resty.Response, err error) error {
	if err != nil {
		c.logger.Error().Err(err).Str("op", op).Str("alert_id", id).Msg("alert api call failed")
		return &OperationError{Op: op, AlertID: id, Err: err}
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &OperationError{Op: op, AlertID: id, StatusCode: code, Err: ErrAuthRejected}
	case code == http.StatusNotFound && id != "":
		return &OperationError{Op: op, AlertID: id, StatusCode: code, Err: ErrAlertNotFound}
	case resp.IsError():
		msg := resp.Status()
		if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
			msg = e.Message
		}
		c.logger.Error().Int("status_code", code).Str("op", op).Str("alert_id", id).Msg("alert api returned error")
		return &OperationError{Op: op, AlertID: id, StatusCode: code, Err: errors.New(msg)}
	}
	return nil
}
