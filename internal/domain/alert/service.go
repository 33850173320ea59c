package alert

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Backend is the alerts API as seen by the lifecycle service.
type Backend interface {
	Acknowledge(ctx context.Context, id string) error
	Resolve(ctx context.Context, id, notes string) error
}

// Service applies user lifecycle commands. Alerts known to the API are
// updated there first and only changed locally on success.
type Service struct {
	pipeline       *Pipeline
	backend        Backend
	onAuthRejected func(error)
	logger         zerolog.Logger
}

func NewService(pipeline *Pipeline, backend Backend, logger zerolog.Logger) *Service {
	return &Service{
		pipeline: pipeline,
		backend:  backend,
		logger:   logger.With().Str("component", "alert-service").Logger(),
	}
}

// OnAuthRejected registers fn to be told when the API rejects the
// credential.
func (s *Service) OnAuthRejected(fn func(error)) {
	s.onAuthRejected = fn
}

func (s *Service) Acknowledge(ctx context.Context, id string) (Alert, error) {
	a, ok := s.pipeline.Get(id)
	if !ok {
		return Alert{}, ErrAlertNotFound
	}
	if a.Status.Rank() >= StatusAcknowledged.Rank() {
		return a, nil
	}
	if !a.Local() && s.backend != nil {
		if err := s.backend.Acknowledge(ctx, id); err != nil {
			return Alert{}, s.fail(err)
		}
	}
	return s.pipeline.Acknowledge(id)
}

func (s *Service) Resolve(ctx context.Context, id, notes string) (Alert, error) {
	a, ok := s.pipeline.Get(id)
	if !ok {
		return Alert{}, ErrAlertNotFound
	}
	if a.Status.Rank() >= StatusResolved.Rank() {
		return a, nil
	}
	if !a.Local() && s.backend != nil {
		if err := s.backend.Resolve(ctx, id, notes); err != nil {
			return Alert{}, s.fail(err)
		}
	}
	return s.pipeline.Resolve(id, notes)
}

// Dismiss only hides the alert on this dashboard.
func (s *Service) Dismiss(id string) error {
	return s.pipeline.Dismiss(id)
}

func (s *Service) List(f Filter) []Alert {
	return s.pipeline.List(f)
}

func (s *Service) Get(id string) (Alert, bool) {
	return s.pipeline.Get(id)
}

func (s *Service) Counts() Counts {
	return s.pipeline.Counts()
}

func (s *Service) fail(err error) error {
	if errors.Is(err, ErrAuthRejected) && s.onAuthRejected != nil {
		s.onAuthRejected(err)
	}
	s.logger.Warn().Err(err).Msg("alert lifecycle call failed")
	return err
}
