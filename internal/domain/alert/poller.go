package alert

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/dashboard-realtime/internal/platform/clock"
)

// Lister is the part of Client the poller needs.
type Lister interface {
	List(ctx context.Context, q Query) (*ListResponse, error)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Interval time.Duration
	Query    Query
	// DemoMode seeds the pipeline with demo alerts when the API cannot be
	// reached. Demo alerts are tagged with metadata demo=true.
	DemoMode bool
	Clock    clock.Clock
	// Token returns the credential the lister presents. After a rejection
	// polling pauses until it changes.
	Token    func() string
}

// Poller periodically lists alerts from the API into the pipeline.
type Poller struct {
	lister   Lister
	pipeline *Pipeline
	cfg      PollerConfig
	logger   zerolog.Logger

	demoActive atomic.Bool
	failures   atomic.Int64

	mu             sync.Mutex
	onAuthRejected func(error)
	rejected       bool
	rejectedToken  string
}

func NewPoller(lister Lister, pipeline *Pipeline, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	return &Poller{
		lister:   lister,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger.With().Str("component", "alert-poller").Logger(),
	}
}

// PollOnce fetches once and ingests the result. On failure the pipeline
// keeps what it has; with DemoMode on, demo alerts are ingested instead.
// A rejected credential is reported through OnAuthRejected and polls are
// skipped until the token changes.
func (p *Poller) PollOnce(ctx context.Context) error {
	if p.paused() {
		return ErrAuthRejected
	}
	token := p.cfg.Token()
	resp, err := p.lister.List(ctx, p.cfg.Query)
	if err != nil {
		p.failures.Add(1)
		if errors.Is(err, ErrAuthRejected) {
			p.authRejected(token, err)
			return err
		}
		p.logger.Warn().Err(err).Msg("polling alerts failed")
		if p.cfg.DemoMode && !errors.Is(err, context.Canceled) {
			n := p.pipeline.IngestBatch(DemoAlerts(p.cfg.Clock.Now()), SourcePoll)
			if p.demoActive.CompareAndSwap(false, true) {
				p.logger.Warn().Int("alerts", n).Msg("serving demo alerts")
			}
		}
		return err
	}

	p.failures.Store(0)
	p.demoActive.Store(false)
	n := p.pipeline.IngestBatch(resp.Alerts, SourcePoll)
	p.logger.Debug().Int("received", len(resp.Alerts)).Int("kept", n).Msg("polled alerts")
	return nil
}

// OnAuthRejected registers fn to be told when the API rejects the
// credential during a poll.
func (p *Poller) OnAuthRejected(fn func(error)) {
	p.mu.Lock()
	p.onAuthRejected = fn
	p.mu.Unlock()
}

// AuthPaused reports whether polling waits for a new credential.
func (p *Poller) AuthPaused() bool {
	return p.paused()
}

func (p *Poller) paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rejected {
		return false
	}
	if p.cfg.Token() != p.rejectedToken {
		p.rejected = false
		p.logger.Info().Msg("credential changed; resuming polls")
	}
	return p.rejected
}

func (p *Poller) authRejected(token string, err error) {
	p.mu.Lock()
	p.rejected = true
	p.rejectedToken = token
	fn := p.onAuthRejected
	p.mu.Unlock()

	p.logger.Warn().Err(err).Msg("alerts api rejected the credential; pausing polls")
	if fn != nil {
		fn(err)
	}
}

// Run polls immediately and then every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	for {
		_ = p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-p.cfg.Clock.After(p.cfg.Interval):
		}
	}
}

// DemoActive reports whether the last poll fell back to demo alerts.
func (p *Poller) DemoActive() bool {
	return p.demoActive.Load()
}

// ConsecutiveFailures is the number of failed polls since the last success.
func (p *Poller) ConsecutiveFailures() int64 {
	return p.failures.Load()
}

// DemoAlerts returns the fixed demo set, created relative to now.
func DemoAlerts(now time.Time) []Alert {
	demo := func() map[string]interface{} { return map[string]interface{}{"demo": true} }
	return []Alert{
		{
			ID:          "demo-critical-lab",
			Type:        "lab_result",
			Severity:    SeverityCritical,
			Priority:    1,
			Title:       "Critical potassium level",
			Description: "Serum potassium 6.8 mmol/L reported for demo patient.",
			PatientID:   "demo-patient-1",
			Metadata:    demo(),
			CreatedAt:   now.Add(-5 * time.Minute),
			Status:      StatusActive,
		},
		{
			ID:          "demo-coverage",
			Type:        "coverage",
			Severity:    SeverityHigh,
			Priority:    2,
			Title:       "Coverage Ending Soon for Demo Patient",
			Description: "Insurance coverage ends in 12 days.",
			PatientID:   "demo-patient-2",
			Metadata:    demo(),
			CreatedAt:   now.Add(-time.Hour),
			Status:      StatusActive,
		},
		{
			ID:          "demo-appointment",
			Type:        "appointment",
			Severity:    SeverityMedium,
			Priority:    3,
			Title:       "Missed follow-up appointment",
			Description: "Demo patient did not attend the scheduled follow-up.",
			PatientID:   "demo-patient-3",
			Metadata:    demo(),
			CreatedAt:   now.Add(-24 * time.Hour),
			Status:      StatusAcknowledged,
		},
	}
}
