// Package realtime wires the dashboard's realtime layer into one session:
// the upstream connection and its subscriptions, the credential watcher,
// the alert pipeline with its poller and rule engine, and the UI gateway.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/dashboard-realtime/internal/config"
	"github.com/ehr/dashboard-realtime/internal/domain/alert"
	"github.com/ehr/dashboard-realtime/internal/domain/rules"
	"github.com/ehr/dashboard-realtime/internal/platform/clock"
	"github.com/ehr/dashboard-realtime/internal/platform/credential"
	"github.com/ehr/dashboard-realtime/internal/platform/db"
	"github.com/ehr/dashboard-realtime/internal/platform/websocket"
)

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	clock    clock.Clock
	dialer   websocket.Dialer
	source   credential.Source
	patterns rules.PatternRepository
}

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithDialer(d websocket.Dialer) Option { return func(o *options) { o.dialer = d } }

func WithCredentialSource(s credential.Source) Option { return func(o *options) { o.source = s } }

func WithPatternRepository(r rules.PatternRepository) Option {
	return func(o *options) { o.patterns = r }
}

// Session owns every realtime component for one dashboard session.
type Session struct {
	cfg    *config.Config
	logger zerolog.Logger
	clock  clock.Clock

	Manager  *websocket.Manager
	Registry *websocket.Registry
	Hub      *websocket.Hub
	Watcher  *credential.Watcher
	Pipeline *alert.Pipeline
	Client   *alert.Client
	Poller   *alert.Poller
	Service  *alert.Service
	Engine   *rules.Engine

	source      credential.Source
	patternRepo rules.PatternRepository
	pool        *pgxpool.Pool
	redis       *redis.Client
	echo        *echo.Echo

	patternsMu sync.RWMutex
	patterns   []rules.Pattern

	cancels   []func()
	closeOnce sync.Once
}

// New builds a session from cfg and loads the pattern catalog. Nothing
// connects until Run.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Session, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	s := &Session{
		cfg:    cfg,
		logger: logger.With().Str("component", "session").Logger(),
		clock:  o.clock,
	}

	var err error
	if s.source = o.source; s.source == nil {
		if s.source, err = s.credentialSource(logger); err != nil {
			return nil, err
		}
	}
	if s.patternRepo = o.patterns; s.patternRepo == nil {
		if s.patternRepo, err = s.patternRepository(ctx, logger); err != nil {
			s.Close()
			return nil, err
		}
	}

	s.Pipeline = alert.NewPipeline(alert.PipelineConfig{
		MaxAlerts:   cfg.MaxAlerts,
		ExpireAfter: cfg.AlertExpireAfter,
		Clock:       o.clock,
	}, logger)

	s.Manager = websocket.NewManager(websocket.ManagerConfig{
		URL:               cfg.WSURL,
		Token:             func() string { return s.Watcher.Token() },
		Dialer:            o.dialer,
		Clock:             o.clock,
		BaseDelay:         cfg.ReconnectBaseDelay,
		MaxDelay:          cfg.ReconnectMaxDelay,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DialTimeout:       cfg.DialTimeout,
	}, logger)
	s.Watcher = credential.NewWatcher(s.source, s.Manager, o.clock, logger)
	s.Registry = websocket.NewRegistry(s.Manager, logger)
	s.Hub = websocket.NewHub(s.Registry, logger)

	s.cancels = append(s.cancels,
		s.Manager.Observe(s.Hub),
		s.Manager.Observe(&alertBridge{pipeline: s.Pipeline, logger: logger.With().Str("component", "alert-bridge").Logger()}),
		s.Pipeline.OnChange(s.publishChange),
	)

	s.Client = alert.NewClient(alert.ClientConfig{
		BaseURL:    cfg.APIBaseURL,
		Token:      s.Watcher.Token,
		Timeout:    cfg.APITimeout,
		RetryCount: cfg.APIRetryCount,
	}, logger)
	s.Poller = alert.NewPoller(s.Client, s.Pipeline, alert.PollerConfig{
		Interval: cfg.PollInterval,
		DemoMode: cfg.DemoMode,
		Clock:    o.clock,
		Token:    s.Watcher.Token,
	}, logger)
	s.Poller.OnAuthRejected(s.Manager.RequireReauth)
	s.Service = alert.NewService(s.Pipeline, s.Client, logger)
	s.Service.OnAuthRejected(s.Manager.RequireReauth)
	s.Engine = rules.NewEngine(o.clock, logger)

	if err := s.ReloadPatterns(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.echo = s.newGateway(logger)
	return s, nil
}

func (s *Session) credentialSource(logger zerolog.Logger) (credential.Source, error) {
	switch s.cfg.CredentialSource {
	case config.CredentialSourceFile:
		return credential.NewFileSource(s.cfg.CredentialFile, logger), nil
	case config.CredentialSourceRedis:
		ropts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		s.redis = redis.NewClient(ropts)
		return credential.NewRedisSource(s.redis, s.cfg.CredentialRedisKey, s.cfg.CredentialRedisChannel, logger), nil
	default:
		return credential.NewStaticSource(s.cfg.CredentialToken), nil
	}
}

func (s *Session) patternRepository(ctx context.Context, logger zerolog.Logger) (rules.PatternRepository, error) {
	if s.cfg.PatternSource != config.PatternSourcePostgres {
		if s.cfg.PatternFile == "" {
			return nil, nil
		}
		return rules.NewPatternRepoFile(s.cfg.PatternFile), nil
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      s.cfg.DatabaseURL,
		MaxConns: s.cfg.DBMaxConns,
		MinConns: s.cfg.DBMinConns,
	}, logger)
	if err != nil {
		return nil, err
	}
	s.pool = pool

	n, err := db.NewMigrator(pool, rules.Migrations, "migrations").Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate pattern catalog: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int("applied", n).Msg("pattern catalog migrated")
	}
	return rules.NewPatternRepoPG(pool), nil
}

// ReloadPatterns replaces the active pattern catalog. Without a catalog
// the engine generates nothing.
func (s *Session) ReloadPatterns(ctx context.Context) error {
	if s.patternRepo == nil {
		s.logger.Warn().Msg("no pattern catalog configured")
		return nil
	}
	patterns, err := s.patternRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("load patterns: %w", err)
	}
	s.patternsMu.Lock()
	s.patterns = patterns
	s.patternsMu.Unlock()
	s.logger.Info().Int("patterns", len(patterns)).Msg("pattern catalog loaded")
	return nil
}

// Patterns returns the active catalog.
func (s *Session) Patterns() []rules.Pattern {
	s.patternsMu.RLock()
	defer s.patternsMu.RUnlock()
	return s.patterns
}

// EvaluateDocument runs the catalog against doc and ingests what it
// generates. Evaluation errors do not stop other patterns.
func (s *Session) EvaluateDocument(doc rules.Document) ([]alert.Alert, []error) {
	generated, errs := s.Engine.Evaluate(doc, s.Patterns())
	for _, err := range errs {
		s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("pattern evaluation failed")
	}
	if len(generated) > 0 {
		n := s.Pipeline.IngestBatch(generated, alert.SourceGenerated)
		s.logger.Debug().Str("document_id", doc.ID).Int("generated", len(generated)).Int("kept", n).Msg("document evaluated")
	}
	return generated, errs
}

// Run starts the credential watcher, the poller and the gateway and blocks
// until ctx is done or one of them fails.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.Watcher.Run(gctx) })
	g.Go(func() error { return s.Poller.Run(gctx) })
	g.Go(func() error { return s.serve(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears the session down in reverse order of construction. It is
// safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for i := len(s.cancels) - 1; i >= 0; i-- {
			s.cancels[i]()
		}
		if s.Registry != nil {
			s.Registry.Close()
		}
		if s.Manager != nil {
			s.Manager.Close()
		}
		if s.Pipeline != nil {
			s.Pipeline.Close()
		}
		if s.redis != nil {
			if err := s.redis.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("closing redis client")
			}
		}
		if s.pool != nil {
			s.pool.Close()
		}
		s.logger.Info().Msg("session closed")
	})
}

// ---------------------------------------------------------------------------
// Upstream alert bridge
// ---------------------------------------------------------------------------

// alertBridge feeds alert_new envelopes into the pipeline.
type alertBridge struct {
	pipeline *alert.Pipeline
	logger   zerolog.Logger
}

func (b *alertBridge) OnStateChange(websocket.Status) {}

func (b *alertBridge) OnEnvelope(env websocket.Envelope) {
	if env.Type != websocket.TypeAlertNew {
		return
	}
	a, err := alert.DecodeAlert(env.Data)
	if err != nil {
		b.logger.Warn().Err(err).Msg("dropping malformed alert")
		return
	}
	if _, ok := b.pipeline.Ingest(a, alert.SourcePush); !ok {
		b.logger.Debug().Str("alert_id", a.ID).Msg("pushed alert not kept")
	}
}
