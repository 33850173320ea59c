// Package alert reconciles alerts from live push, REST polling and the rule
// engine into one bounded, de-duplicated view and carries the acknowledge
// and resolve lifecycle back to the alerts API.
package alert

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/dashboard-realtime/internal/platform/clock"
)

const (
	DefaultMaxAlerts   = 50
	DefaultExpireAfter = 10 * time.Second
)

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	MaxAlerts   int
	ExpireAfter time.Duration
	Clock       clock.Clock
}

// Pipeline is the single owner of the merged alert view.
type Pipeline struct {
	maxAlerts   int
	expireAfter time.Duration
	clock       clock.Clock
	logger      zerolog.Logger

	mu         sync.Mutex
	alerts     map[string]*entry
	tombstones map[string]struct{}
	tombOrder  []string
	closed     bool

	observers  []changeObserver
	observerID int
	queue      []Change
	draining   bool
}

type entry struct {
	alert Alert
	timer clock.Timer
}

type changeObserver struct {
	id int
	fn func(Change)
}

// NewPipeline creates an empty Pipeline.
func NewPipeline(cfg PipelineConfig, logger zerolog.Logger) *Pipeline {
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = DefaultMaxAlerts
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = DefaultExpireAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Pipeline{
		maxAlerts:   cfg.MaxAlerts,
		expireAfter: cfg.ExpireAfter,
		clock:       cfg.Clock,
		logger:      logger.With().Str("component", "alert-pipeline").Logger(),
		alerts:      make(map[string]*entry),
		tombstones:  make(map[string]struct{}),
	}
}

// Ingest inserts a new alert or merges it into the stored one. It returns
// the stored result and whether the alert is in the view afterwards.
// Dismissed and expired ids are not brought back.
func (p *Pipeline) Ingest(a Alert, src Source) (Alert, bool) {
	now := p.clock.Now()
	a = normalize(a, src, now)
	if err := a.Validate(); err != nil {
		p.logger.Warn().Err(err).Str("alert_id", a.ID).Str("source", string(src)).Msg("rejecting alert")
		return Alert{}, false
	}

	p.mu.Lock()
	stored, ok := p.ingestLocked(a, now)
	p.mu.Unlock()

	p.drain()
	return stored, ok
}

// IngestBatch ingests alerts in order and returns how many are in the view
// afterwards.
func (p *Pipeline) IngestBatch(alerts []Alert, src Source) int {
	now := p.clock.Now()
	n := 0

	p.mu.Lock()
	for _, a := range alerts {
		a = normalize(a, src, now)
		if err := a.Validate(); err != nil {
			p.logger.Warn().Err(err).Str("alert_id", a.ID).Str("source", string(src)).Msg("rejecting alert")
			continue
		}
		if _, ok := p.ingestLocked(a, now); ok {
			n++
		}
	}
	p.mu.Unlock()

	p.drain()
	return n
}

func (p *Pipeline) ingestLocked(a Alert, now time.Time) (Alert, bool) {
	if p.closed {
		return Alert{}, false
	}
	if _, dead := p.tombstones[a.ID]; dead {
		return Alert{}, false
	}

	if e, ok := p.alerts[a.ID]; ok {
		merged := Merge(e.alert, a)
		if reflect.DeepEqual(merged, e.alert) {
			return e.alert.clone(), true
		}
		e.alert = merged
		switch {
		case !merged.Ephemeral():
			stopTimer(e)
		case e.timer == nil && !p.armExpiryLocked(e, now):
			// The merge made it ephemeral and its lifetime is already over.
			delete(p.alerts, a.ID)
			p.buryLocked(a.ID)
			expired := merged
			expired.Status = StatusExpired
			p.notifyLocked(ChangeExpired, expired)
			return Alert{}, false
		}
		p.notifyLocked(ChangeUpserted, merged)
		return merged.clone(), true
	}

	e := &entry{alert: a}
	if a.Ephemeral() && !p.armExpiryLocked(e, now) {
		p.buryLocked(a.ID)
		return Alert{}, false
	}
	p.alerts[a.ID] = e
	p.notifyLocked(ChangeUpserted, a)
	p.evictLocked()

	if _, ok := p.alerts[a.ID]; !ok {
		return Alert{}, false
	}
	return a.clone(), true
}

// expiryBase is created_at, or now when created_at lies in the future.
func (p *Pipeline) expiryBase(a Alert, now time.Time) time.Time {
	if a.CreatedAt.After(now) {
		return now
	}
	return a.CreatedAt
}

// armExpiryLocked schedules the expiry of e. It reports false, without
// scheduling, when the deadline has already passed.
func (p *Pipeline) armExpiryLocked(e *entry, now time.Time) bool {
	deadline := p.expiryBase(e.alert, now).Add(p.expireAfter)
	if !deadline.After(now) {
		return false
	}
	id := e.alert.ID
	e.timer = p.clock.AfterFunc(deadline.Sub(now), func() { p.expire(id, e) })
	return true
}

func (p *Pipeline) expire(id string, e *entry) {
	p.mu.Lock()
	cur, ok := p.alerts[id]
	if p.closed || !ok || cur != e || !e.alert.Ephemeral() {
		p.mu.Unlock()
		return
	}
	delete(p.alerts, id)
	p.buryLocked(id)
	expired := e.alert
	expired.Status = StatusExpired
	expired.UpdatedAt = p.clock.Now()
	p.notifyLocked(ChangeExpired, expired)
	p.mu.Unlock()

	p.drain()
}

var evictionTier = map[Status]int{
	StatusResolved: 0, StatusExpired: 1, StatusAcknowledged: 2, StatusActive: 3,
}

// evictLocked drops alerts until the view fits: resolved, then expired,
// then acknowledged, then active, oldest created_at first within a tier.
func (p *Pipeline) evictLocked() {
	for len(p.alerts) > p.maxAlerts {
		var victim *entry
		for _, e := range p.alerts {
			if victim == nil || evictsBefore(e.alert, victim.alert) {
				victim = e
			}
		}
		stopTimer(victim)
		delete(p.alerts, victim.alert.ID)
		p.notifyLocked(ChangeRemoved, victim.alert)
		p.logger.Debug().Str("alert_id", victim.alert.ID).Str("status", string(victim.alert.Status)).Msg("evicted alert")
	}
}

func evictsBefore(a, b Alert) bool {
	ta, tb := evictionTier[a.Status], evictionTier[b.Status]
	if ta != tb {
		return ta < tb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (p *Pipeline) buryLocked(id string) {
	if _, ok := p.tombstones[id]; ok {
		return
	}
	p.tombstones[id] = struct{}{}
	p.tombOrder = append(p.tombOrder, id)
	if limit := 4 * p.maxAlerts; len(p.tombOrder) > limit {
		drop := p.tombOrder[0]
		p.tombOrder = p.tombOrder[1:]
		delete(p.tombstones, drop)
	}
}

func stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Acknowledge marks an active alert acknowledged. Alerts that are already
// acknowledged or further along are returned unchanged.
func (p *Pipeline) Acknowledge(id string) (Alert, error) {
	return p.advance(id, StatusAcknowledged, "")
}

// Resolve marks an alert resolved with optional notes. Resolved and expired
// alerts are returned unchanged.
func (p *Pipeline) Resolve(id, notes string) (Alert, error) {
	return p.advance(id, StatusResolved, notes)
}

func (p *Pipeline) advance(id string, to Status, notes string) (Alert, error) {
	p.mu.Lock()
	e, ok := p.alerts[id]
	if !ok {
		p.mu.Unlock()
		return Alert{}, ErrAlertNotFound
	}
	if e.alert.Status.Rank() >= to.Rank() {
		a := e.alert.clone()
		p.mu.Unlock()
		return a, nil
	}
	stopTimer(e)
	e.alert.Status = to
	e.alert.UpdatedAt = p.clock.Now()
	if notes != "" {
		e.alert.ResolutionNotes = notes
	}
	a := e.alert.clone()
	p.notifyLocked(ChangeUpserted, a)
	p.mu.Unlock()

	p.drain()
	return a, nil
}

// Dismiss removes an alert from the view for the rest of the session.
func (p *Pipeline) Dismiss(id string) error {
	p.mu.Lock()
	e, ok := p.alerts[id]
	if !ok {
		p.mu.Unlock()
		return ErrAlertNotFound
	}
	stopTimer(e)
	delete(p.alerts, id)
	p.buryLocked(id)
	p.notifyLocked(ChangeRemoved, e.alert)
	p.mu.Unlock()

	p.drain()
	return nil
}

// Close stops every expiry timer. Later ingests are ignored.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, e := range p.alerts {
		stopTimer(e)
	}
}

// ---------------------------------------------------------------------------
// Read path
// ---------------------------------------------------------------------------

// List returns the matching alerts: unread first, newest created_at first
// within each group, ties broken by id.
func (p *Pipeline) List(f Filter) []Alert {
	p.mu.Lock()
	out := make([]Alert, 0, len(p.alerts))
	for _, e := range p.alerts {
		if f.match(e.alert) {
			out = append(out, e.alert.clone())
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ui, uj := out[i].Status.Unread(), out[j].Status.Unread()
		if ui != uj {
			return ui
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *Pipeline) Get(id string) (Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.alerts[id]
	if !ok {
		return Alert{}, false
	}
	return e.alert.clone(), true
}

func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

func (p *Pipeline) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := Counts{
		ByStatus:   make(map[Status]int),
		BySeverity: make(map[Severity]int),
	}
	for _, e := range p.alerts {
		c.Total++
		c.ByStatus[e.alert.Status]++
		c.BySeverity[e.alert.Severity]++
		if e.alert.Status.Unread() {
			c.Unread++
		}
	}
	return c
}

// ---------------------------------------------------------------------------
// Change notification
// ---------------------------------------------------------------------------

// OnChange registers fn for every change to the view. Calls are serialized
// and made without the pipeline lock held.
func (p *Pipeline) OnChange(fn func(Change)) (cancel func()) {
	p.mu.Lock()
	p.observerID++
	id := p.observerID
	p.observers = append(p.observers, changeObserver{id: id, fn: fn})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for i, o := range p.observers {
				if o.id == id {
					p.observers = append(p.observers[:i:i], p.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (p *Pipeline) notifyLocked(kind ChangeKind, a Alert) {
	if len(p.observers) == 0 {
		return
	}
	p.queue = append(p.queue, Change{Kind: kind, Alert: a.clone()})
}

func (p *Pipeline) drain() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	for len(p.queue) > 0 {
		ch := p.queue[0]
		p.queue = p.queue[1:]
		fns := make([]func(Change), len(p.observers))
		for i, o := range p.observers {
			fns[i] = o.fn
		}
		p.mu.Unlock()

		for _, fn := range fns {
			fn(ch)
		}

		p.mu.Lock()
	}
	p.draining = false
	p.mu.Unlock()
}
