package websocket

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry keeps a reference count per upstream entity and sends exactly one
// subscribe per entity and connection while the count is positive. Server
// side subscriptions do not survive a reconnect, so every connect replays
// the live entries.
type Registry struct {
	m      *Manager
	logger zerolog.Logger

	// writeMu orders control writes; mu only guards entries and is never
	// held across a write.
	writeMu sync.Mutex
	mu      sync.Mutex
	entries map[string]*subscription
	cancel  func()
}

type subscription struct {
	refCount int
	// sentGen is the connection generation the subscribe was written to,
	// 0 while pending.
	sentGen uint64
}

// NewRegistry creates a Registry observing m.
func NewRegistry(m *Manager, logger zerolog.Logger) *Registry {
	r := &Registry{
		m:       m,
		logger:  logger.With().Str("component", "ws-registry").Logger(),
		entries: make(map[string]*subscription),
	}
	r.cancel = m.Observe(r)
	return r
}

// Subscribe adds a reference to entityID. The first reference sends a
// subscribe control message, or leaves it pending until the next connect.
func (r *Registry) Subscribe(entityID string) {
	if entityID == "" {
		return
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	sub, ok := r.entries[entityID]
	if !ok {
		sub = &subscription{}
		r.entries[entityID] = sub
	}
	sub.refCount++
	first := sub.refCount == 1
	r.mu.Unlock()

	if first {
		r.sendSubscribe(entityID, sub, 0)
	}
}

// Unsubscribe drops a reference to entityID. Unknown entities are ignored.
// Releasing the last reference sends unsubscribe only when the subscribe
// went out on the current connection.
func (r *Registry) Unsubscribe(entityID string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	sub, ok := r.entries[entityID]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub.refCount--
	if sub.refCount > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, entityID)
	gen := sub.sentGen
	r.mu.Unlock()

	if gen == 0 {
		return
	}
	msg := ControlMessage{Action: ActionUnsubscribe, EntityID: entityID}
	if _, err := r.m.sendOn(gen, msg); err != nil && !errors.Is(err, ErrNotConnected) {
		r.logger.Warn().Err(err).Str("entity_id", entityID).Msg("unsubscribe not sent")
	}
}

// Hold subscribes to entityID and returns a release func that unsubscribes
// exactly once, however often it is called.
func (r *Registry) Hold(entityID string) (release func()) {
	r.Subscribe(entityID)
	var once sync.Once
	return func() {
		once.Do(func() { r.Unsubscribe(entityID) })
	}
}

// RefCount returns the number of references held on entityID.
func (r *Registry) RefCount(entityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.entries[entityID]; ok {
		return sub.refCount
	}
	return 0
}

// Active reports whether the subscribe for entityID has been written to the
// current connection.
func (r *Registry) Active(entityID string) bool {
	st := r.m.Status()
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.entries[entityID]
	return ok && st.State == StateConnected && sub.sentGen == st.Generation
}

// Entities returns the subscribed entity ids in sorted order.
func (r *Registry) Entities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnStateChange replays pending subscriptions on every connect.
func (r *Registry) OnStateChange(st Status) {
	if st.State != StateConnected {
		return
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id, sub := range r.entries {
		if sub.sentGen != st.Generation {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	pending := make([]*subscription, len(ids))
	for i, id := range ids {
		pending[i] = r.entries[id]
	}
	r.mu.Unlock()

	for i, id := range ids {
		if !r.sendSubscribe(id, pending[i], st.Generation) {
			return
		}
	}
	if len(ids) > 0 {
		r.logger.Info().Int("entities", len(ids)).Uint64("generation", st.Generation).Msg("subscriptions replayed")
	}
}

func (r *Registry) OnEnvelope(Envelope) {}

// Close stops observing the manager.
func (r *Registry) Close() {
	r.cancel()
}

// sendSubscribe writes the subscribe for entityID and records the
// generation it landed on. Callers hold writeMu, so sub cannot leave the
// registry while the write is in flight.
func (r *Registry) sendSubscribe(entityID string, sub *subscription, gen uint64) bool {
	msg := ControlMessage{Action: ActionSubscribe, EntityID: entityID}
	sent, err := r.m.sendOn(gen, msg)

	r.mu.Lock()
	if err != nil {
		sub.sentGen = 0
	} else {
		sub.sentGen = sent
	}
	r.mu.Unlock()

	if err != nil {
		if !errors.Is(err, ErrNotConnected) {
			r.logger.Warn().Err(err).Str("entity_id", entityID).Msg("subscribe not sent")
		}
		return false
	}
	return true
}
