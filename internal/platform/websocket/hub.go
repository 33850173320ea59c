package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Hub topics. Patient topics map one-to-one onto upstream entity
// subscriptions; the others are local to the hub.
const (
	TopicAlerts     = "alerts"
	TopicConnection = "connection"

	patientTopicPrefix = "patient/"
)

// Downstream event types emitted by the hub.
const (
	EventConnectionStatus = "connection_status"
)

// Event is a notification sent to downstream UI clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage represents an inbound message from a UI client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher defines the interface for publishing events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// EntityTracker is told when the first UI client starts and the last UI
// client stops watching an entity. Registry implements it.
type EntityTracker interface {
	Subscribe(entityID string)
	Unsubscribe(entityID string)
}

// TopicForPatient returns the hub topic carrying updates for a patient.
func TopicForPatient(patientID string) string {
	return patientTopicPrefix + patientID
}

// EntityForTopic returns the upstream entity behind a patient topic.
func EntityForTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, patientTopicPrefix)
	return id, ok && id != ""
}

// Client represents a single downstream WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	hub    *Hub
	conn   Conn
}

// Hub tracks downstream clients and their topic subscriptions. Every client
// watching a patient topic holds one reference on the upstream entity, so a
// UI tab mounting a patient view subscribes and unmounting releases it.
type Hub struct {
	tracker EntityTracker
	clock   func() time.Time
	logger  zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}            // all connected clients
}

// NewHub creates a Hub. tracker may be nil when no upstream subscriptions
// are needed.
func NewHub(tracker EntityTracker, logger zerolog.Logger) *Hub {
	return &Hub{
		tracker: tracker,
		clock:   time.Now,
		logger:  logger.With().Str("component", "ws-hub").Logger(),
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	topics := client.Topics
	client.Topics = nil

	h.mu.Lock()
	h.all[client] = struct{}{}
	added := h.addTopicsLocked(client, topics)
	h.mu.Unlock()

	h.track(added, true)
}

// Unregister removes a client from the hub, releases all its topics and
// closes the client's Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.all[client]; !ok {
		h.mu.Unlock()
		return
	}
	removed := h.removeTopicsLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
	h.mu.Unlock()

	h.track(removed, false)
}

// Subscribe dynamically adds topics to an already-registered client. Topics
// the client already has are ignored.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	if _, ok := h.all[client]; !ok {
		h.mu.Unlock()
		return
	}
	added := h.addTopicsLocked(client, topics)
	h.mu.Unlock()

	h.track(added, true)
}

// Unsubscribe dynamically removes topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	removed := h.removeTopicsLocked(client, topics)
	h.mu.Unlock()

	h.track(removed, false)
}

func (h *Hub) addTopicsLocked(client *Client, topics []string) []string {
	var added []string
	for _, topic := range topics {
		if topic == "" || hasTopic(client.Topics, topic) {
			continue
		}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
		client.Topics = append(client.Topics, topic)
		added = append(added, topic)
	}
	return added
}

func (h *Hub) removeTopicsLocked(client *Client, topics []string) []string {
	var removed []string
	for _, topic := range topics {
		if !hasTopic(client.Topics, topic) || hasTopic(removed, topic) {
			continue
		}
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
		removed = append(removed, topic)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if !hasTopic(removed, t) {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
	return removed
}

func (h *Hub) track(topics []string, subscribe bool) {
	if h.tracker == nil {
		return
	}
	for _, topic := range topics {
		entityID, ok := EntityForTopic(topic)
		if !ok {
			continue
		}
		if subscribe {
			h.tracker.Subscribe(entityID)
		} else {
			h.tracker.Unsubscribe(entityID)
		}
	}
}

func hasTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ProcessMessage handles an inbound ClientMessage, dispatching to Subscribe
// or Unsubscribe as appropriate.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case ActionSubscribe:
		h.Subscribe(client, msg.Topics)
	case ActionUnsubscribe:
		h.Unsubscribe(client, msg.Topics)
	default:
		h.logger.Debug().Str("client_id", client.ID).Str("action", msg.Action).Msg("ignoring client message")
	}
}

// Broadcast sends an event to all clients subscribed to the given topic.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("client buffer full; event dropped")
		}
	}
}

// BroadcastAll sends an event to every connected client regardless of topic.
func (h *Hub) BroadcastAll(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.all {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("client buffer full; event dropped")
		}
	}
}

// Publish implements EventPublisher by broadcasting the event to
// subscribers of the event's topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = h.clock().UTC()
	}
	h.Broadcast(event.Topic, event)
	return nil
}

// OnStateChange relays upstream connection state to every client.
func (h *Hub) OnStateChange(st Status) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	h.BroadcastAll(Event{
		Type:      EventConnectionStatus,
		Topic:     TopicConnection,
		Timestamp: h.clock().UTC(),
		Data:      data,
	})
}

// OnEnvelope relays patient status updates to the patient's topic.
func (h *Hub) OnEnvelope(env Envelope) {
	if env.Type != TypePatientStatusUpdate {
		return
	}
	update, err := DecodePatientStatusUpdate(env)
	if err != nil {
		h.logger.Warn().Err(err).Msg("dropping patient status update")
		return
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = h.clock().UTC()
	}
	topic := TopicForPatient(update.PatientID)
	h.Broadcast(topic, Event{
		Type:      TypePatientStatusUpdate,
		Topic:     topic,
		Timestamp: ts,
		Data:      env.Data,
	})
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
