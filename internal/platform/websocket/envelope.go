package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound envelope types understood by the dashboard.
const (
	TypePatientStatusUpdate = "patient_status_update"
	TypeAlertNew            = "alert_new"
	TypeHeartbeat           = "heartbeat"
)

// Control actions sent upstream by the subscription registry.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

var typeAliases = map[string]string{
	TypePatientStatusUpdate: TypePatientStatusUpdate,
	TypeAlertNew:            TypeAlertNew,
	TypeHeartbeat:           TypeHeartbeat,
	"ping":                  TypeHeartbeat,
	"keepalive":             TypeHeartbeat,
}

// Envelope is a single push message exchanged with the upstream server.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// Generation is the connection generation the envelope was read on.
	Generation uint64 `json:"-"`
}

// ControlMessage asks the server to start or stop pushing updates for an
// entity.
type ControlMessage struct {
	Action   string `json:"action"`
	EntityID string `json:"entityId"`
}

// PatientStatusUpdate is the payload of a patient_status_update envelope.
type PatientStatusUpdate struct {
	PatientID string                 `json:"patientId"`
	Status    string                 `json:"status,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewEnvelope encodes payload as the data of an envelope of the given type.
// A nil payload produces an envelope without data.
func NewEnvelope(typ string, payload interface{}, ts time.Time) (Envelope, error) {
	env := Envelope{Type: typ, Timestamp: ts.UTC()}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env.Data = data
	return env, nil
}

// DecodeEnvelope parses a raw frame. Heartbeat aliases are normalized to
// TypeHeartbeat. Frames that are not JSON, lack a type or carry an unknown
// type are reported as ErrMalformedMessage.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	typ, ok := typeAliases[env.Type]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
	env.Type = typ
	return env, nil
}

// DecodePatientStatusUpdate extracts the payload of a patient_status_update
// envelope.
func DecodePatientStatusUpdate(env Envelope) (PatientStatusUpdate, error) {
	var u PatientStatusUpdate
	if env.Type != TypePatientStatusUpdate {
		return u, fmt.Errorf("%w: expected %s, got %s", ErrMalformedMessage, TypePatientStatusUpdate, env.Type)
	}
	if err := json.Unmarshal(env.Data, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if u.PatientID == "" {
		return u, fmt.Errorf("%w: patient status update without patientId", ErrMalformedMessage)
	}
	return u, nil
}
