package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAlertNotFound = errors.New("alert not found")
	ErrAuthRejected  = errors.New("alert api rejected the credential")
)

// Severity of an alert. Info alerts are ephemeral and expire on their own.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo: 0, SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4,
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Status of an alert. Statuses only ever move forward in this order:
// active, acknowledged, resolved, expired.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusExpired      Status = "expired"
)

var statusRank = map[Status]int{
	StatusActive: 0, StatusAcknowledged: 1, StatusResolved: 2, StatusExpired: 3,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank orders statuses; unknown statuses rank below active.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Unread reports whether the alert still needs someone's attention.
func (s Status) Unread() bool {
	return s == StatusActive || s == StatusExpired
}

// Source records where an alert entered the pipeline.
type Source string

const (
	SourcePush      Source = "push"
	SourcePoll      Source = "poll"
	SourceGenerated Source = "generated"
)

// Alert is a clinical or administrative notice shown on the dashboard.
type Alert struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Severity        Severity               `json:"severity"`
	Priority        int                    `json:"priority"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description,omitempty"`
	PatientID       string                 `json:"patient_id,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	Status          Status                 `json:"status"`
	Source          Source                 `json:"source,omitempty"`
	ResolutionNotes string                 `json:"resolution_notes,omitempty"`
}

// pushAliases are the camelCase spellings the push channel may use.
type pushAliases struct {
	PatientID       string    `json:"patientId"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	ResolutionNotes string    `json:"resolutionNotes"`
}

// DecodeAlert parses an alert payload from the push channel. Both the
// snake_case fields of the alerts API and their camelCase spellings are
// accepted; snake_case wins when both are present.
func DecodeAlert(data []byte) (Alert, error) {
	var a Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	var alt pushAliases
	if err := json.Unmarshal(data, &alt); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	if a.PatientID == "" {
		a.PatientID = alt.PatientID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = alt.CreatedAt
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = alt.UpdatedAt
	}
	if a.ResolutionNotes == "" {
		a.ResolutionNotes = alt.ResolutionNotes
	}
	return a, nil
}

// Validate checks the fields the pipeline relies on.
func (a Alert) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !a.Severity.Valid() {
		return fmt.Errorf("invalid severity %q", a.Severity)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("invalid status %q", a.Status)
	}
	return nil
}

// Ephemeral reports whether the alert expires automatically.
func (a Alert) Ephemeral() bool {
	return a.Severity == SeverityInfo && a.Status == StatusActive
}

// Local reports whether the alert exists only on this dashboard, so its
// lifecycle is never forwarded to the alerts API.
func (a Alert) Local() bool {
	if a.Source == SourceGenerated {
		return true
	}
	demo, _ := a.Metadata["demo"].(bool)
	return demo
}

func (a Alert) clone() Alert {
	if a.Metadata != nil {
		md := make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			md[k] = v
		}
		a.Metadata = md
	}
	return a
}

func normalize(a Alert, src Source, now time.Time) Alert {
	a = a.clone()
	a.ID = strings.TrimSpace(a.ID)
	a.Severity = Severity(strings.ToLower(string(a.Severity)))
	if a.Severity == "" {
		a.Severity = SeverityMedium
	}
	a.Status = Status(strings.ToLower(string(a.Status)))
	if a.Status == "" {
		a.Status = StatusActive
	}
	if src != "" {
		a.Source = src
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	return a
}

// Merge reconciles two versions of the same alert. The version with the more
// advanced status wins; on equal status the later update wins. The result
// carries the latest updated_at, the earliest created_at and fills gaps
// from the other version, so merging never moves the status backwards.
func Merge(existing, incoming Alert) Alert {
	winner, other := existing, incoming
	if incoming.Status.Rank() > existing.Status.Rank() ||
		(incoming.Status.Rank() == existing.Status.Rank() && incoming.UpdatedAt.After(existing.UpdatedAt)) {
		winner, other = incoming, existing
	}

	merged := winner.clone()
	if other.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = other.UpdatedAt
	}
	if !other.CreatedAt.IsZero() && (merged.CreatedAt.IsZero() || other.CreatedAt.Before(merged.CreatedAt)) {
		merged.CreatedAt = other.CreatedAt
	}
	if merged.PatientID == "" {
		merged.PatientID = other.PatientID
	}
	if merged.ResolutionNotes == "" {
		merged.ResolutionNotes = other.ResolutionNotes
	}
	if merged.Source == "" {
		merged.Source = other.Source
	}
	for k, v := range other.Metadata {
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]interface{})
		}
		if _, ok := merged.Metadata[k]; !ok {
			merged.Metadata[k] = v
		}
	}
	return merged
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	PatientID string
	Type      string
	Severity  Severity
	Status    Status
}

func (f Filter) match(a Alert) bool {
	return (f.PatientID == "" || a.PatientID == f.PatientID) &&
		(f.Type == "" || a.Type == f.Type) &&
		(f.Severity == "" || a.Severity == f.Severity) &&
		(f.Status == "" || a.Status == f.Status)
}

// Counts summarizes the current view for badges.
type Counts struct {
	Total      int              `json:"total"`
	Unread     int              `json:"unread"`
	ByStatus   map[Status]int   `json:"by_status"`
	BySeverity map[Severity]int `json:"by_severity"`
}

// ChangeKind describes what happened to an alert in the pipeline.
type ChangeKind string

const (
	ChangeUpserted ChangeKind = "upserted"
	ChangeRemoved  ChangeKind = "removed"
	ChangeExpired  ChangeKind = "expired"
)

// Change is delivered to OnChange observers.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Alert Alert      `json:"alert"`
}
