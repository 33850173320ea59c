package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/dashboard-realtime/internal/domain/alert"
)

type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
	OpGreater  Operator = "greater"
	OpLess     Operator = "less"
	OpExpired  Operator = "expired"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpContains, OpGreater, OpLess, OpExpired:
		return true
	}
	return false
}

// Condition is one trigger test against a document field.
type Condition struct {
	Field    string      `yaml:"field" json:"field"`
	Operator Operator    `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

// Template describes the alert a fired pattern produces.
type Template struct {
	Type                string         `yaml:"type" json:"type"`
	Severity            alert.Severity `yaml:"severity" json:"severity"`
	Priority            int            `yaml:"priority" json:"priority"`
	TitleTemplate       string         `yaml:"title_template" json:"title_template"`
	DescriptionTemplate string         `yaml:"description_template" json:"description_template"`
}

// Pattern fires when every trigger condition holds for a document.
type Pattern struct {
	ID                string      `yaml:"id" json:"id"`
	Name              string      `yaml:"name" json:"name"`
	TriggerConditions []Condition `yaml:"trigger_conditions" json:"trigger_conditions"`
	Template          Template    `yaml:"template" json:"template"`
}

// Document is a parsed patient document. Fields holds the whole decoded
// body; ID, Type and PatientID are lifted out of it.
type Document struct {
	ID        string
	Type      string
	PatientID string
	Fields    map[string]interface{}
}

// ParseDocument decodes a JSON document body.
func ParseDocument(raw []byte) (Document, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Document{}, fmt.Errorf("parse document: %w", err)
	}
	if fields == nil {
		return Document{}, errors.New("parse document: body is not an object")
	}
	doc := Document{
		ID:        stringField(fields, "id"),
		Type:      stringField(fields, "type", "documentType", "document_type"),
		PatientID: stringField(fields, "patientId", "patient_id"),
		Fields:    fields,
	}
	if doc.ID == "" {
		return Document{}, errors.New("parse document: id is required")
	}
	return doc, nil
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// RuleEvaluationError reports why a pattern could not be evaluated against
// a document. The pattern is skipped; other patterns still run.
type RuleEvaluationError struct {
	PatternID string
	Field     string
	Reason    string
}

func (e *RuleEvaluationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("pattern %s: %s", e.PatternID, e.Reason)
	}
	return fmt.Sprintf("pattern %s: field %s: %s", e.PatternID, e.Field, e.Reason)
}

// ValidatePatterns checks a catalog at load time.
func ValidatePatterns(patterns []Pattern) error {
	var errs []error
	seen := make(map[string]bool, len(patterns))
	for i, p := range patterns {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("pattern %d: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("pattern %s: duplicate id", p.ID))
		}
		seen[p.ID] = true

		if len(p.TriggerConditions) == 0 {
			errs = append(errs, fmt.Errorf("pattern %s: no trigger conditions", p.ID))
		}
		for _, c := range p.TriggerConditions {
			if err := validateCondition(c); err != nil {
				errs = append(errs, fmt.Errorf("pattern %s: %w", p.ID, err))
			}
		}
		if strings.TrimSpace(p.Template.TitleTemplate) == "" {
			errs = append(errs, fmt.Errorf("pattern %s: title_template is required", p.ID))
		}
		if p.Template.Type == "" {
			errs = append(errs, fmt.Errorf("pattern %s: template type is required", p.ID))
		}
		if !p.Template.Severity.Valid() {
			errs = append(errs, fmt.Errorf("pattern %s: invalid severity %q", p.ID, p.Template.Severity))
		}
	}
	return errors.Join(errs...)
}

func validateCondition(c Condition) error {
	if c.Field == "" {
		return errors.New("condition field is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("field %s: unknown operator %q", c.Field, c.Operator)
	}
	switch c.Operator {
	case OpGreater, OpLess:
		if _, ok := toFloat(c.Value); !ok {
			return fmt.Errorf("field %s: %s needs a numeric value", c.Field, c.Operator)
		}
	case OpExpired:
		if c.Value != nil {
			if _, ok := toFloat(c.Value); !ok {
				return fmt.Errorf("field %s: expired horizon must be numeric", c.Field)
			}
		}
	case OpEquals, OpContains:
		if c.Value == nil {
			return fmt.Errorf("field %s: %s needs a value", c.Field, c.Operator)
		}
	}
	return nil
}
