// Package rules evaluates declarative alert patterns against parsed patient
// documents and synthesizes alerts for the ones that fire.
package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/dashboard-realtime/internal/domain/alert"
	"github.com/ehr/dashboard-realtime/internal/platform/clock"
)

const daysUntilPrefix = "daysUntil."

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// Engine evaluates patterns. It holds no state besides its clock, so the
// same document, patterns and time always yield the same alerts.
type Engine struct {
	clock  clock.Clock
	logger zerolog.Logger
}

func NewEngine(clk clock.Clock, logger zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		clock:  clk,
		logger: logger.With().Str("component", "rule-engine").Logger(),
	}
}

// Evaluate runs every pattern against doc. Patterns that cannot be
// evaluated are skipped and reported as *RuleEvaluationError.
func (e *Engine) Evaluate(doc Document, patterns []Pattern) ([]alert.Alert, []error) {
	now := e.clock.Now()
	env := &fieldEnv{doc: doc, today: utcDay(now)}

	var (
		out  []alert.Alert
		errs []error
	)
	for _, p := range patterns {
		fired, err := e.matches(p, env)
		if err != nil {
			errs = append(errs, err)
			e.logger.Debug().Err(err).Str("pattern_id", p.ID).Str("document_id", doc.ID).Msg("pattern skipped")
			continue
		}
		if !fired {
			continue
		}
		a, err := buildAlert(p, doc, env, now)
		if err != nil {
			errs = append(errs, err)
			e.logger.Debug().Err(err).Str("pattern_id", p.ID).Str("document_id", doc.ID).Msg("pattern skipped")
			continue
		}
		out = append(out, a)
	}
	return out, errs
}

func (e *Engine) matches(p Pattern, env *fieldEnv) (bool, error) {
	if len(p.TriggerConditions) == 0 {
		return false, &RuleEvaluationError{PatternID: p.ID, Reason: "no trigger conditions"}
	}
	for _, c := range p.TriggerConditions {
		ok, reason := evalCondition(c, env)
		if reason != "" {
			return false, &RuleEvaluationError{PatternID: p.ID, Field: c.Field, Reason: reason}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func buildAlert(p Pattern, doc Document, env *fieldEnv, now time.Time) (alert.Alert, error) {
	title, err := render(p.ID, p.Template.TitleTemplate, env)
	if err != nil {
		return alert.Alert{}, err
	}
	desc, err := render(p.ID, p.Template.DescriptionTemplate, env)
	if err != nil {
		return alert.Alert{}, err
	}
	return alert.Alert{
		ID:          AlertID(p.ID, doc.ID),
		Type:        p.Template.Type,
		Severity:    p.Template.Severity,
		Priority:    p.Template.Priority,
		Title:       title,
		Description: desc,
		PatientID:   doc.PatientID,
		Metadata: map[string]interface{}{
			"pattern_id":    p.ID,
			"document_id":   doc.ID,
			"document_type": doc.Type,
		},
		CreatedAt: now,
		UpdatedAt: now,
		Status:    alert.StatusActive,
		Source:    alert.SourceGenerated,
	}, nil
}

// AlertID is the stable id of the alert a pattern produces for a document.
func AlertID(patternID, documentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:dashboard-realtime:rule:"+patternID+"/"+documentID)).String()
}

func render(patternID, tmpl string, env *fieldEnv) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := env.lookup(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return formatValue(v)
	})
	if missing != "" {
		return "", &RuleEvaluationError{PatternID: patternID, Field: missing, Reason: "unresolved placeholder"}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Field lookup
// ---------------------------------------------------------------------------

type fieldEnv struct {
	doc   Document
	today time.Time
}

func (env *fieldEnv) lookup(name string) (interface{}, bool) {
	switch name {
	case "patientId":
		return env.doc.PatientID, env.doc.PatientID != ""
	case "documentId":
		return env.doc.ID, env.doc.ID != ""
	case "documentType":
		return env.doc.Type, env.doc.Type != ""
	}
	if strings.HasPrefix(name, daysUntilPrefix) {
		v, ok := extractPath(env.doc.Fields, strings.TrimPrefix(name, daysUntilPrefix))
		if !ok {
			return nil, false
		}
		t, ok := parseDate(v)
		if !ok {
			return nil, false
		}
		return env.daysUntil(t), true
	}
	return extractPath(env.doc.Fields, name)
}

func (env *fieldEnv) daysUntil(t time.Time) int {
	return int(math.Round(utcDay(t).Sub(env.today).Hours() / 24))
}

func extractPath(m map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func parseDate(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// evalCondition returns whether c holds, or a non-empty reason when it
// cannot be evaluated.
func evalCondition(c Condition, env *fieldEnv) (bool, string) {
	actual, ok := env.lookup(c.Field)
	if !ok {
		return false, "field not present in document"
	}

	switch c.Operator {
	case OpEquals:
		return equalValues(actual, c.Value), ""

	case OpContains:
		if list, ok := actual.([]interface{}); ok {
			for _, item := range list {
				if equalValues(item, c.Value) {
					return true, ""
				}
			}
			return false, ""
		}
		s, ok := actual.(string)
		if !ok {
			return false, "contains needs a string or list field"
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(formatValue(c.Value))), ""

	case OpGreater, OpLess:
		want, ok := toFloat(c.Value)
		if !ok {
			return false, "comparison value is not numeric"
		}
		got, ok := env.quantity(actual)
		if !ok {
			return false, "field is neither numeric nor a date"
		}
		if c.Operator == OpGreater {
			return got > want, ""
		}
		return got < want, ""

	case OpExpired:
		t, ok := parseDate(actual)
		if !ok {
			return false, "expired needs a date field"
		}
		days := env.daysUntil(t)
		if days < 0 {
			return true, ""
		}
		if c.Value == nil {
			return false, ""
		}
		horizon, ok := toFloat(c.Value)
		if !ok {
			return false, "expired horizon is not numeric"
		}
		return float64(days) <= horizon, ""
	}
	return false, fmt.Sprintf("unknown operator %q", c.Operator)
}

// quantity is the numeric value of v, or for dates the days until it.
func (env *fieldEnv) quantity(v interface{}) (float64, bool) {
	if f, ok := toFloat(v); ok {
		return f, true
	}
	if t, ok := parseDate(v); ok {
		return float64(env.daysUntil(t)), true
	}
	return 0, false
}

func equalValues(actual, want interface{}) bool {
	if a, ok := toFloat(actual); ok {
		if w, ok := toFloat(want); ok {
			return a == w
		}
	}
	if a, ok := actual.(bool); ok {
		w, ok := want.(bool)
		if !ok {
			w, _ = strconv.ParseBool(formatValue(want))
		}
		return a == w
	}
	return strings.EqualFold(formatValue(actual), formatValue(want))
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	}
	return fmt.Sprint(v)
}
