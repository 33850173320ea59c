package rules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestPatternRepoFile_List(t *testing.T) {
	patterns, err := NewPatternRepoFile("testdata/patterns.yaml").List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patterns) != 5 {
		t.Fatalf("expected 5 patterns, got %d", len(patterns))
	}
	p := patterns[0]
	if p.ID != "coverage-ending" || len(p.TriggerConditions) != 1 {
		t.Fatalf("unexpected first pattern %+v", p)
	}
	c := p.TriggerConditions[0]
	if c.Field != "coverageEndDate" || c.Operator != OpLess || c.Value != 30 {
		t.Fatalf("unexpected condition %+v", c)
	}
	if p.Template.TitleTemplate != "Coverage Ending Soon for {{patientName}}" {
		t.Fatalf("unexpected title template %q", p.Template.TitleTemplate)
	}
}

func TestPatternRepoFile_MissingFile(t *testing.T) {
	_, err := NewPatternRepoFile(filepath.Join(t.TempDir(), "nope.yaml")).List(context.Background())
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestParsePatterns_RejectsInvalidCatalog(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown operator", `
patterns:
  - id: a
    trigger_conditions: [{field: x, operator: matches, value: 1}]
    template: {type: t, severity: low, title_template: T}
`, "unknown operator"},
		{"empty template", `
patterns:
  - id: a
    trigger_conditions: [{field: x, operator: equals, value: 1}]
    template: {type: t, severity: low}
`, "title_template is required"},
		{"duplicate id", `
patterns:
  - id: a
    trigger_conditions: [{field: x, operator: expired}]
    template: {type: t, severity: low, title_template: T}
  - id: a
    trigger_conditions: [{field: x, operator: expired}]
    template: {type: t, severity: low, title_template: T}
`, "duplicate id"},
		{"non-numeric comparison", `
patterns:
  - id: a
    trigger_conditions: [{field: x, operator: less, value: soon}]
    template: {type: t, severity: low, title_template: T}
`, "numeric value"},
		{"bad severity", `
patterns:
  - id: a
    trigger_conditions: [{field: x, operator: expired}]
    template: {type: t, severity: urgent, title_template: T}
`, "invalid severity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePatterns([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestMigrations_Embedded(t *testing.T) {
	data, err := fs.ReadFile(Migrations, "migrations/001_alert_pattern.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(data), "CREATE TABLE IF NOT EXISTS alert_pattern") {
		t.Fatal("migration does not create alert_pattern")
	}
	disk, _ := os.ReadFile("migrations/001_alert_pattern.sql")
	if string(disk) != string(data) {
		t.Fatal("embedded migration differs from the file on disk")
	}
}

// ---------------------------------------------------------------------------
// Postgres repository against fake rows
// ---------------------------------------------------------------------------

type fakeRows struct {
	data [][]interface{}
	idx  int
	err  error
}

func (r *fakeRows) Close() {}
func (r *fakeRows) Err() error { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte { return nil }
func (r *fakeRows) Conn() *pgx.Conn { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Values() ([]interface{}, error) { return r.data[r.idx-1], nil }

func (r *fakeRows) Scan(dest ...interface{}) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("expected %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *[]byte:
			*p = []byte(row[i].(string))
		default:
			return fmt.Errorf("unsupported destination %T", d)
		}
	}
	return nil
}

type fakeQuerier struct {
	rows  *fakeRows
	err   error
	query string
}

func (q *fakeQuerier) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	q.query = sql
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func TestPatternRepoPG_List(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{data: [][]interface{}{
		{
			"coverage-ending", "Coverage ending soon",
			`[{"field":"coverageEndDate","operator":"less","value":30}]`,
			`{"type":"coverage","severity":"high","priority":2,"title_template":"Coverage Ending Soon for {{patientName}}"}`,
		},
		{
			"lab", "Critical lab",
			`[{"field":"labResult.value","operator":"greater","value":6}]`,
			`{"type":"lab_result","severity":"critical","title_template":"Critical lab"}`,
		},
	}}}

	patterns, err := NewPatternRepoPG(q).List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(q.query, "FROM alert_pattern WHERE enabled") {
		t.Fatalf("unexpected query %q", q.query)
	}
	if len(patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(patterns))
	}
	if patterns[0].Template.Priority != 2 || patterns[0].TriggerConditions[0].Operator != OpLess {
		t.Fatalf("unexpected pattern %+v", patterns[0])
	}
}

func TestPatternRepoPG_InvalidRow(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{data: [][]interface{}{
		{"bad", "Bad", `[{"field":"x","operator":"matches"}]`, `{"type":"t","severity":"low","title_template":"T"}`},
	}}}
	if _, err := NewPatternRepoPG(q).List(context.Background()); err == nil || !strings.Contains(err.Error(), "unknown operator") {
		t.Fatalf("expected validation error, got %v", err)
	}

	q = &fakeQuerier{rows: &fakeRows{data: [][]interface{}{{"bad", "Bad", `not json`, `{}`}}}}
	if _, err := NewPatternRepoPG(q).List(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPatternRepoPG_QueryError(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := NewPatternRepoPG(&fakeQuerier{err: boom}).List(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped query error, got %v", err)
	}
}
