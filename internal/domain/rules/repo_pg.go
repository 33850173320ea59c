package rules

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Migrations holds the schema of the alert_pattern table.
//
//go:embed migrations/*.sql
var Migrations embed.FS

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

type patternRepoPG struct{ db queryable }

// NewPatternRepoPG reads enabled patterns from the alert_pattern table.
// db is usually a *pgxpool.Pool.
func NewPatternRepoPG(db queryable) PatternRepository { return &patternRepoPG{db: db} }

const patternCols = `id, name, trigger_conditions, template`

func (r *patternRepoPG) List(ctx context.Context) ([]Pattern, error) {
	rows, err := r.db.Query(ctx, `SELECT `+patternCols+` FROM alert_pattern WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query alert patterns: %w", err)
	}
	defer rows.Close()

	var patterns []Pattern
	for rows.Next() {
		p, err := r.scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert patterns: %w", err)
	}
	if err := ValidatePatterns(patterns); err != nil {
		return nil, fmt.Errorf("invalid pattern catalog: %w", err)
	}
	return patterns, nil
}

func (r *patternRepoPG) scanPattern(row pgx.Row) (Pattern, error) {
	var (
		p          Pattern
		conditions []byte
		template   []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &conditions, &template); err != nil {
		return Pattern{}, fmt.Errorf("scan alert pattern: %w", err)
	}
	if err := json.Unmarshal(conditions, &p.TriggerConditions); err != nil {
		return Pattern{}, fmt.Errorf("decode conditions of pattern %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(template, &p.Template); err != nil {
		return Pattern{}, fmt.Errorf("decode template of pattern %s: %w", p.ID, err)
	}
	return p, nil
}
