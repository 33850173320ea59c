package rules

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

type patternRepoFile struct{ path string }

// NewPatternRepoFile reads the catalog from a YAML file with a top-level
// patterns list.
func NewPatternRepoFile(path string) PatternRepository { return &patternRepoFile{path: path} }

func (r *patternRepoFile) List(ctx context.Context) ([]Pattern, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}
	return ParsePatterns(data)
}

// ParsePatterns decodes and validates a YAML pattern catalog.
func ParsePatterns(data []byte) ([]Pattern, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pattern file: %w", err)
	}
	if err := ValidatePatterns(f.Patterns); err != nil {
		return nil, fmt.Errorf("invalid pattern catalog: %w", err)
	}
	return f.Patterns, nil
}
