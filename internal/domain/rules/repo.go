package rules

import "context"

// PatternRepository loads the pattern catalog. It is read once per session.
type PatternRepository interface {
	List(ctx context.Context) ([]Pattern, error)
}
