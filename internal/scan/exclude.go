package scan

import (
	ignore "github.com/sabhiram/go-gitignore"
)

// Exclusions holds gitignore-style patterns for paths exempt from
// scanning. Matching paths bypass the scan gate entirely and pass through.
type Exclusions struct {
	matcher *ignore.GitIgnore
}

// NewExclusions compiles the configured patterns. An empty pattern list
// yields a matcher that excludes nothing.
func NewExclusions(patterns []string) *Exclusions {
	if len(patterns) == 0 {
		return &Exclusions{}
	}
	return &Exclusions{matcher: ignore.CompileIgnoreLines(patterns...)}
}

// Match reports whether the path (relative to the proxied root) is exempt
// from scanning.
func (e *Exclusions) Match(relPath string) bool {
	if e == nil || e.matcher == nil {
		return false
	}
	return e.matcher.MatchesPath(relPath)
}
