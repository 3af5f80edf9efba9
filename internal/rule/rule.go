// Package rule implements the first-match domain-glob rule table.
// Patterns are compiled once at load time with github.com/gobwas/glob so
// the hot path is a pure match, no regex compile or string building per
// query.
package rule

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Rule pairs a compiled domain glob with the ordered filter chain to run
// when it matches.
type Rule struct {
	Domain  string
	Filters []string

	pattern glob.Glob
}

// Table is the immutable, ordered rule set built once at startup and
// shared read-only across every query.
type Table struct {
	rules []Rule
}

// Compile lowercases and compiles every domain pattern once; '*' matches
// any run of characters including dots, '?' matches exactly one
// character.
func Compile(rules []Rule) (*Table, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if len(r.Filters) == 0 {
			return nil, fmt.Errorf("rule %q has no filters", r.Domain)
		}

		pattern := strings.ToLower(r.Domain)
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Domain, err)
		}

		compiled[i] = Rule{Domain: r.Domain, Filters: r.Filters, pattern: g}
	}

	return &Table{rules: compiled}, nil
}

// Match returns the filter chain for the first rule whose glob matches
// name, and ok=false if no rule matches (the server replies SERVFAIL in
// that case).
func (t *Table) Match(name string) (filters []string, ok bool) {
	lower := strings.ToLower(name)
	for i := range t.rules {
		if t.rules[i].pattern.Match(lower) {
			return t.rules[i].Filters, true
		}
	}
	return nil, false
}
