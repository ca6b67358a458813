package router

import (
	"regexp"
	"strings"

	"github.com/fabian4/lfs-gateway/internal/model"
)

// Table is an ordered, immutable list of route rules. The first rule whose
// pattern matches the path wins; there is no specificity scoring.
type Table struct {
	rules []model.RouteRule
}

// Match is the result of a successful lookup. It carries the submatch
// indices of the match regex so the rewrite reuses the same evaluation.
type Match struct {
	Rule     *model.RouteRule
	Path     string
	submatch []int
}

func New(rules []model.RouteRule) *Table {
	rs := make([]model.RouteRule, len(rules))
	copy(rs, rules)
	return &Table{rules: rs}
}

// Rules returns the rules in priority order.
func (t *Table) Rules() []model.RouteRule {
	out := make([]model.RouteRule, len(t.rules))
	copy(out, t.rules)
	return out
}

func (t *Table) Match(path string) (*Match, bool) {
	for i := range t.rules {
		r := &t.rules[i]
		switch r.Kind {
		case model.MatchRegex:
			if r.Regex == nil {
				continue
			}
			if sm := r.Regex.FindStringSubmatchIndex(path); sm != nil {
				return &Match{Rule: r, Path: path, submatch: sm}, true
			}
		case model.MatchPrefix:
			if strings.HasPrefix(path, r.Pattern) {
				return &Match{Rule: r, Path: path}, true
			}
		}
	}
	return nil, false
}

// CompileAnchored compiles pattern so that it must match the whole input.
// Go's RE2 engine evaluates in time linear in the input.
func CompileAnchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}
