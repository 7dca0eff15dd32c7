package skeleton

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/xiaot623/exectrack/internal/domain"
)

// DefaultMaxAgents caps a layer when no rule sets a positive maxAgents.
const DefaultMaxAgents = 3

// Filter applies a visibility rule to the agents of one layer. It is total: a nil rule, empty
// lists and non-positive caps all fall back to defaults. Input order is preserved.
func Filter(agents []domain.Agent, rule *domain.VisibilityRule) []domain.Agent {
	var r domain.VisibilityRule
	if rule != nil {
		r = *rule
	}

	include := compilePatterns(r.IncludeAgents)
	exclude := compilePatterns(r.ExcludeAgents)
	keywords := lowerAll(r.FilterByKeywords)

	limit := r.MaxAgents
	if limit <= 0 {
		limit = DefaultMaxAgents
	}

	out := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		if len(out) == limit {
			break
		}
		name := strings.ToLower(a.Name)
		if len(include) > 0 && !matchesAny(include, name) {
			continue
		}
		if matchesAny(exclude, name) {
			continue
		}
		if len(keywords) > 0 && !mentionsAny(a, keywords) {
			continue
		}
		out = append(out, a)
	}
	return out
}

type pattern struct {
	literal string
	glob    glob.Glob
}

func compilePatterns(raw []string) []pattern {
	out := make([]pattern, 0, len(raw))
	for _, p := range raw {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !strings.ContainsAny(p, "*?[{") {
			out = append(out, pattern{literal: p})
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			// An invalid pattern degrades to an exact-name match.
			out = append(out, pattern{literal: p})
			continue
		}
		out = append(out, pattern{glob: g})
	}
	return out
}

func matchesAny(patterns []pattern, name string) bool {
	for _, p := range patterns {
		if p.glob != nil {
			if p.glob.Match(name) {
				return true
			}
		} else if p.literal == name {
			return true
		}
	}
	return false
}

func mentionsAny(a domain.Agent, keywords []string) bool {
	haystack := strings.ToLower(strings.Join(append([]string{a.Name, a.Specialization, a.Description}, a.Capabilities...), " "))
	for _, k := range keywords {
		if strings.Contains(haystack, k) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
