// Package effort picks the upstream reasoning effort for a client model.
package effort

import "strings"

// Effort is an upstream reasoning tier.
type Effort string

const (
	Low    Effort = "low"
	Medium Effort = "medium"
	High   Effort = "high"
	XHigh  Effort = "xhigh"
)

// Parse maps a tier name to an Effort. Unknown names report false.
func Parse(s string) (Effort, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xlow", "minimal", "low":
		return Low, true
	case "medium":
		return Medium, true
	case "high":
		return High, true
	case "xhigh":
		return XHigh, true
	default:
		return "", false
	}
}

// Rule maps model names containing Match to Effort.
type Rule struct {
	Match  string `koanf:"match"`
	Effort string `koanf:"effort"`
}

// DefaultRules is the built-in model family table.
func DefaultRules() []Rule {
	return []Rule{
		{Match: "opus", Effort: string(XHigh)},
		{Match: "sonnet", Effort: string(Medium)},
		{Match: "haiku", Effort: string(Low)},
	}
}

type rule struct {
	match  string
	effort Effort
}

// Mapper resolves efforts from an ordered rule table. The first matching
// rule wins.
type Mapper struct {
	rules    []rule
	fallback Effort
}

// NewMapper builds a Mapper. Rules with an unknown effort are skipped; an
// empty or unknown fallback becomes medium.
func NewMapper(rules []Rule, fallback string) *Mapper {
	m := &Mapper{fallback: Medium}
	if e, ok := Parse(fallback); ok {
		m.fallback = e
	}
	for _, r := range rules {
		e, ok := Parse(r.Effort)
		if !ok || r.Match == "" {
			continue
		}
		m.rules = append(m.rules, rule{match: strings.ToLower(r.Match), effort: e})
	}
	return m
}

// Default returns a Mapper over DefaultRules.
func Default() *Mapper {
	return NewMapper(DefaultRules(), string(Medium))
}

// ForModel matches model case-insensitively against the rule table.
func (m *Mapper) ForModel(model string) Effort {
	if e, ok := m.Match(model); ok {
		return e
	}
	return m.fallback
}

// Match reports the effort of the first rule matching model, and false when
// no rule matches.
func (m *Mapper) Match(model string) (Effort, bool) {
	lower := strings.ToLower(model)
	for _, r := range m.rules {
		if strings.Contains(lower, r.match) {
			return r.effort, true
		}
	}
	return "", false
}

// Resolve prefers an explicit client effort over the model table.
func (m *Mapper) Resolve(model, requested string) Effort {
	if e, ok := Parse(requested); ok {
		return e
	}
	return m.ForModel(model)
}
