// Package policy defines what a privacy request does to the data it touches:
// which action runs, which data categories are in scope, and how values are
// masked during erasure.
package policy

// ActionType is the kind of work a rule performs.
type ActionType string

const (
	ActionAccess  ActionType = "access"
	ActionErasure ActionType = "erasure"
	ActionConsent ActionType = "consent"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionAccess, ActionErasure, ActionConsent:
		return true
	}
	return false
}

// Rule scopes one action to a set of data categories, with an optional
// masking configuration for erasure rules.
type Rule struct {
	Key            string
	Action         ActionType
	DataCategories []string
	Masking        *MaskingConfig
}

// MaskingConfig names a masking strategy and its parameters.
type MaskingConfig struct {
	Strategy string
	// Configuration is strategy-specific (e.g. rewrite value, length).
	Configuration map[string]string
}

// Policy is a named set of rules.
type Policy struct {
	Key   string
	Rules []Rule
}

// RulesFor returns the rules for one action type.
func (p *Policy) RulesFor(action ActionType) []Rule {
	var out []Rule
	for _, r := range p.Rules {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

// TargetCategories returns the union of data categories targeted by the
// policy's rules for action.
func (p *Policy) TargetCategories(action ActionType) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range p.RulesFor(action) {
		for _, c := range r.DataCategories {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}
