package rules

// FilteredRule pairs a rule with its effective enabled state.
type FilteredRule struct {
	Rule    *Rule
	Enabled bool
}

// FilteredRuleSet is an ordered rule list with per-rule enabled overrides
// applied. It is immutable once constructed.
type FilteredRuleSet struct {
	rules []FilteredRule
}

// NewFilteredRuleSet builds a filtered view over rules, which must already
// be in priority order. The enabled map overrides each rule's own Enabled
// flag, keyed by rule ID; rules absent from the map keep their default.
func NewFilteredRuleSet(ruleList []Rule, enabled map[string]bool) *FilteredRuleSet {
	filtered := make([]FilteredRule, len(ruleList))
	for i := range ruleList {
		rule := &ruleList[i]
		on := rule.Enabled
		if override, ok := enabled[rule.ID]; ok {
			on = override
		}
		filtered[i] = FilteredRule{Rule: rule, Enabled: on}
	}
	return &FilteredRuleSet{rules: filtered}
}

// Rules returns the (rule, enabled) pairs in priority order. Callers must
// not mutate the returned slice or the rules it points to.
func (s *FilteredRuleSet) Rules() []FilteredRule {
	return s.rules
}

// Len returns the number of rules in the set, enabled or not.
func (s *FilteredRuleSet) Len() int {
	return len(s.rules)
}
