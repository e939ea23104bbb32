package capabilities

import (
	"fmt"
	"sync"
)

// Rule is one declarative authorization entry: a method pattern, a
// conjunction of argument constraints, and an optional call budget.
// Rules are immutable after table construction.
type Rule struct {
	// Pattern is a glob over '/'-or-'.'-delimited method segments.
	Pattern string
	// Constraints must all hold for the rule to authorize a call.
	Constraints ConstraintSet
	// MaxCalls caps successful authorizations through this rule for the
	// lifetime of the session. nil means unbounded.
	MaxCalls *int
}

// MaxCalls is a convenience for building Rule literals.
func MaxCalls(n int) *int {
	return &n
}

// Grant is a successful authorization decision. It records quota consumption
// at grant time for audit purposes.
type Grant struct {
	// Pattern is the rule that authorized the call.
	Pattern string
	// CallsUsed is the rule's counter value after this grant.
	CallsUsed int
	// Remaining is the rule's remaining budget after this grant;
	// -1 for unbounded rules.
	Remaining int
}

// entry pairs an immutable rule with its mutable quota counter. The counter
// is owned exclusively by the table and only ever increments.
type entry struct {
	rule      Rule
	callsUsed int
}

// Table resolves method calls to authorization decisions against an ordered
// rule list. Resolution is first-match-wins in declaration order: the first
// rule whose pattern matches the method is the only candidate, even when a
// later rule would have authorized the call. Declaration order is part of
// the contract.
//
// Quota state is scoped to the table (one table per session); independent
// sessions share nothing.
type Table struct {
	mu      sync.Mutex
	entries []*entry
}

// NewTable builds a capability table from a fixed rule list. Malformed
// patterns (a non-terminal "**", an empty pattern) and negative call budgets
// are configuration errors, rejected here rather than at call time.
func NewTable(rules []Rule) (*Table, error) {
	entries := make([]*entry, 0, len(rules))
	for i, rule := range rules {
		if err := ValidatePattern(rule.Pattern); err != nil {
			return nil, fmt.Errorf("capability rule %d: %w", i, err)
		}
		if rule.MaxCalls != nil && *rule.MaxCalls < 0 {
			return nil, fmt.Errorf("capability rule %d (%q): negative max_calls %d", i, rule.Pattern, *rule.MaxCalls)
		}
		entries = append(entries, &entry{rule: rule})
	}
	return &Table{entries: entries}, nil
}

// Authorize resolves one attempted call. On success the matched rule's quota
// counter is incremented and a Grant returned; the quota check and increment
// are one atomic unit, so concurrent authorizations can never over-grant a
// capped rule. On denial a *CapabilityError describes the reason; a denied
// call never consumes quota.
//
// Authorize only decides; it never performs the underlying action.
func (t *Table) Authorize(method string, args map[string]any) (*Grant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var candidate *entry
	for _, e := range t.entries {
		if Matches(e.rule.Pattern, method) {
			candidate = e
			break
		}
	}
	if candidate == nil {
		return nil, &CapabilityError{Code: CodeNoMatchingRule, Method: method}
	}

	if failed, ok := candidate.rule.Constraints.FirstFailure(args); !ok {
		return nil, &CapabilityError{
			Code:      CodeConstraintViolation,
			Method:    method,
			Pattern:   candidate.rule.Pattern,
			Parameter: failed.Parameter(),
			Predicate: failed.String(),
			Value:     args[failed.Parameter()],
		}
	}

	if candidate.rule.MaxCalls != nil && candidate.callsUsed >= *candidate.rule.MaxCalls {
		return nil, &CapabilityError{
			Code:    CodeQuotaExceeded,
			Method:  method,
			Pattern: candidate.rule.Pattern,
		}
	}

	candidate.callsUsed++

	remaining := -1
	if candidate.rule.MaxCalls != nil {
		remaining = *candidate.rule.MaxCalls - candidate.callsUsed
	}
	return &Grant{
		Pattern:   candidate.rule.Pattern,
		CallsUsed: candidate.callsUsed,
		Remaining: remaining,
	}, nil
}

// Usage returns a snapshot of quota consumption per rule pattern, in
// declaration order. Patterns may repeat when declared more than once.
func (t *Table) Usage() []RuleUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	usage := make([]RuleUsage, 0, len(t.entries))
	for _, e := range t.entries {
		u := RuleUsage{Pattern: e.rule.Pattern, CallsUsed: e.callsUsed, MaxCalls: -1}
		if e.rule.MaxCalls != nil {
			u.MaxCalls = *e.rule.MaxCalls
		}
		usage = append(usage, u)
	}
	return usage
}

// RuleUsage reports quota consumption for one rule. MaxCalls is -1 for
// unbounded rules.
type RuleUsage struct {
	Pattern   string
	CallsUsed int
	MaxCalls  int
}
