package rules

import (
	"sync"

	"github.com/opensource-finance/perch/internal/domain"
)

// RuleSet is the current rule configuration. It is owned by the caller and
// handed to whoever builds strategies; rules are always stored sorted by
// MinVisits, highest first.
type RuleSet struct {
	mu    sync.RWMutex
	rules []domain.LoyaltyRule
}

var _ domain.RuleProvider = (*RuleSet)(nil)

// NewRuleSet creates a rule set holding rules.
func NewRuleSet(rules []domain.LoyaltyRule) *RuleSet {
	rs := &RuleSet{}
	rs.SetRules(rules)
	return rs
}

// DefaultRules returns the stock program: 4 visit-days in 3 months for
// Super VIP, 2 for VIP.
func DefaultRules() []domain.LoyaltyRule {
	return []domain.LoyaltyRule{
		{MinVisits: 4, WindowMonths: 3, Tier: domain.LoyaltyTier{Name: "Super VIP", Priority: 2}},
		{MinVisits: 2, WindowMonths: 3, Tier: domain.LoyaltyTier{Name: "VIP", Priority: 1}},
	}
}

// Rules returns a copy of the current rules.
func (rs *RuleSet) Rules() []domain.LoyaltyRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	out := make([]domain.LoyaltyRule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// SetRules replaces the rules, re-sorting them by MinVisits descending.
func (rs *RuleSet) SetRules(rules []domain.LoyaltyRule) {
	sorted := domain.SortRules(rules)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = sorted
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}
