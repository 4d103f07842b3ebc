package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// LoyaltyTier is a named loyalty category. Priority orders tiers for display
// (higher is more privileged); it never takes part in rule selection.
type LoyaltyTier struct {
	Name     string `json:"name" yaml:"name"`
	Priority int    `json:"priority" yaml:"priority"`
}

// String returns the tier name.
func (t LoyaltyTier) String() string {
	return t.Name
}

// LoyaltyRule assigns Tier to customers with at least MinVisits qualifying
// visits inside a lookback window.
//
// WindowMonths is carried with the rule but the window-threshold strategy
// evaluates every rule over its own shared window length.
type LoyaltyRule struct {
	MinVisits    int         `json:"minVisits" yaml:"min_visits"`
	WindowMonths int         `json:"windowMonths" yaml:"window_months"`
	Tier         LoyaltyTier `json:"tier" yaml:"tier"`
}

// ErrInvalidRule is returned when a rule fails structural validation.
var ErrInvalidRule = errors.New("invalid loyalty rule")

// Applies reports whether a visit count satisfies the rule.
func (r LoyaltyRule) Applies(visits int) bool {
	return visits >= r.MinVisits
}

// Validate checks the structural shape of the rule only.
func (r LoyaltyRule) Validate() error {
	if r.MinVisits <= 0 {
		return fmt.Errorf("%w: minVisits must be positive, got %d", ErrInvalidRule, r.MinVisits)
	}
	if r.WindowMonths <= 0 {
		return fmt.Errorf("%w: windowMonths must be positive, got %d", ErrInvalidRule, r.WindowMonths)
	}
	if strings.TrimSpace(r.Tier.Name) == "" {
		return fmt.Errorf("%w: tier name is required", ErrInvalidRule)
	}
	return nil
}

// SortRules returns a copy of rules ordered by MinVisits, highest first.
// Rules with equal thresholds keep their relative order.
func SortRules(rules []LoyaltyRule) []LoyaltyRule {
	sorted := make([]LoyaltyRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinVisits > sorted[j].MinVisits
	})
	return sorted
}

// ValidateRules validates every rule, reporting the first failure by position.
func ValidateRules(rules []LoyaltyRule) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i+1, err)
		}
	}
	return nil
}
