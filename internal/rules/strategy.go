// Package rules classifies customers into loyalty tiers.
package rules

import (
	"time"

	"github.com/opensource-finance/perch/internal/domain"
	"github.com/opensource-finance/perch/internal/velocity"
)

// Strategy assigns a tier to a customer as of a date. A nil result means the
// customer has no tier.
type Strategy interface {
	Classify(customer domain.Customer, asOf time.Time, visits domain.VisitCounter) *domain.LoyaltyTier
	Name() string
}

// WindowStrategy counts a customer's visits over one window and returns the
// tier of the first rule whose threshold the count meets.
//
// All rules share the strategy's window length; LoyaltyRule.WindowMonths is
// not consulted.
type WindowStrategy struct {
	rules        []domain.LoyaltyRule
	windowMonths int
	uniquePerDay bool
}

// NewWindowStrategy snapshots rules, sorted by MinVisits descending.
func NewWindowStrategy(rules []domain.LoyaltyRule, windowMonths int, uniquePerDay bool) *WindowStrategy {
	return &WindowStrategy{
		rules:        domain.SortRules(rules),
		windowMonths: windowMonths,
		uniquePerDay: uniquePerDay,
	}
}

// Name identifies the strategy.
func (s *WindowStrategy) Name() string {
	return string(domain.StrategyWindow)
}

// Classify implements Strategy.
func (s *WindowStrategy) Classify(customer domain.Customer, asOf time.Time, visits domain.VisitCounter) *domain.LoyaltyTier {
	start, end := Window(asOf, s.windowMonths)
	count := visits.CountVisits(customer.ID, start, end, s.uniquePerDay)
	return s.Match(count)
}

// Match returns the tier of the first rule that applies to count.
func (s *WindowStrategy) Match(count int) *domain.LoyaltyTier {
	for _, r := range s.rules {
		if r.Applies(count) {
			tier := r.Tier
			return &tier
		}
	}
	return nil
}

// Rules returns the strategy's rule snapshot.
func (s *WindowStrategy) Rules() []domain.LoyaltyRule {
	out := make([]domain.LoyaltyRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Window returns the lookback window ending on asOf: from midnight of the
// date months calendar months earlier to the end of asOf's day.
func Window(asOf time.Time, months int) (time.Time, time.Time) {
	asOf = velocity.Naive(asOf)
	return velocity.MonthsAgo(asOf, months), velocity.EndOfDay(asOf)
}
