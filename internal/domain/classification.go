package domain

import (
	"time"
)

// NoTierLabel is the display label for customers without a tier.
const NoTierLabel = "No tier"

// Classification is the tier assigned to one customer as of a date.
// Tier is nil when no rule applies.
type Classification struct {
	CustomerID string       `json:"customerId"`
	Name       string       `json:"name"`
	Tier       *LoyaltyTier `json:"tier"`
}

// HasTier reports whether a tier was assigned.
func (c Classification) HasTier() bool {
	return c.Tier != nil
}

// TierLabel returns the tier name, or NoTierLabel.
func (c Classification) TierLabel() string {
	if c.Tier == nil {
		return NoTierLabel
	}
	return c.Tier.Name
}

// ClassificationRun is the result of classifying every known customer.
type ClassificationRun struct {
	ID              string           `json:"id"`
	AsOf            time.Time        `json:"asOf"`
	CreatedAt       time.Time        `json:"createdAt"`
	Strategy        string           `json:"strategy"`
	Classifications []Classification `json:"classifications"`
	Summary         RunSummary       `json:"summary"`
	Metadata        RunMetadata      `json:"metadata"`
}

// RunSummary counts customers per tier label.
type RunSummary struct {
	Customers int            `json:"customers"`
	Tiered    int            `json:"tiered"`
	Untiered  int            `json:"untiered"`
	ByTier    map[string]int `json:"byTier"`
}

// RunMetadata contains processing information.
type RunMetadata struct {
	TraceID      string `json:"traceId,omitempty"`
	RulesCount   int    `json:"rulesCount"`
	WindowMonths int    `json:"windowMonths"`
	UniquePerDay bool   `json:"uniquePerDay"`
	TotalMs      int64  `json:"totalMs"`
}

// RankingEntry is one row of the visit ranking.
type RankingEntry struct {
	Customer Customer `json:"customer"`
	Visits   int      `json:"visits"`
}

