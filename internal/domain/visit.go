package domain

import (
	"time"
)

// Visit is one reservation record. Timestamp is a naive wall-clock value
// carried in UTC.
type Visit struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId"`
	Timestamp  time.Time `json:"timestamp"`
	PartySize  int       `json:"partySize"`
}

// Customer is opaque to classification beyond its identity.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// VisitSource exposes the materialized visit records.
type VisitSource interface {
	Visits() []Visit
}

// CustomerDirectory looks customers up by id and lists them in a stable order.
type CustomerDirectory interface {
	FindAll() []Customer
	FindByID(id string) (Customer, bool)
}

// VisitCounter is the read side of a visit store.
type VisitCounter interface {
	// CountVisits counts a customer's visits in [start, end]. With uniquePerDay
	// it counts distinct calendar dates instead of records.
	CountVisits(customerID string, start, end time.Time, uniquePerDay bool) int

	// VisitsByMonth buckets every visit of the customer into the months
	// consecutive calendar months ending with asOf's month.
	VisitsByMonth(customerID string, months int, asOf time.Time) MonthlyVisits
}

// RuleProvider is the current rule configuration.
type RuleProvider interface {
	Rules() []LoyaltyRule
	SetRules(rules []LoyaltyRule)
}

// MonthCount is the number of visits in one calendar month.
type MonthCount struct {
	Year   int        `json:"year"`
	Month  time.Month `json:"month"`
	Visits int        `json:"visits"`
}

// Key returns the month as YYYY-MM.
func (m MonthCount) Key() string {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}

// MonthlyVisits is a zero-filled histogram in calendar order.
type MonthlyVisits []MonthCount

// Get returns the count for a month and whether the month is in the window.
func (mv MonthlyVisits) Get(year int, month time.Month) (int, bool) {
	for _, m := range mv {
		if m.Year == year && m.Month == month {
			return m.Visits, true
		}
	}
	return 0, false
}

// Total sums every bucket.
func (mv MonthlyVisits) Total() int {
	total := 0
	for _, m := range mv {
		total += m.Visits
	}
	return total
}

// ActiveMonths counts buckets with at least one visit.
func (mv MonthlyVisits) ActiveMonths() int {
	n := 0
	for _, m := range mv {
		if m.Visits > 0 {
			n++
		}
	}
	return n
}
