// Package report builds visit histograms and customer rankings.
package report

import (
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/perch/internal/domain"
	"github.com/opensource-finance/perch/internal/rules"
)

// Service answers reporting queries over a visit store and customer directory.
type Service struct {
	visits    domain.VisitCounter
	customers domain.CustomerDirectory
}

// NewService creates a report service.
func NewService(visits domain.VisitCounter, customers domain.CustomerDirectory) *Service {
	return &Service{visits: visits, customers: customers}
}

// VisitsByMonth returns the customer's per-month visit records for the
// months calendar months ending in asOf's month.
func (s *Service) VisitsByMonth(customer domain.Customer, months int, asOf time.Time) domain.MonthlyVisits {
	return s.visits.VisitsByMonth(customer.ID, months, asOf)
}

// RankingTopCustomers ranks every customer by distinct visit days over the
// lookback window ending on asOf. Higher counts come first; ties are broken by
// case-insensitive name, then directory order.
func (s *Service) RankingTopCustomers(months int, asOf time.Time) []domain.RankingEntry {
	start, end := rules.Window(asOf, months)

	customers := s.customers.FindAll()
	rows := make([]domain.RankingEntry, 0, len(customers))
	for _, c := range customers {
		rows = append(rows, domain.RankingEntry{
			Customer: c,
			Visits:   s.visits.CountVisits(c.ID, start, end, true),
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Visits != rows[j].Visits {
			return rows[i].Visits > rows[j].Visits
		}
		return strings.ToLower(rows[i].Customer.Name) < strings.ToLower(rows[j].Customer.Name)
	})
	return rows
}
