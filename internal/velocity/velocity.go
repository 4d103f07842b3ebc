// Package velocity counts customer visits over calendar windows.
package velocity

import (
	"sort"
	"time"

	"github.com/opensource-finance/perch/internal/domain"
)

var _ domain.VisitCounter = (*Store)(nil)

// Store indexes visit records per customer, sorted by timestamp.
// It never mutates the records and is safe for concurrent reads.
type Store struct {
	byCustomer map[string][]time.Time
	total      int
}

// NewStore builds a store from a visit source.
func NewStore(source domain.VisitSource) *Store {
	visits := source.Visits()
	s := &Store{
		byCustomer: make(map[string][]time.Time),
		total:      len(visits),
	}
	for _, v := range visits {
		s.byCustomer[v.CustomerID] = append(s.byCustomer[v.CustomerID], Naive(v.Timestamp))
	}
	for _, ts := range s.byCustomer {
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	}
	return s
}

// CountVisits returns the number of the customer's visits with
// start <= timestamp <= end. With uniquePerDay, several visits on the same
// calendar date count once.
func (s *Store) CountVisits(customerID string, start, end time.Time, uniquePerDay bool) int {
	matches := s.between(customerID, Naive(start), Naive(end))
	if !uniquePerDay {
		return len(matches)
	}

	days := 0
	var lastY, lastD int
	var lastM time.Month
	for i, ts := range matches {
		y, m, d := ts.Date()
		// matches are sorted, so equal dates are adjacent
		if i == 0 || y != lastY || m != lastM || d != lastD {
			days++
			lastY, lastM, lastD = y, m, d
		}
	}
	return days
}

// VisitsByMonth returns one bucket per calendar month for the months months
// ending with asOf's month, oldest first. Every visit counts; months without
// visits are zero.
func (s *Store) VisitsByMonth(customerID string, months int, asOf time.Time) domain.MonthlyVisits {
	if months <= 0 {
		return domain.MonthlyVisits{}
	}

	asOf = Naive(asOf)
	startMonth := AddMonths(StartOfMonth(asOf), -(months - 1))

	out := make(domain.MonthlyVisits, months)
	cur := startMonth
	for i := range out {
		out[i] = domain.MonthCount{Year: cur.Year(), Month: cur.Month()}
		cur = AddMonths(cur, 1)
	}

	for _, ts := range s.between(customerID, startMonth, EndOfDay(asOf)) {
		idx := (ts.Year()-startMonth.Year())*12 + int(ts.Month()) - int(startMonth.Month())
		out[idx].Visits++
	}
	return out
}

// Customers returns the number of customers with at least one visit.
func (s *Store) Customers() int {
	return len(s.byCustomer)
}

// Total returns the number of indexed visits.
func (s *Store) Total() int {
	return s.total
}

// between returns the sorted timestamps inside [start, end].
func (s *Store) between(customerID string, start, end time.Time) []time.Time {
	ts := s.byCustomer[customerID]
	if len(ts) == 0 || end.Before(start) {
		return nil
	}
	lo := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(start) })
	hi := sort.Search(len(ts), func(i int) bool { return ts[i].After(end) })
	if lo >= hi {
		return nil
	}
	return ts[lo:hi]
}
