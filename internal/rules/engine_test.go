package rules

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/perch/internal/domain"
	"github.com/opensource-finance/perch/internal/velocity"
)

var (
	superVIP = domain.LoyaltyTier{Name: "Super VIP", Priority: 2}
	vip      = domain.LoyaltyTier{Name: "VIP", Priority: 1}
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// visitsOnDays creates one visit at noon for every day given.
func visitsOnDays(customerID string, days ...string) []domain.Visit {
	out := make([]domain.Visit, 0, len(days))
	for i, d := range days {
		out = append(out, domain.Visit{
			ID:         fmt.Sprintf("%s-%d", customerID, i),
			CustomerID: customerID,
			Timestamp:  date(d).Add(12 * time.Hour),
			PartySize:  2,
		})
	}
	return out
}

func testDataset() *domain.Dataset {
	customers := []domain.Customer{
		{ID: "c1", Name: "Ana"},
		{ID: "c2", Name: "Bob"},
		{ID: "c3", Name: "Cy"},
		{ID: "c4", Name: "Di"},
	}
	var visits []domain.Visit
	visits = append(visits, visitsOnDays("c1", "2024-01-10", "2024-02-10", "2024-03-01", "2024-03-10")...)
	visits = append(visits, visitsOnDays("c2", "2024-02-01", "2024-03-05")...)
	visits = append(visits, visitsOnDays("c3", "2024-03-14")...)
	// same day three times counts once
	visits = append(visits, visitsOnDays("c4", "2024-03-02", "2024-03-02", "2024-03-02")...)
	return domain.NewDataset(customers, visits)
}

func newTestEngine() *Engine {
	ds := testDataset()
	strategy := NewWindowStrategy(DefaultRules(), 3, true)
	return NewEngine(strategy, velocity.NewStore(ds), ds)
}

func TestEngineClassify(t *testing.T) {
	engine := newTestEngine()
	asOf := date("2024-03-15")

	cases := []struct {
		customer domain.Customer
		want     *domain.LoyaltyTier
	}{
		{domain.Customer{ID: "c1"}, &superVIP},
		{domain.Customer{ID: "c2"}, &vip},
		{domain.Customer{ID: "c3"}, nil},
		{domain.Customer{ID: "c4"}, nil},
		{domain.Customer{ID: "unknown"}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.customer.ID, func(t *testing.T) {
			got := engine.Classify(tc.customer, asOf)
			if !sameTier(got, tc.want) {
				t.Errorf("expected %v, got %v", tierName(tc.want), tierName(got))
			}
		})
	}
}

func TestEngineClassifyAll(t *testing.T) {
	engine := newTestEngine()

	got := engine.ClassifyAll(date("2024-03-15"))
	if len(got) != 4 {
		t.Fatalf("expected 4 customers, got %d", len(got))
	}
	if !sameTier(got["c1"], &superVIP) {
		t.Errorf("c1: expected Super VIP, got %s", tierName(got["c1"]))
	}
	if !sameTier(got["c2"], &vip) {
		t.Errorf("c2: expected VIP, got %s", tierName(got["c2"]))
	}
	if tier, ok := got["c3"]; !ok || tier != nil {
		t.Errorf("c3: expected present with no tier, got %v (present=%v)", tier, ok)
	}
}

func TestEngineRun(t *testing.T) {
	engine := newTestEngine()

	run := engine.Run(context.Background(), date("2024-03-15"))

	if run.ID == "" {
		t.Error("expected run ID")
	}
	if run.Strategy != "window" {
		t.Errorf("expected window strategy, got %s", run.Strategy)
	}
	if len(run.Classifications) != 4 {
		t.Fatalf("expected 4 classifications, got %d", len(run.Classifications))
	}
	for i, id := range []string{"c1", "c2", "c3", "c4"} {
		if run.Classifications[i].CustomerID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, run.Classifications[i].CustomerID)
		}
	}

	s := run.Summary
	if s.Customers != 4 || s.Tiered != 2 || s.Untiered != 2 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.ByTier["Super VIP"] != 1 || s.ByTier["VIP"] != 1 || s.ByTier[domain.NoTierLabel] != 2 {
		t.Errorf("unexpected tier counts %v", s.ByTier)
	}
}

func TestGroupByTier(t *testing.T) {
	engine := newTestEngine()
	run := engine.Run(context.Background(), date("2024-03-15"))

	groups := GroupByTier(run.Classifications)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}

	wantLabels := []string{"Super VIP", "VIP", domain.NoTierLabel}
	for i, label := range wantLabels {
		if groups[i].Label != label {
			t.Errorf("group %d: expected %s, got %s", i, label, groups[i].Label)
		}
	}

	last := groups[2]
	if last.Tier != nil {
		t.Error("expected untiered group to have nil tier")
	}
	if len(last.Customers) != 2 || last.Customers[0].CustomerID != "c3" || last.Customers[1].CustomerID != "c4" {
		t.Errorf("unexpected untiered members %+v", last.Customers)
	}
}

func TestGroupByTierEmpty(t *testing.T) {
	if groups := GroupByTier(nil); len(groups) != 0 {
		t.Errorf("expected no groups, got %d", len(groups))
	}
}

func sameTier(a, b *domain.LoyaltyTier) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func tierName(t *domain.LoyaltyTier) string {
	if t == nil {
		return "<none>"
	}
	return t.Name
}
