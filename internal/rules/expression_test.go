package rules

import (
	"errors"
	"testing"

	"github.com/opensource-finance/perch/internal/domain"
	"github.com/opensource-finance/perch/internal/velocity"
)

func TestExpressionStrategy(t *testing.T) {
	regular := domain.LoyaltyTier{Name: "Regular", Priority: 3}
	exprs := []TierExpression{
		{Expression: "visits >= 3 && active_months == window_months", Tier: regular},
		{Expression: "raw_visits >= 4", Tier: superVIP},
		{Expression: "visits >= 2", Tier: vip},
	}
	s, err := NewExpressionStrategy(exprs, 3)
	if err != nil {
		t.Fatalf("failed to build strategy: %v", err)
	}

	var visits []domain.Visit
	// one visit in each of Jan, Feb, Mar
	visits = append(visits, visitsOnDays("steady", "2024-01-20", "2024-02-10", "2024-03-05")...)
	// four records over two days
	visits = append(visits, visitsOnDays("bursty", "2024-03-01", "2024-03-01", "2024-03-01", "2024-03-02")...)
	visits = append(visits, visitsOnDays("pair", "2024-02-01", "2024-03-01")...)
	visits = append(visits, visitsOnDays("once", "2024-03-01")...)
	store := velocity.NewStore(domain.NewDataset(nil, visits))
	asOf := date("2024-03-15")

	cases := []struct {
		id   string
		want *domain.LoyaltyTier
	}{
		{"steady", &regular},
		{"bursty", &superVIP},
		{"pair", &vip},
		{"once", nil},
		{"nobody", nil},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			got := s.Classify(domain.Customer{ID: tc.id}, asOf, store)
			if !sameTier(got, tc.want) {
				t.Errorf("expected %s, got %s", tierName(tc.want), tierName(got))
			}
		})
	}

	if s.Name() != "expression" {
		t.Errorf("unexpected name %s", s.Name())
	}
	if got := s.Expressions(); len(got) != 3 || got[0].Tier != regular {
		t.Errorf("expected expressions in configured order, got %+v", got)
	}
}

func TestExpressionStrategyErrors(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		if _, err := NewExpressionStrategy(nil, 3); !errors.Is(err, ErrNoRules) {
			t.Errorf("expected ErrNoRules, got %v", err)
		}
	})

	t.Run("SyntaxError", func(t *testing.T) {
		_, err := NewExpressionStrategy([]TierExpression{{Expression: "visits >=", Tier: vip}}, 3)
		if err == nil {
			t.Error("expected compile error")
		}
	})

	t.Run("NonBool", func(t *testing.T) {
		_, err := NewExpressionStrategy([]TierExpression{{Expression: "visits + 1", Tier: vip}}, 3)
		if err == nil {
			t.Error("expected non-bool expression to be rejected")
		}
	})

	t.Run("UnknownVariable", func(t *testing.T) {
		_, err := NewExpressionStrategy([]TierExpression{{Expression: "amount > 10", Tier: vip}}, 3)
		if err == nil {
			t.Error("expected undeclared variable to be rejected")
		}
	})

	t.Run("MissingTier", func(t *testing.T) {
		_, err := NewExpressionStrategy([]TierExpression{{Expression: "visits > 1"}}, 3)
		if !errors.Is(err, domain.ErrInvalidRule) {
			t.Errorf("expected ErrInvalidRule, got %v", err)
		}
	})
}

func TestExpressionsFromRules(t *testing.T) {
	exprs := ExpressionsFromRules([]domain.LoyaltyRule{
		{MinVisits: 2, WindowMonths: 3, Tier: vip},
		{MinVisits: 4, WindowMonths: 3, Tier: superVIP},
	})
	if len(exprs) != 2 {
		t.Fatalf("expected 2 expressions, got %d", len(exprs))
	}
	if exprs[0].Expression != "visits >= 4" || exprs[0].Tier != superVIP {
		t.Errorf("unexpected first expression %+v", exprs[0])
	}

	// threshold rules expressed as CEL classify the same as the window strategy
	exprStrategy, err := NewExpressionStrategy(exprs, 3)
	if err != nil {
		t.Fatalf("failed to build strategy: %v", err)
	}
	window := NewWindowStrategy(DefaultRules(), 3, true)
	ds := testDataset()
	store := velocity.NewStore(ds)
	asOf := date("2024-03-15")

	for _, c := range ds.FindAll() {
		a := window.Classify(c, asOf, store)
		b := exprStrategy.Classify(c, asOf, store)
		if !sameTier(a, b) {
			t.Errorf("%s: window gave %s, expression gave %s", c.ID, tierName(a), tierName(b))
		}
	}
}
