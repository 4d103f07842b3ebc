package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/perch/internal/domain"
)

// ErrNoRules is returned when a strategy is built without any rules.
var ErrNoRules = errors.New("no tier rules configured")

// TierExpression assigns Tier when Expression evaluates to true.
type TierExpression struct {
	Expression string             `json:"expression" yaml:"expression"`
	Tier       domain.LoyaltyTier `json:"tier" yaml:"tier"`
}

// ExpressionStrategy evaluates CEL expressions in order and returns the tier
// of the first one that holds. Expressions see:
//
//	visits         distinct visit days in the window
//	raw_visits     visit records in the window
//	active_months  calendar months ending with as-of's month that had a visit
//	window_months  the window length
type ExpressionStrategy struct {
	env          *cel.Env
	compiled     []compiledExpression
	windowMonths int
}

type compiledExpression struct {
	source  TierExpression
	program cel.Program
}

// NewExpressionStrategy compiles exprs. Every expression must return bool.
func NewExpressionStrategy(exprs []TierExpression, windowMonths int) (*ExpressionStrategy, error) {
	if len(exprs) == 0 {
		return nil, ErrNoRules
	}

	env, err := cel.NewEnv(
		cel.Variable("visits", cel.IntType),
		cel.Variable("raw_visits", cel.IntType),
		cel.Variable("active_months", cel.IntType),
		cel.Variable("window_months", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	s := &ExpressionStrategy{
		env:          env,
		compiled:     make([]compiledExpression, 0, len(exprs)),
		windowMonths: windowMonths,
	}
	for i, e := range exprs {
		c, err := s.compile(e)
		if err != nil {
			return nil, fmt.Errorf("expression %d: %w", i+1, err)
		}
		s.compiled = append(s.compiled, c)
	}
	return s, nil
}

// Name identifies the strategy.
func (s *ExpressionStrategy) Name() string {
	return string(domain.StrategyExpression)
}

// Classify implements Strategy. An expression that fails to evaluate does not
// match.
func (s *ExpressionStrategy) Classify(customer domain.Customer, asOf time.Time, visits domain.VisitCounter) *domain.LoyaltyTier {
	start, end := Window(asOf, s.windowMonths)
	activation := map[string]any{
		"visits":        int64(visits.CountVisits(customer.ID, start, end, true)),
		"raw_visits":    int64(visits.CountVisits(customer.ID, start, end, false)),
		"active_months": int64(visits.VisitsByMonth(customer.ID, s.windowMonths, asOf).ActiveMonths()),
		"window_months": int64(s.windowMonths),
	}

	for _, c := range s.compiled {
		out, _, err := c.program.Eval(activation)
		if err != nil {
			continue
		}
		if matched, ok := out.(types.Bool); ok && bool(matched) {
			tier := c.source.Tier
			return &tier
		}
	}
	return nil
}

// Expressions returns the configured expressions in evaluation order.
func (s *ExpressionStrategy) Expressions() []TierExpression {
	out := make([]TierExpression, len(s.compiled))
	for i, c := range s.compiled {
		out[i] = c.source
	}
	return out
}

func (s *ExpressionStrategy) compile(e TierExpression) (compiledExpression, error) {
	if strings.TrimSpace(e.Tier.Name) == "" {
		return compiledExpression{}, fmt.Errorf("%w: tier name is required", domain.ErrInvalidRule)
	}

	ast, issues := s.env.Compile(e.Expression)
	if issues != nil && issues.Err() != nil {
		return compiledExpression{}, fmt.Errorf("failed to compile %q: %w", e.Expression, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return compiledExpression{}, fmt.Errorf("%q must return bool, got %s", e.Expression, ast.OutputType())
	}

	program, err := s.env.Program(ast)
	if err != nil {
		return compiledExpression{}, fmt.Errorf("failed to create program for %q: %w", e.Expression, err)
	}
	return compiledExpression{source: e, program: program}, nil
}

// ExpressionsFromRules expresses threshold rules as CEL, so a rule file
// without expressions still drives the expression strategy.
func ExpressionsFromRules(rules []domain.LoyaltyRule) []TierExpression {
	sorted := domain.SortRules(rules)
	out := make([]TierExpression, len(sorted))
	for i, r := range sorted {
		out[i] = TierExpression{
			Expression: fmt.Sprintf("visits >= %d", r.MinVisits),
			Tier:       r.Tier,
		}
	}
	return out
}
