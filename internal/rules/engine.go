package rules

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/perch/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("perch-rules")

// Engine runs a Strategy over one customer or the whole directory.
type Engine struct {
	strategy  Strategy
	visits    domain.VisitCounter
	customers domain.CustomerDirectory
}

// NewEngine creates a classification engine.
func NewEngine(strategy Strategy, visits domain.VisitCounter, customers domain.CustomerDirectory) *Engine {
	return &Engine{
		strategy:  strategy,
		visits:    visits,
		customers: customers,
	}
}

// Classify returns the customer's tier as of asOf, or nil.
func (e *Engine) Classify(customer domain.Customer, asOf time.Time) *domain.LoyaltyTier {
	return e.strategy.Classify(customer, asOf, e.visits)
}

// ClassifyAll classifies every customer in the directory, keyed by id.
func (e *Engine) ClassifyAll(asOf time.Time) map[string]*domain.LoyaltyTier {
	out := make(map[string]*domain.LoyaltyTier)
	for _, c := range e.customers.FindAll() {
		out[c.ID] = e.Classify(c, asOf)
	}
	return out
}

// Run classifies every customer in directory order and summarizes the result.
func (e *Engine) Run(ctx context.Context, asOf time.Time) *domain.ClassificationRun {
	start := time.Now()
	customers := e.customers.FindAll()

	_, span := tracer.Start(ctx, "classify_all",
		trace.WithAttributes(
			attribute.String("strategy", e.strategy.Name()),
			attribute.String("as_of", asOf.Format("2006-01-02")),
			attribute.Int("customers", len(customers)),
		),
	)
	defer span.End()

	classifications := make([]domain.Classification, 0, len(customers))
	for _, c := range customers {
		classifications = append(classifications, domain.Classification{
			CustomerID: c.ID,
			Name:       c.Name,
			Tier:       e.Classify(c, asOf),
		})
	}

	run := &domain.ClassificationRun{
		ID:              uuid.New().String(),
		AsOf:            asOf,
		CreatedAt:       time.Now().UTC(),
		Strategy:        e.strategy.Name(),
		Classifications: classifications,
		Summary:         Summarize(classifications),
	}
	if sc := span.SpanContext(); sc.TraceID().IsValid() {
		run.Metadata.TraceID = sc.TraceID().String()
	}
	run.Metadata.TotalMs = time.Since(start).Milliseconds()

	span.SetAttributes(attribute.Int("tiered", run.Summary.Tiered))
	return run
}

// Summarize counts classifications per tier label.
func Summarize(classifications []domain.Classification) domain.RunSummary {
	summary := domain.RunSummary{
		Customers: len(classifications),
		ByTier:    make(map[string]int),
	}
	for _, c := range classifications {
		if c.HasTier() {
			summary.Tiered++
		} else {
			summary.Untiered++
		}
		summary.ByTier[c.TierLabel()]++
	}
	return summary
}

// TierGroup is the set of customers sharing a tier label.
type TierGroup struct {
	Tier      *domain.LoyaltyTier     `json:"tier"`
	Label     string                  `json:"label"`
	Customers []domain.Classification `json:"customers"`
}

// GroupByTier groups classifications by tier name. Groups are ordered by
// name; untiered customers come last. Members keep their input order.
func GroupByTier(classifications []domain.Classification) []TierGroup {
	index := make(map[string]int)
	var groups []TierGroup
	var untiered *TierGroup

	for _, c := range classifications {
		if !c.HasTier() {
			if untiered == nil {
				untiered = &TierGroup{Label: domain.NoTierLabel}
			}
			untiered.Customers = append(untiered.Customers, c)
			continue
		}
		i, ok := index[c.Tier.Name]
		if !ok {
			i = len(groups)
			index[c.Tier.Name] = i
			tier := *c.Tier
			groups = append(groups, TierGroup{Tier: &tier, Label: tier.Name})
		}
		groups[i].Customers = append(groups[i].Customers, c)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Label < groups[j].Label
	})
	if untiered != nil {
		groups = append(groups, *untiered)
	}
	return groups
}
