// Package loyalty is the application service tying datasets, rules,
// persistence and events together.
package loyalty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/perch/internal/domain"
	"github.com/opensource-finance/perch/internal/ingest"
	"github.com/opensource-finance/perch/internal/report"
	"github.com/opensource-finance/perch/internal/rules"
	"github.com/opensource-finance/perch/internal/velocity"
)

var (
	// ErrCustomerNotFound is returned for an id missing from the directory.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrNoDataset is returned when no reservations have been imported yet.
	ErrNoDataset = errors.New("no dataset imported")

	// ErrInvalidMonths is returned for a month count outside 1..MaxMonths.
	ErrInvalidMonths = errors.New("months must be between 1 and 1200")
)

// MaxMonths bounds every report and classification window.
const MaxMonths = domain.MaxWindowMonths

func validMonths(months int) bool {
	return months > 0 && months <= MaxMonths
}

// snapshot is an imported dataset with its derived indexes.
type snapshot struct {
	dataset *domain.Dataset
	store   *velocity.Store
	report  *report.Service
}

// Service owns the current dataset and rule set. Imports and rule changes
// swap whole snapshots, so readers never see a half-applied update.
type Service struct {
	settings    domain.ClassificationConfig
	ruleSet     *rules.RuleSet
	expressions []rules.TierExpression
	repo        domain.Repository
	bus         domain.EventBus

	// serializes writers; readers go through the atomics
	mu         sync.Mutex
	current    atomic.Pointer[snapshot]
	strategy   atomic.Pointer[strategyHolder]
	generation atomic.Uint64
}

type strategyHolder struct {
	strategy   rules.Strategy
	rulesCount int
}

// Option configures a Service.
type Option func(*Service)

// WithRepository persists datasets, rules and classification runs.
func WithRepository(repo domain.Repository) Option {
	return func(s *Service) { s.repo = repo }
}

// WithEventBus publishes import, rule and classification events.
func WithEventBus(bus domain.EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithExpressions sets the tier expressions used by the expression strategy.
// Without them the strategy derives expressions from the rule set. Rules set
// later through SetRules or restored from the repository replace them.
func WithExpressions(exprs []rules.TierExpression) Option {
	return func(s *Service) { s.expressions = exprs }
}

// NewService creates the loyalty service. Repository and event bus are
// optional.
func NewService(settings domain.ClassificationConfig, ruleSet *rules.RuleSet, opts ...Option) (*Service, error) {
	if !validMonths(settings.WindowMonths) {
		return nil, fmt.Errorf("window: %w", ErrInvalidMonths)
	}
	if ruleSet == nil {
		ruleSet = rules.NewRuleSet(rules.DefaultRules())
	}
	s := &Service{
		settings: settings,
		ruleSet:  ruleSet,
	}
	for _, opt := range opts {
		opt(s)
	}

	holder, err := s.buildStrategy(ruleSet.Rules())
	if err != nil {
		return nil, err
	}
	s.strategy.Store(holder)
	return s, nil
}

func (s *Service) buildStrategy(ruleList []domain.LoyaltyRule) (*strategyHolder, error) {
	switch s.settings.Strategy {
	case domain.StrategyWindow, "":
		strategy := rules.NewWindowStrategy(ruleList, s.settings.WindowMonths, s.settings.UniquePerDay)
		return &strategyHolder{strategy: strategy, rulesCount: len(ruleList)}, nil
	case domain.StrategyExpression:
		exprs := s.expressions
		if len(exprs) == 0 {
			exprs = rules.ExpressionsFromRules(ruleList)
		}
		strategy, err := rules.NewExpressionStrategy(exprs, s.settings.WindowMonths)
		if err != nil {
			return nil, err
		}
		return &strategyHolder{strategy: strategy, rulesCount: len(exprs)}, nil
	default:
		return nil, fmt.Errorf("unknown strategy: %s", s.settings.Strategy)
	}
}

// Restore loads the persisted dataset and rules, if any.
func (s *Service) Restore(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	saved, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	if len(saved) > 0 {
		s.mu.Lock()
		err := s.applyRules(saved)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("restoring rules: %w", err)
		}
	}

	ds, err := s.repo.LoadDataset(ctx)
	if err != nil {
		return fmt.Errorf("loading dataset: %w", err)
	}
	if ds.CustomerCount() > 0 || ds.VisitCount() > 0 {
		s.mu.Lock()
		s.swap(ds)
		s.mu.Unlock()
	}

	slog.Info("state restored",
		"rules_count", s.ruleSet.Len(),
		"customers", ds.CustomerCount(),
		"visits", ds.VisitCount(),
	)
	return nil
}

// Import replaces the current dataset with reservations read from r.
func (s *Service) Import(ctx context.Context, r io.Reader) (ingest.Stats, error) {
	ds, stats, err := ingest.Read(r)
	if err != nil {
		return stats, err
	}
	return stats, s.Replace(ctx, ds, stats)
}

// ImportFile replaces the current dataset with the reservations CSV at path.
func (s *Service) ImportFile(ctx context.Context, path string) (ingest.Stats, error) {
	ds, stats, err := ingest.Load(path)
	if err != nil {
		return stats, err
	}
	return stats, s.Replace(ctx, ds, stats)
}

// Replace installs ds as the current dataset, persisting it first.
func (s *Service) Replace(ctx context.Context, ds *domain.Dataset, stats ingest.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.ReplaceDataset(ctx, ds); err != nil {
			return fmt.Errorf("persisting dataset: %w", err)
		}
	}
	gen := s.swap(ds)

	s.publish(ctx, domain.TopicDatasetImported, domain.DatasetImportedEvent{
		Generation: gen,
		Customers:  ds.CustomerCount(),
		Visits:     ds.VisitCount(),
		Skipped:    stats.Skipped + stats.Duplicates,
	})
	return nil
}

// swap must be called with s.mu held.
func (s *Service) swap(ds *domain.Dataset) uint64 {
	store := velocity.NewStore(ds)
	s.current.Store(&snapshot{
		dataset: ds,
		store:   store,
		report:  report.NewService(store, ds),
	})
	return s.generation.Add(1)
}

func (s *Service) snapshot() (*snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrNoDataset
	}
	return snap, nil
}

// HasDataset reports whether a dataset has been imported.
func (s *Service) HasDataset() bool {
	return s.current.Load() != nil
}

// Generation changes whenever the dataset or rules change.
func (s *Service) Generation() uint64 {
	return s.generation.Load()
}

// Settings returns the classification settings.
func (s *Service) Settings() domain.ClassificationConfig {
	return s.settings
}

// Customers returns every customer in directory order.
func (s *Service) Customers() ([]domain.Customer, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return snap.dataset.FindAll(), nil
}

// Customer returns the customer with the given id.
func (s *Service) Customer(id string) (domain.Customer, error) {
	snap, err := s.snapshot()
	if err != nil {
		return domain.Customer{}, err
	}
	c, ok := snap.dataset.FindByID(id)
	if !ok {
		return domain.Customer{}, fmt.Errorf("%w: %s", ErrCustomerNotFound, id)
	}
	return c, nil
}

func engine(holder *strategyHolder, snap *snapshot) *rules.Engine {
	return rules.NewEngine(holder.strategy, snap.store, snap.dataset)
}

// Classify returns the tier of one customer as of asOf.
func (s *Service) Classify(id string, asOf time.Time) (domain.Classification, error) {
	snap, err := s.snapshot()
	if err != nil {
		return domain.Classification{}, err
	}
	c, ok := snap.dataset.FindByID(id)
	if !ok {
		return domain.Classification{}, fmt.Errorf("%w: %s", ErrCustomerNotFound, id)
	}
	return domain.Classification{
		CustomerID: c.ID,
		Name:       c.Name,
		Tier:       engine(s.strategy.Load(), snap).Classify(c, asOf),
	}, nil
}

// ClassifyAll classifies every customer without persisting the run.
func (s *Service) ClassifyAll(ctx context.Context, asOf time.Time) (*domain.ClassificationRun, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	holder := s.strategy.Load()
	run := engine(holder, snap).Run(ctx, asOf)
	run.Metadata.RulesCount = holder.rulesCount
	run.Metadata.WindowMonths = s.settings.WindowMonths
	run.Metadata.UniquePerDay = s.settings.UniquePerDay
	return run, nil
}

// Reclassify classifies every customer, stores the run and announces it.
func (s *Service) Reclassify(ctx context.Context, asOf time.Time) (*domain.ClassificationRun, error) {
	run, err := s.ClassifyAll(ctx, asOf)
	if err != nil {
		return nil, err
	}
	if s.repo != nil {
		if err := s.repo.SaveClassificationRun(ctx, run); err != nil {
			return nil, fmt.Errorf("saving classification run: %w", err)
		}
	}

	s.publish(ctx, domain.TopicClassificationCompleted, domain.ClassificationCompletedEvent{
		RunID:   run.ID,
		AsOf:    run.AsOf.Format("2006-01-02"),
		Summary: run.Summary,
	})

	slog.Info("classification completed",
		"run_id", run.ID,
		"as_of", run.AsOf.Format("2006-01-02"),
		"customers", run.Summary.Customers,
		"tiered", run.Summary.Tiered,
		"duration_ms", run.Metadata.TotalMs,
	)
	return run, nil
}

// ClassificationRun returns a stored run.
func (s *Service) ClassificationRun(ctx context.Context, id string) (*domain.ClassificationRun, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("classification run %s: no repository configured", id)
	}
	return s.repo.GetClassificationRun(ctx, id)
}

// VisitsByMonth returns the customer's monthly visit histogram.
func (s *Service) VisitsByMonth(id string, months int, asOf time.Time) (domain.MonthlyVisits, error) {
	if !validMonths(months) {
		return nil, ErrInvalidMonths
	}
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	c, ok := snap.dataset.FindByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCustomerNotFound, id)
	}
	return snap.report.VisitsByMonth(c, months, asOf), nil
}

// Ranking ranks every customer by distinct visit days over months.
func (s *Service) Ranking(months int, asOf time.Time) ([]domain.RankingEntry, error) {
	if !validMonths(months) {
		return nil, ErrInvalidMonths
	}
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return snap.report.RankingTopCustomers(months, asOf), nil
}

// Rules returns the current rules, highest threshold first.
func (s *Service) Rules() []domain.LoyaltyRule {
	return s.ruleSet.Rules()
}

// SetRules validates, persists and installs a new rule set.
func (s *Service) SetRules(ctx context.Context, ruleList []domain.LoyaltyRule) error {
	if len(ruleList) == 0 {
		return rules.ErrNoRules
	}
	if err := domain.ValidateRules(ruleList); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.SaveRules(ctx, ruleList); err != nil {
			return fmt.Errorf("persisting rules: %w", err)
		}
	}
	if err := s.applyRules(ruleList); err != nil {
		return err
	}
	gen := s.generation.Add(1)

	s.publish(ctx, domain.TopicRulesUpdated, domain.RulesUpdatedEvent{
		Generation: gen,
		Rules:      s.ruleSet.Rules(),
	})
	slog.Info("rules updated", "rules_count", len(ruleList), "generation", gen)
	return nil
}

// applyRules must be called with s.mu held. Expressions given at startup
// stop applying once explicit rules arrive; the strategy is rebuilt from
// the new rules instead.
func (s *Service) applyRules(ruleList []domain.LoyaltyRule) error {
	exprs := s.expressions
	s.expressions = nil
	holder, err := s.buildStrategy(ruleList)
	if err != nil {
		s.expressions = exprs
		return err
	}
	s.ruleSet.SetRules(ruleList)
	s.strategy.Store(holder)
	return nil
}

func (s *Service) publish(ctx context.Context, topic string, event any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}
