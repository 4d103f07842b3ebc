package loyalty

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/perch/internal/bus"
	"github.com/opensource-finance/perch/internal/domain"
	"github.com/opensource-finance/perch/internal/repository"
	"github.com/opensource-finance/perch/internal/rules"
)

const reservationsCSV = `reservation_id,customer_id,name,email,phone,datetime,party_size
r1,c1,Ana,ana@example.com,555-0001,2024-01-10T19:00,2
r2,c1,Ana,ana@example.com,555-0001,2024-02-10T19:00,2
r3,c1,Ana,ana@example.com,555-0001,2024-03-01T12:30,4
r4,c1,Ana,ana@example.com,555-0001,2024-03-10 20:00,2
r5,c2,Bob,bob@example.com,555-0002,2024-02-01,3
r6,c2,Bob,bob@example.com,555-0002,2024-03-05T13:00,3
r7,c3,Cy,cy@example.com,555-0003,2024-03-14T21:15,1
r8,c3,Cy,cy@example.com,555-0003,not-a-date,1
r1,c1,Ana,ana@example.com,555-0001,2024-03-11T19:00,2
`

var asOf = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func defaultSettings() domain.ClassificationConfig {
	return domain.ClassificationConfig{
		Strategy:     domain.StrategyWindow,
		WindowMonths: 3,
		UniquePerDay: true,
	}
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(defaultSettings(), nil, opts...)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func importTestData(t *testing.T, svc *Service) {
	t.Helper()
	if _, err := svc.Import(context.Background(), strings.NewReader(reservationsCSV)); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
}

func newMemoryRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: repository.MemoryPath})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// subscribe collects payloads published on topic.
func subscribe(t *testing.T, b domain.EventBus, topic string) <-chan []byte {
	t.Helper()
	ch := make(chan []byte, 10)
	_, err := b.Subscribe(context.Background(), topic, func(_ context.Context, msg *domain.Message) error {
		ch <- msg.Payload
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return ch
}

func receive(t *testing.T, ch <-chan []byte, v any) {
	t.Helper()
	select {
	case payload := <-ch:
		if err := json.Unmarshal(payload, v); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNewService(t *testing.T) {
	t.Run("InvalidWindow", func(t *testing.T) {
		_, err := NewService(domain.ClassificationConfig{WindowMonths: 0}, nil)
		if !errors.Is(err, ErrInvalidMonths) {
			t.Errorf("expected ErrInvalidMonths, got %v", err)
		}
		_, err = NewService(domain.ClassificationConfig{WindowMonths: MaxMonths + 1}, nil)
		if !errors.Is(err, ErrInvalidMonths) {
			t.Errorf("expected ErrInvalidMonths for oversized window, got %v", err)
		}
	})

	t.Run("UnknownStrategy", func(t *testing.T) {
		settings := defaultSettings()
		settings.Strategy = "random"
		if _, err := NewService(settings, nil); err == nil {
			t.Error("expected error for unknown strategy")
		}
	})

	t.Run("DefaultRules", func(t *testing.T) {
		svc := newTestService(t)
		got := svc.Rules()
		if len(got) != 2 || got[0].Tier.Name != "Super VIP" || got[1].Tier.Name != "VIP" {
			t.Errorf("unexpected default rules %+v", got)
		}
	})
}

func TestNoDataset(t *testing.T) {
	svc := newTestService(t)

	if svc.HasDataset() {
		t.Error("expected no dataset")
	}
	if _, err := svc.Customers(); !errors.Is(err, ErrNoDataset) {
		t.Errorf("Customers: expected ErrNoDataset, got %v", err)
	}
	if _, err := svc.Classify("c1", asOf); !errors.Is(err, ErrNoDataset) {
		t.Errorf("Classify: expected ErrNoDataset, got %v", err)
	}
	if _, err := svc.Ranking(3, asOf); !errors.Is(err, ErrNoDataset) {
		t.Errorf("Ranking: expected ErrNoDataset, got %v", err)
	}
	if _, err := svc.Reclassify(context.Background(), asOf); !errors.Is(err, ErrNoDataset) {
		t.Errorf("Reclassify: expected ErrNoDataset, got %v", err)
	}
}

func TestImport(t *testing.T) {
	svc := newTestService(t)

	stats, err := svc.Import(context.Background(), strings.NewReader(reservationsCSV))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if stats.Imported != 7 || stats.Skipped != 1 || stats.Duplicates != 1 || stats.Customers != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !svc.HasDataset() || svc.Generation() != 1 {
		t.Errorf("expected dataset at generation 1, got %d", svc.Generation())
	}

	customers, err := svc.Customers()
	if err != nil {
		t.Fatalf("Customers failed: %v", err)
	}
	if len(customers) != 3 || customers[0].ID != "c1" || customers[2].ID != "c3" {
		t.Errorf("unexpected customers %+v", customers)
	}

	t.Run("BadHeaderKeepsCurrent", func(t *testing.T) {
		if _, err := svc.Import(context.Background(), strings.NewReader("id,when\n1,2024-01-01\n")); err == nil {
			t.Fatal("expected import error")
		}
		if svc.Generation() != 1 {
			t.Errorf("failed import must not swap the dataset")
		}
		if _, err := svc.Customer("c1"); err != nil {
			t.Errorf("expected previous dataset intact, got %v", err)
		}
	})

	t.Run("ImportFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reservations.csv")
		if err := os.WriteFile(path, []byte(reservationsCSV), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.ImportFile(context.Background(), path); err != nil {
			t.Fatalf("ImportFile failed: %v", err)
		}
		if svc.Generation() != 2 {
			t.Errorf("expected generation 2, got %d", svc.Generation())
		}
	})
}

func TestClassify(t *testing.T) {
	svc := newTestService(t)
	importTestData(t, svc)

	cases := []struct {
		id   string
		want string
	}{
		{"c1", "Super VIP"},
		{"c2", "VIP"},
		{"c3", domain.NoTierLabel},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			got, err := svc.Classify(tc.id, asOf)
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if got.TierLabel() != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got.TierLabel())
			}
		})
	}

	t.Run("UnknownCustomer", func(t *testing.T) {
		if _, err := svc.Classify("nobody", asOf); !errors.Is(err, ErrCustomerNotFound) {
			t.Errorf("expected ErrCustomerNotFound, got %v", err)
		}
	})

	t.Run("LaterAsOfDropsTier", func(t *testing.T) {
		got, err := svc.Classify("c2", time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if got.HasTier() {
			t.Errorf("expected no tier once visits leave the window, got %s", got.TierLabel())
		}
	})
}

func TestReports(t *testing.T) {
	svc := newTestService(t)
	importTestData(t, svc)

	t.Run("VisitsByMonth", func(t *testing.T) {
		got, err := svc.VisitsByMonth("c1", 3, asOf)
		if err != nil {
			t.Fatalf("VisitsByMonth failed: %v", err)
		}
		if len(got) != 3 || got.Total() != 4 {
			t.Errorf("expected 3 buckets with 4 visits, got %+v", got)
		}
		if n, _ := got.Get(2024, time.March); n != 2 {
			t.Errorf("expected 2 visits in March, got %d", n)
		}
	})

	t.Run("InvalidMonths", func(t *testing.T) {
		if _, err := svc.VisitsByMonth("c1", 0, asOf); !errors.Is(err, ErrInvalidMonths) {
			t.Errorf("expected ErrInvalidMonths, got %v", err)
		}
		if _, err := svc.Ranking(-1, asOf); !errors.Is(err, ErrInvalidMonths) {
			t.Errorf("expected ErrInvalidMonths, got %v", err)
		}
	})

	t.Run("MonthsAboveLimit", func(t *testing.T) {
		if _, err := svc.VisitsByMonth("c1", MaxMonths+1, asOf); !errors.Is(err, ErrInvalidMonths) {
			t.Errorf("expected ErrInvalidMonths, got %v", err)
		}
		if _, err := svc.VisitsByMonth("c1", 1<<60, asOf); !errors.Is(err, ErrInvalidMonths) {
			t.Errorf("expected ErrInvalidMonths, got %v", err)
		}
		if _, err := svc.Ranking(MaxMonths+1, asOf); !errors.Is(err, ErrInvalidMonths) {
			t.Errorf("expected ErrInvalidMonths, got %v", err)
		}
		got, err := svc.VisitsByMonth("c1", MaxMonths, asOf)
		if err != nil || len(got) != MaxMonths {
			t.Errorf("expected %d buckets at the limit, got %d (%v)", MaxMonths, len(got), err)
		}
	})

	t.Run("UnknownCustomer", func(t *testing.T) {
		if _, err := svc.VisitsByMonth("nobody", 3, asOf); !errors.Is(err, ErrCustomerNotFound) {
			t.Errorf("expected ErrCustomerNotFound, got %v", err)
		}
	})

	t.Run("Ranking", func(t *testing.T) {
		got, err := svc.Ranking(3, asOf)
		if err != nil {
			t.Fatalf("Ranking failed: %v", err)
		}
		want := []struct {
			id     string
			visits int
		}{{"c1", 4}, {"c2", 2}, {"c3", 1}}
		if len(got) != len(want) {
			t.Fatalf("expected %d entries, got %d", len(want), len(got))
		}
		for i, w := range want {
			if got[i].Customer.ID != w.id || got[i].Visits != w.visits {
				t.Errorf("entry %d: expected %s/%d, got %s/%d", i, w.id, w.visits, got[i].Customer.ID, got[i].Visits)
			}
		}
	})
}

func TestSetRules(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()
	updates := subscribe(t, eventBus, domain.TopicRulesUpdated)

	repo := newMemoryRepo(t)
	svc := newTestService(t, WithRepository(repo), WithEventBus(eventBus))
	importTestData(t, svc)
	ctx := context.Background()

	t.Run("Rejected", func(t *testing.T) {
		if err := svc.SetRules(ctx, nil); !errors.Is(err, rules.ErrNoRules) {
			t.Errorf("expected ErrNoRules, got %v", err)
		}
		bad := []domain.LoyaltyRule{{MinVisits: 0, WindowMonths: 3, Tier: domain.LoyaltyTier{Name: "Gold"}}}
		if err := svc.SetRules(ctx, bad); !errors.Is(err, domain.ErrInvalidRule) {
			t.Errorf("expected ErrInvalidRule, got %v", err)
		}
		if svc.Generation() != 1 {
			t.Errorf("rejected rules must not bump generation")
		}
	})

	gold := []domain.LoyaltyRule{
		{MinVisits: 1, WindowMonths: 3, Tier: domain.LoyaltyTier{Name: "Regular", Priority: 1}},
		{MinVisits: 3, WindowMonths: 3, Tier: domain.LoyaltyTier{Name: "Gold", Priority: 2}},
	}
	if err := svc.SetRules(ctx, gold); err != nil {
		t.Fatalf("SetRules failed: %v", err)
	}

	t.Run("Installed", func(t *testing.T) {
		if svc.Generation() != 2 {
			t.Errorf("expected generation 2, got %d", svc.Generation())
		}
		got := svc.Rules()
		if got[0].Tier.Name != "Gold" {
			t.Errorf("expected highest threshold first, got %+v", got)
		}
		c3, _ := svc.Classify("c3", asOf)
		if c3.TierLabel() != "Regular" {
			t.Errorf("expected c3 Regular under new rules, got %s", c3.TierLabel())
		}
	})

	t.Run("Persisted", func(t *testing.T) {
		saved, err := repo.ListRules(ctx)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(saved) != 2 || saved[0].Tier.Name != "Gold" {
			t.Errorf("unexpected persisted rules %+v", saved)
		}
	})

	t.Run("Published", func(t *testing.T) {
		var event domain.RulesUpdatedEvent
		receive(t, updates, &event)
		if event.Generation != 2 || len(event.Rules) != 2 {
			t.Errorf("unexpected event %+v", event)
		}
	})
}

func TestReclassify(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()
	imported := subscribe(t, eventBus, domain.TopicDatasetImported)
	completed := subscribe(t, eventBus, domain.TopicClassificationCompleted)

	repo := newMemoryRepo(t)
	svc := newTestService(t, WithRepository(repo), WithEventBus(eventBus))
	importTestData(t, svc)
	ctx := context.Background()

	var importEvent domain.DatasetImportedEvent
	receive(t, imported, &importEvent)
	if importEvent.Customers != 3 || importEvent.Visits != 7 || importEvent.Skipped != 2 {
		t.Errorf("unexpected import event %+v", importEvent)
	}

	run, err := svc.Reclassify(ctx, asOf)
	if err != nil {
		t.Fatalf("Reclassify failed: %v", err)
	}
	if run.Summary.Customers != 3 || run.Summary.Tiered != 2 || run.Summary.ByTier["VIP"] != 1 {
		t.Errorf("unexpected summary %+v", run.Summary)
	}
	if run.Metadata.RulesCount != 2 || run.Metadata.WindowMonths != 3 || !run.Metadata.UniquePerDay {
		t.Errorf("unexpected metadata %+v", run.Metadata)
	}

	t.Run("Stored", func(t *testing.T) {
		stored, err := svc.ClassificationRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("ClassificationRun failed: %v", err)
		}
		if len(stored.Classifications) != 3 || stored.Classifications[0].TierLabel() != "Super VIP" {
			t.Errorf("unexpected stored run %+v", stored)
		}
	})

	t.Run("UnknownRun", func(t *testing.T) {
		if _, err := svc.ClassificationRun(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Published", func(t *testing.T) {
		var event domain.ClassificationCompletedEvent
		receive(t, completed, &event)
		if event.RunID != run.ID || event.AsOf != "2024-03-15" {
			t.Errorf("unexpected event %+v", event)
		}
	})

	t.Run("RestoreIntoNewService", func(t *testing.T) {
		restored := newTestService(t, WithRepository(repo))
		if err := restored.Restore(ctx); err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		got, err := restored.Classify("c1", asOf)
		if err != nil {
			t.Fatalf("Classify after restore failed: %v", err)
		}
		if got.TierLabel() != "Super VIP" {
			t.Errorf("expected Super VIP after restore, got %s", got.TierLabel())
		}
	})
}

func TestExpressionStrategy(t *testing.T) {
	settings := defaultSettings()
	settings.Strategy = domain.StrategyExpression

	t.Run("DerivedFromRules", func(t *testing.T) {
		svc, err := NewService(settings, nil)
		if err != nil {
			t.Fatalf("NewService failed: %v", err)
		}
		importTestData(t, svc)
		for id, want := range map[string]string{"c1": "Super VIP", "c2": "VIP", "c3": domain.NoTierLabel} {
			got, err := svc.Classify(id, asOf)
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if got.TierLabel() != want {
				t.Errorf("%s: expected %s, got %s", id, want, got.TierLabel())
			}
		}
	})

	t.Run("CustomExpressions", func(t *testing.T) {
		exprs := []rules.TierExpression{
			{Tier: domain.LoyaltyTier{Name: "Regular", Priority: 1}, Expression: "visits >= 1"},
		}
		svc, err := NewService(settings, nil, WithExpressions(exprs))
		if err != nil {
			t.Fatalf("NewService failed: %v", err)
		}
		importTestData(t, svc)
		got, err := svc.Classify("c3", asOf)
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if got.TierLabel() != "Regular" {
			t.Errorf("expected Regular, got %s", got.TierLabel())
		}

		run, err := svc.ClassifyAll(context.Background(), asOf)
		if err != nil {
			t.Fatalf("ClassifyAll failed: %v", err)
		}
		if run.Metadata.RulesCount != 1 {
			t.Errorf("expected rule count of the expressions in use, got %d", run.Metadata.RulesCount)
		}
	})

	t.Run("SetRulesReplacesExpressions", func(t *testing.T) {
		exprs := []rules.TierExpression{
			{Tier: domain.LoyaltyTier{Name: "VIP", Priority: 1}, Expression: "visits >= 2"},
		}
		svc, err := NewService(settings, nil, WithExpressions(exprs))
		if err != nil {
			t.Fatalf("NewService failed: %v", err)
		}
		importTestData(t, svc)
		before := svc.Generation()

		gold := []domain.LoyaltyRule{
			{MinVisits: 1, WindowMonths: 3, Tier: domain.LoyaltyTier{Name: "Gold", Priority: 1}},
		}
		if err := svc.SetRules(context.Background(), gold); err != nil {
			t.Fatalf("SetRules failed: %v", err)
		}
		if svc.Generation() != before+1 {
			t.Errorf("expected generation bump, got %d", svc.Generation())
		}
		for _, id := range []string{"c1", "c3"} {
			got, err := svc.Classify(id, asOf)
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if got.TierLabel() != "Gold" {
				t.Errorf("%s: expected Gold under new rules, got %s", id, got.TierLabel())
			}
		}
		run, err := svc.ClassifyAll(context.Background(), asOf)
		if err != nil {
			t.Fatalf("ClassifyAll failed: %v", err)
		}
		if run.Metadata.RulesCount != 1 || run.Summary.ByTier["Gold"] != 3 {
			t.Errorf("unexpected run %+v / %+v", run.Metadata, run.Summary)
		}
	})
}
