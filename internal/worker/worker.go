// Package worker reclassifies customers in the background when the dataset
// or rules change, or when a reclassification is requested.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/perch/internal/domain"
	"github.com/opensource-finance/perch/internal/loyalty"
	"github.com/opensource-finance/perch/internal/velocity"
)

// Reclassifier runs and records a full classification.
type Reclassifier interface {
	Reclassify(ctx context.Context, asOf time.Time) (*domain.ClassificationRun, error)
}

// Topics the worker reacts to.
var Topics = []string{
	domain.TopicDatasetImported,
	domain.TopicRulesUpdated,
	domain.TopicReclassifyRequested,
}

// Worker subscribes to pipeline events and reclassifies every customer.
type Worker struct {
	bus     domain.EventBus
	service Reclassifier
	today   func() time.Time

	// one run at a time
	runMu sync.Mutex

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new background worker.
func NewWorker(bus domain.EventBus, service Reclassifier) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		service: service,
		today:   velocity.Today,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to every worker topic.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, topic := range Topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("worker started", "topics", len(Topics))
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	asOf := w.today()
	reason := msg.Topic

	if msg.Topic == domain.TopicReclassifyRequested {
		var req domain.ReclassifyRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			slog.Error("failed to parse reclassify request",
				"message_id", msg.ID,
				"error", err,
			)
			return err
		}
		if req.AsOf != "" {
			t, err := time.Parse("2006-01-02", req.AsOf)
			if err != nil {
				return fmt.Errorf("invalid as_of %q: %w", req.AsOf, err)
			}
			asOf = t
		}
		if req.Reason != "" {
			reason = req.Reason
		}
	}

	return w.reclassify(ctx, asOf, reason)
}

func (w *Worker) reclassify(ctx context.Context, asOf time.Time, reason string) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	start := time.Now()
	slog.Debug("reclassifying",
		"as_of", asOf.Format("2006-01-02"),
		"reason", reason,
	)

	run, err := w.service.Reclassify(ctx, asOf)
	if errors.Is(err, loyalty.ErrNoDataset) {
		slog.Debug("nothing to reclassify, no dataset imported", "reason", reason)
		return nil
	}
	if err != nil {
		slog.Error("reclassification failed",
			"reason", reason,
			"error", err,
		)
		return err
	}

	slog.Info("customers reclassified",
		"run_id", run.ID,
		"reason", reason,
		"customers", run.Summary.Customers,
		"tiered", run.Summary.Tiered,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	// wait for an in-flight run
	w.runMu.Lock()
	w.runMu.Unlock()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
