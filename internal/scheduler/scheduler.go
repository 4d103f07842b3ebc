// Package scheduler requests periodic reclassification. The as-of date
// moves every day, so tiers can change with no new data.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/perch/internal/domain"
	"github.com/robfig/cron/v3"
)

// ReasonSchedule marks reclassify requests issued by the scheduler.
const ReasonSchedule = "schedule"

// Scheduler publishes reclassify requests on a cron spec.
type Scheduler struct {
	bus  domain.EventBus
	spec string
	cron *cron.Cron
}

// New creates a scheduler in the local time zone.
func New(bus domain.EventBus, spec string) *Scheduler {
	return &Scheduler{
		bus:  bus,
		spec: spec,
		cron: cron.New(cron.WithLocation(time.Local)),
	}
}

// Start registers the job and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.tick); err != nil {
		return fmt.Errorf("invalid reclassify schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	slog.Info("reclassify scheduler started", "spec", s.spec)
	return nil
}

// Stop halts the cron loop and waits for a running job, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out")
	}
}

// Next reports the next planned run, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	if err := s.Trigger(context.Background()); err != nil {
		slog.Error("scheduled reclassify failed", "error", err)
	}
}

// Trigger publishes one reclassify request for the current day.
func (s *Scheduler) Trigger(ctx context.Context) error {
	payload, err := json.Marshal(domain.ReclassifyRequest{Reason: ReasonSchedule})
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, domain.TopicReclassifyRequested, payload)
}
