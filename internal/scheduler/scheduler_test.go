package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/perch/internal/domain"
)

type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[topic] = append(b.published[topic], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Ping(context.Context) error { return nil }

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) messages(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[topic]
}

func TestTrigger(t *testing.T) {
	bus := &recordingBus{}
	s := New(bus, "@daily")

	if err := s.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	msgs := bus.messages(domain.TopicReclassifyRequested)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	var req domain.ReclassifyRequest
	if err := json.Unmarshal(msgs[0], &req); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if req.Reason != ReasonSchedule || req.AsOf != "" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestStartStop(t *testing.T) {
	t.Run("InvalidSpec", func(t *testing.T) {
		s := New(&recordingBus{}, "not a cron spec")
		if err := s.Start(); err == nil {
			t.Error("expected error for invalid spec")
		}
	})

	t.Run("NextRun", func(t *testing.T) {
		s := New(&recordingBus{}, "5 0 * * *")
		if !s.Next().IsZero() {
			t.Error("expected zero next run before Start")
		}
		if err := s.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		defer s.Stop(ctx)

		// cron computes the first run asynchronously after Start.
		deadline := time.Now().Add(time.Second)
		for s.Next().IsZero() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		next := s.Next()
		if next.IsZero() {
			t.Fatal("expected a planned run")
		}
		if next.Hour() != 0 || next.Minute() != 5 {
			t.Errorf("expected 00:05, got %s", next.Format("15:04"))
		}
	})
}
