package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels or NATS.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names for the classification pipeline.
const (
	TopicDatasetImported         = "perch.dataset.imported"
	TopicRulesUpdated            = "perch.rules.updated"
	TopicReclassifyRequested     = "perch.reclassify.requested"
	TopicClassificationCompleted = "perch.classification.completed"
)

// DatasetImportedEvent is published after a dataset replaces the current one.
type DatasetImportedEvent struct {
	Generation uint64 `json:"generation"`
	Customers  int    `json:"customers"`
	Visits     int    `json:"visits"`
	Skipped    int    `json:"skipped"`
}

// RulesUpdatedEvent is published after the rule set is replaced.
type RulesUpdatedEvent struct {
	Generation uint64        `json:"generation"`
	Rules      []LoyaltyRule `json:"rules"`
}

// ReclassifyRequest asks workers to classify every customer. An empty AsOf
// means today.
type ReclassifyRequest struct {
	AsOf   string `json:"asOf,omitempty"`
	Reason string `json:"reason"`
}

// ClassificationCompletedEvent summarizes a finished classification run.
type ClassificationCompletedEvent struct {
	RunID   string     `json:"runId"`
	AsOf    string     `json:"asOf"`
	Summary RunSummary `json:"summary"`
}
