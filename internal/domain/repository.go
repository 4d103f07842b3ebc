// Package domain defines the core interfaces and types for Perch.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Dataset operations
	ReplaceDataset(ctx context.Context, dataset *Dataset) error
	LoadDataset(ctx context.Context) (*Dataset, error)

	// Rule configuration operations
	SaveRules(ctx context.Context, rules []LoyaltyRule) error
	ListRules(ctx context.Context) ([]LoyaltyRule, error)

	// Classification runs
	SaveClassificationRun(ctx context.Context, run *ClassificationRun) error
	GetClassificationRun(ctx context.Context, runID string) (*ClassificationRun, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific. ":memory:" keeps everything inside the process.
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
