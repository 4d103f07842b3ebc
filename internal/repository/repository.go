// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/perch/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// timeLayout stores naive timestamps without a zone.
const timeLayout = "2006-01-02T15:04:05"

var _ domain.Repository = (*SQLRepository)(nil)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite", "":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool. An in-memory database lives and dies with its
	// single connection, so it keeps the pool openSQLite gave it.
	inMemory := cfg.Driver != "postgres" && (cfg.SQLitePath == "" || cfg.SQLitePath == MemoryPath)
	if !inMemory {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	repo := &SQLRepository{
		db:     db,
		driver: driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceDataset swaps the stored customers and visits for dataset's in a
// single transaction.
func (r *SQLRepository) ReplaceDataset(ctx context.Context, dataset *domain.Dataset) error {
	if dataset == nil {
		return fmt.Errorf("%w: dataset is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM visits", "DELETE FROM customers"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	insertCustomer, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO customers (id, seq, name, email, phone) VALUES (?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer insertCustomer.Close()

	for i, c := range dataset.FindAll() {
		if _, err := insertCustomer.ExecContext(ctx, c.ID, i, c.Name, c.Email, c.Phone); err != nil {
			return fmt.Errorf("customer %s: %w", c.ID, err)
		}
	}

	insertVisit, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO visits (id, seq, customer_id, visited_at, party_size) VALUES (?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer insertVisit.Close()

	for i, v := range dataset.Visits() {
		if _, err := insertVisit.ExecContext(ctx,
			v.ID, i, v.CustomerID, v.Timestamp.Format(timeLayout), v.PartySize,
		); err != nil {
			return fmt.Errorf("visit %s: %w", v.ID, err)
		}
	}

	return tx.Commit()
}

// LoadDataset rebuilds the stored dataset. An empty store yields an empty
// dataset.
func (r *SQLRepository) LoadDataset(ctx context.Context) (*domain.Dataset, error) {
	customers, err := r.loadCustomers(ctx)
	if err != nil {
		return nil, err
	}
	visits, err := r.loadVisits(ctx)
	if err != nil {
		return nil, err
	}
	return domain.NewDataset(customers, visits), nil
}

func (r *SQLRepository) loadCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, email, phone FROM customers ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []domain.Customer
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (r *SQLRepository) loadVisits(ctx context.Context) ([]domain.Visit, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, customer_id, visited_at, party_size FROM visits ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []domain.Visit
	for rows.Next() {
		var v domain.Visit
		var visitedAt string
		if err := rows.Scan(&v.ID, &v.CustomerID, &visitedAt, &v.PartySize); err != nil {
			return nil, err
		}
		if v.Timestamp, err = time.Parse(timeLayout, visitedAt); err != nil {
			return nil, fmt.Errorf("visit %s: %w", v.ID, err)
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// SaveRules replaces the stored rule set.
func (r *SQLRepository) SaveRules(ctx context.Context, rules []domain.LoyaltyRule) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM loyalty_rules"); err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeLayout)
	query := r.rebind(`
		INSERT INTO loyalty_rules (position, min_visits, window_months, tier_name, tier_priority, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	for i, rule := range domain.SortRules(rules) {
		if _, err := tx.ExecContext(ctx, query,
			i, rule.MinVisits, rule.WindowMonths, rule.Tier.Name, rule.Tier.Priority, now,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRules returns the stored rules in evaluation order.
func (r *SQLRepository) ListRules(ctx context.Context) ([]domain.LoyaltyRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT min_visits, window_months, tier_name, tier_priority
		FROM loyalty_rules
		ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.LoyaltyRule
	for rows.Next() {
		var rule domain.LoyaltyRule
		if err := rows.Scan(&rule.MinVisits, &rule.WindowMonths, &rule.Tier.Name, &rule.Tier.Priority); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// SaveClassificationRun stores a classification run.
func (r *SQLRepository) SaveClassificationRun(ctx context.Context, run *domain.ClassificationRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	classifications, err := json.Marshal(run.Classifications)
	if err != nil {
		return err
	}
	summary, _ := json.Marshal(run.Summary)
	metadata, _ := json.Marshal(run.Metadata)

	query := `
		INSERT INTO classification_runs (
			id, as_of, created_at, strategy, classifications, summary, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		run.ID, run.AsOf.Format(timeLayout), run.CreatedAt.UTC().Format(timeLayout), run.Strategy,
		string(classifications), string(summary), string(metadata),
	)
	return err
}

// GetClassificationRun retrieves a classification run by ID.
func (r *SQLRepository) GetClassificationRun(ctx context.Context, runID string) (*domain.ClassificationRun, error) {
	query := `
		SELECT id, as_of, created_at, strategy, classifications, summary, metadata
		FROM classification_runs
		WHERE id = ?
	`

	var run domain.ClassificationRun
	var asOf, createdAt, classifications, summary, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), runID).Scan(
		&run.ID, &asOf, &createdAt, &run.Strategy,
		&classifications, &summary, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if run.AsOf, err = time.Parse(timeLayout, asOf); err != nil {
		return nil, fmt.Errorf("failed to parse as_of: %w", err)
	}
	if run.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(classifications), &run.Classifications); err != nil {
		return nil, fmt.Errorf("failed to parse classifications: %w", err)
	}
	json.Unmarshal([]byte(summary), &run.Summary)
	json.Unmarshal([]byte(metadata), &run.Metadata)

	return &run, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
