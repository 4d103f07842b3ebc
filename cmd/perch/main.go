// Perch - loyalty tiers from reservation history.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/perch/internal/api"
	"github.com/opensource-finance/perch/internal/bus"
	"github.com/opensource-finance/perch/internal/cache"
	"github.com/opensource-finance/perch/internal/config"
	"github.com/opensource-finance/perch/internal/domain"
	"github.com/opensource-finance/perch/internal/loyalty"
	"github.com/opensource-finance/perch/internal/repository"
	"github.com/opensource-finance/perch/internal/rules"
	"github.com/opensource-finance/perch/internal/scheduler"
	"github.com/opensource-finance/perch/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	slog.Info("starting perch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"strategy", cfg.Classification.Strategy,
		"window_months", cfg.Classification.WindowMonths,
		"unique_per_day", cfg.Classification.UniquePerDay,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	if cfg.Tracing.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		slog.Info("trace context propagation enabled", "service", cfg.Tracing.ServiceName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Rules come from the rules file or the stock program; persisted rules
	// replace them in Restore.
	ruleSet, opts, err := loadRules(cfg.Classification.RulesFile)
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	opts = append(opts, loyalty.WithRepository(repo), loyalty.WithEventBus(busImpl))

	svc, err := loyalty.NewService(cfg.Classification, ruleSet, opts...)
	if err != nil {
		slog.Error("failed to initialize loyalty service", "error", err)
		os.Exit(1)
	}
	if err := svc.Restore(ctx); err != nil {
		slog.Error("failed to restore state", "error", err)
		os.Exit(1)
	}
	slog.Info("loyalty service initialized", "rules_count", len(svc.Rules()))

	// Worker subscribes before the startup import so that import triggers
	// the first classification run.
	reclassifier := worker.NewWorker(busImpl, svc)
	if err := reclassifier.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	if cfg.DatasetPath != "" {
		stats, err := svc.ImportFile(ctx, cfg.DatasetPath)
		if err != nil {
			slog.Error("failed to import dataset", "path", cfg.DatasetPath, "error", err)
			os.Exit(1)
		}
		slog.Info("dataset imported", "path", cfg.DatasetPath, "customers", stats.Customers, "visits", stats.Imported)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(busImpl, cfg.Scheduler.Spec)
		if err := sched.Start(); err != nil {
			slog.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Service:    svc,
		Reports:    cache.NewReports(cacheImpl, cfg.Cache.ReportTTL),
		Repository: repo,
		Cache:      cacheImpl,
		EventBus:   busImpl,
		Version:    Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("perch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if err := reclassifier.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("perch shutdown complete")
}

func setupLogging(cfg domain.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadRules reads the rules file when one is configured. A file holding only
// expressions keeps the stock threshold rules.
func loadRules(path string) (*rules.RuleSet, []loyalty.Option, error) {
	if path == "" {
		return rules.NewRuleSet(rules.DefaultRules()), nil, nil
	}

	f, err := rules.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	ruleList := f.Rules
	if len(ruleList) == 0 {
		ruleList = rules.DefaultRules()
	}

	var opts []loyalty.Option
	if len(f.Expressions) > 0 {
		opts = append(opts, loyalty.WithExpressions(f.Expressions))
	}
	slog.Info("rules file loaded", "path", path, "rules_count", len(f.Rules), "expressions", len(f.Expressions))
	return rules.NewRuleSet(ruleList), opts, nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                  PERCH                    |")
	fmt.Println("  |      Loyalty tiers from reservations      |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Strategy: %s (%d months)\n", cfg.Classification.Strategy, cfg.Classification.WindowMonths)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /import                          - Replace the reservations dataset (CSV)")
	fmt.Println("    GET  /customers                       - List customers")
	fmt.Println("    GET  /customers/{id}/tier             - Tier of one customer")
	fmt.Println("    GET  /customers/{id}/visits/monthly   - Visits per month")
	fmt.Println("    GET  /tiers                           - Customers grouped by tier")
	fmt.Println("    GET  /ranking                         - Top customers by visit days")
	fmt.Println("    GET  /ranking/export                  - Ranking as CSV")
	fmt.Println("    GET  /rules  PUT /rules               - Read or replace tier rules")
	fmt.Println("    POST /classifications                 - Classify and store a run")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
