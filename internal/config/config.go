// Package config loads Perch configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/perch/internal/domain"
)

// Load starts from domain.DefaultConfig and applies PERCH_* settings.
// Values come from the process environment first, then from envFiles
// (".env" when none are given). A missing default .env is not an error.
func Load(envFiles ...string) (*domain.Config, error) {
	fileVals, err := readEnvFiles(envFiles)
	if err != nil {
		return nil, err
	}

	l := &loader{
		lookup: func(key string) (string, bool) {
			if v, ok := os.LookupEnv(key); ok {
				return v, true
			}
			v, ok := fileVals[key]
			return v, ok
		},
	}
	cfg := domain.DefaultConfig()
	l.apply(cfg)

	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readEnvFiles(files []string) (map[string]string, error) {
	if len(files) == 0 {
		vals, err := godotenv.Read()
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading .env: %w", err)
		}
		return vals, nil
	}

	vals, err := godotenv.Read(files...)
	if err != nil {
		return nil, fmt.Errorf("reading env files: %w", err)
	}
	return vals, nil
}

// Validate rejects settings the service cannot start with.
func Validate(cfg *domain.Config) error {
	var errs []error
	if w := cfg.Classification.WindowMonths; w <= 0 || w > domain.MaxWindowMonths {
		errs = append(errs, fmt.Errorf("PERCH_WINDOW_MONTHS must be between 1 and %d, got %d", domain.MaxWindowMonths, w))
	}
	switch cfg.Classification.Strategy {
	case domain.StrategyWindow, domain.StrategyExpression:
	default:
		errs = append(errs, fmt.Errorf("PERCH_STRATEGY must be window or expression, got %q", cfg.Classification.Strategy))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("PERCH_DB_DRIVER must be sqlite or postgres, got %q", cfg.Repository.Driver))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("PERCH_PORT out of range: %d", cfg.Server.Port))
	}
	return errors.Join(errs...)
}

type loader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (l *loader) apply(cfg *domain.Config) {
	l.stringVar("PERCH_HOST", &cfg.Server.Host)
	l.intVar("PERCH_PORT", &cfg.Server.Port)
	l.intVar("PERCH_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	l.intVar("PERCH_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)

	var strategy string
	if l.stringVar("PERCH_STRATEGY", &strategy) {
		cfg.Classification.Strategy = domain.StrategyKind(strings.ToLower(strategy))
	}
	l.intVar("PERCH_WINDOW_MONTHS", &cfg.Classification.WindowMonths)
	l.boolVar("PERCH_UNIQUE_PER_DAY", &cfg.Classification.UniquePerDay)
	l.stringVar("PERCH_RULES_FILE", &cfg.Classification.RulesFile)
	l.stringVar("PERCH_DATASET", &cfg.DatasetPath)

	l.stringVar("PERCH_DB_DRIVER", &cfg.Repository.Driver)
	l.stringVar("PERCH_SQLITE_PATH", &cfg.Repository.SQLitePath)
	l.stringVar("PERCH_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	l.intVar("PERCH_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	l.stringVar("PERCH_POSTGRES_USER", &cfg.Repository.PostgresUser)
	l.stringVar("PERCH_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	l.stringVar("PERCH_POSTGRES_DB", &cfg.Repository.PostgresDB)
	l.stringVar("PERCH_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	l.stringVar("PERCH_CACHE", &cfg.Cache.Type)
	l.intVar("PERCH_CACHE_SIZE", &cfg.Cache.LocalMaxSize)
	l.durationVar("PERCH_CACHE_TTL", &cfg.Cache.ReportTTL)
	l.stringVar("PERCH_REDIS_ADDR", &cfg.Cache.RedisAddr)
	l.stringVar("PERCH_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	l.intVar("PERCH_REDIS_DB", &cfg.Cache.RedisDB)
	l.boolVar("PERCH_CACHE_TWO_PHASE", &cfg.Cache.EnableTwoPhase)

	l.stringVar("PERCH_BUS", &cfg.EventBus.Type)
	l.intVar("PERCH_BUS_BUFFER", &cfg.EventBus.ChannelBufferSize)
	l.stringVar("PERCH_NATS_URL", &cfg.EventBus.NATSUrl)
	l.stringVar("PERCH_NATS_TOKEN", &cfg.EventBus.NATSToken)

	if l.stringVar("PERCH_RECLASSIFY_CRON", &cfg.Scheduler.Spec) {
		cfg.Scheduler.Enabled = cfg.Scheduler.Spec != ""
	}

	l.stringVar("PERCH_LOG_LEVEL", &cfg.Logging.Level)
	l.stringVar("PERCH_LOG_FORMAT", &cfg.Logging.Format)
	var debug bool
	if l.boolVar("PERCH_DEBUG", &debug) && debug {
		cfg.Logging.Level = "debug"
	}

	l.boolVar("PERCH_TRACING", &cfg.Tracing.Enabled)
	l.stringVar("PERCH_SERVICE_NAME", &cfg.Tracing.ServiceName)
}

func (l *loader) stringVar(key string, dst *string) bool {
	v, ok := l.lookup(key)
	if !ok {
		return false
	}
	*dst = strings.TrimSpace(v)
	return true
}

func (l *loader) intVar(key string, dst *int) bool {
	v, ok := l.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return false
	}
	*dst = n
	return true
}

func (l *loader) boolVar(key string, dst *bool) bool {
	v, ok := l.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return false
	}
	*dst = b
	return true
}

func (l *loader) durationVar(key string, dst *time.Duration) bool {
	v, ok := l.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return false
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return false
	}
	*dst = d
	return true
}
