package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/perch/internal/domain"
)

// Reports caches rendered report responses. Keys carry the dataset
// generation, so a new import or rule change leaves old entries unreachable
// until they expire.
type Reports struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewReports wraps c for report responses kept for ttl.
func NewReports(c domain.Cache, ttl time.Duration) *Reports {
	if c == nil {
		c = NopCache{}
	}
	return &Reports{cache: c, ttl: ttl}
}

// Key builds a report key such as "report:7:ranking:3:2024-03-15".
func (r *Reports) Key(generation uint64, kind string, params ...string) string {
	return fmt.Sprintf("report:%d:%s:%s", generation, kind, strings.Join(params, ":"))
}

// Get returns a cached response. Cache failures count as misses.
func (r *Reports) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("report cache read failed", "key", key, "error", err)
		return nil, false
	}
	return val, val != nil
}

// Put stores a response. Failures are logged and otherwise ignored.
func (r *Reports) Put(ctx context.Context, key string, value []byte) {
	if err := r.cache.Set(ctx, key, value, r.ttl); err != nil {
		slog.Warn("report cache write failed", "key", key, "error", err)
	}
}
