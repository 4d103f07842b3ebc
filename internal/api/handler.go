package api

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/perch/internal/cache"
	"github.com/opensource-finance/perch/internal/domain"
	"github.com/opensource-finance/perch/internal/ingest"
	"github.com/opensource-finance/perch/internal/loyalty"
	"github.com/opensource-finance/perch/internal/report"
	"github.com/opensource-finance/perch/internal/repository"
	"github.com/opensource-finance/perch/internal/rules"
	"github.com/opensource-finance/perch/internal/velocity"
)

// MaxImportBytes bounds the size of an uploaded reservations CSV.
const MaxImportBytes = 32 << 20

const dateLayout = "2006-01-02"

// errBadRequest marks query and body errors found by the handlers.
var errBadRequest = errors.New("bad request")

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *loyalty.Service
	reports *cache.Reports
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
	today   func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	reports := deps.Reports
	if reports == nil {
		reports = cache.NewReports(nil, 0)
	}
	return &Handler{
		svc:     deps.Service,
		reports: reports,
		repo:    deps.Repository,
		cache:   deps.Cache,
		bus:     deps.EventBus,
		version: deps.Version,
		today:   velocity.Today,
	}
}

// TierResponse is the response for GET /customers/{id}/tier.
type TierResponse struct {
	CustomerID string              `json:"customerId"`
	Name       string              `json:"name"`
	Tier       *domain.LoyaltyTier `json:"tier"`
	Label      string              `json:"label"`
	AsOf       string              `json:"asOf"`
}

// MonthlyVisitsResponse is the response for GET /customers/{id}/visits/monthly.
type MonthlyVisitsResponse struct {
	CustomerID   string               `json:"customerId"`
	AsOf         string               `json:"asOf"`
	Months       domain.MonthlyVisits `json:"months"`
	Total        int                  `json:"total"`
	ActiveMonths int                  `json:"activeMonths"`
}

// TiersResponse is the response for GET /tiers.
type TiersResponse struct {
	AsOf    string            `json:"asOf"`
	Groups  []rules.TierGroup `json:"groups"`
	Summary domain.RunSummary `json:"summary"`
}

// RankingResponse is the response for GET /ranking.
type RankingResponse struct {
	AsOf    string                `json:"asOf"`
	Months  int                   `json:"months"`
	Entries []domain.RankingEntry `json:"entries"`
}

// RulesRequest is the request body for PUT /rules.
type RulesRequest struct {
	Rules []domain.LoyaltyRule `json:"rules"`
}

// RulesResponse is the response for GET and PUT /rules.
type RulesResponse struct {
	Rules        []domain.LoyaltyRule `json:"rules"`
	Strategy     domain.StrategyKind  `json:"strategy"`
	WindowMonths int                  `json:"windowMonths"`
	UniquePerDay bool                 `json:"uniquePerDay"`
	Generation   uint64               `json:"generation"`
}

// ImportResponse is the response for POST /import.
type ImportResponse struct {
	Stats      ingest.Stats `json:"stats"`
	Generation uint64       `json:"generation"`
}

// Health returns the health status of the server.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether a dataset is loaded and classifications can be served.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.svc.HasDataset() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"reason": loyalty.ErrNoDataset.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":      true,
		"generation": h.svc.Generation(),
	})
}

// Import replaces the dataset with the reservations CSV in the request body.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, MaxImportBytes)
	stats, err := h.svc.Import(r.Context(), body)
	if err != nil {
		slog.Error("import failed", "error", err, "rows", stats.Rows)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ImportResponse{
		Stats:      stats,
		Generation: h.svc.Generation(),
	})
}

// ListCustomers returns every customer in directory order.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.svc.Customers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customers": customers,
		"count":     len(customers),
	})
}

// GetCustomer returns one customer.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Customer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetTier classifies one customer.
func (h *Handler) GetTier(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, err)
		return
	}

	c, err := h.svc.Classify(chi.URLParam(r, "id"), asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TierResponse{
		CustomerID: c.CustomerID,
		Name:       c.Name,
		Tier:       c.Tier,
		Label:      c.TierLabel(),
		AsOf:       asOf.Format(dateLayout),
	})
}

// GetMonthlyVisits returns a customer's visits per calendar month.
func (h *Handler) GetMonthlyVisits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	asOf, months, err := h.reportParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	key := h.reports.Key(h.svc.Generation(), "monthly", id, strconv.Itoa(months), asOf.Format(dateLayout))
	h.cached(w, r, key, func() (any, error) {
		mv, err := h.svc.VisitsByMonth(id, months, asOf)
		if err != nil {
			return nil, err
		}
		return MonthlyVisitsResponse{
			CustomerID:   id,
			AsOf:         asOf.Format(dateLayout),
			Months:       mv,
			Total:        mv.Total(),
			ActiveMonths: mv.ActiveMonths(),
		}, nil
	})
}

// ListTiers classifies every customer and groups them by tier.
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, err)
		return
	}

	key := h.reports.Key(h.svc.Generation(), "tiers", asOf.Format(dateLayout))
	h.cached(w, r, key, func() (any, error) {
		run, err := h.svc.ClassifyAll(r.Context(), asOf)
		if err != nil {
			return nil, err
		}
		return TiersResponse{
			AsOf:    asOf.Format(dateLayout),
			Groups:  rules.GroupByTier(run.Classifications),
			Summary: run.Summary,
		}, nil
	})
}

// Ranking ranks customers by distinct visit days.
func (h *Handler) Ranking(w http.ResponseWriter, r *http.Request) {
	asOf, months, err := h.reportParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	key := h.reports.Key(h.svc.Generation(), "ranking", strconv.Itoa(months), asOf.Format(dateLayout))
	h.cached(w, r, key, func() (any, error) {
		entries, err := h.svc.Ranking(months, asOf)
		if err != nil {
			return nil, err
		}
		return RankingResponse{
			AsOf:    asOf.Format(dateLayout),
			Months:  months,
			Entries: entries,
		}, nil
	})
}

// ExportRanking streams the ranking as a CSV attachment.
func (h *Handler) ExportRanking(w http.ResponseWriter, r *http.Request) {
	asOf, months, err := h.reportParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.svc.Ranking(months, asOf)
	if err != nil {
		writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteRankingCSV(&buf, entries); err != nil {
		slog.Error("failed to render ranking csv", "error", err)
		writeError(w, err)
		return
	}

	filename := fmt.Sprintf("ranking-%s.csv", asOf.Format(dateLayout))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// GetRules returns the active rules and classification settings.
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rulesResponse())
}

// PutRules replaces the rule set.
func (h *Handler) PutRules(w http.ResponseWriter, r *http.Request) {
	var req RulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON request body", errBadRequest))
		return
	}

	if err := h.svc.SetRules(r.Context(), req.Rules); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.rulesResponse())
}

func (h *Handler) rulesResponse() RulesResponse {
	settings := h.svc.Settings()
	strategy := settings.Strategy
	if strategy == "" {
		strategy = domain.StrategyWindow
	}
	return RulesResponse{
		Rules:        h.svc.Rules(),
		Strategy:     strategy,
		WindowMonths: settings.WindowMonths,
		UniquePerDay: settings.UniquePerDay,
		Generation:   h.svc.Generation(),
	}
}

// CreateClassification runs, stores and announces a classification of
// every customer.
func (h *Handler) CreateClassification(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, err)
		return
	}

	run, err := h.svc.Reclassify(r.Context(), asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// GetClassification returns a stored classification run.
func (h *Handler) GetClassification(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("repository not available"))
		return
	}

	run, err := h.svc.ClassificationRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// cached serves key from the report cache, or renders it with build and
// stores the encoded response.
func (h *Handler) cached(w http.ResponseWriter, r *http.Request, key string, build func() (any, error)) {
	if body, ok := h.reports.Get(r.Context(), key); ok {
		w.Header().Set(CacheHeader, "HIT")
		writeRaw(w, http.StatusOK, body)
		return
	}

	v, err := build()
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, err)
		return
	}
	h.reports.Put(r.Context(), key, body)

	w.Header().Set(CacheHeader, "MISS")
	writeRaw(w, http.StatusOK, body)
}

// asOf reads the as_of query parameter, defaulting to today.
func (h *Handler) asOf(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return h.today(), nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: as_of must be YYYY-MM-DD, got %q", errBadRequest, raw)
	}
	return t, nil
}

// reportParams reads as_of and months. months defaults to the classification
// window.
func (h *Handler) reportParams(r *http.Request) (time.Time, int, error) {
	asOf, err := h.asOf(r)
	if err != nil {
		return time.Time{}, 0, err
	}

	months := h.svc.Settings().WindowMonths
	if raw := r.URL.Query().Get("months"); raw != "" {
		months, err = strconv.Atoi(raw)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("%w: months must be an integer, got %q", errBadRequest, raw)
		}
	}
	return asOf, months, nil
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		maxBytes *http.MaxBytesError
		csvErr   *csv.ParseError
	)
	switch {
	case errors.Is(err, loyalty.ErrCustomerNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, loyalty.ErrNoDataset):
		return http.StatusConflict
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest),
		errors.Is(err, loyalty.ErrInvalidMonths),
		errors.Is(err, domain.ErrInvalidRule),
		errors.Is(err, rules.ErrNoRules),
		errors.Is(err, ingest.ErrMissingColumns),
		errors.Is(err, repository.ErrInvalidInput),
		errors.As(err, &csvErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody(msg))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
