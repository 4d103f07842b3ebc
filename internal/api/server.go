package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/perch/internal/cache"
	"github.com/opensource-finance/perch/internal/domain"
	"github.com/opensource-finance/perch/internal/loyalty"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Deps are the collaborators the API serves from. Repository and EventBus
// are only used for health checks and may be nil.
type Deps struct {
	Service    *loyalty.Service
	Reports    *cache.Reports
	Repository domain.Repository
	Cache      domain.Cache
	EventBus   domain.EventBus
	Version    string
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Dataset
	router.Post("/import", handler.Import)

	// Customers
	router.Route("/customers", func(r chi.Router) {
		r.Get("/", handler.ListCustomers)
		r.Get("/{id}", handler.GetCustomer)
		r.Get("/{id}/tier", handler.GetTier)
		r.Get("/{id}/visits/monthly", handler.GetMonthlyVisits)
	})

	// Reports
	router.Get("/tiers", handler.ListTiers)
	router.Get("/ranking", handler.Ranking)
	router.Get("/ranking/export", handler.ExportRanking)

	// Rule management
	router.Get("/rules", handler.GetRules)
	router.Put("/rules", handler.PutRules)

	// Classification runs
	router.Post("/classifications", handler.CreateClassification)
	router.Get("/classifications/{id}", handler.GetClassification)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
