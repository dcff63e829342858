package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/cps-scaffold/internal/events"
	"github.com/ashureev/cps-scaffold/internal/export"
	"github.com/ashureev/cps-scaffold/internal/identity"
	"github.com/ashureev/cps-scaffold/internal/ledger"
	"github.com/ashureev/cps-scaffold/internal/middleware"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Ledger         *ledger.Service
	Turns          TurnHandler
	Counter        TurnCounter
	Export         export.Source
	DB             Pinger
	Hub            *events.Hub
	Limiter        *RateLimiter
	AllowedOrigins []string
	IsDev          bool
}

// NewRouter builds the chi router with global middleware and every route.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Hub == nil {
		cfg.Hub = events.NewHub(0)
	}

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDev))

	NewHealthHandler(cfg.DB).RegisterHealth(r)
	NewSessionHandler(cfg.Ledger, cfg.Hub).RegisterRoutes(r)
	NewChatHandler(cfg.Turns, cfg.Limiter).RegisterRoutes(r)
	NewResearchHandler(cfg.Ledger, cfg.Counter, cfg.Export).RegisterRoutes(r)
	NewStageFeedHandler(cfg.Ledger, cfg.Counter, cfg.Hub, cfg.AllowedOrigins).RegisterRoutes(r)

	return r
}
