package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// BackendAPIKey guards the /internal routes. If empty, they are open
	// (development mode).
	BackendAPIKey string

	// JWTSecret verifies owner credentials on /v1. If empty, the owner is
	// taken from the X-Owner-ID header.
	JWTSecret string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.log))
	r.Use(Recoverer(h.log))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CorsAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", OwnerHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(OwnerAuth(cfg.JWTSecret))

		// Generation requests
		r.Post("/requests", h.CreateRequest)
		r.Get("/requests/{id}", h.GetRequest)
		r.Post("/requests/{id}/advance", h.AdvanceRequest)

		// Provider job reconciliation
		r.Post("/jobs/sync", h.SyncJob)

		// Loop renders
		r.Post("/visuals", h.CreateVisual)
		r.Get("/visuals/{id}", h.GetVisual)
		r.Post("/visuals/{id}/render", h.RenderVisual)
	})

	r.Route("/internal", func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}
		r.Post("/sweep", h.Sweep)
		r.Post("/clips", h.CreateClip)
	})

	return r
}

func allowedOrigins(raw string) []string {
	if raw == "" {
		return []string{"*"}
	}
	origins := strings.Split(raw, ",")
	trimmed := make([]string, 0, len(origins))
	for _, o := range origins {
		if s := strings.TrimSpace(o); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	if len(trimmed) == 0 {
		return []string{"*"}
	}
	return trimmed
}
