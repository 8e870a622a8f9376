package api

import (
	"encoding/json"
	"net/http"

	"github.com/actionbridge/actionbridge/internal/api/handlers"
	"github.com/actionbridge/actionbridge/internal/api/middleware"
	"github.com/actionbridge/actionbridge/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.SystemExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAPIKeyAuth().Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-System-Id", "X-User-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Conversational surface
		r.Post("/conversations/{conversationID}/messages", h.PostMessage)

		// Action catalog management
		r.Route("/actions", func(r chi.Router) {
			r.Get("/", h.ListActions)
			r.Post("/", h.RegisterAction)
			r.Route("/{actionID}", func(r chi.Router) {
				r.Get("/", h.GetAction)
				r.Put("/", h.UpdateAction)
				r.Delete("/", h.DeleteAction)
			})
		})

		// Execution plans
		r.Route("/plans/{planID}", func(r chi.Router) {
			r.Get("/", h.GetPlan)
			r.Post("/steps/{stepID}/input", h.PostStepInput)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "actionbridge",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "actionbridge",
		})
	}
}
