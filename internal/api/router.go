package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/TaviloBreno/chat-laravel-angular/internal/api/middleware"
	"github.com/TaviloBreno/chat-laravel-angular/internal/handlers"
	"github.com/TaviloBreno/chat-laravel-angular/internal/store"
)

// RouterConfig carries what the router needs beyond the handlers.
type RouterConfig struct {
	AllowedOrigins     []string
	RateLimitWhitelist []string
	AutoBlock          bool
}

// NewRouter creates and configures the HTTP router. redis may be nil, in which
// case rate limiting is disabled.
func NewRouter(logger zerolog.Logger, cfg RouterConfig, h *handlers.Handler, auth *middleware.AuthMiddleware, ws http.Handler, redisStore *store.RedisStore) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // message bodies up to 5000 chars plus meta
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	if redisStore != nil {
		limiter := middleware.NewRateLimiter(redisStore, logger, middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlock,
		})
		r.Use(limiter.Middleware)
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Socket-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// The hub authenticates the upgrade itself so it can answer before upgrading.
	r.Get("/ws", ws.ServeHTTP)

	// Authenticated routes (require bearer token)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/broadcasting/auth", h.BroadcastingAuth)

		r.Post("/conversations", h.CreateConversation)
		r.Get("/conversations/{id}", h.GetConversation)
		r.Post("/conversations/{id}/participants", h.AddParticipant)
		r.Delete("/conversations/{id}/participants/{userID}", h.RemoveParticipant)
		r.Post("/conversations/{id}/messages", h.PostMessage)
		r.Post("/conversations/{id}/typing", h.Typing)
		r.Post("/conversations/{id}/typing-status", h.TypingStatus)

		r.Patch("/messages/{id}", h.UpdateMessage)
		r.Delete("/messages/{id}", h.DeleteMessage)
	})

	return r
}
