package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/messenger-platform/messaging-service/internal/middleware"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

// RouterConfig wires handlers and middleware settings into a router.
type RouterConfig struct {
	Health        *HealthHandler
	Users         *UserHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Streams       *StreamHandler
	Media         *MediaHandler

	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	AllowedOrigins    []string
	Logger            *logger.Logger
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.VerifyOwner(cfg.Users.service.Verify))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/users", func(r chi.Router) {
			r.Post("/", cfg.Users.Register)
			r.Get("/", cfg.Users.Search)
			r.Get("/exists", cfg.Users.Exists)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", cfg.Conversations.List)
			r.Get("/lookup", cfg.Conversations.Lookup)
			r.Get("/stream", cfg.Streams.Conversations)
			r.Get("/ws", cfg.Streams.ConversationsWS)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", cfg.Conversations.Delete)
				r.Post("/read", cfg.Conversations.MarkRead)

				// Messages
				r.Get("/messages", cfg.Messages.List)

				// Streaming
				r.Get("/stream", cfg.Streams.Messages)
				r.Get("/ws", cfg.Streams.MessagesWS)
			})
		})

		r.Post("/messages", cfg.Messages.Send)
		r.Post("/media/{kind}", cfg.Media.Upload)
	})

	return r
}
