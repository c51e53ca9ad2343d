package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/voice-receptionist/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/voice-receptionist/internal/http/middleware"
	"github.com/wolfman30/voice-receptionist/internal/webchat"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Sessions           *handlers.SessionsHandler
	Health             http.HandlerFunc
	Dashboard          http.Handler
	TelnyxWebhook      http.Handler
	MediaStreams       http.Handler
	Webchat            *webchat.Handler
	MetricsHandler     http.Handler
	RateLimiter        *httpmiddleware.RateLimiter
	CORSAllowedOrigins []string
	AdminAuthSecret    string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	health := cfg.Health
	if health == nil {
		health = handlers.Health(nil, nil, time.Now())
	}

	// Public endpoints (provider webhooks, media, webchat, health)
	r.Group(func(public chi.Router) {
		public.Get("/health", health)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.TelnyxWebhook != nil {
			public.Post("/webhooks/telnyx/voice", cfg.TelnyxWebhook.ServeHTTP)
		}
		if cfg.MediaStreams != nil {
			public.Get("/telephony/media", cfg.MediaStreams.ServeHTTP)
		}
		if cfg.Webchat != nil {
			public.Route("/chat", func(chat chi.Router) {
				if cfg.RateLimiter != nil {
					chat.Use(cfg.RateLimiter.Middleware)
				}
				chat.Get("/ws", cfg.Webchat.HandleWebSocket)
				chat.Post("/message", cfg.Webchat.HandleMessage)
				chat.Get("/history", cfg.Webchat.HandleHistory)
				chat.Get("/widget.js", cfg.Webchat.HandleWidgetJS)
			})
		}
	})

	// Operator routes. AdminJWT passes everything through when no secret is set.
	r.Group(func(admin chi.Router) {
		admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
		if cfg.Dashboard != nil {
			admin.Get("/ws/dashboard", cfg.Dashboard.ServeHTTP)
		}
		if s := cfg.Sessions; s != nil {
			admin.Get("/analytics", s.Analytics)
			admin.Route("/sessions", func(sr chi.Router) {
				sr.Post("/", s.Start)
				sr.Get("/", s.List)
				sr.Get("/history", s.History)
				sr.Route("/{id}", func(one chi.Router) {
					one.Get("/", s.Get)
					one.Post("/turns", s.Turn)
					one.Post("/audio", s.Audio)
					one.Post("/end", s.End)
				})
			})
		}
	})

	return r
}
