package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/zapdesk/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/zapdesk/internal/http/middleware"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Webhook            http.Handler
	AdminConversations *handlers.AdminConversationsHandler
	AdminStats         *handlers.AdminStatsHandler
	AdminLive          *handlers.AdminLiveHandler
	AdminAuthSecret    string
	MetricsHandler     http.Handler
	CORS               httpmiddleware.DashboardCORS

	// Per-IP limit on the public webhook. Zero disables it.
	WebhookRateLimit float64
	WebhookRateBurst int
	// Stops background sweepers owned by the router.
	Done <-chan struct{}
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.CORS.Enabled() {
		r.Use(httpmiddleware.CORS(cfg.CORS))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", health)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Webhook != nil {
			hook := public
			if cfg.WebhookRateLimit > 0 {
				hook = public.With(httpmiddleware.RateLimit(cfg.WebhookRateLimit, cfg.WebhookRateBurst, cfg.Done))
			}
			hook.Post("/webhooks/evolution", cfg.Webhook.ServeHTTP)
		}
	})

	// Dashboard; the token subject scopes every call to one company.
	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			if cfg.AdminConversations != nil {
				admin.Get("/conversations", cfg.AdminConversations.ListConversations)
				admin.Route("/conversations/{id}", func(conv chi.Router) {
					conv.Post("/assume", cfg.AdminConversations.Assume)
					conv.Post("/release", cfg.AdminConversations.Release)
					conv.Post("/read", cfg.AdminConversations.MarkRead)
					conv.Get("/messages", cfg.AdminConversations.Messages)
				})
			}
			if cfg.AdminStats != nil {
				admin.Get("/stats", cfg.AdminStats.Stats)
			}
			if cfg.AdminLive != nil {
				admin.Handle("/live", cfg.AdminLive)
			}
		})
	}

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
