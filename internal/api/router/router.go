package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zapdesk/zapdesk-platform/internal/http/handlers"
	httpmiddleware "github.com/zapdesk/zapdesk-platform/internal/http/middleware"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger          *logging.Logger
	GatewayWebhooks *handlers.GatewayWebhookHandler
	AdminConsole    *handlers.AdminConsoleHandler
	MetricsHandler  http.Handler
	AdminAuthSecret string
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks).
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.GatewayWebhooks != nil {
			public.Post("/webhooks/gateway/events", cfg.GatewayWebhooks.HandleEvents)
		}
	})

	// Admin routes (protected by HMAC-signed JWT).
	if cfg.AdminConsole != nil && cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/transport", cfg.AdminConsole.GetTransportStatus)
			admin.Post("/transport/reconnect", cfg.AdminConsole.TriggerReconnect)
			admin.Get("/batches", cfg.AdminConsole.ListPendingBatches)
			admin.Post("/batches/{key}/flush", cfg.AdminConsole.FlushBatch)
			admin.Delete("/batches/{key}", cfg.AdminConsole.DiscardBatch)
			admin.Post("/messages:send", cfg.AdminConsole.SendMessage)
			admin.Get("/conversations/{key}/messages", cfg.AdminConsole.GetConversationHistory)
		})
	}

	return r
}
