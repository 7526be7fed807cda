package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"web-transcriber/internal/apperr"
	"web-transcriber/internal/platform/logger"
	"web-transcriber/internal/platform/metrics"
)

// RouterConfig carries what NewRouter needs besides the handler.
type RouterConfig struct {
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	// AuthLimit requests per AuthWindow per client IP reach authenticate.
	// Defaults: 5 per 15 minutes.
	AuthLimit  int
	AuthWindow time.Duration

	Log          *slog.Logger
	Metrics      *metrics.Metrics
	UpdateGauges func()
}

// NewRouter mounts the gateway endpoints.
func NewRouter(h *Handler, cfg RouterConfig) chi.Router {
	if cfg.AuthLimit <= 0 {
		cfg.AuthLimit = 5
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = 15 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(logger.RequestLogger(cfg.Log))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(metrics.RequestMiddleware(cfg.Metrics))
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler(cfg.UpdateGauges))
	}
	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.With(httprate.Limit(cfg.AuthLimit, cfg.AuthWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, req *http.Request) {
				h.writeError(w, req, apperr.NewRateLimited("too many authentication attempts, try again later", nil))
			}),
		)).Post("/authenticate", h.Authenticate)
		r.Post("/transcribe", h.Transcribe)
		r.Post("/summarize", h.Summarize)
	})
	return r
}
