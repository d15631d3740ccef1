package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/config"
	"github.com/AerNos/firefrp-server/internal/credential"
	"github.com/AerNos/firefrp-server/internal/frps"
	"github.com/AerNos/firefrp-server/internal/metrics"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in the app after all components are initialized and passed to
// NewRouter as a single struct.
type RouterConfig struct {
	Credentials *credential.Service
	Config      *config.Config
	Metrics     *metrics.Metrics
	Limiter     *RateLimiter
	Logger      *zap.Logger

	// Plugin serves the frps callback endpoint. It is mounted outside the
	// RealIP group: its loopback check must see the raw socket peer.
	Plugin http.Handler
}

// NewRouter builds the fully configured Chi router. Client routes live
// under /api/v1; the frps plugin callback and the metrics endpoint are
// loopback-only and mounted at the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(Recover(cfg.Logger))

	validateHandler := NewValidateHandler(cfg.Credentials, cfg.Config, cfg.Metrics, cfg.Logger)
	infoHandler := NewInfoHandler(cfg.Config, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		// RealIP resolves the client behind a reverse proxy for rate
		// limiting. It stays scoped to this group so the loopback-guarded
		// routes below keep seeing the socket peer.
		r.Use(middleware.RealIP)

		r.With(RateLimit(cfg.Limiter)).Post("/validate", validateHandler.Validate)
		r.Get("/server-info", infoHandler.ServerInfo)
	})

	r.Get("/health", infoHandler.Health)

	if cfg.Plugin != nil {
		r.Method(http.MethodPost, frps.PluginPath, cfg.Plugin)
	}
	r.Method(http.MethodGet, "/metrics", LoopbackOnly(cfg.Metrics.Handler()))

	return r
}
