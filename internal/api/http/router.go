package http

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/arkilian/bulkupsert/internal/observability"
)

// RouterConfig wires the handlers served by NewRouter.
type RouterConfig struct {
	Engine       Upserter
	Columns      *observability.ColumnStats
	MaxBodyBytes int64

	// Metrics is served at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	// Health serves /live and /ready when set.
	Health http.Handler

	// Wrap is applied to the API routes only, inside the default middleware.
	Wrap   func(http.Handler) http.Handler
	Logger *zap.Logger
}

// NewRouter builds the server mux.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("http")

	wrap := cfg.Wrap
	if wrap == nil {
		wrap = func(h http.Handler) http.Handler { return h }
	}

	api := http.NewServeMux()
	api.Handle("POST /v1/tables/{table}/upsert", NewUpsertHandler(cfg.Engine, cfg.MaxBodyBytes, logger))
	api.Handle("GET /v1/tables", &TablesHandler{engine: cfg.Engine})
	if cfg.Columns != nil {
		api.Handle("GET /v1/tables/{table}/columns", NewColumnsHandler(cfg.Columns))
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", DefaultMiddleware(logger)(wrap(api)))
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, cfg.Metrics)
	}
	if cfg.Health != nil {
		mux.Handle("GET /live", cfg.Health)
		mux.Handle("GET /ready", cfg.Health)
	}
	return mux
}
