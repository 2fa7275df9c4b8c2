package api

import (
	"expvar"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sentinelhooks/internal"
	"sentinelhooks/pkg/storage"
)

// RouterConfig lists what the HTTP surface exposes. Nil handlers are not
// mounted; DebugVars mounts expvar on /debug/vars.
type RouterConfig struct {
	WebhookPath    string
	Webhook        http.Handler
	MetricsPath    string
	Metrics        SnapshotReader
	MetricsTimeout time.Duration
	DebugVars      bool
	Deliveries     storage.DeliveryStore
	RateLimitRPS   int64
	RateLimitBurst int64
	Logger         *slog.Logger
}

// NewRouter builds the service's HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = internal.NewLogger("http")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthz)

	if cfg.Webhook != nil {
		r.Method(http.MethodPost, cfg.WebhookPath,
			internal.NewRateLimitHandler(cfg.Webhook, cfg.RateLimitRPS, cfg.RateLimitBurst, 0))
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, cfg.MetricsPath, &QueueMetricsHandler{
			Reporter: cfg.Metrics,
			Timeout:  cfg.MetricsTimeout,
			Logger:   logger,
		})
	}
	if cfg.DebugVars {
		r.Method(http.MethodGet, "/debug/vars", expvar.Handler())
	}
	if cfg.Deliveries != nil {
		r.Method(http.MethodGet, "/deliveries", &DeliveriesHandler{Store: cfg.Deliveries, Logger: logger})
	}

	return otelhttp.NewHandler(r, "sentinelhooks")
}

// requestLogger logs every request without its body.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
