package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/artpar/usagegate/adapters/metrics"
	"github.com/artpar/usagegate/app"
	"github.com/artpar/usagegate/domain/errs"
	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
)

// RouterConfig holds optional router configuration.
type RouterConfig struct {
	Metrics        *metrics.Collector
	MetricsHandler http.Handler // Defaults to promhttp.Handler() when Metrics is set
	Admin          *AdminHandler
	RequestTimeout time.Duration
}

// NewRouter creates the main HTTP router.
func NewRouter(h *Handler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.Use(middleware.Timeout(timeout))

	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	r.Get("/healthz", Liveness)
	r.Get("/version", Version)
	r.Get("/health/webhooks", h.WebhookHealth)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	} else if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/.well-known/openapi.json", OpenAPI)
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/.well-known/openapi.json"),
	))

	// Unauthenticated; the signature is verified inside.
	r.Post("/webhooks/stripe", h.ReceiveWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/ratelimit/check", h.CheckRateLimit)

		// Limited per charged user and per IP inside the handler.
		r.Post("/quota/check", h.CheckQuota)

		r.Group(func(r chi.Router) {
			r.Use(NewRateLimitMiddleware(h.rateLimit, logger))
			r.Post("/quota/rollback", h.RollbackQuota)
			r.Get("/usage/{userID}", h.GetUsage)
		})
	})

	if cfg.Admin != nil {
		r.Mount("/admin", cfg.Admin.Router())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	return r
}

// NewRateLimitMiddleware limits requests per client IP.
func NewRateLimitMiddleware(svc *app.RateLimitService, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			req := ratelimit.Request{Identifier: ratelimit.IPIdentifier(ip), Class: ratelimit.ClassGeneral, IP: ip}
			if enforceRateLimit(w, r, svc, req, logger) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// enforceRateLimit runs one check and writes the denial when req may not
// proceed. Rate-limit headers are set either way.
func enforceRateLimit(w http.ResponseWriter, r *http.Request, svc *app.RateLimitService, req ratelimit.Request, logger zerolog.Logger) bool {
	res, err := svc.CheckRateLimit(r.Context(), req)
	setRateLimitHeaders(w, res)
	if err != nil {
		if errs.KindOf(err) == errs.KindValidation {
			writeErr(w, err)
			return false
		}
		logger.Warn().Err(err).Str("identifier", string(req.Identifier)).Msg("rate limit check failed closed")
		writeError(w, http.StatusServiceUnavailable, "rate_limit_unavailable", "rate limit could not be verified; retry shortly")
		return false
	}
	if !res.Allowed {
		msg := "too many requests; retry after the indicated delay"
		if res.Reason == ratelimit.ReasonSuspended {
			msg = "access temporarily suspended"
		}
		writeError(w, http.StatusTooManyRequests, res.Reason, msg)
		return false
	}
	return true
}

// clientIP returns the request's remote address without the port.
// middleware.RealIP has already applied X-Forwarded-For and X-Real-IP.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if strings.HasPrefix(addr, "[") {
		if idx := strings.Index(addr, "]"); idx != -1 {
			return addr[1:idx]
		}
	}
	if strings.Count(addr, ":") == 1 {
		return addr[:strings.LastIndex(addr, ":")]
	}
	return addr
}

// NewMetricsMiddleware creates middleware that records request metrics.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			path := routePattern(r)
			status := statusLabel(ww.Status())
			m.RequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			m.RequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		})
	}
}

// routePattern prefers the matched chi pattern so path parameters do not
// explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return metrics.NormalizePath(p)
		}
	}
	return metrics.NormalizePath(r.URL.Path)
}

// statusLabel returns a string label for the status code.
func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// NewLoggingMiddleware logs HTTP requests.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
