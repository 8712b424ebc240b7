package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/entityaudit/pkg/audit"
	"github.com/platinummonkey/entityaudit/pkg/httputil"
	"github.com/platinummonkey/entityaudit/pkg/observability"
)

// RouterConfig wires the HTTP surface of the audit service
type RouterConfig struct {
	Repo    audit.Repository
	Backend audit.Backend
	Logger  *observability.Logger

	// Optional; nil leaves the feature off
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Health   *observability.HealthChecker

	PrincipalHeader string
	MaxParamLength  int
	MaxBodyBytes    int64
	ServiceName     string
}

// NewRouter builds the service handler: audit routes plus health and metrics
// endpoints behind the request middleware, wrapped in OpenTelemetry tracing
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "entityaudit"
	}

	router := mux.NewRouter()

	middlewares := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.PrincipalHeaderMiddleware(cfg.PrincipalHeader),
		httputil.LoggingMiddleware(cfg.Logger),
		httputil.RecoveryMiddleware(cfg.Logger),
	}
	if cfg.MaxBodyBytes > 0 {
		middlewares = append(middlewares, httputil.MaxBytesMiddleware(cfg.MaxBodyBytes))
	}
	router.Use(routeSpanName, mux.MiddlewareFunc(httputil.Chain(middlewares...)))
	if cfg.Metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	}

	NewAuditHandlers(cfg.Repo, cfg.Backend, cfg.MaxParamLength, cfg.Logger).RegisterRoutes(router)
	if cfg.Health != nil {
		observability.RegisterHealthRoutes(router, cfg.Health)
	}
	if cfg.Registry != nil {
		observability.RegisterMetricsEndpoint(router, cfg.Registry)
	}

	return otelhttp.NewHandler(router, cfg.ServiceName)
}

// routeSpanName renames the request span after the matched route template
func routeSpanName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				trace.SpanFromContext(r.Context()).SetName(r.Method + " " + tmpl)
			}
		}
		next.ServeHTTP(w, r)
	})
}
