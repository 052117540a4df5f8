package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/solucity-dev/solucity-sub000/internal/platform/httpx"
)

const (
	defaultAPIPrefix      = "/api/v1"
	defaultRequestTimeout = 30 * time.Second
)

// RouteRegistrar attaches handlers to a route group.
type RouteRegistrar func(r chi.Router)

// Option customises NewRouter.
type Option func(*routerConfig)

type middlewareChain []func(http.Handler) http.Handler

func (c middlewareChain) apply(r chi.Router) {
	for _, mw := range c {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// routeGroup is one prefix under the API base path. A nil registrar answers 501 for every path.
type routeGroup struct {
	prefix    string
	registrar RouteRegistrar
	guards    middlewareChain
}

type routerConfig struct {
	basePath string
	timeout  time.Duration
	global   middlewareChain
	health   *HealthHandlers
	metrics  http.Handler
	orders   routeGroup
	internal routeGroup
}

// NewRouter builds the HTTP surface: probes at the root, /metrics when configured, and the order
// and internal groups under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		timeout:  defaultRequestTimeout,
		orders:   routeGroup{prefix: "/orders"},
		internal: routeGroup{prefix: "/internal"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.CleanPath)
	if cfg.timeout > 0 {
		r.Use(middleware.Timeout(cfg.timeout))
	}
	cfg.global.apply(r)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		msg := fmt.Sprintf("%s is not allowed on %s", req.Method, req.URL.Path)
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", msg, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range []routeGroup{cfg.orders, cfg.internal} {
			group := group
			api.Route(group.prefix, func(sub chi.Router) {
				group.guards.apply(sub)
				if group.registrar == nil {
					notImplemented(sub, strings.TrimPrefix(group.prefix, "/"))
					return
				}
				group.registrar(sub)
			})
		}
	})
	return r
}

// WithBasePath mounts the API groups under prefix instead of /api/v1.
func WithBasePath(prefix string) Option {
	return func(cfg *routerConfig) {
		prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
		if prefix != "/" {
			cfg.basePath = prefix
		}
	}
}

// WithRequestTimeout bounds every request. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d >= 0 {
			cfg.timeout = d
		}
	}
}

// WithMiddlewares appends global middleware, run after request id and timeout handling.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.global = append(cfg.global, mw...)
	}
}

// WithHealthHandlers replaces the probe handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.metrics = h
	}
}

// WithOrderRoutes sets the registrar for /orders.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.orders.registrar = reg
	}
}

// WithInternalRoutes sets the registrar for /internal.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal.registrar = reg
	}
}

// WithInternalMiddlewares guards the /internal group, typically with OIDC verification.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internal.guards = append(cfg.internal.guards, mw...)
	}
}

func notImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes are not configured", http.StatusNotImplemented))
	}
	r.HandleFunc("/", handler)
	r.HandleFunc("/*", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
