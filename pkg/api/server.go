package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/httputil"
	"github.com/atriumhq/atrium/pkg/middleware"
	"github.com/atriumhq/atrium/pkg/observability"
	"github.com/atriumhq/atrium/pkg/orgs"
)

// RouteRegistrar is the handler-struct convention: each feature area
// bundles its routes and mounts them on a router.
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// ServerDeps carries the cross-cutting collaborators the middleware
// pipeline needs. Limiter is optional; without it no rate limiting is
// applied. ReadyChecks gate the readiness probe.
type ServerDeps struct {
	Logger          *observability.Logger
	Metrics         *observability.Metrics
	MetricsRegistry *prometheus.Registry
	Verifier        auth.TokenVerifier
	Orgs            *orgs.Service
	Limiter         *middleware.RateLimiter
	ReadyChecks     []func(context.Context) error
}

// Server owns the router hierarchy and the http.Server. Feature handlers
// are mounted with Mount (authenticated) or MountScoped (authenticated +
// org membership + rate limit).
type Server struct {
	router     *mux.Router
	apiRouter  *mux.Router
	orgScoped  *mux.Router
	httpServer *http.Server
	logger     *observability.Logger
	deps       ServerDeps
	config     ServerConfig
}

// NewServer builds the router hierarchy and middleware pipeline. Probe and
// metrics endpoints sit outside authentication; everything under /api/v1
// requires a bearer token.
func NewServer(config ServerConfig, deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	root := mux.NewRouter()

	s := &Server{
		router: root,
		logger: logger,
		deps:   deps,
		config: config,
	}

	root.HandleFunc("/healthz", s.healthz).Methods("GET")
	root.HandleFunc("/readyz", s.readyz).Methods("GET")
	metricsHandler := promhttp.Handler()
	if deps.MetricsRegistry != nil {
		metricsHandler = promhttp.HandlerFor(deps.MetricsRegistry, promhttp.HandlerOpts{})
	}
	root.Handle("/metrics", metricsHandler).Methods("GET")

	apiRouter := root.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(middleware.Recovery(logger))
	apiRouter.Use(middleware.RequestScope(logger))
	apiRouter.Use(middleware.RequestLogging())
	if deps.Metrics != nil {
		apiRouter.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}
	authn := middleware.NewAuthentication(deps.Verifier, deps.Orgs)
	apiRouter.Use(authn.Handler)
	s.apiRouter = apiRouter

	orgScoped := apiRouter.NewRoute().Subrouter()
	if deps.Limiter != nil {
		orgScoped.Use(deps.Limiter.Handler)
	}
	orgScoped.Use(middleware.OrgContext(deps.Orgs))
	s.orgScoped = orgScoped

	return s
}

// Mount registers routes on the authenticated router. Used for surfaces
// that do their own org checks, like org management and the MCP endpoint.
func (s *Server) Mount(registrars ...RouteRegistrar) {
	for _, r := range registrars {
		r.RegisterRoutes(s.apiRouter)
	}
}

// MountScoped registers routes on the org-scoped router: requests carry a
// verified membership and pass the rate limiter before reaching handlers.
func (s *Server) MountScoped(registrars ...RouteRegistrar) {
	for _, r := range registrars {
		r.RegisterRoutes(s.orgScoped)
	}
}

// MountPublic registers routes on the root router, outside authentication.
// Only the login flow belongs here.
func (s *Server) MountPublic(registrars ...RouteRegistrar) {
	for _, r := range registrars {
		r.RegisterRoutes(s.router)
	}
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      otelhttp.NewHandler(s.router, "atrium.http"),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.logger.WithField("addr", s.config.Addr).Info("http server listening")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}

// readyz runs the registered dependency checks; the first failure flips
// the probe to 503.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.deps.ReadyChecks {
		if err := check(r.Context()); err != nil {
			s.logger.WithError(err).Warn("readiness check failed")
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	httputil.WriteSuccess(w, map[string]string{"status": "ready"})
}
