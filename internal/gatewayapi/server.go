package gatewayapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ollamafleet/gateway/internal/connector"
	"github.com/ollamafleet/gateway/internal/heartbeat"
	"github.com/ollamafleet/gateway/internal/ratelimit"
	"github.com/ollamafleet/gateway/internal/registry"
	"github.com/ollamafleet/gateway/internal/router"
	"github.com/ollamafleet/gateway/internal/usage"
)

// Server holds every collaborator the HTTP surface needs and builds the
// chi router wiring them together.
type Server struct {
	connectors connector.Store
	registry   *registry.Store
	heartbeat  *heartbeat.Ingestor
	limiter    *ratelimit.Limiter
	router     *router.Router
	usageRecorder usage.Recorder

	defaultRateLimitPerMinute int
	defaultRateLimitPerHour   int

	metricsHandler http.Handler
}

// SetMetricsHandler wires a /metrics scrape endpoint into Routes. Optional —
// a nil handler (the default) simply omits the route.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metricsHandler = h
}

// New constructs a Server from its collaborators.
func New(
	connectors connector.Store,
	reg *registry.Store,
	ingestor *heartbeat.Ingestor,
	limiter *ratelimit.Limiter,
	rtr *router.Router,
	usageRecorder usage.Recorder,
	defaultRateLimitPerMinute, defaultRateLimitPerHour int,
) *Server {
	return &Server{
		connectors:                connectors,
		registry:                  reg,
		heartbeat:                 ingestor,
		limiter:                   limiter,
		router:                    rtr,
		usageRecorder:             usageRecorder,
		defaultRateLimitPerMinute: defaultRateLimitPerMinute,
		defaultRateLimitPerHour:   defaultRateLimitPerHour,
	}
}

// Routes builds the full chi router: recovery, otel tracing, trace-id
// propagation, and request logging wrap every route; per-connector auth
// wraps only the client-facing API group.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			"http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(traceIDMiddleware)
	r.Use(requestLogMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(connectorAuthMiddleware(s.connectors))
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleModels)
	})

	r.Post("/api/nodes/heartbeat", s.handleHeartbeat)

	r.Route("/internal", func(r chi.Router) {
		r.Get("/registry/snapshot", s.handleRegistrySnapshot)
		r.Get("/ratelimit/{connectorID}", s.handleRateLimitPeek)
	})

	return r
}
