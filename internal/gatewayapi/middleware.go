// Package gatewayapi wires the chi router, middleware stack, and HTTP
// handlers for the gateway's external and internal surfaces (spec.md §6).
package gatewayapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ollamafleet/gateway/internal/connector"
	"github.com/ollamafleet/gateway/internal/logger"
)

type contextKey string

const connectorContextKey contextKey = "connector"

// traceIDMiddleware generates or extracts a trace ID from the request header
// and injects it into the request context and response header.
func traceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(string(logger.TraceIDKey))
		if traceID == "" {
			traceID = uuid.New().String()
		}
		w.Header().Set(string(logger.TraceIDKey), traceID)
		ctx := context.WithValue(r.Context(), logger.TraceIDKey, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogMiddleware logs one line per request, including trace_id.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.NewContextLogger(r.Context()).Info(
			"http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

// connectorAuthMiddleware resolves the Authorization: Bearer <api_key>
// header against the connector.Store and stores the resolved Connector in the
// request context. Missing/malformed header is 401; an unknown or inactive
// credential is 403. Disallowed-model requests are classified by the handler.
func connectorAuthMiddleware(store connector.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed Authorization header")
				return
			}
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")

			c, ok, err := store.Lookup(r.Context(), connector.HashAPIKey(apiKey))
			if err != nil {
				logger.NewContextLogger(r.Context()).Error("connector_lookup_failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal_error", "connector lookup failed")
				return
			}
			if !ok {
				writeError(w, http.StatusForbidden, "forbidden", "unknown or inactive credential")
				return
			}

			ctx := context.WithValue(r.Context(), connectorContextKey, c)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func connectorFromContext(ctx context.Context) (*connector.Connector, bool) {
	c, ok := ctx.Value(connectorContextKey).(*connector.Connector)
	return c, ok
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
