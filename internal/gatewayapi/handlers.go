package gatewayapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ollamafleet/gateway/internal/connector"
	"github.com/ollamafleet/gateway/internal/gatewayerr"
	"github.com/ollamafleet/gateway/internal/heartbeat"
	"github.com/ollamafleet/gateway/internal/logger"
	"github.com/ollamafleet/gateway/internal/ratelimit"
	"github.com/ollamafleet/gateway/internal/registry"
	"github.com/ollamafleet/gateway/internal/router"
	"github.com/ollamafleet/gateway/internal/upstream"
	"github.com/ollamafleet/gateway/internal/usage"
)

// usageRecordTimeout bounds how long a fire-and-forget usage write may run
// past the point the client already has its response, per spec.md §6's
// "must never block the reply... beyond a short bounded wait".
const usageRecordTimeout = 5 * time.Second

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	c, ok := connectorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing connector context")
		return
	}

	var req upstream.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	model := req.Model()
	if !c.IsModelAllowed(model) {
		writeError(w, http.StatusForbidden, "forbidden", "model not permitted for this connector")
		return
	}

	minuteLimit, hourLimit := effectiveLimits(c, s.defaultRateLimitPerMinute, s.defaultRateLimitPerHour)
	decision, err := s.limiter.Allow(r.Context(), c.ID, minuteLimit, hourLimit)
	if err != nil {
		logger.NewContextLogger(r.Context()).Error("rate_limit_check_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "rate limit check failed")
		return
	}
	if !decision.Allowed {
		writeRateLimited(w, decision)
		return
	}

	start := time.Now()
	outcome, err := s.router.Route(r.Context(), c, req)
	latency := time.Since(start)

	if err != nil {
		s.recordUsageAsync(usage.Event{
			ConnectorID: c.ID,
			Model:       model,
			Status:      http.StatusServiceUnavailable,
			LatencyMS:   latency.Milliseconds(),
			Error:       err.Error(),
		})

		var allFailed *gatewayerr.AllProvidersFailedError
		if asAllFailed(err, &allFailed) {
			writeAllProvidersFailed(w, allFailed)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "all_providers_failed", err.Error())
		return
	}

	nodeID := outcome.NodeID
	s.recordUsageAsync(usage.Event{
		ConnectorID: c.ID,
		Model:       model,
		Provider:    string(outcome.Provider),
		NodeID:      nodeID,
		TokensIn:    outcome.Response.Usage.PromptTokens,
		TokensOut:   outcome.Response.Usage.CompletionTokens,
		LatencyMS:   latency.Milliseconds(),
		Status:      http.StatusOK,
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(outcome.Response)
}

func asAllFailed(err error, target **gatewayerr.AllProvidersFailedError) bool {
	if af, ok := err.(*gatewayerr.AllProvidersFailedError); ok {
		*target = af
		return true
	}
	return false
}

func effectiveLimits(c *connector.Connector, defaultMinute, defaultHour int) (int, int) {
	minute := c.RateLimitPerMinute
	if minute <= 0 {
		minute = defaultMinute
	}
	hour := c.RateLimitPerHour
	if hour <= 0 {
		hour = defaultHour
	}
	return minute, hour
}

func writeRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":            "rate_limited",
		"minute_remaining": d.MinuteRemaining,
		"hour_remaining":   d.HourRemaining,
		"minute_reset":     d.MinuteReset,
		"hour_reset":       d.HourReset,
	})
}

func writeAllProvidersFailed(w http.ResponseWriter, e *gatewayerr.AllProvidersFailedError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     "all_providers_failed",
		"providers": e.Failures,
	})
}

func (s *Server) recordUsageAsync(e usage.Event) {
	if s.usageRecorder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), usageRecordTimeout)
		defer cancel()
		_ = s.usageRecorder.Record(ctx, e)
	}()
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	c, ok := connectorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing connector context")
		return
	}

	seen := make(map[string]bool)
	var data []modelEntry
	now := time.Now().Unix()

	for _, m := range c.AllowedModels {
		if m == "*" || seen[m] {
			continue
		}
		seen[m] = true
		data = append(data, modelEntry{ID: m, Object: "model", Created: now, OwnedBy: "connector"})
	}

	for _, n := range s.registry.Snapshot() {
		if n.Status != registry.StatusOnline {
			continue
		}
		for _, m := range n.Models {
			if m == "*" || seen[m] || !c.IsModelAllowed(m) {
				continue
			}
			seen[m] = true
			data = append(data, modelEntry{ID: m, Object: "model", Created: now, OwnedBy: "local"})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Node-Secret")
	if err := s.heartbeat.Authenticate(secret); err != nil {
		writeError(w, http.StatusForbidden, "forbidden", "bad node secret")
		return
	}

	var payload heartbeat.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed heartbeat body")
		return
	}

	node, err := s.heartbeat.Ingest(r.Context(), payload, r.RemoteAddr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "no reachable address in heartbeat")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "node_id": node.NodeID})
}

// handleRegistrySnapshot is an internal, read-only endpoint exposing the
// registry's current view, consumed by cmd/statusboard — not part of the
// client-facing API surface.
func (s *Server) handleRegistrySnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.registry.Snapshot())
}

// handleRateLimitPeek is an internal, read-only endpoint exposing a
// connector's remaining allowance in both windows without consuming a slot,
// consumed by cmd/statusboard. Remaining counts are computed against the
// gateway's default limits, not the connector's own configured limits.
func (s *Server) handleRateLimitPeek(w http.ResponseWriter, r *http.Request) {
	connectorID := chi.URLParam(r, "connectorID")
	if strings.TrimSpace(connectorID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing connector id")
		return
	}

	decision, err := s.limiter.Peek(r.Context(), connectorID, s.defaultRateLimitPerMinute, s.defaultRateLimitPerHour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "rate limit peek failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(decision)
}
