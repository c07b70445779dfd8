// Package router implements the Provider Router (spec.md §4.F): per-
// connector provider ordering, the local candidate/dispatch loop, the cloud
// branch, and failover across providers.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ollamafleet/gateway/internal/connector"
	"github.com/ollamafleet/gateway/internal/dispatch"
	"github.com/ollamafleet/gateway/internal/gatewayerr"
	"github.com/ollamafleet/gateway/internal/logger"
	"github.com/ollamafleet/gateway/internal/registry"
	"github.com/ollamafleet/gateway/internal/selector"
	"github.com/ollamafleet/gateway/internal/upstream"
)

// Provider is one of the two target classes a request can be routed to.
type Provider string

const (
	ProviderLocal Provider = "local"
	ProviderCloud Provider = "cloud"
)

// Outcome is the result of a successful routed request.
type Outcome struct {
	Response *upstream.ChatResponse
	Provider Provider
	NodeID   string
}

// Router ties the Candidate Selector, Dispatcher, and cloud Upstream Client
// together behind the provider-ordering rules of spec.md §4.F. The cloud
// branch alone is wrapped in a circuit breaker: the registry's own
// failure_count/degraded bookkeeping already gives node selection an exact,
// inspectable health signal, but the single cloud endpoint has no
// equivalent per-candidate fallback, so a breaker protects it from being
// hammered during an outage.
type Router struct {
	nodes       *registry.Store
	dispatcher  *dispatch.Dispatcher
	upstreamCli *upstream.Client
	cloudBreaker *gobreaker.CircuitBreaker
	log         *slog.Logger
}

func newCloudBreaker(log *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cloud-upstream",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.LogCircuitBreakerStateChange(log, name, from.String(), to.String())
		},
	})
}

// New constructs a Router.
func New(nodes *registry.Store, dispatcher *dispatch.Dispatcher, upstreamCli *upstream.Client, log *slog.Logger) *Router {
	if log == nil {
		log = logger.NewContextLogger(context.Background())
	}
	return &Router{
		nodes:        nodes,
		dispatcher:   dispatcher,
		upstreamCli:  upstreamCli,
		cloudBreaker: newCloudBreaker(log),
		log:          log,
	}
}

// providerOrder computes the ordering table from spec.md §4.F.
func providerOrder(c *connector.Connector) []Provider {
	prefer := providerFromPreference(c.RoutingPrefer)
	fallback := providerFromPreference(c.RoutingFallback)

	switch {
	case c.RoutingLocalOnly:
		return []Provider{ProviderLocal}
	case c.RoutingCloudOnly:
		if prefer == ProviderLocal {
			return []Provider{ProviderCloud}
		}
		return []Provider{prefer}
	default:
		order := []Provider{prefer}
		if fallback != "" && fallback != prefer {
			order = append(order, fallback)
		}
		return order
	}
}

func providerFromPreference(p connector.RoutingPreference) Provider {
	if p == connector.PreferLocal {
		return ProviderLocal
	}
	if p == "" {
		return ""
	}
	return ProviderCloud
}

// isCloudFreeOnly reports whether prefer/fallback selected the
// cloud_free_only routing mode for this slot.
func isCloudFreeOnly(c *connector.Connector, slot Provider) bool {
	if slot != ProviderCloud {
		return false
	}
	return c.RoutingPrefer == connector.PreferCloudFreeOnly || c.RoutingFallback == connector.PreferCloudFreeOnly
}

// Route attempts each provider in the connector's computed order, applying
// default_params before every attempt, and returns the first success.
func (r *Router) Route(ctx context.Context, c *connector.Connector, req upstream.ChatRequest) (*Outcome, error) {
	defaulted := upstream.ChatRequest(connector.ApplyDefaults(req, c.DefaultParams))
	order := providerOrder(c)

	var failures []gatewayerr.ProviderFailure

	for _, provider := range order {
		if isCloudFreeOnly(c, provider) && !connector.IsFreeModel(defaulted.Model()) {
			failures = append(failures, gatewayerr.ProviderFailure{Provider: string(provider), Reason: "model is not free-tier"})
			continue
		}

		switch provider {
		case ProviderLocal:
			outcome, reason, err := r.tryLocal(ctx, c, defaulted)
			if err == nil {
				return outcome, nil
			}
			failures = append(failures, gatewayerr.ProviderFailure{Provider: string(provider), Reason: reason})
		case ProviderCloud:
			outcome, reason, err := r.tryCloud(ctx, defaulted)
			if err == nil {
				return outcome, nil
			}
			failures = append(failures, gatewayerr.ProviderFailure{Provider: string(provider), Reason: reason})
		}
	}

	return nil, &gatewayerr.AllProvidersFailedError{Failures: failures}
}

func (r *Router) tryLocal(ctx context.Context, c *connector.Connector, req upstream.ChatRequest) (*Outcome, string, error) {
	candidates := selector.Select(r.nodes.Snapshot(), req.Model(), c.Priority)
	if len(candidates) == 0 {
		return nil, "no local candidates", gatewayerr.ErrNoCandidates
	}

	body, err := req.MarshalForNode()
	if err != nil {
		return nil, "failed to marshal request", err
	}

	var lastErr error
	for _, nodeID := range candidates {
		raw, err := r.dispatcher.Dispatch(ctx, nodeID, body)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, "request cancelled", ctx.Err()
			}
			continue
		}
		parsed, err := upstream.NormalizeResponse(raw.Body, string(ProviderLocal), nodeID)
		if err != nil {
			lastErr = err
			continue
		}
		return &Outcome{Response: parsed, Provider: ProviderLocal, NodeID: nodeID}, "", nil
	}

	if lastErr == nil {
		lastErr = gatewayerr.ErrNoCandidates
	}
	return nil, lastErr.Error(), lastErr
}

func (r *Router) tryCloud(ctx context.Context, req upstream.ChatRequest) (*Outcome, string, error) {
	result, err := r.cloudBreaker.Execute(func() (interface{}, error) {
		return r.upstreamCli.ChatCompletionCloud(ctx, req)
	})
	if err != nil {
		logger.NewContextLogger(ctx).Warn("cloud_provider_failed", "error", err)
		return nil, "provider error", err
	}
	resp := result.(*upstream.ChatResponse)
	return &Outcome{Response: resp, Provider: ProviderCloud}, "", nil
}
