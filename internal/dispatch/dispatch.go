// Package dispatch implements the Dispatcher (spec.md §4.E): given a
// candidate node id, it attempts connection strategies in priority order
// against a fresh registry snapshot and accounts for at most one failure
// per dispatch call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ollamafleet/gateway/internal/gatewayerr"
	"github.com/ollamafleet/gateway/internal/registry"
	"github.com/ollamafleet/gateway/internal/upstream"
)

// Dispatcher keeps no node state of its own: it holds a registry handle
// given at construction and reads a fresh value snapshot of the node on
// every call, breaking the node↔dispatcher↔registry reference cycle the
// design notes flag.
type Dispatcher struct {
	nodes    *registry.Store
	upstream *upstream.Client
	maxConsecutiveFailures int
}

// New constructs a Dispatcher bound to a registry and the shared Upstream
// Client.
func New(nodes *registry.Store, client *upstream.Client, maxConsecutiveFailures int) *Dispatcher {
	return &Dispatcher{nodes: nodes, upstream: client, maxConsecutiveFailures: maxConsecutiveFailures}
}

// strategy is one named reachability target, recomputed fresh from the
// current node snapshot at every Dispatch call.
type strategy struct {
	name      string
	targetURL string
}

func strategiesFor(n registry.NodeState) []strategy {
	var out []strategy
	if n.TunnelURL != "" {
		out = append(out, strategy{name: "tunnel_url", targetURL: normalizeTunnelURL(n.TunnelURL)})
	}
	if n.IPv4Endpoint != "" {
		out = append(out, strategy{name: "ipv4", targetURL: fmt.Sprintf("http://%s:%d", n.IPv4Endpoint, n.Port)})
	}
	if n.IPv6Endpoint != "" {
		out = append(out, strategy{name: "ipv6", targetURL: fmt.Sprintf("http://[%s]:%d", bracketStrip(n.IPv6Endpoint), n.Port)})
	}
	return out
}

func normalizeTunnelURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "http://" + raw
}

func bracketStrip(host string) string {
	return strings.Trim(host, "[]")
}

// Dispatch attempts each reachability strategy for nodeID in order. Every
// attempt balances active_jobs; only the final failed attempt (if all fail)
// is reported through EndJob, so failure_count increments by at most one per
// call, per spec.md §9's deliberate correction of the source's per-strategy
// penalty.
func (d *Dispatcher) Dispatch(ctx context.Context, nodeID string, body []byte) (*upstream.RawResponse, error) {
	node, ok := d.nodes.Get(nodeID)
	if !ok {
		return nil, &gatewayerr.NodeUnreachableError{NodeID: nodeID, LastStatus: 0}
	}

	strategies := strategiesFor(node)
	var lastStatus int

	for idx, s := range strategies {
		d.nodes.BeginJob(nodeID)

		resp, err := d.upstream.PostToNode(ctx, s.targetURL, body)
		if err != nil {
			var badResp *gatewayerr.UpstreamBadResponseError
			if errors.As(err, &badResp) {
				lastStatus = badResp.StatusCode
			}

			isLastStrategy := idx == len(strategies)-1
			if isLastStrategy {
				d.nodes.EndJob(nodeID, false, d.maxConsecutiveFailures)
			} else {
				d.nodes.DecrementActiveJob(nodeID)
			}

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		d.nodes.EndJob(nodeID, true, d.maxConsecutiveFailures)
		return resp, nil
	}

	return nil, &gatewayerr.NodeUnreachableError{NodeID: nodeID, LastStatus: lastStatus}
}

