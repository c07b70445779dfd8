package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/ollamafleet/gateway/internal/connector"
	"github.com/ollamafleet/gateway/internal/dispatch"
	"github.com/ollamafleet/gateway/internal/registry"
	"github.com/ollamafleet/gateway/internal/upstream"
)

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return u.Hostname(), port
}

func TestProviderOrderLocalOnly(t *testing.T) {
	c := &connector.Connector{RoutingLocalOnly: true}
	c.Normalize()
	order := providerOrder(c)
	if len(order) != 1 || order[0] != ProviderLocal {
		t.Fatalf("expected [local], got %v", order)
	}
}

func TestProviderOrderCloudOnlyWithLocalPreferenceFallsBackToCloud(t *testing.T) {
	c := &connector.Connector{RoutingCloudOnly: true, RoutingPrefer: connector.PreferLocal}
	c.Normalize()
	order := providerOrder(c)
	if len(order) != 1 || order[0] != ProviderCloud {
		t.Fatalf("expected [cloud], got %v", order)
	}
}

func TestProviderOrderDefaultPreferAndFallback(t *testing.T) {
	c := &connector.Connector{RoutingPrefer: connector.PreferLocal, RoutingFallback: connector.PreferCloud}
	c.Normalize()
	order := providerOrder(c)
	if len(order) != 2 || order[0] != ProviderLocal || order[1] != ProviderCloud {
		t.Fatalf("expected [local cloud], got %v", order)
	}
}

func TestProviderOrderOmitsEqualFallback(t *testing.T) {
	c := &connector.Connector{RoutingPrefer: connector.PreferLocal, RoutingFallback: connector.PreferLocal}
	c.Normalize()
	order := providerOrder(c)
	if len(order) != 1 {
		t.Fatalf("expected fallback equal to prefer to be omitted, got %v", order)
	}
}

func TestRouteFailsOverToCloudWhenNoLocalCandidates(t *testing.T) {
	cloudSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-cloud","object":"chat.completion","model":"llama3","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer cloudSrv.Close()

	nodes := registry.New(nil, 90*time.Second, nil)
	client := upstream.New(time.Second, upstream.CloudConfig{BaseURL: cloudSrv.URL, Timeout: time.Second})
	d := dispatch.New(nodes, client, 3)
	r := New(nodes, d, client, nil)

	c := &connector.Connector{RoutingPrefer: connector.PreferLocal, RoutingFallback: connector.PreferCloud}
	c.Normalize()

	outcome, err := r.Route(context.Background(), c, upstream.ChatRequest{"model": "llama3"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if outcome.Provider != ProviderCloud {
		t.Fatalf("expected fallback to cloud, got %s", outcome.Provider)
	}
}

func TestRouteSucceedsLocal(t *testing.T) {
	nodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-local","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer nodeSrv.Close()

	host, port := hostPort(t, nodeSrv)
	nodes := registry.New(nil, 90*time.Second, nil)
	ctx := context.Background()
	nodes.Upsert(ctx, registry.HeartbeatInput{NodeID: "N1", IPv4Endpoint: host, Port: port, Models: []string{"llama3"}})

	client := upstream.New(time.Second, upstream.CloudConfig{BaseURL: "http://unused", Timeout: time.Second})
	d := dispatch.New(nodes, client, 3)
	r := New(nodes, d, client, nil)

	c := &connector.Connector{RoutingPrefer: connector.PreferLocal}
	c.Normalize()

	outcome, err := r.Route(ctx, c, upstream.ChatRequest{"model": "llama3"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if outcome.Provider != ProviderLocal || outcome.NodeID != "N1" {
		t.Fatalf("expected local/N1, got %s/%s", outcome.Provider, outcome.NodeID)
	}
}

func TestRouteCloudFreeOnlySkipsNonFreeModel(t *testing.T) {
	nodes := registry.New(nil, 90*time.Second, nil)
	client := upstream.New(time.Second, upstream.CloudConfig{BaseURL: "http://unused", Timeout: time.Second})
	d := dispatch.New(nodes, client, 3)
	r := New(nodes, d, client, nil)

	c := &connector.Connector{RoutingPrefer: connector.PreferCloudFreeOnly}
	c.Normalize()

	_, err := r.Route(context.Background(), c, upstream.ChatRequest{"model": "gpt-4"})
	if err == nil {
		t.Fatalf("expected all-providers-failed when the only slot is cloud_free_only and model isn't free")
	}
}
