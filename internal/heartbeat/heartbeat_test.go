package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/ollamafleet/gateway/internal/registry"
)

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	ing := New(registry.New(nil, 90*time.Second, nil), "correct-secret")
	if err := ing.Authenticate("wrong-secret"); err == nil {
		t.Fatalf("expected error for wrong secret")
	}
	if err := ing.Authenticate("correct-secret"); err != nil {
		t.Fatalf("expected no error for correct secret, got %v", err)
	}
}

func TestIngestFailsWithoutReachableAddress(t *testing.T) {
	ing := New(registry.New(nil, 90*time.Second, nil), "secret")
	_, err := ing.Ingest(context.Background(), Payload{NodeID: "N1", Models: []string{"llama3"}}, "")
	if err != ErrInvalid {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestIngestOverridesIPv4WithPeerAddress(t *testing.T) {
	store := registry.New(nil, 90*time.Second, nil)
	ing := New(store, "secret")

	n, err := ing.Ingest(context.Background(), Payload{
		NodeID: "N1",
		IPv4:   "192.168.1.50",
		Port:   11434,
		Models: []string{"llama3"},
	}, "203.0.113.9:54321")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n.IPv4Endpoint != "203.0.113.9" {
		t.Fatalf("expected peer address to override self-report, got %q", n.IPv4Endpoint)
	}
}

func TestIngestPassesTunnelURLThroughUnchanged(t *testing.T) {
	store := registry.New(nil, 90*time.Second, nil)
	ing := New(store, "secret")

	n, err := ing.Ingest(context.Background(), Payload{
		NodeID:    "N2",
		TunnelURL: "https://n2.example.com",
		Models:    []string{"llama3"},
	}, "203.0.113.9:54321")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n.TunnelURL != "https://n2.example.com" {
		t.Fatalf("expected tunnel_url to pass through unchanged, got %q", n.TunnelURL)
	}
}
