// Package heartbeat implements the Heartbeat Ingestor (spec.md §4.B): shared
// secret authentication, peer-address normalization, and registry upsert.
package heartbeat

import (
	"context"
	"crypto/subtle"
	"net"

	"github.com/ollamafleet/gateway/internal/gatewayerr"
	"github.com/ollamafleet/gateway/internal/registry"
)

// ErrInvalid signals no reachable address could be resolved from the
// heartbeat payload.
var ErrInvalid = errInvalid{}

type errInvalid struct{}

func (errInvalid) Error() string { return "no reachable address in heartbeat" }

// Payload is the heartbeat body a node sends, pre-JSON-decode.
type Payload struct {
	NodeID    string         `json:"node_id"`
	TunnelURL string         `json:"tunnel_url"`
	IPv4      string         `json:"ipv4"`
	IPv6      string         `json:"ipv6"`
	Port      int            `json:"port"`
	Models    []string       `json:"models"`
	Load      registry.Load  `json:"load"`
	Metadata  map[string]any `json:"metadata"`
}

// Ingestor validates and normalizes heartbeats before handing them to the
// Registry Store.
type Ingestor struct {
	store       *registry.Store
	nodeSecret  string
}

// New constructs an Ingestor bound to the shared secret every node must
// present in its X-Node-Secret header.
func New(store *registry.Store, nodeSecret string) *Ingestor {
	return &Ingestor{store: store, nodeSecret: nodeSecret}
}

// Authenticate performs a constant-time comparison of the presented secret
// against the configured one using crypto/subtle. An empty configured
// secret rejects every heartbeat.
func (i *Ingestor) Authenticate(presented string) error {
	if i.nodeSecret == "" {
		return gatewayerr.ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(i.nodeSecret)) != 1 {
		return gatewayerr.ErrUnauthorized
	}
	return nil
}

// Ingest normalizes p against the address the transport layer actually saw
// the node connect from (peerAddr, host-only, no port) and upserts it into
// the registry. The peer address overrides the self-reported address of the
// same family, per spec.md §4.B — it is the address the gateway can
// demonstrably reach.
func (i *Ingestor) Ingest(ctx context.Context, p Payload, peerAddr string) (registry.NodeState, error) {
	peerHost := stripPort(peerAddr)

	tunnelURL := p.TunnelURL
	ipv4 := overrideIfSameFamily(p.IPv4, peerHost, false)
	ipv6 := overrideIfSameFamily(p.IPv6, peerHost, true)

	if tunnelURL == "" && ipv4 == "" && ipv6 == "" {
		return registry.NodeState{}, ErrInvalid
	}

	in := registry.HeartbeatInput{
		NodeID:       p.NodeID,
		TunnelURL:    tunnelURL,
		IPv4Endpoint: ipv4,
		IPv6Endpoint: ipv6,
		Port:         p.Port,
		Models:       p.Models,
		Load:         p.Load,
		Metadata:     p.Metadata,
	}
	return i.store.Upsert(ctx, in), nil
}

// stripPort returns the host portion of addr, or addr unchanged if it has
// no port.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// overrideIfSameFamily returns peerHost when it is non-empty and of the
// requested IP family, otherwise falls back to the self-reported value.
func overrideIfSameFamily(selfReported, peerHost string, wantIPv6 bool) string {
	if peerHost == "" {
		return selfReported
	}
	ip := net.ParseIP(peerHost)
	if ip == nil {
		return selfReported
	}
	isIPv6 := ip.To4() == nil
	if isIPv6 != wantIPv6 {
		return selfReported
	}
	return peerHost
}
