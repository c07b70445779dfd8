// Package registry implements the Registry Store (spec.md §4.A): the shared,
// lock-guarded view of every node that has heartbeated recently, mirrored to
// an external KVStore. The mirror is write-only here: the in-process view is
// built solely from heartbeats this replica receives and is never
// repopulated from the KVStore.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ollamafleet/gateway/internal/logger"
	"github.com/ollamafleet/gateway/internal/store"
)

// Status is one of the three lifecycle states a node can occupy.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Load is the node's self-reported resource pressure. Missing fields are
// treated as 1.0 (pessimistic) by the Candidate Selector, not by this type.
type Load struct {
	CPU    *float64 `json:"cpu,omitempty"`
	Memory *float64 `json:"memory,omitempty"`
}

// NodeState is the in-process, ephemeral record for one worker node.
type NodeState struct {
	NodeID string `json:"node_id"`

	TunnelURL     string `json:"tunnel_url,omitempty"`
	IPv4Endpoint  string `json:"ipv4,omitempty"`
	IPv6Endpoint  string `json:"ipv6,omitempty"`
	Port          int    `json:"port"`

	Models []string `json:"models"`

	Load Load `json:"load"`

	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`

	ActiveJobs    int `json:"active_jobs"`
	FailureCount  int `json:"failure_count"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// CPULoad returns the node's CPU load, or 1.0 if unreported.
func (n NodeState) CPULoad() float64 {
	if n.Load.CPU == nil {
		return 1.0
	}
	return *n.Load.CPU
}

// AdvertisesModel reports whether the node can serve model, honoring the "*"
// wildcard.
func (n NodeState) AdvertisesModel(model string) bool {
	for _, m := range n.Models {
		if m == "*" || m == model {
			return true
		}
	}
	return false
}

// clone returns a deep copy, so snapshot readers never observe a mutation the
// writer makes after handing the value out.
func (n NodeState) clone() NodeState {
	cp := n
	cp.Models = append([]string(nil), n.Models...)
	if n.Metadata != nil {
		cp.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Store is the Registry Store of spec.md §4.A: a mutex-guarded in-process
// map whose writes are mirrored to an external KVStore.
type Store struct {
	mu    sync.Mutex
	nodes map[string]NodeState

	kv         store.KVStore
	livenessTTL time.Duration

	log *slog.Logger
	now func() time.Time
}

// New constructs a Registry Store. kv may be nil, in which case the registry
// runs purely in-process (single-replica mode).
func New(kv store.KVStore, livenessTTL time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = logger.NewContextLogger(context.Background())
	}
	return &Store{
		nodes:       make(map[string]NodeState),
		kv:          kv,
		livenessTTL: livenessTTL,
		log:         log,
		now:         time.Now,
	}
}

// HeartbeatInput is the normalized payload the Heartbeat Ingestor hands to
// Upsert after applying its own address-override rules.
type HeartbeatInput struct {
	NodeID       string
	TunnelURL    string
	IPv4Endpoint string
	IPv6Endpoint string
	Port         int
	Models       []string
	Load         Load
	Metadata     map[string]any
}

// Upsert creates a node on first heartbeat or refreshes it on every
// subsequent one: status is forced online, failure_count resets to zero,
// last_seen advances (spec.md §3's NodeState lifecycle).
func (s *Store) Upsert(ctx context.Context, in HeartbeatInput) NodeState {
	s.mu.Lock()
	now := s.now()
	prev, existed := s.nodes[in.NodeID]

	next := NodeState{
		NodeID:       in.NodeID,
		TunnelURL:    in.TunnelURL,
		IPv4Endpoint: in.IPv4Endpoint,
		IPv6Endpoint: in.IPv6Endpoint,
		Port:         in.Port,
		Models:       in.Models,
		Load:         in.Load,
		Status:       StatusOnline,
		LastSeen:     now,
		ActiveJobs:   0,
		FailureCount: 0,
		Metadata:     in.Metadata,
	}
	if existed {
		next.ActiveJobs = prev.ActiveJobs
	}
	s.nodes[in.NodeID] = next
	s.mu.Unlock()

	if existed && prev.Status != StatusOnline {
		logger.LogNodeStateTransition(s.log, in.NodeID, string(prev.Status), string(StatusOnline), "heartbeat received")
	}

	s.mirror(ctx, next)
	return next.clone()
}

// mirror writes the node's hash into the external KVStore, best-effort: a
// mirror failure is logged but never fails the heartbeat response, since the
// in-process cache remains authoritative for this replica.
func (s *Store) mirror(ctx context.Context, n NodeState) {
	if s.kv == nil {
		return
	}
	modelsJSON, err := json.Marshal(n.Models)
	if err != nil {
		s.log.Warn("failed to marshal node models for mirror", "node_id", n.NodeID, "error", err)
		return
	}
	metaJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	fields := map[string]string{
		"node_id":       n.NodeID,
		"tunnel_url":    n.TunnelURL,
		"ipv4":          n.IPv4Endpoint,
		"ipv6":          n.IPv6Endpoint,
		"models":        string(modelsJSON),
		"status":        string(n.Status),
		"last_seen":     n.LastSeen.UTC().Format(time.RFC3339),
		"active_jobs":   strconv.Itoa(n.ActiveJobs),
		"failure_count": strconv.Itoa(n.FailureCount),
		"metadata":      string(metaJSON),
	}
	if err := s.kv.UpsertHash(ctx, "node:"+n.NodeID, fields, s.livenessTTL); err != nil {
		s.log.Warn("failed to mirror node to kv store", "node_id", n.NodeID, "error", err)
	}
}

// Get returns a deep copy of the node's state, if present.
func (s *Store) Get(nodeID string) (NodeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return NodeState{}, false
	}
	return n.clone(), true
}

// Snapshot returns a deep copy of every currently-held node.
func (s *Store) Snapshot() []NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NodeState, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.clone())
	}
	return out
}

// Evict removes a node unconditionally. A second call on an already-absent
// node is a no-op, matching the idempotent-delete invariant spec.md §8 names.
func (s *Store) Evict(ctx context.Context, nodeID string) {
	s.mu.Lock()
	delete(s.nodes, nodeID)
	s.mu.Unlock()

	if s.kv != nil {
		if err := s.kv.DeleteHash(ctx, "node:"+nodeID); err != nil {
			s.log.Warn("failed to delete mirrored node", "node_id", nodeID, "error", err)
		}
	}
}

// BeginJob increments active_jobs for a dispatch attempt.
func (s *Store) BeginJob(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return
	}
	n.ActiveJobs++
	s.nodes[nodeID] = n
}

// DecrementActiveJob balances a BeginJob for a non-final strategy attempt
// without touching failure_count. The Dispatcher uses this for every failed
// strategy attempt except the one it ultimately reports via EndJob, so a
// single dispatch call never counts more than one failure (spec.md §4.E).
func (s *Store) DecrementActiveJob(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return
	}
	if n.ActiveJobs > 0 {
		n.ActiveJobs--
	}
	s.nodes[nodeID] = n
}

// EndJob balances a BeginJob and, on failure, counts exactly one failure
// against the node: failure_count increments and, once it reaches the
// configured threshold, the node transitions to degraded. On success,
// failure_count resets to zero and a degraded node recovers to online.
func (s *Store) EndJob(nodeID string, success bool, maxConsecutiveFailures int) {
	s.mu.Lock()
	n, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if n.ActiveJobs > 0 {
		n.ActiveJobs--
	}

	prevStatus := n.Status
	if success {
		n.FailureCount = 0
		if n.Status == StatusDegraded {
			n.Status = StatusOnline
		}
	} else {
		n.FailureCount++
		if n.FailureCount >= maxConsecutiveFailures {
			n.Status = StatusDegraded
		}
	}
	s.nodes[nodeID] = n
	s.mu.Unlock()

	if prevStatus != n.Status {
		logger.LogNodeStateTransition(s.log, nodeID, string(prevStatus), string(n.Status), "dispatch outcome")
	}
}

// Sweep implements the Liveness Sweeper (spec.md §4.C): nodes past the
// eviction delta are removed; nodes past the liveness TTL (but not yet past
// eviction) are marked offline. It holds the lock for one pass only.
func (s *Store) Sweep(ctx context.Context, livenessTTL, offlineEvictDelta time.Duration) {
	now := s.now()

	var toEvict []string
	var toOffline []string

	s.mu.Lock()
	for id, n := range s.nodes {
		age := now.Sub(n.LastSeen)
		switch {
		case age > offlineEvictDelta:
			toEvict = append(toEvict, id)
			delete(s.nodes, id)
		case age > livenessTTL && n.Status != StatusOffline:
			n.Status = StatusOffline
			s.nodes[id] = n
			toOffline = append(toOffline, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toEvict {
		logger.LogNodeStateTransition(s.log, id, "offline", "evicted", "no heartbeat past offline_evict_delta")
		if s.kv != nil {
			if err := s.kv.DeleteHash(ctx, "node:"+id); err != nil {
				s.log.Warn("failed to delete mirrored node during sweep", "node_id", id, "error", err)
			}
		}
	}
	for _, id := range toOffline {
		logger.LogNodeStateTransition(s.log, id, "online", "offline", "no heartbeat past liveness_ttl")
	}
}

// RunSweeper starts a background loop calling Sweep every livenessTTL/2,
// stopping when ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, livenessTTL, offlineEvictDelta time.Duration) {
	ticker := time.NewTicker(livenessTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, livenessTTL, offlineEvictDelta)
		}
	}
}
