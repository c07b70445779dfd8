package registry

import (
	"context"
	"testing"
	"time"
)

func TestUpsertCreatesAndRefreshes(t *testing.T) {
	r := New(nil, 90*time.Second, nil)
	ctx := context.Background()

	n := r.Upsert(ctx, HeartbeatInput{NodeID: "N1", IPv4Endpoint: "10.0.0.5", Port: 11434, Models: []string{"llama3"}})
	if n.Status != StatusOnline {
		t.Fatalf("expected new node to be online, got %s", n.Status)
	}
	if n.FailureCount != 0 {
		t.Fatalf("expected failure_count 0, got %d", n.FailureCount)
	}

	r.EndJob("N1", false, 3)
	r.EndJob("N1", false, 3)
	got, ok := r.Get("N1")
	if !ok {
		t.Fatalf("expected node present")
	}
	if got.FailureCount != 2 {
		t.Fatalf("expected failure_count 2 after two failures, got %d", got.FailureCount)
	}

	r.Upsert(ctx, HeartbeatInput{NodeID: "N1", IPv4Endpoint: "10.0.0.5", Port: 11434, Models: []string{"llama3"}})
	got, _ = r.Get("N1")
	if got.FailureCount != 0 {
		t.Fatalf("expected refresh to reset failure_count, got %d", got.FailureCount)
	}
	if got.Status != StatusOnline {
		t.Fatalf("expected refresh to force status online, got %s", got.Status)
	}
}

func TestEndJobDegradesAtThreshold(t *testing.T) {
	r := New(nil, 90*time.Second, nil)
	ctx := context.Background()
	r.Upsert(ctx, HeartbeatInput{NodeID: "N2", IPv4Endpoint: "10.0.0.6", Port: 11434, Models: []string{"llama3"}})

	for i := 0; i < 3; i++ {
		r.BeginJob("N2")
		r.EndJob("N2", false, 3)
	}

	got, _ := r.Get("N2")
	if got.Status != StatusDegraded {
		t.Fatalf("expected node to be degraded after 3 consecutive failures, got %s", got.Status)
	}

	r.BeginJob("N2")
	r.EndJob("N2", true, 3)
	got, _ = r.Get("N2")
	if got.Status != StatusOnline {
		t.Fatalf("expected successful dispatch to recover node to online, got %s", got.Status)
	}
	if got.FailureCount != 0 {
		t.Fatalf("expected failure_count reset on success, got %d", got.FailureCount)
	}
}

func TestActiveJobsNeverNegative(t *testing.T) {
	r := New(nil, 90*time.Second, nil)
	ctx := context.Background()
	r.Upsert(ctx, HeartbeatInput{NodeID: "N3", IPv4Endpoint: "10.0.0.7", Port: 11434, Models: []string{"llama3"}})

	r.DecrementActiveJob("N3")
	r.DecrementActiveJob("N3")
	got, _ := r.Get("N3")
	if got.ActiveJobs != 0 {
		t.Fatalf("expected active_jobs to floor at 0, got %d", got.ActiveJobs)
	}
}

func TestSweepOfflineThenEvict(t *testing.T) {
	r := New(nil, 90*time.Second, nil)
	fixed := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return fixed }
	ctx := context.Background()

	r.Upsert(ctx, HeartbeatInput{NodeID: "N4", IPv4Endpoint: "10.0.0.8", Port: 11434, Models: []string{"llama3"}})

	r.now = func() time.Time { return fixed.Add(100 * time.Second) }
	r.Sweep(ctx, 90*time.Second, 180*time.Second)
	got, ok := r.Get("N4")
	if !ok {
		t.Fatalf("expected node to still be present after liveness TTL alone")
	}
	if got.Status != StatusOffline {
		t.Fatalf("expected node offline after liveness TTL passed, got %s", got.Status)
	}

	r.now = func() time.Time { return fixed.Add(200 * time.Second) }
	r.Sweep(ctx, 90*time.Second, 180*time.Second)
	if _, ok := r.Get("N4"); ok {
		t.Fatalf("expected node to be evicted after offline_evict_delta passed")
	}
}

func TestSnapshotIsADeepCopy(t *testing.T) {
	r := New(nil, 90*time.Second, nil)
	ctx := context.Background()
	r.Upsert(ctx, HeartbeatInput{NodeID: "N5", IPv4Endpoint: "10.0.0.9", Port: 11434, Models: []string{"llama3"}})

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 node in snapshot, got %d", len(snap))
	}
	snap[0].Models[0] = "mutated"

	got, _ := r.Get("N5")
	if got.Models[0] != "llama3" {
		t.Fatalf("expected mutation of a snapshot copy not to affect stored state, got %v", got.Models)
	}
}

func TestEvictIsIdempotent(t *testing.T) {
	r := New(nil, 90*time.Second, nil)
	ctx := context.Background()
	r.Upsert(ctx, HeartbeatInput{NodeID: "N6", IPv4Endpoint: "10.0.0.10", Port: 11434, Models: []string{"llama3"}})

	r.Evict(ctx, "N6")
	r.Evict(ctx, "N6")

	if _, ok := r.Get("N6"); ok {
		t.Fatalf("expected node to be gone after eviction")
	}
}
