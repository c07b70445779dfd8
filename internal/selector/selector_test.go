package selector

import (
	"testing"

	"github.com/ollamafleet/gateway/internal/registry"
)

func node(id string, activeJobs int, cpu float64, fails int, models ...string) registry.NodeState {
	c := cpu
	return registry.NodeState{
		NodeID:       id,
		Status:       registry.StatusOnline,
		ActiveJobs:   activeJobs,
		FailureCount: fails,
		Models:       models,
		Load:         registry.Load{CPU: &c},
	}
}

func TestSelectFiltersOfflineAndNonAdvertising(t *testing.T) {
	nodes := []registry.NodeState{
		node("N1", 0, 0.1, 0, "llama3"),
		{NodeID: "N2", Status: registry.StatusOffline, Models: []string{"llama3"}},
		node("N3", 0, 0.1, 0, "mistral"),
	}
	got := Select(nodes, "llama3", 0)
	if len(got) != 1 || got[0] != "N1" {
		t.Fatalf("expected only N1, got %v", got)
	}
}

func TestSelectWildcardModel(t *testing.T) {
	nodes := []registry.NodeState{node("N1", 0, 0.1, 0, "*")}
	got := Select(nodes, "anything", 0)
	if len(got) != 1 || got[0] != "N1" {
		t.Fatalf("expected wildcard node to match, got %v", got)
	}
}

func TestSelectOrdersByActiveJobsThenCPUThenFailures(t *testing.T) {
	nodes := []registry.NodeState{
		node("busy", 5, 0.1, 0, "llama3"),
		node("idle", 0, 0.1, 0, "llama3"),
		node("mid", 2, 0.5, 1, "llama3"),
		node("cool-flaky", 2, 0.2, 3, "llama3"),
		node("cool-steady", 2, 0.2, 0, "llama3"),
	}
	got := Select(nodes, "llama3", 0)
	want := []string{"idle", "cool-steady", "cool-flaky", "mid", "busy"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

// TestPriorityBiasNeverPrefersLoadedOverIdle is the property test the design
// notes call for: bias must never cause a loaded node to be preferred over
// an idle one of the same priority class.
func TestPriorityBiasNeverPrefersLoadedOverIdle(t *testing.T) {
	loaded := node("loaded", 10, 0.1, 0, "llama3")
	idle := node("idle", 0, 0.1, 0, "llama3")

	for priority := 0; priority <= 10; priority++ {
		got := Select([]registry.NodeState{loaded, idle}, "llama3", priority)
		if got[0] != "idle" {
			t.Fatalf("priority=%d: expected idle node first, got %v", priority, got)
		}
	}
}

func TestSelectReturnsEmptyNotNilWhenNoCandidates(t *testing.T) {
	got := Select(nil, "llama3", 0)
	if got == nil {
		t.Fatalf("expected a non-nil empty slice, got nil")
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}
