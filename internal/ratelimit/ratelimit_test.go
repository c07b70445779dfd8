package ratelimit

import (
	"context"
	"testing"

	"github.com/ollamafleet/gateway/internal/store"
)

func newFakeKV() *store.MemoryStore {
	return store.NewMemoryStore()
}

func TestAllowUnderLimit(t *testing.T) {
	kv := newFakeKV()
	l := New(kv)
	l.now = func() int64 { return 1_700_000_000 }

	decision, err := l.Allow(context.Background(), "conn1", 2, 100)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected first request to be allowed")
	}
	if decision.MinuteRemaining != 1 {
		t.Fatalf("expected 1 remaining after first request (limit 2, 1 used), got %d", decision.MinuteRemaining)
	}
}

func TestAllowRejectsOverLimit(t *testing.T) {
	kv := newFakeKV()
	l := New(kv)
	l.now = func() int64 { return 1_700_000_000 }

	if _, err := l.Allow(context.Background(), "conn1", 1, 100); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	decision, err := l.Allow(context.Background(), "conn1", 1, 100)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected second request to be rejected at minute_limit=1")
	}
	if decision.MinuteRemaining != 0 {
		t.Fatalf("expected 0 remaining when rejected, got %d", decision.MinuteRemaining)
	}
}

func TestAllowTrimsOldEntries(t *testing.T) {
	kv := newFakeKV()
	l := New(kv)
	l.now = func() int64 { return 1_700_000_000 }

	if _, err := l.Allow(context.Background(), "conn1", 1, 100); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	l.now = func() int64 { return 1_700_000_000 + minuteWindowSeconds + 1 }
	decision, err := l.Allow(context.Background(), "conn1", 1, 100)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected request to be allowed once the prior entry has aged out of the window")
	}
}
