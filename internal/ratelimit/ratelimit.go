// Package ratelimit implements the Rate Limiter (spec.md §4.G): two
// concurrent sliding windows per connector, backed by the shared KVStore so
// replicas enforce one consistent limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ollamafleet/gateway/internal/store"
)

const (
	minuteWindowSeconds = 60
	hourWindowSeconds   = 3600
)

// Decision is the outcome of a rate-limit check, carrying exactly the fields
// spec.md §4.G requires for a 429 response body.
type Decision struct {
	Allowed         bool
	MinuteRemaining int
	HourRemaining   int
	MinuteReset     int64
	HourReset       int64
}

// Limiter evaluates and records sliding-window rate limits.
type Limiter struct {
	kv  store.KVStore
	now func() int64
}

// New constructs a Limiter against the shared KVStore.
func New(kv store.KVStore) *Limiter {
	return &Limiter{kv: kv, now: func() int64 { return time.Now().Unix() }}
}

// Allow implements the five-step procedure of spec.md §4.G: trim+count both
// windows, decide, and — if allowed — insert+expire both windows. Each
// window's trim+count and insert+expire is one atomic pipeline via the
// KVStore's composite operations; the minute and hour windows are separate
// pipelines, so a phase is not atomic across the two windows.
func (l *Limiter) Allow(ctx context.Context, connectorID string, minuteLimit, hourLimit int) (Decision, error) {
	now := l.now()

	minuteKey := fmt.Sprintf("rate:%s:minute", connectorID)
	hourKey := fmt.Sprintf("rate:%s:hour", connectorID)

	minuteCount, err := l.kv.TrimAndCount(ctx, minuteKey, float64(now-minuteWindowSeconds))
	if err != nil {
		return Decision{}, fmt.Errorf("trim minute window: %w", err)
	}
	hourCount, err := l.kv.TrimAndCount(ctx, hourKey, float64(now-hourWindowSeconds))
	if err != nil {
		return Decision{}, fmt.Errorf("trim hour window: %w", err)
	}

	decision := Decision{
		MinuteReset: now + minuteWindowSeconds,
		HourReset:   now + hourWindowSeconds,
	}

	allowed := int(minuteCount) < minuteLimit && int(hourCount) < hourLimit
	decision.Allowed = allowed
	if !allowed {
		decision.MinuteRemaining = clampNonNegative(minuteLimit - int(minuteCount))
		decision.HourRemaining = clampNonNegative(hourLimit - int(hourCount))
		return decision, nil
	}

	member := uuid.NewString()
	minuteTTL := 2 * minuteWindowSeconds * time.Second
	hourTTL := 2 * hourWindowSeconds * time.Second

	if err := l.kv.InsertAndExpire(ctx, minuteKey, float64(now), member, minuteTTL); err != nil {
		return Decision{}, fmt.Errorf("insert minute window entry: %w", err)
	}
	if err := l.kv.InsertAndExpire(ctx, hourKey, float64(now), member, hourTTL); err != nil {
		return Decision{}, fmt.Errorf("insert hour window entry: %w", err)
	}

	decision.MinuteRemaining = minuteLimit - int(minuteCount) - 1
	decision.HourRemaining = hourLimit - int(hourCount) - 1
	return decision, nil
}

// Peek reports the current window counts without inserting an entry, for the
// read-only status aggregator — it must never be used on the request
// admission path, since it doesn't reserve a slot.
func (l *Limiter) Peek(ctx context.Context, connectorID string, minuteLimit, hourLimit int) (Decision, error) {
	now := l.now()

	minuteKey := fmt.Sprintf("rate:%s:minute", connectorID)
	hourKey := fmt.Sprintf("rate:%s:hour", connectorID)

	minuteCount, err := l.kv.TrimAndCount(ctx, minuteKey, float64(now-minuteWindowSeconds))
	if err != nil {
		return Decision{}, fmt.Errorf("trim minute window: %w", err)
	}
	hourCount, err := l.kv.TrimAndCount(ctx, hourKey, float64(now-hourWindowSeconds))
	if err != nil {
		return Decision{}, fmt.Errorf("trim hour window: %w", err)
	}

	return Decision{
		Allowed:         int(minuteCount) < minuteLimit && int(hourCount) < hourLimit,
		MinuteRemaining: clampNonNegative(minuteLimit - int(minuteCount)),
		HourRemaining:   clampNonNegative(hourLimit - int(hourCount)),
		MinuteReset:     now + minuteWindowSeconds,
		HourReset:       now + hourWindowSeconds,
	}, nil
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
