// Command notifier subscribes to the gateway's usage pub/sub channel and
// logs each completed request, standing in for whatever downstream billing
// or alerting consumer an operator wires up against the same channel.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"github.com/ollamafleet/gateway/internal/usage"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisAddr := getenv("REDIS_ADDR", "localhost:6379")

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() { _ = rdb.Close() }()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis at %s: %v", redisAddr, err)
	}

	sub := rdb.Subscribe(ctx, usage.UsageChannel)
	defer func() { _ = sub.Close() }()

	log.Printf("notifier subscribed to redis channel=%s addr=%s", usage.UsageChannel, redisAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	msgCh := sub.Channel()
	for {
		select {
		case <-quit:
			log.Println("notifier shutting down")
			return
		case msg, ok := <-msgCh:
			if !ok {
				log.Println("redis subscription channel closed")
				return
			}
			var event usage.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("malformed usage event: %v", err)
				continue
			}
			log.Printf(
				"usage connector=%s model=%s provider=%s node=%s status=%d latency_ms=%d tokens_in=%d tokens_out=%d",
				event.ConnectorID, event.Model, event.Provider, event.NodeID, event.Status, event.LatencyMS, event.TokensIn, event.TokensOut,
			)
		}
	}
}
