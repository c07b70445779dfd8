// Command gateway runs the OpenAI-compatible LLM gateway: it accepts
// connector-authenticated chat completion requests, routes them across the
// self-registered node fleet (falling back to cloud), and ingests node
// heartbeats.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ollamafleet/gateway/internal/config"
	"github.com/ollamafleet/gateway/internal/connector"
	"github.com/ollamafleet/gateway/internal/dispatch"
	"github.com/ollamafleet/gateway/internal/gatewayapi"
	"github.com/ollamafleet/gateway/internal/heartbeat"
	"github.com/ollamafleet/gateway/internal/logger"
	"github.com/ollamafleet/gateway/internal/ratelimit"
	"github.com/ollamafleet/gateway/internal/registry"
	"github.com/ollamafleet/gateway/internal/router"
	"github.com/ollamafleet/gateway/internal/store"
	"github.com/ollamafleet/gateway/internal/telemetry"
	"github.com/ollamafleet/gateway/internal/upstream"
	"github.com/ollamafleet/gateway/internal/usage"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logger.NewContextLogger(ctx)
	cfg := config.FromEnv()

	shutdownOTel, promHandler, err := telemetry.Init(ctx, cfg.OTelServiceName, cfg.OTelExporterOTLPEndpoint)
	if err != nil {
		log.Error("otel_init_failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownOTel(context.Background()) }()

	kv, err := store.NewRedisStore(ctx, cfg.RedisAddr)
	if err != nil {
		log.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	connectors, err := connector.NewStaticStore(cfg.ConnectorConfigPath)
	if err != nil {
		log.Error("connector_store_init_failed", "error", err)
		os.Exit(1)
	}

	reg := registry.New(kv, cfg.LivenessTTL, log)
	go reg.RunSweeper(ctx, cfg.LivenessTTL, cfg.OfflineEvictDelta)

	ingestor := heartbeat.New(reg, cfg.NodeSecret)
	limiter := ratelimit.New(kv)

	upstreamCli := upstream.New(cfg.LocalRequestTimeout, upstream.CloudConfig{
		APIKey:              cfg.CloudAPIKey,
		BaseURL:             cfg.CloudBaseURL,
		AttributionReferrer: cfg.CloudAttributionReferrer,
		AttributionTitle:    cfg.CloudAttributionTitle,
		Timeout:             cfg.CloudRequestTimeout,
	})

	dispatcher := dispatch.New(reg, upstreamCli, cfg.MaxConsecutiveFailures)
	rtr := router.New(reg, dispatcher, upstreamCli, log)

	usageRecorders := make([]usage.Recorder, 0, 2)
	sqliteDB, err := usage.NewSQLiteDB(cfg.UsageDBPath)
	if err != nil {
		log.Error("usage_sqlite_init_failed", "error", err)
		os.Exit(1)
	}
	defer sqliteDB.Close()
	usageRecorders = append(usageRecorders, sqliteDB)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	usageRecorders = append(usageRecorders, usage.NewRedisPublisher(redisClient, log))

	usageRecorder := usage.NewComposite(log, usageRecorders...)

	srv := gatewayapi.New(
		connectors,
		reg,
		ingestor,
		limiter,
		rtr,
		usageRecorder,
		cfg.DefaultRateLimitPerMinute,
		cfg.DefaultRateLimitPerHour,
	)

	if promHandler != nil {
		srv.SetMetricsHandler(promHandler)
	}
	r := srv.Routes()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.GatewayPort),
		Handler: r,
	}

	go func() {
		log.Info("gateway_listening", "port", cfg.GatewayPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http_server_failed", "port", cfg.GatewayPort, "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("server_shutdown_start")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctxTimeout); err != nil {
		log.Error("server_shutdown_forced", "error", err)
		os.Exit(1)
	}
	log.Info("server_shutdown_complete")
}
