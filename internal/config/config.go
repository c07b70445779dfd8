// Package config loads the gateway's environment-driven configuration,
// enumerating every variable spec.md §6 names.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-sourced setting the gateway's components need.
type Config struct {
	AdminAPIKey string
	NodeSecret  string

	CloudAPIKey               string
	CloudBaseURL              string
	CloudAttributionReferrer  string
	CloudAttributionTitle     string

	LocalRequestTimeout time.Duration
	CloudRequestTimeout time.Duration

	LivenessTTL          time.Duration
	OfflineEvictDelta    time.Duration
	MaxConsecutiveFailures int

	DefaultRateLimitPerMinute int
	DefaultRateLimitPerHour   int

	RedisAddr           string
	GatewayPort         string
	ConnectorConfigPath string
	UsageDBPath         string

	OTelServiceName        string
	OTelExporterOTLPEndpoint string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

// FromEnv builds a Config from the process environment, applying spec.md §6's
// documented defaults for anything unset.
func FromEnv() Config {
	return Config{
		AdminAPIKey: os.Getenv("ADMIN_API_KEY"),
		NodeSecret:  os.Getenv("NODE_SECRET"),

		CloudAPIKey:              os.Getenv("CLOUD_API_KEY"),
		CloudBaseURL:             os.Getenv("CLOUD_BASE_URL"),
		CloudAttributionReferrer: os.Getenv("CLOUD_ATTRIBUTION_REFERRER"),
		CloudAttributionTitle:    os.Getenv("CLOUD_ATTRIBUTION_TITLE"),

		LocalRequestTimeout: time.Duration(getenvInt("LOCAL_REQUEST_TIMEOUT_SECONDS", 120)) * time.Second,
		CloudRequestTimeout: time.Duration(getenvInt("CLOUD_REQUEST_TIMEOUT_SECONDS", 60)) * time.Second,

		LivenessTTL:            time.Duration(getenvInt("LIVENESS_TTL_SECONDS", 90)) * time.Second,
		OfflineEvictDelta:      time.Duration(getenvInt("OFFLINE_EVICT_DELTA_SECONDS", 180)) * time.Second,
		MaxConsecutiveFailures: getenvInt("MAX_CONSECUTIVE_FAILURES", 3),

		DefaultRateLimitPerMinute: getenvInt("DEFAULT_RATE_LIMIT_PER_MINUTE", 60),
		DefaultRateLimitPerHour:   getenvInt("DEFAULT_RATE_LIMIT_PER_HOUR", 1000),

		RedisAddr:           getenv("REDIS_ADDR", "localhost:6379"),
		GatewayPort:         getenv("GATEWAY_PORT", "8080"),
		ConnectorConfigPath: getenv("CONNECTOR_CONFIG_PATH", "./connectors.json"),
		UsageDBPath:         getenv("USAGE_DB_PATH", "./gateway_usage.db"),

		OTelServiceName:          getenv("OTEL_SERVICE_NAME", "llm-gateway"),
		OTelExporterOTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}
