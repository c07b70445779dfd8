// Command statusboard is a read-only aggregator: it polls the gateway's
// internal registry snapshot and rate-limit peek endpoints and flattens them
// into a single dashboard response, the way an operator's status page would.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const serviceName = "gateway-statusboard"
const defaultTimeoutSeconds = 2
const defaultPort = 8090

type config struct {
	GatewayURL string
	Timeout    time.Duration
	Port       int
}

func loadConfig() config {
	timeoutSeconds, _ := strconv.Atoi(os.Getenv("STATUSBOARD_TIMEOUT_SECONDS"))
	if timeoutSeconds == 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}

	port, _ := strconv.Atoi(os.Getenv("STATUSBOARD_PORT"))
	if port == 0 {
		port = defaultPort
	}

	gatewayURL := os.Getenv("GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "http://localhost:8080"
	}

	return config{
		GatewayURL: gatewayURL,
		Timeout:    time.Duration(timeoutSeconds) * time.Second,
		Port:       port,
	}
}

func logJSON(level, message string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"level":     level,
		"service":   serviceName,
		"message":   message,
	}
	for k, v := range fields {
		entry[k] = v
	}
	data, _ := json.Marshal(entry)
	fmt.Println(string(data))
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": serviceName, "status": "ok"})
}

type fetchResult struct {
	name string
	data interface{}
	err  error
}

func fetchJSON(ctx context.Context, client *http.Client, method, url, name, requestID string, ch chan<- fetchResult) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		ch <- fetchResult{name: name, err: fmt.Errorf("request creation failed: %w", err)}
		return
	}
	req.Header.Set("X-Request-Id", requestID)

	resp, err := client.Do(req)
	if err != nil {
		ch <- fetchResult{name: name, err: fmt.Errorf("network error: %w", err)}
		return
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		ch <- fetchResult{name: name, err: fmt.Errorf("failed to read response body: %w", err)}
		return
	}

	if resp.StatusCode != http.StatusOK {
		ch <- fetchResult{name: name, err: fmt.Errorf("status code %d: %s", resp.StatusCode, string(bodyBytes))}
		return
	}

	var data interface{}
	if err := json.Unmarshal(bodyBytes, &data); err != nil {
		ch <- fetchResult{name: name, data: string(bodyBytes)}
		return
	}
	ch <- fetchResult{name: name, data: data}
}

// dashboardHandler aggregates the registry snapshot with a fixed set of
// connector rate-limit peeks, named by the repeatable "connector_id" query param.
func dashboardHandler(cfg config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Timeout)
		defer cancel()

		client := &http.Client{Timeout: cfg.Timeout}

		connectorIDs := c.QueryArray("connector_id")
		ch := make(chan fetchResult, 1+len(connectorIDs))

		go fetchJSON(ctx, client, http.MethodGet, cfg.GatewayURL+"/internal/registry/snapshot", "registry", requestID, ch)
		for _, id := range connectorIDs {
			go fetchJSON(ctx, client, http.MethodGet, cfg.GatewayURL+"/internal/ratelimit/"+id, "ratelimit:"+id, requestID, ch)
		}

		results := make(map[string]interface{})
		for i := 0; i < 1+len(connectorIDs); i++ {
			r := <-ch
			if r.err != nil {
				results[r.name] = gin.H{"error": r.err.Error(), "status": "failed"}
				continue
			}
			results[r.name] = r.data
		}

		logJSON("info", "dashboard aggregation complete", map[string]interface{}{
			"request_id": requestID,
			"latency_ms": time.Since(start).Milliseconds(),
		})

		c.JSON(http.StatusOK, gin.H{
			"service":    serviceName,
			"status":     "ok",
			"request_id": requestID,
			"data":       results,
		})
	}
}

func main() {
	cfg := loadConfig()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		logJSON("info", "request processed", map[string]interface{}{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
		})
	})

	router.GET("/health", healthCheck)
	router.GET("/api/v1/dashboard-data", dashboardHandler(cfg))

	addr := fmt.Sprintf(":%d", cfg.Port)
	logJSON("info", "statusboard listening", map[string]interface{}{"addr": addr, "gateway_url": cfg.GatewayURL})
	if err := router.Run(addr); err != nil {
		logJSON("error", "server failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}
