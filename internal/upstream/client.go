// Package upstream implements the Upstream Client (spec.md §4.H): a single
// OpenAI-compatible chat-completions client reused for both node targets
// (raw byte forwarding) and the cloud target (typed, via go-openai).
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ollamafleet/gateway/internal/gatewayerr"
)

// newSharedTransport builds a pooled transport for outbound LLM traffic. It
// carries no request-level timeout of its own: New sets that on the
// http.Client wrapping it, and a caller's context deadline also applies.
func newSharedTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// attributionTransport decorates a base RoundTripper with the OpenRouter-style
// attribution headers, the way the teacher's ClientTraceTransport decorates
// its base transport for outbound tracing.
type attributionTransport struct {
	base     http.RoundTripper
	referrer string
	title    string
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.referrer != "" {
		req.Header.Set("HTTP-Referer", t.referrer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(req)
}

// RawResponse is the byte-exact result of a node dispatch: body and
// content-type are forwarded as-is per spec.md §4.E, never re-decoded.
type RawResponse struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// CloudConfig configures the cloud provider branch.
type CloudConfig struct {
	APIKey              string
	BaseURL             string
	AttributionReferrer string
	AttributionTitle    string
	Timeout             time.Duration
}

// Client is the single Upstream Client shared by the Dispatcher (node
// targets) and the Provider Router (cloud target).
type Client struct {
	nodeHTTP *http.Client
	cloud    *openai.Client
}

// New constructs a Client. nodeTimeout and cloud.Timeout bound the two
// branches independently, per spec.md §5's default 120s/60s deadlines.
func New(nodeTimeout time.Duration, cloud CloudConfig) *Client {
	nodeHTTP := &http.Client{Transport: newSharedTransport(), Timeout: nodeTimeout}

	cloudHTTP := &http.Client{
		Transport: &attributionTransport{
			base:     newSharedTransport(),
			referrer: cloud.AttributionReferrer,
			title:    cloud.AttributionTitle,
		},
		Timeout: cloud.Timeout,
	}

	cfg := openai.DefaultConfig(cloud.APIKey)
	cfg.BaseURL = strings.TrimRight(cloud.BaseURL, "/")
	cfg.HTTPClient = cloudHTTP

	return &Client{
		nodeHTTP: nodeHTTP,
		cloud:    openai.NewClientWithConfig(cfg),
	}
}

// PostToNode POSTs the raw OpenAI-compatible request body to
// {targetBaseURL}/v1/chat/completions and forwards the response verbatim. A
// transport-level error or non-2xx status is surfaced as an error so the
// Dispatcher can classify it as a strategy failure; the caller decides what
// that means for the node's failure_count.
func (c *Client) PostToNode(ctx context.Context, targetBaseURL string, body []byte) (*RawResponse, error) {
	url := strings.TrimRight(targetBaseURL, "/") + "/v1/chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build node request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.nodeHTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read node response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &gatewayerr.UpstreamBadResponseError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return &RawResponse{
		StatusCode:  resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// ChatCompletionCloud sends req (an already-defaulted chat request) to the
// configured cloud endpoint via the typed go-openai client.
func (c *Client) ChatCompletionCloud(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	oaiReq, err := toOpenAIRequest(req)
	if err != nil {
		return nil, fmt.Errorf("translate cloud request: %w", err)
	}

	resp, err := c.cloud.CreateChatCompletion(ctx, oaiReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &gatewayerr.UpstreamBadResponseError{StatusCode: apiErr.HTTPStatusCode, Body: fmt.Sprint(apiErr.Message)}
		}
		return nil, err
	}

	return fromOpenAIResponse(resp, "cloud", ""), nil
}
