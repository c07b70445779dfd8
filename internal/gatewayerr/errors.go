// Package gatewayerr defines the gateway's classified error taxonomy
// (spec §7). Handlers map these to HTTP status codes; everything else is an
// opaque internal error.
package gatewayerr

import (
	"errors"
	"fmt"
)

// ErrUnauthorized indicates a missing or malformed Authorization header.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden indicates an unknown/inactive credential or a disallowed model.
var ErrForbidden = errors.New("forbidden")

// RateLimitedError carries the remaining/reset detail a 429 response reports.
type RateLimitedError struct {
	MinuteRemaining int
	HourRemaining   int
	MinuteReset     int64
	HourReset       int64
}

func (e *RateLimitedError) Error() string { return "rate limited" }

// ErrNoCandidates signals the local provider had no online node for the
// requested model. It is not surfaced to the client directly — it triggers
// fallback in the Provider Router.
var ErrNoCandidates = errors.New("no local candidates")

// NodeUnreachableError signals every dispatch strategy for a node failed.
type NodeUnreachableError struct {
	NodeID     string
	LastStatus int
}

func (e *NodeUnreachableError) Error() string {
	return fmt.Sprintf("node %s unreachable (last status %d)", e.NodeID, e.LastStatus)
}

// ProviderFailure is one entry in an AllProvidersFailedError.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// AllProvidersFailedError is the final, surfaced 503 error: every configured
// provider in the connector's order failed or was skipped.
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed (%d attempted)", len(e.Failures))
}

// UpstreamBadResponseError wraps a non-2xx response from an upstream target.
type UpstreamBadResponseError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamBadResponseError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}
