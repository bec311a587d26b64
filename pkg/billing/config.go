package billing

import (
	"net/http"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

// Invalidator drops cached derived state of a user after their subscription changed.
// *subgate.Evaluator implements it.
type Invalidator interface {
	InvalidateUser(userID string)
}

// Config defines the standard configuration all providers should accept
type Config struct {
	// Storage receives canonical subscriptions and serves the identity and catalog lookups
	Storage subgate.Storage

	// Invalidator is called synchronously after every successful subscription write (optional)
	Invalidator Invalidator

	// WebhookSecret is the shared secret used to verify incoming webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger subgate.Logger

	// OnSync is called after a subscription was written (optional).
	// Errors returned by the callback are logged and do not fail the webhook.
	OnSync SyncCallback
}
