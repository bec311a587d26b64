package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// eventType: The type of event (e.g., "customer.subscription.updated")
	// status: "success", "error" or "unhandled"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "invalid_signature", "resolve_user", "persist")
	RecordWebhookError(provider, errorType string)

	// RecordSubscriptionSync records a subscription synchronization.
	// status: "success" or "error"
	RecordSubscriptionSync(provider, status string)

	// RecordSubscriptionSyncDuration records how long a subscription sync took.
	RecordSubscriptionSyncDuration(provider string, duration time.Duration)

	// RecordStatusChange records a subscription status transition.
	RecordStatusChange(provider, fromStatus, toStatus string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "subscriptions.retrieve")
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordSubscriptionSync(_, _ string)                           {}
func (n *NoopMetrics) RecordSubscriptionSyncDuration(_ string, _ time.Duration)     {}
func (n *NoopMetrics) RecordStatusChange(_, _, _ string)                            {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
