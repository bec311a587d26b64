package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a billing backend implements to keep subscriptions in sync.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, parsing and storage updates internally.
	WebhookHandler() http.Handler

	// SyncSubscription pulls one subscription from the provider and writes it to storage.
	// This is used for manual reconciliation of missed or failed events.
	SyncSubscription(ctx context.Context, subscriptionID string) error
}
