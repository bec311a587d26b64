package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

// Outcome is the acknowledgment body returned for every verified webhook.
// ProcessedOK reports whether the event's effects were applied; delivery is
// acknowledged either way.
type Outcome struct {
	Received    bool   `json:"received"`
	EventID     string `json:"eventId"`
	EventType   string `json:"eventType"`
	ProcessedOK bool   `json:"processedOk"`
	Details     string `json:"details"`
}

// Succeeded marks the outcome as processed.
func (o *Outcome) Succeeded(details string) *Outcome {
	o.ProcessedOK = true
	o.Details = details
	return o
}

// Failed marks the outcome as not processed.
func (o *Outcome) Failed(details string) *Outcome {
	o.ProcessedOK = false
	o.Details = details
	return o
}

// SyncEvent describes a subscription write, passed to the OnSync callback.
type SyncEvent struct {
	// UserID is the internal user identifier
	UserID string

	// SubscriptionID is the provider's subscription id
	SubscriptionID string

	// PreviousStatus is empty when the subscription was not stored before
	PreviousStatus subgate.Status

	// NewStatus is the status after the write
	NewStatus subgate.Status

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider event that triggered the write, empty for manual syncs
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// PeriodEnd is the end of the current billing period, if known
	PeriodEnd *time.Time
}

// SyncCallback is invoked after a subscription write succeeded.
type SyncCallback func(ctx context.Context, event SyncEvent) error
