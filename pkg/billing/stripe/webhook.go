package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subgate/pkg/billing"
	"github.com/mihaimyh/subgate/pkg/billing/internal"
	"github.com/mihaimyh/subgate/pkg/subgate"
)

const (
	eventSubscriptionCreated  = "customer.subscription.created"
	eventSubscriptionUpdated  = "customer.subscription.updated"
	eventSubscriptionDeleted  = "customer.subscription.deleted"
	eventSubscriptionResumed  = "customer.subscription.resumed"
	eventCheckoutCompleted    = "checkout.session.completed"
	eventInvoicePaymentPaid   = "invoice.payment_succeeded"
	eventInvoicePaymentFailed = "invoice.payment_failed"
)

func isHandledEvent(eventType string) bool {
	switch eventType {
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted, eventSubscriptionResumed,
		eventCheckoutCompleted, eventInvoicePaymentPaid, eventInvoicePaymentFailed:
		return true
	}
	return false
}

// handleWebhook processes incoming Stripe webhook events. Every event that
// passes signature verification is acknowledged with 200; processing failures
// are reported in the body and in logs.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		_ = internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if p.webhookSecret == "" {
		p.logger.Error("Stripe webhook secret is not configured")
		p.metrics.RecordWebhookError(providerName, "not_configured")
		_ = internal.WriteError(w, http.StatusInternalServerError, "webhook secret not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookPayloadBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			_ = internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			_ = internal.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		}
		return
	}

	outcome, err := p.Handle(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		p.logger.Warn("Stripe webhook signature verification failed",
			subgate.F("remoteIP", internal.GetClientIP(r)),
			subgate.F("error", err),
		)
		p.metrics.RecordWebhookError(providerName, "invalid_signature")
		_ = internal.WriteError(w, http.StatusBadRequest, "webhook signature verification failed")
		return
	}

	status := "success"
	switch {
	case !isHandledEvent(outcome.EventType):
		status = "unhandled"
	case !outcome.ProcessedOK:
		status = "error"
	}
	p.metrics.RecordWebhookEvent(providerName, outcome.EventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, outcome.EventType, time.Since(startTime))

	_ = internal.WriteJSON(w, http.StatusOK, outcome)
}

// Handle verifies the signature over the raw body and dispatches the event.
// An error is returned only when the event could not be authenticated, in which
// case nothing was processed.
func (p *Provider) Handle(ctx context.Context, body []byte, signature string) (*billing.Outcome, error) {
	if p.webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature header", billing.ErrInvalidWebhookSignature)
	}

	event, err := webhook.ConstructEventWithOptions(body, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}

	return p.Dispatch(ctx, &event), nil
}

// Dispatch routes a verified event to its handler and reports the outcome.
func (p *Provider) Dispatch(ctx context.Context, event *stripe.Event) *billing.Outcome {
	outcome := &billing.Outcome{
		Received:  true,
		EventID:   event.ID,
		EventType: string(event.Type),
	}

	if !isHandledEvent(outcome.EventType) {
		details := fmt.Sprintf("Unhandled event type: %s", event.Type)
		p.logger.Info(details, subgate.F("eventID", event.ID))
		return outcome.Succeeded(details)
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return outcome.Failed(billing.ErrInvalidWebhookPayload.Error())
	}

	eventTime := time.Unix(event.Created, 0)
	var (
		details string
		err     error
	)
	switch outcome.EventType {
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted, eventSubscriptionResumed:
		details, err = p.handleSubscriptionEvent(ctx, event, eventTime)
	case eventCheckoutCompleted:
		details, err = p.handleCheckoutSessionCompleted(ctx, event)
	case eventInvoicePaymentPaid:
		details, err = p.handleInvoicePaymentSucceeded(ctx, event)
	case eventInvoicePaymentFailed:
		details, err = p.handleInvoicePaymentFailed(ctx, event, eventTime)
	}

	if err != nil {
		p.metrics.RecordWebhookError(providerName, errorType(err))
		p.logger.Error("Failed to process Stripe event",
			subgate.F("eventID", event.ID),
			subgate.F("eventType", outcome.EventType),
			subgate.F("error", err),
		)
		return outcome.Failed(err.Error())
	}
	return outcome.Succeeded(details)
}

// handleSubscriptionEvent resyncs the subscription from the API. A deleted
// subscription Stripe no longer returns is synced from the event snapshot.
func (p *Provider) handleSubscriptionEvent(ctx context.Context, event *stripe.Event, eventTime time.Time) (string, error) {
	var snapshot stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &snapshot); err != nil {
		return "", fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if snapshot.ID == "" {
		return "", fmt.Errorf("%w: subscription without id", billing.ErrInvalidWebhookPayload)
	}

	_, err := p.SyncSubscriptionByID(ctx, snapshot.ID, string(event.Type))
	if err == nil {
		return "", nil
	}

	if string(event.Type) == eventSubscriptionDeleted && isNotFound(err) {
		p.logger.Info("Deleted subscription is gone upstream, syncing from event snapshot",
			subgate.F("subscriptionID", snapshot.ID),
		)
		if _, err := p.Sync(ctx, &snapshot, event.Data.Raw, string(event.Type), eventTime); err != nil {
			return "", err
		}
		return "Synced from event snapshot", nil
	}
	return "", err
}

func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) (string, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "", fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	if session.Mode != stripe.CheckoutSessionModeSubscription ||
		session.Subscription == nil || session.Subscription.ID == "" ||
		session.Customer == nil || session.Customer.ID == "" {
		return "Not a subscription checkout session or missing data", nil
	}

	if _, err := p.SyncSubscriptionByID(ctx, session.Subscription.ID, string(event.Type)); err != nil {
		return "", err
	}
	return "", nil
}

func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) (string, error) {
	subscriptionID := InvoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		return "Invoice paid but no subscription linked", nil
	}

	if _, err := p.SyncSubscriptionByID(ctx, subscriptionID, string(event.Type)); err != nil {
		return "", err
	}
	return "", nil
}

func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event, eventTime time.Time) (string, error) {
	subscriptionID := InvoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		return "Invoice payment failed but no subscription linked", nil
	}

	if _, err := p.MarkPastDue(ctx, subscriptionID, string(event.Type), eventTime); err != nil {
		return "", fmt.Errorf("failed to mark subscription %s as past_due: %w", subscriptionID, err)
	}
	return "", nil
}

func errorType(err error) string {
	var syncErr *SyncError
	switch {
	case errors.As(err, &syncErr):
		return string(syncErr.Stage)
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		return "invalid_payload"
	case errors.Is(err, subgate.ErrSubscriptionNotFound):
		return "subscription_not_found"
	case isNotFound(err):
		return "not_found_upstream"
	}
	return "processing_error"
}
