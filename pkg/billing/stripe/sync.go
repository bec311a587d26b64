package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subgate/pkg/billing"
	"github.com/mihaimyh/subgate/pkg/subgate"
)

// retrieveSubscription fetches the expanded subscription, retrying transient failures.
func (p *Provider) retrieveSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	const endpoint = "subscriptions.retrieve"

	var sub *stripe.Subscription
	err := withRetry(ctx, p.retry, func() error {
		start := time.Now()
		s, err := p.api.RetrieveSubscription(ctx, subscriptionID)
		p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
		if err != nil {
			p.metrics.RecordAPICall(providerName, endpoint, "error")
			return classifyStripeError(err)
		}
		p.metrics.RecordAPICall(providerName, endpoint, "success")
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// SyncSubscriptionByID retrieves the subscription from Stripe and synchronizes it.
// eventType is recorded on the sync event and may be empty for manual syncs.
func (p *Provider) SyncSubscriptionByID(ctx context.Context, subscriptionID, eventType string) (*subgate.Subscription, error) {
	if subscriptionID == "" {
		return nil, &SyncError{Stage: StageValidate, Err: errors.New("empty subscription id")}
	}

	sub, err := p.retrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", subscriptionID, err)
	}

	var raw []byte
	if sub.LastResponse != nil {
		raw = sub.LastResponse.RawJSON
	}
	return p.Sync(ctx, sub, raw, eventType, time.Now())
}

// Sync converts a Stripe subscription into the canonical row and upserts it.
// raw is the JSON the subscription was decoded from, used for legacy period
// fields. Every precondition is checked before anything is written; on
// failure a *SyncError is returned and storage is untouched.
func (p *Provider) Sync(ctx context.Context, sub *stripe.Subscription, raw []byte, eventType string, eventTime time.Time) (*subgate.Subscription, error) {
	start := time.Now()
	row, previous, err := p.sync(ctx, sub, raw)
	p.metrics.RecordSubscriptionSyncDuration(providerName, time.Since(start))
	if err != nil {
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, err
	}
	p.metrics.RecordSubscriptionSync(providerName, "success")

	p.afterWrite(ctx, row, previous, eventType, eventTime)
	return row, nil
}

func (p *Provider) sync(ctx context.Context, sub *stripe.Subscription, raw []byte) (*subgate.Subscription, subgate.Status, error) {
	if sub == nil || sub.ID == "" {
		return nil, "", &SyncError{Stage: StageValidate, Err: errors.New("subscription has no id")}
	}
	fail := func(stage SyncStage, err error) (*subgate.Subscription, subgate.Status, error) {
		return nil, "", &SyncError{Stage: stage, SubscriptionID: sub.ID, Err: err}
	}

	userID, err := p.ResolveUserID(ctx, sub)
	if err != nil {
		return fail(StageResolveUser, err)
	}

	stripePriceID, err := BillablePriceID(sub)
	if err != nil {
		return fail(StageExtractPrice, err)
	}

	price, err := p.ResolvePriceDetails(ctx, stripePriceID)
	if err != nil {
		return fail(StageResolvePrice, err)
	}

	status := subgate.Status(sub.Status)
	ts := ExtractTimestamps(sub, raw)
	if status.RequiresPeriod() && (ts.CurrentPeriodStart == nil || ts.CurrentPeriodEnd == nil) {
		return fail(StageValidatePeriod, fmt.Errorf("%w (status %s)", ErrMissingPeriod, status))
	}

	customerID := CustomerID(sub)
	if customerID == "" {
		return fail(StageValidate, errors.New("subscription has no customer"))
	}

	var previous subgate.Status
	existing, err := p.storage.GetSubscription(ctx, sub.ID)
	switch {
	case err == nil:
		previous = existing.Status
	case !errors.Is(err, subgate.ErrSubscriptionNotFound):
		return fail(StagePersist, err)
	}

	row := &subgate.Subscription{
		UserID:               userID,
		PlanID:               price.PlanID,
		PriceID:              price.ID,
		StripeSubscriptionID: sub.ID,
		StripeCustomerID:     customerID,
		Status:               status,
		CurrentPeriodStart:   ts.CurrentPeriodStart,
		CurrentPeriodEnd:     ts.CurrentPeriodEnd,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CanceledAt:           ts.CanceledAt,
		EndedAt:              ts.EndedAt,
		TrialStart:           ts.TrialStart,
		TrialEnd:             ts.TrialEnd,
		Metadata:             sub.Metadata,
	}
	if err := p.storage.UpsertSubscription(ctx, row); err != nil {
		return fail(StagePersist, err)
	}
	return row, previous, nil
}

// MarkPastDue overwrites the status of a stored subscription without resyncing it.
func (p *Provider) MarkPastDue(ctx context.Context, subscriptionID, eventType string, eventTime time.Time) (*subgate.Subscription, error) {
	existing, err := p.storage.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	row, err := p.storage.UpdateSubscriptionStatus(ctx, subscriptionID, subgate.StatusPastDue)
	if err != nil {
		return nil, err
	}
	p.afterWrite(ctx, row, existing.Status, eventType, eventTime)
	return row, nil
}

// afterWrite drops the user's cached features, records the transition and
// notifies the OnSync callback.
func (p *Provider) afterWrite(ctx context.Context, row *subgate.Subscription, previous subgate.Status, eventType string, eventTime time.Time) {
	if p.invalidator != nil {
		p.invalidator.InvalidateUser(row.UserID)
	}

	if previous != row.Status {
		p.metrics.RecordStatusChange(providerName, string(previous), string(row.Status))
	}

	p.logger.Info("Subscription synchronized",
		subgate.F("userID", row.UserID),
		subgate.F("subscriptionID", row.StripeSubscriptionID),
		subgate.F("status", string(row.Status)),
		subgate.F("previousStatus", string(previous)),
		subgate.F("eventType", eventType),
	)

	if p.onSync == nil {
		return
	}
	event := billing.SyncEvent{
		UserID:         row.UserID,
		SubscriptionID: row.StripeSubscriptionID,
		PreviousStatus: previous,
		NewStatus:      row.Status,
		Provider:       providerName,
		EventType:      eventType,
		EventTimestamp: eventTime,
		PeriodEnd:      row.CurrentPeriodEnd,
	}
	if err := p.onSync(ctx, event); err != nil {
		p.logger.Warn("OnSync callback failed",
			subgate.F("subscriptionID", row.StripeSubscriptionID),
			subgate.F("error", err),
		)
	}
}
