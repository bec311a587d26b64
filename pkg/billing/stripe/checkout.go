package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subgate/pkg/billing"
	"github.com/mihaimyh/subgate/pkg/subgate"
)

// CheckoutRequest describes a subscription checkout for one user.
type CheckoutRequest struct {
	UserID string
	// Email and FullName are used when a Stripe customer has to be created
	Email    string
	FullName string
	// PriceID is the Stripe price id; it must be in the catalog
	PriceID string
	// SuccessURL and CancelURL override the provider defaults
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the created Stripe Checkout session.
type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"sessionUrl"`
}

// CheckoutURL creates a subscription-mode Stripe Checkout Session for the user.
// Users that already have an active or trialing subscription get
// billing.ErrAlreadySubscribed. A Stripe customer is created and stored on the
// profile when the user has none. The user id is written to the subscription
// metadata so webhooks resolve it without a profile lookup.
func (p *Provider) CheckoutURL(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	const endpoint = "/checkout/sessions"

	if strings.TrimSpace(req.UserID) == "" {
		return nil, subgate.ErrInvalidUserID
	}

	if _, err := p.storage.GetPriceByStripeID(ctx, req.PriceID); err != nil {
		if errors.Is(err, subgate.ErrPriceNotFound) {
			p.metrics.RecordAPICall(providerName, endpoint, "price_not_found")
			return nil, fmt.Errorf("%w: %s", billing.ErrInvalidPrice, req.PriceID)
		}
		return nil, fmt.Errorf("failed to look up price: %w", err)
	}

	current, err := p.storage.GetCurrentSubscription(ctx, req.UserID, subgate.ActiveStatuses)
	switch {
	case err == nil:
		p.metrics.RecordAPICall(providerName, endpoint, "already_subscribed")
		return nil, fmt.Errorf("%w: %s", billing.ErrAlreadySubscribed, current.StripeSubscriptionID)
	case !errors.Is(err, subgate.ErrSubscriptionNotFound):
		return nil, fmt.Errorf("failed to load current subscription: %w", err)
	}

	// Fail on storage errors rather than creating a duplicate customer.
	customerID, err := p.ensureCustomer(ctx, req)
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "customer_resolution_failed")
		return nil, err
	}

	params := &stripe.CheckoutSessionCreateParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(firstNonEmpty(req.SuccessURL, p.config.CheckoutSuccessURL)),
		CancelURL:         stripe.String(firstNonEmpty(req.CancelURL, p.config.CheckoutCancelURL)),
		ClientReferenceID: stripe.String(req.UserID),
		Metadata: map[string]string{
			p.userIDKey:       req.UserID,
			"stripe_price_id": req.PriceID,
		},
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{
				p.userIDKey: req.UserID,
			},
		},
	}

	startTime := time.Now()
	session, err := p.api.CreateCheckoutSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, fmt.Errorf("%w: failed to create checkout session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	return &CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}

// ensureCustomer returns the user's Stripe customer id, creating the customer
// and saving it on the profile when missing.
func (p *Provider) ensureCustomer(ctx context.Context, req CheckoutRequest) (string, error) {
	profile, err := p.storage.GetProfile(ctx, req.UserID)
	switch {
	case errors.Is(err, subgate.ErrUserNotFound):
		profile = &subgate.Profile{UserID: req.UserID, Email: req.Email, FullName: req.FullName}
	case err != nil:
		return "", fmt.Errorf("failed to load profile: %w", err)
	}

	if profile.StripeCustomerID != "" {
		return profile.StripeCustomerID, nil
	}

	email := firstNonEmpty(profile.Email, req.Email)
	name := firstNonEmpty(profile.FullName, req.FullName)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}

	params := &stripe.CustomerCreateParams{
		Metadata: map[string]string{p.userIDKey: req.UserID},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	if name != "" {
		params.Name = stripe.String(name)
	}

	startTime := time.Now()
	customer, err := p.api.CreateCustomer(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/customers", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/customers", "error")
		return "", fmt.Errorf("%w: failed to create customer: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/customers", "success")

	profile.StripeCustomerID = customer.ID
	if profile.Email == "" {
		profile.Email = email
	}
	if err := p.storage.SaveProfile(ctx, profile); err != nil {
		p.logger.Error("Failed to save Stripe customer on profile",
			subgate.F("userID", req.UserID),
			subgate.F("customerID", customer.ID),
			subgate.F("error", err),
		)
		return "", fmt.Errorf("failed to save stripe customer id: %w", err)
	}

	p.logger.Info("Created Stripe customer",
		subgate.F("userID", req.UserID),
		subgate.F("customerID", customer.ID),
	)
	return customer.ID, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
// Users without a Stripe customer get billing.ErrCustomerNotFound.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	const endpoint = "/billing_portal/sessions"

	profile, err := p.storage.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, subgate.ErrUserNotFound) {
		return "", fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil || profile.StripeCustomerID == "" {
		p.metrics.RecordAPICall(providerName, endpoint, "customer_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(profile.StripeCustomerID),
		ReturnURL: stripe.String(firstNonEmpty(returnURL, p.config.PortalReturnURL)),
	}

	startTime := time.Now()
	session, err := p.api.CreatePortalSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return "", fmt.Errorf("%w: failed to create portal session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	return session.URL, nil
}
