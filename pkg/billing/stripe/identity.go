package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

// ResolveUserID maps a subscription to an internal user id. The user id hint
// in the subscription metadata wins, then the hint in the expanded customer's
// metadata, then the profile storing the customer id.
func (p *Provider) ResolveUserID(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if id := strings.TrimSpace(sub.Metadata[p.userIDKey]); id != "" {
		return id, nil
	}
	if sub.Customer != nil {
		if id := strings.TrimSpace(sub.Customer.Metadata[p.userIDKey]); id != "" {
			return id, nil
		}
	}

	customerID := CustomerID(sub)
	if customerID == "" {
		return "", fmt.Errorf("%w: no metadata hint and no customer reference", ErrUserUnresolved)
	}

	userID, err := p.storage.FindUserIDByCustomerID(ctx, customerID)
	if errors.Is(err, subgate.ErrUserNotFound) {
		return "", fmt.Errorf("%w: no profile for customer %s", ErrUserUnresolved, customerID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up customer %s: %w", customerID, err)
	}
	return userID, nil
}

// ResolvePriceDetails returns the catalog entry for a Stripe price id.
// A miss means the catalog was not seeded with the price and is reported as
// subgate.ErrPriceNotFound.
func (p *Provider) ResolvePriceDetails(ctx context.Context, stripePriceID string) (*subgate.Price, error) {
	price, err := p.storage.GetPriceByStripeID(ctx, stripePriceID)
	if err != nil {
		if errors.Is(err, subgate.ErrPriceNotFound) {
			return nil, fmt.Errorf("%w: stripe price %s is not in the catalog", subgate.ErrPriceNotFound, stripePriceID)
		}
		return nil, err
	}
	return price, nil
}
