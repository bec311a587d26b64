package subgate

import (
	"context"
	"fmt"
	"slices"
)

// SubscriptionStore persists canonical subscriptions.
type SubscriptionStore interface {
	// UpsertSubscription inserts or replaces the row keyed by StripeSubscriptionID.
	// The internal ID and CreatedAt of an existing row are preserved.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscriptionStatus overwrites only the status of an existing row and
	// returns the updated row. Returns ErrSubscriptionNotFound if no row matches.
	UpdateSubscriptionStatus(ctx context.Context, stripeSubscriptionID string, status Status) (*Subscription, error)

	// GetSubscription returns the row for a Stripe subscription id.
	GetSubscription(ctx context.Context, stripeSubscriptionID string) (*Subscription, error)

	// GetCurrentSubscription returns the user's subscription in one of the given
	// statuses with the latest current period end. Returns ErrSubscriptionNotFound
	// when the user has none.
	GetCurrentSubscription(ctx context.Context, userID string, statuses []Status) (*Subscription, error)
}

// CatalogStore holds plans and prices.
type CatalogStore interface {
	SavePlan(ctx context.Context, plan *Plan) error
	SavePrice(ctx context.Context, price *Price) error

	// GetPrice looks a price up by internal id.
	GetPrice(ctx context.Context, priceID string) (*Price, error)

	// GetPriceByStripeID looks a price up by Stripe price id.
	// Returns ErrPriceNotFound if the catalog has no such price.
	GetPriceByStripeID(ctx context.Context, stripePriceID string) (*Price, error)
}

// ProfileStore links users to Stripe customers.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	SaveProfile(ctx context.Context, profile *Profile) error

	// FindUserIDByCustomerID returns the user whose profile stores the customer id.
	FindUserIDByCustomerID(ctx context.Context, customerID string) (string, error)
}

// FeatureFlagStore holds the admin-managed feature tier tables.
type FeatureFlagStore interface {
	SaveFeatureFlag(ctx context.Context, flag *FeatureFlag) error

	// GetFeatureFlag returns ErrFeatureNotConfigured when no row exists.
	GetFeatureFlag(ctx context.Context, name string) (*FeatureFlag, error)

	ListFeatureFlags(ctx context.Context) ([]*FeatureFlag, error)
}

// Storage is everything the synchronizer and evaluator persist or read.
type Storage interface {
	SubscriptionStore
	CatalogStore
	ProfileStore
	FeatureFlagStore
}

// ProjectStore exposes the read-only usage lookups needed by the composed checks.
// Project and lead management live elsewhere in the application.
type ProjectStore interface {
	// GetProjectOwner returns ErrProjectNotFound for unknown projects.
	GetProjectOwner(ctx context.Context, projectID string) (string, error)
	CountProjects(ctx context.Context, ownerID string) (int, error)
	CountLeads(ctx context.Context, projectID string) (int, error)
}

// ValidateSubscription checks the fields every store relies on.
func ValidateSubscription(sub *Subscription) error {
	switch {
	case sub == nil:
		return ErrInvalidSubscription
	case sub.StripeSubscriptionID == "":
		return fmt.Errorf("%w: missing stripe subscription id", ErrInvalidSubscription)
	case sub.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidSubscription)
	}
	return nil
}

// PickCurrent returns the subscription among subs whose status is in statuses
// with the latest current period end, breaking ties by UpdatedAt. Rows without
// a period end sort last. Stores that cannot order in the backend use it.
func PickCurrent(subs []*Subscription, statuses []Status) *Subscription {
	var best *Subscription
	for _, sub := range subs {
		if !slices.Contains(statuses, sub.Status) {
			continue
		}
		if best == nil || newer(sub, best) {
			best = sub
		}
	}
	return best
}

func newer(a, b *Subscription) bool {
	switch {
	case a.CurrentPeriodEnd != nil && b.CurrentPeriodEnd == nil:
		return true
	case a.CurrentPeriodEnd == nil && b.CurrentPeriodEnd != nil:
		return false
	case a.CurrentPeriodEnd != nil && !a.CurrentPeriodEnd.Equal(*b.CurrentPeriodEnd):
		return a.CurrentPeriodEnd.After(*b.CurrentPeriodEnd)
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}
