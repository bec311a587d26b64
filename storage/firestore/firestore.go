// Package firestore provides a Firestore implementation of the subgate.Storage interface.
// Subscriptions are keyed by Stripe subscription id, so an upsert of the same
// subscription always targets the same document.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

// Storage implements subgate.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	plansCollection         string
	pricesCollection        string
	profilesCollection      string
	featureFlagsCollection  string
}

var _ subgate.Storage = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection holds canonical subscriptions
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// PlansCollection and PricesCollection hold the catalog
	// Default: "billing_plans" and "billing_prices"
	PlansCollection  string
	PricesCollection string

	// ProfilesCollection links users to Stripe customers
	// Default: "profiles"
	ProfilesCollection string

	// FeatureFlagsCollection holds feature tier tables
	// Default: "feature_flags"
	FeatureFlagsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.PlansCollection == "" {
		config.PlansCollection = "billing_plans"
	}
	if config.PricesCollection == "" {
		config.PricesCollection = "billing_prices"
	}
	if config.ProfilesCollection == "" {
		config.ProfilesCollection = "profiles"
	}
	if config.FeatureFlagsCollection == "" {
		config.FeatureFlagsCollection = "feature_flags"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		plansCollection:         config.PlansCollection,
		pricesCollection:        config.PricesCollection,
		profilesCollection:      config.ProfilesCollection,
		featureFlagsCollection:  config.FeatureFlagsCollection,
	}, nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// UpsertSubscription implements subgate.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subgate.Subscription) error {
	if err := subgate.ValidateSubscription(sub); err != nil {
		return err
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.StripeSubscriptionID)
	now := time.Now().UTC()
	id := sub.ID
	createdAt := now

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		switch {
		case err == nil && snap.Exists():
			data := snap.Data()
			id = getString(data, "id")
			createdAt = getTime(data, "createdAt")
		case err != nil && !isNotFound(err):
			return err
		}
		if id == "" {
			id = uuid.NewString()
		}

		data := subscriptionData(sub)
		data["id"] = id
		data["createdAt"] = createdAt
		data["updatedAt"] = now
		return tx.Set(doc, data)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	sub.ID = id
	sub.CreatedAt = createdAt
	sub.UpdatedAt = now
	return nil
}

// UpdateSubscriptionStatus implements subgate.Storage
func (s *Storage) UpdateSubscriptionStatus(
	ctx context.Context, stripeSubscriptionID string, st subgate.Status,
) (*subgate.Subscription, error) {
	doc := s.client.Collection(s.subscriptionsCollection).Doc(stripeSubscriptionID)
	var updated *subgate.Subscription

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if isNotFound(err) {
				return subgate.ErrSubscriptionNotFound
			}
			return err
		}

		now := time.Now().UTC()
		updated = subscriptionFromData(snap.Data())
		updated.Status = st
		updated.UpdatedAt = now

		return tx.Update(doc, []firestore.Update{
			{Path: "status", Value: string(st)},
			{Path: "updatedAt", Value: now},
		})
	})
	if errors.Is(err, subgate.ErrSubscriptionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription status: %w", err)
	}
	return updated, nil
}

// GetSubscription implements subgate.Storage
func (s *Storage) GetSubscription(ctx context.Context, stripeSubscriptionID string) (*subgate.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(stripeSubscriptionID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, subgate.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subgate.ErrSubscriptionNotFound
	}
	return subscriptionFromData(snap.Data()), nil
}

// GetCurrentSubscription implements subgate.Storage
func (s *Storage) GetCurrentSubscription(
	ctx context.Context, userID string, statuses []subgate.Status,
) (*subgate.Subscription, error) {
	if len(statuses) == 0 {
		return nil, subgate.ErrSubscriptionNotFound
	}
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}

	iter := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Where("status", "in", values).
		Documents(ctx)
	defer iter.Stop()

	var subs []*subgate.Subscription
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query subscriptions: %w", err)
		}
		subs = append(subs, subscriptionFromData(snap.Data()))
	}

	current := subgate.PickCurrent(subs, statuses)
	if current == nil {
		return nil, subgate.ErrSubscriptionNotFound
	}
	return current, nil
}

func subscriptionData(sub *subgate.Subscription) map[string]interface{} {
	metadata := make(map[string]interface{}, len(sub.Metadata))
	for k, v := range sub.Metadata {
		metadata[k] = v
	}
	return map[string]interface{}{
		"userId":               sub.UserID,
		"planId":               sub.PlanID,
		"priceId":              sub.PriceID,
		"stripeSubscriptionId": sub.StripeSubscriptionID,
		"stripeCustomerId":     sub.StripeCustomerID,
		"status":               string(sub.Status),
		"currentPeriodStart":   timeValue(sub.CurrentPeriodStart),
		"currentPeriodEnd":     timeValue(sub.CurrentPeriodEnd),
		"cancelAtPeriodEnd":    sub.CancelAtPeriodEnd,
		"canceledAt":           timeValue(sub.CanceledAt),
		"endedAt":              timeValue(sub.EndedAt),
		"trialStart":           timeValue(sub.TrialStart),
		"trialEnd":             timeValue(sub.TrialEnd),
		"metadata":             metadata,
	}
}

func subscriptionFromData(data map[string]interface{}) *subgate.Subscription {
	sub := &subgate.Subscription{
		ID:                   getString(data, "id"),
		UserID:               getString(data, "userId"),
		PlanID:               getString(data, "planId"),
		PriceID:              getString(data, "priceId"),
		StripeSubscriptionID: getString(data, "stripeSubscriptionId"),
		StripeCustomerID:     getString(data, "stripeCustomerId"),
		Status:               subgate.Status(getString(data, "status")),
		CurrentPeriodStart:   getTimePtr(data, "currentPeriodStart"),
		CurrentPeriodEnd:     getTimePtr(data, "currentPeriodEnd"),
		CancelAtPeriodEnd:    getBool(data, "cancelAtPeriodEnd"),
		CanceledAt:           getTimePtr(data, "canceledAt"),
		EndedAt:              getTimePtr(data, "endedAt"),
		TrialStart:           getTimePtr(data, "trialStart"),
		TrialEnd:             getTimePtr(data, "trialEnd"),
		CreatedAt:            getTime(data, "createdAt"),
		UpdatedAt:            getTime(data, "updatedAt"),
	}
	if raw, ok := data["metadata"].(map[string]interface{}); ok && len(raw) > 0 {
		sub.Metadata = make(map[string]string, len(raw))
		for k, v := range raw {
			if str, ok := v.(string); ok {
				sub.Metadata[k] = str
			}
		}
	}
	return sub
}

// SavePlan implements subgate.Storage
func (s *Storage) SavePlan(ctx context.Context, plan *subgate.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}

	_, err := s.client.Collection(s.plansCollection).Doc(plan.ID).Set(ctx, map[string]interface{}{
		"name":        plan.Name,
		"description": plan.Description,
		"active":      plan.Active,
		"updatedAt":   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// SavePrice implements subgate.Storage. A missing ID is generated.
func (s *Storage) SavePrice(ctx context.Context, price *subgate.Price) error {
	if price == nil || price.PlanID == "" || price.StripePriceID == "" {
		return fmt.Errorf("invalid price")
	}
	if price.ID == "" {
		price.ID = uuid.NewString()
	}

	_, err := s.client.Collection(s.pricesCollection).Doc(price.ID).Set(ctx, map[string]interface{}{
		"planId":        price.PlanID,
		"stripePriceId": price.StripePriceID,
		"currency":      price.Currency,
		"unitAmount":    price.UnitAmount,
		"interval":      price.Interval,
		"intervalCount": int64(price.IntervalCount),
		"active":        price.Active,
		"updatedAt":     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save price: %w", err)
	}
	return nil
}

func priceFromSnapshot(snap *firestore.DocumentSnapshot) *subgate.Price {
	data := snap.Data()
	return &subgate.Price{
		ID:            snap.Ref.ID,
		PlanID:        getString(data, "planId"),
		StripePriceID: getString(data, "stripePriceId"),
		Currency:      getString(data, "currency"),
		UnitAmount:    getInt64(data, "unitAmount"),
		Interval:      getString(data, "interval"),
		IntervalCount: int(getInt64(data, "intervalCount")),
		Active:        getBool(data, "active"),
	}
}

// GetPrice implements subgate.Storage
func (s *Storage) GetPrice(ctx context.Context, priceID string) (*subgate.Price, error) {
	snap, err := s.client.Collection(s.pricesCollection).Doc(priceID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, subgate.ErrPriceNotFound
		}
		return nil, fmt.Errorf("failed to get price: %w", err)
	}
	return priceFromSnapshot(snap), nil
}

// GetPriceByStripeID implements subgate.Storage
func (s *Storage) GetPriceByStripeID(ctx context.Context, stripePriceID string) (*subgate.Price, error) {
	snap, err := s.findOne(ctx, s.client.Collection(s.pricesCollection).Where("stripePriceId", "==", stripePriceID))
	if err != nil {
		return nil, fmt.Errorf("failed to look up price: %w", err)
	}
	if snap == nil {
		return nil, subgate.ErrPriceNotFound
	}
	return priceFromSnapshot(snap), nil
}

// GetProfile implements subgate.Storage
func (s *Storage) GetProfile(ctx context.Context, userID string) (*subgate.Profile, error) {
	snap, err := s.client.Collection(s.profilesCollection).Doc(userID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, subgate.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	data := snap.Data()
	return &subgate.Profile{
		UserID:           userID,
		StripeCustomerID: getString(data, "stripeCustomerId"),
		Email:            getString(data, "email"),
		FullName:         getString(data, "fullName"),
	}, nil
}

// SaveProfile implements subgate.Storage
func (s *Storage) SaveProfile(ctx context.Context, profile *subgate.Profile) error {
	if profile == nil || profile.UserID == "" {
		return subgate.ErrInvalidUserID
	}

	_, err := s.client.Collection(s.profilesCollection).Doc(profile.UserID).Set(ctx, map[string]interface{}{
		"stripeCustomerId": profile.StripeCustomerID,
		"email":            profile.Email,
		"fullName":         profile.FullName,
		"updatedAt":        time.Now().UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// FindUserIDByCustomerID implements subgate.Storage
func (s *Storage) FindUserIDByCustomerID(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", subgate.ErrUserNotFound
	}
	snap, err := s.findOne(ctx, s.client.Collection(s.profilesCollection).Where("stripeCustomerId", "==", customerID))
	if err != nil {
		return "", fmt.Errorf("failed to find user by customer: %w", err)
	}
	if snap == nil {
		return "", subgate.ErrUserNotFound
	}
	return snap.Ref.ID, nil
}

// SaveFeatureFlag implements subgate.Storage
func (s *Storage) SaveFeatureFlag(ctx context.Context, flag *subgate.FeatureFlag) error {
	if flag == nil || flag.Name == "" {
		return fmt.Errorf("invalid feature flag")
	}

	configs := make([]interface{}, len(flag.Configs))
	for i, cfg := range flag.Configs {
		var priceID interface{}
		if cfg.PriceID != nil {
			priceID = *cfg.PriceID
		}
		var limit interface{} = cfg.Limit.String()
		if k := cfg.Limit.Kind(); k == subgate.LimitEnabled || k == subgate.LimitDisabled {
			limit = cfg.Limit.Enabled()
		}
		configs[i] = map[string]interface{}{"priceId": priceID, "limit": limit}
	}

	_, err := s.client.Collection(s.featureFlagsCollection).Doc(flag.Name).Set(ctx, map[string]interface{}{
		"priceConfigs": configs,
		"updatedAt":    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save feature flag: %w", err)
	}
	return nil
}

func featureFlagFromSnapshot(snap *firestore.DocumentSnapshot) (*subgate.FeatureFlag, error) {
	flag := &subgate.FeatureFlag{Name: snap.Ref.ID}
	raw, _ := snap.Data()["priceConfigs"].([]interface{})
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		var cfg subgate.PriceConfig
		if id, ok := entry["priceId"].(string); ok {
			cfg.PriceID = subgate.PriceRef(id)
		}
		switch v := entry["limit"].(type) {
		case bool:
			cfg.Limit = subgate.BoolLimit(v)
		case string:
			limit, err := subgate.ParseLimit(v)
			if err != nil {
				return nil, fmt.Errorf("feature %s: %w", flag.Name, err)
			}
			cfg.Limit = limit
		case int64:
			cfg.Limit = subgate.NumericLimit(int(v))
		default:
			return nil, fmt.Errorf("feature %s: %w: %v", flag.Name, subgate.ErrInvalidLimit, v)
		}
		flag.Configs = append(flag.Configs, cfg)
	}
	return flag, nil
}

// GetFeatureFlag implements subgate.Storage
func (s *Storage) GetFeatureFlag(ctx context.Context, name string) (*subgate.FeatureFlag, error) {
	snap, err := s.client.Collection(s.featureFlagsCollection).Doc(name).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, subgate.ErrFeatureNotConfigured
		}
		return nil, fmt.Errorf("failed to get feature flag: %w", err)
	}
	return featureFlagFromSnapshot(snap)
}

// ListFeatureFlags implements subgate.Storage
func (s *Storage) ListFeatureFlags(ctx context.Context) ([]*subgate.FeatureFlag, error) {
	snaps, err := s.client.Collection(s.featureFlagsCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list feature flags: %w", err)
	}

	flags := make([]*subgate.FeatureFlag, 0, len(snaps))
	for _, snap := range snaps {
		flag, err := featureFlagFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, nil
}

// findOne returns the first document matched by q, or nil when none matches.
func (s *Storage) findOne(ctx context.Context, q firestore.Query) (*firestore.DocumentSnapshot, error) {
	iter := q.Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, nil
	}
	return snap, err
}

func timeValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	v, ok := data[key].(time.Time)
	if !ok || v.IsZero() {
		return nil
	}
	return &v
}
