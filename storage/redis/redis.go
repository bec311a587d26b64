// Package redis provides a Redis implementation of the subgate.Storage interface.
// Records are stored as JSON strings; secondary lookups (by Stripe price id,
// by customer id, by user) are kept in index keys written in the same transaction.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

// Storage implements subgate.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var _ subgate.Storage = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subgate:")
	KeyPrefix string

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "subgate:",
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "subgate:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts used for atomic in-place updates
func (s *Storage) loadScripts() {
	// Overwrite the status of a stored subscription, keeping every other field
	s.scripts["update_status"] = redis.NewScript(`
		local key = KEYS[1]
		local raw = redis.call('GET', key)
		if not raw then
			return false
		end
		local doc = cjson.decode(raw)
		doc.Status = ARGV[1]
		doc.UpdatedAt = ARGV[2]
		local updated = cjson.encode(doc)
		redis.call('SET', key, updated)
		return updated
	`)
}

// UpsertSubscription implements subgate.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subgate.Subscription) error {
	if err := subgate.ValidateSubscription(sub); err != nil {
		return err
	}

	key := s.subscriptionKey(sub.StripeSubscriptionID)
	txn := func(tx *redis.Tx) error {
		now := time.Now().UTC()
		row := sub.Clone()
		row.UpdatedAt = now
		previousUser := ""

		existing, err := s.decodeSubscription(tx.Get(ctx, key).Bytes())
		switch {
		case err == nil:
			row.ID = existing.ID
			row.CreatedAt = existing.CreatedAt
			previousUser = existing.UserID
		case errors.Is(err, subgate.ErrSubscriptionNotFound):
			if row.ID == "" {
				row.ID = uuid.NewString()
			}
			row.CreatedAt = now
		default:
			return err
		}

		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode subscription: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.userSubscriptionsKey(row.UserID), row.StripeSubscriptionID)
			if previousUser != "" && previousUser != row.UserID {
				pipe.SRem(ctx, s.userSubscriptionsKey(previousUser), row.StripeSubscriptionID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		sub.ID = row.ID
		sub.CreatedAt = row.CreatedAt
		sub.UpdatedAt = row.UpdatedAt
		return nil
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}
	}
	return fmt.Errorf("failed to upsert subscription %s: too much contention", sub.StripeSubscriptionID)
}

// UpdateSubscriptionStatus implements subgate.Storage
func (s *Storage) UpdateSubscriptionStatus(
	ctx context.Context, stripeSubscriptionID string, status subgate.Status,
) (*subgate.Subscription, error) {
	res, err := s.scripts["update_status"].Run(ctx, s.client,
		[]string{s.subscriptionKey(stripeSubscriptionID)},
		string(status), time.Now().UTC().Format(time.RFC3339Nano),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, subgate.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription status: %w", err)
	}
	return s.decodeSubscription([]byte(res), nil)
}

// DeleteSubscription removes a subscription and its user index entry.
// Missing rows are not an error.
func (s *Storage) DeleteSubscription(ctx context.Context, stripeSubscriptionID string) error {
	key := s.subscriptionKey(stripeSubscriptionID)
	existing, err := s.decodeSubscription(s.client.Get(ctx, key).Bytes())
	if errors.Is(err, subgate.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		// Unreadable rows are still removed
		existing = nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if existing != nil {
			pipe.SRem(ctx, s.userSubscriptionsKey(existing.UserID), stripeSubscriptionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// GetSubscription implements subgate.Storage
func (s *Storage) GetSubscription(ctx context.Context, stripeSubscriptionID string) (*subgate.Subscription, error) {
	return s.decodeSubscription(s.client.Get(ctx, s.subscriptionKey(stripeSubscriptionID)).Bytes())
}

// GetCurrentSubscription implements subgate.Storage
func (s *Storage) GetCurrentSubscription(
	ctx context.Context, userID string, statuses []subgate.Status,
) (*subgate.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.userSubscriptionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(ids) == 0 {
		return nil, subgate.ErrSubscriptionNotFound
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.subscriptionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	subs := make([]*subgate.Subscription, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		sub, err := s.decodeSubscription([]byte(raw), nil)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	current := subgate.PickCurrent(subs, statuses)
	if current == nil {
		return nil, subgate.ErrSubscriptionNotFound
	}
	return current, nil
}

func (s *Storage) decodeSubscription(data []byte, err error) (*subgate.Subscription, error) {
	if errors.Is(err, redis.Nil) {
		return nil, subgate.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	var sub subgate.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &sub, nil
}

// SavePlan implements subgate.Storage
func (s *Storage) SavePlan(ctx context.Context, plan *subgate.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}
	return s.setJSON(ctx, s.planKey(plan.ID), plan)
}

// SavePrice implements subgate.Storage. A missing ID is generated.
func (s *Storage) SavePrice(ctx context.Context, price *subgate.Price) error {
	if price == nil || price.PlanID == "" || price.StripePriceID == "" {
		return fmt.Errorf("invalid price")
	}
	if price.ID == "" {
		price.ID = uuid.NewString()
	}

	data, err := json.Marshal(price)
	if err != nil {
		return fmt.Errorf("failed to encode price: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.priceKey(price.ID), data, 0)
		pipe.Set(ctx, s.stripePriceKey(price.StripePriceID), price.ID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save price: %w", err)
	}
	return nil
}

// GetPrice implements subgate.Storage
func (s *Storage) GetPrice(ctx context.Context, priceID string) (*subgate.Price, error) {
	var price subgate.Price
	if err := s.getJSON(ctx, s.priceKey(priceID), &price, subgate.ErrPriceNotFound); err != nil {
		return nil, err
	}
	return &price, nil
}

// GetPriceByStripeID implements subgate.Storage
func (s *Storage) GetPriceByStripeID(ctx context.Context, stripePriceID string) (*subgate.Price, error) {
	priceID, err := s.client.Get(ctx, s.stripePriceKey(stripePriceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subgate.ErrPriceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up price: %w", err)
	}
	return s.GetPrice(ctx, priceID)
}

// GetProfile implements subgate.Storage
func (s *Storage) GetProfile(ctx context.Context, userID string) (*subgate.Profile, error) {
	var profile subgate.Profile
	if err := s.getJSON(ctx, s.profileKey(userID), &profile, subgate.ErrUserNotFound); err != nil {
		return nil, err
	}
	return &profile, nil
}

// SaveProfile implements subgate.Storage
func (s *Storage) SaveProfile(ctx context.Context, profile *subgate.Profile) error {
	if profile == nil || profile.UserID == "" {
		return subgate.ErrInvalidUserID
	}

	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.profileKey(profile.UserID), data, 0)
		if profile.StripeCustomerID != "" {
			pipe.Set(ctx, s.customerKey(profile.StripeCustomerID), profile.UserID, 0)
		}
		return nil
	})
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
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", subgate.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find user by customer: %w", err)
	}
	return userID, nil
}

// SaveFeatureFlag implements subgate.Storage
func (s *Storage) SaveFeatureFlag(ctx context.Context, flag *subgate.FeatureFlag) error {
	if flag == nil || flag.Name == "" {
		return fmt.Errorf("invalid feature flag")
	}

	data, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("failed to encode feature flag: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.featureFlagKey(flag.Name), data, 0)
		pipe.SAdd(ctx, s.featureFlagsKey(), flag.Name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save feature flag: %w", err)
	}
	return nil
}

// GetFeatureFlag implements subgate.Storage
func (s *Storage) GetFeatureFlag(ctx context.Context, name string) (*subgate.FeatureFlag, error) {
	var flag subgate.FeatureFlag
	if err := s.getJSON(ctx, s.featureFlagKey(name), &flag, subgate.ErrFeatureNotConfigured); err != nil {
		return nil, err
	}
	return &flag, nil
}

// ListFeatureFlags implements subgate.Storage
func (s *Storage) ListFeatureFlags(ctx context.Context) ([]*subgate.FeatureFlag, error) {
	names, err := s.client.SMembers(ctx, s.featureFlagsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list feature flags: %w", err)
	}

	flags := make([]*subgate.FeatureFlag, 0, len(names))
	for _, name := range names {
		flag, err := s.GetFeatureFlag(ctx, name)
		if errors.Is(err, subgate.ErrFeatureNotConfigured) {
			continue
		}
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, nil
}

func (s *Storage) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Storage) getJSON(ctx context.Context, key string, v interface{}, notFound error) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *Storage) subscriptionKey(stripeSubscriptionID string) string {
	return s.config.KeyPrefix + "subscription:" + stripeSubscriptionID
}

func (s *Storage) userSubscriptionsKey(userID string) string {
	return s.config.KeyPrefix + "user_subscriptions:" + userID
}

func (s *Storage) planKey(planID string) string {
	return s.config.KeyPrefix + "plan:" + planID
}

func (s *Storage) priceKey(priceID string) string {
	return s.config.KeyPrefix + "price:" + priceID
}

func (s *Storage) stripePriceKey(stripePriceID string) string {
	return s.config.KeyPrefix + "stripe_price:" + stripePriceID
}

func (s *Storage) profileKey(userID string) string {
	return s.config.KeyPrefix + "profile:" + userID
}

func (s *Storage) customerKey(customerID string) string {
	return s.config.KeyPrefix + "customer:" + customerID
}

func (s *Storage) featureFlagKey(name string) string {
	return s.config.KeyPrefix + "feature_flag:" + name
}

func (s *Storage) featureFlagsKey() string {
	return s.config.KeyPrefix + "feature_flags"
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
