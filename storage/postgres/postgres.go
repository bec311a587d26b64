// Package postgres provides a PostgreSQL implementation of the subgate.Storage interface.
// Subscriptions are upserted on their Stripe subscription id, so replaying an
// event rewrites the same row. Projects and leads are only read.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

//go:embed schema.sql
var schema string

// Storage implements subgate.Storage and subgate.ProjectStore using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

var (
	_ subgate.Storage      = (*Storage)(nil)
	_ subgate.ProjectStore = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates missing tables on startup
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the tables and indexes this package reads and writes.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const subscriptionColumns = `id, user_id, plan_id, price_id, stripe_subscription_id, stripe_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at, ended_at,
	trial_start, trial_end, metadata, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subgate.Subscription, error) {
	var (
		sub      subgate.Subscription
		planID   *string
		priceID  *string
		status   string
		metadata []byte
	)
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&planID,
		&priceID,
		&sub.StripeSubscriptionID,
		&sub.StripeCustomerID,
		&status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&sub.EndedAt,
		&sub.TrialStart,
		&sub.TrialEnd,
		&metadata,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = subgate.Status(status)
	if planID != nil {
		sub.PlanID = *planID
	}
	if priceID != nil {
		sub.PriceID = *priceID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode subscription metadata: %w", err)
		}
	}
	return &sub, nil
}

// UpsertSubscription implements subgate.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subgate.Subscription) error {
	if err := subgate.ValidateSubscription(sub); err != nil {
		return err
	}

	var metadata []byte
	if sub.Metadata != nil {
		encoded, err := json.Marshal(sub.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode subscription metadata: %w", err)
		}
		metadata = encoded
	}

	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
			ON CONFLICT (stripe_subscription_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				plan_id = EXCLUDED.plan_id,
				price_id = EXCLUDED.price_id,
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				canceled_at = EXCLUDED.canceled_at,
				ended_at = EXCLUDED.ended_at,
				trial_start = EXCLUDED.trial_start,
				trial_end = EXCLUDED.trial_end,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at
			RETURNING id, created_at, updated_at`,
		id, sub.UserID, sub.PlanID, sub.PriceID, sub.StripeSubscriptionID, sub.StripeCustomerID, string(sub.Status),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CanceledAt, sub.EndedAt,
		sub.TrialStart, sub.TrialEnd, metadata, now,
	)
	if err := row.Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpdateSubscriptionStatus implements subgate.Storage
func (s *Storage) UpdateSubscriptionStatus(
	ctx context.Context, stripeSubscriptionID string, status subgate.Status,
) (*subgate.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`UPDATE subscriptions SET status = $2, updated_at = $3
			WHERE stripe_subscription_id = $1
			RETURNING `+subscriptionColumns,
		stripeSubscriptionID, string(status), time.Now().UTC(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subgate.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription status: %w", err)
	}
	return sub, nil
}

// GetSubscription implements subgate.Storage
func (s *Storage) GetSubscription(ctx context.Context, stripeSubscriptionID string) (*subgate.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subgate.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetCurrentSubscription implements subgate.Storage
func (s *Storage) GetCurrentSubscription(
	ctx context.Context, userID string, statuses []subgate.Status,
) (*subgate.Subscription, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}

	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND status = ANY($2)
			ORDER BY current_period_end DESC NULLS LAST, updated_at DESC
			LIMIT 1`,
		userID, values,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subgate.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current subscription: %w", err)
	}
	return sub, nil
}

// SavePlan implements subgate.Storage
func (s *Storage) SavePlan(ctx context.Context, plan *subgate.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO plans (id, name, description, active, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				active = EXCLUDED.active,
				updated_at = EXCLUDED.updated_at`,
		plan.ID, plan.Name, plan.Description, plan.Active, time.Now().UTC(),
	)
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO prices (id, plan_id, stripe_price_id, currency, unit_amount, "interval", interval_count, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				plan_id = EXCLUDED.plan_id,
				stripe_price_id = EXCLUDED.stripe_price_id,
				currency = EXCLUDED.currency,
				unit_amount = EXCLUDED.unit_amount,
				"interval" = EXCLUDED."interval",
				interval_count = EXCLUDED.interval_count,
				active = EXCLUDED.active,
				updated_at = EXCLUDED.updated_at`,
		price.ID, price.PlanID, price.StripePriceID, price.Currency, price.UnitAmount,
		price.Interval, price.IntervalCount, price.Active, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save price: %w", err)
	}
	return nil
}

const priceColumns = `id, plan_id, stripe_price_id, currency, COALESCE(unit_amount, 0),
	COALESCE("interval", ''), COALESCE(interval_count, 0), active`

func scanPrice(row pgx.Row) (*subgate.Price, error) {
	var price subgate.Price
	err := row.Scan(
		&price.ID,
		&price.PlanID,
		&price.StripePriceID,
		&price.Currency,
		&price.UnitAmount,
		&price.Interval,
		&price.IntervalCount,
		&price.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subgate.ErrPriceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price: %w", err)
	}
	return &price, nil
}

// GetPrice implements subgate.Storage
func (s *Storage) GetPrice(ctx context.Context, priceID string) (*subgate.Price, error) {
	return scanPrice(s.pool.QueryRow(ctx,
		`SELECT `+priceColumns+` FROM prices WHERE id = $1`, priceID))
}

// GetPriceByStripeID implements subgate.Storage
func (s *Storage) GetPriceByStripeID(ctx context.Context, stripePriceID string) (*subgate.Price, error) {
	return scanPrice(s.pool.QueryRow(ctx,
		`SELECT `+priceColumns+` FROM prices WHERE stripe_price_id = $1`, stripePriceID))
}

// GetProfile implements subgate.Storage
func (s *Storage) GetProfile(ctx context.Context, userID string) (*subgate.Profile, error) {
	var (
		profile    subgate.Profile
		customerID *string
		email      *string
		fullName   *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, stripe_customer_id, email, full_name FROM profiles WHERE id = $1`,
		userID,
	).Scan(&profile.UserID, &customerID, &email, &fullName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subgate.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	if customerID != nil {
		profile.StripeCustomerID = *customerID
	}
	if email != nil {
		profile.Email = *email
	}
	if fullName != nil {
		profile.FullName = *fullName
	}
	return &profile, nil
}

// SaveProfile implements subgate.Storage
func (s *Storage) SaveProfile(ctx context.Context, profile *subgate.Profile) error {
	if profile == nil || profile.UserID == "" {
		return subgate.ErrInvalidUserID
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (id, stripe_customer_id, email, full_name, updated_at)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5)
			ON CONFLICT (id) DO UPDATE SET
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				email = EXCLUDED.email,
				full_name = EXCLUDED.full_name,
				updated_at = EXCLUDED.updated_at`,
		profile.UserID, profile.StripeCustomerID, profile.Email, profile.FullName, time.Now().UTC(),
	)
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

	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM profiles WHERE stripe_customer_id = $1`, customerID,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
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

	configs, err := json.Marshal(flag.Configs)
	if err != nil {
		return fmt.Errorf("failed to encode price configs: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO feature_flags (name, price_configs, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET
				price_configs = EXCLUDED.price_configs,
				updated_at = EXCLUDED.updated_at`,
		flag.Name, configs, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save feature flag: %w", err)
	}
	return nil
}

func scanFeatureFlag(row pgx.Row) (*subgate.FeatureFlag, error) {
	var (
		flag    subgate.FeatureFlag
		configs []byte
	)
	if err := row.Scan(&flag.Name, &configs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configs, &flag.Configs); err != nil {
		return nil, fmt.Errorf("failed to decode price configs of %s: %w", flag.Name, err)
	}
	return &flag, nil
}

// GetFeatureFlag implements subgate.Storage
func (s *Storage) GetFeatureFlag(ctx context.Context, name string) (*subgate.FeatureFlag, error) {
	flag, err := scanFeatureFlag(s.pool.QueryRow(ctx,
		`SELECT name, price_configs FROM feature_flags WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subgate.ErrFeatureNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature flag: %w", err)
	}
	return flag, nil
}

// ListFeatureFlags implements subgate.Storage
func (s *Storage) ListFeatureFlags(ctx context.Context) ([]*subgate.FeatureFlag, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, price_configs FROM feature_flags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature flags: %w", err)
	}
	defer rows.Close()

	var flags []*subgate.FeatureFlag
	for rows.Next() {
		flag, err := scanFeatureFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list feature flags: %w", err)
	}
	return flags, nil
}

// GetProjectOwner implements subgate.ProjectStore
func (s *Storage) GetProjectOwner(ctx context.Context, projectID string) (string, error) {
	var ownerID string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM projects WHERE id = $1`, projectID).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", subgate.ErrProjectNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get project owner: %w", err)
	}
	return ownerID, nil
}

// CountProjects implements subgate.ProjectStore
func (s *Storage) CountProjects(ctx context.Context, ownerID string) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM projects WHERE user_id = $1`, ownerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count projects: %w", err)
	}
	return count, nil
}

// CountLeads implements subgate.ProjectStore
func (s *Storage) CountLeads(ctx context.Context, projectID string) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM leads WHERE project_id = $1`, projectID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count leads: %w", err)
	}
	return count, nil
}
