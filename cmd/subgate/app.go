package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subgate/pkg/billing"
	billingprom "github.com/mihaimyh/subgate/pkg/billing/metrics/prometheus"
	stripebilling "github.com/mihaimyh/subgate/pkg/billing/stripe"
	"github.com/mihaimyh/subgate/pkg/subgate"
	zerologadapter "github.com/mihaimyh/subgate/pkg/subgate/logger/zerolog"
	subgateprom "github.com/mihaimyh/subgate/pkg/subgate/metrics/prometheus"
	firestorestore "github.com/mihaimyh/subgate/storage/firestore"
	"github.com/mihaimyh/subgate/storage/memory"
	"github.com/mihaimyh/subgate/storage/postgres"
	redisstore "github.com/mihaimyh/subgate/storage/redis"
	"github.com/mihaimyh/subgate/storage/tiered"
)

// app holds the wired components shared by the commands
type app struct {
	config    *Config
	log       zerolog.Logger
	logger    subgate.Logger
	registry  *prometheus.Registry
	storage   subgate.Storage
	evaluator *subgate.Evaluator
	provider  *stripebilling.Provider
	closers   []func() error
}

func newLogger(cfg *Config, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log.level: %w", err)
	}
	if cfg.Log.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "subgate").Logger(), nil
}

// newApp opens storage and builds the evaluator and, when an API key is set,
// the Stripe provider.
func newApp(ctx context.Context, cfg *Config) (*app, error) {
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}

	a := &app{
		config:   cfg,
		log:      log,
		logger:   zerologadapter.NewLogger(log),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.openStorage(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	if cfg.Catalog.File != "" {
		if err := loadCatalogFile(ctx, a.storage, cfg.Catalog.File); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	evalConfig := subgate.DefaultConfig()
	evalConfig.CacheConfig.MaxEntries = cfg.Cache.Size
	evalConfig.CacheConfig.TTL = cfg.Cache.TTL
	evalConfig.CacheConfig.Enabled = cfg.Cache.Size > 0
	evalConfig.ResolveTimeout = cfg.Resolve.Timeout
	evalConfig.CircuitBreakerConfig = &subgate.CircuitBreakerConfig{
		Enabled:          cfg.Breaker.Enabled,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}
	evalConfig.Metrics = subgateprom.NewMetrics(a.registry, cfg.Metrics.Namespace)
	evalConfig.Logger = a.logger

	a.evaluator, err = subgate.NewEvaluator(a.storage, evalConfig)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create evaluator: %w", err)
	}

	if cfg.Stripe.APIKey == "" {
		a.log.Warn().Msg("stripe.api_key not set, billing routes are disabled")
		return a, nil
	}

	a.provider, err = stripebilling.NewProvider(stripebilling.Config{
		Config: billing.Config{
			Storage:     a.storage,
			Invalidator: a.evaluator,
			Metrics:     billingprom.NewMetrics(a.registry, cfg.Metrics.Namespace),
			Logger:      a.logger,
			OnSync:      a.logSync,
		},
		StripeAPIKey:        cfg.Stripe.APIKey,
		StripeWebhookSecret: cfg.Stripe.WebhookSecret,
		UserIDMetadataKey:   cfg.Stripe.UserIDMetadataKey,
		CheckoutSuccessURL:  firstNonEmpty(cfg.Stripe.SuccessURL, cfg.HTTP.BaseURL+"/checkout/success"),
		CheckoutCancelURL:   firstNonEmpty(cfg.Stripe.CancelURL, cfg.HTTP.BaseURL+"/pricing"),
		PortalReturnURL:     cfg.HTTP.BaseURL + "/dashboard",
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create stripe provider: %w", err)
	}
	if cfg.Stripe.WebhookSecret == "" {
		a.log.Warn().Msg("stripe.webhook_secret not set, webhooks will be rejected")
	}
	return a, nil
}

func (a *app) logSync(_ context.Context, event billing.SyncEvent) error {
	if event.PreviousStatus == event.NewStatus {
		return nil
	}
	a.log.Info().
		Str("user_id", event.UserID).
		Str("subscription_id", event.SubscriptionID).
		Str("from", string(event.PreviousStatus)).
		Str("to", string(event.NewStatus)).
		Str("event_type", event.EventType).
		Msg("Subscription status changed")
	return nil
}

func (a *app) openStorage(ctx context.Context) error {
	cfg := a.config
	switch cfg.Storage.Driver {
	case driverMemory:
		a.storage = memory.New()
		return nil
	case driverPostgres:
		store, err := a.openPostgres(ctx)
		if err != nil {
			return err
		}
		a.storage = store
		return nil
	case driverRedis:
		store, err := a.openRedis(ctx)
		if err != nil {
			return err
		}
		a.storage = store
		return nil
	case driverFirestore:
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return fmt.Errorf("connect firestore: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			return err
		}
		a.storage = store
		return nil
	case driverTiered:
		cold, err := a.openPostgres(ctx)
		if err != nil {
			return err
		}
		hot, err := a.openRedis(ctx)
		if err != nil {
			return err
		}
		store, err := tiered.New(tiered.Config{
			Hot:            hot,
			Cold:           cold,
			AsyncHotWrites: true,
			AsyncErrorHandler: func(err error) {
				a.log.Warn().Err(err).Msg("tiered storage drift")
			},
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		a.storage = store
		return nil
	}
	return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func (a *app) openPostgres(ctx context.Context) (*postgres.Storage, error) {
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = a.config.Postgres.DSN
	if a.config.Postgres.MaxConns > 0 {
		pgConfig.MaxConns = a.config.Postgres.MaxConns
	}
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	return store, nil
}

func (a *app) openRedis(ctx context.Context) (*redisstore.Storage, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     a.config.Redis.Addr,
		Password: a.config.Redis.Password,
		DB:       a.config.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return redisstore.New(client, redisstore.DefaultConfig())
}

// Close releases storage connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// catalogFile is the JSON seed for plans, prices and feature flags.
type catalogFile struct {
	Plans []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Active      bool   `json:"active"`
	} `json:"plans"`
	Prices []struct {
		ID            string `json:"id"`
		PlanID        string `json:"plan_id"`
		StripePriceID string `json:"stripe_price_id"`
		Currency      string `json:"currency"`
		UnitAmount    int64  `json:"unit_amount"`
		Interval      string `json:"interval"`
		IntervalCount int    `json:"interval_count"`
		Active        bool   `json:"active"`
	} `json:"prices"`
	FeatureFlags []*subgate.FeatureFlag `json:"feature_flags"`
}

func loadCatalogFile(ctx context.Context, storage subgate.Storage, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	_, err = loadCatalog(ctx, storage, f)
	return err
}

// loadCatalog saves every entry of the catalog JSON and returns how many were written.
func loadCatalog(ctx context.Context, storage subgate.Storage, r io.Reader) (int, error) {
	var catalog catalogFile
	if err := json.NewDecoder(r).Decode(&catalog); err != nil {
		return 0, fmt.Errorf("decode catalog: %w", err)
	}
	for i, flag := range catalog.FeatureFlags {
		if flag == nil {
			return 0, fmt.Errorf("feature_flags[%d] is null", i)
		}
	}

	n := 0
	for _, p := range catalog.Plans {
		plan := &subgate.Plan{ID: p.ID, Name: p.Name, Description: p.Description, Active: p.Active}
		if err := storage.SavePlan(ctx, plan); err != nil {
			return n, fmt.Errorf("save plan %s: %w", p.ID, err)
		}
		n++
	}
	for _, p := range catalog.Prices {
		price := &subgate.Price{
			ID:            p.ID,
			PlanID:        p.PlanID,
			StripePriceID: p.StripePriceID,
			Currency:      p.Currency,
			UnitAmount:    p.UnitAmount,
			Interval:      p.Interval,
			IntervalCount: p.IntervalCount,
			Active:        p.Active,
		}
		if err := storage.SavePrice(ctx, price); err != nil {
			return n, fmt.Errorf("save price %s: %w", p.StripePriceID, err)
		}
		n++
	}
	for _, flag := range catalog.FeatureFlags {
		if err := storage.SaveFeatureFlag(ctx, flag); err != nil {
			return n, fmt.Errorf("save feature flag %s: %w", flag.Name, err)
		}
		n++
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
