package subgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

const cacheTypeFeatures = "features"

// Evaluator answers feature-gate questions from persisted subscription state.
type Evaluator struct {
	storage        Storage
	projects       ProjectStore
	cache          Cache
	group          singleflight.Group
	resolveTimeout time.Duration
	metrics        Metrics
	logger         Logger
}

// NewEvaluator creates an Evaluator reading from storage.
func NewEvaluator(storage Storage, config Config) (*Evaluator, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.ResolveTimeout <= 0 {
		config.ResolveTimeout = 3 * time.Second
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Projects == nil {
		if ps, ok := storage.(ProjectStore); ok {
			config.Projects = ps
		}
	}

	if cbConfig := config.CircuitBreakerConfig; cbConfig != nil && cbConfig.Enabled {
		metrics, logger := config.Metrics, config.Logger
		cb := NewDefaultCircuitBreaker(cbConfig.FailureThreshold, cbConfig.ResetTimeout, IsStorageFailure,
			func(state CircuitBreakerState) {
				metrics.RecordCircuitBreakerStateChange(string(state))
				logger.Warn("Storage circuit breaker changed state", F("state", string(state)))
			})
		guarded := NewCircuitBreakerStorage(storage, config.Projects, cb)
		storage = guarded
		if config.Projects != nil {
			config.Projects = guarded
		}
	}

	cache := config.Cache
	if cache == nil {
		if config.CacheConfig != nil && config.CacheConfig.Enabled {
			cache = NewLRUCache(config.CacheConfig.MaxEntries, config.CacheConfig.TTL)
		} else {
			cache = NewNoopCache()
		}
	}

	return &Evaluator{
		storage:        storage,
		projects:       config.Projects,
		cache:          cache,
		resolveTimeout: config.ResolveTimeout,
		metrics:        config.Metrics,
		logger:         config.Logger,
	}, nil
}

// ResolveSession loads the user's active or trialing subscription and its Stripe
// price within the configured timeout. Users without one get a free-tier session.
func (e *Evaluator) ResolveSession(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.resolveTimeout)
	defer cancel()

	session, err := e.resolveSession(ctx, userID)
	e.metrics.RecordSessionResolve(time.Since(start), err)
	return session, err
}

func (e *Evaluator) resolveSession(ctx context.Context, userID string) (*Session, error) {
	sub, err := e.storage.GetCurrentSubscription(ctx, userID, ActiveStatuses)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return NewSession(userID, nil, ""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription for %s: %w", userID, err)
	}

	price, err := e.storage.GetPrice(ctx, sub.PriceID)
	if errors.Is(err, ErrPriceNotFound) {
		e.logger.Warn("Subscription references a price missing from the catalog, using free tier",
			F("user_id", userID),
			F("subscription_id", sub.StripeSubscriptionID),
			F("price_id", sub.PriceID),
		)
		return NewSession(userID, sub, ""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load price %s: %w", sub.PriceID, err)
	}

	return NewSession(userID, sub, price.StripePriceID), nil
}

// LimitFor returns the limit of a feature for a Stripe price id. An empty price
// id selects the free tier; an unknown price id falls back to the free tier.
// When neither exists the feature is denied and ErrFeatureNotConfigured is returned.
func (e *Evaluator) LimitFor(ctx context.Context, feature, priceID string) (LimitValue, error) {
	start := time.Now()
	flag, err := e.storage.GetFeatureFlag(ctx, feature)
	e.metrics.RecordStorageOperation("get_feature_flag", time.Since(start), ignoreNotFound(err))
	if errors.Is(err, ErrFeatureNotConfigured) {
		e.recordGap(feature, priceID)
		return BoolLimit(false), err
	}
	if err != nil {
		return BoolLimit(false), err
	}

	limit, ok := resolveLimit(flag, priceID)
	if !ok {
		e.recordGap(feature, priceID)
		return BoolLimit(false), fmt.Errorf("%w: %s has no tier for price %q", ErrFeatureNotConfigured, feature, priceID)
	}
	return limit, nil
}

// resolveLimit picks the row matching priceID, else the free-tier row.
// The first matching row wins when the table has duplicates.
func resolveLimit(flag *FeatureFlag, priceID string) (LimitValue, bool) {
	var free *PriceConfig
	for i := range flag.Configs {
		cfg := &flag.Configs[i]
		if cfg.IsFreeTier() {
			if free == nil {
				free = cfg
			}
			continue
		}
		if priceID != "" && *cfg.PriceID == priceID {
			return cfg.Limit, true
		}
	}
	if free != nil {
		return free.Limit, true
	}
	return LimitValue{}, false
}

// Features returns every configured feature resolved for the session's price.
// Features with no applicable tier are left out.
func (e *Evaluator) Features(ctx context.Context, session *Session) (FeatureSet, error) {
	if session == nil {
		return nil, ErrInvalidUserID
	}
	if fs, ok := e.cache.Get(session.UserID, session.PriceID); ok {
		e.metrics.RecordCacheHit(cacheTypeFeatures)
		return fs, nil
	}
	e.metrics.RecordCacheMiss(cacheTypeFeatures)

	key := cacheKey(session.UserID, session.PriceID)
	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		start := time.Now()
		flags, err := e.storage.ListFeatureFlags(ctx)
		e.metrics.RecordStorageOperation("list_feature_flags", time.Since(start), err)
		if err != nil {
			return nil, fmt.Errorf("list feature flags: %w", err)
		}

		fs := make(FeatureSet, len(flags))
		for _, flag := range flags {
			if limit, ok := resolveLimit(flag, session.PriceID); ok {
				fs[flag.Name] = limit
			}
		}
		e.cache.Set(session.UserID, session.PriceID, fs)
		return fs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(FeatureSet).Clone(), nil
}

// HasFeature reports whether the feature is anything but false for the session.
func (e *Evaluator) HasFeature(ctx context.Context, session *Session, feature string) (bool, error) {
	fs, err := e.Features(ctx, session)
	if err != nil {
		return false, err
	}
	limit, ok := fs[feature]
	if !ok {
		e.recordGap(feature, session.PriceID)
		return false, nil
	}
	return limit.Enabled(), nil
}

// Evaluate checks a feature against the current usage count. A feature with no
// applicable tier row is denied and flagged as a configuration gap.
func (e *Evaluator) Evaluate(ctx context.Context, session *Session, feature string, usage int) (Decision, error) {
	fs, err := e.Features(ctx, session)
	if err != nil {
		return Decision{Feature: feature, Usage: usage}, err
	}

	limit, ok := fs[feature]
	if !ok {
		e.recordGap(feature, session.PriceID)
		d := Decide(feature, BoolLimit(false), usage)
		d.ConfigGap = true
		e.metrics.RecordDecision(feature, false)
		return d, nil
	}

	d := Decide(feature, limit, usage)
	e.metrics.RecordDecision(feature, d.Allowed)
	e.logger.Debug("Feature evaluated",
		F("user_id", session.UserID),
		F("feature", feature),
		F("limit", limit.String()),
		F("usage", usage),
		F("allowed", d.Allowed),
	)
	return d, nil
}

// CheckProjectLimit decides whether the user may create another project.
func (e *Evaluator) CheckProjectLimit(ctx context.Context, session *Session, projectCount int) (Decision, error) {
	return e.Evaluate(ctx, session, FeatureProjectLimit, projectCount)
}

// CheckEmailCollectionLimit decides whether a project may collect another lead.
func (e *Evaluator) CheckEmailCollectionLimit(ctx context.Context, session *Session, leadCount int) (Decision, error) {
	return e.Evaluate(ctx, session, FeatureEmailCollectionLimit, leadCount)
}

// CanRemoveBranding decides whether the user's pages may hide the branding badge.
func (e *Evaluator) CanRemoveBranding(ctx context.Context, session *Session) (BrandingDecision, error) {
	if !session.IsPro() {
		return BrandingDecision{Reason: BrandingReasonNoSubscription}, nil
	}

	d, err := e.Evaluate(ctx, session, FeatureRemoveBranding, 0)
	if err != nil {
		return BrandingDecision{}, err
	}
	switch {
	case d.ConfigGap:
		return BrandingDecision{Reason: BrandingReasonFeatureNotFound}, nil
	case d.Allowed:
		return BrandingDecision{Allowed: true, Reason: BrandingReasonAllowed}, nil
	default:
		return BrandingDecision{Reason: BrandingReasonNotAllowedByPlan}, nil
	}
}

// CanCreateProject counts the user's projects and checks the project limit.
func (e *Evaluator) CanCreateProject(ctx context.Context, session *Session) (Decision, error) {
	if session == nil {
		return Decision{Feature: FeatureProjectLimit}, ErrInvalidUserID
	}
	if e.projects == nil {
		return Decision{Feature: FeatureProjectLimit}, ErrProjectsUnavailable
	}
	count, err := e.projects.CountProjects(ctx, session.UserID)
	if err != nil {
		return Decision{Feature: FeatureProjectLimit}, fmt.Errorf("count projects: %w", err)
	}
	return e.CheckProjectLimit(ctx, session, count)
}

// ProjectEmailCollection checks the email collection limit of a project owner.
func (e *Evaluator) ProjectEmailCollection(ctx context.Context, projectID string) (Decision, error) {
	session, err := e.projectSession(ctx, projectID)
	if err != nil {
		return Decision{Feature: FeatureEmailCollectionLimit}, err
	}
	count, err := e.projects.CountLeads(ctx, projectID)
	if err != nil {
		return Decision{Feature: FeatureEmailCollectionLimit}, fmt.Errorf("count leads: %w", err)
	}
	return e.CheckEmailCollectionLimit(ctx, session, count)
}

// ProjectBranding checks branding removal for the owner of a project.
func (e *Evaluator) ProjectBranding(ctx context.Context, projectID string) (BrandingDecision, error) {
	session, err := e.projectSession(ctx, projectID)
	if err != nil {
		return BrandingDecision{}, err
	}
	return e.CanRemoveBranding(ctx, session)
}

func (e *Evaluator) projectSession(ctx context.Context, projectID string) (*Session, error) {
	if e.projects == nil {
		return nil, ErrProjectsUnavailable
	}
	ownerID, err := e.projects.GetProjectOwner(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return e.ResolveSession(ctx, ownerID)
}

// InvalidateUser drops cached feature sets of a user. The synchronizer calls it
// after every successful write.
func (e *Evaluator) InvalidateUser(userID string) {
	e.cache.InvalidateUser(userID)
}

// CacheStats returns statistics of the feature set cache.
func (e *Evaluator) CacheStats() CacheStats {
	return e.cache.Stats()
}

func (e *Evaluator) recordGap(feature, priceID string) {
	e.metrics.RecordConfigGap(feature)
	e.logger.Warn("Feature has no applicable tier row, denying access",
		F("feature", feature),
		F("price_id", priceID),
		F("config_gap", true),
	)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrFeatureNotConfigured) {
		return nil
	}
	return err
}
