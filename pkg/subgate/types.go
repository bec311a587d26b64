// Package subgate keeps subscription state derived from Stripe and turns it into
// feature-gate decisions (project limits, email collection limits, branding removal).
package subgate

import (
	"time"
)

// Status is the lifecycle state of a subscription as reported by the billing provider
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

// ActiveStatuses are the statuses that grant paid-tier access.
var ActiveStatuses = []Status{StatusActive, StatusTrialing}

// BillingStatuses are the statuses shown on billing pages ("the user still has a subscription").
var BillingStatuses = []Status{StatusActive, StatusTrialing, StatusPastDue}

// IsActive reports whether the status grants paid-tier access.
func (s Status) IsActive() bool {
	return s == StatusActive || s == StatusTrialing
}

// RequiresPeriod reports whether a subscription in this status must carry
// current period bounds to be persisted.
func (s Status) RequiresPeriod() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// Known reports whether the status is one the billing provider documents.
func (s Status) Known() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled,
		StatusIncomplete, StatusIncompleteExpired, StatusUnpaid, StatusPaused:
		return true
	default:
		return false
	}
}

// Subscription is the canonical, persisted record of a user's billing state.
// StripeSubscriptionID is unique; stores upsert on it.
type Subscription struct {
	ID                   string
	UserID               string
	PlanID               string
	PriceID              string
	StripeSubscriptionID string
	StripeCustomerID     string
	Status               Status
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	CanceledAt           *time.Time
	EndedAt              *time.Time
	TrialStart           *time.Time
	TrialEnd             *time.Time
	Metadata             map[string]string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.EndedAt = cloneTime(s.EndedAt)
	c.TrialStart = cloneTime(s.TrialStart)
	c.TrialEnd = cloneTime(s.TrialEnd)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Plan groups one or more prices under a product offering.
type Plan struct {
	ID          string
	Name        string
	Description string
	Active      bool
}

// Price is an entry of the internal catalog linked to a Stripe price.
type Price struct {
	ID            string
	PlanID        string
	StripePriceID string
	Currency      string
	UnitAmount    int64
	Interval      string
	IntervalCount int
	Active        bool
}

// Profile links an internal user to its Stripe customer.
type Profile struct {
	UserID           string
	StripeCustomerID string
	Email            string
	FullName         string
}

// PriceConfig is one row of a feature's tier table. A nil PriceID is the free tier.
type PriceConfig struct {
	PriceID *string    `json:"price_id"`
	Limit   LimitValue `json:"limit"`
}

// IsFreeTier reports whether the config applies to users without a subscription.
func (c PriceConfig) IsFreeTier() bool {
	return c.PriceID == nil
}

// FeatureFlag is an admin-managed feature with its per-price limits.
type FeatureFlag struct {
	Name    string        `json:"name"`
	Configs []PriceConfig `json:"price_configs"`
}

// Clone returns a deep copy of the feature flag.
func (f *FeatureFlag) Clone() *FeatureFlag {
	if f == nil {
		return nil
	}
	c := &FeatureFlag{Name: f.Name, Configs: make([]PriceConfig, len(f.Configs))}
	for i, cfg := range f.Configs {
		c.Configs[i] = PriceConfig{Limit: cfg.Limit}
		if cfg.PriceID != nil {
			id := *cfg.PriceID
			c.Configs[i].PriceID = &id
		}
	}
	return c
}

// PriceRef returns a pointer to id, for building PriceConfig rows.
func PriceRef(id string) *string {
	return &id
}

// Feature names used by the composed checks.
const (
	FeatureProjectLimit         = "project_limit"
	FeatureRemoveBranding       = "remove_branding_on_page"
	FeatureEmailCollectionLimit = "email_collection_limit"
)

// FeatureSet maps feature names to the limit that applies for one price tier.
type FeatureSet map[string]LimitValue

// Clone returns a copy of the feature set.
func (fs FeatureSet) Clone() FeatureSet {
	if fs == nil {
		return nil
	}
	c := make(FeatureSet, len(fs))
	for k, v := range fs {
		c[k] = v
	}
	return c
}

// Enabled returns the names of features whose limit is not false.
func (fs FeatureSet) Enabled() []string {
	names := make([]string, 0, len(fs))
	for name, limit := range fs {
		if limit.Enabled() {
			names = append(names, name)
		}
	}
	return names
}

// Decision is the result of evaluating a feature limit against current usage.
type Decision struct {
	Feature string
	Allowed bool
	Limit   LimitValue
	Usage   int
	// Remaining is -1 when the limit has no numeric cap.
	Remaining int
	// ConfigGap is set when no feature row applied and access was denied by default.
	ConfigGap bool
}

// NearLimit reports whether a numeric quota has threshold or fewer units left.
func (d Decision) NearLimit(threshold int) bool {
	if d.Limit.Kind() != LimitNumeric {
		return false
	}
	return d.Remaining <= threshold
}

// UsagePercent returns usage as a percentage of a numeric cap, clamped to 100.
func (d Decision) UsagePercent() float64 {
	n, ok := d.Limit.Count()
	if !ok || n <= 0 {
		return 0
	}
	pct := float64(d.Usage) * 100 / float64(n)
	if pct > 100 {
		return 100
	}
	return pct
}

// Branding removal reasons.
const (
	BrandingReasonNoSubscription   = "no_subscription"
	BrandingReasonFeatureNotFound  = "feature_not_found"
	BrandingReasonAllowed          = "allowed"
	BrandingReasonNotAllowedByPlan = "not_allowed_by_plan"
)

// BrandingDecision tells whether a page may be rendered without branding.
type BrandingDecision struct {
	Allowed bool
	Reason  string
}
