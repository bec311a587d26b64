package api

import "github.com/mihaimyh/subgate/pkg/subgate"

// FeaturesResponse is the caller's billing state with every resolved feature
type FeaturesResponse struct {
	UserID            string                  `json:"user_id"`
	Status            string                  `json:"status"` // subscription status, "free" without one
	PriceID           string                  `json:"price_id,omitempty"`
	PlanID            string                  `json:"plan_id,omitempty"`
	IsPro             bool                    `json:"is_pro"`
	CancelAtPeriodEnd bool                    `json:"cancel_at_period_end"`
	Features          map[string]FeatureState `json:"features"`
}

// FeatureState is one feature of a FeaturesResponse
type FeatureState struct {
	Enabled bool               `json:"enabled"`
	Limit   subgate.LimitValue `json:"limit"`
}

// BrandingResponse tells a page renderer whether to hide the badge
type BrandingResponse struct {
	CanRemoveBranding bool   `json:"canRemoveBranding"`
	Reason            string `json:"reason"`
}

// LimitResponse is a usage decision for a numeric feature
type LimitResponse struct {
	Feature      string             `json:"feature"`
	Allowed      bool               `json:"allowed"`
	Limit        subgate.LimitValue `json:"limit"`
	Usage        int                `json:"usage"`
	Remaining    int                `json:"remaining"` // -1 when unlimited
	NearLimit    bool               `json:"nearLimit"`
	UsagePercent float64            `json:"usagePercent"`
}

// CheckoutRequest is the body of POST /checkout
type CheckoutRequest struct {
	PriceID    string `json:"price_id" validate:"required,startswith=price_,max=255"`
	Email      string `json:"email" validate:"omitempty,email,max=200"`
	FullName   string `json:"full_name" validate:"omitempty,max=150"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url" validate:"omitempty,url"`
}

// PortalResponse is the body returned by POST /portal
type PortalResponse struct {
	PortalURL string `json:"portalUrl"`
}
