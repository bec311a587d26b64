package subgate

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no subscription row matches
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPriceNotFound is returned when a price is unknown to the catalog
	ErrPriceNotFound = errors.New("price not found")

	// ErrPlanNotFound is returned when a plan is unknown to the catalog
	ErrPlanNotFound = errors.New("plan not found")

	// ErrUserNotFound is returned when no profile matches
	ErrUserNotFound = errors.New("user not found")

	// ErrFeatureNotConfigured is returned when a feature has no row or no applicable tier
	ErrFeatureNotConfigured = errors.New("feature not configured")

	// ErrProjectNotFound is returned for unknown projects
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectsUnavailable is returned when usage checks need a ProjectStore and none is configured
	ErrProjectsUnavailable = errors.New("project store not configured")

	// ErrInvalidLimit is returned for limit values that are not a bool, a count or "unlimited"
	ErrInvalidLimit = errors.New("invalid limit value")

	// ErrInvalidSubscription is returned when a subscription is missing required fields
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrInvalidUserID is returned for empty user ids
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
