package stripe

import (
	"errors"
	"fmt"
)

var (
	// ErrUserUnresolved is returned when no user id hint or profile matches a subscription
	ErrUserUnresolved = errors.New("subscription user could not be resolved")

	// ErrNoBillableItem is returned for subscriptions without a priced line item
	ErrNoBillableItem = errors.New("subscription has no billable price")

	// ErrMultipleBillableItems is returned for subscriptions with more than one line item
	ErrMultipleBillableItems = errors.New("subscription has more than one billable item")

	// ErrMissingPeriod is returned when a live subscription carries no current period
	ErrMissingPeriod = errors.New("subscription is missing its current period")
)

// SyncStage names the synchronizer step that failed.
type SyncStage string

const (
	StageValidate       SyncStage = "validate"
	StageResolveUser    SyncStage = "resolve_user"
	StageExtractPrice   SyncStage = "extract_price"
	StageResolvePrice   SyncStage = "resolve_price"
	StageValidatePeriod SyncStage = "validate_period"
	StagePersist        SyncStage = "persist"
)

// SyncError is returned when a subscription could not be synchronized.
// Nothing is written when it is returned.
type SyncError struct {
	Stage          SyncStage
	SubscriptionID string
	Err            error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync subscription %s: %s: %v", e.SubscriptionID, e.Stage, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
