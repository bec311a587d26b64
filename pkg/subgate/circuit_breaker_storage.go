package subgate

import (
	"context"
	"errors"
	"fmt"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
// Calls rejected by an open circuit fail with ErrStorageUnavailable wrapping ErrCircuitOpen.
type CircuitBreakerStorage struct {
	storage  Storage
	projects ProjectStore
	cb       CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
// projects may be nil, in which case the project lookups return ErrProjectsUnavailable.
func NewCircuitBreakerStorage(storage Storage, projects ProjectStore, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage:  storage,
		projects: projects,
		cb:       cb,
	}
}

// IsStorageFailure reports whether err says something about the health of the
// backend. Lookups that found nothing and rejected input are answers, not failures.
func IsStorageFailure(err error) bool {
	if err == nil {
		return false
	}
	for _, answer := range []error{
		ErrSubscriptionNotFound,
		ErrPriceNotFound,
		ErrPlanNotFound,
		ErrUserNotFound,
		ErrFeatureNotConfigured,
		ErrProjectNotFound,
		ErrProjectsUnavailable,
		ErrInvalidSubscription,
		ErrInvalidUserID,
		ErrInvalidLimit,
	} {
		if errors.Is(err, answer) {
			return false
		}
	}
	return true
}

func (s *CircuitBreakerStorage) execute(ctx context.Context, fn func() error) error {
	err := s.cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}

func guard[T any](ctx context.Context, s *CircuitBreakerStorage, fn func() (T, error)) (T, error) {
	var result T
	err := s.execute(ctx, func() error {
		var e error
		result, e = fn()
		return e
	})
	return result, err
}

func (s *CircuitBreakerStorage) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	return s.execute(ctx, func() error {
		return s.storage.UpsertSubscription(ctx, sub)
	})
}

func (s *CircuitBreakerStorage) UpdateSubscriptionStatus(
	ctx context.Context, stripeSubscriptionID string, status Status,
) (*Subscription, error) {
	return guard(ctx, s, func() (*Subscription, error) {
		return s.storage.UpdateSubscriptionStatus(ctx, stripeSubscriptionID, status)
	})
}

func (s *CircuitBreakerStorage) GetSubscription(ctx context.Context, stripeSubscriptionID string) (*Subscription, error) {
	return guard(ctx, s, func() (*Subscription, error) {
		return s.storage.GetSubscription(ctx, stripeSubscriptionID)
	})
}

func (s *CircuitBreakerStorage) GetCurrentSubscription(
	ctx context.Context, userID string, statuses []Status,
) (*Subscription, error) {
	return guard(ctx, s, func() (*Subscription, error) {
		return s.storage.GetCurrentSubscription(ctx, userID, statuses)
	})
}

func (s *CircuitBreakerStorage) SavePlan(ctx context.Context, plan *Plan) error {
	return s.execute(ctx, func() error {
		return s.storage.SavePlan(ctx, plan)
	})
}

func (s *CircuitBreakerStorage) SavePrice(ctx context.Context, price *Price) error {
	return s.execute(ctx, func() error {
		return s.storage.SavePrice(ctx, price)
	})
}

func (s *CircuitBreakerStorage) GetPrice(ctx context.Context, priceID string) (*Price, error) {
	return guard(ctx, s, func() (*Price, error) {
		return s.storage.GetPrice(ctx, priceID)
	})
}

func (s *CircuitBreakerStorage) GetPriceByStripeID(ctx context.Context, stripePriceID string) (*Price, error) {
	return guard(ctx, s, func() (*Price, error) {
		return s.storage.GetPriceByStripeID(ctx, stripePriceID)
	})
}

func (s *CircuitBreakerStorage) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return guard(ctx, s, func() (*Profile, error) {
		return s.storage.GetProfile(ctx, userID)
	})
}

func (s *CircuitBreakerStorage) SaveProfile(ctx context.Context, profile *Profile) error {
	return s.execute(ctx, func() error {
		return s.storage.SaveProfile(ctx, profile)
	})
}

func (s *CircuitBreakerStorage) FindUserIDByCustomerID(ctx context.Context, customerID string) (string, error) {
	return guard(ctx, s, func() (string, error) {
		return s.storage.FindUserIDByCustomerID(ctx, customerID)
	})
}

func (s *CircuitBreakerStorage) SaveFeatureFlag(ctx context.Context, flag *FeatureFlag) error {
	return s.execute(ctx, func() error {
		return s.storage.SaveFeatureFlag(ctx, flag)
	})
}

func (s *CircuitBreakerStorage) GetFeatureFlag(ctx context.Context, name string) (*FeatureFlag, error) {
	return guard(ctx, s, func() (*FeatureFlag, error) {
		return s.storage.GetFeatureFlag(ctx, name)
	})
}

func (s *CircuitBreakerStorage) ListFeatureFlags(ctx context.Context) ([]*FeatureFlag, error) {
	return guard(ctx, s, func() ([]*FeatureFlag, error) {
		return s.storage.ListFeatureFlags(ctx)
	})
}

func (s *CircuitBreakerStorage) GetProjectOwner(ctx context.Context, projectID string) (string, error) {
	if s.projects == nil {
		return "", ErrProjectsUnavailable
	}
	return guard(ctx, s, func() (string, error) {
		return s.projects.GetProjectOwner(ctx, projectID)
	})
}

func (s *CircuitBreakerStorage) CountProjects(ctx context.Context, ownerID string) (int, error) {
	if s.projects == nil {
		return 0, ErrProjectsUnavailable
	}
	return guard(ctx, s, func() (int, error) {
		return s.projects.CountProjects(ctx, ownerID)
	})
}

func (s *CircuitBreakerStorage) CountLeads(ctx context.Context, projectID string) (int, error) {
	if s.projects == nil {
		return 0, ErrProjectsUnavailable
	}
	return guard(ctx, s, func() (int, error) {
		return s.projects.CountLeads(ctx, projectID)
	})
}
