// Package memory provides an in-memory implementation of the subgate.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

// Storage implements subgate.Storage and subgate.ProjectStore using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*subgate.Subscription // by stripe subscription id
	plans         map[string]*subgate.Plan
	prices        map[string]*subgate.Price // by internal id
	profiles      map[string]*subgate.Profile
	flags         map[string]*subgate.FeatureFlag
	projects      map[string]string // project id -> owner id
	leads         map[string]int
	now           func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*subgate.Subscription),
		plans:         make(map[string]*subgate.Plan),
		prices:        make(map[string]*subgate.Price),
		profiles:      make(map[string]*subgate.Profile),
		flags:         make(map[string]*subgate.FeatureFlag),
		projects:      make(map[string]string),
		leads:         make(map[string]int),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// UpsertSubscription implements subgate.Storage
func (s *Storage) UpsertSubscription(_ context.Context, sub *subgate.Subscription) error {
	if err := subgate.ValidateSubscription(sub); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := sub.Clone()
	now := s.now()
	if existing, ok := s.subscriptions[sub.StripeSubscriptionID]; ok {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
	} else {
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	s.subscriptions[sub.StripeSubscriptionID] = row
	return nil
}

// UpdateSubscriptionStatus implements subgate.Storage
func (s *Storage) UpdateSubscriptionStatus(_ context.Context, stripeSubscriptionID string, status subgate.Status) (*subgate.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.subscriptions[stripeSubscriptionID]
	if !ok {
		return nil, subgate.ErrSubscriptionNotFound
	}
	row.Status = status
	row.UpdatedAt = s.now()
	return row.Clone(), nil
}

// GetSubscription implements subgate.Storage
func (s *Storage) GetSubscription(_ context.Context, stripeSubscriptionID string) (*subgate.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.subscriptions[stripeSubscriptionID]
	if !ok {
		return nil, subgate.ErrSubscriptionNotFound
	}
	return row.Clone(), nil
}

// GetCurrentSubscription implements subgate.Storage
func (s *Storage) GetCurrentSubscription(_ context.Context, userID string, statuses []subgate.Status) (*subgate.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owned []*subgate.Subscription
	for _, row := range s.subscriptions {
		if row.UserID == userID {
			owned = append(owned, row)
		}
	}
	current := subgate.PickCurrent(owned, statuses)
	if current == nil {
		return nil, subgate.ErrSubscriptionNotFound
	}
	return current.Clone(), nil
}

// DeleteSubscription removes a row; missing rows are not an error.
func (s *Storage) DeleteSubscription(_ context.Context, stripeSubscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, stripeSubscriptionID)
	return nil
}

// ListSubscriptions returns all rows of a user ordered by creation time.
func (s *Storage) ListSubscriptions(_ context.Context, userID string) []*subgate.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subgate.Subscription
	for _, row := range s.subscriptions {
		if row.UserID == userID {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SubscriptionCount returns the number of stored subscription rows.
func (s *Storage) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// SavePlan implements subgate.Storage
func (s *Storage) SavePlan(_ context.Context, plan *subgate.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	planCopy := *plan
	s.plans[plan.ID] = &planCopy
	return nil
}

// SavePrice implements subgate.Storage
func (s *Storage) SavePrice(_ context.Context, price *subgate.Price) error {
	if price == nil || price.StripePriceID == "" {
		return fmt.Errorf("invalid price")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	priceCopy := *price
	if priceCopy.ID == "" {
		priceCopy.ID = uuid.NewString()
	}
	s.prices[priceCopy.ID] = &priceCopy
	price.ID = priceCopy.ID
	return nil
}

// GetPrice implements subgate.Storage
func (s *Storage) GetPrice(_ context.Context, priceID string) (*subgate.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.prices[priceID]
	if !ok {
		return nil, subgate.ErrPriceNotFound
	}
	priceCopy := *price
	return &priceCopy, nil
}

// GetPriceByStripeID implements subgate.Storage
func (s *Storage) GetPriceByStripeID(_ context.Context, stripePriceID string) (*subgate.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, price := range s.prices {
		if price.StripePriceID == stripePriceID {
			priceCopy := *price
			return &priceCopy, nil
		}
	}
	return nil, subgate.ErrPriceNotFound
}

// GetProfile implements subgate.Storage
func (s *Storage) GetProfile(_ context.Context, userID string) (*subgate.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return nil, subgate.ErrUserNotFound
	}
	profileCopy := *profile
	return &profileCopy, nil
}

// SaveProfile implements subgate.Storage
func (s *Storage) SaveProfile(_ context.Context, profile *subgate.Profile) error {
	if profile == nil || profile.UserID == "" {
		return subgate.ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	profileCopy := *profile
	s.profiles[profile.UserID] = &profileCopy
	return nil
}

// FindUserIDByCustomerID implements subgate.Storage
func (s *Storage) FindUserIDByCustomerID(_ context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", subgate.ErrUserNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, profile := range s.profiles {
		if profile.StripeCustomerID == customerID {
			return profile.UserID, nil
		}
	}
	return "", subgate.ErrUserNotFound
}

// SaveFeatureFlag implements subgate.Storage
func (s *Storage) SaveFeatureFlag(_ context.Context, flag *subgate.FeatureFlag) error {
	if flag == nil || flag.Name == "" {
		return fmt.Errorf("invalid feature flag")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags[flag.Name] = flag.Clone()
	return nil
}

// GetFeatureFlag implements subgate.Storage
func (s *Storage) GetFeatureFlag(_ context.Context, name string) (*subgate.FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flag, ok := s.flags[name]
	if !ok {
		return nil, subgate.ErrFeatureNotConfigured
	}
	return flag.Clone(), nil
}

// ListFeatureFlags implements subgate.Storage
func (s *Storage) ListFeatureFlags(_ context.Context) ([]*subgate.FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subgate.FeatureFlag, 0, len(s.flags))
	for _, flag := range s.flags {
		out = append(out, flag.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AddProject registers a project owned by ownerID.
func (s *Storage) AddProject(projectID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[projectID] = ownerID
}

// AddLeads adds n collected leads to a project.
func (s *Storage) AddLeads(projectID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[projectID] += n
}

// GetProjectOwner implements subgate.ProjectStore
func (s *Storage) GetProjectOwner(_ context.Context, projectID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.projects[projectID]
	if !ok {
		return "", subgate.ErrProjectNotFound
	}
	return owner, nil
}

// CountProjects implements subgate.ProjectStore
func (s *Storage) CountProjects(_ context.Context, ownerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, owner := range s.projects {
		if owner == ownerID {
			n++
		}
	}
	return n, nil
}

// CountLeads implements subgate.ProjectStore
func (s *Storage) CountLeads(_ context.Context, projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leads[projectID], nil
}
