// Package tiered provides a Hot/Cold tiered storage adapter that fronts a durable
// store (Cold) with a fast one (Hot). Cold is the source of truth: every write
// lands there first, and reads that miss Hot fall back to Cold and repair Hot.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

// HotStorage is a Hot tier that can drop a subscription row it failed to update.
type HotStorage interface {
	subgate.Storage
	DeleteSubscription(ctx context.Context, stripeSubscriptionID string) error
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) consulted first on reads
	Hot HotStorage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold subgate.Storage

	// AsyncHotWrites moves catalog, profile and feature flag Hot writes and
	// read-repairs onto a background worker. If false, Hot is written inline
	// after Cold. Subscription rows always reach Hot before the call returns.
	AsyncHotWrites bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails or is dropped.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements subgate.Storage with a Hot/Cold architecture:
// - Read-Through: subscriptions, prices, profiles and feature flags (Hot → Cold → repair Hot)
// - Write-Through: every write (Cold → Hot); subscriptions synchronously, evicting Hot on failure
// - Cold-Only: catalog listing and project usage counts
type Storage struct {
	hot  HotStorage
	cold subgate.Storage
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup

	// subLocks serialize Cold and Hot writes per subscription (striped by id)
	subLocks [64]sync.Mutex
}

var (
	_ subgate.Storage      = (*Storage)(nil)
	_ subgate.ProjectStore = (*Storage)(nil)
)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotWrites {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotWrites {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background Hot write loop.
// Jobs run sequentially so writes for one subscription keep their order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered storage: hot write failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// writeHot applies a Hot write inline or through the worker. Hot failures never
// fail the caller since Cold already holds the data.
func (s *Storage) writeHot(job func(ctx context.Context) error) {
	if !s.conf.AsyncHotWrites {
		if err := job(context.Background()); err != nil {
			s.reportError(fmt.Errorf("tiered storage: hot write failed: %w", err))
		}
		return
	}

	select {
	case s.syncQueue <- func() error { return job(context.Background()) }:
	default:
		s.reportError(errors.New("tiered storage: sync queue full, dropping hot write"))
	}
}

// --- Subscriptions ---

// UpsertSubscription implements subgate.Storage with write-through strategy.
// Cold assigns the internal id, which Hot then stores unchanged. Hot is updated
// before returning, whatever AsyncHotWrites says.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subgate.Subscription) error {
	mu := s.subscriptionLock(sub.StripeSubscriptionID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.cold.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	s.writeHotSubscription(ctx, sub.StripeSubscriptionID, sub.Clone())
	return nil
}

// UpdateSubscriptionStatus implements subgate.Storage with write-through strategy.
// Hot receives the full row so it converges even if it never held the subscription.
func (s *Storage) UpdateSubscriptionStatus(
	ctx context.Context, stripeSubscriptionID string, status subgate.Status,
) (*subgate.Subscription, error) {
	mu := s.subscriptionLock(stripeSubscriptionID)
	mu.Lock()
	defer mu.Unlock()

	updated, err := s.cold.UpdateSubscriptionStatus(ctx, stripeSubscriptionID, status)
	if err != nil {
		return nil, err
	}
	s.writeHotSubscription(ctx, stripeSubscriptionID, updated.Clone())
	return updated, nil
}

// GetSubscription implements subgate.Storage with read-through strategy.
func (s *Storage) GetSubscription(ctx context.Context, stripeSubscriptionID string) (*subgate.Subscription, error) {
	if sub, err := s.hot.GetSubscription(ctx, stripeSubscriptionID); err == nil {
		return sub, nil
	}

	sub, err := s.cold.GetSubscription(ctx, stripeSubscriptionID)
	if err != nil {
		return nil, err
	}
	s.repairSubscription(ctx, stripeSubscriptionID)
	return sub, nil
}

// GetCurrentSubscription implements subgate.Storage with read-through strategy.
func (s *Storage) GetCurrentSubscription(
	ctx context.Context, userID string, statuses []subgate.Status,
) (*subgate.Subscription, error) {
	if sub, err := s.hot.GetCurrentSubscription(ctx, userID, statuses); err == nil {
		return sub, nil
	}

	sub, err := s.cold.GetCurrentSubscription(ctx, userID, statuses)
	if err != nil {
		return nil, err
	}
	s.repairSubscription(ctx, sub.StripeSubscriptionID)
	return sub, nil
}

// repairSubscription copies the row Cold holds now into Hot. It re-reads Cold
// under the subscription lock so a write that landed after the caller's read
// is never overwritten by the older copy.
func (s *Storage) repairSubscription(ctx context.Context, stripeSubscriptionID string) {
	mu := s.subscriptionLock(stripeSubscriptionID)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := s.cold.GetSubscription(ctx, stripeSubscriptionID)
	switch {
	case err == nil:
		s.writeHotSubscription(ctx, stripeSubscriptionID, fresh)
	case errors.Is(err, subgate.ErrSubscriptionNotFound):
		s.evictSubscription(ctx, stripeSubscriptionID)
	default:
		s.reportError(fmt.Errorf("tiered storage: repair of %s skipped: %w", stripeSubscriptionID, err))
	}
}

// writeHotSubscription stores row in Hot. When that fails the Hot copy is
// evicted so reads fall through to Cold instead of serving the previous state.
func (s *Storage) writeHotSubscription(ctx context.Context, stripeSubscriptionID string, row *subgate.Subscription) {
	ctx = context.WithoutCancel(ctx)
	if err := s.hot.UpsertSubscription(ctx, row); err != nil {
		s.reportError(fmt.Errorf("tiered storage: hot write of %s failed: %w", stripeSubscriptionID, err))
		s.evictSubscription(ctx, stripeSubscriptionID)
	}
}

func (s *Storage) evictSubscription(ctx context.Context, stripeSubscriptionID string) {
	if err := s.hot.DeleteSubscription(context.WithoutCancel(ctx), stripeSubscriptionID); err != nil {
		s.reportError(fmt.Errorf("tiered storage: eviction of %s failed, hot may serve a stale row: %w",
			stripeSubscriptionID, err))
	}
}

func (s *Storage) subscriptionLock(stripeSubscriptionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(stripeSubscriptionID))
	return &s.subLocks[h.Sum32()%uint32(len(s.subLocks))]
}

// --- Catalog ---

// SavePlan implements subgate.Storage with write-through strategy.
func (s *Storage) SavePlan(ctx context.Context, plan *subgate.Plan) error {
	if err := s.cold.SavePlan(ctx, plan); err != nil {
		return err
	}
	row := *plan
	s.writeHot(func(ctx context.Context) error {
		return s.hot.SavePlan(ctx, &row)
	})
	return nil
}

// SavePrice implements subgate.Storage with write-through strategy.
func (s *Storage) SavePrice(ctx context.Context, price *subgate.Price) error {
	if err := s.cold.SavePrice(ctx, price); err != nil {
		return err
	}
	row := *price
	s.writeHot(func(ctx context.Context) error {
		return s.hot.SavePrice(ctx, &row)
	})
	return nil
}

// GetPrice implements subgate.Storage with read-through strategy.
func (s *Storage) GetPrice(ctx context.Context, priceID string) (*subgate.Price, error) {
	if price, err := s.hot.GetPrice(ctx, priceID); err == nil {
		return price, nil
	}
	price, err := s.cold.GetPrice(ctx, priceID)
	if err != nil {
		return nil, err
	}
	s.repairPrice(price)
	return price, nil
}

// GetPriceByStripeID implements subgate.Storage with read-through strategy.
func (s *Storage) GetPriceByStripeID(ctx context.Context, stripePriceID string) (*subgate.Price, error) {
	if price, err := s.hot.GetPriceByStripeID(ctx, stripePriceID); err == nil {
		return price, nil
	}
	price, err := s.cold.GetPriceByStripeID(ctx, stripePriceID)
	if err != nil {
		return nil, err
	}
	s.repairPrice(price)
	return price, nil
}

func (s *Storage) repairPrice(price *subgate.Price) {
	row := *price
	s.writeHot(func(ctx context.Context) error {
		return s.hot.SavePrice(ctx, &row)
	})
}

// --- Profiles ---

// GetProfile implements subgate.Storage with read-through strategy.
func (s *Storage) GetProfile(ctx context.Context, userID string) (*subgate.Profile, error) {
	if profile, err := s.hot.GetProfile(ctx, userID); err == nil {
		return profile, nil
	}
	profile, err := s.cold.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	row := *profile
	s.writeHot(func(ctx context.Context) error {
		return s.hot.SaveProfile(ctx, &row)
	})
	return profile, nil
}

// SaveProfile implements subgate.Storage with write-through strategy.
func (s *Storage) SaveProfile(ctx context.Context, profile *subgate.Profile) error {
	if err := s.cold.SaveProfile(ctx, profile); err != nil {
		return err
	}
	row := *profile
	s.writeHot(func(ctx context.Context) error {
		return s.hot.SaveProfile(ctx, &row)
	})
	return nil
}

// FindUserIDByCustomerID implements subgate.Storage with read-through strategy.
func (s *Storage) FindUserIDByCustomerID(ctx context.Context, customerID string) (string, error) {
	if userID, err := s.hot.FindUserIDByCustomerID(ctx, customerID); err == nil {
		return userID, nil
	}
	return s.cold.FindUserIDByCustomerID(ctx, customerID)
}

// --- Feature flags ---

// SaveFeatureFlag implements subgate.Storage with write-through strategy.
func (s *Storage) SaveFeatureFlag(ctx context.Context, flag *subgate.FeatureFlag) error {
	if err := s.cold.SaveFeatureFlag(ctx, flag); err != nil {
		return err
	}
	row := flag.Clone()
	s.writeHot(func(ctx context.Context) error {
		return s.hot.SaveFeatureFlag(ctx, row)
	})
	return nil
}

// GetFeatureFlag implements subgate.Storage with read-through strategy.
func (s *Storage) GetFeatureFlag(ctx context.Context, name string) (*subgate.FeatureFlag, error) {
	if flag, err := s.hot.GetFeatureFlag(ctx, name); err == nil {
		return flag, nil
	}
	flag, err := s.cold.GetFeatureFlag(ctx, name)
	if err != nil {
		return nil, err
	}
	row := flag.Clone()
	s.writeHot(func(ctx context.Context) error {
		return s.hot.SaveFeatureFlag(ctx, row)
	})
	return flag, nil
}

// ListFeatureFlags implements subgate.Storage. Hot may hold a partial set, so Cold answers.
func (s *Storage) ListFeatureFlags(ctx context.Context) ([]*subgate.FeatureFlag, error) {
	return s.cold.ListFeatureFlags(ctx)
}

// --- Projects (Cold-Only) ---

func (s *Storage) projects() (subgate.ProjectStore, error) {
	ps, ok := s.cold.(subgate.ProjectStore)
	if !ok {
		return nil, subgate.ErrProjectsUnavailable
	}
	return ps, nil
}

// GetProjectOwner implements subgate.ProjectStore when Cold does.
func (s *Storage) GetProjectOwner(ctx context.Context, projectID string) (string, error) {
	ps, err := s.projects()
	if err != nil {
		return "", err
	}
	return ps.GetProjectOwner(ctx, projectID)
}

// CountProjects implements subgate.ProjectStore when Cold does.
func (s *Storage) CountProjects(ctx context.Context, ownerID string) (int, error) {
	ps, err := s.projects()
	if err != nil {
		return 0, err
	}
	return ps.CountProjects(ctx, ownerID)
}

// CountLeads implements subgate.ProjectStore when Cold does.
func (s *Storage) CountLeads(ctx context.Context, projectID string) (int, error) {
	ps, err := s.projects()
	if err != nil {
		return 0, err
	}
	return ps.CountLeads(ctx, projectID)
}
