package subgate

import "time"

// Metrics defines the interface for tracking feature evaluation.
type Metrics interface {
	// RecordDecision records the outcome of a feature check.
	RecordDecision(feature string, allowed bool)

	// RecordConfigGap records a feature check that found no applicable tier row.
	RecordConfigGap(feature string)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "features").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordSessionResolve records how long resolving a user's session took.
	RecordSessionResolve(duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(feature string, allowed bool)                                {}
func (n *NoopMetrics) RecordConfigGap(feature string)                                             {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordSessionResolve(duration time.Duration, err error)                     {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
