package subgate

import "time"

// CacheConfig configures the feature set cache
type CacheConfig struct {
	// Enabled turns caching on or off (default: true via DefaultConfig)
	Enabled bool

	// MaxEntries is the maximum number of cached feature sets (default: 1000)
	MaxEntries int

	// TTL bounds how stale a cached feature set can be when another process
	// changed the subscription (default: 5 minutes)
	TTL time.Duration
}

// CircuitBreakerConfig configures the circuit breaker around storage
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config configures an Evaluator.
type Config struct {
	// Projects provides usage counts for the composed checks (optional)
	Projects ProjectStore

	// Cache overrides the cache built from CacheConfig (optional)
	Cache Cache

	// CacheConfig configures the default LRU cache
	CacheConfig *CacheConfig

	// CircuitBreakerConfig guards storage reads when enabled (optional)
	CircuitBreakerConfig *CircuitBreakerConfig

	// ResolveTimeout bounds ResolveSession (default: 3 seconds)
	ResolveTimeout time.Duration

	// Metrics is used for tracking evaluations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// DefaultConfig returns a Config with caching enabled.
func DefaultConfig() Config {
	return Config{
		CacheConfig: &CacheConfig{
			Enabled:    true,
			MaxEntries: 1000,
			TTL:        5 * time.Minute,
		},
		ResolveTimeout: 3 * time.Second,
	}
}
