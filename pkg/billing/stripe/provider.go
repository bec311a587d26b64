package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/subgate/pkg/billing"
	"github.com/mihaimyh/subgate/pkg/billing/internal"
	"github.com/mihaimyh/subgate/pkg/subgate"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultUserIDMetadataKey = "user_id"
	maxWebhookPayloadBytes   = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Storage, Invalidator, etc.)

	// Stripe-specific, taking precedence over APIKey and WebhookSecret of the base config
	StripeAPIKey        string
	StripeWebhookSecret string

	// UserIDMetadataKey is the metadata key holding the internal user id on
	// subscriptions and customers (default: "user_id")
	UserIDMetadataKey string

	// CheckoutSuccessURL and CheckoutCancelURL are where Stripe Checkout sends the user back to
	CheckoutSuccessURL string
	CheckoutCancelURL  string

	// PortalReturnURL is the default return URL of billing portal sessions
	PortalReturnURL string

	// Retry controls retries of subscription retrieval on transient failures
	// (default: DefaultRetryConfig)
	Retry *RetryConfig

	// API overrides the Stripe client (optional, used by tests)
	API API
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	storage       subgate.Storage
	invalidator   billing.Invalidator
	api           API
	config        Config
	rateLimiter   *internal.RateLimiter
	webhookSecret string
	userIDKey     string
	retry         RetryConfig
	onSync        billing.SyncCallback
	metrics       billing.Metrics
	logger        subgate.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Storage == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	api := config.API
	if api == nil {
		apiKey := strings.TrimSpace(firstNonEmpty(config.StripeAPIKey, config.APIKey))
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}

		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{
				Timeout: defaultHTTPTimeout,
			}
		}
		api = newClientAPI(apiKey, httpClient)
	}

	userIDKey := config.UserIDMetadataKey
	if userIDKey == "" {
		userIDKey = defaultUserIDMetadataKey
	}

	retry := DefaultRetryConfig()
	if config.Retry != nil {
		retry = *config.Retry
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	logger := config.Logger
	if logger == nil {
		logger = &subgate.NoopLogger{}
	}

	return &Provider{
		storage:       config.Storage,
		invalidator:   config.Invalidator,
		api:           api,
		config:        config,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: strings.TrimSpace(firstNonEmpty(config.StripeWebhookSecret, config.WebhookSecret)),
		userIDKey:     userIDKey,
		retry:         retry,
		onSync:        config.OnSync,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}

// SyncSubscription retrieves a subscription from Stripe and writes it to storage.
func (p *Provider) SyncSubscription(ctx context.Context, subscriptionID string) error {
	_, err := p.SyncSubscriptionByID(ctx, subscriptionID, "")
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
