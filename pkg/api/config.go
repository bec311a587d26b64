package api

import (
	"context"
	"fmt"
	"net/http"

	stripebilling "github.com/mihaimyh/subgate/pkg/billing/stripe"
	"github.com/mihaimyh/subgate/pkg/subgate"
)

// Billing is the part of the Stripe provider the API exposes
type Billing interface {
	CheckoutURL(ctx context.Context, req stripebilling.CheckoutRequest) (*stripebilling.CheckoutSession, error)
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)
	WebhookHandler() http.Handler
}

// Config holds configuration for the API handler
type Config struct {
	// Evaluator resolves sessions and feature limits (required)
	Evaluator *subgate.Evaluator

	// Billing serves checkout, portal and webhooks (optional)
	// If nil, those routes are not mounted
	Billing Billing

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// BaseURL is prefixed to relative portal redirects, e.g. "https://app.example.com"
	BaseURL string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger records failed requests (default: NoopLogger)
	Logger subgate.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Evaluator == nil {
		return fmt.Errorf("evaluator is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
