// Package http provides net/http middleware for feature gating
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Evaluator resolves sessions and feature limits (required)
	Evaluator *subgate.Evaluator

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 JSON
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnFeatureDenied is called when the session's plan does not include the feature
	// If nil, returns 403 JSON with error "feature_access_denied"
	OnFeatureDenied func(w http.ResponseWriter, r *http.Request, feature string)

	// OnSubscriptionRequired is called when a pro-only route is hit by a free user
	// If nil, returns 402 JSON with error "subscription_required"
	OnSubscriptionRequired func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 JSON
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

func (c *Config) validate(name string) {
	if c.Evaluator == nil {
		panic("subgate/http: " + name + ": Config.Evaluator is required")
	}
	if c.GetUserID == nil {
		panic("subgate/http: " + name + ": Config.GetUserID is required")
	}
}

// LoadSession resolves the caller's session once and stores it on the request context.
// Downstream handlers read it with subgate.SessionFromContext.
func LoadSession(config Config) func(http.Handler) http.Handler {
	config.validate("LoadSession")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := config.session(w, r)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(subgate.WithSession(r.Context(), session)))
		})
	}
}

// RequireFeature rejects requests whose session does not include feature.
// A session already loaded by LoadSession is reused.
func RequireFeature(config Config, feature string) func(http.Handler) http.Handler {
	config.validate("RequireFeature")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := config.session(w, r)
			if !ok {
				return
			}

			allowed, err := config.Evaluator.HasFeature(r.Context(), session, feature)
			if err != nil {
				config.fail(w, r, err)
				return
			}
			if !allowed {
				if config.OnFeatureDenied != nil {
					config.OnFeatureDenied(w, r, feature)
				} else {
					writeJSON(w, http.StatusForbidden, map[string]string{
						"error":   "feature_access_denied",
						"feature": feature,
						"message": "Your plan does not include this feature",
					})
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(subgate.WithSession(r.Context(), session)))
		})
	}
}

// RequireActiveSubscription rejects requests from users without an active or trialing subscription.
func RequireActiveSubscription(config Config) func(http.Handler) http.Handler {
	config.validate("RequireActiveSubscription")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := config.session(w, r)
			if !ok {
				return
			}
			if !session.IsPro() {
				if config.OnSubscriptionRequired != nil {
					config.OnSubscriptionRequired(w, r)
				} else {
					writeJSON(w, http.StatusPaymentRequired, map[string]string{
						"error":   "subscription_required",
						"message": "An active subscription is required",
					})
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(subgate.WithSession(r.Context(), session)))
		})
	}
}

// session returns the context session or resolves a new one. It writes the
// error response itself and reports false when the request must stop.
func (c *Config) session(w http.ResponseWriter, r *http.Request) (*subgate.Session, bool) {
	if session, ok := subgate.SessionFromContext(r.Context()); ok && session != nil {
		return session, true
	}

	userID := c.GetUserID(r)
	if userID == "" {
		if c.OnUnauthorized != nil {
			c.OnUnauthorized(w, r)
		} else {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return nil, false
	}

	session, err := c.Evaluator.ResolveSession(r.Context(), userID)
	if err != nil {
		c.fail(w, r, err)
		return nil, false
	}
	return session, true
}

func (c *Config) fail(w http.ResponseWriter, r *http.Request, err error) {
	if c.OnError != nil {
		c.OnError(w, r, err)
		return
	}
	status := http.StatusInternalServerError
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": "internal_error"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // Response already committed
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subgate:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
