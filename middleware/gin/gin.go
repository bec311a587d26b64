// Package gin provides Gin middleware for feature gating
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

// SessionKey is the Gin context key under which the resolved session is stored
const SessionKey = "subgate.session"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Evaluator resolves sessions and feature limits (required)
	Evaluator *subgate.Evaluator

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnFeatureDenied is called when the session's plan does not include the feature
	// If nil, returns 403 JSON with error "feature_access_denied"
	OnFeatureDenied func(c *gongin.Context, feature string)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireFeature creates a Gin middleware that aborts requests whose session does
// not include feature. The session is stored under SessionKey and on the request context.
func RequireFeature(cfg Config, feature string) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Evaluator == nil {
		panic("subgate/gin: Config.Evaluator is required")
	}
	if cfg.GetUserID == nil {
		panic("subgate/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		session, ok := sessionFor(cfg, c)
		if !ok {
			return
		}

		allowed, err := cfg.Evaluator.HasFeature(c.Request.Context(), session, feature)
		if err != nil {
			handleError(cfg, c, err)
			return
		}
		if !allowed {
			if cfg.OnFeatureDenied != nil {
				cfg.OnFeatureDenied(c, feature)
			} else {
				defaultFeatureDenied(c, feature)
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetSession returns the session stored by RequireFeature
func GetSession(c *gongin.Context) (*subgate.Session, bool) {
	val, exists := c.Get(SessionKey)
	if !exists {
		return nil, false
	}
	session, ok := val.(*subgate.Session)
	return session, ok
}

func sessionFor(cfg Config, c *gongin.Context) (*subgate.Session, bool) {
	if session, ok := GetSession(c); ok {
		return session, true
	}

	userID := cfg.GetUserID(c)
	if userID == "" {
		if cfg.OnUnauthorized != nil {
			cfg.OnUnauthorized(c)
		} else {
			defaultUnauthorized(c)
		}
		c.Abort()
		return nil, false
	}

	session, err := cfg.Evaluator.ResolveSession(c.Request.Context(), userID)
	if err != nil {
		handleError(cfg, c, err)
		return nil, false
	}

	c.Set(SessionKey, session)
	c.Request = c.Request.WithContext(subgate.WithSession(c.Request.Context(), session))
	return session, true
}

func handleError(cfg Config, c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		defaultError(c, err)
	}
	c.Abort()
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultFeatureDenied(c *gongin.Context, feature string) {
	c.JSON(http.StatusForbidden, gongin.H{
		"error":   "feature_access_denied",
		"feature": feature,
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
